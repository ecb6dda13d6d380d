package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/labctl/internal/labctlerr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestOkRendersSuccessEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	ok(c, map[string]string{"id": "dev-1"})

	assert.Equal(t, 200, w.Code)
	e := decodeEnvelope(t, w)
	assert.True(t, e.Success)
	assert.Empty(t, e.Error)
}

func TestOkMessageRendersMessageOnly(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	okMessage(c, "device released")

	e := decodeEnvelope(t, w)
	assert.True(t, e.Success)
	assert.Equal(t, "device released", e.Message)
	assert.Nil(t, e.Data)
}

func TestFailUsesKindMappedStatus(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	fail(c, labctlerr.New(labctlerr.NotFound, "device %s not found", "dev-1"))

	assert.Equal(t, 404, w.Code)
	e := decodeEnvelope(t, w)
	assert.False(t, e.Success)
	assert.Contains(t, e.Error, "dev-1")
}

func TestFailDefaultsToInternalServerErrorForUnclassifiedErrors(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	fail(c, assert.AnError)

	assert.Equal(t, 500, w.Code)
}

func TestFailValidationAlwaysReturnsBadRequest(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	failValidation(c, "missing deviceId")

	assert.Equal(t, 400, w.Code)
	e := decodeEnvelope(t, w)
	assert.False(t, e.Success)
	assert.Equal(t, "missing deviceId", e.Error)
}
