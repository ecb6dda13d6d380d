package labctlerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New(NotFound, "device %s not found", "abc-123")
	assert.Equal(t, "device abc-123 not found", err.Error())
	assert.Equal(t, NotFound, err.Kind)
}

func TestWrapPreservesUnderlyingError(t *testing.T) {
	root := errors.New("adb: device offline")
	err := Wrap(ExternalToolFailure, root, "adb query failed for %s", "abc-123")

	assert.Contains(t, err.Error(), "adb query failed for abc-123")
	assert.Contains(t, err.Error(), "adb: device offline")
	assert.ErrorIs(t, err, root)
}

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(InvalidState, "device already reserved")
	wrapped := fmt.Errorf("reserve failed: %w", base)

	assert.Equal(t, InvalidState, KindOf(wrapped))
}

func TestKindOfDefaultsForUnclassifiedErrors(t *testing.T) {
	assert.Equal(t, ExternalToolFailure, KindOf(errors.New("boom")))
}

func TestStatusOfMapsEveryKind(t *testing.T) {
	cases := map[Kind]int{
		NotFound:            http.StatusNotFound,
		InvalidState:        http.StatusBadRequest,
		ValidationError:     http.StatusBadRequest,
		ResourceExhaustion:  http.StatusInternalServerError,
		ExternalToolFailure: http.StatusInternalServerError,
		Timeout:             http.StatusInternalServerError,
		Unsupported:         http.StatusBadRequest,
	}
	for kind, want := range cases {
		got := StatusOf(New(kind, "x"))
		assert.Equal(t, want, got, "kind %s", kind)
	}
}

func TestStatusOfDefaultsToInternalServerError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("boom")))
}
