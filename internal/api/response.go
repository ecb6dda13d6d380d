package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devicelab-dev/labctl/internal/labctlerr"
)

// envelope is the uniform response shape every handler returns:
// {success, data?, message?, error?}.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func okMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, envelope{Success: true, Message: message})
}

// fail renders an error using the HTTP status class implied by its
// labctlerr.Kind. Errors without a Kind are rendered as 500-class
// ExternalToolFailure equivalents.
func fail(c *gin.Context, err error) {
	status := labctlerr.StatusOf(err)
	c.JSON(status, envelope{Success: false, Error: err.Error()})
}

func failValidation(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, envelope{Success: false, Error: message})
}
