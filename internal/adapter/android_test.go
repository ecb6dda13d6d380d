package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyScreencapFailureDetectsResourceExhaustion(t *testing.T) {
	assert.True(t, classifyScreencapFailure("Error: screencap: resource temporarily unavailable\n"))
}

func TestClassifyScreencapFailureIgnoresOtherErrors(t *testing.T) {
	assert.False(t, classifyScreencapFailure("Error: closed\n"))
	assert.False(t, classifyScreencapFailure(""))
}
