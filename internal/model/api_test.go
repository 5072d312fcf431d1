package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAbsentJSON(t *testing.T) {
	for _, raw := range []string{"", "   ", "null", " null\n"} {
		assert.True(t, IsAbsentJSON(json.RawMessage(raw)), "%q", raw)
	}
	for _, raw := range []string{"{}", `"null"`, "0", "false", "[]"} {
		assert.False(t, IsAbsentJSON(json.RawMessage(raw)), "%q", raw)
	}
}
