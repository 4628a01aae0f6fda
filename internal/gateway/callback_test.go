package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackReferenceFallbackOrder(t *testing.T) {
	cases := []struct {
		name string
		json string
		want string
	}{
		{"merchantRefNo wins", `{"response":{"merchantRefNo":"A","orderReferenceNumber":"B","variable1":"C"}}`, "A"},
		{"orderReferenceNumber", `{"response":{"orderReferenceNumber":"B","variable1":"C"}}`, "B"},
		{"variable1", `{"response":{"merchantRefNo":"","variable1":"C"}}`, "C"},
		{"orderReferenceNo", `{"response":{"orderReferenceNo":"D"}}`, "D"},
		{"top level", `{"orderReferenceNumber":"E","response":{}}`, "E"},
		{"trimmed", `{"response":{"merchantRefNo":"  F "}}`, "F"},
		{"numeric", `{"response":{"variable1":42}}`, "42"},
		{"none", `{"response":{"variable1":null}}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cb Callback
			require.NoError(t, json.Unmarshal([]byte(tc.json), &cb))
			assert.Equal(t, tc.want, cb.Reference())
		})
	}
}

func TestCallbackCaptured(t *testing.T) {
	cases := map[string]bool{
		`{"status":true,"response":{"resultCode":"CAPTURED"}}`:  true,
		`{"status":false,"response":{"resultCode":"CAPTURED"}}`: false,
		`{"status":true,"response":{"resultCode":"PENDING"}}`:   false,
		`{"status":true,"response":{"resultCode":"captured"}}`:  false,
		`{"status":true}`: false,
	}
	for in, want := range cases {
		var cb Callback
		require.NoError(t, json.Unmarshal([]byte(in), &cb))
		assert.Equal(t, want, cb.Captured(), in)
	}
}
