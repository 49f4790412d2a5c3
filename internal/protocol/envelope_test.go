package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequestBody_Empty(t *testing.T) {
	env, rpcErr := DecodeRequestBody(nil)
	require.Nil(t, rpcErr)
	assert.Equal(t, json.RawMessage("{}"), env.Params)
	assert.Equal(t, Version, env.VersionField)
}

func TestDecodeRequestBody_MissingParams(t *testing.T) {
	env, rpcErr := DecodeRequestBody([]byte(`{"version":"1.0","timeout":5}`))
	require.Nil(t, rpcErr)
	assert.Equal(t, json.RawMessage("{}"), env.Params)
	assert.Equal(t, 5, env.Timeout)
}

func TestDecodeRequestBody_Malformed(t *testing.T) {
	env, rpcErr := DecodeRequestBody([]byte(`{not json`))
	assert.Nil(t, env)
	require.NotNil(t, rpcErr)
	assert.Equal(t, JSONParseError, rpcErr.Code)
}

func TestNewSuccess(t *testing.T) {
	env := NewSuccess(map[string]int{"a": 1})
	assert.Equal(t, Success, env.Code)
	assert.NotZero(t, env.Timestamp)
}

func TestNewErrorEnvelope(t *testing.T) {
	rpcErr := Errorf(PermissionDenied, "nope").WithData("extra")
	env := NewErrorEnvelope(rpcErr)
	assert.Equal(t, PermissionDenied, env.Code)
	assert.Equal(t, "nope", env.Message)
	assert.Equal(t, "extra", env.Data)
}

func TestNewRequestID_Unique(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
