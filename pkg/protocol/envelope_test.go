package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("should extract type and device id", func(t *testing.T) {
		env, err := Parse([]byte(`{"type":"init","MACADDR":"AA:BB","extra":{"a":1}}`))
		require.NoError(t, err)

		assert.Equal(t, TypeInit, env.Type)
		assert.Equal(t, "AA:BB", env.DeviceID)
		assert.True(t, env.HasDeviceID())
		assert.True(t, env.Forwardable())
	})

	t.Run("should keep the raw frame unchanged", func(t *testing.T) {
		frame := []byte(`{ "MACADDR" : "AA:BB", "type":"emergency_alert" }`)
		env, err := Parse(frame)
		require.NoError(t, err)

		assert.Equal(t, frame, env.Raw)
		frame[0] = 'x'
		assert.Equal(t, byte('{'), env.Raw[0])
	})

	t.Run("should accept frames without device id", func(t *testing.T) {
		env, err := Parse([]byte(`{"type":"pong"}`))
		require.NoError(t, err)

		assert.Equal(t, TypePong, env.Type)
		assert.False(t, env.HasDeviceID())
		assert.False(t, env.Forwardable())
	})

	t.Run("should reject invalid JSON", func(t *testing.T) {
		_, err := Parse([]byte(`{"type":`))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("should reject invalid UTF-8", func(t *testing.T) {
		_, err := Parse([]byte("{\"type\":\"init\",\"MACADDR\":\"AA\xff\xfe\"}"))
		assert.ErrorIs(t, err, ErrMalformedMessage)
		assert.Contains(t, err.Error(), "UTF-8")
	})

	t.Run("should reject frames without type", func(t *testing.T) {
		_, err := Parse([]byte(`{"MACADDR":"AA:BB"}`))
		assert.ErrorIs(t, err, ErrMalformedMessage)
		assert.Contains(t, err.Error(), "type")
	})

	t.Run("should reject non-string type", func(t *testing.T) {
		_, err := Parse([]byte(`{"type":42}`))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("should reject non-string device id", func(t *testing.T) {
		_, err := Parse([]byte(`{"type":"init","MACADDR":12}`))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("should reject non-object frames", func(t *testing.T) {
		_, err := Parse([]byte(`["init"]`))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})
}

func TestIsForwardable(t *testing.T) {
	cases := map[string]bool{
		TypeInit:           true,
		TypeEmergencyAlert: true,
		TypePing:           false,
		TypePong:           false,
		"status":           false,
		"":                 false,
	}

	for msgType, want := range cases {
		assert.Equal(t, want, IsForwardable(msgType), msgType)
	}
}

func TestNewErrorFrame(t *testing.T) {
	frame := NewErrorFrame("downstream_timeout", "no reply", TypeInit, "trace-1")

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","error":"downstream_timeout","message":"no reply","for":"init","trace_id":"trace-1"}`, string(data))
}

func TestNewPing(t *testing.T) {
	data, err := json.Marshal(NewPing())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
}
