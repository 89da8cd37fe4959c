package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"
)

// Message types understood by the relay
const (
	TypeInit           = "init"
	TypeEmergencyAlert = "emergency_alert"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeError          = "error"
)

// DeviceIDField is the inbound field carrying the device identifier
const DeviceIDField = "MACADDR"

// ErrMalformedMessage is returned when a frame is not a valid envelope
var ErrMalformedMessage = errors.New("malformed message")

// EnvelopeSchema is the JSON schema every inbound device frame must satisfy.
// Only the routing fields are constrained; the rest of the payload is opaque.
const EnvelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "MACADDR": {"type": "string"}
  }
}`

var envelopeSchema = mustSchema(EnvelopeSchema)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid envelope schema: %v", err))
	}
	return schema
}

// Envelope is a parsed device frame
type Envelope struct {
	Type     string
	DeviceID string
	// Raw holds the frame exactly as received
	Raw []byte
}

// Forwardable reports whether the envelope is routed to the downstream server
func (e *Envelope) Forwardable() bool {
	return IsForwardable(e.Type)
}

// HasDeviceID reports whether the frame carried an identifier
func (e *Envelope) HasDeviceID() bool {
	return e.DeviceID != ""
}

// IsForwardable reports whether messages of the given type go downstream
func IsForwardable(msgType string) bool {
	return msgType == TypeInit || msgType == TypeEmergencyAlert
}

// Parse validates a device frame against EnvelopeSchema and extracts
// its routing fields.
func Parse(data []byte) (*Envelope, error) {
	// json.Valid lets invalid UTF-8 through inside strings
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformedMessage)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedMessage)
	}

	result, err := envelopeSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, strings.Join(msgs, "; "))
	}

	var fields struct {
		Type     string `json:"type"`
		DeviceID string `json:"MACADDR"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	raw := make([]byte, len(data))
	copy(raw, data)

	return &Envelope{
		Type:     fields.Type,
		DeviceID: fields.DeviceID,
		Raw:      raw,
	}, nil
}

// Probe is the keepalive message sent to devices
type Probe struct {
	Type string `json:"type"`
}

// NewPing returns the keepalive probe
func NewPing() Probe {
	return Probe{Type: TypePing}
}

// ErrorFrame is sent to a device when a forward fails
type ErrorFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	For     string `json:"for,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorFrame builds an error frame answering a message of type forType
func NewErrorFrame(code, message, forType, traceID string) ErrorFrame {
	return ErrorFrame{
		Type:    TypeError,
		Error:   code,
		Message: message,
		For:     forType,
		TraceID: traceID,
	}
}
