// Package protocol parses the inline event protocol that agent commands emit
// on stdout. A protocol line has the form
//
//	LATTICE_EVENT {"type":"progress","data":{"message":"compiling","percent":40}}
//
// and everything else is plain text. The parser is stateless per line so exec
// sessions can feed it chunk-split output without buffering concerns, and it
// is kept independent of the session machinery so it is unit-testable.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Prefix marks a protocol line inside command output.
const Prefix = "LATTICE_EVENT "

// Recognized event types. Lines carrying any other type pass through as text.
const (
	TypeProgress   = "progress"
	TypeWarning    = "warning"
	TypeCheckpoint = "checkpoint"
)

// Event is a parsed protocol event.
type Event struct {
	// Type is one of the recognized type constants.
	Type string `json:"type"`
	// Data is the event payload, validated against the per-type schema.
	Data map[string]any `json:"data"`
	// ParsedAt is when the line was decoded.
	ParsedAt time.Time `json:"parsed_at"`
}

// Message returns the human-readable message carried by the event, or ""
// when absent.
func (e *Event) Message() string {
	if s, ok := e.Data["message"].(string); ok {
		return s
	}
	return ""
}

// Per-type payload schemas. Every recognized event carries a message; progress
// may additionally report percent and phase.
var schemas = map[string]*jsonschema.Schema{
	TypeProgress: jsonschema.MustCompileString("progress.json", `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string", "minLength": 1},
			"percent": {"type": "number", "minimum": 0, "maximum": 100},
			"phase":   {"type": "string"}
		}
	}`),
	TypeWarning: jsonschema.MustCompileString("warning.json", `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string", "minLength": 1}
		}
	}`),
	TypeCheckpoint: jsonschema.MustCompileString("checkpoint.json", `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string", "minLength": 1}
		}
	}`),
}

// ParseLine inspects a single output line. It returns (event, true) when the
// line is a well-formed protocol event of a recognized type, and (nil, false)
// otherwise. Malformed JSON, unknown types, and schema violations all fall
// back to plain text rather than erroring, so agent output is never lost.
func ParseLine(line string) (*Event, bool) {
	rest, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), Prefix)
	if !ok {
		return nil, false
	}

	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(rest), &raw); err != nil {
		return nil, false
	}

	schema, recognized := schemas[raw.Type]
	if !recognized {
		return nil, false
	}

	// jsonschema validates decoded values, not raw bytes.
	var data any
	if err := json.Unmarshal(raw.Data, &data); err != nil {
		return nil, false
	}
	if err := schema.Validate(data); err != nil {
		return nil, false
	}

	payload, ok := data.(map[string]any)
	if !ok {
		return nil, false
	}

	return &Event{Type: raw.Type, Data: payload, ParsedAt: time.Now().UTC()}, true
}

// Encode renders an event as a protocol line, mainly for tests and stub
// worker implementations.
func Encode(typ string, data map[string]any) (string, error) {
	b, err := json.Marshal(struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}{typ, data})
	if err != nil {
		return "", fmt.Errorf("protocol encode: %w", err)
	}
	return Prefix + string(b), nil
}
