package protocol_test

import (
	"testing"

	"github.com/latticehq/lattice/common/protocol"
)

func TestParseLine_Progress(t *testing.T) {
	line := `LATTICE_EVENT {"type":"progress","data":{"message":"compiling","percent":40,"phase":"build"}}`
	evt, ok := protocol.ParseLine(line)
	if !ok {
		t.Fatal("expected a protocol event")
	}
	if evt.Type != protocol.TypeProgress {
		t.Errorf("type = %q, want progress", evt.Type)
	}
	if evt.Message() != "compiling" {
		t.Errorf("message = %q, want compiling", evt.Message())
	}
	if evt.Data["percent"].(float64) != 40 {
		t.Errorf("percent = %v, want 40", evt.Data["percent"])
	}
}

func TestParseLine_WarningAndCheckpoint(t *testing.T) {
	for _, typ := range []string{"warning", "checkpoint"} {
		line := `LATTICE_EVENT {"type":"` + typ + `","data":{"message":"m"}}`
		evt, ok := protocol.ParseLine(line)
		if !ok {
			t.Fatalf("%s: expected event", typ)
		}
		if evt.Type != typ {
			t.Errorf("type = %q, want %q", evt.Type, typ)
		}
	}
}

func TestParseLine_PlainText(t *testing.T) {
	for _, line := range []string{
		"just some output",
		"",
		"LATTICE_EVENTish but not really",
	} {
		if _, ok := protocol.ParseLine(line); ok {
			t.Errorf("%q: expected plain text", line)
		}
	}
}

func TestParseLine_UnknownTypePassesThrough(t *testing.T) {
	line := `LATTICE_EVENT {"type":"telemetry","data":{"message":"x"}}`
	if _, ok := protocol.ParseLine(line); ok {
		t.Error("unrecognized type should pass through as text")
	}
}

func TestParseLine_MalformedJSON(t *testing.T) {
	line := `LATTICE_EVENT {"type":"progress","data":`
	if _, ok := protocol.ParseLine(line); ok {
		t.Error("malformed JSON should pass through as text")
	}
}

func TestParseLine_SchemaViolation(t *testing.T) {
	// progress without a message violates the schema
	line := `LATTICE_EVENT {"type":"progress","data":{"percent":10}}`
	if _, ok := protocol.ParseLine(line); ok {
		t.Error("schema violation should pass through as text")
	}
}

func TestParseLine_TrailingNewline(t *testing.T) {
	line := "LATTICE_EVENT {\"type\":\"warning\",\"data\":{\"message\":\"w\"}}\r\n"
	if _, ok := protocol.ParseLine(line); !ok {
		t.Error("trailing CRLF should be tolerated")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	line, err := protocol.Encode(protocol.TypeCheckpoint, map[string]any{"message": "saved"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	evt, ok := protocol.ParseLine(line)
	if !ok {
		t.Fatal("encoded line did not parse")
	}
	if evt.Message() != "saved" {
		t.Errorf("message = %q, want saved", evt.Message())
	}
}
