package relay

import (
	"bytes"
	"strings"
	"testing"
)

func TestEnvelope_WriteParseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Envelope
	}{
		{name: "doc", in: NewDocEnvelope([]byte(`{"schemaVersion":1}`))},
		{name: "request", in: Envelope{Type: MessageRequest}},
		{name: "ping", in: Envelope{Type: MessagePing}},
		{name: "pong", in: Envelope{Type: MessagePong}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteEnvelope(&buf, tt.in); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			line := buf.String()
			if !strings.HasSuffix(line, "\n") {
				t.Error("expected a newline terminated message")
			}
			if strings.Count(line, "\n") != 1 {
				t.Error("expected exactly one line per message")
			}

			got, err := ParseEnvelope([]byte(strings.TrimSuffix(line, "\n")))
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if got.Type != tt.in.Type || got.Payload != tt.in.Payload {
				t.Errorf("round trip mismatch: %+v != %+v", got, tt.in)
			}
		})
	}
}

func TestEnvelope_DocPayload(t *testing.T) {
	want := []byte(`{"schemaVersion":1,"ops":[]}`)
	e := NewDocEnvelope(want)

	got, err := e.DocPayload()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("payload mismatch: %q != %q", got, want)
	}
}

func TestEnvelope_DocPayloadRejectsOtherTypes(t *testing.T) {
	e := Envelope{Type: MessagePing}
	if _, err := e.DocPayload(); err == nil {
		t.Error("expected an error for a non-doc envelope")
	}
}

func TestEnvelope_DocPayloadRejectsBadBase64(t *testing.T) {
	e := Envelope{Type: MessageDoc, Payload: "%%%not-base64%%%"}
	if _, err := e.DocPayload(); err == nil {
		t.Error("expected an error for invalid base64")
	}
}

func TestParseEnvelope_RejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "不正なJSON", line: "{broken"},
		{name: "未知の種別", line: `{"type":"gossip"}`},
		{name: "種別欠落", line: `{"payload":"YWJj"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tt.line)); err == nil {
				t.Error("expected a parse error")
			}
		})
	}
}

func TestEnvelopeScanner_ReadsMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := WriteEnvelope(&buf, Envelope{Type: MessagePing}); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	scanner := NewEnvelopeScanner(&buf)
	var count int
	for scanner.Scan() {
		if _, err := ParseEnvelope(scanner.Bytes()); err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 messages, got %d", count)
	}
}
