package sse

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
)

func collect(t *testing.T, raw string) []*Event {
	t.Helper()
	parser := NewParser(strings.NewReader(raw))
	var events []*Event
	for {
		event, err := parser.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		events = append(events, event)
	}
}

func TestParserFrames(t *testing.T) {
	raw := "event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"m"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	events := collect(t, raw)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Type() != anthropic.EventMessageStart {
		t.Errorf("first event type = %q", events[0].Type())
	}
	if events[0].Payload == nil || events[0].Payload.Message == nil {
		t.Fatal("message_start payload not decoded")
	}
	if events[0].Payload.Message.ID != "msg_1" {
		t.Errorf("message id = %q", events[0].Payload.Message.ID)
	}
	if events[1].Payload.Delta == nil || events[1].Payload.Delta.Text != "hi" {
		t.Errorf("delta text not decoded: %+v", events[1].Payload)
	}
}

func TestParserDropsPings(t *testing.T) {
	raw := "event: ping\n" +
		`data: {"type":"ping"}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	events := collect(t, raw)
	if len(events) != 1 || events[0].Type() != anthropic.EventMessageStop {
		t.Fatalf("pings not dropped: %+v", events)
	}
}

func TestParserCRLF(t *testing.T) {
	raw := "event: message_stop\r\n" +
		`data: {"type":"message_stop"}` + "\r\n\r\n"

	events := collect(t, raw)
	if len(events) != 1 || events[0].Type() != anthropic.EventMessageStop {
		t.Fatalf("CRLF frame not parsed: %+v", events)
	}
}

func TestParserDone(t *testing.T) {
	events := collect(t, "data: [DONE]\n\n")
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	if string(events[0].Data) != "[DONE]" {
		t.Errorf("data = %q", events[0].Data)
	}
	if events[0].Payload != nil || events[0].ParseErr != nil {
		t.Error("[DONE] must not be decoded as JSON")
	}
}

func TestParserMalformedPayload(t *testing.T) {
	events := collect(t, "event: message_delta\ndata: {not json\n\n")
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].ParseErr == nil {
		t.Error("expected parse error recorded")
	}
	if string(events[0].Data) != "{not json" {
		t.Errorf("raw data not preserved: %q", events[0].Data)
	}
}

func TestRepairPayload(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "truncated usage key",
			in:   `{"usage":{"output_to":5}}`,
			want: `{"usage":{"output_tokens":5}}`,
		},
		{
			name: "already correct left alone",
			in:   `{"usage":{"output_tokens":5,"output_to":1}}`,
			want: `{"usage":{"output_tokens":5,"output_to":1}}`,
		},
		{
			name: "unrelated payload untouched",
			in:   `{"type":"ping"}`,
			want: `{"type":"ping"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(repairPayload([]byte(tt.in))); got != tt.want {
				t.Errorf("repairPayload(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	if w.Started() {
		t.Error("writer started before first frame")
	}

	if err := w.WriteEvent("message_stop", []byte(`{"type":"message_stop"}`)); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if !w.Started() {
		t.Error("writer not started after frame")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	want := "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if !rec.Flushed {
		t.Error("frame not flushed")
	}
}

func TestWriterForwardRoundTrip(t *testing.T) {
	raw := "event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}` + "\n\n"
	events := collect(t, raw)

	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	if err := w.Forward(events[0]); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if rec.Body.String() != raw {
		t.Errorf("forwarded frame = %q, want %q", rec.Body.String(), raw)
	}
}

func TestInputAccumulator(t *testing.T) {
	acc := NewInputAccumulator()
	acc.Append(0, `{"city":`)
	acc.Append(0, `"LA"`)
	acc.Append(0, `}`)
	acc.Append(3, `{"q":1}`)

	args, raw, err := acc.Finalize(0)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if raw != `{"city":"LA"}` {
		t.Errorf("raw = %q", raw)
	}
	if args["city"] != "LA" {
		t.Errorf("args = %v", args)
	}

	// finalizing clears the buffer
	if got := acc.Raw(0); got != "" {
		t.Errorf("buffer 0 not cleared: %q", got)
	}
	if got := acc.Raw(3); got != `{"q":1}` {
		t.Errorf("buffer 3 = %q", got)
	}
}

func TestInputAccumulatorEmpty(t *testing.T) {
	acc := NewInputAccumulator()
	args, raw, err := acc.Finalize(7)
	if err != nil || raw != "" || len(args) != 0 {
		t.Errorf("Finalize on missing index = (%v, %q, %v)", args, raw, err)
	}
}

func TestInputAccumulatorParseFailure(t *testing.T) {
	acc := NewInputAccumulator()
	acc.Append(0, `{"broken":`)
	args, raw, err := acc.Finalize(0)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if args != nil {
		t.Errorf("args = %v, want nil", args)
	}
	if raw != `{"broken":` {
		t.Errorf("raw = %q", raw)
	}
}
