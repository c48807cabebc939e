// Package sse implements server-sent-events framing: parsing an upstream
// byte stream into tagged events and writing events to a client response.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
)

// Event is one parsed SSE frame.
type Event struct {
	// Name is the frame's event: field, which may be empty.
	Name string
	// Data is the raw data: payload.
	Data []byte
	// Payload is the decoded Anthropic event, nil when Data is not JSON.
	Payload *anthropic.StreamEvent
	// ParseErr records a payload decode failure. The stream continues.
	ParseErr error
}

// Type returns the event's semantic type: the payload type when decoded,
// otherwise the frame's event name.
func (e *Event) Type() string {
	if e.Payload != nil && e.Payload.Type != "" {
		return e.Payload.Type
	}
	return e.Name
}

// Parser converts a raw SSE byte stream into events. Frames are delimited by
// a blank line; ping frames are dropped.
type Parser struct {
	scanner *bufio.Scanner
}

// maxFrameSize bounds a single SSE frame. Tool inputs can carry whole files.
const maxFrameSize = 10 * 1024 * 1024

// NewParser wraps a reader in a frame parser.
func NewParser(r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	scanner.Split(splitFrames)
	return &Parser{scanner: scanner}
}

// Next returns the next non-ping event, or io.EOF at end of stream.
func (p *Parser) Next() (*Event, error) {
	for p.scanner.Scan() {
		frame := p.scanner.Bytes()
		event := parseFrame(frame)
		if event == nil {
			continue
		}
		if event.Type() == anthropic.EventPing {
			continue
		}
		return event, nil
	}
	if err := p.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// splitFrames is a bufio.SplitFunc yielding one SSE frame per token,
// delimited by \n\n (or \r\n\r\n).
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
		return idx + 2, data[:idx], nil
	}
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
		return idx + 4, data[:idx], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseFrame reads event: and data: lines from one frame. Returns nil for
// frames with no data (comments, keep-alives).
func parseFrame(frame []byte) *Event {
	var name string
	var dataLines []string

	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if len(dataLines) == 0 {
		if name == "" {
			return nil
		}
		return &Event{Name: name}
	}

	event := &Event{Name: name, Data: []byte(strings.Join(dataLines, "\n"))}
	if string(event.Data) == "[DONE]" {
		return event
	}

	repaired := repairPayload(event.Data)
	payload := &anthropic.StreamEvent{}
	if err := json.Unmarshal(repaired, payload); err != nil {
		event.ParseErr = err
		return event
	}
	event.Payload = payload
	return event
}

// repairPayload applies a small allow-list of fixes for known upstream
// truncation bugs. Nothing beyond the list is attempted.
func repairPayload(data []byte) []byte {
	// Some upstreams truncate the usage key to "output_to".
	if bytes.Contains(data, []byte(`"output_to"`)) && !bytes.Contains(data, []byte(`"output_tokens"`)) {
		return bytes.ReplaceAll(data, []byte(`"output_to"`), []byte(`"output_tokens"`))
	}
	return data
}
