package sse

import (
	"encoding/json"
	"strings"
)

// InputAccumulator collects input_json_delta fragments per content-block
// index and parses the assembled tool input at content_block_stop.
type InputAccumulator struct {
	buffers map[int]*strings.Builder
}

// NewInputAccumulator creates an empty accumulator.
func NewInputAccumulator() *InputAccumulator {
	return &InputAccumulator{buffers: make(map[int]*strings.Builder)}
}

// Append adds a partial-JSON fragment for a block index.
func (a *InputAccumulator) Append(index int, partial string) {
	buf, ok := a.buffers[index]
	if !ok {
		buf = &strings.Builder{}
		a.buffers[index] = buf
	}
	buf.WriteString(partial)
}

// Raw returns the raw accumulated text for a block index.
func (a *InputAccumulator) Raw(index int) string {
	if buf, ok := a.buffers[index]; ok {
		return buf.String()
	}
	return ""
}

// Finalize parses the accumulated buffer for a block index and clears it.
// On parse failure the raw text is returned alongside the error so callers
// can retain it rather than abort the stream.
func (a *InputAccumulator) Finalize(index int) (map[string]any, string, error) {
	buf, ok := a.buffers[index]
	if !ok {
		return map[string]any{}, "", nil
	}
	raw := buf.String()
	delete(a.buffers, index)

	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, raw, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, raw, err
	}
	return args, raw, nil
}

// Reset drops all buffers.
func (a *InputAccumulator) Reset() {
	a.buffers = make(map[int]*strings.Builder)
}
