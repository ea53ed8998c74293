package llm

import (
	"bytes"
	"encoding/json"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// streamChunk is the part of a chat.completion.chunk we read. Text covers
// servers that answer in the legacy completions shape.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
}

// Decoder turns an event-stream body, delivered in arbitrary chunks, into text
// fragments. A line split across two chunks is held back until its newline arrives.
type Decoder struct {
	partial []byte
	done    bool
}

// Feed consumes one chunk and returns the fragments completed by it, in order.
// After the end-of-stream sentinel every further input is ignored.
func (d *Decoder) Feed(chunk []byte) []string {
	if d.done {
		return nil
	}
	d.partial = append(d.partial, chunk...)

	var out []string
	for {
		i := bytes.IndexByte(d.partial, '\n')
		if i < 0 {
			break
		}
		line := d.partial[:i]
		d.partial = d.partial[i+1:]
		if frag, ok := d.line(line); ok {
			out = append(out, frag)
		}
		if d.done {
			d.partial = nil
			break
		}
	}
	// Compact so a long stream does not pin every chunk it ever saw.
	d.partial = append([]byte(nil), d.partial...)
	return out
}

// Flush processes a trailing line that was never newline-terminated.
func (d *Decoder) Flush() []string {
	if d.done || len(d.partial) == 0 {
		return nil
	}
	line := d.partial
	d.partial = nil
	if frag, ok := d.line(line); ok {
		return []string{frag}
	}
	return nil
}

// Done reports whether the end-of-stream sentinel has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

func (d *Decoder) line(raw []byte) (string, bool) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return "", false
	}
	if bytes.HasPrefix(line, []byte(dataPrefix)) {
		line = bytes.TrimSpace(line[len(dataPrefix):])
	}
	if string(line) == doneSentinel {
		d.done = true
		return "", false
	}

	var chunk streamChunk
	if err := json.Unmarshal(line, &chunk); err != nil || len(chunk.Choices) == 0 {
		// event:, id:, comments and keep-alives land here
		return "", false
	}
	frag := chunk.Choices[0].Delta.Content
	if frag == "" {
		frag = chunk.Choices[0].Text
	}
	return frag, frag != ""
}
