// Package stream turns an upstream chat-completion event stream into one text
// stream with the reasoning span wrapped in delimiters, and parses such text
// back into reasoning and answer.
package stream

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	OpenDelimiter  = "<think>"
	CloseDelimiter = "</think>"
)

var (
	dataField  = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// State is the per-response position of a Reassembler.
type State int

const (
	Idle State = iota
	InReasoning
	InAnswer
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InReasoning:
		return "reasoning"
	case InAnswer:
		return "answer"
	case Done:
		return "done"
	}
	return "unknown"
}

// Event is one decoded upstream record.
type Event struct {
	Reasoning string
	Answer    string
	Finished  bool
}

// Decode extracts the deltas of one SSE data payload. ok is false for
// anything that is not a JSON object.
func Decode(payload []byte) (ev Event, ok bool) {
	if !gjson.ValidBytes(payload) {
		return Event{}, false
	}
	res := gjson.ParseBytes(payload)
	if !res.IsObject() {
		return Event{}, false
	}
	delta := res.Get("choices.0.delta")
	ev.Reasoning = stringField(delta, "reasoning_content")
	if ev.Reasoning == "" {
		ev.Reasoning = stringField(delta, "reasoning")
	}
	ev.Answer = stringField(delta, "content")
	ev.Finished = stringField(res, "choices.0.finish_reason") != ""
	return ev, true
}

func stringField(r gjson.Result, path string) string {
	v := r.Get(path)
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}

// Reassembler is a push-driven transform, fed once per network chunk in
// arrival order. It is not safe for concurrent use; each response owns one.
type Reassembler struct {
	buf    []byte
	state  State
	opened bool
}

// NewReassembler returns a Reassembler in the Idle state.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// State reports the current position in the response.
func (r *Reassembler) State() State {
	return r.state
}

// Feed consumes one chunk and returns the text it completes. Bytes after the
// last newline are carried over to the next call.
func (r *Reassembler) Feed(chunk []byte) string {
	if r.state == Done {
		return ""
	}
	r.buf = append(r.buf, chunk...)

	var out strings.Builder
	rest := r.buf
	for r.state != Done {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		r.line(rest[:i], &out)
		rest = rest[i+1:]
	}
	if r.state == Done || len(rest) == 0 {
		r.buf = r.buf[:0]
	} else {
		r.buf = append(r.buf[:0], rest...)
	}
	return out.String()
}

// Close ends the response: the unterminated remainder gets one decode
// attempt, then a pending close delimiter is emitted. Later calls return "".
func (r *Reassembler) Close() string {
	var out strings.Builder
	if r.state != Done {
		if len(r.buf) > 0 {
			r.line(r.buf, &out)
		}
		r.finish(&out)
	}
	r.buf = nil
	return out.String()
}

// Reset drops buffered bytes and stops further emission without flushing.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.state = Done
}

func (r *Reassembler) line(raw []byte, out *strings.Builder) {
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	if !bytes.HasPrefix(raw, dataField) {
		return
	}
	payload := bytes.TrimSpace(raw[len(dataField):])
	if len(payload) == 0 {
		return
	}
	if bytes.Equal(payload, doneMarker) {
		r.finish(out)
		return
	}
	ev, ok := Decode(payload)
	if !ok {
		return
	}
	r.apply(ev, out)
}

func (r *Reassembler) apply(ev Event, out *strings.Builder) {
	if ev.Reasoning != "" {
		switch {
		case r.state == InReasoning:
			out.WriteString(ev.Reasoning)
		case !r.opened:
			out.WriteString(OpenDelimiter)
			out.WriteString(ev.Reasoning)
			r.opened = true
			r.state = InReasoning
		default:
			// A response gets at most one span; reasoning after it closed is
			// kept as plain text.
			out.WriteString(ev.Reasoning)
		}
	}
	if ev.Answer != "" {
		if r.state == InReasoning {
			out.WriteString(CloseDelimiter)
		}
		r.state = InAnswer
		out.WriteString(ev.Answer)
	}
	if ev.Finished {
		r.finish(out)
	}
}

func (r *Reassembler) finish(out *strings.Builder) {
	if r.state == InReasoning {
		out.WriteString(CloseDelimiter)
	}
	r.state = Done
}
