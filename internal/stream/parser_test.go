package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		reasoning *string
		content   string
	}{
		{name: "empty", in: "", content: ""},
		{name: "plain", in: "  just an answer \n", content: "just an answer"},
		{name: "open span only", in: "<think>", reasoning: ptr(""), content: ""},
		{name: "unclosed span", in: "<think> still thinking", reasoning: ptr("still thinking"), content: ""},
		{name: "closed span", in: "<think>foo bar</think>\n\nbaz", reasoning: ptr("foo bar"), content: "baz"},
		{name: "reasoning only", in: "<think>foo</think>", reasoning: ptr("foo"), content: ""},
		{name: "two spans", in: "<think>a</think>mid<think> b </think>end", reasoning: ptr("a\n\nb"), content: "midend"},
		{name: "text before span", in: "pre<think>r</think>post", reasoning: ptr("r"), content: "prepost"},
		{name: "stray close", in: "a</think>b", content: "a</think>b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Parse(tt.in)
			assert.Equal(t, tt.content, p.Content)
			if tt.reasoning == nil {
				assert.Nil(t, p.Reasoning)
				return
			}
			require.NotNil(t, p.Reasoning)
			assert.Equal(t, *tt.reasoning, *p.Reasoning)
		})
	}
}

func TestParseIsIdempotentOverGrowingBuffer(t *testing.T) {
	full := "<think>step one\nstep two</think>\n\nThe answer is 42."
	for i := 0; i <= len(full); i++ {
		buf := full[:i]
		first := Parse(buf)
		second := Parse(buf)
		assert.Equal(t, first, second, "prefix %d", i)
	}
}

func ptr(s string) *string { return &s }
