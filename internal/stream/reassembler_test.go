package stream

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delta struct {
	Reasoning string
	Answer    string
	Finish    string
}

func eventLine(d delta) string {
	body := map[string]any{}
	dm := map[string]any{}
	if d.Reasoning != "" {
		dm["reasoning_content"] = d.Reasoning
	}
	if d.Answer != "" {
		dm["content"] = d.Answer
	}
	choice := map[string]any{"index": 0, "delta": dm}
	if d.Finish != "" {
		choice["finish_reason"] = d.Finish
	} else {
		choice["finish_reason"] = nil
	}
	body["choices"] = []any{choice}
	b, _ := json.Marshal(body)
	return "data: " + string(b) + "\n\n"
}

func sse(done bool, ds ...delta) []byte {
	var sb strings.Builder
	for _, d := range ds {
		sb.WriteString(eventLine(d))
	}
	if done {
		sb.WriteString("data: [DONE]\n\n")
	}
	return []byte(sb.String())
}

func runWhole(raw []byte) string {
	r := NewReassembler()
	return r.Feed(raw) + r.Close()
}

func runSplit(raw []byte, cuts []int) string {
	r := NewReassembler()
	var sb strings.Builder
	prev := 0
	for _, c := range cuts {
		sb.WriteString(r.Feed(raw[prev:c]))
		prev = c
	}
	sb.WriteString(r.Feed(raw[prev:]))
	sb.WriteString(r.Close())
	return sb.String()
}

func TestReasoningThenAnswer(t *testing.T) {
	raw := sse(true,
		delta{Reasoning: "foo"},
		delta{Reasoning: "bar"},
		delta{Answer: "baz"},
	)
	assert.Equal(t, "<think>foobar</think>baz", runWhole(raw))
}

func TestReasoningOnlyIsClosed(t *testing.T) {
	raw := sse(true, delta{Reasoning: "foo"})
	out := runWhole(raw)
	assert.Equal(t, "<think>foo</think>", out)

	p := Parse(out)
	require.NotNil(t, p.Reasoning)
	assert.Equal(t, "foo", *p.Reasoning)
	assert.Equal(t, "", p.Content)
}

func TestReasoningOnlyClosedWithoutDoneMarker(t *testing.T) {
	raw := sse(false, delta{Reasoning: "foo"})
	assert.Equal(t, "<think>foo</think>", runWhole(raw))
}

func TestAnswerOnlyHasNoDelimiters(t *testing.T) {
	raw := sse(true, delta{Answer: "hello "}, delta{Answer: "world"})
	assert.Equal(t, "hello world", runWhole(raw))
}

func TestFinishReasonClosesSpan(t *testing.T) {
	raw := sse(false,
		delta{Reasoning: "think"},
		delta{Finish: "length"},
		delta{Answer: "ignored"},
	)
	assert.Equal(t, "<think>think</think>", runWhole(raw))
}

func TestStopsAfterDoneMarker(t *testing.T) {
	raw := append(sse(true, delta{Answer: "a"}), sse(false, delta{Answer: "b"})...)
	assert.Equal(t, "a", runWhole(raw))
}

func TestMalformedEventsAreSkipped(t *testing.T) {
	raw := strings.Join([]string{
		": keep-alive",
		"event: message",
		"data: {not json",
		"data: 42",
		"data: []",
		"data: {}",
		`data: {"choices":[{"delta":{"content":7}}]}`,
		strings.TrimSpace(eventLine(delta{Reasoning: "r"})),
		"garbage line",
		strings.TrimSpace(eventLine(delta{Answer: "a"})),
		"data: [DONE]",
		"",
	}, "\n")
	assert.Equal(t, "<think>r</think>a", runWhole([]byte(raw)))
}

func TestCRLFLines(t *testing.T) {
	raw := strings.ReplaceAll(string(sse(true, delta{Reasoning: "x"}, delta{Answer: "y"})), "\n", "\r\n")
	assert.Equal(t, "<think>x</think>y", runWhole([]byte(raw)))
}

func TestOpenRouterReasoningField(t *testing.T) {
	raw := "data: {\"choices\":[{\"delta\":{\"reasoning\":\"hm\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n"
	assert.Equal(t, "<think>hm</think>ok", runWhole([]byte(raw)))
}

func TestTrailingUnterminatedRecordIsDecoded(t *testing.T) {
	raw := strings.TrimSuffix(string(sse(false, delta{Reasoning: "a"}, delta{Answer: "b"})), "\n\n")
	r := NewReassembler()
	assert.Equal(t, "<think>a", r.Feed([]byte(raw)))
	assert.Equal(t, "</think>b", r.Close())
	assert.Equal(t, "", r.Close())
	assert.Equal(t, "", r.Feed([]byte(eventLine(delta{Answer: "late"}))))
}

func TestLateReasoningAfterAnswer(t *testing.T) {
	raw := sse(true, delta{Answer: "a"}, delta{Reasoning: "r"}, delta{Answer: "b"}, delta{Reasoning: "late"})
	assert.Equal(t, "a<think>r</think>blate", runWhole(raw))
}

func TestReasoningAfterClosedSpanIsKept(t *testing.T) {
	r := NewReassembler()
	var out strings.Builder
	out.WriteString(r.Feed([]byte(eventLine(delta{Reasoning: "a"}))))
	out.WriteString(r.Feed([]byte(eventLine(delta{Answer: "b"}))))
	out.WriteString(r.Feed([]byte(eventLine(delta{Reasoning: "c"}))))
	out.WriteString(r.Feed([]byte(eventLine(delta{Answer: "d"}))))
	out.WriteString(r.Close())

	got := out.String()
	assert.Equal(t, "<think>a</think>bcd", got)
	assert.Equal(t, 1, strings.Count(got, OpenDelimiter))
	assert.Equal(t, 1, strings.Count(got, CloseDelimiter))

	p := Parse(got)
	assert.Equal(t, "bcd", p.Content)
	require.NotNil(t, p.Reasoning)
	assert.Equal(t, "a", *p.Reasoning)
}

func TestReasoningAndAnswerInOneEvent(t *testing.T) {
	raw := sse(true, delta{Reasoning: "r", Answer: "a"})
	assert.Equal(t, "<think>r</think>a", runWhole(raw))
}

func TestEverySinglePointSplit(t *testing.T) {
	raw := sse(true,
		delta{Reasoning: "foo"},
		delta{Reasoning: "bar"},
		delta{Answer: "baz"},
	)
	want := runWhole(raw)
	for i := 0; i <= len(raw); i++ {
		require.Equal(t, want, runSplit(raw, []int{i}), "split at %d", i)
	}
}

func TestSplitBetweenStructuralCharacters(t *testing.T) {
	raw := []byte(`data: {"choices":[{"delta":{"content":"x"}}]}` + "\n")
	at := strings.Index(string(raw), `":`) + 1
	r := NewReassembler()
	assert.Equal(t, "", r.Feed(raw[:at]))
	assert.Equal(t, "x", r.Feed(raw[at:]))

	crlf := []byte(`data: {"choices":[{"delta":{"content":"y"}}]}` + "\r\n")
	r = NewReassembler()
	assert.Equal(t, "", r.Feed(crlf[:len(crlf)-1]))
	assert.Equal(t, "y", r.Feed(crlf[len(crlf)-1:]))
	assert.Equal(t, "", r.Close())
}

func TestRandomSplitsMatchWholeStream(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 300; iter++ {
		ds := randomDeltas(rng)
		raw := sse(rng.Intn(2) == 0, ds...)
		want := runWhole(raw)

		n := rng.Intn(len(raw) + 1)
		cuts := make([]int, 0, n)
		for i := 0; i < n; i++ {
			cuts = append(cuts, rng.Intn(len(raw)+1))
		}
		sortInts(cuts)
		got := runSplit(raw, cuts)
		require.Equal(t, want, got, "iteration %d cuts %v", iter, cuts)

		hasReasoning := false
		for _, d := range ds {
			if d.Reasoning != "" {
				hasReasoning = true
			}
		}
		opens := strings.Count(got, OpenDelimiter)
		closes := strings.Count(got, CloseDelimiter)
		if hasReasoning {
			require.Equal(t, 1, opens)
			require.Equal(t, 1, closes)
			require.Less(t, strings.Index(got, OpenDelimiter), strings.Index(got, CloseDelimiter))
		} else {
			require.Zero(t, opens)
			require.Zero(t, closes)
		}
	}
}

func randomDeltas(rng *rand.Rand) []delta {
	words := []string{"a", "bb", "héllo", "世界", " ", "\\n", `"q"`, "x/y"}
	var ds []delta
	nr := rng.Intn(4)
	for i := 0; i < nr; i++ {
		ds = append(ds, delta{Reasoning: words[rng.Intn(len(words))]})
	}
	na := rng.Intn(4)
	for i := 0; i < na; i++ {
		ds = append(ds, delta{Answer: words[rng.Intn(len(words))]})
	}
	return ds
}

func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j] < a[j-1]; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}

func TestDecode(t *testing.T) {
	ev, ok := Decode([]byte(`{"choices":[{"delta":{"reasoning_content":"r","content":null},"finish_reason":null}]}`))
	require.True(t, ok)
	assert.Equal(t, Event{Reasoning: "r"}, ev)

	ev, ok = Decode([]byte(`{"choices":[{"delta":{},"finish_reason":"stop"}]}`))
	require.True(t, ok)
	assert.True(t, ev.Finished)

	_, ok = Decode([]byte(`{"choices":`))
	assert.False(t, ok)
}
