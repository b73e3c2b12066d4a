package stream

import "strings"

// Parsed is the split view of a delimited response. Reasoning is nil when no
// span has started yet.
type Parsed struct {
	Reasoning *string
	Content   string
}

// Parse splits the cumulative text of one response. It is pure, so calling it
// on every chunk with the whole buffer so far is safe; an unclosed trailing
// span counts as reasoning.
func Parse(buf string) Parsed {
	var (
		spans   []string
		content strings.Builder
		found   bool
		rest    = buf
	)
	for {
		i := strings.Index(rest, OpenDelimiter)
		if i < 0 {
			content.WriteString(rest)
			break
		}
		found = true
		content.WriteString(rest[:i])
		rest = rest[i+len(OpenDelimiter):]

		j := strings.Index(rest, CloseDelimiter)
		if j < 0 {
			spans = append(spans, strings.TrimSpace(rest))
			break
		}
		spans = append(spans, strings.TrimSpace(rest[:j]))
		rest = rest[j+len(CloseDelimiter):]
	}

	p := Parsed{Content: strings.TrimSpace(content.String())}
	if found {
		kept := spans[:0]
		for _, s := range spans {
			if s != "" {
				kept = append(kept, s)
			}
		}
		reasoning := strings.Join(kept, "\n\n")
		p.Reasoning = &reasoning
	}
	return p
}
