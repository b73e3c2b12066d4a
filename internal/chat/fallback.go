package chat

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxTitleWords = 6

// FallbackReply is the local answer used when the model cannot be reached.
func FallbackReply(prompt string) string {
	topic := strings.Join(keywords(prompt, 4), " ")
	if topic == "" {
		return "I couldn't reach the model just now. Please try again in a moment."
	}
	return fmt.Sprintf("I couldn't reach the model just now, so I have no answer about %s yet. Please try again in a moment.", topic)
}

// localTitle names a thread from its first user message when no title model
// is available.
func localTitle(prompt string) string {
	words := keywords(prompt, maxTitleWords)
	if len(words) == 0 {
		return ""
	}
	words[0] = capitalize(words[0])
	return strings.Join(words, " ")
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "be": {}, "can": {}, "could": {},
	"do": {}, "does": {}, "for": {}, "how": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "please": {},
	"should": {}, "so": {}, "that": {}, "the": {}, "this": {}, "to": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "why": {},
	"with": {}, "would": {}, "you": {}, "your": {},
}

// keywords returns up to max distinct lower-cased words of content, skipping
// quoted excerpt lines and common filler words.
func keywords(content string, max int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		for _, word := range strings.Fields(line) {
			word = strings.ToLower(strings.TrimFunc(word, func(r rune) bool {
				return !unicode.IsLetter(r) && !unicode.IsDigit(r)
			}))
			if word == "" {
				continue
			}
			if _, skip := stopwords[word]; skip {
				continue
			}
			if _, dup := seen[word]; dup {
				continue
			}
			seen[word] = struct{}{}
			out = append(out, word)
			if len(out) == max {
				return out
			}
		}
	}
	return out
}

func capitalize(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}
