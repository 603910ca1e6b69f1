package intent

import (
	"strings"
	"unicode"
)

// Tokens lowercases s, drops apostrophes and splits on anything that is not
// a letter or digit.
func Tokens(s string) []string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("'", "", "’", "").Replace(s)
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// text is a normalized utterance ready for keyword matching.
type text struct {
	tokens map[string]bool
	joined string // " tok1 tok2 ... " for phrase matching
}

func newText(s string) text {
	toks := Tokens(s)
	set := make(map[string]bool, len(toks))
	for _, t := range toks {
		set[t] = true
	}
	return text{tokens: set, joined: " " + strings.Join(toks, " ") + " "}
}

// contains reports whether the normalized phrase kw occurs in t. Single
// words match whole tokens, with a plain plural accepted.
func (t text) contains(kw []string) bool {
	switch len(kw) {
	case 0:
		return false
	case 1:
		w := kw[0]
		return t.tokens[w] || t.tokens[w+"s"] || t.tokens[w+"es"]
	default:
		return strings.Contains(t.joined, " "+strings.Join(kw, " ")+" ")
	}
}
