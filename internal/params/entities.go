package params

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// utterance is one user message prepared for slot extraction.
type utterance struct {
	raw   string
	lower string
	words []string // whitespace split, surrounding punctuation trimmed
}

func newUtterance(s string) utterance {
	fields := strings.Fields(s)
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.Contains(f, "=") {
			continue // name=value assignments are read by explicit
		}
		if w := strings.Trim(f, trimSet); w != "" {
			words = append(words, w)
		}
	}
	return utterance{raw: s, lower: strings.ToLower(s), words: words}
}

const trimSet = "?.,!;:\"'()[]{}“”‘’"

// titleCase capitalizes each word. A cases.Caser keeps per-call state, so
// each call builds its own.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

// stopWords never form part of an extracted entity.
var stopWords = toSet(
	"a", "an", "the", "is", "are", "was", "what", "whats", "what's", "how", "hows", "how's",
	"me", "my", "i", "you", "please", "tell", "show", "give", "get", "find", "check", "look",
	"of", "for", "in", "at", "on", "about", "to", "from", "and", "or", "with", "like",
	"today", "tonight", "now", "right", "current", "currently", "latest", "this", "week", "weekend",
	"tomorrow", "yesterday", "can", "could", "would", "will", "it", "be", "there", "some", "any",
	"do", "does", "know", "want", "need", "see", "lookup", "up",
)

// leadWords are capitalized only because they start a sentence.
var leadWords = toSet("what", "whats", "what's", "how", "how's", "is", "tell", "show", "give", "get", "find",
	"check", "can", "could", "please", "i", "and", "the", "weather", "news", "define", "who", "when", "where")

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// location finds a place name: the phrase after the last "in", "at" or
// "for" that yields one, else the first run of capitalized words.
func location(u utterance) (string, bool) {
	for i := len(u.words) - 2; i >= 0; i-- {
		switch strings.ToLower(u.words[i]) {
		case "in", "at", "for":
		default:
			continue
		}
		var phrase []string
		for _, w := range u.words[i+1:] {
			if stopWords[strings.ToLower(w)] {
				break
			}
			phrase = append(phrase, w)
		}
		if len(phrase) > 0 {
			return titleCase(strings.Join(phrase, " ")), true
		}
	}

	var run []string
	for _, w := range u.words {
		if isCapitalized(w) && !leadWords[strings.ToLower(w)] {
			run = append(run, w)
			continue
		}
		if len(run) > 0 {
			break
		}
	}
	if len(run) > 0 {
		return strings.Join(run, " "), true
	}
	return "", false
}

func isCapitalized(w string) bool {
	if w == "" {
		return false
	}
	c := w[0]
	return c >= 'A' && c <= 'Z'
}

// topic returns the phrase after "about" or "on", else the content words of
// the utterance with ignore removed.
func topic(u utterance, ignore map[string]bool) (string, bool) {
	for i := len(u.words) - 2; i >= 0; i-- {
		switch strings.ToLower(u.words[i]) {
		case "about", "on", "regarding":
		default:
			continue
		}
		if rest := strings.Join(u.words[i+1:], " "); rest != "" {
			return rest, true
		}
	}
	return contentWords(u, ignore)
}

// contentWords drops stop words and ignore from the utterance.
func contentWords(u utterance, ignore map[string]bool) (string, bool) {
	var keep []string
	for _, w := range u.words {
		lw := strings.ToLower(w)
		if stopWords[lw] || ignore[lw] {
			continue
		}
		keep = append(keep, w)
	}
	if len(keep) == 0 {
		return "", false
	}
	return strings.Join(keep, " "), true
}

var coins = []struct{ alias, id string }{
	{"bitcoin", "bitcoin"}, {"btc", "bitcoin"},
	{"ethereum", "ethereum"}, {"eth", "ethereum"}, {"ether", "ethereum"},
	{"dogecoin", "dogecoin"}, {"doge", "dogecoin"},
	{"cardano", "cardano"}, {"ada", "cardano"},
	{"ripple", "ripple"}, {"xrp", "ripple"},
	{"solana", "solana"}, {"sol", "solana"},
	{"litecoin", "litecoin"}, {"ltc", "litecoin"},
	{"polkadot", "polkadot"}, {"dot", "polkadot"},
	{"tether", "tether"}, {"usdt", "tether"},
}

func coin(u utterance) (string, bool) {
	for _, w := range u.words {
		lw := strings.ToLower(w)
		for _, c := range coins {
			if lw == c.alias {
				return c.id, true
			}
		}
	}
	return "", false
}

var currencyNames = map[string]string{
	"dollar": "USD", "dollars": "USD", "euro": "EUR", "euros": "EUR",
	"pound": "GBP", "pounds": "GBP", "sterling": "GBP", "yen": "JPY",
	"rupee": "INR", "rupees": "INR", "franc": "CHF", "francs": "CHF",
	"yuan": "CNY", "renminbi": "CNY", "won": "KRW", "peso": "MXN", "pesos": "MXN",
}

var currencyCodes = toSet("USD", "EUR", "GBP", "JPY", "INR", "CAD", "AUD", "CHF", "CNY", "KRW",
	"MXN", "BRL", "SEK", "NOK", "DKK", "NZD", "SGD", "HKD", "ZAR", "TRY", "PLN", "RUB")

// currencies returns the currency codes mentioned, in order.
func currencies(u utterance) []string {
	var out []string
	seen := map[string]bool{}
	for _, w := range u.words {
		code := strings.ToUpper(w)
		if !currencyCodes[code] {
			code = currencyNames[strings.ToLower(w)]
		}
		if code != "" && !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	return out
}

func nthCurrency(n int) func(utterance) (string, bool) {
	return func(u utterance) (string, bool) {
		cs := currencies(u)
		if len(cs) > n {
			return cs[n], true
		}
		return "", false
	}
}

var definePhrases = []string{"definition of", "meaning of", "define", "what does", "what is"}

// word returns the first word after a definition cue.
func word(u utterance) (string, bool) {
	for _, cue := range definePhrases {
		i := strings.Index(u.lower, cue+" ")
		if i < 0 {
			continue
		}
		rest := newUtterance(u.raw[i+len(cue)+1:])
		for _, w := range rest.words {
			lw := strings.ToLower(w)
			if lw == "a" || lw == "an" || lw == "the" || lw == "word" {
				continue
			}
			return lw, true
		}
	}
	return "", false
}

var repoRe = regexp.MustCompile(`\b([A-Za-z0-9][A-Za-z0-9-]*)/([A-Za-z0-9_.-]+)\b`)

func repoPart(group int) func(utterance) (string, bool) {
	return func(u utterance) (string, bool) {
		m := repoRe.FindStringSubmatch(u.raw)
		if m == nil {
			return "", false
		}
		return strings.TrimSuffix(m[group], ".git"), true
	}
}

var isoDateRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)

func date(now func() time.Time) func(utterance) (string, bool) {
	return func(u utterance) (string, bool) {
		if m := isoDateRe.FindString(u.raw); m != "" {
			if _, err := time.Parse("2006-01-02", m); err == nil {
				return m, true
			}
		}
		t := now()
		for _, w := range u.words {
			switch strings.ToLower(w) {
			case "today", "tonight":
				return t.Format("2006-01-02"), true
			case "yesterday":
				return t.AddDate(0, 0, -1).Format("2006-01-02"), true
			case "tomorrow":
				return t.AddDate(0, 0, 1).Format("2006-01-02"), true
			}
		}
		return "", false
	}
}

var quotedRe = regexp.MustCompile(`"([^"]+)"|“([^”]+)”|'([^']+)'`)

func quoted(u utterance) (string, bool) {
	m := quotedRe.FindStringSubmatch(u.raw)
	if m == nil {
		return "", false
	}
	for _, g := range m[1:] {
		if s := strings.TrimSpace(g); s != "" {
			return s, true
		}
	}
	return "", false
}

var numberRe = regexp.MustCompile(`-?\b\d+(?:\.\d+)?\b`)

func number(u utterance) (string, bool) {
	if m := numberRe.FindString(u.raw); m != "" {
		return m, true
	}
	return "", false
}

func boolean(u utterance) (string, bool) {
	for _, w := range u.words {
		switch strings.ToLower(w) {
		case "yes", "true", "enable", "enabled":
			return "true", true
		case "no", "false", "disable", "disabled":
			return "false", true
		}
	}
	return "", false
}
