// Package intent maps a free-text utterance to the registered API that best
// serves it.
package intent

import (
	"math"

	"github.com/kalambet/conversa/internal/descriptor"
)

// None is the intent label when no descriptor matches.
const None = "none"

// DefaultThreshold is the minimum confidence for a match.
const DefaultThreshold = 0.2

const (
	categoryBoost = 0.1
	scoreEpsilon  = 1e-9
)

// Result is the outcome of a classification. Descriptor is nil when Intent
// is None.
type Result struct {
	Descriptor *descriptor.Descriptor
	Intent     string
	Confidence float64
	Matched    []string
}

// Classifier selects at most one descriptor for an utterance. Implementations
// must be safe for concurrent use.
type Classifier interface {
	Classify(utterance string, candidates []descriptor.Descriptor) Result
}

// KeywordClassifier scores descriptors by overlap between the utterance and
// their intent keywords.
//
// A keyword of n words weighs min(n, 2) units. With m matched units out of
// a total of k, the score is
//
//	0.5*m/k + 0.5*min(m/2, 1)
//
// plus 0.1 when the descriptor's category also appears in the utterance,
// capped at 1. Any descriptor with no matched keyword scores 0.
type KeywordClassifier struct {
	Threshold float64
}

// NewKeywordClassifier returns a classifier with the given threshold, or
// DefaultThreshold when threshold is not positive.
func NewKeywordClassifier(threshold float64) *KeywordClassifier {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &KeywordClassifier{Threshold: threshold}
}

type candidate struct {
	d       descriptor.Descriptor
	score   float64
	matched []string
}

func (c *KeywordClassifier) Classify(utterance string, candidates []descriptor.Descriptor) Result {
	t := newText(utterance)

	var best *candidate
	for _, d := range candidates {
		cand := score(t, d)
		if len(cand.matched) == 0 {
			continue
		}
		if best == nil || better(cand, *best) {
			cand := cand
			best = &cand
		}
	}
	if best == nil || best.score < c.Threshold {
		return Result{Intent: None}
	}

	d := best.d.Clone()
	label := d.Category
	if label == "" {
		label = descriptor.CategoryOther
	}
	return Result{
		Descriptor: &d,
		Intent:     label,
		Confidence: best.score,
		Matched:    best.matched,
	}
}

func score(t text, d descriptor.Descriptor) candidate {
	var total, hit float64
	var matched []string
	for _, kw := range d.IntentKeywords {
		words := Tokens(kw)
		if len(words) == 0 {
			continue
		}
		w := math.Min(float64(len(words)), 2)
		total += w
		if t.contains(words) {
			hit += w
			matched = append(matched, kw)
		}
	}
	if hit == 0 {
		return candidate{d: d}
	}

	s := 0.5*hit/total + 0.5*math.Min(hit/2, 1)
	if cat := Tokens(d.Category); len(cat) > 0 && t.contains(cat) {
		s += categoryBoost
	}
	return candidate{d: d, score: math.Min(s, 1), matched: matched}
}

// better orders candidates by score, then matched keyword count, then most
// recent update, then api_id.
func better(a, b candidate) bool {
	if math.Abs(a.score-b.score) > scoreEpsilon {
		return a.score > b.score
	}
	if len(a.matched) != len(b.matched) {
		return len(a.matched) > len(b.matched)
	}
	if !a.d.UpdatedAt.Equal(b.d.UpdatedAt) {
		return a.d.UpdatedAt.After(b.d.UpdatedAt)
	}
	return a.d.ID < b.d.ID
}
