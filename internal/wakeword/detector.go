// Package wakeword scores recognizer partial hypotheses against the
// configured keyword set. Matching is text-based: the detector is a
// low-duty-cycle consumer of the same recognizer used for transcription,
// invoked once per score interval rather than per frame.
//
// Matching runs in two stages. Exact case-insensitive containment is
// always tried first. When fuzzy matching is enabled, keywords that did
// not match exactly are compared against token n-grams of the hypothesis
// using Double Metaphone phonetic candidacy and Jaro-Winkler ranking.
package wakeword

import (
	"log/slog"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/quietwire/earmark/internal/config"
)

// Detection is emitted when a keyword clears the confidence threshold.
// Ephemeral; consumed once by the session state machine.
type Detection struct {
	Keyword    string
	Confidence float64
	Text       string
	At         time.Time
}

// Detector holds the immutable keyword set plus the cooldown state.
// Not safe for concurrent use; it is owned by the frame loop.
type Detector struct {
	keywords  []string
	fuzzy     bool
	threshold float64
	cooldown  time.Duration
	clock     func() time.Time
	last      time.Time
	log       *slog.Logger
}

func New(cfg config.WakeConfig, log *slog.Logger) *Detector {
	return &Detector{
		keywords:  normalizeKeywords(cfg.Words),
		fuzzy:     cfg.Fuzzy,
		threshold: cfg.FuzzyThreshold,
		cooldown:  time.Duration(cfg.CooldownMS) * time.Millisecond,
		clock:     time.Now,
		log:       log.With(slog.String("component", "wakeword")),
	}
}

// WithClock overrides the detector clock. Test hook.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Keywords returns the normalized, deduplicated keyword set in
// configured order.
func (d *Detector) Keywords() []string {
	return append([]string(nil), d.keywords...)
}

type match struct {
	keyword    string
	confidence float64
}

// Score checks a partial hypothesis for a wake word. When several
// keywords match within one window the longest wins; ties break by
// configured order. Detections within the cooldown window are
// suppressed.
func (d *Detector) Score(text string) (Detection, bool) {
	norm := normalize(text)
	if norm == "" {
		return Detection{}, false
	}

	now := d.clock()
	if !d.last.IsZero() && now.Sub(d.last) < d.cooldown {
		return Detection{}, false
	}

	var matches []match
	for _, kw := range d.keywords {
		if strings.Contains(norm, kw) {
			matches = append(matches, match{keyword: kw, confidence: 1})
			continue
		}
		if d.fuzzy {
			if score, ok := d.fuzzyMatch(norm, kw); ok {
				matches = append(matches, match{keyword: kw, confidence: score})
			}
		}
	}
	if len(matches) == 0 {
		return Detection{}, false
	}

	best := matches[0]
	for _, m := range matches[1:] {
		if len(m.keyword) > len(best.keyword) {
			best = m
		}
	}

	d.last = now
	d.log.Info("keyword detected",
		slog.String("keyword", best.keyword),
		slog.Float64("confidence", best.confidence),
		slog.String("heard", norm))

	return Detection{
		Keyword:    best.keyword,
		Confidence: best.confidence,
		Text:       norm,
		At:         now,
	}, true
}

// fuzzyMatch slides a keyword-sized token window across the hypothesis.
// A window is a candidate when any of its tokens phonetically overlaps
// any keyword token; candidates are ranked by Jaro-Winkler similarity
// of the full strings.
func (d *Detector) fuzzyMatch(text, keyword string) (float64, bool) {
	tokens := strings.Fields(text)
	kwTokens := strings.Fields(keyword)
	n := len(kwTokens)
	if n == 0 || len(tokens) < n {
		return 0, false
	}

	best := 0.0
	for i := 0; i+n <= len(tokens); i++ {
		ngram := strings.Join(tokens[i:i+n], " ")
		if !phoneticCandidate(tokens[i:i+n], kwTokens) {
			continue
		}
		if score := matchr.JaroWinkler(ngram, keyword, true); score > best {
			best = score
		}
	}
	if best >= d.threshold {
		return best, true
	}
	return 0, false
}

func phoneticCandidate(tokens, kwTokens []string) bool {
	for _, t := range tokens {
		t1, t2 := matchr.DoubleMetaphone(t)
		for _, k := range kwTokens {
			k1, k2 := matchr.DoubleMetaphone(k)
			if codeOverlap(t1, t2, k1, k2) {
				return true
			}
		}
	}
	return false
}

func codeOverlap(a1, a2, b1, b2 string) bool {
	for _, a := range []string{a1, a2} {
		if a == "" {
			continue
		}
		if a == b1 || (b2 != "" && a == b2) {
			return true
		}
	}
	return false
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func normalizeKeywords(words []string) []string {
	seen := make(map[string]bool, len(words))
	var out []string
	for _, w := range words {
		norm := normalize(w)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	return out
}
