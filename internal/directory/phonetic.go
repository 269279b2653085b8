package directory

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// accentFold maps Spanish accented characters onto their ASCII base so that
// Double Metaphone codes line up between transcribed speech ("garsia") and
// directory entries ("García"). Input is lowercased before folding.
var accentFold = strings.NewReplacer(
	"á", "a",
	"é", "e",
	"í", "i",
	"ó", "o",
	"ú", "u",
	"ü", "u",
	"ñ", "n",
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched name to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when a
// candidate shares no phonetic code with the query and the matcher falls
// back to pure string similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher scores directory names against transcribed speech. It combines
// Double Metaphone phonetic encoding with Jaro-Winkler string similarity:
//
//  1. Phonetic gate: Double Metaphone codes are computed for each token of
//     the query and the candidate (after accent folding). A shared code
//     admits the candidate at the lower phonetic threshold.
//
//  2. Similarity score: the best Jaro-Winkler score across full-string,
//     concatenated and pairwise-token comparisons. Candidates without a
//     shared phonetic code must clear the higher fuzzy threshold instead.
//
// All methods are safe for concurrent use; the Matcher is read-only after
// construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher returns a [Matcher] configured with the supplied options.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Score rates how well candidate matches the spoken query. The returned
// score is a Jaro-Winkler similarity in [0,1]; ok reports whether the
// candidate clears the applicable threshold. A query or candidate that is
// empty after trimming never matches.
func (m *Matcher) Score(query, candidate string) (score float64, ok bool) {
	queryNorm := normalize(query)
	candNorm := normalize(candidate)
	if queryNorm == "" || candNorm == "" {
		return 0, false
	}

	queryTokens := strings.Fields(queryNorm)
	candTokens := strings.Fields(candNorm)

	jw := bestJWScore(queryTokens, candTokens, queryNorm, candNorm)

	if codesOverlap(codesForTokens(queryTokens), codesForTokens(candTokens)) {
		return jw, jw >= m.phoneticThreshold
	}
	return jw, jw >= m.fuzzyThreshold
}

// normalize lowercases, trims and folds accents.
func normalize(s string) string {
	return accentFold.Replace(strings.ToLower(strings.TrimSpace(s)))
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when a token is too short or has no
// consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set for efficiency.
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the query
// and the candidate using three strategies:
//
//  1. Full-string comparison ("carlos garsia" vs "carlos garcia").
//  2. Space-stripped comparison ("carlosgarsia" vs "carlosgarcia").
//  3. Best pairwise token comparison — the maximum score between any query
//     token and any candidate token, for when the caller only caught the
//     family name.
func bestJWScore(queryTokens, candTokens []string, queryFull, candFull string) float64 {
	// Strategy 1: full strings.
	score := matchr.JaroWinkler(queryFull, candFull, false)

	// Strategy 2: concatenated (no spaces).
	if len(queryTokens) > 1 || len(candTokens) > 1 {
		concat1 := strings.Join(queryTokens, "")
		concat2 := strings.Join(candTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	// Strategy 3: best pairwise token score.
	for _, qt := range queryTokens {
		for _, ct := range candTokens {
			if s := matchr.JaroWinkler(qt, ct, false); s > score {
				score = s
			}
		}
	}

	return score
}
