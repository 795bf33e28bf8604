package memory

import (
	"strings"

	"github.com/nidhogg/finmem/internal/market"
)

// assetLift is the share of the match awarded for a query that names the
// record's asset.
const assetLift = 0.2

// textMatch scores how well record r answers the query terms, in [0, 1].
// A term found as a whole word counts 1, a term sharing a stem with a word
// (rally, rallies) counts half. A query naming r's asset lifts the score.
func textMatch(terms []string, r Record) float64 {
	if len(terms) == 0 {
		return 0
	}
	words := market.Tokenize(r.Text())
	asset := strings.ToLower(r.Asset)

	var hits float64
	var namesAsset bool
	for _, q := range terms {
		if asset != "" && q == asset {
			namesAsset = true
			hits++
			continue
		}
		hits += termHit(q, words)
	}
	score := hits / float64(len(terms))
	if namesAsset {
		score = (1-assetLift)*score + assetLift
	}
	return score
}

func termHit(term string, words []string) float64 {
	var best float64
	for _, w := range words {
		if w == term {
			return 1
		}
		if sameStem(term, w) {
			best = 0.5
		}
	}
	return best
}

// sameStem reports whether a and b differ only in a short inflected ending.
func sameStem(a, b string) bool {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	shorter := min(len(a), len(b))
	return n >= 4 && n >= shorter-2
}
