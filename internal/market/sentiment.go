package market

import "strings"

// Lexicon scores news text with a small finance word list.
// Score is (pos-neg)/(pos+neg) over matched tokens, so it lies in [-1, 1];
// a negator ("not", "no", "never") flips the next matched token.
type Lexicon struct {
	positive map[string]bool
	negative map[string]bool
}

// DefaultLexicon returns the built-in crypto/market lexicon.
func DefaultLexicon() *Lexicon {
	return NewLexicon(defaultPositive, defaultNegative)
}

// NewLexicon builds a lexicon from word lists.
func NewLexicon(positive, negative []string) *Lexicon {
	l := &Lexicon{
		positive: make(map[string]bool, len(positive)),
		negative: make(map[string]bool, len(negative)),
	}
	for _, w := range positive {
		l.positive[strings.ToLower(w)] = true
	}
	for _, w := range negative {
		l.negative[strings.ToLower(w)] = true
	}
	return l
}

// Score returns the sentiment of text in [-1, 1].
func (l *Lexicon) Score(text string) float64 {
	var pos, neg int
	negate := false
	for _, w := range Tokenize(text) {
		if negators[w] {
			negate = true
			continue
		}
		switch {
		case l.positive[w]:
			if negate {
				neg++
			} else {
				pos++
			}
			negate = false
		case l.negative[w]:
			if negate {
				pos++
			} else {
				neg++
			}
			negate = false
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

// Tokenize splits text into lowercase word tokens longer than one char.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}

var negators = map[string]bool{"not": true, "no": true, "never": true, "without": true}

var defaultPositive = []string{
	"rally", "rallies", "rallied", "surge", "surges", "surged", "gain", "gains",
	"bullish", "record", "high", "highs", "approval", "approved", "adoption",
	"boost", "boosts", "growth", "soar", "soars", "soared", "jump", "jumps",
	"upgrade", "inflow", "inflows", "breakout", "recover", "recovery", "strong",
	"optimism", "optimistic", "buy", "accumulate", "partnership", "beat",
}

var defaultNegative = []string{
	"crash", "crashes", "crashed", "plunge", "plunges", "plunged", "drop", "drops",
	"bearish", "selloff", "sell-off", "hack", "hacked", "ban", "bans", "lawsuit",
	"fraud", "decline", "declines", "declined", "fall", "falls", "fell", "loss",
	"losses", "weak", "fear", "fears", "outflow", "outflows", "liquidation",
	"liquidations", "downgrade", "sell", "risk", "crackdown", "miss",
}
