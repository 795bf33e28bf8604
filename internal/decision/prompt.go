package decision

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/memory"
	"github.com/nidhogg/finmem/internal/provider"
)

const systemPrompt = `You are a financial recommendation agent with several memory systems.
Short-term memory holds the latest news and prices, long-term memory holds
archived facts and history, procedural memory holds strategies and prospective
memory holds considerations learned from past outcomes.
Always take a position: Long or Short. Never recommend Hold.`

// promptInput is everything the generative collaborator is shown.
type promptInput struct {
	Query          string
	Context        Context
	Recent         []memory.Record
	Archive        []memory.Scored
	Templates      []memory.StrategyTemplate
	Considerations []string
}

// buildPrompt returns the user prompt and the memory context sent alongside it.
func buildPrompt(in promptInput) (prompt, memoryContext string) {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\n## CONTEXT\n")
	fmt.Fprintf(&b, "Signature: %s\n", in.Context.Signature)

	b.WriteString("\n## SHORT-TERM MEMORY\n")
	if len(in.Recent) == 0 {
		b.WriteString("(empty)\n")
	}
	for _, r := range in.Recent {
		writeRecord(&b, r)
	}

	b.WriteString("\n## LONG-TERM MEMORY\n")
	if len(in.Archive) == 0 {
		b.WriteString("(empty)\n")
	}
	for _, s := range in.Archive {
		fmt.Fprintf(&b, "[relevance %.2f] ", s.Relevance)
		writeRecord(&b, s.Record)
	}

	b.WriteString("\n## PROCEDURAL MEMORY\n")
	if len(in.Templates) == 0 {
		b.WriteString("(no matching strategy)\n")
	}
	for _, t := range in.Templates {
		fmt.Fprintf(&b, "- %s: %s Suggests %s.\n", t.Name, t.Description, t.Vote)
	}

	b.WriteString("\n## PROSPECTIVE MEMORY\n")
	if len(in.Considerations) == 0 {
		b.WriteString("(none)\n")
	}
	for _, c := range in.Considerations {
		fmt.Fprintf(&b, "- %s\n", c)
	}

	prompt = fmt.Sprintf(`Make a final recommendation regarding: %s

Answer with exactly these lines:
RECOMMENDATION: [Long or Short]
CONFIDENCE: [number between 0 and 1]
REASONING: [concise summary of the key factors]`, in.Query)
	return prompt, b.String()
}

func writeRecord(b *strings.Builder, r memory.Record) {
	ts := r.Timestamp.Format("2006-01-02 15:04")
	switch r.Kind {
	case memory.KindNews:
		fmt.Fprintf(b, "- %s news (%s, sentiment %+.2f): %s\n", ts, r.News.Source, r.News.SentimentScore(), r.News.Text)
	case memory.KindPrice:
		fmt.Fprintf(b, "- %s %s price %.4f, rolling average %.4f\n", ts, r.Price.Asset, r.Price.Price, r.Price.RollingAverage)
	case memory.KindFact:
		fmt.Fprintf(b, "- %s fact [%s]: %s\n", ts, r.Fact.Category, r.Fact.Text)
	}
}

// Opinion is the parsed reply of the generative collaborator.
type Opinion struct {
	Direction  market.Direction
	Confidence float64
	Reasoning  string
}

// DefaultOpinionConfidence is used when the reply has no parseable confidence.
const DefaultOpinionConfidence = 0.5

// ParseOpinion reads RECOMMENDATION/CONFIDENCE/REASONING lines. A missing or
// neutral recommendation is an invalid response.
func ParseOpinion(reply string) (Opinion, error) {
	op := Opinion{Confidence: DefaultOpinionConfidence}
	var haveDirection bool
	for _, raw := range strings.Split(reply, "\n") {
		line := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), "*"))
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(strings.Trim(strings.TrimSpace(value), "*"))
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "RECOMMENDATION":
			word := value
			if f := strings.Fields(value); len(f) > 0 {
				word = strings.Trim(f[0], "[].,")
			}
			d, err := market.ParseDirection(word)
			if err != nil {
				return Opinion{}, &provider.ProviderError{Op: "parse opinion", Kind: provider.ErrInvalidResponse, Err: err}
			}
			op.Direction = d
			haveDirection = true
		case "CONFIDENCE":
			op.Confidence = parseConfidence(value)
		case "REASONING":
			op.Reasoning = value
		}
	}
	if !haveDirection {
		return Opinion{}, &provider.ProviderError{Op: "parse opinion", Kind: provider.ErrInvalidResponse,
			Err: fmt.Errorf("no recommendation line")}
	}
	return op, nil
}

func parseConfidence(s string) float64 {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	pct := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return DefaultOpinionConfidence
	}
	// bare values from 2 up read as percentages; 1 < v < 2 is an overshoot
	if pct || v >= 2 {
		v /= 100
	}
	return clamp01(v)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
