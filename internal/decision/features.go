package decision

import (
	"math"
	"sort"
	"strings"

	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/memory"
)

// Feature tags.
const (
	FeatureTrendUp           = "trend_up"
	FeatureTrendDown         = "trend_down"
	FeatureFlat              = "flat"
	FeatureSentimentPositive = "sentiment_positive"
	FeatureSentimentNegative = "sentiment_negative"
	FeatureSentimentMixed    = "sentiment_mixed"
	FeatureSentimentNeutral  = "sentiment_neutral"
	FeatureHighVolatility    = "high_volatility"
)

// FeatureThresholds tune how raw records map to feature tags.
type FeatureThresholds struct {
	Trend      float64 `json:"trend" yaml:"trend"`           // relative deviation marking a trend
	Volatility float64 `json:"volatility" yaml:"volatility"` // relative deviation marking high volatility
	Sentiment  float64 `json:"sentiment" yaml:"sentiment"`   // |score| counted as positive or negative
}

func DefaultFeatureThresholds() FeatureThresholds {
	return FeatureThresholds{Trend: 0.005, Volatility: 0.03, Sentiment: 0.1}
}

// Context is the market context a cycle decides in.
type Context struct {
	Asset     string
	Features  []string
	Signature string
}

// Extract derives the feature tags of the current context from recent
// short-term records (newest first).
func Extract(query string, recent []memory.Record, th FeatureThresholds) Context {
	asset := detectAsset(query, recent)
	features := make([]string, 0, 4)
	if asset != "" {
		features = append(features, "asset:"+strings.ToLower(asset))
	}

	features = append(features, trendFeatures(asset, recent, th)...)
	features = append(features, sentimentFeature(asset, recent, th))

	sort.Strings(features)
	return Context{Asset: asset, Features: features, Signature: Signature(features)}
}

// Signature is the sorted, comma-joined feature list.
func Signature(features []string) string {
	f := append([]string(nil), features...)
	sort.Strings(f)
	return strings.Join(f, ",")
}

// detectAsset prefers an asset named in the query, then the newest priced asset.
func detectAsset(query string, recent []memory.Record) string {
	words := make(map[string]bool)
	for _, w := range market.Tokenize(query) {
		words[w] = true
	}
	for _, r := range recent {
		if r.Asset != "" && words[strings.ToLower(r.Asset)] {
			return r.Asset
		}
	}
	for _, r := range recent {
		if r.Kind == memory.KindPrice && r.Asset != "" {
			return r.Asset
		}
	}
	for _, r := range recent {
		if r.Asset != "" {
			return r.Asset
		}
	}
	return ""
}

func relevantTo(asset string, r memory.Record) bool {
	return asset == "" || r.Asset == "" || strings.EqualFold(r.Asset, asset)
}

func trendFeatures(asset string, recent []memory.Record, th FeatureThresholds) []string {
	for _, r := range recent {
		if r.Kind != memory.KindPrice || r.Price == nil || !relevantTo(asset, r) {
			continue
		}
		dev := r.Price.Deviation()
		var out []string
		switch {
		case dev > th.Trend:
			out = append(out, FeatureTrendUp)
		case dev < -th.Trend:
			out = append(out, FeatureTrendDown)
		default:
			out = append(out, FeatureFlat)
		}
		if math.Abs(dev) > th.Volatility {
			out = append(out, FeatureHighVolatility)
		}
		return out
	}
	return []string{FeatureFlat}
}

// sentimentFeature classifies the recent news flow. When both sides are
// present and neither outnumbers the other two to one the flow is mixed.
func sentimentFeature(asset string, recent []memory.Record, th FeatureThresholds) string {
	var pos, neg int
	for _, r := range recent {
		if r.Kind != memory.KindNews || r.News == nil || !relevantTo(asset, r) {
			continue
		}
		s := r.News.SentimentScore()
		switch {
		case s > th.Sentiment:
			pos++
		case s < -th.Sentiment:
			neg++
		}
	}
	switch {
	case pos == 0 && neg == 0:
		return FeatureSentimentNeutral
	case pos > 0 && neg > 0 && pos < 2*neg && neg < 2*pos:
		return FeatureSentimentMixed
	case pos > neg:
		return FeatureSentimentPositive
	default:
		return FeatureSentimentNegative
	}
}
