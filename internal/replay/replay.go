// Package replay backtests the agent over a historical CSV of closes and
// headlines. Each row is ingested, a recommendation is made and, when the
// next close is known, the outcome is fed back as a reward.
package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/agent"
	"github.com/nidhogg/finmem/internal/feedback"
	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/memory"
)

// Columns are the CSV header names. text and next_close may be empty.
var Columns = []string{"timestamp", "asset", "close", "text", "next_close"}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// Row is one replayed bar.
type Row struct {
	Line      int
	Timestamp time.Time
	Asset     string
	Close     float64
	Text      string
	NextClose *float64
}

// Options tune a replay run.
type Options struct {
	// Window is the rolling-average length in rows per asset.
	Window int
	// Scale is the move, in percent, that earns a full reward of 1.
	Scale float64
	// Query formats the per-row question; %s is replaced by the asset.
	Query string
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 7
	}
	if o.Scale <= 0 {
		o.Scale = 1
	}
	if o.Query == "" {
		o.Query = "%s next session"
	}
	return o
}

// Step is the result for one row.
type Step struct {
	Line     int             `json:"line"`
	Decision memory.Decision `json:"decision"`
	Reward   *float64        `json:"reward,omitempty"`
	Hit      bool            `json:"hit"`
}

// Summary aggregates a run.
type Summary struct {
	Rows       int     `json:"rows"`
	Decisions  int     `json:"decisions"`
	Resolved   int     `json:"resolved"`
	Hits       int     `json:"hits"`
	Accuracy   float64 `json:"accuracy"`
	MeanReward float64 `json:"mean_reward"`
	Steps      []Step  `json:"steps"`
}

// ReadCSV parses rows in the Columns layout. Column order follows the header.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range []string{"timestamp", "asset", "close"} {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row := Row{Line: line, Asset: field(rec, "asset"), Text: field(rec, "text")}
		if row.Timestamp, err = parseTime(field(rec, "timestamp")); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if row.Close, err = strconv.ParseFloat(field(rec, "close"), 64); err != nil {
			return nil, fmt.Errorf("line %d: close: %w", line, err)
		}
		if s := field(rec, "next_close"); s != "" {
			next, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: next_close: %w", line, err)
			}
			row.NextClose = &next
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q: unsupported format", s)
}

// Reward scores a recommendation against the realised move. A move of
// scale percent or more in the recommended direction earns 1.
func Reward(dir market.Direction, last, next, scale float64) float64 {
	if last <= 0 || scale <= 0 {
		return 0
	}
	move := (next/last - 1) * 100 / scale
	move = math.Max(-1, math.Min(1, move))
	if dir == market.Short {
		move = -move
	}
	return move
}

// Run replays rows through a. A cancelled ctx stops between rows and returns
// the partial summary with ctx's error.
func Run(ctx context.Context, a *agent.Agent, rows []Row, opts Options, logger *zap.Logger) (Summary, error) {
	opts = opts.withDefaults()
	closes := make(map[string][]float64)
	sum := Summary{Rows: len(rows)}
	var rewardTotal float64

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return sum.finish(rewardTotal), err
		}
		window := append(closes[row.Asset], row.Close)
		if len(window) > opts.Window {
			window = window[len(window)-opts.Window:]
		}
		closes[row.Asset] = window

		tick := market.PriceTick{
			Asset:          row.Asset,
			Timestamp:      row.Timestamp,
			Price:          row.Close,
			RollingAverage: mean(window),
		}
		if _, err := a.IngestPrice(ctx, tick); err != nil {
			return sum.finish(rewardTotal), fmt.Errorf("line %d: %w", row.Line, err)
		}
		if row.Text != "" {
			news := market.NewsItem{Timestamp: row.Timestamp, Text: row.Text, Asset: row.Asset, Source: "replay"}
			if _, err := a.IngestNews(ctx, news); err != nil {
				return sum.finish(rewardTotal), fmt.Errorf("line %d: %w", row.Line, err)
			}
		}

		d, err := a.Recommend(ctx, fmt.Sprintf(opts.Query, row.Asset), row.Timestamp)
		if err != nil {
			return sum.finish(rewardTotal), fmt.Errorf("line %d: %w", row.Line, err)
		}
		sum.Decisions++
		step := Step{Line: row.Line, Decision: d}

		if row.NextClose != nil {
			r := Reward(d.Recommendation, row.Close, *row.NextClose, opts.Scale)
			label := "miss"
			if r > 0 {
				label = "hit"
			}
			res, err := a.ProcessFeedback(ctx, feedback.Request{
				DecisionID: d.ID,
				Label:      fmt.Sprintf("%s: close %.4g -> %.4g", label, row.Close, *row.NextClose),
				Reward:     r,
				ResolvedAt: row.Timestamp,
			})
			if err != nil {
				return sum.finish(rewardTotal), fmt.Errorf("line %d: %w", row.Line, err)
			}
			step.Decision = res.Decision
			step.Reward = &r
			step.Hit = r > 0
			sum.Resolved++
			rewardTotal += r
			if step.Hit {
				sum.Hits++
			}
		}
		sum.Steps = append(sum.Steps, step)
		logger.Debug("replayed row",
			zap.Int("line", row.Line),
			zap.String("asset", row.Asset),
			zap.String("recommendation", string(d.Recommendation)),
			zap.Float64("confidence", d.Confidence))
	}

	sum = sum.finish(rewardTotal)
	logger.Info("replay finished",
		zap.Int("decisions", sum.Decisions),
		zap.Int("resolved", sum.Resolved),
		zap.Float64("accuracy", sum.Accuracy),
		zap.Float64("mean_reward", sum.MeanReward))
	return sum, nil
}

func (s Summary) finish(rewardTotal float64) Summary {
	if s.Resolved > 0 {
		s.Accuracy = float64(s.Hits) / float64(s.Resolved)
		s.MeanReward = rewardTotal / float64(s.Resolved)
	}
	return s
}

func mean(xs []float64) float64 {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}
