// Package notify posts decisions to chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/memory"
)

// Message is a platform-neutral notification.
type Message struct {
	Title      string `json:"title"`
	Content    string `json:"content"`
	DecisionID string `json:"decision_id,omitempty"`
}

// Notifier delivers messages to one platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, msg Message) error
}

// FromDecision renders d. reason says what triggered the cycle.
func FromDecision(d memory.Decision, reason string) Message {
	title := fmt.Sprintf("%s %s (confidence %.2f)", d.Recommendation, strings.TrimSpace(d.Asset+" "+d.Query), d.Confidence)
	var b strings.Builder
	if reason != "" {
		fmt.Fprintf(&b, "trigger: %s\n", reason)
	}
	fmt.Fprintf(&b, "context: %s\n", d.Reasoning.Signature)
	fmt.Fprintf(&b, "long %.3f / short %.3f", d.Reasoning.LongWeight, d.Reasoning.ShortWeight)
	if d.Reasoning.Degraded {
		fmt.Fprintf(&b, "\ndegraded: %s", d.Reasoning.DegradedReason)
	}
	if d.Reasoning.TieBreak {
		b.WriteString("\nno signal majority, default bias applied")
	}
	if d.Reasoning.Narrative != "" {
		fmt.Fprintf(&b, "\n%s", d.Reasoning.Narrative)
	}
	return Message{Title: title, Content: b.String(), DecisionID: d.ID}
}

// Record tracks a sent notification.
type Record struct {
	Message Message   `json:"message"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
}

// Fanout sends every message to all registered notifiers.
type Fanout struct {
	mu        sync.Mutex
	notifiers []Notifier
	history   []Record
	limit     int
	logger    *zap.Logger
}

// NewFanout creates a fanout keeping the last limit records.
func NewFanout(limit int, logger *zap.Logger, notifiers ...Notifier) *Fanout {
	if limit <= 0 {
		limit = 100
	}
	return &Fanout{notifiers: notifiers, limit: limit, logger: logger}
}

// Add registers another notifier.
func (f *Fanout) Add(n Notifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifiers = append(f.notifiers, n)
}

// Len returns the number of notifiers.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifiers)
}

// Notify delivers msg everywhere. One platform failing does not stop the
// others; the failures are joined.
func (f *Fanout) Notify(ctx context.Context, msg Message) error {
	f.mu.Lock()
	notifiers := append([]Notifier(nil), f.notifiers...)
	f.mu.Unlock()

	var errs []error
	var targets []string
	for _, n := range notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			f.logger.Warn("notification failed",
				zap.String("platform", n.Platform()),
				zap.String("decision", msg.DecisionID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", n.Platform(), err))
			continue
		}
		targets = append(targets, n.Platform())
	}

	f.mu.Lock()
	f.history = append(f.history, Record{Message: msg, SentAt: time.Now(), Targets: targets})
	if over := len(f.history) - f.limit; over > 0 {
		f.history = append([]Record(nil), f.history[over:]...)
	}
	f.mu.Unlock()
	return errors.Join(errs...)
}

// History returns up to limit recent records, oldest first.
func (f *Fanout) History(limit int) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 || limit > len(f.history) {
		limit = len(f.history)
	}
	return append([]Record(nil), f.history[len(f.history)-limit:]...)
}
