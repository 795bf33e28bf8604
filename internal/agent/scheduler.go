package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/memory"
)

// TickListener receives the decisions of each scheduler tick.
type TickListener interface {
	OnTick(now time.Time, decisions []memory.Decision)
}

// Scheduler drives prospective memory on a fixed interval and periodically
// saves a snapshot.
type Scheduler struct {
	agent        *Agent
	interval     time.Duration
	saveInterval time.Duration
	listeners    []TickListener
	events       []string
	lastSave     time.Time
	mu           sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
	logger       *zap.Logger
}

// NewScheduler creates a scheduler. saveInterval <= 0 disables autosave.
func NewScheduler(a *Agent, interval, saveInterval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		agent:        a,
		interval:     interval,
		saveInterval: saveInterval,
		logger:       logger,
	}
}

// AddListener registers a tick listener.
func (s *Scheduler) AddListener(l TickListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Signal queues a named event for the next tick.
func (s *Scheduler) Signal(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Start begins the tick loop in a background goroutine. It stops when ctx
// is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lastSave = s.agent.Now()
	s.mu.Unlock()
	go s.loop(ctx)
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("save_interval", s.saveInterval))
}

// Stop halts the tick loop and waits for the running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, s.agent.Now())
		}
	}
}

// Tick runs one scheduler step at now: fires due triggers with the queued
// events, notifies listeners and autosaves when due.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []memory.Decision {
	s.mu.Lock()
	events := s.events
	s.events = nil
	listeners := make([]TickListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	decisions := s.agent.Tick(ctx, now, events)
	for _, l := range listeners {
		l.OnTick(now, decisions)
	}
	s.maybeSave(ctx, now)
	return decisions
}

func (s *Scheduler) maybeSave(ctx context.Context, now time.Time) {
	if s.saveInterval <= 0 || s.agent.persistence == nil {
		return
	}
	s.mu.Lock()
	due := now.Sub(s.lastSave) >= s.saveInterval
	if due {
		s.lastSave = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if _, err := s.agent.Save(ctx); err != nil {
		s.logger.Error("autosave failed", zap.Error(err))
	}
}
