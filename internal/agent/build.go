package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/cache"
	"github.com/nidhogg/finmem/internal/config"
	"github.com/nidhogg/finmem/internal/decision"
	"github.com/nidhogg/finmem/internal/embedding"
	"github.com/nidhogg/finmem/internal/feedback"
	"github.com/nidhogg/finmem/internal/lineage"
	"github.com/nidhogg/finmem/internal/memory"
	"github.com/nidhogg/finmem/internal/notify"
	"github.com/nidhogg/finmem/internal/persistence"
	"github.com/nidhogg/finmem/internal/provider"
	"github.com/nidhogg/finmem/internal/vectorstore"
)

// FromConfig builds an agent and every collaborator cfg enables. On error
// everything opened so far is closed.
func FromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *Agent, err error) {
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	lex, err := cfg.LoadLexicon()
	if err != nil {
		return nil, err
	}
	stores := memory.NewStores(cfg.MemoryOptions(lex), logger)

	c, err := buildCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if c != nil {
		closers = append(closers, c.Close)
		stores.ShortTerm.WithCache(c, cfg.Cache.TTL.Std())
		stores.Prospective.WithCache(c, cfg.Cache.TTL.Std())
	}

	embedder, err := embedding.New(cfg.EmbeddingConfig())
	if err != nil {
		return nil, err
	}
	vectors, err := buildVectors(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if vectors != nil {
		closers = append(closers, vectors.Close)
		if embedder != nil {
			stores.LongTerm.WithVectors(embedder, vectors, cfg.RetryPolicy())
		}
	}

	gen, err := buildGenerator(cfg, logger)
	if err != nil {
		return nil, err
	}
	engine := decision.NewEngine(stores, gen, cfg.DecisionConfig(), logger)
	fb := feedback.NewProcessor(stores, cfg.Feedback.Alpha, cfg.Feedback.QueueSize, logger)

	backend, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	var manager *persistence.Manager
	if backend != nil {
		closers = append(closers, backend.Close)
		manager, err = persistence.NewManager(stores, backend, logger)
		if err != nil {
			return nil, err
		}
	}

	var rec lineage.Recorder = lineage.Nop{}
	if cfg.Lineage.Enabled {
		n, err := lineage.NewNeo4j(cfg.Lineage.URI, cfg.Lineage.User, cfg.Lineage.Password, logger)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() error { return n.Close(context.Background()) })
		if err := n.Ping(ctx); err != nil {
			// lineage is best-effort; keep the recorder and let writes log
			logger.Warn("neo4j unreachable, lineage writes will fail", zap.Error(err))
		}
		rec = n
	}

	fan := notify.NewFanout(0, logger)
	if s := cfg.Notify.Slack; s.Enabled {
		fan.Add(notify.NewSlack(s.BotToken, s.Channel, s.Username, logger))
	}
	if d := cfg.Notify.Discord; d.Enabled {
		n, err := notify.NewDiscord(d.BotToken, d.Channel, logger)
		if err != nil {
			return nil, err
		}
		fan.Add(n)
	}

	a = New(Deps{
		Stores:      stores,
		Engine:      engine,
		Feedback:    fb,
		Persistence: manager,
		Backend:     backend,
		Lineage:     rec,
		Notifier:    fan,
		Cache:       c,
		Vectors:     vectors,
	}, logger)

	if manager != nil && cfg.Persistence.LoadOnStart {
		if _, err := a.Load(ctx); err != nil && !errors.Is(err, persistence.ErrNoSnapshot) {
			return nil, err
		}
	}
	if err := a.seedTriggers(cfg.Scheduler.Triggers); err != nil {
		return nil, err
	}
	return a, nil
}

func buildCache(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return cache.NewRedis(ctx, cfg.Cache.RedisURL)
	case "local":
		return cache.NewLocal(cfg.Cache.MaxBytes)
	}
	return nil, nil
}

func buildVectors(ctx context.Context, cfg *config.Config) (vectorstore.Store, error) {
	vc := cfg.VectorStoreConfig()
	switch vc.Backend {
	case "chromem":
		return vectorstore.NewChromem(vc.Collection)
	case "qdrant":
		if vc.Dimension <= 0 {
			return nil, errors.New("qdrant needs embedding.dimension")
		}
		q, err := vectorstore.NewQdrant(vc)
		if err != nil {
			return nil, err
		}
		if err := q.EnsureCollection(ctx, uint64(vc.Dimension)); err != nil {
			q.Close()
			return nil, err
		}
		return q, nil
	}
	return nil, nil
}

// buildGenerator registers every configured provider behind a router. With
// no providers the engine runs without a generative opinion.
func buildGenerator(cfg *config.Config, logger *zap.Logger) (provider.Generator, error) {
	pcs := cfg.ProviderConfigs()
	if len(pcs) == 0 {
		return nil, nil
	}
	router := provider.NewRouter(cfg.RetryPolicy(), logger)
	for _, pc := range pcs {
		p, err := provider.New(pc, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		router.Register(p)
	}
	router.SetDefault(cfg.Router.Default)
	router.SetFallbacks(cfg.Router.Fallbacks)
	return router, nil
}

func buildBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (persistence.Backend, error) {
	p := cfg.Persistence
	switch p.Backend {
	case "file":
		return persistence.NewFileBackend(p.Path)
	case "redis":
		return persistence.NewRedisBackend(ctx, p.RedisURL, p.RedisKey)
	case "postgres":
		return persistence.NewPostgresBackend(ctx, p.PostgresDSN, p.Name, logger)
	}
	return nil, nil
}

// seedTriggers schedules configured triggers that are not already present,
// for example after a snapshot load.
func (a *Agent) seedTriggers(triggers []config.TriggerConfig) error {
	now := a.now()
	for _, tc := range triggers {
		// repeating triggers continue under fresh ids, so match the series
		if tc.ID != "" && a.stores.Prospective.HasSeries(tc.ID) {
			continue
		}
		t := memory.Trigger{
			ID:    tc.ID,
			Event: tc.Event,
			Query: tc.Query,
			Asset: tc.Asset,
			Every: tc.Every.Std(),
		}
		if tc.Event == "" {
			after := tc.After.Std()
			if after <= 0 {
				after = tc.Every.Std()
			}
			at := now.Add(after)
			t.FireAt = &at
		}
		if _, err := a.stores.Prospective.Schedule(t, now); err != nil {
			return fmt.Errorf("seed trigger %q: %w", tc.Query, err)
		}
	}
	return nil
}

// SnapshotEvery returns the configured autosave interval, zero when off.
func SnapshotEvery(cfg *config.Config) time.Duration {
	if cfg.Persistence.Backend == "none" {
		return 0
	}
	return cfg.Persistence.Interval.Std()
}
