package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nidhogg/finmem/internal/decision"
	"github.com/nidhogg/finmem/internal/embedding"
	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/memory"
	"github.com/nidhogg/finmem/internal/provider"
	"github.com/nidhogg/finmem/internal/vectorstore"
)

// Defaults returns a configuration that runs fully in-process: no providers,
// hash embeddings, embedded vector store, local cache and a file snapshot.
func Defaults() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero field.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	stm, ltm := memory.DefaultShortTermDecay(), memory.DefaultLongTermDecay()
	if c.Memory.ShortTermCapacity <= 0 {
		c.Memory.ShortTermCapacity = 30
	}
	if c.Memory.ShortTermHalfLife <= 0 {
		c.Memory.ShortTermHalfLife = Duration(stm.HalfLife)
	}
	if c.Memory.LongTermHalfLife <= 0 {
		c.Memory.LongTermHalfLife = Duration(ltm.HalfLife)
	}
	if c.Memory.MinDecayWeight <= 0 {
		c.Memory.MinDecayWeight = ltm.MinWeight
	}
	if c.Memory.CompactionBucket <= 0 {
		c.Memory.CompactionBucket = Duration(time.Hour)
	}

	d := decision.DefaultConfig()
	if c.Decision.RecentK <= 0 {
		c.Decision.RecentK = d.RecentK
	}
	if c.Decision.RetrieveK <= 0 {
		c.Decision.RetrieveK = d.RetrieveK
	}
	if c.Decision.TieBias == "" {
		c.Decision.TieBias = string(d.TieBias)
	}
	if c.Decision.ConflictRatio <= 0 {
		c.Decision.ConflictRatio = d.ConflictRatio
	}
	if c.Decision.ConflictPenalty <= 0 {
		c.Decision.ConflictPenalty = d.ConflictPenalty
	}
	if c.Decision.DegradedCap <= 0 {
		c.Decision.DegradedCap = d.DegradedCap
	}
	if c.Decision.GenerateTimeout <= 0 {
		c.Decision.GenerateTimeout = Duration(d.GenerateTimeout)
	}
	if c.Decision.TrendThreshold <= 0 {
		c.Decision.TrendThreshold = d.Thresholds.Trend
	}
	if c.Decision.VolThreshold <= 0 {
		c.Decision.VolThreshold = d.Thresholds.Volatility
	}
	if c.Decision.SentThreshold <= 0 {
		c.Decision.SentThreshold = d.Thresholds.Sentiment
	}

	if c.Feedback.Alpha <= 0 {
		c.Feedback.Alpha = 0.2
	}
	if c.Feedback.QueueSize <= 0 {
		c.Feedback.QueueSize = 64
	}

	r := provider.DefaultRetryPolicy()
	if c.Router.Retry.MaxAttempts <= 0 {
		c.Router.Retry.MaxAttempts = r.MaxAttempts
	}
	if c.Router.Retry.InitialInterval <= 0 {
		c.Router.Retry.InitialInterval = Duration(r.InitialInterval)
	}
	if c.Router.Retry.MaxInterval <= 0 {
		c.Router.Retry.MaxInterval = Duration(r.MaxInterval)
	}
	if c.Router.Retry.CallTimeout <= 0 {
		c.Router.Retry.CallTimeout = Duration(r.CallTimeout)
	}
	if c.Router.Default == "" && len(c.Providers) > 0 {
		c.Router.Default = c.Providers[0].ID
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
	if c.Embedding.Dimension <= 0 && c.Embedding.Provider == "hash" {
		c.Embedding.Dimension = 256
	}
	if c.VectorStore.Backend == "" {
		c.VectorStore.Backend = "chromem"
	}
	if c.VectorStore.Collection == "" {
		c.VectorStore.Collection = "finmem_records"
	}
	if c.VectorStore.Backend == "qdrant" {
		if c.VectorStore.Host == "" {
			c.VectorStore.Host = "localhost"
		}
		if c.VectorStore.Port == 0 {
			c.VectorStore.Port = 6334
		}
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "local"
	}
	if c.Cache.MaxBytes <= 0 {
		c.Cache.MaxBytes = 64 << 20
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = Duration(24 * time.Hour)
	}

	if c.Persistence.Backend == "" {
		c.Persistence.Backend = "file"
	}
	if c.Persistence.Backend == "file" && c.Persistence.Path == "" {
		c.Persistence.Path = "data/snapshot.json"
	}

	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = Duration(time.Minute)
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !market.Direction(c.Decision.TieBias).Valid() {
		errs = append(errs, fmt.Errorf("decision.tie_bias must be Long or Short, got %q", c.Decision.TieBias))
	}
	if c.Decision.DegradedCap > 1 {
		errs = append(errs, errors.New("decision.degraded_cap must be within [0, 1]"))
	}
	if c.Feedback.Alpha > 1 {
		errs = append(errs, errors.New("feedback.alpha must be within (0, 1]"))
	}
	if c.Memory.MinDecayWeight > 1 {
		errs = append(errs, errors.New("memory.min_decay_weight must be within [0, 1]"))
	}

	ids := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("providers[%d].id is required", i))
			continue
		}
		if ids[p.ID] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID))
		}
		ids[p.ID] = true
		switch p.Type {
		case "", "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("providers[%d]: unknown type %q", i, p.Type))
		}
	}
	if c.Router.Default != "" && !ids[c.Router.Default] {
		errs = append(errs, fmt.Errorf("router.default %q is not a configured provider", c.Router.Default))
	}
	for _, id := range c.Router.Fallbacks {
		if !ids[id] {
			errs = append(errs, fmt.Errorf("router.fallbacks: %q is not a configured provider", id))
		}
	}

	switch c.Embedding.Provider {
	case "hash", "api", "local":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider: unknown %q", c.Embedding.Provider))
	}
	switch c.VectorStore.Backend {
	case "chromem", "qdrant", "none":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.backend: unknown %q", c.VectorStore.Backend))
	}
	switch c.Cache.Backend {
	case "local", "none":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown %q", c.Cache.Backend))
	}
	switch c.Persistence.Backend {
	case "file", "none":
	case "redis":
		if c.Persistence.RedisURL == "" {
			errs = append(errs, errors.New("persistence.redis_url is required for the redis backend"))
		}
	case "postgres":
		if c.Persistence.PostgresDSN == "" {
			errs = append(errs, errors.New("persistence.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("persistence.backend: unknown %q", c.Persistence.Backend))
	}
	if c.Lineage.Enabled && c.Lineage.URI == "" {
		errs = append(errs, errors.New("lineage.uri is required when lineage is enabled"))
	}
	if c.Notify.Slack.Enabled && (c.Notify.Slack.BotToken == "" || c.Notify.Slack.Channel == "") {
		errs = append(errs, errors.New("notify.slack needs bot_token and channel"))
	}
	if c.Notify.Discord.Enabled && (c.Notify.Discord.BotToken == "" || c.Notify.Discord.Channel == "") {
		errs = append(errs, errors.New("notify.discord needs bot_token and channel"))
	}
	for i, t := range c.Scheduler.Triggers {
		if t.Query == "" {
			errs = append(errs, fmt.Errorf("scheduler.triggers[%d].query is required", i))
		}
		if t.Event == "" && t.After <= 0 && t.Every <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.triggers[%d] needs after, every or event", i))
		}
	}
	return errors.Join(errs...)
}

// MemoryOptions builds the memory store options. lex may be nil.
func (c *Config) MemoryOptions(lex *market.Lexicon) memory.Options {
	return memory.Options{
		ShortTermCapacity: c.Memory.ShortTermCapacity,
		LongTermDecay: memory.DecayConfig{
			HalfLife:  c.Memory.LongTermHalfLife.Std(),
			MinWeight: c.Memory.MinDecayWeight,
		},
		CompactionBucket: c.Memory.CompactionBucket.Std(),
		Lexicon:          lex,
	}
}

// DecisionConfig builds the engine parameters.
func (c *Config) DecisionConfig() decision.Config {
	d := decision.DefaultConfig()
	if c.Decision.BaseWeights != nil {
		for k, v := range c.Decision.BaseWeights {
			d.BaseWeights[k] = v
		}
	}
	d.RecentK = c.Decision.RecentK
	d.RetrieveK = c.Decision.RetrieveK
	d.TieBias = market.Direction(c.Decision.TieBias)
	d.ConflictRatio = c.Decision.ConflictRatio
	d.ConflictPenalty = c.Decision.ConflictPenalty
	d.DegradedCap = c.Decision.DegradedCap
	d.GenerateTimeout = c.Decision.GenerateTimeout.Std()
	d.ShortTermDecay = memory.DecayConfig{
		HalfLife:  c.Memory.ShortTermHalfLife.Std(),
		MinWeight: c.Memory.MinDecayWeight,
	}
	d.Thresholds = decision.FeatureThresholds{
		Trend:      c.Decision.TrendThreshold,
		Volatility: c.Decision.VolThreshold,
		Sentiment:  c.Decision.SentThreshold,
	}
	return d
}

// RetryPolicy builds the provider retry policy.
func (c *Config) RetryPolicy() provider.RetryPolicy {
	return provider.RetryPolicy{
		MaxAttempts:     c.Router.Retry.MaxAttempts,
		InitialInterval: c.Router.Retry.InitialInterval.Std(),
		MaxInterval:     c.Router.Retry.MaxInterval.Std(),
		CallTimeout:     c.Router.Retry.CallTimeout.Std(),
	}
}

// ProviderConfigs converts the provider list.
func (c *Config) ProviderConfigs() []provider.ProviderConfig {
	out := make([]provider.ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, provider.ProviderConfig{
			ID:          p.ID,
			Type:        p.Type,
			Name:        p.Name,
			Endpoint:    p.Endpoint,
			APIKey:      p.APIKey,
			Model:       p.Model,
			Temperature: p.Temperature,
			MaxTokens:   p.MaxTokens,
			Extra:       p.Extra,
			Timeout:     p.Timeout.Std(),
		})
	}
	return out
}

// EmbeddingConfig converts the embedding section.
func (c *Config) EmbeddingConfig() embedding.Config {
	return embedding.Config{
		Provider:  c.Embedding.Provider,
		Endpoint:  c.Embedding.Endpoint,
		Model:     c.Embedding.Model,
		APIKey:    c.Embedding.APIKey,
		Dimension: c.Embedding.Dimension,
		Timeout:   c.Embedding.Timeout.Std(),
	}
}

// VectorStoreConfig converts the vector store section.
func (c *Config) VectorStoreConfig() vectorstore.Config {
	return vectorstore.Config{
		Backend:    c.VectorStore.Backend,
		Host:       c.VectorStore.Host,
		Port:       c.VectorStore.Port,
		Collection: c.VectorStore.Collection,
		Dimension:  c.Embedding.Dimension,
	}
}

// LexiconFile is the on-disk form of a sentiment lexicon. JSON files parse
// as YAML too.
type LexiconFile struct {
	Positive []string `json:"positive" yaml:"positive"`
	Negative []string `json:"negative" yaml:"negative"`
}

// LoadLexicon returns the configured lexicon, or the built-in one when no
// file is set.
func (c *Config) LoadLexicon() (*market.Lexicon, error) {
	if c.Memory.LexiconFile == "" {
		return market.DefaultLexicon(), nil
	}
	data, err := os.ReadFile(c.Memory.LexiconFile)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	var lf LexiconFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}
	if len(lf.Positive) == 0 && len(lf.Negative) == 0 {
		return nil, errors.New("lexicon file has no words")
	}
	return market.NewLexicon(lf.Positive, lf.Negative), nil
}
