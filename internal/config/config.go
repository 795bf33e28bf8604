package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Memory      MemoryConfig      `json:"memory" yaml:"memory"`
	Decision    DecisionConfig    `json:"decision" yaml:"decision"`
	Feedback    FeedbackConfig    `json:"feedback" yaml:"feedback"`
	Providers   []ProviderConfig  `json:"providers" yaml:"providers"`
	Router      RouterConfig      `json:"router" yaml:"router"`
	Embedding   EmbeddingConfig   `json:"embedding" yaml:"embedding"`
	VectorStore VectorStoreConfig `json:"vectorstore" yaml:"vectorstore"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Lineage     LineageConfig     `json:"lineage" yaml:"lineage"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	Scheduler   SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
}

type ServerConfig struct {
	Port           int      `json:"port" yaml:"port"`
	LogLevel       string   `json:"log_level" yaml:"log_level"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type MemoryConfig struct {
	ShortTermCapacity int      `json:"short_term_capacity" yaml:"short_term_capacity"`
	ShortTermHalfLife Duration `json:"short_term_half_life" yaml:"short_term_half_life"`
	LongTermHalfLife  Duration `json:"long_term_half_life" yaml:"long_term_half_life"`
	MinDecayWeight    float64  `json:"min_decay_weight" yaml:"min_decay_weight"`
	CompactionBucket  Duration `json:"compaction_bucket" yaml:"compaction_bucket"`
	// LexiconFile replaces the built-in sentiment word lists when set.
	LexiconFile string `json:"lexicon_file" yaml:"lexicon_file"`
}

type DecisionConfig struct {
	RecentK         int                `json:"recent_k" yaml:"recent_k"`
	RetrieveK       int                `json:"retrieve_k" yaml:"retrieve_k"`
	BaseWeights     map[string]float64 `json:"base_weights" yaml:"base_weights"`
	TieBias         string             `json:"tie_bias" yaml:"tie_bias"`
	ConflictRatio   float64            `json:"conflict_ratio" yaml:"conflict_ratio"`
	ConflictPenalty float64            `json:"conflict_penalty" yaml:"conflict_penalty"`
	DegradedCap     float64            `json:"degraded_cap" yaml:"degraded_cap"`
	GenerateTimeout Duration           `json:"generate_timeout" yaml:"generate_timeout"`
	TrendThreshold  float64            `json:"trend_threshold" yaml:"trend_threshold"`
	VolThreshold    float64            `json:"volatility_threshold" yaml:"volatility_threshold"`
	SentThreshold   float64            `json:"sentiment_threshold" yaml:"sentiment_threshold"`
}

type FeedbackConfig struct {
	Alpha     float64 `json:"alpha" yaml:"alpha"`
	QueueSize int     `json:"queue_size" yaml:"queue_size"`
}

type ProviderConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Type        string            `json:"type" yaml:"type"`
	Name        string            `json:"name" yaml:"name"`
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`
	APIKey      string            `json:"api_key" yaml:"api_key"`
	Model       string            `json:"model" yaml:"model"`
	Temperature float64           `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Extra       map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
	Timeout     Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type RouterConfig struct {
	Default   string      `json:"default" yaml:"default"`
	Fallbacks []string    `json:"fallbacks" yaml:"fallbacks"`
	Retry     RetryConfig `json:"retry" yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     Duration `json:"max_interval" yaml:"max_interval"`
	CallTimeout     Duration `json:"call_timeout" yaml:"call_timeout"`
}

type EmbeddingConfig struct {
	Provider  string   `json:"provider" yaml:"provider"`
	Endpoint  string   `json:"endpoint" yaml:"endpoint"`
	Model     string   `json:"model" yaml:"model"`
	APIKey    string   `json:"api_key" yaml:"api_key"`
	Dimension int      `json:"dimension" yaml:"dimension"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

type VectorStoreConfig struct {
	Backend    string `json:"backend" yaml:"backend"`
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Collection string `json:"collection" yaml:"collection"`
}

type CacheConfig struct {
	Backend  string   `json:"backend" yaml:"backend"` // "redis", "local" or ""
	RedisURL string   `json:"redis_url" yaml:"redis_url"`
	MaxBytes int64    `json:"max_bytes" yaml:"max_bytes"`
	TTL      Duration `json:"ttl" yaml:"ttl"`
}

type PersistenceConfig struct {
	Backend     string   `json:"backend" yaml:"backend"` // "file", "redis", "postgres" or ""
	Path        string   `json:"path" yaml:"path"`
	RedisURL    string   `json:"redis_url" yaml:"redis_url"`
	RedisKey    string   `json:"redis_key" yaml:"redis_key"`
	PostgresDSN string   `json:"postgres_dsn" yaml:"postgres_dsn"`
	Name        string   `json:"name" yaml:"name"`
	LoadOnStart bool     `json:"load_on_start" yaml:"load_on_start"`
	Interval    Duration `json:"interval" yaml:"interval"`
}

type LineageConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type NotifyConfig struct {
	Slack   SlackConfig   `json:"slack" yaml:"slack"`
	Discord DiscordConfig `json:"discord" yaml:"discord"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	Channel  string `json:"channel" yaml:"channel"`
	Username string `json:"username" yaml:"username"`
}

type DiscordConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	Channel  string `json:"channel" yaml:"channel"`
}

type SchedulerConfig struct {
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Interval Duration        `json:"interval" yaml:"interval"`
	Triggers []TriggerConfig `json:"triggers" yaml:"triggers"`
}

// TriggerConfig seeds prospective memory at startup.
type TriggerConfig struct {
	ID    string   `json:"id" yaml:"id"`
	Query string   `json:"query" yaml:"query"`
	Asset string   `json:"asset" yaml:"asset"`
	Event string   `json:"event" yaml:"event"`
	After Duration `json:"after" yaml:"after"`
	Every Duration `json:"every" yaml:"every"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Expand substitutes ${VAR} and ${VAR:default} with environment values.
func Expand(data string) string {
	return envVarRe.ReplaceAllStringFunc(data, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})
}

// Load reads a JSON or YAML config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	resolved := []byte(Expand(string(data)))

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(resolved, cfg)
	default:
		err = json.Unmarshal(resolved, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Duration is a time.Duration that decodes from "5s" style strings or from
// integer nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x))
		return nil
	case string:
		return d.parse(x)
	case nil:
		*d = 0
		return nil
	}
	return fmt.Errorf("invalid duration %s", string(b))
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
