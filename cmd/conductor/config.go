package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/conductor/runtime/failover"
	"goa.design/conductor/runtime/intent"
	"goa.design/conductor/runtime/triage"
)

type (
	// Config is the daemon configuration loaded from YAML. Connection
	// settings can be overridden through environment variables so the same
	// file works across environments.
	Config struct {
		Redis      RedisConfig    `yaml:"redis"`
		Mongo      MongoConfig    `yaml:"mongo"`
		Provider   ProviderConfig `yaml:"provider"`
		Worker     WorkerConfig   `yaml:"worker"`
		Trace      TraceConfig    `yaml:"trace"`
		Failover   []PolicyConfig `yaml:"failover"`
		HealthAddr string         `yaml:"health_addr"`
	}

	// RedisConfig locates the Redis server backing state, locks, queues and
	// trace streams.
	RedisConfig struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	}

	// MongoConfig locates the checkpoint store. An empty URI selects the
	// in-process store, which does not survive restarts.
	MongoConfig struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// ProviderConfig selects the structured generation backend used for
	// semantic failure triage. API keys are read from the environment
	// (ANTHROPIC_API_KEY, OPENAI_API_KEY; Bedrock uses the standard AWS
	// credential chain).
	ProviderConfig struct {
		// Name is one of "anthropic", "openai", "bedrock" or empty to run
		// with heuristic triage only.
		Name      string          `yaml:"name"`
		Model     string          `yaml:"model"`
		MaxTokens int             `yaml:"max_tokens"`
		Region    string          `yaml:"region"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`
	}

	// RateLimitConfig tunes the adaptive tokens-per-minute limiter.
	RateLimitConfig struct {
		InitialTPM float64 `yaml:"initial_tpm"`
		MaxTPM     float64 `yaml:"max_tpm"`
	}

	// WorkerConfig tunes the resume worker and dispatch loop.
	WorkerConfig struct {
		PollInterval    duration `yaml:"poll_interval"`
		BatchSize       int      `yaml:"batch_size"`
		LockValidity    duration `yaml:"lock_validity"`
		Parallelism     int      `yaml:"parallelism"`
		RetryBase       duration `yaml:"retry_base"`
		MaxRetries      int      `yaml:"max_retries"`
		MaxParamRetries int      `yaml:"max_param_retries"`
	}

	// TraceConfig tunes trace publication.
	TraceConfig struct {
		// StreamMaxLen bounds entries kept per Pulse stream. Zero disables
		// trimming.
		StreamMaxLen int `yaml:"stream_max_len"`
		// Disabled turns trace publication off entirely.
		Disabled bool `yaml:"disabled"`
	}

	// PolicyConfig is the YAML shape of a failover policy.
	PolicyConfig struct {
		Name           string         `yaml:"name"`
		IntentType     string         `yaml:"intent_type"`
		FailureReasons []string       `yaml:"failure_reasons"`
		MinConfidence  float64        `yaml:"min_confidence"`
		PartySizeRange *RangeConfig   `yaml:"party_size_range"`
		Actions        []ActionConfig `yaml:"actions"`
	}

	// RangeConfig is an inclusive integer interval.
	RangeConfig struct {
		Min int `yaml:"min"`
		Max int `yaml:"max"`
	}

	// ActionConfig is the YAML shape of a failover action.
	ActionConfig struct {
		Type            string         `yaml:"type"`
		MessageTemplate string         `yaml:"message_template"`
		MaxRetries      int            `yaml:"max_retries"`
		RetryDelay      duration       `yaml:"retry_delay"`
		Params          map[string]any `yaml:"params"`
	}

	// duration parses YAML values like "30s" or "5m".
	duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = duration(parsed)
	return nil
}

func (d duration) std() time.Duration { return time.Duration(d) }

// LoadConfig reads the YAML file at path, fills defaults and applies
// environment overrides. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Redis.Addr = envOr("REDIS_ADDR", cfg.Redis.Addr)
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	cfg.Mongo.URI = envOr("MONGO_URI", cfg.Mongo.URI)
	cfg.HealthAddr = envOr("HEALTH_ADDR", cfg.HealthAddr)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Redis:      RedisConfig{Addr: "localhost:6379", KeyPrefix: "conductor:"},
		Mongo:      MongoConfig{Database: "conductor"},
		HealthAddr: ":8081",
		Worker: WorkerConfig{
			PollInterval: duration(500 * time.Millisecond),
			BatchSize:    10,
			LockValidity: duration(30 * time.Second),
			Parallelism:  4,
			RetryBase:    duration(time.Second),
		},
	}
}

func (c Config) validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	switch c.Provider.Name {
	case "", "anthropic", "openai", "bedrock":
	default:
		return fmt.Errorf("provider.name %q is not supported", c.Provider.Name)
	}
	if c.Provider.Name != "" && c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required when provider.name is set")
	}
	for i, p := range c.Failover {
		if p.Name == "" {
			return fmt.Errorf("failover[%d].name is required", i)
		}
		if len(p.Actions) == 0 {
			return fmt.Errorf("failover policy %q has no actions", p.Name)
		}
	}
	return nil
}

// policies maps the failover config to engine policies, preserving file
// order.
func (c Config) policies() []failover.Policy {
	out := make([]failover.Policy, 0, len(c.Failover))
	for _, p := range c.Failover {
		policy := failover.Policy{
			Name:          p.Name,
			IntentType:    intent.Type(p.IntentType),
			MinConfidence: p.MinConfidence,
		}
		for _, reason := range p.FailureReasons {
			policy.FailureReasons = append(policy.FailureReasons, triage.Category(reason))
		}
		if p.PartySizeRange != nil {
			policy.PartySizeRange = &failover.Range{Min: p.PartySizeRange.Min, Max: p.PartySizeRange.Max}
		}
		for _, a := range p.Actions {
			policy.Actions = append(policy.Actions, failover.Action{
				Type:            triage.Action(a.Type),
				MessageTemplate: a.MessageTemplate,
				MaxRetries:      a.MaxRetries,
				RetryDelay:      a.RetryDelay.std(),
				Params:          a.Params,
			})
		}
		out = append(out, policy)
	}
	return out
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
