package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/runtime/failover"
	"goa.design/conductor/runtime/intent"
	"goa.design/conductor/runtime/triage"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, "conductor:", cfg.Redis.KeyPrefix)
	require.Equal(t, "conductor", cfg.Mongo.Database)
	require.Equal(t, ":8081", cfg.HealthAddr)
	require.Equal(t, 500*time.Millisecond, cfg.Worker.PollInterval.std())
	require.Equal(t, 10, cfg.Worker.BatchSize)
	require.Equal(t, 30*time.Second, cfg.Worker.LockValidity.std())
	require.Equal(t, 4, cfg.Worker.Parallelism)
	require.Equal(t, time.Second, cfg.Worker.RetryBase.std())
	require.Empty(t, cfg.Provider.Name)
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: redis.internal:6380
  key_prefix: "orch:"
mongo:
  uri: mongodb://mongo.internal:27017
provider:
  name: anthropic
  model: claude-sonnet-4-20250514
  rate_limit:
    initial_tpm: 60000
    max_tpm: 120000
worker:
  poll_interval: 2s
  batch_size: 25
  lock_validity: 1m
  retry_base: 500ms
  max_retries: 5
trace:
  stream_max_len: 1000
failover:
  - name: rebook-nearby-slot
    intent_type: ACTION
    failure_reasons: [RESOURCE_CONFLICT]
    min_confidence: 0.7
    party_size_range:
      min: 2
      max: 8
    actions:
      - type: RETRY_WITH_MODIFIED_PARAMS
        max_retries: 2
        retry_delay: 10s
        params:
          param_overrides:
            time: "19:30"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	require.Equal(t, "orch:", cfg.Redis.KeyPrefix)
	require.Equal(t, "mongodb://mongo.internal:27017", cfg.Mongo.URI)
	require.Equal(t, "anthropic", cfg.Provider.Name)
	require.Equal(t, float64(60000), cfg.Provider.RateLimit.InitialTPM)
	require.Equal(t, 2*time.Second, cfg.Worker.PollInterval.std())
	require.Equal(t, 25, cfg.Worker.BatchSize)
	require.Equal(t, time.Minute, cfg.Worker.LockValidity.std())
	require.Equal(t, 500*time.Millisecond, cfg.Worker.RetryBase.std())
	require.Equal(t, 5, cfg.Worker.MaxRetries)
	require.Equal(t, 1000, cfg.Trace.StreamMaxLen)
	require.Len(t, cfg.Failover, 1)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "override:6379")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("MONGO_URI", "mongodb://override:27017")
	t.Setenv("HEALTH_ADDR", ":9999")

	path := writeConfig(t, `
redis:
  addr: from-file:6379
health_addr: ":8081"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "override:6379", cfg.Redis.Addr)
	require.Equal(t, "hunter2", cfg.Redis.Password)
	require.Equal(t, "mongodb://override:27017", cfg.Mongo.URI)
	require.Equal(t, ":9999", cfg.HealthAddr)
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
worker:
  poll_interval: soon
`)
	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "invalid duration")
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"unknown provider",
			"provider:\n  name: cohere\n  model: command-r\n",
			"not supported",
		},
		{
			"provider without model",
			"provider:\n  name: openai\n",
			"provider.model is required",
		},
		{
			"policy without name",
			"failover:\n  - intent_type: ACTION\n    actions:\n      - type: SKIP_STEP\n",
			"name is required",
		},
		{
			"policy without actions",
			"failover:\n  - name: empty\n",
			"has no actions",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.content))
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestPoliciesMapping(t *testing.T) {
	cfg := Config{Failover: []PolicyConfig{{
		Name:           "rebook-nearby-slot",
		IntentType:     "ACTION",
		FailureReasons: []string{"RESOURCE_CONFLICT", "TIMEOUT"},
		MinConfidence:  0.7,
		PartySizeRange: &RangeConfig{Min: 2, Max: 8},
		Actions: []ActionConfig{{
			Type:            "RETRY_WITH_MODIFIED_PARAMS",
			MessageTemplate: "retrying {tool} at a nearby time",
			MaxRetries:      2,
			RetryDelay:      duration(10 * time.Second),
			Params:          map[string]any{"param_overrides": map[string]any{"time": "19:30"}},
		}},
	}}}

	policies := cfg.policies()
	require.Len(t, policies, 1)
	p := policies[0]
	require.Equal(t, "rebook-nearby-slot", p.Name)
	require.Equal(t, intent.TypeAction, p.IntentType)
	require.Equal(t, []triage.Category{triage.CategoryConflict, triage.CategoryTimeout}, p.FailureReasons)
	require.Equal(t, &failover.Range{Min: 2, Max: 8}, p.PartySizeRange)
	require.Len(t, p.Actions, 1)
	require.Equal(t, triage.ActionRetryModified, p.Actions[0].Type)
	require.Equal(t, 10*time.Second, p.Actions[0].RetryDelay)
	require.Equal(t, "19:30", p.Actions[0].Params["param_overrides"].(map[string]any)["time"])
}
