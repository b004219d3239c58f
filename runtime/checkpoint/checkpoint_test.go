package checkpoint

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDriftMatrix(t *testing.T) {
	cases := []struct {
		name         string
		cpSHA        string
		cpLogic      string
		currentSHA   string
		currentLogic string
		want         DriftRecommendation
	}{
		{"same build", "abc123", "1.2.0", "abc123", "1.2.0", DriftNone},
		{"same sha different logic", "abc123", "1.2.0", "abc123", "2.0.0", DriftNone},
		{"new sha same major", "abc123", "1.2.0", "def456", "1.5.3", DriftShadowDryRun},
		{"new sha new major", "abc123", "1.2.0", "def456", "2.0.0", DriftManualReview},
		{"new sha v-prefixed same major", "abc123", "v1.2.0", "def456", "1.9.0", DriftShadowDryRun},
		{"unparseable versions match each other", "abc123", "garbage", "def456", "nonsense", DriftShadowDryRun},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cp := Checkpoint{GitSHA: tc.cpSHA, LogicVersion: tc.cpLogic}
			got := Drift(cp, Identity{GitSHA: tc.currentSHA, LogicVersion: tc.currentLogic})
			require.Equal(t, tc.want, got)
		})
	}
}

func TestIdentityFromEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_GIT_SHA", "deadbeef")
	t.Setenv("CONDUCTOR_LOGIC_VERSION", "3.1.4")

	id := IdentityFromEnv(map[string]string{"calendar.create": "1.0.0"})
	require.Equal(t, "deadbeef", id.GitSHA)
	require.Equal(t, "3.1.4", id.LogicVersion)
	require.Equal(t, "1.0.0", id.ToolVersions["calendar.create"])
}

func TestIdentityFromEnvDefaults(t *testing.T) {
	t.Setenv("CONDUCTOR_GIT_SHA", "")
	t.Setenv("CONDUCTOR_LOGIC_VERSION", "")

	id := IdentityFromEnv(nil)
	require.Equal(t, "unknown", id.GitSHA)
	require.Equal(t, "0.0.0", id.LogicVersion)
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	_, ok, err := s.Load(ctx, "exec-1")
	require.NoError(t, err)
	require.False(t, ok)

	cp := Checkpoint{
		ExecutionID:   "exec-1",
		GitSHA:        "abc123",
		LogicVersion:  "1.0.0",
		StateSnapshot: json.RawMessage(`{"status":"RUNNING"}`),
		NextStepIndex: 2,
		SegmentNumber: 1,
		Reason:        "scheduled_retry",
	}
	require.NoError(t, s.Save(ctx, cp))

	got, ok, err := s.Load(ctx, "exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cp, got)

	// Save overwrites the latest.
	cp.SegmentNumber = 2
	require.NoError(t, s.Save(ctx, cp))
	got, _, err = s.Load(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, 2, got.SegmentNumber)

	require.NoError(t, s.Delete(ctx, "exec-1"))
	_, ok, err = s.Load(ctx, "exec-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Save(ctx, Checkpoint{ExecutionID: "exec-1"}))

	now = now.Add(2 * time.Hour)
	_, ok, err := s.Load(ctx, "exec-1")
	require.NoError(t, err)
	require.False(t, ok)
}
