// Package checkpoint persists durable resume records tagged with the code
// identity that produced them. On resume the recorded identity is compared
// with the running process to detect logic drift before any step executes.
package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is how long checkpoints outlive their last write.
const DefaultTTL = 7 * 24 * time.Hour

type (
	// Checkpoint is a durable resume record for one execution segment.
	Checkpoint struct {
		// ExecutionID identifies the execution this checkpoint belongs to.
		ExecutionID string `json:"execution_id"`
		// CheckpointAt is when the checkpoint was taken.
		CheckpointAt time.Time `json:"checkpoint_at"`
		// GitSHA is the code revision of the writing process.
		GitSHA string `json:"git_sha"`
		// LogicVersion is the semantic version of the orchestration logic.
		LogicVersion string `json:"logic_version"`
		// ToolVersions pins the tool registry contents at checkpoint time.
		ToolVersions map[string]string `json:"tool_versions,omitempty"`
		// StateSnapshot is the serialized execution state.
		StateSnapshot json.RawMessage `json:"state_snapshot"`
		// NextStepIndex is where execution resumes.
		NextStepIndex int `json:"next_step_index"`
		// SegmentNumber counts the execution's checkpoints.
		SegmentNumber int `json:"segment_number"`
		// Reason records why control was returned: "awaiting_confirmation",
		// "scheduled_retry", "time_slice", "terminal".
		Reason string `json:"reason"`
		// Version is the checkpoint record version, monotonic per execution.
		Version int64 `json:"version"`
	}

	// Store persists checkpoints. Save overwrites the execution's latest
	// checkpoint; implementations apply DefaultTTL unless configured
	// otherwise.
	Store interface {
		// Save persists the checkpoint as the latest for its execution.
		Save(ctx context.Context, cp Checkpoint) error
		// Load returns the latest checkpoint for the execution. The boolean
		// reports whether one exists.
		Load(ctx context.Context, executionID string) (Checkpoint, bool, error)
		// Delete removes the execution's checkpoint.
		Delete(ctx context.Context, executionID string) error
	}

	// Identity is the code identity of the running process, read once at
	// start-up and stamped into every checkpoint.
	Identity struct {
		// GitSHA is the build revision.
		GitSHA string
		// LogicVersion is the orchestration logic semver.
		LogicVersion string
		// ToolVersions maps tool name to registered version.
		ToolVersions map[string]string
	}
)

// IdentityFromEnv reads the process identity from CONDUCTOR_GIT_SHA and
// CONDUCTOR_LOGIC_VERSION, falling back to "unknown" and "0.0.0".
func IdentityFromEnv(toolVersions map[string]string) Identity {
	sha := os.Getenv("CONDUCTOR_GIT_SHA")
	if sha == "" {
		sha = "unknown"
	}
	logic := os.Getenv("CONDUCTOR_LOGIC_VERSION")
	if logic == "" {
		logic = "0.0.0"
	}
	return Identity{GitSHA: sha, LogicVersion: logic, ToolVersions: toolVersions}
}

// DriftRecommendation tells the orchestrator how to treat a resume whose
// checkpoint was written by different code.
type DriftRecommendation string

const (
	// DriftNone means the code identity is unchanged.
	DriftNone DriftRecommendation = "NONE"
	// DriftShadowDryRun means the remaining steps should be replayed
	// against a no-op executor before live execution.
	DriftShadowDryRun DriftRecommendation = "SHADOW_DRY_RUN"
	// DriftManualReview means the execution must await human confirmation.
	DriftManualReview DriftRecommendation = "MANUAL_REVIEW"
)

// Drift compares the checkpoint's recorded identity with the current one.
// A changed git SHA under the same logic major version permits a shadow dry
// run; a major version change demands manual review.
func Drift(cp Checkpoint, current Identity) DriftRecommendation {
	if cp.GitSHA == current.GitSHA {
		return DriftNone
	}
	if majorVersion(cp.LogicVersion) == majorVersion(current.LogicVersion) {
		return DriftShadowDryRun
	}
	return DriftManualReview
}

func majorVersion(v string) int {
	head, _, _ := strings.Cut(strings.TrimPrefix(v, "v"), ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return -1
	}
	return major
}
