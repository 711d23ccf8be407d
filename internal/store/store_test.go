package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sandcastle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	run := &Run{
		ID:           uuid.NewString(),
		WorkflowName: "demo",
		Status:       RunQueued,
		Input:        map[string]any{"name": "World"},
		MaxCostUSD:   1.5,
	}
	_, created, err := s.CreateRun(ctx, run)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, s.MarkRunStarted(ctx, run.ID))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())
	assert.Equal(t, "World", got.Input["name"])
	assert.Equal(t, 1.5, got.MaxCostUSD)

	require.NoError(t, s.FinalizeRun(ctx, run.ID, RunCompleted,
		map[string]any{"a": "out"}, 0.25, ""))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	assert.Equal(t, 0.25, got.TotalCostUSD)
	assert.False(t, got.CompletedAt.IsZero())

	// A terminal run is immutable.
	require.NoError(t, s.FinalizeRun(ctx, run.ID, RunFailed, nil, 9, "late"))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	assert.Empty(t, got.Error)

	changed, err := s.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestIdempotencyKeyDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	first := &Run{ID: uuid.NewString(), WorkflowName: "demo", Status: RunQueued,
		TenantID: "t1", IdempotencyKey: "req-1"}
	_, created, err := s.CreateRun(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	dup := &Run{ID: uuid.NewString(), WorkflowName: "demo", Status: RunQueued,
		TenantID: "t1", IdempotencyKey: "req-1"}
	existing, created, err := s.CreateRun(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, existing.ID)

	// The same key under another tenant is a distinct run.
	other := &Run{ID: uuid.NewString(), WorkflowName: "demo", Status: RunQueued,
		TenantID: "t2", IdempotencyKey: "req-1"}
	_, created, err = s.CreateRun(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRunStepsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	run := &Run{ID: uuid.NewString(), WorkflowName: "demo", Status: RunRunning}
	_, _, err := s.CreateRun(ctx, run)
	require.NoError(t, err)

	step := &RunStep{
		ID:              uuid.NewString(),
		RunID:           run.ID,
		StepID:          "extract",
		ParallelIndex:   -1,
		Status:          StepCompleted,
		InputPrompt:     "Summarize {input.doc}",
		Output:          map[string]any{"summary": "short"},
		CostUSD:         0.02,
		DurationSeconds: 1.5,
		Attempt:         2,
		Model:           "haiku",
		StartedAt:       time.Now().UTC(),
		CompletedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.SaveRunStep(ctx, step))

	steps, err := s.RunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "extract", steps[0].StepID)
	assert.Equal(t, -1, steps[0].ParallelIndex)
	assert.Equal(t, "haiku", steps[0].Model)
	assert.Equal(t, 2, steps[0].Attempt)
	out := steps[0].Output.(map[string]any)
	assert.Equal(t, "short", out["summary"])
}

func TestCheckpointUpsertAndLatest(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	run := &Run{ID: uuid.NewString(), WorkflowName: "demo", Status: RunRunning}
	_, _, err := s.CreateRun(ctx, run)
	require.NoError(t, err)

	for stage := 0; stage < 3; stage++ {
		require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
			ID:          uuid.NewString(),
			RunID:       run.ID,
			StageIndex:  stage,
			StepOutputs: map[string]any{"stage": float64(stage)},
			Costs:       []float64{0.01},
		}))
	}

	latest, err := s.LatestCheckpoint(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.StageIndex)

	// Upsert overwrites the same stage.
	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
		ID: uuid.NewString(), RunID: run.ID, StageIndex: 2,
		StepOutputs: map[string]any{"stage": "rewritten"},
	}))
	cp, err := s.CheckpointAt(ctx, run.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "rewritten", cp.StepOutputs["stage"])
}

func TestStepCacheHitCounting(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	key := "abc123"
	require.NoError(t, s.CachePut(ctx, &CacheEntry{
		CacheKey: key, WorkflowName: "demo", StepID: "s1", Model: "haiku",
		Output: "cached result", CostUSD: 0.05,
	}))

	entry, err := s.CacheGet(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "cached result", entry.Output)
	assert.Equal(t, 1, entry.HitCount)

	entry, err = s.CacheGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.HitCount)

	// Expired entries behave as misses.
	require.NoError(t, s.CachePut(ctx, &CacheEntry{
		CacheKey: "expired", WorkflowName: "demo", StepID: "s1", Model: "haiku",
		Output: "old", ExpiresAt: time.Now().Add(-time.Minute),
	}))
	entry, err = s.CacheGet(ctx, "expired")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestApprovalTerminality(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	run := &Run{ID: uuid.NewString(), WorkflowName: "demo", Status: RunRunning}
	_, _, err := s.CreateRun(ctx, run)
	require.NoError(t, err)

	req := &ApprovalRequest{
		ID: uuid.NewString(), RunID: run.ID, StepID: "review",
		Message: "check this", OnTimeout: "abort",
		TimeoutAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.CreateApproval(ctx, req))

	changed, err := s.ResolveApproval(ctx, req.ID, ApprovalApproved, "alice", "lgtm", nil)
	require.NoError(t, err)
	assert.True(t, changed)

	// A second resolution is a no-op.
	changed, err = s.ResolveApproval(ctx, req.ID, ApprovalRejected, "bob", "no", nil)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, got.Status)
	assert.Equal(t, "alice", got.ReviewerID)
	assert.False(t, got.ResolvedAt.IsZero())
}

func TestExpiredApprovals(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	run := &Run{ID: uuid.NewString(), WorkflowName: "demo", Status: RunRunning}
	_, _, err := s.CreateRun(ctx, run)
	require.NoError(t, err)

	expired := &ApprovalRequest{
		ID: uuid.NewString(), RunID: run.ID, StepID: "review",
		OnTimeout: "skip", TimeoutAt: time.Now().Add(-time.Minute),
	}
	fresh := &ApprovalRequest{
		ID: uuid.NewString(), RunID: run.ID, StepID: "review2",
		OnTimeout: "abort", TimeoutAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.CreateApproval(ctx, expired))
	require.NoError(t, s.CreateApproval(ctx, fresh))

	got, err := s.ExpiredApprovals(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, expired.ID, got[0].ID)
}

func TestWorkflowVersioning(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	v1, err := s.SaveWorkflowVersion(ctx, "demo", "name: demo\nsteps: []\n")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, VersionDraft, v1.Status)

	// Identical content does not create a new version.
	same, err := s.SaveWorkflowVersion(ctx, "demo", "name: demo\nsteps: []\n")
	require.NoError(t, err)
	assert.Equal(t, v1.Version, same.Version)

	v2, err := s.SaveWorkflowVersion(ctx, "demo", "name: demo\nsteps: [changed]\n")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	require.NoError(t, s.PromoteWorkflowVersion(ctx, "demo", 1))
	require.NoError(t, s.PromoteWorkflowVersion(ctx, "demo", 2))

	// Exactly one production version per name.
	prod, err := s.ProductionWorkflowVersion(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 2, prod.Version)

	old, err := s.LatestWorkflowVersion(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 2, old.Version)
}

func TestDeadLetterResolution(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	run := &Run{ID: uuid.NewString(), WorkflowName: "demo", Status: RunFailed}
	_, _, err := s.CreateRun(ctx, run)
	require.NoError(t, err)

	item := &DeadLetterItem{
		ID: uuid.NewString(), RunID: run.ID, StepID: "broken",
		ParallelIndex: -1, Error: "boom", Attempts: 3,
		Input: map[string]any{"prompt": "do the thing"},
	}
	require.NoError(t, s.SaveDeadLetter(ctx, item))

	items, err := s.DeadLetters(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "boom", items[0].Error)
	assert.True(t, items[0].ResolvedAt.IsZero())

	require.NoError(t, s.ResolveDeadLetter(ctx, item.ID, "operator"))
	items, err = s.DeadLetters(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "operator", items[0].ResolvedBy)
	assert.False(t, items[0].ResolvedAt.IsZero())
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	value, err := s.Setting(ctx, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", value)

	require.NoError(t, s.PutSetting(ctx, "mode", "local"))
	require.NoError(t, s.PutSetting(ctx, "mode", "cloud"))
	value, err = s.Setting(ctx, "mode", "")
	require.NoError(t, err)
	assert.Equal(t, "cloud", value)
}
