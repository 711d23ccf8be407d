package approval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gizmax/sandcastle/internal/store"
	"github.com/gizmax/sandcastle/pkg/events"
)

func testGate(t *testing.T) (*Gate, *store.Store, *events.Bus) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	bus := events.NewBus(nil)
	return NewGate(s, bus, nil), s, bus
}

func createRun(t *testing.T, s *store.Store) string {
	t.Helper()
	run := &store.Run{ID: uuid.NewString(), WorkflowName: "demo", Status: store.RunRunning}
	_, _, err := s.CreateRun(context.Background(), run)
	require.NoError(t, err)
	return run.ID
}

func TestCreateEmitsEventAndSetsTimeout(t *testing.T) {
	gate, s, bus := testGate(t)
	runID := createRun(t, s)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	req, err := gate.Create(context.Background(), CreateRequest{
		RunID:        runID,
		StepID:       "review",
		Message:      "please check",
		TimeoutHours: 2,
		OnTimeout:    OnTimeoutSkip,
	})
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPending, req.Status)
	assert.InDelta(t, 2*time.Hour.Seconds(), time.Until(req.TimeoutAt).Seconds(), 60)

	event := <-sub.C
	assert.Equal(t, events.StepStarted, event.Kind)
	assert.Equal(t, req.ID, event.Data["approval_id"])
}

func TestResolveApproved(t *testing.T) {
	gate, s, _ := testGate(t)
	runID := createRun(t, s)

	req, err := gate.Create(context.Background(), CreateRequest{
		RunID: runID, StepID: "review", Message: "check",
		RequestData: map[string]any{"score": 0.9},
	})
	require.NoError(t, err)

	resolved, err := gate.Resolve(context.Background(), req.ID, Resolution{
		Decision: DecisionApproved, ReviewerID: "alice", Comment: "lgtm",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ReviewerID)

	// The gate output is the request snapshot.
	output := Output(resolved).(map[string]any)
	assert.Equal(t, 0.9, output["score"])
}

func TestResolveIdempotentOnTerminal(t *testing.T) {
	gate, s, _ := testGate(t)
	runID := createRun(t, s)

	req, err := gate.Create(context.Background(), CreateRequest{
		RunID: runID, StepID: "review", Message: "check",
	})
	require.NoError(t, err)

	first, err := gate.Resolve(context.Background(), req.ID, Resolution{Decision: DecisionRejected, ReviewerID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalRejected, first.Status)

	// A later conflicting decision is a no-op returning the stored state.
	second, err := gate.Resolve(context.Background(), req.ID, Resolution{Decision: DecisionApproved, ReviewerID: "carol"})
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalRejected, second.Status)
	assert.Equal(t, "bob", second.ReviewerID)
}

func TestResolveEdited(t *testing.T) {
	gate, s, _ := testGate(t)
	runID := createRun(t, s)

	req, err := gate.Create(context.Background(), CreateRequest{
		RunID: runID, StepID: "review", Message: "check",
		RequestData: map[string]any{"draft": "v1"},
		AllowEdit:   true,
	})
	require.NoError(t, err)

	resolved, err := gate.Resolve(context.Background(), req.ID, Resolution{
		Decision: DecisionEdited, ReviewerID: "alice",
		EditedData: map[string]any{"draft": "v2"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, resolved.Status)

	output := Output(resolved).(map[string]any)
	assert.Equal(t, "v2", output["draft"])
}

func TestResolveEditedRequiresAllowEdit(t *testing.T) {
	gate, s, _ := testGate(t)
	runID := createRun(t, s)

	req, err := gate.Create(context.Background(), CreateRequest{
		RunID: runID, StepID: "review", Message: "check",
	})
	require.NoError(t, err)

	_, err = gate.Resolve(context.Background(), req.ID, Resolution{
		Decision: DecisionEdited, EditedData: map[string]any{"x": 1},
	})
	require.Error(t, err)
}

func TestSweepTimeouts(t *testing.T) {
	gate, s, _ := testGate(t)
	runID := createRun(t, s)

	req, err := gate.Create(context.Background(), CreateRequest{
		RunID: runID, StepID: "review", Message: "check",
		TimeoutHours: 1, OnTimeout: OnTimeoutSkip,
	})
	require.NoError(t, err)

	// Nothing expired yet.
	swept, err := gate.SweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, swept)

	gate.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	swept, err = gate.SweepTimeouts(context.Background())
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, req.ID, swept[0].ID)
	assert.Equal(t, store.ApprovalTimedOut, swept[0].Status)
	assert.Equal(t, OnTimeoutSkip, swept[0].OnTimeout)

	// Timed-out gates yield a nil output.
	assert.Nil(t, Output(swept[0]))
}
