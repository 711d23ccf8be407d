// Package approval implements the human-approval gate state machine.
//
// A pending request blocks its run until an external reviewer decision or
// the timeout sweeper resolves it. Terminal transitions are irreversible;
// resolving an already-terminal request returns the current state.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gizmax/sandcastle/internal/store"
	"github.com/gizmax/sandcastle/pkg/events"
)

// Decisions accepted by Resolve.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
	DecisionSkipped  = "skipped"
	DecisionEdited   = "edited"
)

// Timeout policies.
const (
	OnTimeoutAbort = "abort"
	OnTimeoutSkip  = "skip"
)

// Gate creates, resolves, and sweeps approval requests.
type Gate struct {
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a gate over the store and event bus.
func NewGate(st *store.Store, bus *events.Bus, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, bus: bus, logger: logger, now: time.Now}
}

// CreateRequest describes a new approval gate.
type CreateRequest struct {
	RunID        string
	StepID       string
	Message      string
	RequestData  map[string]any
	TimeoutHours float64
	OnTimeout    string
	AllowEdit    bool
}

// Create persists a pending request and emits a step.started event
// carrying the approval metadata.
func (g *Gate) Create(ctx context.Context, req CreateRequest) (*store.ApprovalRequest, error) {
	if req.OnTimeout == "" {
		req.OnTimeout = OnTimeoutAbort
	}
	if req.TimeoutHours <= 0 {
		req.TimeoutHours = 24
	}
	record := &store.ApprovalRequest{
		ID:          uuid.NewString(),
		RunID:       req.RunID,
		StepID:      req.StepID,
		Status:      store.ApprovalPending,
		Message:     req.Message,
		RequestData: req.RequestData,
		TimeoutAt:   g.now().UTC().Add(time.Duration(req.TimeoutHours * float64(time.Hour))),
		OnTimeout:   req.OnTimeout,
		AllowEdit:   req.AllowEdit,
	}
	if err := g.store.CreateApproval(ctx, record); err != nil {
		return nil, err
	}

	if g.bus != nil {
		g.bus.Publish(events.StepStarted, map[string]any{
			"run_id":      req.RunID,
			"step_id":     req.StepID,
			"approval_id": record.ID,
			"message":     req.Message,
			"timeout_at":  record.TimeoutAt.Format(time.RFC3339),
		})
	}
	g.logger.Info("approval gate opened",
		"run_id", req.RunID, "step_id", req.StepID, "approval_id", record.ID)
	return record, nil
}

// Resolution is the reviewer's decision.
type Resolution struct {
	Decision   string
	ReviewerID string
	Comment    string
	EditedData map[string]any
}

// Resolve applies a reviewer decision. Idempotent on terminal requests:
// the stored state is returned unchanged.
func (g *Gate) Resolve(ctx context.Context, approvalID string, res Resolution) (*store.ApprovalRequest, error) {
	current, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, nil
	}

	var status store.ApprovalStatus
	var responseData map[string]any
	switch res.Decision {
	case DecisionApproved:
		status = store.ApprovalApproved
	case DecisionEdited:
		if !current.AllowEdit {
			return nil, fmt.Errorf("approval %s does not allow edits", approvalID)
		}
		status = store.ApprovalApproved
		responseData = res.EditedData
	case DecisionRejected:
		status = store.ApprovalRejected
	case DecisionSkipped:
		status = store.ApprovalSkipped
	default:
		return nil, fmt.Errorf("unknown approval decision %q", res.Decision)
	}

	changed, err := g.store.ResolveApproval(ctx, approvalID, status, res.ReviewerID, res.Comment, responseData)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Lost a race with another resolver; return whatever won.
		return g.store.GetApproval(ctx, approvalID)
	}
	g.logger.Info("approval resolved",
		"approval_id", approvalID, "decision", res.Decision, "reviewer", res.ReviewerID)
	return g.store.GetApproval(ctx, approvalID)
}

// Output returns the value that flows downstream from a resolved gate:
// edited data when present, otherwise the request snapshot. Skipped and
// timed-out-skip gates yield nil.
func Output(req *store.ApprovalRequest) any {
	switch req.Status {
	case store.ApprovalApproved:
		if req.ResponseData != nil {
			return map[string]any(req.ResponseData)
		}
		if req.RequestData != nil {
			return map[string]any(req.RequestData)
		}
		return map[string]any{"approved": true}
	default:
		return nil
	}
}

// SweepTimeouts transitions expired pending requests to timed_out and
// returns them so the driver can apply each gate's on_timeout policy.
func (g *Gate) SweepTimeouts(ctx context.Context) ([]*store.ApprovalRequest, error) {
	expired, err := g.store.ExpiredApprovals(ctx, g.now())
	if err != nil {
		return nil, err
	}
	var swept []*store.ApprovalRequest
	for _, req := range expired {
		changed, err := g.store.ResolveApproval(ctx, req.ID, store.ApprovalTimedOut, "", "timeout", nil)
		if err != nil {
			g.logger.Warn("approval timeout sweep failed", "approval_id", req.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		resolved, err := g.store.GetApproval(ctx, req.ID)
		if err != nil {
			continue
		}
		swept = append(swept, resolved)
		g.logger.Info("approval timed out",
			"approval_id", req.ID, "run_id", req.RunID, "on_timeout", req.OnTimeout)
	}
	return swept, nil
}
