package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	pkgerrors "github.com/gizmax/sandcastle/pkg/errors"
)

// ApprovalStatus enumerates approval request states.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalSkipped  ApprovalStatus = "skipped"
	ApprovalTimedOut ApprovalStatus = "timed_out"
)

// Terminal reports whether an approval status is final.
func (s ApprovalStatus) Terminal() bool { return s != ApprovalPending }

// ApprovalRequest is a persisted human-approval gate.
type ApprovalRequest struct {
	ID              string
	RunID           string
	StepID          string
	Status          ApprovalStatus
	Message         string
	RequestData     map[string]any
	ResponseData    map[string]any
	ReviewerID      string
	ReviewerComment string
	TimeoutAt       time.Time
	OnTimeout       string // "abort" | "skip"
	AllowEdit       bool
	CreatedAt       time.Time
	ResolvedAt      time.Time
}

// CreateApproval inserts a pending approval request.
func (s *Store) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	request, err := marshalJSON(req.RequestData)
	if err != nil {
		return err
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Status == "" {
		req.Status = ApprovalPending
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, run_id, step_id, status, message,
			request_data, timeout_at, on_timeout, allow_edit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RunID, req.StepID, string(req.Status), req.Message,
		request, nullTime(req.TimeoutAt), req.OnTimeout, boolInt(req.AllowEdit),
		req.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetApproval fetches an approval request by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, step_id, status, message, request_data, response_data,
			reviewer_id, reviewer_comment, timeout_at, on_timeout, allow_edit,
			created_at, resolved_at
		FROM approval_requests WHERE id = ?`, id)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pkgerrors.NotFoundError{Resource: "approval", ID: id}
	}
	return req, err
}

func scanApproval(row rowScanner) (*ApprovalRequest, error) {
	var req ApprovalRequest
	var status, onTimeout string
	var request, response, reviewer, comment sql.NullString
	var timeoutAt, createdAt, resolvedAt sql.NullString
	var allowEdit int
	err := row.Scan(&req.ID, &req.RunID, &req.StepID, &status, &req.Message,
		&request, &response, &reviewer, &comment, &timeoutAt, &onTimeout,
		&allowEdit, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	req.Status = ApprovalStatus(status)
	req.OnTimeout = onTimeout
	req.ReviewerID = reviewer.String
	req.ReviewerComment = comment.String
	req.AllowEdit = allowEdit != 0
	req.TimeoutAt = parseTime(timeoutAt)
	req.CreatedAt = parseTime(createdAt)
	req.ResolvedAt = parseTime(resolvedAt)
	if err := unmarshalJSON(request, &req.RequestData); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(response, &req.ResponseData); err != nil {
		return nil, err
	}
	return &req, nil
}

// ResolveApproval transitions a pending approval to a terminal state.
// It reports whether the transition happened; a request that is already
// terminal is left untouched.
func (s *Store) ResolveApproval(ctx context.Context, id string, status ApprovalStatus, reviewerID, comment string, responseData map[string]any) (bool, error) {
	response, err := marshalJSON(responseData)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, reviewer_id = ?, reviewer_comment = ?, response_data = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		string(status), nullString(reviewerID), nullString(comment), response,
		time.Now().UTC().Format(time.RFC3339Nano), id, string(ApprovalPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PendingApproval returns the pending approval for a run, or nil.
func (s *Store) PendingApproval(ctx context.Context, runID string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, step_id, status, message, request_data, response_data,
			reviewer_id, reviewer_comment, timeout_at, on_timeout, allow_edit,
			created_at, resolved_at
		FROM approval_requests WHERE run_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`, runID, string(ApprovalPending))
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

// ExpiredApprovals lists pending approvals whose timeout has passed.
func (s *Store) ExpiredApprovals(ctx context.Context, now time.Time) ([]*ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, status, message, request_data, response_data,
			reviewer_id, reviewer_comment, timeout_at, on_timeout, allow_edit,
			created_at, resolved_at
		FROM approval_requests
		WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at <= ?`,
		string(ApprovalPending), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}
