package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/gizmax/sandcastle/pkg/errors"
)

// VersionStatus enumerates workflow version lifecycle states.
type VersionStatus string

const (
	VersionDraft      VersionStatus = "draft"
	VersionStaging    VersionStatus = "staging"
	VersionProduction VersionStatus = "production"
	VersionArchived   VersionStatus = "archived"
)

// WorkflowVersion is one immutable snapshot of a workflow definition.
type WorkflowVersion struct {
	ID        string
	Name      string
	Version   int
	Status    VersionStatus
	Content   string
	Checksum  string
	CreatedAt time.Time
}

// Checksum computes the content identity of a workflow definition.
func Checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// SaveWorkflowVersion stores a new draft version with the next version
// number for the name. Identical content to the latest version is not
// re-stored; the existing version is returned.
func (s *Store) SaveWorkflowVersion(ctx context.Context, name, content string) (*WorkflowVersion, error) {
	checksum := Checksum(content)

	latest, err := s.LatestWorkflowVersion(ctx, name)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Checksum == checksum {
		return latest, nil
	}

	next := 1
	if latest != nil {
		next = latest.Version + 1
	}
	wv := &WorkflowVersion{
		ID:        uuid.NewString(),
		Name:      name,
		Version:   next,
		Status:    VersionDraft,
		Content:   content,
		Checksum:  checksum,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_versions (id, name, version, status, content, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wv.ID, wv.Name, wv.Version, string(wv.Status), wv.Content, wv.Checksum,
		wv.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return wv, nil
}

// LatestWorkflowVersion returns the highest version for a name, or nil.
func (s *Store) LatestWorkflowVersion(ctx context.Context, name string) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, status, content, checksum, created_at
		FROM workflow_versions WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	wv, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return wv, err
}

// ProductionWorkflowVersion returns the single live production version.
func (s *Store) ProductionWorkflowVersion(ctx context.Context, name string) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, status, content, checksum, created_at
		FROM workflow_versions WHERE name = ? AND status = ?`, name, string(VersionProduction))
	wv, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pkgerrors.NotFoundError{Resource: "workflow version", ID: name}
	}
	return wv, err
}

func scanVersion(row rowScanner) (*WorkflowVersion, error) {
	var wv WorkflowVersion
	var status string
	var createdAt sql.NullString
	err := row.Scan(&wv.ID, &wv.Name, &wv.Version, &status, &wv.Content, &wv.Checksum, &createdAt)
	if err != nil {
		return nil, err
	}
	wv.Status = VersionStatus(status)
	wv.CreatedAt = parseTime(createdAt)
	return &wv, nil
}

// PromoteWorkflowVersion moves a version to production, archiving any
// previous production version of the same name so exactly one stays live.
func (s *Store) PromoteWorkflowVersion(ctx context.Context, name string, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_versions SET status = ?
		WHERE name = ? AND status = ?`,
		string(VersionArchived), name, string(VersionProduction)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE workflow_versions SET status = ?
		WHERE name = ? AND version = ?`,
		string(VersionProduction), name, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &pkgerrors.NotFoundError{Resource: "workflow version", ID: name}
	}
	return tx.Commit()
}

// Setting reads a settings value, returning the fallback when absent.
func (s *Store) Setting(ctx context.Context, key, fallback string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var value sql.NullString
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	return value.String, nil
}

// PutSetting upserts a settings value.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Schedule is a persisted cron schedule for a workflow.
type Schedule struct {
	ID             string
	WorkflowName   string
	CronExpression string
	Input          map[string]any
	Enabled        bool
	TenantID       string
	LastRunID      string
	CreatedAt      time.Time
}

// EnabledSchedules lists schedules that are active.
func (s *Store) EnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_name, cron_expression, input_data, enabled, tenant_id,
			last_run_id, created_at
		FROM schedules WHERE enabled = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		var sched Schedule
		var input, tenant, lastRun, createdAt sql.NullString
		var enabled int
		if err := rows.Scan(&sched.ID, &sched.WorkflowName, &sched.CronExpression,
			&input, &enabled, &tenant, &lastRun, &createdAt); err != nil {
			return nil, err
		}
		sched.Enabled = enabled != 0
		sched.TenantID = tenant.String
		sched.LastRunID = lastRun.String
		sched.CreatedAt = parseTime(createdAt)
		if err := unmarshalJSON(input, &sched.Input); err != nil {
			return nil, err
		}
		schedules = append(schedules, &sched)
	}
	return schedules, rows.Err()
}

// MarkScheduleRun records the last run dispatched for a schedule.
func (s *Store) MarkScheduleRun(ctx context.Context, scheduleID, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_id = ? WHERE id = ?`, runID, scheduleID)
	return err
}

// APIKey is a hashed tenant credential with an optional per-run budget cap.
type APIKey struct {
	ID               string
	KeyHash          string
	KeyPrefix        string
	TenantID         string
	Name             string
	IsActive         bool
	MaxCostPerRunUSD float64
	CreatedAt        time.Time
	LastUsedAt       time.Time
}

// SaveAPIKey inserts an API key row.
func (s *Store) SaveAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, key_prefix, tenant_id, name, is_active,
			max_cost_per_run_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, nullString(key.TenantID), key.Name,
		boolInt(key.IsActive), nullFloat(key.MaxCostPerRunUSD),
		key.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// APIKeyByHash looks an active key up by its SHA-256 hash and stamps
// last_used_at.
func (s *Store) APIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, key_prefix, tenant_id, name, is_active,
			max_cost_per_run_usd, created_at, last_used_at
		FROM api_keys WHERE key_hash = ? AND is_active = 1`, keyHash)

	var key APIKey
	var tenant, createdAt, lastUsed sql.NullString
	var active int
	var maxCost sql.NullFloat64
	err := row.Scan(&key.ID, &key.KeyHash, &key.KeyPrefix, &tenant, &key.Name,
		&active, &maxCost, &createdAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pkgerrors.NotFoundError{Resource: "api key", ID: keyHash[:8]}
	}
	if err != nil {
		return nil, err
	}
	key.TenantID = tenant.String
	key.IsActive = active != 0
	key.MaxCostPerRunUSD = maxCost.Float64
	key.CreatedAt = parseTime(createdAt)
	key.LastUsedAt = parseTime(lastUsed)

	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), key.ID); err != nil {
		return nil, err
	}
	return &key, nil
}

// SaveSchedule inserts a schedule row.
func (s *Store) SaveSchedule(ctx context.Context, sched *Schedule) error {
	input, err := marshalJSON(sched.Input)
	if err != nil {
		return err
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, workflow_name, cron_expression, input_data,
			enabled, tenant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowName, sched.CronExpression, input,
		boolInt(sched.Enabled), nullString(sched.TenantID),
		sched.CreatedAt.Format(time.RFC3339Nano))
	return err
}
