package store

import "context"

// schema creates all tables in dependency order. Checkpoint ("time
// machine") tables precede workflow_versions. Statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	workflow_version INTEGER,
	status TEXT NOT NULL DEFAULT 'queued',
	input_data TEXT,
	output_data TEXT,
	total_cost_usd REAL NOT NULL DEFAULT 0,
	started_at TEXT,
	completed_at TEXT,
	error TEXT,
	callback_url TEXT,
	tenant_id TEXT,
	idempotency_key TEXT,
	max_cost_usd REAL,
	parent_run_id TEXT REFERENCES runs(id) ON DELETE SET NULL,
	sub_workflow_of_step TEXT,
	replay_from_step TEXT,
	fork_changes TEXT,
	depth INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency
	ON runs(tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id);

CREATE TABLE IF NOT EXISTS run_steps (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	step_id TEXT NOT NULL,
	parallel_index INTEGER,
	status TEXT NOT NULL DEFAULT 'pending',
	input_prompt TEXT,
	output_data TEXT,
	cost_usd REAL NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	attempt INTEGER NOT NULL DEFAULT 1,
	error TEXT,
	model TEXT,
	sub_run_ids TEXT,
	policy_violations_count INTEGER NOT NULL DEFAULT 0,
	policy_actions TEXT,
	started_at TEXT,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_run_steps_run ON run_steps(run_id);
CREATE INDEX IF NOT EXISTS idx_run_steps_step_status ON run_steps(step_id, status);

CREATE TABLE IF NOT EXISTS run_checkpoints (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	stage_index INTEGER NOT NULL,
	step_outputs TEXT,
	costs TEXT,
	created_at TEXT NOT NULL,
	UNIQUE(run_id, stage_index)
);

CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	step_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	message TEXT NOT NULL DEFAULT '',
	request_data TEXT,
	response_data TEXT,
	reviewer_id TEXT,
	reviewer_comment TEXT,
	timeout_at TEXT,
	on_timeout TEXT NOT NULL DEFAULT 'abort',
	allow_edit INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	resolved_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_requests(status);

CREATE TABLE IF NOT EXISTS step_cache (
	cache_key TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	step_id TEXT NOT NULL,
	model TEXT NOT NULL,
	output_data TEXT,
	cost_usd REAL NOT NULL DEFAULT 0,
	hit_count INTEGER NOT NULL DEFAULT 0,
	expires_at TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS autopilot_experiments (
	id TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	step_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	optimize_for TEXT NOT NULL DEFAULT 'quality',
	config TEXT,
	deployed_variant_id TEXT,
	created_at TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_experiments_key
	ON autopilot_experiments(workflow_name, step_id, status);

CREATE TABLE IF NOT EXISTS autopilot_samples (
	id TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL REFERENCES autopilot_experiments(id) ON DELETE CASCADE,
	run_id TEXT,
	variant_id TEXT NOT NULL,
	variant_config TEXT,
	output_data TEXT,
	quality_score REAL,
	cost_usd REAL NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_experiment ON autopilot_samples(experiment_id);

CREATE TABLE IF NOT EXISTS routing_decisions (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	step_id TEXT NOT NULL,
	selected_model TEXT NOT NULL,
	variant_id TEXT,
	reason TEXT,
	budget_pressure REAL NOT NULL DEFAULT 0,
	confidence REAL NOT NULL DEFAULT 0,
	alternatives TEXT,
	slo TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_violations (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	step_id TEXT NOT NULL,
	policy_id TEXT NOT NULL,
	severity TEXT NOT NULL DEFAULT 'medium',
	trigger_details TEXT,
	action_taken TEXT,
	output_modified INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	step_id TEXT NOT NULL,
	parallel_index INTEGER,
	error TEXT,
	input_data TEXT,
	attempts INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	resolved_at TEXT,
	resolved_by TEXT
);

CREATE TABLE IF NOT EXISTS workflow_versions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	content TEXT NOT NULL,
	checksum TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(name, version)
);
CREATE INDEX IF NOT EXISTS idx_versions_name_status ON workflow_versions(name, status);

CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	cron_expression TEXT NOT NULL,
	input_data TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	tenant_id TEXT,
	last_run_id TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL DEFAULT '',
	tenant_id TEXT,
	name TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	max_cost_per_run_usd REAL,
	created_at TEXT NOT NULL,
	last_used_at TEXT
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at TEXT NOT NULL
);
`

func (s *Store) applySchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
