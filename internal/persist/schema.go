package persist

const schemaSQL = `
CREATE TABLE IF NOT EXISTS background_tasks (
	id TEXT PRIMARY KEY,
	prompt TEXT NOT NULL,
	workspace TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'started',
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	sandbox_id TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	progress TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	pending_question TEXT NOT NULL DEFAULT '',
	diff_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_background_tasks_status ON background_tasks(status);
CREATE INDEX IF NOT EXISTS idx_background_tasks_task_id ON background_tasks(task_id);

CREATE TABLE IF NOT EXISTS git_diffs (
	id TEXT PRIMARY KEY,
	sandbox_id TEXT NOT NULL DEFAULT '',
	diff_text TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	files TEXT NOT NULL DEFAULT '[]',
	stats TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	binary_paths TEXT NOT NULL DEFAULT '[]',
	workspace TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	applied_to TEXT NOT NULL DEFAULT '',
	is_revision INTEGER NOT NULL DEFAULT 0,
	parent_diff_id TEXT NOT NULL DEFAULT '',
	revision_number INTEGER NOT NULL DEFAULT 0,
	revision_history TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_git_diffs_status ON git_diffs(status);
CREATE INDEX IF NOT EXISTS idx_git_diffs_task_id ON git_diffs(task_id);

CREATE TABLE IF NOT EXISTS containers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	docker_container_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	pool_status TEXT NOT NULL DEFAULT 'creating',
	lifecycle_status TEXT NOT NULL DEFAULT 'stopped',
	created_at TIMESTAMP NOT NULL,
	last_used_at TIMESTAMP NOT NULL,
	workspace_configured INTEGER NOT NULL DEFAULT 0,
	auth_configured INTEGER NOT NULL DEFAULT 0,
	workspace_path TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_containers_pool_status ON containers(pool_status);
CREATE INDEX IF NOT EXISTS idx_containers_task_id ON containers(task_id);

CREATE TABLE IF NOT EXISTS execution_logs (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_job_id ON execution_logs(job_id);
CREATE INDEX IF NOT EXISTS idx_execution_logs_task_id ON execution_logs(task_id);
`

func (s *sqliteStore) initSchema() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}
