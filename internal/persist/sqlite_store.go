package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/dbutil"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/types"
)

type sqliteStore struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Open opens (creating if necessary) the embedded SQLite store at dbPath and
// ensures its schema is present.
func Open(dbPath string, log *logger.Logger) (Store, error) {
	raw, err := dbutil.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence database: %w", err)
	}
	s := &sqliteStore{db: sqlx.NewDb(raw, "sqlite3"), log: log}
	if err := s.initSchema(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to initialize persistence schema: %w", err)
	}
	if log != nil {
		log.Info("persistence store initialized", zap.String("path", dbPath))
	}
	return s, nil
}

func (s *sqliteStore) Close() error {
	// PRAGMA optimize updates query planner statistics before shutdown.
	_, _ = s.db.Exec("PRAGMA optimize")
	return s.db.Close()
}

func (s *sqliteStore) SaveJob(ctx context.Context, job *types.BackgroundJob) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO background_tasks (
			id, prompt, workspace, task_id, status, started_at, ended_at,
			sandbox_id, result, error, progress, session_id, pending_question, diff_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, ended_at=excluded.ended_at, sandbox_id=excluded.sandbox_id,
			result=excluded.result, error=excluded.error, progress=excluded.progress,
			session_id=excluded.session_id, pending_question=excluded.pending_question,
			diff_id=excluded.diff_id
	`), job.ID, job.Prompt, job.Workspace, job.TaskID, string(job.Status), job.StartedAt,
		job.EndedAt, job.SandboxID, job.Result, job.Error, job.Progress, job.SessionID,
		job.PendingQuestion, job.PatchID)
	if err != nil {
		return fmt.Errorf("failed to save background job: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*types.BackgroundJob, error) {
	row := jobRow{}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, prompt, workspace, task_id, status, started_at, ended_at,
		       sandbox_id, result, error, progress, session_id, pending_question, diff_id
		FROM background_tasks WHERE id = ?
	`), id)
	if err != nil {
		return nil, err
	}
	return row.toJob(), nil
}

func (s *sqliteStore) ListIncompleteJobs(ctx context.Context) ([]*types.BackgroundJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, prompt, workspace, task_id, status, started_at, ended_at,
		       sandbox_id, result, error, progress, session_id, pending_question, diff_id
		FROM background_tasks WHERE status NOT IN ('completed', 'failed')
		ORDER BY started_at ASC
	`))
	if err != nil {
		return nil, err
	}
	jobs := make([]*types.BackgroundJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

type jobRow struct {
	ID              string     `db:"id"`
	Prompt          string     `db:"prompt"`
	Workspace       string     `db:"workspace"`
	TaskID          string     `db:"task_id"`
	Status          string     `db:"status"`
	StartedAt       time.Time  `db:"started_at"`
	EndedAt         *time.Time `db:"ended_at"`
	SandboxID       string     `db:"sandbox_id"`
	Result          string     `db:"result"`
	Error           string     `db:"error"`
	Progress        string     `db:"progress"`
	SessionID       string     `db:"session_id"`
	PendingQuestion string     `db:"pending_question"`
	DiffID          string     `db:"diff_id"`
}

func (r *jobRow) toJob() *types.BackgroundJob {
	return &types.BackgroundJob{
		ID:              r.ID,
		Prompt:          r.Prompt,
		Workspace:       r.Workspace,
		TaskID:          r.TaskID,
		Status:          types.JobStatus(r.Status),
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		SandboxID:       r.SandboxID,
		Result:          r.Result,
		Error:           r.Error,
		Progress:        r.Progress,
		SessionID:       r.SessionID,
		PendingQuestion: r.PendingQuestion,
		PatchID:         r.DiffID,
	}
}

func (s *sqliteStore) SavePatch(ctx context.Context, patch *types.Patch) error {
	filesJSON, err := json.Marshal(patch.Files)
	if err != nil {
		return fmt.Errorf("failed to serialize patch files: %w", err)
	}
	statsJSON, err := json.Marshal(patch.Stats)
	if err != nil {
		return fmt.Errorf("failed to serialize patch stats: %w", err)
	}
	binaryJSON, err := json.Marshal(patch.BinaryPaths)
	if err != nil {
		return fmt.Errorf("failed to serialize patch binary paths: %w", err)
	}
	historyJSON, err := json.Marshal(patch.RevisionHistory)
	if err != nil {
		return fmt.Errorf("failed to serialize patch revision history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO git_diffs (
			id, sandbox_id, diff_text, summary, files, stats, created_at, binary_paths,
			workspace, session_id, task_id, status, applied_to, is_revision, parent_diff_id,
			revision_number, revision_history
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, applied_to=excluded.applied_to,
			revision_number=excluded.revision_number, revision_history=excluded.revision_history
	`), patch.ID, patch.SandboxID, patch.DiffText, patch.Summary, string(filesJSON),
		string(statsJSON), patch.CreatedAt, string(binaryJSON), patch.Workspace,
		patch.SessionID, patch.TaskID, string(patch.Status), patch.AppliedTo,
		patch.IsRevision, patch.ParentDiffID, patch.RevisionNumber, string(historyJSON))
	if err != nil {
		return fmt.Errorf("failed to save patch: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetPatch(ctx context.Context, id string) (*types.Patch, error) {
	row := patchRow{}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, sandbox_id, diff_text, summary, files, stats, created_at, binary_paths,
		       workspace, session_id, task_id, status, applied_to, is_revision, parent_diff_id,
		       revision_number, revision_history
		FROM git_diffs WHERE id = ?
	`), id)
	if err != nil {
		return nil, err
	}
	return row.toPatch()
}

func (s *sqliteStore) ListPendingPatches(ctx context.Context) ([]*types.Patch, error) {
	var rows []patchRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, sandbox_id, diff_text, summary, files, stats, created_at, binary_paths,
		       workspace, session_id, task_id, status, applied_to, is_revision, parent_diff_id,
		       revision_number, revision_history
		FROM git_diffs WHERE status = 'pending' ORDER BY created_at DESC
	`))
	if err != nil {
		return nil, err
	}
	patches := make([]*types.Patch, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPatch()
		if err != nil {
			return nil, err
		}
		patches = append(patches, p)
	}
	return patches, nil
}

func (s *sqliteStore) UpdatePatchStatus(ctx context.Context, id string, status types.PatchStatus, appliedTo string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE git_diffs SET status = ?, applied_to = ? WHERE id = ?
	`), string(status), appliedTo, id)
	if err != nil {
		return fmt.Errorf("failed to update patch status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type patchRow struct {
	ID              string    `db:"id"`
	SandboxID       string    `db:"sandbox_id"`
	DiffText        string    `db:"diff_text"`
	Summary         string    `db:"summary"`
	Files           string    `db:"files"`
	Stats           string    `db:"stats"`
	CreatedAt       time.Time `db:"created_at"`
	BinaryPaths     string    `db:"binary_paths"`
	Workspace       string    `db:"workspace"`
	SessionID       string    `db:"session_id"`
	TaskID          string    `db:"task_id"`
	Status          string    `db:"status"`
	AppliedTo       string    `db:"applied_to"`
	IsRevision      bool      `db:"is_revision"`
	ParentDiffID    string    `db:"parent_diff_id"`
	RevisionNumber  int       `db:"revision_number"`
	RevisionHistory string    `db:"revision_history"`
}

func (r *patchRow) toPatch() (*types.Patch, error) {
	p := &types.Patch{
		ID:             r.ID,
		SandboxID:      r.SandboxID,
		DiffText:       r.DiffText,
		Summary:        r.Summary,
		CreatedAt:      r.CreatedAt,
		Workspace:      r.Workspace,
		SessionID:      r.SessionID,
		TaskID:         r.TaskID,
		Status:         types.PatchStatus(r.Status),
		AppliedTo:      r.AppliedTo,
		IsRevision:     r.IsRevision,
		ParentDiffID:   r.ParentDiffID,
		RevisionNumber: r.RevisionNumber,
	}
	if err := json.Unmarshal([]byte(r.Files), &p.Files); err != nil {
		return nil, fmt.Errorf("failed to deserialize patch files: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Stats), &p.Stats); err != nil {
		return nil, fmt.Errorf("failed to deserialize patch stats: %w", err)
	}
	if err := json.Unmarshal([]byte(r.BinaryPaths), &p.BinaryPaths); err != nil {
		return nil, fmt.Errorf("failed to deserialize patch binary paths: %w", err)
	}
	if err := json.Unmarshal([]byte(r.RevisionHistory), &p.RevisionHistory); err != nil {
		return nil, fmt.Errorf("failed to deserialize patch revision history: %w", err)
	}
	return p, nil
}

func (s *sqliteStore) SaveSandboxRecord(ctx context.Context, rec *types.SandboxRecord) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO containers (
			id, name, docker_container_id, task_id, pool_status, lifecycle_status,
			created_at, last_used_at, workspace_configured, auth_configured, workspace_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pool_status=excluded.pool_status, lifecycle_status=excluded.lifecycle_status,
			last_used_at=excluded.last_used_at, workspace_configured=excluded.workspace_configured,
			auth_configured=excluded.auth_configured, workspace_path=excluded.workspace_path
	`), rec.ID, rec.Name, rec.DockerContainerID, rec.TaskID, string(rec.PoolStatus),
		string(rec.LifecycleStatus), rec.CreatedAt, rec.LastUsedAt, rec.WorkspaceConfigured,
		rec.AuthConfigured, rec.WorkspacePath)
	if err != nil {
		return fmt.Errorf("failed to save sandbox record: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetSandboxRecord(ctx context.Context, id string) (*types.SandboxRecord, error) {
	rec := types.SandboxRecord{}
	var poolStatus, lifecycleStatus string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, name, docker_container_id, task_id, pool_status, lifecycle_status,
		       created_at, last_used_at, workspace_configured, auth_configured, workspace_path
		FROM containers WHERE id = ?
	`), id).Scan(&rec.ID, &rec.Name, &rec.DockerContainerID, &rec.TaskID, &poolStatus,
		&lifecycleStatus, &rec.CreatedAt, &rec.LastUsedAt, &rec.WorkspaceConfigured,
		&rec.AuthConfigured, &rec.WorkspacePath)
	if err != nil {
		return nil, err
	}
	rec.PoolStatus = types.PoolStatus(poolStatus)
	rec.LifecycleStatus = types.LifecycleStatus(lifecycleStatus)
	return &rec, nil
}

func (s *sqliteStore) ListActiveSandboxRecords(ctx context.Context) ([]*types.SandboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, name, docker_container_id, task_id, pool_status, lifecycle_status,
		       created_at, last_used_at, workspace_configured, auth_configured, workspace_path
		FROM containers WHERE pool_status != 'error' ORDER BY last_used_at DESC
	`))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*types.SandboxRecord
	for rows.Next() {
		rec := types.SandboxRecord{}
		var poolStatus, lifecycleStatus string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.DockerContainerID, &rec.TaskID, &poolStatus,
			&lifecycleStatus, &rec.CreatedAt, &rec.LastUsedAt, &rec.WorkspaceConfigured,
			&rec.AuthConfigured, &rec.WorkspacePath); err != nil {
			return nil, err
		}
		rec.PoolStatus = types.PoolStatus(poolStatus)
		rec.LifecycleStatus = types.LifecycleStatus(lifecycleStatus)
		result = append(result, &rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) SaveLogReference(ctx context.Context, ref *LogReference) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO execution_logs (id, job_id, task_id, path, created_at) VALUES (?, ?, ?, ?, ?)
	`), ref.ID, ref.JobID, ref.TaskID, ref.Path, ref.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save log reference: %w", err)
	}
	return nil
}

// PruneOlderThan deletes terminal-state rows older than age across every
// table, returning the total number of rows removed.
func (s *sqliteStore) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	var total int64

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM background_tasks WHERE status IN ('completed', 'failed') AND started_at < ?
	`), cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to prune background jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM git_diffs WHERE status IN ('applied', 'rejected') AND created_at < ?
	`), cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to prune patches: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM containers WHERE pool_status = 'error' AND last_used_at < ?
	`), cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to prune sandbox records: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM execution_logs WHERE created_at < ?
	`), cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to prune execution logs: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	return total, nil
}
