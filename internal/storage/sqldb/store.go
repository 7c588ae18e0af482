package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
	"github.com/tjfontaine/travel-agent-relay/internal/storage/dialect"
)

const defaultListLimit = 100

// Store is a SQL implementation of ports.StorageProvider that supports
// multiple database dialects. Every cross-process guarantee (one writer per
// thread, first approval decision wins) is enforced by a constraint or a
// conditional update rather than by process memory.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var _ ports.StorageProvider = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	key := s.dialect.KeyType()
	ts := s.dialect.TimestampType()
	text := s.dialect.TextType()

	// MySQL has no CREATE INDEX IF NOT EXISTS, so its indexes are declared inline.
	inline := s.dialect.Name() == "mysql"
	threadIndex, approvalIndex := "", ""
	if inline {
		threadIndex = ",\nINDEX idx_threads_owner (owner, last_activity_at)"
		approvalIndex = ",\nINDEX idx_approvals_pending (resolution, deadline)"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS threads (
id %[1]s PRIMARY KEY,
owner %[1]s NOT NULL,
title %[3]s NOT NULL,
state VARCHAR(32) NOT NULL,
created_at %[2]s NOT NULL,
last_activity_at %[2]s NOT NULL%[4]s
)`, key, ts, text, threadIndex),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS checkpoints (
thread_id %[1]s NOT NULL,
sequence BIGINT NOT NULL,
state_blob %[3]s NOT NULL,
digest VARCHAR(64) NOT NULL,
size BIGINT NOT NULL,
created_at %[2]s NOT NULL,
PRIMARY KEY (thread_id, sequence),
FOREIGN KEY (thread_id) REFERENCES threads(id)
)`, key, ts, s.dialect.BlobType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approvals (
thread_id %[1]s NOT NULL,
sequence BIGINT NOT NULL,
action %[3]s NOT NULL,
requested_at %[2]s NOT NULL,
deadline %[2]s NOT NULL,
resolution VARCHAR(16) NOT NULL,
resolved_at %[2]s NULL,
PRIMARY KEY (thread_id, sequence),
FOREIGN KEY (thread_id) REFERENCES threads(id)%[4]s
)`, key, ts, text, approvalIndex),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS thread_leases (
thread_id %[1]s NOT NULL,
scope VARCHAR(32) NOT NULL,
holder %[1]s NOT NULL,
expires_at BIGINT NOT NULL,
PRIMARY KEY (thread_id, scope)
)`, key),
	}
	if !inline {
		statements = append(statements,
			`CREATE INDEX IF NOT EXISTS idx_threads_owner ON threads(owner, last_activity_at)`,
			`CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approvals(resolution, deadline)`,
		)
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	// Run migrations for existing databases - add columns that may not exist
	return s.runMigrations()
}

func (s *Store) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"threads", "tokens_streamed", "ALTER TABLE threads ADD COLUMN tokens_streamed BIGINT NOT NULL DEFAULT 0"},
	}

	for _, m := range migrations {
		exists, err := s.columnExists(m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to check column %s.%s: %w", m.table, m.column, err)
		}
		if !exists {
			if _, err := s.db.Exec(s.dialect.Rebind(m.ddl)); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	var count int
	query := s.dialect.ColumnExistsQuery()
	err := s.db.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func storageErr(err error, format string, args ...any) error {
	return domain.StorageFailure(err, format, args...)
}

// --- threads ---

const threadColumns = `id, owner, title, state, tokens_streamed, created_at, last_activity_at`

func (s *Store) CreateThread(ctx context.Context, thread *domain.ThreadRecord) error {
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = s.now()
	}
	if thread.LastActivityAt.IsZero() {
		thread.LastActivityAt = thread.CreatedAt
	}

	query := s.dialect.Rebind(`INSERT INTO threads (` + threadColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		thread.ID, thread.Owner, thread.Title, thread.State, thread.TokensStreamed,
		thread.CreatedAt.UTC(), thread.LastActivityAt.UTC())
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return domain.Conflict("thread %s already exists", thread.ID).
				WithCode(domain.ErrorCodeDuplicateThread)
		}
		return storageErr(err, "failed to create thread")
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*domain.ThreadRecord, error) {
	query := s.dialect.Rebind(`SELECT ` + threadColumns + ` FROM threads WHERE id = ?`)

	var thread domain.ThreadRecord
	if err := s.db.GetContext(ctx, &thread, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("thread %s not found", id)
		}
		return nil, storageErr(err, "failed to get thread")
	}
	return &thread, nil
}

func (s *Store) TouchThread(ctx context.Context, id string, state domain.LifecycleState, at time.Time) error {
	query := s.dialect.Rebind(`UPDATE threads SET state = ?, last_activity_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, state, at.UTC(), id)
	if err != nil {
		return storageErr(err, "failed to touch thread")
	}
	return s.requireRow(ctx, res, id)
}

func (s *Store) AddThreadUsage(ctx context.Context, id string, tokens int64) error {
	query := s.dialect.Rebind(`UPDATE threads SET tokens_streamed = tokens_streamed + ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, tokens, id)
	if err != nil {
		return storageErr(err, "failed to add thread usage")
	}
	return s.requireRow(ctx, res, id)
}

// requireRow turns a zero-row update into a not found error. MySQL reports
// zero affected rows for no-op updates, so absence is confirmed with a read.
func (s *Store) requireRow(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "failed to read affected rows")
	}
	if n > 0 {
		return nil
	}
	_, err = s.GetThread(ctx, id)
	return err
}

func (s *Store) ListThreads(ctx context.Context, opts domain.ThreadListOptions) ([]*domain.ThreadRecord, error) {
	query := s.dialect.Rebind(`SELECT ` + threadColumns + ` FROM threads
	          WHERE owner = ?
	          ORDER BY last_activity_at DESC
	          LIMIT ? OFFSET ?`)

	limit := opts.Limit
	if limit == 0 {
		limit = defaultListLimit
	}

	threads := []*domain.ThreadRecord{}
	if err := s.db.SelectContext(ctx, &threads, query, opts.Owner, limit, opts.Offset); err != nil {
		return nil, storageErr(err, "failed to list threads")
	}
	return threads, nil
}

// --- checkpoints ---

func (s *Store) InsertCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	blob := cp.Blob
	if blob == nil {
		blob = []byte{}
	}

	query := s.dialect.Rebind(`INSERT INTO checkpoints (thread_id, sequence, state_blob, digest, size, created_at)
	          VALUES (?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		cp.ThreadID, cp.Sequence, blob, cp.Digest, cp.Size, cp.CreatedAt.UTC())
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return domain.Conflict("checkpoint %s/%d already exists", cp.ThreadID, cp.Sequence).
				WithCode(domain.ErrorCodeConcurrentAppend)
		}
		return storageErr(err, "failed to insert checkpoint")
	}
	return nil
}

func (s *Store) LatestSequence(ctx context.Context, threadID string) (int64, error) {
	query := s.dialect.Rebind(`SELECT COALESCE(MAX(sequence), 0) FROM checkpoints WHERE thread_id = ?`)

	var seq int64
	if err := s.db.GetContext(ctx, &seq, query, threadID); err != nil {
		return 0, storageErr(err, "failed to read latest sequence")
	}
	return seq, nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	query := s.dialect.Rebind(`SELECT thread_id, sequence, state_blob, digest, size, created_at
	          FROM checkpoints WHERE thread_id = ?
	          ORDER BY sequence DESC LIMIT 1`)

	var cp domain.Checkpoint
	if err := s.db.GetContext(ctx, &cp, query, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr(err, "failed to get latest checkpoint")
	}
	return &cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, threadID string) ([]domain.CheckpointMeta, error) {
	query := s.dialect.Rebind(`SELECT thread_id, sequence, digest, size, created_at
	          FROM checkpoints WHERE thread_id = ?
	          ORDER BY sequence ASC`)

	metas := []domain.CheckpointMeta{}
	if err := s.db.SelectContext(ctx, &metas, query, threadID); err != nil {
		return nil, storageErr(err, "failed to list checkpoints")
	}
	return metas, nil
}

func (s *Store) DeleteCheckpointsBefore(ctx context.Context, threadID string, before int64) (int64, error) {
	query := s.dialect.Rebind(`DELETE FROM checkpoints WHERE thread_id = ? AND sequence < ?`)
	res, err := s.db.ExecContext(ctx, query, threadID, before)
	if err != nil {
		return 0, storageErr(err, "failed to delete checkpoints")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(err, "failed to read affected rows")
	}
	return n, nil
}

func (s *Store) ListCompactionCandidates(ctx context.Context, policy domain.RetentionPolicy) ([]string, error) {
	var limits []string
	var args []any
	if policy.KeepLast > 0 {
		limits = append(limits, "COUNT(*) > ?")
		args = append(args, policy.KeepLast)
	}
	if policy.MaxBytes > 0 {
		limits = append(limits, "SUM(size) > ?")
		args = append(args, policy.MaxBytes)
	}
	if len(limits) == 0 {
		return nil, nil
	}

	query := s.dialect.Rebind(`SELECT thread_id FROM checkpoints GROUP BY thread_id
		HAVING COUNT(*) > 1 AND (` + strings.Join(limits, " OR ") + `) ORDER BY thread_id`)
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, storageErr(err, "failed to list compaction candidates")
	}
	return ids, nil
}

// --- approvals ---

const approvalColumns = `thread_id, sequence, action, requested_at, deadline, resolution, resolved_at`

func (s *Store) CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}
	if req.Resolution == "" {
		req.Resolution = domain.ResolutionPending
	}

	query := s.dialect.Rebind(`INSERT INTO approvals (` + approvalColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`)

	var resolvedAt any
	if req.ResolvedAt != nil {
		resolvedAt = req.ResolvedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		req.ThreadID, req.Sequence, req.Action, req.RequestedAt.UTC(), req.Deadline.UTC(),
		req.Resolution, resolvedAt)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return domain.Conflict("approval %s/%d already exists", req.ThreadID, req.Sequence)
		}
		return storageErr(err, "failed to create approval")
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, threadID string, sequence int64) (*domain.ApprovalRequest, error) {
	query := s.dialect.Rebind(`SELECT ` + approvalColumns + ` FROM approvals
	          WHERE thread_id = ? AND sequence = ?`)

	var req domain.ApprovalRequest
	if err := s.db.GetContext(ctx, &req, query, threadID, sequence); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("no approval request for %s at checkpoint %d", threadID, sequence)
		}
		return nil, storageErr(err, "failed to get approval")
	}
	return &req, nil
}

func (s *Store) ResolveApproval(ctx context.Context, threadID string, sequence int64, res domain.Resolution, at time.Time) error {
	query := s.dialect.Rebind(`UPDATE approvals SET resolution = ?, resolved_at = ?
	          WHERE thread_id = ? AND sequence = ? AND resolution = ?`)

	result, err := s.db.ExecContext(ctx, query, res, at.UTC(), threadID, sequence, domain.ResolutionPending)
	if err != nil {
		return storageErr(err, "failed to resolve approval")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storageErr(err, "failed to read affected rows")
	}
	if n > 0 {
		return nil
	}

	existing, err := s.GetApproval(ctx, threadID, sequence)
	if err != nil {
		return err
	}
	return domain.Conflict("approval %s/%d already %s", threadID, sequence, existing.Resolution).
		WithCode(domain.ErrorCodeAlreadyResolved)
}

func (s *Store) PendingApproval(ctx context.Context, threadID string) (*domain.ApprovalRequest, error) {
	query := s.dialect.Rebind(`SELECT ` + approvalColumns + ` FROM approvals
	          WHERE thread_id = ? AND resolution = ?
	          ORDER BY sequence DESC LIMIT 1`)

	var req domain.ApprovalRequest
	if err := s.db.GetContext(ctx, &req, query, threadID, domain.ResolutionPending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr(err, "failed to get pending approval")
	}
	return &req, nil
}

func (s *Store) ListOverdueApprovals(ctx context.Context, now time.Time) ([]*domain.ApprovalRequest, error) {
	query := s.dialect.Rebind(`SELECT ` + approvalColumns + ` FROM approvals
	          WHERE resolution = ? AND deadline <= ?
	          ORDER BY deadline ASC`)

	reqs := []*domain.ApprovalRequest{}
	if err := s.db.SelectContext(ctx, &reqs, query, domain.ResolutionPending, now.UTC()); err != nil {
		return nil, storageErr(err, "failed to list overdue approvals")
	}
	return reqs, nil
}

// --- leases ---

func (s *Store) AcquireLease(ctx context.Context, threadID string, scope ports.LeaseScope, holder string, ttl time.Duration) error {
	now := s.now()
	expires := now.Add(ttl).UnixMilli()

	insert := s.dialect.Rebind(`INSERT INTO thread_leases (thread_id, scope, holder, expires_at) VALUES (?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, insert, threadID, scope, holder, expires)
	if err == nil {
		return nil
	}
	if !s.dialect.IsUniqueViolation(err) {
		return storageErr(err, "failed to acquire %s lease", scope)
	}

	// Row exists: take it over only if it has expired or is already ours.
	takeover := s.dialect.Rebind(`UPDATE thread_leases SET holder = ?, expires_at = ?
	          WHERE thread_id = ? AND scope = ? AND (expires_at < ? OR holder = ?)`)
	res, err := s.db.ExecContext(ctx, takeover, holder, expires, threadID, scope, now.UnixMilli(), holder)
	if err != nil {
		return storageErr(err, "failed to acquire %s lease", scope)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "failed to read affected rows")
	}
	if n == 0 {
		return domain.Conflict("%s lease for thread %s is held by another writer", scope, threadID)
	}
	return nil
}

func (s *Store) RenewLease(ctx context.Context, threadID string, scope ports.LeaseScope, holder string, ttl time.Duration) error {
	query := s.dialect.Rebind(`UPDATE thread_leases SET expires_at = ?
	          WHERE thread_id = ? AND scope = ? AND holder = ?`)
	res, err := s.db.ExecContext(ctx, query, s.now().Add(ttl).UnixMilli(), threadID, scope, holder)
	if err != nil {
		return storageErr(err, "failed to renew %s lease", scope)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "failed to read affected rows")
	}
	if n == 0 {
		return domain.Conflict("%s lease for thread %s was lost", scope, threadID).
			WithCode(domain.ErrorCodeLeaseLost)
	}
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, threadID string, scope ports.LeaseScope, holder string) error {
	query := s.dialect.Rebind(`DELETE FROM thread_leases WHERE thread_id = ? AND scope = ? AND holder = ?`)
	if _, err := s.db.ExecContext(ctx, query, threadID, scope, holder); err != nil {
		return storageErr(err, "failed to release %s lease", scope)
	}
	return nil
}
