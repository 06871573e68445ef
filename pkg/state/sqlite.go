package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store, engine.Recorder and the audit sink on a
// local SQLite database. It is the default backend for single-operator use
// and always holds deployment records and audit entries, even when stage
// state lives in a remote store.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path, now: time.Now}, nil
}

// Init opens the database, enables WAL mode and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// TryLock implements Store. The whole check-reap-insert runs in one
// immediate transaction, so two concurrent acquirers serialize on the
// database write lock.
func (s *SQLiteStore) TryLock(ctx context.Context, stage engine.StageName, holder string, ttl time.Duration) (*engine.LockHandle, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, storeErr("begin lock transaction", stage, err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingHolder string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM stage_locks WHERE stage = ?`, string(stage)).
		Scan(&existingHolder, &expiresAt)
	switch {
	case err == nil:
		if s.now().Before(expiresAt) {
			return nil, engine.NewConflictError(
				fmt.Sprintf("stage lock held by %s until %s", existingHolder, expiresAt.Format(time.RFC3339)), nil).
				WithCode(engine.ErrCodeLockContention).WithStage(stage)
		}
		// Expired lock: reap and take over.
		if _, err := tx.ExecContext(ctx, `DELETE FROM stage_locks WHERE stage = ?`, string(stage)); err != nil {
			return nil, storeErr("reap expired lock", stage, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		// Free.
	default:
		return nil, storeErr("read lock", stage, err)
	}

	now := s.now()
	lock := &engine.LockHandle{
		Stage:      stage,
		Token:      uuid.New().String(),
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO stage_locks (stage, token, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		string(lock.Stage), lock.Token, lock.Holder, lock.AcquiredAt, lock.ExpiresAt)
	if err != nil {
		return nil, storeErr("insert lock", stage, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit lock", stage, err)
	}
	return lock, nil
}

// ReadState implements Store.
func (s *SQLiteStore) ReadState(ctx context.Context, stage engine.StageName) (*engine.ResourceGraph, error) {
	var graphJSON string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT graph, version FROM stage_states WHERE stage = ?`, string(stage)).
		Scan(&graphJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return &engine.ResourceGraph{Stage: stage}, nil
	}
	if err != nil {
		return nil, storeErr("read state", stage, err)
	}

	var graph engine.ResourceGraph
	if err := json.Unmarshal([]byte(graphJSON), &graph); err != nil {
		return nil, engine.NewPermanentError("stored state is corrupt", err).
			WithCode(engine.ErrCodeInternal).WithStage(stage)
	}
	graph.Stage = stage
	graph.Version = version
	return &graph, nil
}

// WriteState implements Store. The lock check and the upsert run in one
// transaction, so a concurrent TryLock that reaps this holder's expired lock
// serializes either fully before the check or fully after the commit; a
// write can never land once its lock is gone.
func (s *SQLiteStore) WriteState(ctx context.Context, stage engine.StageName, graph *engine.ResourceGraph, lock *engine.LockHandle) error {
	if lock == nil {
		return engine.NewConflictError("write requires a lock", nil).
			WithCode(engine.ErrCodeStaleLock).WithStage(stage)
	}

	stored := *graph
	stored.Version = 0 // version column is authoritative
	graphJSON, err := json.Marshal(&stored)
	if err != nil {
		return engine.NewPermanentError("state not serializable", err).
			WithCode(engine.ErrCodeInternal).WithStage(stage)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return storeErr("begin write transaction", stage, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.verifyLock(ctx, tx, stage, lock); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_states (stage, graph, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(stage) DO UPDATE SET
			graph = excluded.graph,
			version = stage_states.version + 1,
			updated_at = excluded.updated_at
	`, string(stage), string(graphJSON), s.now())
	if err != nil {
		return storeErr("write state", stage, err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit write", stage, err)
	}
	return nil
}

// Unlock implements Store.
func (s *SQLiteStore) Unlock(ctx context.Context, lock *engine.LockHandle) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM stage_locks WHERE stage = ? AND token = ?`,
		string(lock.Stage), lock.Token)
	if err != nil {
		return storeErr("release lock", lock.Stage, err)
	}
	return nil
}

func (s *SQLiteStore) verifyLock(ctx context.Context, tx *sql.Tx, stage engine.StageName, lock *engine.LockHandle) error {
	var token string
	var expiresAt time.Time
	err := tx.QueryRowContext(ctx,
		`SELECT token, expires_at FROM stage_locks WHERE stage = ?`, string(stage)).
		Scan(&token, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewConflictError("lock was released or reaped", nil).
			WithCode(engine.ErrCodeStaleLock).WithStage(stage)
	}
	if err != nil {
		return storeErr("verify lock", stage, err)
	}
	if token != lock.Token {
		return engine.NewConflictError("lock was superseded by another holder", nil).
			WithCode(engine.ErrCodeStaleLock).WithStage(stage)
	}
	if !s.now().Before(expiresAt) {
		return engine.NewConflictError("lock expired before write", nil).
			WithCode(engine.ErrCodeStaleLock).WithStage(stage)
	}
	return nil
}

// SaveRecord implements engine.Recorder with an upsert keyed by run ID.
func (s *SQLiteStore) SaveRecord(ctx context.Context, record *engine.DeploymentRecord) error {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployment_records (id, state, record, started_at, finalized_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			record = excluded.record,
			finalized_at = excluded.finalized_at
	`, record.ID, string(record.State), string(recordJSON), record.StartedAt, record.FinalizedAt)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// GetRecord retrieves a deployment record by run ID.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*engine.DeploymentRecord, error) {
	var recordJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM deployment_records WHERE id = ?`, id).Scan(&recordJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(fmt.Sprintf("record not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	var record engine.DeploymentRecord
	if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &record, nil
}

// ListRecords lists deployment records, most recent first.
func (s *SQLiteStore) ListRecords(ctx context.Context, limit int) ([]*engine.DeploymentRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM deployment_records ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*engine.DeploymentRecord{}
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var record engine.DeploymentRecord
		if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

// AppendAudit appends one audit entry. Used for credential scope issuance
// and revocation.
func (s *SQLiteStore) AppendAudit(ctx context.Context, actor, stage, action, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (occurred_at, actor, stage, action, detail)
		VALUES (?, ?, ?, ?, ?)
	`, s.now(), actor, stage, action, detail)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Actor      string    `json:"actor"`
	Stage      string    `json:"stage"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
}

// ListAudit lists audit entries, most recent first.
func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, actor, stage, action, COALESCE(detail, '')
		FROM audit_entries ORDER BY occurred_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Actor, &e.Stage, &e.Action, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func storeErr(op string, stage engine.StageName, err error) *engine.EngineError {
	return engine.NewTransientError(fmt.Sprintf("state backend: %s failed", op), err).
		WithCode(engine.ErrCodeObservationUnavailable).WithStage(stage)
}
