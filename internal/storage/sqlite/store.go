// Package sqlite is the durable implementation of the storage contracts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/mcpfed/federation-gateway/internal/domain"
	"github.com/mcpfed/federation-gateway/internal/storage"
)

// Store is a SQLite implementation of storage.Store. Records are stored
// as JSON blobs keyed and indexed by the columns the core queries on.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			definition TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			workflow_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			status TEXT NOT NULL,
			record TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS translation_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_version TEXT NOT NULL,
			target_version TEXT NOT NULL,
			record TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_client ON workflows(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_history_pair ON translation_history(source_version, target_version)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PutWorkflow(ctx context.Context, wf *domain.FederatedWorkflow) error {
	definition, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, client_id, name, status, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, definition=excluded.definition, updated_at=excluded.updated_at`,
		wf.ID.String(), wf.ClientID.String(), wf.Name, string(wf.Status), string(definition), wf.CreatedAt, wf.UpdatedAt)
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.FederatedWorkflow, error) {
	var definition string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflows WHERE id = ?`, id.String()).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound(fmt.Sprintf("workflow %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	var wf domain.FederatedWorkflow
	if err := json.Unmarshal([]byte(definition), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

func (s *Store) ListWorkflows(ctx context.Context, clientID uuid.UUID) ([]*domain.FederatedWorkflow, error) {
	query := `SELECT definition FROM workflows`
	args := []any{}
	if clientID != uuid.Nil {
		query += ` WHERE client_id = ?`
		args = append(args, clientID.String())
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*domain.FederatedWorkflow
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, err
		}
		var wf domain.FederatedWorkflow
		if err := json.Unmarshal([]byte(definition), &wf); err != nil {
			return nil, fmt.Errorf("unmarshal workflow: %w", err)
		}
		result = append(result, &wf)
	}
	return result, rows.Err()
}

func (s *Store) PutExecution(ctx context.Context, exec *domain.WorkflowExecution) error {
	record, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (workflow_id, id, status, record, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET status=excluded.status, record=excluded.record, updated_at=excluded.updated_at`,
		exec.WorkflowID.String(), exec.ID.String(), string(exec.Status), string(record), time.Now())
	return err
}

func (s *Store) GetExecution(ctx context.Context, workflowID uuid.UUID) (*domain.WorkflowExecution, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM executions WHERE workflow_id = ?`, workflowID.String()).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound(fmt.Sprintf("execution for workflow %s not found", workflowID))
	}
	if err != nil {
		return nil, err
	}
	var exec domain.WorkflowExecution
	if err := json.Unmarshal([]byte(record), &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

func (s *Store) UpdateExecution(ctx context.Context, exec *domain.WorkflowExecution) error {
	record, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, record = ?, updated_at = ? WHERE workflow_id = ?`,
		string(exec.Status), string(record), time.Now(), exec.WorkflowID.String())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound(fmt.Sprintf("execution for workflow %s not found", exec.WorkflowID))
	}
	return nil
}

func (s *Store) AppendTranslationRecord(ctx context.Context, rec *domain.TranslationRecord) error {
	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal translation record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO translation_history (source_version, target_version, record, created_at)
		VALUES (?, ?, ?, ?)`,
		rec.SourceVersion, rec.TargetVersion, string(record), rec.Timestamp)
	return err
}

func (s *Store) ListTranslationRecords(ctx context.Context, sourceVersion, targetVersion string) ([]*domain.TranslationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM translation_history
		WHERE source_version = ? AND target_version = ?
		ORDER BY id`,
		sourceVersion, targetVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*domain.TranslationRecord
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var rec domain.TranslationRecord
		if err := json.Unmarshal([]byte(record), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal translation record: %w", err)
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
