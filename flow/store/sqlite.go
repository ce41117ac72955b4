package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dshills/approvalflow-go/flow"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of flow.Store.
//
// Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments requiring durable state
//   - Prototyping before migrating to MySQL
//
// The store uses WAL mode so readers are never blocked by the writer,
// and a single connection (SQLite supports one writer at a time), so
// transactions serialize on connection acquisition. That serialization
// stands in for the per-row approval lock the MySQL store takes with
// SELECT ... FOR UPDATE.
//
// Schema:
//   - workflows: versioned workflow rows
//   - workflow_events: append-only per-workflow event log
//   - workflow_steps: pipeline steps
//   - approvals: approval requests with callback tokens
//   - dead_letters: exhausted events and abandoned workflows
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./flow.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the schema, enables WAL mode and
// foreign keys, and sets a 5 second busy timeout.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close() // Ignore close error when returning pragma error
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	store := &SQLiteStore{
		db:   db,
		path: path,
	}

	if err := store.createTables(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning table creation error
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// createTables creates the required database schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT NOT NULL PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			context TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			multi_step INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT,
			last_retry_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(workflow_type, idempotency_key)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_workflows_state ON workflows(state, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_workflows_type ON workflows(workflow_type)",

		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT NOT NULL PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			occurred_at TEXT NOT NULL,
			UNIQUE(workflow_id, sequence)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_events_workflow ON workflow_events(workflow_id, sequence)",

		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT NOT NULL PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			step_index INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			status TEXT NOT NULL,
			task_handler TEXT NOT NULL DEFAULT '',
			task_input TEXT,
			task_output TEXT,
			ui_schema TEXT,
			approval_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT,
			completed_at TEXT,
			UNIQUE(workflow_id, step_index)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_steps_workflow ON workflow_steps(workflow_id, step_index)",

		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT NOT NULL PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			step_id TEXT NOT NULL DEFAULT '',
			ui_schema TEXT NOT NULL,
			status TEXT NOT NULL,
			decision TEXT NOT NULL DEFAULT '',
			response_data TEXT,
			callback_token TEXT NOT NULL UNIQUE,
			requested_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			responded_at TEXT
		)`,
		"CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approvals(status, expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_approvals_workflow ON approvals(workflow_id, requested_at)",

		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT NOT NULL PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			error TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			workflow_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at)",
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a single SQLite transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx flow.Tx) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errClosed
	}
	s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Ensure rollback on error
	defer func() {
		if err != nil {
			_ = tx.Rollback() // Ignore rollback error when already returning error
		}
	}()

	if err = fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errClosed
	}
	s.mu.RUnlock()

	return s.db.PingContext(ctx)
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// sqliteTx implements flow.Tx over a SQLite transaction.
type sqliteTx struct {
	tx *sql.Tx
}

const sqliteWorkflowCols = "id, workflow_type, context, state, version, retry_count, max_retries, multi_step, idempotency_key, last_retry_at, created_at, updated_at"

func (t *sqliteTx) InsertWorkflow(ctx context.Context, wf *flow.Workflow) error {
	query := `
		INSERT INTO workflows (` + sqliteWorkflowCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := t.tx.ExecContext(ctx, query,
		wf.ID,
		wf.WorkflowType,
		rawOrEmptyObject(wf.Context),
		string(wf.State),
		wf.Version,
		wf.RetryCount,
		wf.MaxRetries,
		boolToInt(wf.MultiStep),
		nullString(wf.IdempotencyKey),
		nullTimeText(wf.LastRetryAt),
		wf.CreatedAt.UTC().Format(time.RFC3339Nano),
		wf.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "unique") {
			return fmt.Errorf("%w: workflow %s", errDuplicateKey, wf.ID)
		}
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetWorkflow(ctx context.Context, id string) (*flow.Workflow, error) {
	query := "SELECT " + sqliteWorkflowCols + " FROM workflows WHERE id = ?"
	return scanSQLiteWorkflow(t.tx.QueryRowContext(ctx, query, id))
}

func (t *sqliteTx) FindWorkflowByIdempotencyKey(ctx context.Context, workflowType, key string) (*flow.Workflow, error) {
	query := "SELECT " + sqliteWorkflowCols + " FROM workflows WHERE workflow_type = ? AND idempotency_key = ?"
	return scanSQLiteWorkflow(t.tx.QueryRowContext(ctx, query, workflowType, key))
}

func (t *sqliteTx) UpdateWorkflow(ctx context.Context, wf *flow.Workflow, expectedVersion int) error {
	now := time.Now().UTC()
	query := `
		UPDATE workflows
		SET context = ?, state = ?, version = ?, retry_count = ?, max_retries = ?,
			multi_step = ?, last_retry_at = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`
	res, err := t.tx.ExecContext(ctx, query,
		rawOrEmptyObject(wf.Context),
		string(wf.State),
		expectedVersion+1,
		wf.RetryCount,
		wf.MaxRetries,
		boolToInt(wf.MultiStep),
		nullTimeText(wf.LastRetryAt),
		now.Format(time.RFC3339Nano),
		wf.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a lost race from a missing row.
		var n int
		if err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflows WHERE id = ?", wf.ID).Scan(&n); err != nil {
			return fmt.Errorf("failed to check workflow existence: %w", err)
		}
		if n == 0 {
			return flow.ErrNotFound
		}
		return flow.ErrVersionConflict
	}
	wf.Version = expectedVersion + 1
	wf.UpdatedAt = now
	return nil
}

func (t *sqliteTx) ListWorkflowsByState(ctx context.Context, states []flow.State, limit int) ([]*flow.Workflow, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]interface{}, 0, len(states)+1)
	for _, s := range states {
		args = append(args, string(s))
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	// #nosec G201 -- placeholders are not user input, just "?" marks for parameterized query
	query := fmt.Sprintf("SELECT "+sqliteWorkflowCols+" FROM workflows WHERE state IN (%s) ORDER BY created_at ASC LIMIT ?", placeholders)
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*flow.Workflow
	for rows.Next() {
		wf, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

func (t *sqliteTx) AppendEvent(ctx context.Context, ev *flow.WorkflowEvent) error {
	var next int
	err := t.tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), 0) + 1 FROM workflow_events WHERE workflow_id = ?",
		ev.WorkflowID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to compute event sequence: %w", err)
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO workflow_events (id, workflow_id, event_type, payload, sequence, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		ev.WorkflowID,
		ev.EventType,
		string(payloadJSON),
		next,
		ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	ev.Sequence = next
	return nil
}

func (t *sqliteTx) ListEvents(ctx context.Context, workflowID string) ([]*flow.WorkflowEvent, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, workflow_id, event_type, payload, sequence, occurred_at
		FROM workflow_events
		WHERE workflow_id = ?
		ORDER BY sequence ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*flow.WorkflowEvent
	for rows.Next() {
		var (
			ev          flow.WorkflowEvent
			payloadJSON string
			occurredAt  string
		)
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.EventType, &payloadJSON, &ev.Sequence, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		if ev.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}

const sqliteStepCols = "id, workflow_id, step_index, step_type, status, task_handler, task_input, task_output, ui_schema, approval_id, error, started_at, completed_at"

func (t *sqliteTx) InsertStep(ctx context.Context, st *flow.Step) error {
	schemaJSON, err := marshalUISchemaPtr(st.UISchema)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO workflow_steps (`+sqliteStepCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		st.ID,
		st.WorkflowID,
		st.StepIndex,
		string(st.Type),
		string(st.Status),
		st.TaskHandler,
		nullRaw(st.TaskInput),
		nullRaw(st.TaskOutput),
		schemaJSON,
		st.ApprovalID,
		st.Error,
		nullTimeText(st.StartedAt),
		nullTimeText(st.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

func (t *sqliteTx) ListSteps(ctx context.Context, workflowID string) ([]*flow.Step, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+sqliteStepCols+" FROM workflow_steps WHERE workflow_id = ? ORDER BY step_index ASC",
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*flow.Step
	for rows.Next() {
		st, err := scanSQLiteStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func (t *sqliteTx) GetStep(ctx context.Context, id string) (*flow.Step, error) {
	return scanSQLiteStep(t.tx.QueryRowContext(ctx,
		"SELECT "+sqliteStepCols+" FROM workflow_steps WHERE id = ?", id))
}

func (t *sqliteTx) UpdateStep(ctx context.Context, st *flow.Step) error {
	schemaJSON, err := marshalUISchemaPtr(st.UISchema)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE workflow_steps
		SET status = ?, task_output = ?, approval_id = ?, error = ?, started_at = ?, completed_at = ?, ui_schema = ?
		WHERE id = ?
	`,
		string(st.Status),
		nullRaw(st.TaskOutput),
		st.ApprovalID,
		st.Error,
		nullTimeText(st.StartedAt),
		nullTimeText(st.CompletedAt),
		schemaJSON,
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return flow.ErrNotFound
	}
	return nil
}

const sqliteApprovalCols = "id, workflow_id, step_id, ui_schema, status, decision, response_data, callback_token, requested_at, expires_at, responded_at"

func (t *sqliteTx) InsertApproval(ctx context.Context, ap *flow.Approval) error {
	schemaJSON, err := json.Marshal(ap.UISchema)
	if err != nil {
		return fmt.Errorf("failed to marshal ui schema: %w", err)
	}
	responseJSON, err := marshalNullableMap(ap.ResponseData)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO approvals (`+sqliteApprovalCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ap.ID,
		ap.WorkflowID,
		ap.StepID,
		string(schemaJSON),
		string(ap.Status),
		ap.Decision,
		responseJSON,
		ap.CallbackToken,
		ap.RequestedAt.UTC().Format(time.RFC3339Nano),
		ap.ExpiresAt.UTC().Format(time.RFC3339Nano),
		nullTimeText(ap.RespondedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetApproval(ctx context.Context, id string) (*flow.Approval, error) {
	return scanSQLiteApproval(t.tx.QueryRowContext(ctx,
		"SELECT "+sqliteApprovalCols+" FROM approvals WHERE id = ?", id))
}

// LockApproval is a plain read on SQLite: the single-connection pool
// already serializes transactions, so no row lock is needed.
func (t *sqliteTx) LockApproval(ctx context.Context, id string) (*flow.Approval, error) {
	return t.GetApproval(ctx, id)
}

func (t *sqliteTx) UpdateApproval(ctx context.Context, ap *flow.Approval) error {
	responseJSON, err := marshalNullableMap(ap.ResponseData)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, decision = ?, response_data = ?, expires_at = ?, responded_at = ?
		WHERE id = ?
	`,
		string(ap.Status),
		ap.Decision,
		responseJSON,
		ap.ExpiresAt.UTC().Format(time.RFC3339Nano),
		nullTimeText(ap.RespondedAt),
		ap.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return flow.ErrNotFound
	}
	return nil
}

func (t *sqliteTx) ListPendingApprovals(ctx context.Context, workflowID string) ([]*flow.Approval, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+sqliteApprovalCols+" FROM approvals WHERE workflow_id = ? AND status = ? ORDER BY requested_at ASC",
		workflowID, string(flow.ApprovalPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*flow.Approval
	for rows.Next() {
		ap, err := scanSQLiteApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ap)
	}
	return result, rows.Err()
}

func (t *sqliteTx) LatestApproval(ctx context.Context, workflowID string) (*flow.Approval, error) {
	return scanSQLiteApproval(t.tx.QueryRowContext(ctx,
		"SELECT "+sqliteApprovalCols+" FROM approvals WHERE workflow_id = ? ORDER BY requested_at DESC LIMIT 1",
		workflowID,
	))
}

func (t *sqliteTx) ExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]*flow.Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+sqliteApprovalCols+" FROM approvals WHERE status = ? AND expires_at <= ? ORDER BY expires_at ASC LIMIT ?",
		string(flow.ApprovalPending), now.UTC().Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*flow.Approval
	for rows.Next() {
		ap, err := scanSQLiteApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ap)
	}
	return result, rows.Err()
}

func (t *sqliteTx) InsertDeadLetter(ctx context.Context, dl *flow.DeadLetter) error {
	payloadJSON, err := json.Marshal(dl.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, event_type, payload, error, retry_count, workflow_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		dl.ID,
		dl.EventType,
		string(payloadJSON),
		dl.Error,
		dl.RetryCount,
		dl.WorkflowID,
		dl.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetDeadLetter(ctx context.Context, id string) (*flow.DeadLetter, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, event_type, payload, error, retry_count, workflow_id, created_at
		FROM dead_letters
		WHERE id = ?
	`, id)

	var (
		dl          flow.DeadLetter
		payloadJSON string
		createdAt   string
	)
	err := row.Scan(&dl.ID, &dl.EventType, &payloadJSON, &dl.Error, &dl.RetryCount, &dl.WorkflowID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &dl.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter payload: %w", err)
	}
	if dl.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse dead letter timestamp: %w", err)
	}
	return &dl, nil
}

func (t *sqliteTx) ListDeadLetters(ctx context.Context, limit int) ([]*flow.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, event_type, payload, error, retry_count, workflow_id, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*flow.DeadLetter
	for rows.Next() {
		var (
			dl          flow.DeadLetter
			payloadJSON string
			createdAt   string
		)
		if err := rows.Scan(&dl.ID, &dl.EventType, &payloadJSON, &dl.Error, &dl.RetryCount, &dl.WorkflowID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &dl.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter payload: %w", err)
		}
		if dl.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse dead letter timestamp: %w", err)
		}
		result = append(result, &dl)
	}
	return result, rows.Err()
}

func (t *sqliteTx) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM dead_letters WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return flow.ErrNotFound
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteWorkflow(row rowScanner) (*flow.Workflow, error) {
	var (
		wf             flow.Workflow
		contextJSON    string
		state          string
		multiStep      int
		idempotencyKey sql.NullString
		lastRetryAt    sql.NullString
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(
		&wf.ID,
		&wf.WorkflowType,
		&contextJSON,
		&state,
		&wf.Version,
		&wf.RetryCount,
		&wf.MaxRetries,
		&multiStep,
		&idempotencyKey,
		&lastRetryAt,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow row: %w", err)
	}

	wf.Context = json.RawMessage(contextJSON)
	wf.State = flow.State(state)
	wf.MultiStep = multiStep != 0
	wf.IdempotencyKey = idempotencyKey.String
	if wf.LastRetryAt, err = parseNullTimeText(lastRetryAt); err != nil {
		return nil, err
	}
	if wf.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse workflow created_at: %w", err)
	}
	if wf.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse workflow updated_at: %w", err)
	}
	return &wf, nil
}

func scanSQLiteStep(row rowScanner) (*flow.Step, error) {
	var (
		st          flow.Step
		stepType    string
		status      string
		taskInput   sql.NullString
		taskOutput  sql.NullString
		schemaJSON  sql.NullString
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	err := row.Scan(
		&st.ID,
		&st.WorkflowID,
		&st.StepIndex,
		&stepType,
		&status,
		&st.TaskHandler,
		&taskInput,
		&taskOutput,
		&schemaJSON,
		&st.ApprovalID,
		&st.Error,
		&startedAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan step row: %w", err)
	}

	st.Type = flow.StepType(stepType)
	st.Status = flow.StepStatus(status)
	if taskInput.Valid {
		st.TaskInput = json.RawMessage(taskInput.String)
	}
	if taskOutput.Valid {
		st.TaskOutput = json.RawMessage(taskOutput.String)
	}
	if schemaJSON.Valid && schemaJSON.String != "" {
		var schema flow.UISchema
		if err := json.Unmarshal([]byte(schemaJSON.String), &schema); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step ui schema: %w", err)
		}
		st.UISchema = &schema
	}
	if st.StartedAt, err = parseNullTimeText(startedAt); err != nil {
		return nil, err
	}
	if st.CompletedAt, err = parseNullTimeText(completedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanSQLiteApproval(row rowScanner) (*flow.Approval, error) {
	var (
		ap           flow.Approval
		schemaJSON   string
		status       string
		responseJSON sql.NullString
		requestedAt  string
		expiresAt    string
		respondedAt  sql.NullString
	)
	err := row.Scan(
		&ap.ID,
		&ap.WorkflowID,
		&ap.StepID,
		&schemaJSON,
		&status,
		&ap.Decision,
		&responseJSON,
		&ap.CallbackToken,
		&requestedAt,
		&expiresAt,
		&respondedAt,
	)
	if err == sql.ErrNoRows {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval row: %w", err)
	}

	ap.Status = flow.ApprovalStatus(status)
	if err := json.Unmarshal([]byte(schemaJSON), &ap.UISchema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval ui schema: %w", err)
	}
	if responseJSON.Valid && responseJSON.String != "" {
		if err := json.Unmarshal([]byte(responseJSON.String), &ap.ResponseData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approval response data: %w", err)
		}
	}
	if ap.RequestedAt, err = time.Parse(time.RFC3339Nano, requestedAt); err != nil {
		return nil, fmt.Errorf("failed to parse approval requested_at: %w", err)
	}
	if ap.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to parse approval expires_at: %w", err)
	}
	if ap.RespondedAt, err = parseNullTimeText(respondedAt); err != nil {
		return nil, err
	}
	return &ap, nil
}
