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
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL implementation of flow.Store.
//
// Designed for production deployments:
//   - Connection pooling for concurrent access
//   - InnoDB row locks back LockApproval (SELECT ... FOR UPDATE)
//   - utf8mb4 for full Unicode support in contexts and schemas
//
// The DSN must include parseTime=true so DATETIME columns scan into
// time.Time, e.g.:
//
//	user:password@tcp(localhost:3306)/approvalflow?parseTime=true
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store and runs the schema
// migration.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Connection pool tuning for a mid-size deployment.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning ping error
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	store := &MySQLStore{db: db}
	if err := store.createTables(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning table creation error
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// createTables creates the required database schema if it doesn't exist.
func (s *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			workflow_type VARCHAR(255) NOT NULL,
			context JSON NOT NULL,
			state VARCHAR(32) NOT NULL,
			version INT NOT NULL DEFAULT 1,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			multi_step TINYINT(1) NOT NULL DEFAULT 0,
			idempotency_key VARCHAR(255) NULL,
			last_retry_at DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			UNIQUE KEY uq_workflows_idempotency (workflow_type, idempotency_key),
			INDEX idx_workflows_state (state, created_at),
			INDEX idx_workflows_type (workflow_type)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

		`CREATE TABLE IF NOT EXISTS workflow_events (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			workflow_id VARCHAR(36) NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			payload JSON NOT NULL,
			sequence INT NOT NULL,
			occurred_at DATETIME(6) NOT NULL,
			UNIQUE KEY uq_events_sequence (workflow_id, sequence),
			INDEX idx_events_workflow (workflow_id, sequence),
			CONSTRAINT fk_events_workflow FOREIGN KEY (workflow_id) REFERENCES workflows(id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			workflow_id VARCHAR(36) NOT NULL,
			step_index INT NOT NULL,
			step_type VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			task_handler VARCHAR(255) NOT NULL DEFAULT '',
			task_input JSON NULL,
			task_output JSON NULL,
			ui_schema JSON NULL,
			approval_id VARCHAR(36) NOT NULL DEFAULT '',
			error TEXT NOT NULL,
			started_at DATETIME(6) NULL,
			completed_at DATETIME(6) NULL,
			UNIQUE KEY uq_steps_index (workflow_id, step_index),
			INDEX idx_steps_workflow (workflow_id, step_index),
			CONSTRAINT fk_steps_workflow FOREIGN KEY (workflow_id) REFERENCES workflows(id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

		`CREATE TABLE IF NOT EXISTS approvals (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			workflow_id VARCHAR(36) NOT NULL,
			step_id VARCHAR(36) NOT NULL DEFAULT '',
			ui_schema JSON NOT NULL,
			status VARCHAR(16) NOT NULL,
			decision VARCHAR(16) NOT NULL DEFAULT '',
			response_data JSON NULL,
			callback_token VARCHAR(512) NOT NULL,
			requested_at DATETIME(6) NOT NULL,
			expires_at DATETIME(6) NOT NULL,
			responded_at DATETIME(6) NULL,
			UNIQUE KEY uq_approvals_token (callback_token),
			INDEX idx_approvals_pending (status, expires_at),
			INDEX idx_approvals_workflow (workflow_id, requested_at),
			CONSTRAINT fk_approvals_workflow FOREIGN KEY (workflow_id) REFERENCES workflows(id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

		`CREATE TABLE IF NOT EXISTS dead_letters (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			event_type VARCHAR(64) NOT NULL,
			payload JSON NOT NULL,
			error TEXT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			workflow_id VARCHAR(36) NOT NULL DEFAULT '',
			created_at DATETIME(6) NOT NULL,
			INDEX idx_dead_letters_created (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a single MySQL transaction.
func (s *MySQLStore) WithTx(ctx context.Context, fn func(tx flow.Tx) error) error {
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

	if err = fn(&mysqlTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errClosed
	}
	s.mu.RUnlock()

	return s.db.PingContext(ctx)
}

// Close closes the connection pool. Double-close is a no-op.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// mysqlTx implements flow.Tx over a MySQL transaction.
type mysqlTx struct {
	tx *sql.Tx
}

const mysqlWorkflowCols = "id, workflow_type, context, state, version, retry_count, max_retries, multi_step, idempotency_key, last_retry_at, created_at, updated_at"

func (t *mysqlTx) InsertWorkflow(ctx context.Context, wf *flow.Workflow) error {
	query := `
		INSERT INTO workflows (` + mysqlWorkflowCols + `)
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
		nullTimeValue(wf.LastRetryAt),
		wf.CreatedAt.UTC(),
		wf.UpdatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return fmt.Errorf("%w: workflow %s", errDuplicateKey, wf.ID)
		}
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

func (t *mysqlTx) GetWorkflow(ctx context.Context, id string) (*flow.Workflow, error) {
	query := "SELECT " + mysqlWorkflowCols + " FROM workflows WHERE id = ?"
	return scanMySQLWorkflow(t.tx.QueryRowContext(ctx, query, id))
}

func (t *mysqlTx) FindWorkflowByIdempotencyKey(ctx context.Context, workflowType, key string) (*flow.Workflow, error) {
	query := "SELECT " + mysqlWorkflowCols + " FROM workflows WHERE workflow_type = ? AND idempotency_key = ?"
	return scanMySQLWorkflow(t.tx.QueryRowContext(ctx, query, workflowType, key))
}

func (t *mysqlTx) UpdateWorkflow(ctx context.Context, wf *flow.Workflow, expectedVersion int) error {
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
		nullTimeValue(wf.LastRetryAt),
		now,
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

func (t *mysqlTx) ListWorkflowsByState(ctx context.Context, states []flow.State, limit int) ([]*flow.Workflow, error) {
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
	query := fmt.Sprintf("SELECT "+mysqlWorkflowCols+" FROM workflows WHERE state IN (%s) ORDER BY created_at ASC LIMIT ?", placeholders)
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*flow.Workflow
	for rows.Next() {
		wf, err := scanMySQLWorkflow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

func (t *mysqlTx) AppendEvent(ctx context.Context, ev *flow.WorkflowEvent) error {
	var next int
	err := t.tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), 0) + 1 FROM workflow_events WHERE workflow_id = ? FOR UPDATE",
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
		ev.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	ev.Sequence = next
	return nil
}

func (t *mysqlTx) ListEvents(ctx context.Context, workflowID string) ([]*flow.WorkflowEvent, error) {
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
		)
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.EventType, &payloadJSON, &ev.Sequence, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}

const mysqlStepCols = "id, workflow_id, step_index, step_type, status, task_handler, task_input, task_output, ui_schema, approval_id, error, started_at, completed_at"

func (t *mysqlTx) InsertStep(ctx context.Context, st *flow.Step) error {
	schemaJSON, err := marshalUISchemaPtr(st.UISchema)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO workflow_steps (`+mysqlStepCols+`)
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
		nullTimeValue(st.StartedAt),
		nullTimeValue(st.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

func (t *mysqlTx) ListSteps(ctx context.Context, workflowID string) ([]*flow.Step, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+mysqlStepCols+" FROM workflow_steps WHERE workflow_id = ? ORDER BY step_index ASC",
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*flow.Step
	for rows.Next() {
		st, err := scanMySQLStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func (t *mysqlTx) GetStep(ctx context.Context, id string) (*flow.Step, error) {
	return scanMySQLStep(t.tx.QueryRowContext(ctx,
		"SELECT "+mysqlStepCols+" FROM workflow_steps WHERE id = ?", id))
}

func (t *mysqlTx) UpdateStep(ctx context.Context, st *flow.Step) error {
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
		nullTimeValue(st.StartedAt),
		nullTimeValue(st.CompletedAt),
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

const mysqlApprovalCols = "id, workflow_id, step_id, ui_schema, status, decision, response_data, callback_token, requested_at, expires_at, responded_at"

func (t *mysqlTx) InsertApproval(ctx context.Context, ap *flow.Approval) error {
	schemaJSON, err := json.Marshal(ap.UISchema)
	if err != nil {
		return fmt.Errorf("failed to marshal ui schema: %w", err)
	}
	responseJSON, err := marshalNullableMap(ap.ResponseData)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO approvals (`+mysqlApprovalCols+`)
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
		ap.RequestedAt.UTC(),
		ap.ExpiresAt.UTC(),
		nullTimeValue(ap.RespondedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	return nil
}

func (t *mysqlTx) GetApproval(ctx context.Context, id string) (*flow.Approval, error) {
	return scanMySQLApproval(t.tx.QueryRowContext(ctx,
		"SELECT "+mysqlApprovalCols+" FROM approvals WHERE id = ?", id))
}

// LockApproval takes an InnoDB row lock held until the transaction
// ends, serializing racing decision writers on the same approval.
func (t *mysqlTx) LockApproval(ctx context.Context, id string) (*flow.Approval, error) {
	return scanMySQLApproval(t.tx.QueryRowContext(ctx,
		"SELECT "+mysqlApprovalCols+" FROM approvals WHERE id = ? FOR UPDATE", id))
}

func (t *mysqlTx) UpdateApproval(ctx context.Context, ap *flow.Approval) error {
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
		ap.ExpiresAt.UTC(),
		nullTimeValue(ap.RespondedAt),
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

func (t *mysqlTx) ListPendingApprovals(ctx context.Context, workflowID string) ([]*flow.Approval, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+mysqlApprovalCols+" FROM approvals WHERE workflow_id = ? AND status = ? ORDER BY requested_at ASC",
		workflowID, string(flow.ApprovalPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*flow.Approval
	for rows.Next() {
		ap, err := scanMySQLApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ap)
	}
	return result, rows.Err()
}

func (t *mysqlTx) LatestApproval(ctx context.Context, workflowID string) (*flow.Approval, error) {
	return scanMySQLApproval(t.tx.QueryRowContext(ctx,
		"SELECT "+mysqlApprovalCols+" FROM approvals WHERE workflow_id = ? ORDER BY requested_at DESC LIMIT 1",
		workflowID,
	))
}

func (t *mysqlTx) ExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]*flow.Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+mysqlApprovalCols+" FROM approvals WHERE status = ? AND expires_at <= ? ORDER BY expires_at ASC LIMIT ?",
		string(flow.ApprovalPending), now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*flow.Approval
	for rows.Next() {
		ap, err := scanMySQLApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ap)
	}
	return result, rows.Err()
}

func (t *mysqlTx) InsertDeadLetter(ctx context.Context, dl *flow.DeadLetter) error {
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
		dl.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

func (t *mysqlTx) GetDeadLetter(ctx context.Context, id string) (*flow.DeadLetter, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, event_type, payload, error, retry_count, workflow_id, created_at
		FROM dead_letters
		WHERE id = ?
	`, id)

	var (
		dl          flow.DeadLetter
		payloadJSON string
	)
	err := row.Scan(&dl.ID, &dl.EventType, &payloadJSON, &dl.Error, &dl.RetryCount, &dl.WorkflowID, &dl.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &dl.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter payload: %w", err)
	}
	return &dl, nil
}

func (t *mysqlTx) ListDeadLetters(ctx context.Context, limit int) ([]*flow.DeadLetter, error) {
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
		)
		if err := rows.Scan(&dl.ID, &dl.EventType, &payloadJSON, &dl.Error, &dl.RetryCount, &dl.WorkflowID, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &dl.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter payload: %w", err)
		}
		result = append(result, &dl)
	}
	return result, rows.Err()
}

func (t *mysqlTx) DeleteDeadLetter(ctx context.Context, id string) error {
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

func scanMySQLWorkflow(row rowScanner) (*flow.Workflow, error) {
	var (
		wf             flow.Workflow
		contextJSON    string
		state          string
		multiStep      int
		idempotencyKey sql.NullString
		lastRetryAt    sql.NullTime
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
		&wf.CreatedAt,
		&wf.UpdatedAt,
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
	wf.LastRetryAt = timePtr(lastRetryAt)
	return &wf, nil
}

func scanMySQLStep(row rowScanner) (*flow.Step, error) {
	var (
		st          flow.Step
		stepType    string
		status      string
		taskInput   sql.NullString
		taskOutput  sql.NullString
		schemaJSON  sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
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
	st.StartedAt = timePtr(startedAt)
	st.CompletedAt = timePtr(completedAt)
	return &st, nil
}

func scanMySQLApproval(row rowScanner) (*flow.Approval, error) {
	var (
		ap           flow.Approval
		schemaJSON   string
		status       string
		responseJSON sql.NullString
		respondedAt  sql.NullTime
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
		&ap.RequestedAt,
		&ap.ExpiresAt,
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
	ap.RespondedAt = timePtr(respondedAt)
	return &ap, nil
}
