package sagastores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/lnkday/orchestrator/saga"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Writes sagas to a PostgreSQL table. The fields status queries filter
// on live in typed columns, step records are stored as one JSONB
// document per saga.
type postgresStore struct {
	db        *sql.DB
	tableName string
}

// Creates a Store backed by the supplied database handle. The caller
// owns the handle and its driver registration. tableName defaults to
// "sagas" if empty.
func MakePostgresStore(db *sql.DB, tableName string) (saga.Store, error) {
	if tableName == "" {
		tableName = "sagas"
	}
	if !validTableName.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name: %s", tableName)
	}
	return &postgresStore{db: db, tableName: tableName}, nil
}

// Returns the DDL for the saga table. Deployments that manage their own
// migrations can ignore this and create an equivalent table themselves.
func PostgresSchema(tableName string) (string, error) {
	if tableName == "" {
		tableName = "sagas"
	}
	if !validTableName.MatchString(tableName) {
		return "", fmt.Errorf("invalid table name: %s", tableName)
	}
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			saga_id      TEXT PRIMARY KEY,
			saga_type    TEXT NOT NULL,
			status       TEXT NOT NULL,
			payload      JSONB,
			result       JSONB,
			error        TEXT,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			max_retries  INTEGER NOT NULL DEFAULT 0,
			steps        JSONB NOT NULL DEFAULT '[]',
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`, tableName), nil
}

func (s *postgresStore) Create(ctx context.Context, inst *saga.SagaInstance) error {
	stepsJSON, err := json.Marshal(inst.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	checkQuery := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE saga_id = $1)`, s.tableName)
	if err := tx.QueryRowContext(ctx, checkQuery, inst.SagaID).Scan(&exists); err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return fmt.Errorf("saga %s already exists in the store", inst.SagaID)
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (saga_id, saga_type, status, payload, result, error,
			retry_count, max_retries, steps, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.tableName)
	if _, err := tx.ExecContext(ctx, insertQuery,
		inst.SagaID, inst.SagaType, inst.Status.String(),
		nullableJSON(inst.Payload), nullableJSON(inst.Result), inst.Error,
		inst.RetryCount, inst.MaxRetries, stepsJSON,
		inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt); err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	return tx.Commit()
}

func (s *postgresStore) UpdateStatus(ctx context.Context, inst *saga.SagaInstance) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, error = $2, result = $3, retry_count = $4,
			updated_at = $5, completed_at = $6
		WHERE saga_id = $7
	`, s.tableName)

	result, err := s.db.ExecContext(ctx, query,
		inst.Status.String(), inst.Error, nullableJSON(inst.Result),
		inst.RetryCount, inst.UpdatedAt, inst.CompletedAt, inst.SagaID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return saga.ErrSagaNotFound
	}
	return nil
}

func (s *postgresStore) UpdateStepRecord(ctx context.Context, sagaID string, sr *saga.StepRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Locks the row so concurrent step writes for the same saga cannot
	// clobber each other's read-modify-write.
	selectQuery := fmt.Sprintf(`SELECT steps FROM %s WHERE saga_id = $1 FOR UPDATE`, s.tableName)
	var stepsJSON []byte
	err = tx.QueryRowContext(ctx, selectQuery, sagaID).Scan(&stepsJSON)
	if err == sql.ErrNoRows {
		return saga.ErrSagaNotFound
	}
	if err != nil {
		return fmt.Errorf("select steps: %w", err)
	}

	var steps []*saga.StepRecord
	if err := json.Unmarshal(stepsJSON, &steps); err != nil {
		return fmt.Errorf("unmarshal steps: %w", err)
	}

	replaced := false
	for i, existing := range steps {
		if existing.Name == sr.Name {
			steps[i] = sr.Copy()
			replaced = true
			break
		}
	}
	if !replaced {
		steps = append(steps, sr.Copy())
	}

	updated, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	updateQuery := fmt.Sprintf(`UPDATE %s SET steps = $1 WHERE saga_id = $2`, s.tableName)
	if _, err := tx.ExecContext(ctx, updateQuery, updated, sagaID); err != nil {
		return fmt.Errorf("update steps: %w", err)
	}

	return tx.Commit()
}

func (s *postgresStore) Get(ctx context.Context, sagaID string) (*saga.SagaInstance, error) {
	query := fmt.Sprintf(`
		SELECT saga_id, saga_type, status, payload, result, error,
			retry_count, max_retries, steps, created_at, updated_at, completed_at
		FROM %s WHERE saga_id = $1
	`, s.tableName)

	inst, err := scanSaga(s.db.QueryRowContext(ctx, query, sagaID))
	if err == sql.ErrNoRows {
		return nil, saga.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return inst, nil
}

func (s *postgresStore) FindIncomplete(ctx context.Context) ([]*saga.SagaInstance, error) {
	query := fmt.Sprintf(`
		SELECT saga_id, saga_type, status, payload, result, error,
			retry_count, max_retries, steps, created_at, updated_at, completed_at
		FROM %s WHERE status NOT IN ($1, $2, $3)
		ORDER BY created_at
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query,
		saga.StatusCompleted.String(), saga.StatusCompensated.String(), saga.StatusFailed.String())
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	incomplete := make([]*saga.SagaInstance, 0)
	for rows.Next() {
		inst, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		incomplete = append(incomplete, inst)
	}
	return incomplete, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (*saga.SagaInstance, error) {
	var (
		inst        saga.SagaInstance
		status      string
		payload     []byte
		result      []byte
		errText     sql.NullString
		stepsJSON   []byte
		completedAt sql.NullTime
	)

	if err := row.Scan(
		&inst.SagaID, &inst.SagaType, &status, &payload, &result, &errText,
		&inst.RetryCount, &inst.MaxRetries, &stepsJSON,
		&inst.CreatedAt, &inst.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}

	parsed, err := saga.ParseSagaStatus(status)
	if err != nil {
		return nil, err
	}
	inst.Status = parsed
	inst.Payload = json.RawMessage(payload)
	inst.Result = json.RawMessage(result)
	if errText.Valid {
		inst.Error = errText.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		inst.CompletedAt = &t
	}
	if err := json.Unmarshal(stepsJSON, &inst.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &inst, nil
}

// JSONB columns reject the empty string, absent documents are stored
// as NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
