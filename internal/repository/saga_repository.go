package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iliyamo/ticket-saga/internal/model"
)

// SagaRepo persists saga instances in the saga_instances table.  Steps,
// payload and signals are stored as JSON documents.
type SagaRepo struct {
	db *sql.DB
}

// NewSagaRepo returns a new SagaRepo bound to the provided database.
func NewSagaRepo(db *sql.DB) *SagaRepo { return &SagaRepo{db: db} }

const sagaColumns = `saga_id, type, status, current_step, awaiting, steps, payload, signals,
	failure_reason, failure_code, remediation_step, idempotency_key, created_at, updated_at`

func scanSaga(s rowScanner) (model.SagaInstance, error) {
	var (
		inst                 model.SagaInstance
		steps, payload, sigs []byte
		key                  sql.NullString
	)
	err := s.Scan(&inst.ID, &inst.Type, &inst.Status, &inst.Current, &inst.Awaiting, &steps, &payload, &sigs,
		&inst.FailureReason, &inst.FailureCode, &inst.RemediationStep, &key, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SagaInstance{}, ErrSagaNotFound
	}
	if err != nil {
		return model.SagaInstance{}, err
	}
	if err := json.Unmarshal(steps, &inst.Steps); err != nil {
		return model.SagaInstance{}, fmt.Errorf("decode steps: %w", err)
	}
	if len(sigs) > 0 {
		if err := json.Unmarshal(sigs, &inst.Signals); err != nil {
			return model.SagaInstance{}, fmt.Errorf("decode signals: %w", err)
		}
	}
	inst.Payload = payload
	inst.IdempotencyKey = key.String
	return inst, nil
}

func sagaArgs(inst model.SagaInstance) ([]any, error) {
	steps, err := json.Marshal(inst.Steps)
	if err != nil {
		return nil, err
	}
	sigs, err := json.Marshal(inst.Signals)
	if err != nil {
		return nil, err
	}
	payload := []byte(inst.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	key := sql.NullString{String: inst.IdempotencyKey, Valid: inst.IdempotencyKey != ""}
	return []any{inst.ID, inst.Type, inst.Status, inst.Current, inst.Awaiting, steps, payload, sigs,
		inst.FailureReason, inst.FailureCode, inst.RemediationStep, key, inst.CreatedAt.UTC(), inst.UpdatedAt.UTC()}, nil
}

// Create inserts a new instance.  A second instance with the same
// idempotency key fails with ErrConflict.
func (r *SagaRepo) Create(ctx context.Context, inst model.SagaInstance) error {
	args, err := sagaArgs(inst)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO saga_instances (`+sagaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...,
	)
	if isDuplicate(err) {
		return ErrConflict
	}
	return err
}

// Save overwrites the mutable columns of an existing instance.
func (r *SagaRepo) Save(ctx context.Context, inst model.SagaInstance) error {
	args, err := sagaArgs(inst)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE saga_instances SET status = ?, current_step = ?, awaiting = ?, steps = ?, payload = ?, signals = ?,
		 failure_reason = ?, failure_code = ?, remediation_step = ?, updated_at = ? WHERE saga_id = ?`,
		args[2], args[3], args[4], args[5], args[6], args[7], args[8], args[9], args[10], args[13], inst.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// RowsAffected is 0 for an unchanged row too; tell that apart from a missing one.
		if _, err := r.Get(ctx, inst.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *SagaRepo) Get(ctx context.Context, id string) (model.SagaInstance, error) {
	return scanSaga(r.db.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM saga_instances WHERE saga_id = ?`, id))
}

func (r *SagaRepo) GetByKey(ctx context.Context, key string) (model.SagaInstance, error) {
	return scanSaga(r.db.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM saga_instances WHERE idempotency_key = ?`, key))
}

// ListUnfinished returns instances left running or compensating, oldest first.
func (r *SagaRepo) ListUnfinished(ctx context.Context) ([]model.SagaInstance, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sagaColumns+` FROM saga_instances WHERE status IN ('running', 'compensating') ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SagaInstance
	for rows.Next() {
		inst, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
