// Package postgres implements the TaskStore and AgentAuditStore ports
// on top of a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/port"
)

type taskStore struct {
	db  *pgxpool.Pool
	qb  squirrel.StatementBuilderType
	log *zap.Logger
}

// NewTaskStore creates a new postgres task store
func NewTaskStore(db *pgxpool.Pool, log *zap.Logger) port.TaskStore {
	return &taskStore{
		db:  db,
		qb:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		log: log,
	}
}

const taskColumns = "id, type, payload, capability, status, assigned_agent, retries, result, error, created_at, assigned_at, completed_at"

func (r *taskStore) Create(ctx context.Context, taskType string, payload json.RawMessage, capability string) (*domain.Task, error) {
	task := &domain.Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Payload:    payload,
		Capability: capability,
		Status:     domain.TaskStatusPending,
		CreatedAt:  time.Now(),
	}

	sql, args, err := r.qb.Insert("tasks").
		Columns("id", "type", "payload", "capability", "status", "created_at", "updated_at").
		Values(task.ID, task.Type, nullableJSON(task.Payload), task.Capability, task.Status, task.CreatedAt, task.CreatedAt).
		ToSql()
	if err != nil {
		return nil, err
	}

	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		r.log.Error("Failed to insert task", zap.Error(err))
		return nil, domain.ErrStoreUnavailable
	}
	return task, nil
}

func (r *taskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	sql, args, err := r.qb.Select(taskColumns).From("tasks").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}

	task, err := scanTask(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUnknownTask
	}
	if err != nil {
		return nil, domain.ErrStoreUnavailable
	}
	return task, nil
}

// Transition is the guarded compare-and-set: the WHERE clause carries
// both the id and the expected status, so of two racing transitions out
// of the same status exactly one observes an affected row.
func (r *taskStore) Transition(ctx context.Context, id string, from, to domain.TaskStatus, fields port.TransitionFields) error {
	update := r.qb.Update("tasks").
		Set("status", to).
		Set("updated_at", time.Now()).
		Where(squirrel.Eq{"id": id, "status": from})

	if fields.AssignedAgent != nil {
		update = update.Set("assigned_agent", *fields.AssignedAgent)
	}
	if fields.AssignedAt != nil {
		update = update.Set("assigned_at", *fields.AssignedAt)
	}
	if fields.CompletedAt != nil {
		update = update.Set("completed_at", *fields.CompletedAt)
	}
	if fields.Result != nil {
		update = update.Set("result", fields.Result)
	}
	if fields.Error != nil {
		update = update.Set("error", *fields.Error)
	}
	if fields.Retries != nil {
		update = update.Set("retries", *fields.Retries)
	}
	if to == domain.TaskStatusPending {
		// Reclaim releases the owner reference
		update = update.Set("assigned_agent", "").Set("assigned_at", nil)
	}

	sql, args, err := update.ToSql()
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		r.log.Error("Failed to transition task", zap.String("task_id", id), zap.Error(err))
		return domain.ErrStoreUnavailable
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// No row moved: either the task is unknown or another pass won the
	// race. Re-read to tell the two apart.
	if _, err := r.Get(ctx, id); errors.Is(err, domain.ErrUnknownTask) {
		return domain.ErrUnknownTask
	}
	return domain.ErrStaleTransition
}

func (r *taskStore) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	sql, args, err := r.qb.Select(taskColumns).From("tasks").
		Where(squirrel.Eq{"status": status}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, domain.ErrStoreUnavailable
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	var payload, result []byte
	if err := row.Scan(&t.ID, &t.Type, &payload, &t.Capability, &t.Status, &t.AssignedAgent,
		&t.Retries, &result, &t.Error, &t.CreatedAt, &t.AssignedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Payload = payload
	t.Result = result
	return &t, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
