package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/port"
)

type agentAuditStore struct {
	db  *pgxpool.Pool
	qb  squirrel.StatementBuilderType
	log *zap.Logger
}

// NewAgentAuditStore creates the durable agent audit record. Rows are
// upserted on every registry transition and never deleted here; pruning
// is a RetentionPolicy concern.
func NewAgentAuditStore(db *pgxpool.Pool, log *zap.Logger) port.AgentAuditStore {
	return &agentAuditStore{
		db:  db,
		qb:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		log: log,
	}
}

func (r *agentAuditStore) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return err
	}

	sql, args, err := r.qb.Insert("agents").
		Columns("id", "capabilities", "status", "last_heartbeat", "registered_at", "updated_at").
		Values(agent.ID, caps, agent.Status, agent.LastHeartbeat, agent.RegisteredAt, time.Now()).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		r.log.Error("Failed to upsert agent", zap.String("agent_id", agent.ID), zap.Error(err))
		return domain.ErrStoreUnavailable
	}
	return nil
}

func (r *agentAuditStore) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	sql, args, err := r.qb.Select("id", "capabilities", "status", "last_heartbeat", "registered_at").
		From("agents").
		OrderBy("registered_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, domain.ErrStoreUnavailable
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		var a domain.Agent
		var caps []byte
		if err := rows.Scan(&a.ID, &caps, &a.Status, &a.LastHeartbeat, &a.RegisteredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return nil, err
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}
