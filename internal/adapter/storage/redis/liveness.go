// Package redis advertises agent liveness through TTL'd keys so other
// processes can list live agents without asking the coordinator. The
// in-memory registry remains authoritative; these keys are a read-only
// projection that Redis expires on its own.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redigo "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/port"
)

type Advertiser struct {
	client redigo.UniversalClient
	log    *zap.Logger
}

var _ port.LivenessAdvertiser = (*Advertiser)(nil)

// NewLivenessAdvertiser creates a new Redis liveness adapter
func NewLivenessAdvertiser(client redigo.UniversalClient, log *zap.Logger) *Advertiser {
	return &Advertiser{
		client: client,
		log:    log,
	}
}

// Advertise saves the agent state under agent:<id> with the liveness
// window as TTL; each heartbeat extends it.
func (c *Advertiser) Advertise(ctx context.Context, agent *domain.Agent, ttl time.Duration) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("agent:%s", agent.ID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// Withdraw removes the advertisement on explicit disconnect.
func (c *Advertiser) Withdraw(ctx context.Context, agentID string) error {
	key := fmt.Sprintf("agent:%s", agentID)
	return c.client.Del(ctx, key).Err()
}

// ListLive scans the advertisement keys; expired agents drop out on
// their own through the TTL.
func (c *Advertiser) ListLive(ctx context.Context) ([]*domain.Agent, error) {
	keys, err := c.client.Keys(ctx, "agent:*").Result()
	if err != nil {
		return nil, err
	}

	var agents []*domain.Agent
	for _, key := range keys {
		val, err := c.client.Get(ctx, key).Result()
		if err != nil {
			continue // Skip expired/deleted keys race condition
		}

		var agent domain.Agent
		if err := json.Unmarshal([]byte(val), &agent); err == nil {
			agents = append(agents, &agent)
		}
	}
	return agents, nil
}
