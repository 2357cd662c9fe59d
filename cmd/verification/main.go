// The verification binary smoke-checks every backing service the
// coordinator depends on: Postgres (task store CAS), Redis (liveness
// keys), and RabbitMQ (delivery channel topology).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/config/logger"
	postgresConfig "github.com/taskmesh/coordinator/config/storage/postgresql"
	redisConfig "github.com/taskmesh/coordinator/config/storage/redis"
	config "github.com/taskmesh/coordinator/config/utils"
	"github.com/taskmesh/coordinator/internal/adapter/queue/rabbitmq"
	"github.com/taskmesh/coordinator/internal/adapter/storage/postgres"
	redisAdapter "github.com/taskmesh/coordinator/internal/adapter/storage/redis"
	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/port"
)

func main() {
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	ctx := context.Background()

	log.Info("Starting Verification...")

	// Postgres: create, CAS, stale CAS
	log.Info("--- Testing Postgres ---")
	dbService, err := postgresConfig.New(ctx, appConfig.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to DB", zap.Error(err))
	}
	if err := dbService.Migrate(); err != nil {
		log.Fatal("Failed to migrate DB", zap.Error(err))
	}

	store := postgres.NewTaskStore(dbService.Pool, log)
	task, err := store.Create(ctx, "echo", json.RawMessage(`{"verify":true}`), "echo")
	if err != nil {
		log.Fatal("X Postgres: Create Task Failed", zap.Error(err))
	}
	log.Info("✓ Postgres: Create Task Success", zap.String("task_id", task.ID))

	agent := "verify-agent"
	now := time.Now()
	if err := store.Transition(ctx, task.ID, domain.TaskStatusPending, domain.TaskStatusAssigned, port.TransitionFields{
		AssignedAgent: &agent,
		AssignedAt:    &now,
	}); err != nil {
		log.Error("X Postgres: Guarded Transition Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Guarded Transition Success")
	}

	// Second claim out of PENDING must lose
	err = store.Transition(ctx, task.ID, domain.TaskStatusPending, domain.TaskStatusAssigned, port.TransitionFields{
		AssignedAgent: &agent,
		AssignedAt:    &now,
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		log.Info("✓ Postgres: Stale Transition Rejected")
	} else {
		log.Error("X Postgres: Stale Transition Not Rejected", zap.Error(err))
	}

	// Redis: liveness advertisement
	log.Info("--- Testing Redis ---")
	redisService, err := redisConfig.New(ctx, appConfig.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	liveness := redisAdapter.NewLivenessAdvertiser(redisService.Client, log)
	if err := liveness.Advertise(ctx, &domain.Agent{
		ID:            "verify-agent",
		Capabilities:  []string{"echo"},
		Status:        domain.AgentStatusConnected,
		LastHeartbeat: time.Now(),
	}, 30*time.Second); err != nil {
		log.Error("X Redis: Advertise Failed", zap.Error(err))
	} else {
		log.Info("✓ Redis: Advertise Success")
	}

	// The advertisement must be visible to the key scan
	live, err := liveness.ListLive(ctx)
	if err != nil {
		log.Error("X Redis: ListLive Failed", zap.Error(err))
	} else {
		found := false
		for _, a := range live {
			if a.ID == "verify-agent" {
				found = true
				break
			}
		}
		if found {
			log.Info("✓ Redis: ListLive Sees Advertisement", zap.Int("live_agents", len(live)))
		} else {
			log.Error("X Redis: ListLive Missing Advertisement", zap.Int("live_agents", len(live)))
		}
	}

	if err := liveness.Withdraw(ctx, "verify-agent"); err != nil {
		log.Error("X Redis: Withdraw Failed", zap.Error(err))
	} else {
		log.Info("✓ Redis: Withdraw Success")
	}

	// RabbitMQ: topology + send
	log.Info("--- Testing RabbitMQ ---")
	channel, err := rabbitmq.NewDeliveryChannel(appConfig.Queue.URL, log)
	if err != nil {
		log.Error("X RabbitMQ: Connection Failed", zap.Error(err))
	} else {
		if err := channel.Attach(ctx, "verify-agent"); err != nil {
			log.Error("X RabbitMQ: Attach Failed", zap.Error(err))
		} else if err := channel.Send(ctx, "verify-agent", domain.Envelope{
			Kind:     domain.EnvelopeAssign,
			TaskID:   task.ID,
			TaskType: "echo",
		}); err != nil {
			log.Error("X RabbitMQ: Send Failed", zap.Error(err))
		} else {
			log.Info("✓ RabbitMQ: Attach & Send Success")
		}
	}

	log.Info("Verification Complete.")
}
