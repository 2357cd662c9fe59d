// The agent binary is a reference worker: it connects to the
// coordinator over HTTP, drains its private assignment queue from the
// broker, heartbeats, and executes the built-in task types.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/config/logger"
	config "github.com/taskmesh/coordinator/config/utils"
	"github.com/taskmesh/coordinator/internal/adapter/queue/rabbitmq"
	"github.com/taskmesh/coordinator/internal/core/domain"
)

const heartbeatInterval = 5 * time.Second

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	appConfig := config.New()
	log := logger.Build(appConfig.Logger)

	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		agentID = fmt.Sprintf("agent-%d", time.Now().Unix())
	}
	capabilities := []string{"echo", "sleep"}
	if caps := os.Getenv("AGENT_CAPABILITIES"); caps != "" {
		capabilities = strings.Split(caps, ",")
	}
	coordinatorURL := os.Getenv("COORDINATOR_URL")
	if coordinatorURL == "" {
		coordinatorURL = "http://localhost:8080"
	}

	log = log.With(zap.String("service", "agent"), zap.String("agent_id", agentID))
	log.Info("Starting worker agent", zap.Strings("capabilities", capabilities))

	// Connect to the broker first so assignments can flow the moment
	// the coordinator knows about us.
	conn, err := amqp.Dial(appConfig.Queue.URL)
	if err != nil {
		log.Fatal("Failed to connect to broker", zap.Error(err))
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("Failed to open broker channel", zap.Error(err))
	}

	// Register with the coordinator
	if err := connect(coordinatorURL, agentID, capabilities); err != nil {
		log.Fatal("Failed to connect to coordinator", zap.Error(err))
	}
	log.Info("Connected to coordinator")

	// Consume assignments
	err = rabbitmq.ConsumeAssignments(ch, agentID, func(env domain.Envelope) error {
		if env.Kind != domain.EnvelopeAssign {
			return nil
		}
		log.Info("Received assignment", zap.String("task_id", env.TaskID), zap.String("type", env.TaskType))

		result := execute(env)
		if err := rabbitmq.PublishInbound(rootCtx, ch, agentID, result); err != nil {
			log.Error("Failed to publish result", zap.String("task_id", env.TaskID), zap.Error(err))
			return err
		}
		log.Info("Reported result", zap.String("task_id", env.TaskID), zap.String("status", string(result.Status)))
		return nil
	})
	if err != nil {
		log.Fatal("Failed to start assignment consumer", zap.Error(err))
	}

	// Heartbeat loop
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				env := domain.Envelope{Kind: domain.EnvelopeHeartbeat}
				if err := rabbitmq.PublishInbound(rootCtx, ch, agentID, env); err != nil {
					log.Error("Heartbeat failed", zap.Error(err))
				} else {
					log.Debug("Heartbeat sent")
				}
			}
		}
	}()

	log.Info("Agent started successfully. Waiting for assignments...")
	<-rootCtx.Done()

	// Best-effort deregistration on the way out
	disconnect(coordinatorURL, agentID)
	log.Info("Shutdown complete")
}

// execute runs the built-in task types. Unknown types fail rather than
// hang until the coordinator's deadline.
func execute(env domain.Envelope) domain.Envelope {
	result := domain.Envelope{Kind: domain.EnvelopeResult, TaskID: env.TaskID}

	switch env.TaskType {
	case "echo":
		result.Status = domain.TaskStatusCompleted
		result.Payload = env.Payload
	case "sleep":
		var spec struct {
			Duration string `json:"duration"`
		}
		d := time.Second
		if err := json.Unmarshal(env.Payload, &spec); err == nil {
			if parsed, err := time.ParseDuration(spec.Duration); err == nil {
				d = parsed
			}
		}
		time.Sleep(d)
		result.Status = domain.TaskStatusCompleted
		result.Payload = json.RawMessage(fmt.Sprintf(`{"slept":%q}`, d))
	default:
		result.Status = domain.TaskStatusFailed
		result.Error = fmt.Sprintf("unsupported task type %q", env.TaskType)
	}
	return result
}

func connect(baseURL, agentID string, capabilities []string) error {
	body, err := json.Marshal(map[string]any{
		"agent_id":     agentID,
		"capabilities": capabilities,
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(baseURL+"/api/agents", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("coordinator returned status %d", resp.StatusCode)
	}
	return nil
}

func disconnect(baseURL, agentID string) {
	req, err := http.NewRequest(http.MethodDelete, baseURL+"/api/agents/"+agentID, nil)
	if err != nil {
		return
	}
	if resp, err := http.DefaultClient.Do(req); err == nil {
		resp.Body.Close()
	}
}
