// The simulation binary runs the whole coordination core in-process:
// memory task store, in-proc delivery channel, synthetic agents with
// mixed capabilities, and a generator injecting task batches. It prints
// the assignment and completion stream so scheduling behavior can be
// eyeballed without any infrastructure.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/internal/adapter/monitoring/prometheus"
	"github.com/taskmesh/coordinator/internal/adapter/queue/inproc"
	"github.com/taskmesh/coordinator/internal/adapter/storage/memory"
	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/service"
)

const (
	simulationDuration = 2 * time.Minute
	injectionInterval  = 2 * time.Second
)

var capabilityMix = [][]string{
	{"echo"},
	{"echo", "sql"},
	{"sql", "report"},
}

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	log, _ := zap.NewDevelopment()
	defer log.Sync()

	store := memory.NewTaskStore()
	channel := inproc.New(log.Named("Channel"))
	metrics := prometheus.Nop{}

	registry := service.NewRegistry(10*time.Second, nil, nil, metrics, log.Named("Registry"))
	scheduler := service.NewScheduler(store, registry, channel, metrics, service.SchedulerConfig{
		AssignmentTimeout: 5 * time.Second,
		MaxRetries:        2,
		BatchSize:         16,
		PassInterval:      500 * time.Millisecond,
	}, log.Named("Scheduler"))
	coordinator := service.NewCoordinator(store, registry, scheduler, channel, metrics, log.Named("Coordinator"))

	go scheduler.Run(rootCtx)
	go registry.RunSweeper(rootCtx, time.Second)

	// Spin up synthetic agents. Each consumes its assignment stream,
	// pretends to work, then reports back through the channel.
	for i := 1; i <= 3; i++ {
		agentID := fmt.Sprintf("sim-agent-%d", i)
		caps := capabilityMix[(i-1)%len(capabilityMix)]
		if err := coordinator.ConnectAgent(rootCtx, agentID, caps); err != nil {
			log.Fatal("Failed to connect synthetic agent", zap.Error(err))
		}

		channel.Subscribe(agentID, func(env domain.Envelope) {
			if env.Kind != domain.EnvelopeAssign {
				return
			}
			fmt.Printf("   [%s] received %s (%s)\n", agentID, env.TaskID[:8], env.TaskType)
			time.Sleep(time.Duration(200+rand.Intn(800)) * time.Millisecond)
			channel.Deliver(agentID, domain.Envelope{
				Kind:    domain.EnvelopeResult,
				TaskID:  env.TaskID,
				Status:  domain.TaskStatusCompleted,
				Payload: env.Payload,
			})
			fmt.Printf("   [%s] completed %s\n", agentID, env.TaskID[:8])
		})

		// Synthetic heartbeats keep the agent inside the liveness window
		go func(id string) {
			ticker := time.NewTicker(3 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-rootCtx.Done():
					return
				case <-ticker.C:
					channel.Deliver(id, domain.Envelope{Kind: domain.EnvelopeHeartbeat})
				}
			}
		}(agentID)
	}

	fmt.Println("Starting 2-minute coordination simulation with 3 agents...")

	endTime := time.Now().Add(simulationDuration)
	ticker := time.NewTicker(injectionInterval)
	defer ticker.Stop()

	taskCount := 0
	taskTypes := []struct {
		taskType   string
		capability string
	}{
		{"echo", "echo"},
		{"query", "sql"},
		{"report", "report"},
		{"echo", ""}, // any agent may take it
	}

	for {
		select {
		case <-rootCtx.Done():
			fmt.Println("\nSimulation interrupted.")
			return
		case <-ticker.C:
			if time.Now().After(endTime) {
				fmt.Println("\nSimulation complete.")
				os.Exit(0)
			}

			batchSize := rand.Intn(4) + 1
			fmt.Printf("\n[Generator] Injecting %d new tasks...\n", batchSize)

			for i := 0; i < batchSize; i++ {
				taskCount++
				spec := taskTypes[rand.Intn(len(taskTypes))]
				payload := json.RawMessage(fmt.Sprintf(`{"seq":%d}`, taskCount))

				taskID, err := coordinator.SubmitTask(rootCtx, spec.taskType, payload, spec.capability)
				if err != nil {
					log.Error("Failed to submit task", zap.Error(err))
					continue
				}
				fmt.Printf("   submitted %s type=%s capability=%q\n", taskID[:8], spec.taskType, spec.capability)
			}
		}
	}
}
