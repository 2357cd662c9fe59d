// Package rabbitmq implements the DeliveryChannel port: per-agent
// assignment queues bound to a direct exchange, and a shared inbound
// queue carrying results and heartbeats back to the coordinator.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/port"
)

const (
	agentExchange = "agents.direct"
	inboundQueue  = "coordinator.inbound"
)

type deliveryChannel struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger

	mu       sync.RWMutex
	attached map[string]bool
	handler  func(agentID string, env domain.Envelope)
}

// NewDeliveryChannel dials the broker and declares the exchange and the
// shared inbound queue. Connection attempts back off incrementally.
func NewDeliveryChannel(url string, log *zap.Logger) (port.DeliveryChannel, error) {
	var conn *amqp.Connection
	var err error

	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				d := &deliveryChannel{
					conn:     conn,
					ch:       ch,
					log:      log,
					attached: make(map[string]bool),
				}
				if err := d.declareTopology(); err != nil {
					conn.Close()
					return nil, err
				}
				return d, nil
			}
			err = chErr
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		// Simple incremental backoff
		time.Sleep(time.Duration(i*2) * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func (d *deliveryChannel) declareTopology() error {
	if err := d.ch.ExchangeDeclare(
		agentExchange, // name
		"direct",      // kind
		true,          // durable
		false,         // auto-delete
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	); err != nil {
		return err
	}

	_, err := d.ch.QueueDeclare(
		inboundQueue, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	return err
}

// Attach declares and binds the agent's private assignment queue. The
// routing key is the agent id itself.
func (d *deliveryChannel) Attach(ctx context.Context, agentID string) error {
	qName := agentQueueName(agentID)

	if _, err := d.ch.QueueDeclare(qName, true, false, false, false, nil); err != nil {
		return err
	}
	if err := d.ch.QueueBind(qName, agentID, agentExchange, false, nil); err != nil {
		return err
	}

	d.mu.Lock()
	d.attached[agentID] = true
	d.mu.Unlock()

	d.log.Info("Attached agent queue", zap.String("agent_id", agentID), zap.String("queue", qName))
	return nil
}

// Detach stops routing to the agent. The queue itself stays declared so
// a reconnecting agent can drain anything already published.
func (d *deliveryChannel) Detach(agentID string) {
	d.mu.Lock()
	delete(d.attached, agentID)
	d.mu.Unlock()
}

func (d *deliveryChannel) Send(ctx context.Context, agentID string, env domain.Envelope) error {
	d.mu.RLock()
	attached := d.attached[agentID]
	d.mu.RUnlock()
	if !attached {
		return domain.ErrChannelClosed
	}

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	err = d.ch.PublishWithContext(ctx,
		agentExchange, // Exchange
		agentID,       // Routing key
		false,         // Mandatory
		false,         // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	if err != nil {
		d.log.Error("Failed to publish envelope", zap.String("agent_id", agentID), zap.Error(err))
		return domain.ErrChannelClosed
	}

	d.log.Debug("Published envelope",
		zap.String("agent_id", agentID),
		zap.String("kind", string(env.Kind)),
		zap.String("task_id", env.TaskID))
	return nil
}

// OnMessage starts consuming the shared inbound queue and dispatches
// each envelope to the single registered handler. Invalid messages are
// discarded; handler panics are the handler's problem, every message is
// acked exactly once here.
func (d *deliveryChannel) OnMessage(handler func(agentID string, env domain.Envelope)) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()

	msgs, err := d.ch.Consume(
		inboundQueue, // queue
		"",           // consumer
		false,        // auto-ack (ack after dispatch)
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		d.log.Error("Failed to start inbound consumer", zap.Error(err))
		return
	}

	d.log.Info("Started consuming inbound envelopes", zap.String("queue", inboundQueue))

	go func() {
		for m := range msgs {
			var env domain.Envelope
			if err := json.Unmarshal(m.Body, &env); err != nil {
				d.log.Error("Failed to unmarshal envelope", zap.Error(err))
				m.Nack(false, false) // discard invalid message
				continue
			}

			// Agents stamp their id on the message headers
			agentID, _ := m.Headers["agent_id"].(string)
			if agentID == "" {
				d.log.Error("Inbound envelope without agent_id header")
				m.Nack(false, false)
				continue
			}

			handler(agentID, env)
			m.Ack(false)
		}
	}()
}

// PublishInbound sends an envelope from an agent to the coordinator's
// shared inbound queue. Used by the reference agent binary.
func PublishInbound(ctx context.Context, ch *amqp.Channel, agentID string, env domain.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx,
		"",           // default exchange
		inboundQueue, // routed straight to the queue
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Headers:     amqp.Table{"agent_id": agentID},
			Body:        body,
		})
}

// ConsumeAssignments attaches a consumer to the agent's private queue.
// Used by the reference agent binary.
func ConsumeAssignments(ch *amqp.Channel, agentID string, handler func(env domain.Envelope) error) error {
	qName := agentQueueName(agentID)

	if _, err := ch.QueueDeclare(qName, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(qName, agentID, agentExchange, false, nil); err != nil {
		return err
	}

	msgs, err := ch.Consume(qName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for m := range msgs {
			var env domain.Envelope
			if err := json.Unmarshal(m.Body, &env); err != nil {
				m.Nack(false, false)
				continue
			}
			if err := handler(env); err != nil {
				m.Nack(false, true)
			} else {
				m.Ack(false)
			}
		}
	}()

	return nil
}

func agentQueueName(agentID string) string {
	return fmt.Sprintf("agent.tasks.%s", agentID)
}
