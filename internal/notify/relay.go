package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const originHeader = "x-qc-origin"

// Channel is the subset of *amqp.Channel the relay uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// envelope is the wire form of a relayed event.
type envelope struct {
	Event Event      `json:"event"`
	To    []Audience `json:"to"`
}

// Relay forwards events between server instances over a RabbitMQ fanout
// exchange. Emit delivers locally and publishes; Consume replays events
// published by other instances into the local emitter.
type Relay struct {
	ch       Channel
	conn     *amqp.Connection
	exchange string
	queue    string
	origin   string
	local    Emitter
	logger   *slog.Logger
}

// NewRelay creates a relay over an already declared exchange and queue.
func NewRelay(ch Channel, exchange, queue string, local Emitter, logger *slog.Logger) *Relay {
	return &Relay{
		ch:       ch,
		exchange: exchange,
		queue:    queue,
		origin:   uuid.NewString(),
		local:    local,
		logger:   logger,
	}
}

// DialRelay connects to the broker at url, declares a durable fanout
// exchange and a per-instance queue bound to it. An empty queue name lets
// the broker pick an exclusive one.
func DialRelay(url, exchange, queue string, local Emitter, logger *slog.Logger) (*Relay, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // args
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	q, err := ch.QueueDeclare(
		queue,       // name
		false,       // durable
		true,        // delete when unused
		queue == "", // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("binding queue %s: %w", q.Name, err)
	}

	r := NewRelay(ch, exchange, q.Name, local, logger)
	r.conn = conn
	return r, nil
}

// Origin returns the id this instance stamps on published events.
func (r *Relay) Origin() string { return r.origin }

// Emit implements Emitter.
func (r *Relay) Emit(ctx context.Context, ev Event, to ...Audience) {
	r.local.Emit(ctx, ev, to...)

	body, err := json.Marshal(envelope{Event: ev, To: to})
	if err != nil {
		r.logger.Warn("relay encode failed", "kind", ev.Kind, "error", err)
		return
	}
	err = r.ch.PublishWithContext(ctx,
		r.exchange, // exchange
		"",         // routing key, ignored by fanout
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   ev.ID,
			Headers:     amqp.Table{originHeader: r.origin},
			Body:        body,
		},
	)
	if err != nil {
		r.logger.Warn("relay publish failed", "kind", ev.Kind, "error", err)
	}
}

// Consume delivers events from other instances to the local emitter until
// ctx is done or the delivery channel closes.
func (r *Relay) Consume(ctx context.Context) error {
	deliveries, err := r.ch.Consume(
		r.queue, // queue
		"",      // consumer
		true,    // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", r.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("relay delivery channel closed")
			}
			if origin, _ := d.Headers[originHeader].(string); origin == r.origin {
				continue
			}
			var env envelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				r.logger.Warn("relay decode failed", "message", d.MessageId, "error", err)
				continue
			}
			r.local.Emit(ctx, env.Event, env.To...)
		}
	}
}

// Close closes the broker connection opened by DialRelay.
func (r *Relay) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
