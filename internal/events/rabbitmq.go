package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// RabbitMQOptions configures the RabbitMQ bus.
type RabbitMQOptions struct {
	URL         string
	QueuePrefix string
	Prefetch    int
	RetryDelay  time.Duration
}

// RabbitMQBus publishes each event name to its own durable queue on the
// default exchange and consumes with manual acknowledgements.
type RabbitMQBus struct {
	opts    RabbitMQOptions
	logger  *slog.Logger
	conn    *amqp.Connection
	pubMu   sync.Mutex
	pubChan *amqp.Channel

	mu       sync.Mutex
	handlers map[string]Handler
}

func NewRabbitMQBus(logger *slog.Logger, opts RabbitMQOptions) (*RabbitMQBus, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 4
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	logger = logger.With("component", "bus.rabbitmq")

	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	logger.Info("RabbitMQ bus connected", "prefix", opts.QueuePrefix)

	return &RabbitMQBus{
		opts:     opts,
		logger:   logger,
		conn:     conn,
		pubChan:  ch,
		handlers: make(map[string]Handler),
	}, nil
}

func declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	return nil
}

func (b *RabbitMQBus) Publish(ctx context.Context, ev Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	queue := QueueName(b.opts.QueuePrefix, ev.Name)

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if err := declare(b.pubChan, queue); err != nil {
		return err
	}
	err = b.pubChan.PublishWithContext(ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    ev.ID,
			Type:         ev.Name,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", ev.Name, err)
	}
	return nil
}

func (b *RabbitMQBus) Subscribe(name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[name]; ok {
		return fmt.Errorf("handler for %s already registered", name)
	}
	b.handlers[name] = h
	return nil
}

// Run consumes every subscribed queue on its own channel until ctx is done.
func (b *RabbitMQBus) Run(ctx context.Context) error {
	b.mu.Lock()
	handlers := make(map[string]Handler, len(b.handlers))
	for k, v := range b.handlers {
		handlers[k] = v
	}
	b.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for name, h := range handlers {
		g.Go(func() error { return b.consume(ctx, name, h) })
	}
	return g.Wait()
}

func (b *RabbitMQBus) consume(ctx context.Context, name string, h Handler) error {
	queue := QueueName(b.opts.QueuePrefix, name)
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(b.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("setting QoS: %w", err)
	}
	if err := declare(ch, queue); err != nil {
		return err
	}
	msgs, err := ch.ConsumeWithContext(ctx,
		queue, // queue
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", queue, err)
	}
	b.logger.Info("consumer started", "queue", queue, "prefetch", b.opts.Prefetch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			b.handle(ctx, h, msg)
		}
	}
}

func (b *RabbitMQBus) handle(ctx context.Context, h Handler, msg amqp.Delivery) {
	ev, err := decode(msg.Body)
	if err != nil {
		// Poison message: redelivery cannot fix it.
		b.logger.Error("discarding undecodable message", "message_id", msg.MessageId, "error", err)
		msg.Nack(false, false)
		return
	}

	if err := h(ctx, ev); err != nil {
		b.logger.Warn("handler failed, requeueing",
			"event", ev.Name, "entity_id", ev.EntityID, "redelivered", msg.Redelivered, "error", err)
		select {
		case <-time.After(b.opts.RetryDelay):
		case <-ctx.Done():
		}
		if err := msg.Nack(false, true); err != nil {
			b.logger.Error("failed to nack message", "message_id", msg.MessageId, "error", err)
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		b.logger.Error("failed to ack message", "message_id", msg.MessageId, "error", err)
	}
}

func (b *RabbitMQBus) Close() error {
	if b.pubChan != nil {
		b.pubChan.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
