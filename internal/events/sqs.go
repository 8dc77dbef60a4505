package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"
)

// SQSAPI is the subset of the SQS client the bus uses.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSOptions struct {
	Region      string
	Endpoint    string // for ElasticMQ and LocalStack
	QueuePrefix string
	WaitTime    time.Duration // long-poll duration, at most 20s
	BatchSize   int32
}

// SQSBus maps each event name to an SQS queue. A failed delivery is left
// on the queue and becomes visible again after the visibility timeout.
type SQSBus struct {
	client SQSAPI
	opts   SQSOptions
	logger *slog.Logger

	mu        sync.Mutex
	queueURLs map[string]string
	handlers  map[string]Handler
}

// NewSQSBus loads the default AWS config chain for opts.Region.
func NewSQSBus(ctx context.Context, logger *slog.Logger, opts SQSOptions) (*SQSBus, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewSQSBusWithClient(client, logger, opts), nil
}

func NewSQSBusWithClient(client SQSAPI, logger *slog.Logger, opts SQSOptions) *SQSBus {
	if opts.WaitTime <= 0 || opts.WaitTime > 20*time.Second {
		opts.WaitTime = 20 * time.Second
	}
	if opts.BatchSize <= 0 || opts.BatchSize > 10 {
		opts.BatchSize = 10
	}
	return &SQSBus{
		client:    client,
		opts:      opts,
		logger:    logger.With("component", "bus.sqs"),
		queueURLs: make(map[string]string),
		handlers:  make(map[string]Handler),
	}
}

func (b *SQSBus) queueURL(ctx context.Context, name string) (string, error) {
	queue := QueueName(b.opts.QueuePrefix, name)
	b.mu.Lock()
	url, ok := b.queueURLs[queue]
	b.mu.Unlock()
	if ok {
		return url, nil
	}

	out, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", fmt.Errorf("getting queue URL for %s: %w", queue, err)
	}
	b.mu.Lock()
	b.queueURLs[queue] = *out.QueueUrl
	b.mu.Unlock()
	return *out.QueueUrl, nil
}

func (b *SQSBus) Publish(ctx context.Context, ev Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	url, err := b.queueURL(ctx, ev.Name)
	if err != nil {
		return err
	}
	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(ev.Name)},
		},
	})
	if err != nil {
		return fmt.Errorf("sending %s: %w", ev.Name, err)
	}
	return nil
}

func (b *SQSBus) Subscribe(name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[name]; ok {
		return fmt.Errorf("handler for %s already registered", name)
	}
	b.handlers[name] = h
	return nil
}

// Run long-polls every subscribed queue until ctx is done.
func (b *SQSBus) Run(ctx context.Context) error {
	b.mu.Lock()
	handlers := make(map[string]Handler, len(b.handlers))
	for k, v := range b.handlers {
		handlers[k] = v
	}
	b.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for name, h := range handlers {
		g.Go(func() error { return b.poll(ctx, name, h) })
	}
	return g.Wait()
}

func (b *SQSBus) poll(ctx context.Context, name string, h Handler) error {
	url, err := b.queueURL(ctx, name)
	if err != nil {
		return err
	}
	for ctx.Err() == nil {
		out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(url),
			MaxNumberOfMessages: b.opts.BatchSize,
			WaitTimeSeconds:     int32(b.opts.WaitTime / time.Second),
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			b.logger.Error("receive failed", "queue", url, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		for _, msg := range out.Messages {
			b.handle(ctx, url, h, msg)
		}
	}
	return nil
}

func (b *SQSBus) handle(ctx context.Context, url string, h Handler, msg types.Message) {
	ev, err := decode([]byte(aws.ToString(msg.Body)))
	if err == nil {
		err = h(ctx, ev)
		if err != nil {
			b.logger.Warn("handler failed, leaving message for redelivery",
				"event", ev.Name, "entity_id", ev.EntityID, "error", err)
			return
		}
	} else {
		b.logger.Error("discarding undecodable message", "message_id", aws.ToString(msg.MessageId), "error", err)
	}

	if _, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		b.logger.Error("failed to delete message", "message_id", aws.ToString(msg.MessageId), "error", err)
	}
}

func (b *SQSBus) Close() error { return nil }
