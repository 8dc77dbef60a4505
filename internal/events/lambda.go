package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
)

// SQSLambda runs subscribed handlers inside an SQS-triggered Lambda
// function. Failed records are reported as partial batch failures so
// only they are redelivered.
type SQSLambda struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewSQSLambda(logger *slog.Logger) *SQSLambda {
	return &SQSLambda{
		logger:   logger.With("component", "bus.lambda"),
		handlers: make(map[string]Handler),
	}
}

func (l *SQSLambda) Subscribe(name string, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[name]; ok {
		return fmt.Errorf("handler for %s already registered", name)
	}
	l.handlers[name] = h
	return nil
}

// Handle processes one SQS batch.
func (l *SQSLambda) Handle(ctx context.Context, batch awsevents.SQSEvent) (awsevents.SQSEventResponse, error) {
	resp := awsevents.SQSEventResponse{BatchItemFailures: []awsevents.SQSBatchItemFailure{}}

	for _, record := range batch.Records {
		ev, err := decode([]byte(record.Body))
		if err != nil {
			l.logger.Error("discarding undecodable record", "message_id", record.MessageId, "error", err)
			continue
		}

		l.mu.RLock()
		h, ok := l.handlers[ev.Name]
		l.mu.RUnlock()
		if !ok {
			l.logger.Warn("no handler for event", "event", ev.Name, "message_id", record.MessageId)
			continue
		}

		if err := h(ctx, ev); err != nil {
			l.logger.Warn("handler failed", "event", ev.Name, "entity_id", ev.EntityID, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				awsevents.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp, nil
}

// Start hands control to the Lambda runtime. It does not return.
func (l *SQSLambda) Start() {
	lambda.Start(l.Handle)
}
