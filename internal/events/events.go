// Package events carries stage-request and stage-completed messages between
// the orchestrator and stage workers. Delivery is at-least-once and may be
// reordered; consumers must be idempotent.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event names. Each stage-request name doubles as the queue name.
const (
	TranscribeRequested = "transcribe.requested"
	SummarizeRequested  = "summarize.requested"
	TranslateRequested  = "translate.requested"
	AnalyzeJobRequested = "analyze_job.requested"
	StageCompleted      = "stage.completed"
)

// Names lists every event name in a stable order.
var Names = []string{
	TranscribeRequested,
	SummarizeRequested,
	TranslateRequested,
	AnalyzeJobRequested,
	StageCompleted,
}

type Event struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	EntityID string `json:"entityId"`
	Language string `json:"language,omitempty"`

	// Set on stage.completed events.
	Stage   string `json:"stage,omitempty"`
	Outcome string `json:"outcome,omitempty"`

	// Recover marks a re-emission for an attempt that looks abandoned;
	// workers may re-claim a stale processing entity.
	Recover    bool      `json:"recover,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// New returns an event with a fresh id and timestamp.
func New(name, entityID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Name:       name,
		EntityID:   entityID,
		OccurredAt: time.Now().UTC(),
	}
}

// Handler processes one delivery. A non-nil error asks the bus to redeliver.
type Handler func(ctx context.Context, ev Event) error

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Subscriber interface {
	Subscribe(name string, h Handler) error
}

// Bus is a Publisher and Subscriber whose consumers run until ctx is done.
type Bus interface {
	Publisher
	Subscriber
	Run(ctx context.Context) error
	Close() error
}

func encode(ev Event) ([]byte, error) {
	if ev.Name == "" || ev.EntityID == "" {
		return nil, fmt.Errorf("event needs a name and entity id")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return json.Marshal(ev)
}

func decode(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if ev.Name == "" || ev.EntityID == "" {
		return Event{}, fmt.Errorf("decoding event: missing name or entity id")
	}
	return ev, nil
}

// QueueName maps an event name onto a broker queue name.
func QueueName(prefix, name string) string {
	q := make([]byte, 0, len(prefix)+len(name)+1)
	if prefix != "" {
		q = append(q, prefix...)
		q = append(q, '-')
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '_' {
			c = '-'
		}
		q = append(q, c)
	}
	return string(q)
}
