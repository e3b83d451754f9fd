// Package events implements the DB-first workflow event pipeline: mutations
// append rows to an outbox table, and a background streamer produces them to
// Kafka and archives the JSON envelope to S3. The outbox row is the source of
// truth for retries.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the workflow core.
const (
	TypeStageStarted    = "stage.started"
	TypeStageAssigned   = "stage.assigned"
	TypeStageCompleted  = "stage.completed"
	TypePaymentRecorded = "payment.recorded"
)

// Event is one outbox row.
type Event struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Ts        time.Time       `json:"ts"`
	Attempts  int             `json:"-"`
}

// Sink accepts new outbox rows. The SQL stores implement it.
type Sink interface {
	AppendEvent(ctx context.Context, ev Event) error
}

// Source is the streamer's view of the outbox: claim a batch of pending rows
// and record the outcome of each produce/archive attempt.
type Source interface {
	FetchPendingEvents(ctx context.Context, limit int) ([]Event, error)
	MarkEventStreamResult(ctx context.Context, id string, archivedKey *string, ok bool, streamErr string) error
}

// Recorder is what the workflow and payment services emit through. Recording
// must never fail a business operation; implementations log and swallow sink
// errors.
type Recorder interface {
	Record(ctx context.Context, eventType string, payload interface{})
}

// OutboxRecorder writes events into a Sink.
type OutboxRecorder struct {
	sink Sink
}

func NewOutboxRecorder(sink Sink) *OutboxRecorder {
	return &OutboxRecorder{sink: sink}
}

func (r *OutboxRecorder) Record(ctx context.Context, eventType string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[workflow.events] marshal %s payload: %v", eventType, err)
		return
	}
	ev := Event{
		ID:        uuid.New().String(),
		EventType: eventType,
		Payload:   body,
		Ts:        time.Now().UTC(),
	}
	if err := r.sink.AppendEvent(ctx, ev); err != nil {
		log.Printf("[workflow.events] append %s event: %v", eventType, err)
	}
}

// LogRecorder is the fallback for deployments without a durable outbox (the
// in-memory store); it just logs the event.
type LogRecorder struct{}

func NewLogRecorder() *LogRecorder { return &LogRecorder{} }

func (LogRecorder) Record(_ context.Context, eventType string, payload interface{}) {
	body, _ := json.Marshal(payload)
	log.Printf("[workflow.events] %s %s", eventType, body)
}

// Envelope is the canonical wire form produced to Kafka and archived to S3.
func (e Event) Envelope() ([]byte, error) {
	env := map[string]interface{}{
		"id":        e.ID,
		"eventType": e.EventType,
		"payload":   e.Payload,
		"ts":        e.Ts.Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}
