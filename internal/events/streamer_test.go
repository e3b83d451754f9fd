package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProducer struct {
	produceFunc func(ctx context.Context, key, value []byte) (time.Time, error)
	closed      bool
}

func (f *fakeProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	if f.produceFunc != nil {
		return f.produceFunc(ctx, key, value)
	}
	return time.Now().UTC(), nil
}

func (f *fakeProducer) Close() error {
	f.closed = true
	return nil
}

type fakeArchiver struct {
	archiveFunc func(ctx context.Context, ev Event) (string, error)
}

func (f *fakeArchiver) ArchiveEvent(ctx context.Context, ev Event) (string, error) {
	if f.archiveFunc != nil {
		return f.archiveFunc(ctx, ev)
	}
	return "archive/" + ev.ID + ".json", nil
}

type markCall struct {
	id          string
	archivedKey *string
	ok          bool
	streamErr   string
}

type fakeSource struct {
	mu      sync.Mutex
	pending []Event
	marks   []markCall
}

func (f *fakeSource) FetchPendingEvents(ctx context.Context, limit int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	batch := f.pending[:limit]
	f.pending = f.pending[limit:]
	return batch, nil
}

func (f *fakeSource) MarkEventStreamResult(ctx context.Context, id string, archivedKey *string, ok bool, streamErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, markCall{id: id, archivedKey: archivedKey, ok: ok, streamErr: streamErr})
	return nil
}

func (f *fakeSource) markFor(id string) (markCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.marks {
		if m.id == id {
			return m, true
		}
	}
	return markCall{}, false
}

func testEvent(id string) Event {
	payload, _ := json.Marshal(map[string]string{"variant_id": "VAR-1"})
	return Event{ID: id, EventType: TypeStageCompleted, Payload: payload, Ts: time.Now().UTC()}
}

func TestProcessEventSuccess(t *testing.T) {
	src := &fakeSource{}
	s := NewStreamer(src, &fakeProducer{}, &fakeArchiver{}, StreamerConfig{})

	if err := s.processEvent(context.Background(), testEvent("ev-1")); err != nil {
		t.Fatalf("processEvent: %v", err)
	}

	mark, ok := src.markFor("ev-1")
	if !ok {
		t.Fatal("expected a mark call")
	}
	if !mark.ok {
		t.Fatalf("mark = %+v, want success", mark)
	}
	if mark.archivedKey == nil || *mark.archivedKey != "archive/ev-1.json" {
		t.Fatalf("archived key = %v", mark.archivedKey)
	}
}

func TestProcessEventProduceFailureReturnsRowToPending(t *testing.T) {
	src := &fakeSource{}
	prod := &fakeProducer{
		produceFunc: func(ctx context.Context, key, value []byte) (time.Time, error) {
			return time.Time{}, errors.New("broker unreachable")
		},
	}
	s := NewStreamer(src, prod, &fakeArchiver{}, StreamerConfig{})

	if err := s.processEvent(context.Background(), testEvent("ev-2")); err == nil {
		t.Fatal("expected produce error")
	}

	mark, ok := src.markFor("ev-2")
	if !ok {
		t.Fatal("expected a mark call")
	}
	if mark.ok || mark.streamErr == "" {
		t.Fatalf("mark = %+v, want failure with error recorded", mark)
	}
}

func TestProcessEventArchiveFailure(t *testing.T) {
	src := &fakeSource{}
	arch := &fakeArchiver{
		archiveFunc: func(ctx context.Context, ev Event) (string, error) {
			return "", errors.New("bucket gone")
		},
	}
	s := NewStreamer(src, &fakeProducer{}, arch, StreamerConfig{})

	if err := s.processEvent(context.Background(), testEvent("ev-3")); err == nil {
		t.Fatal("expected archive error")
	}
	mark, _ := src.markFor("ev-3")
	if mark.ok {
		t.Fatalf("mark = %+v, want failure", mark)
	}
}

func TestProcessEventWithoutArchiver(t *testing.T) {
	src := &fakeSource{}
	s := NewStreamer(src, &fakeProducer{}, nil, StreamerConfig{})

	if err := s.processEvent(context.Background(), testEvent("ev-4")); err != nil {
		t.Fatalf("processEvent: %v", err)
	}
	mark, _ := src.markFor("ev-4")
	if !mark.ok || mark.archivedKey != nil {
		t.Fatalf("mark = %+v, want success without archive key", mark)
	}
}

func TestRunDrainsPendingAndStopsOnCancel(t *testing.T) {
	src := &fakeSource{pending: []Event{testEvent("ev-5"), testEvent("ev-6"), testEvent("ev-7")}}
	prod := &fakeProducer{}
	s := NewStreamer(src, prod, &fakeArchiver{}, StreamerConfig{
		BatchSize:    2,
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		src.mu.Lock()
		n := len(src.marks)
		src.mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("streamer processed %d events, want 3", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	// Run shuts down without closing the producer; whoever built it does.
	if prod.closed {
		t.Fatal("streamer closed a producer it does not own")
	}
}

func TestOutboxRecorderAppends(t *testing.T) {
	sink := &captureSink{}
	rec := NewOutboxRecorder(sink)

	rec.Record(context.Background(), TypeStageStarted, map[string]string{"variant_id": "VAR-1"})

	if len(sink.events) != 1 {
		t.Fatalf("appended %d events, want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.EventType != TypeStageStarted || ev.ID == "" {
		t.Fatalf("event = %+v", ev)
	}
	var payload map[string]string
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["variant_id"] != "VAR-1" {
		t.Fatalf("payload = %v", payload)
	}
}

type captureSink struct {
	events []Event
}

func (c *captureSink) AppendEvent(_ context.Context, ev Event) error {
	c.events = append(c.events, ev)
	return nil
}
