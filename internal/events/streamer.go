package events

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Producer is the small subset of Kafka producer behavior the streamer needs.
// The caller that constructed the producer owns closing it.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (producedAt time.Time, err error)
}

// StreamerConfig configures the durable DB-first streamer.
type StreamerConfig struct {
	// How many events to claim per fetch.
	BatchSize int

	// PollInterval when there is no work.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent produce->archive processing of a
	// claimed batch.
	MaxConcurrency int
}

// Streamer drains the workflow event outbox: claim pending rows, produce each
// envelope to Kafka, archive it to S3, and mark the row success/failure so
// the outbox remains the source of truth for retries.
type Streamer struct {
	source   Source
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	wg       sync.WaitGroup
}

// NewStreamer constructs a streamer. Zero cfg fields get sensible defaults.
func NewStreamer(source Source, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{
		source:   source,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run blocks until ctx is cancelled, polling for pending outbox rows and
// processing batches with bounded concurrency.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[workflow.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[workflow.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		default:
		}

		batch, err := s.source.FetchPendingEvents(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[workflow.streamer] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		if len(batch) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for _, ev := range batch {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(ev Event) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEvent(ctx, ev); err != nil {
					log.Printf("[workflow.streamer] process event %s: %v", ev.ID, err)
				}
			}(ev)
		}

		// Drain the batch before claiming more; keeps per-batch ordering and
		// bounds in-flight work.
		s.wg.Wait()
	}
}

// processEvent performs produce -> archive for one event and records the
// outcome against the outbox row.
func (s *Streamer) processEvent(parentCtx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	envelope, err := ev.Envelope()
	if err != nil {
		_ = s.source.MarkEventStreamResult(parentCtx, ev.ID, nil, false, err.Error())
		return err
	}

	producedAt, err := s.producer.Produce(ctx, []byte(ev.ID), envelope)
	if err != nil {
		_ = s.source.MarkEventStreamResult(parentCtx, ev.ID, nil, false, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	// Archiving is optional; without an archiver the produce alone settles
	// the row.
	var archivedKey *string
	if s.archiver != nil {
		key, err := s.archiver.ArchiveEvent(ctx, ev)
		if err != nil {
			_ = s.source.MarkEventStreamResult(parentCtx, ev.ID, nil, false, fmt.Sprintf("s3 archive: %v", err))
			return fmt.Errorf("s3 archive: %w", err)
		}
		archivedKey = &key
	}

	if err := s.source.MarkEventStreamResult(parentCtx, ev.ID, archivedKey, true, ""); err != nil {
		return fmt.Errorf("mark event stream success: %w", err)
	}

	log.Printf("[workflow.streamer] event %s streamed: produced_at=%s", ev.ID, producedAt.Format(time.RFC3339Nano))
	return nil
}
