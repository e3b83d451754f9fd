package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ornaflow/ornaflow/internal/auth"
	"github.com/ornaflow/ornaflow/internal/config"
	"github.com/ornaflow/ornaflow/internal/events"
	"github.com/ornaflow/ornaflow/internal/httpserver"
	"github.com/ornaflow/ornaflow/internal/payments"
	"github.com/ornaflow/ornaflow/internal/stage"
	"github.com/ornaflow/ornaflow/internal/store"
	"github.com/ornaflow/ornaflow/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	var (
		st       store.Store
		source   events.Source
		recorder events.Recorder
		closeDB  func() error
	)

	switch cfg.StoreBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		pg := store.NewPGStore(db)
		if err := pg.Migrate(context.Background()); err != nil {
			log.Fatalf("db migrate: %v", err)
		}
		st = pg
		source = pg
		recorder = events.NewOutboxRecorder(pg)
		closeDB = db.Close
	case "sqlite":
		sq, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite open: %v", err)
		}
		st = sq
		source = sq
		recorder = events.NewOutboxRecorder(sq)
		closeDB = sq.Close
	case "memory":
		st = store.NewMemoryStore()
		recorder = events.NewLogRecorder()
		closeDB = func() error { return nil }
	}

	registry := stage.MustDefault()
	wf := workflow.NewService(st, registry, recorder)
	pay := payments.NewService(st, recorder)
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.WriteRole, cfg.AllowDebugToken, cfg.DebugToken)
	server := httpserver.New(wf, pay, st, verifier)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var producer *events.KafkaProducer
	if cfg.StreamingEnabled() && source != nil {
		producer, err = events.NewKafkaProducer(events.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka producer init: %v", err)
		}
		var archiver events.Archiver
		if cfg.S3Bucket != "" {
			archiver, err = events.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
			if err != nil {
				log.Fatalf("s3 archiver init: %v", err)
			}
		}
		streamer := events.NewStreamer(source, producer, archiver, events.StreamerConfig{
			BatchSize:      cfg.StreamBatchSize,
			PollInterval:   cfg.StreamPollInterval,
			MaxConcurrency: cfg.StreamMaxConcurrency,
		})
		go func() {
			if err := streamer.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("[workflow.streamer] stopped: %v", err)
			}
		}()
	}

	go func() {
		log.Printf("workflow service listening on %s (store=%s)", cfg.Addr, cfg.StoreBackend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	cancel()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Printf("kafka close: %v", err)
		}
	}
	if err := closeDB(); err != nil {
		log.Printf("db close: %v", err)
	}
}
