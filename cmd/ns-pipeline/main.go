package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"netsentry/internal/aggregate"
	"netsentry/internal/api"
	"netsentry/internal/archive"
	"netsentry/internal/config"
	"netsentry/internal/engine"
	"netsentry/internal/intel"
	"netsentry/internal/metrics"
	"netsentry/internal/model"
	"netsentry/internal/pipeline"
	"netsentry/internal/rules"
	"netsentry/internal/store"
	"netsentry/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML configuration file.")
	flag.Parse()

	log.Println("Starting ns-pipeline...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("Configuration loaded successfully.")

	// Record store: the durable append-only log.
	recordStore, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open record store: %v", err)
	}
	defer recordStore.Close()

	// Rule table, optionally backed by a rules file.
	var table *rules.Table
	if cfg.Rules.PersistPath != "" {
		table, err = rules.NewPersistentTable(cfg.Rules.PersistPath)
		if err != nil {
			log.Fatalf("Failed to load rule table: %v", err)
		}
	} else {
		table = rules.NewTable()
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	agg := aggregate.New(
		config.Duration(cfg.Aggregator.BucketWidth, time.Minute),
		config.Duration(cfg.Aggregator.Retention, time.Hour),
		cfg.Aggregator.RejectStale,
	)

	// The classifier is an external collaborator; losing it degrades
	// decisions but never stops the pipeline.
	var classifier model.Classifier
	natsClassifier, err := transport.NewNATSClassifier(cfg.NATS)
	if err != nil {
		log.Printf("Classifier transport unavailable, decisions will be degraded: %v", err)
	} else {
		classifier = natsClassifier
		defer natsClassifier.Close()
	}

	decisionEngine := engine.New(table, classifier, engine.Options{
		BlockThreshold:      cfg.Engine.BlockThreshold,
		QuarantineThreshold: cfg.Engine.QuarantineThreshold,
		ClassifierTimeout:   config.Duration(cfg.Engine.ClassifierTimeout, 500*time.Millisecond),
		AutoRuleTTL:         config.Duration(cfg.Engine.AutoRuleTTL, time.Hour),
	})

	var archiveWriter *archive.Writer
	if cfg.ClickHouse.Enabled {
		archiveWriter, err = archive.NewWriter(cfg.ClickHouse, m)
		if err != nil {
			log.Fatalf("Failed to create archive writer: %v", err)
		}
	}

	pipe := pipeline.New(decisionEngine, recordStore, agg, archiveWriter, m, cfg.Pipeline.ChannelSize)
	pipe.Start()

	// Feed records from NATS into the pipeline.
	subscriber, err := transport.NewSubscriber(cfg.NATS)
	if err != nil {
		log.Fatalf("Failed to create subscriber: %v", err)
	}
	if err := subscriber.Start(func(record *model.PacketRecord) {
		pipe.Input() <- record
	}); err != nil {
		log.Fatalf("Subscriber failed to start: %v", err)
	}

	// Threat-intel sync keeps feed-origin block rules fresh.
	var syncer *intel.Syncer
	if cfg.Intel.Enabled {
		syncer = intel.NewSyncer(cfg.Intel, table, m)
		syncer.Start()
	}

	// Periodic physical cleanup of expired rules. Matching is already
	// correct without it; this only bounds table growth.
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if dropped := table.Cleanup(); dropped > 0 {
					log.Printf("Cleaned up %d expired rule(s)", dropped)
				}
				agg.Compact()
			case <-cleanupDone:
				return
			}
		}
	}()

	server := api.NewServer(cfg.API.ListenAddr, agg, table, recordStore, m, registry)
	server.Start()

	// Wait for a shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, cleaning up...")
	subscriber.Close()
	pipe.Stop()
	if syncer != nil {
		syncer.Stop()
	}
	close(cleanupDone)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("API server forced to shutdown: %v", err)
	}
	log.Println("Shutdown complete.")
}
