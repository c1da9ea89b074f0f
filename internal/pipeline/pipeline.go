// Package pipeline wires the ingestion path together: every record flows
// decision engine -> record store -> aggregator, on a single writer
// goroutine so append ordering never races. Readers (API, archive, tails)
// operate on persisted data and never block this path.
package pipeline

import (
	"context"
	"log"
	"sync"

	"netsentry/internal/aggregate"
	"netsentry/internal/archive"
	"netsentry/internal/engine"
	"netsentry/internal/metrics"
	"netsentry/internal/model"
	"netsentry/internal/store"
)

// Pipeline is the ingestion loop. Records enter through Input; Stop drains
// what is buffered before shutting down.
type Pipeline struct {
	engine  *engine.Engine
	store   *store.Store
	agg     *aggregate.Aggregator
	archive *archive.Writer // optional, may be nil
	metrics *metrics.Metrics

	records   chan *model.PacketRecord
	staleSeen uint64
	wg        sync.WaitGroup
}

// New creates a pipeline. The archive writer may be nil when archiving is
// disabled.
func New(e *engine.Engine, s *store.Store, a *aggregate.Aggregator, arch *archive.Writer, m *metrics.Metrics, channelSize int) *Pipeline {
	if channelSize <= 0 {
		channelSize = 4096
	}
	return &Pipeline{
		engine:  e,
		store:   s,
		agg:     a,
		archive: arch,
		metrics: m,
		records: make(chan *model.PacketRecord, channelSize),
	}
}

// Input returns the channel records are fed into.
func (p *Pipeline) Input() chan<- *model.PacketRecord {
	return p.records
}

// Start launches the single ingestion worker.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for record := range p.records {
			p.process(record)
		}
	}()
	log.Println("Pipeline started.")
}

// Stop closes the input, waits for buffered records to finish processing,
// and flushes the archive.
func (p *Pipeline) Stop() {
	log.Println("Pipeline stopping...")
	close(p.records)
	p.wg.Wait()
	if p.archive != nil {
		p.archive.Close()
	}
	log.Println("Pipeline stopped.")
}

// process runs one record through decide/append/ingest. A failed append
// drops the record and counts it; classifier faults were already absorbed
// inside the engine.
func (p *Pipeline) process(record *model.PacketRecord) {
	decision := p.engine.Decide(context.Background(), record)

	p.metrics.Decisions.WithLabelValues(string(decision.Action)).Inc()
	if decision.Degraded {
		p.metrics.DegradedTotal.Inc()
	}

	seq, err := p.store.Append(record, decision)
	if err != nil {
		// Drop-and-count policy for storage faults.
		p.metrics.StorageErrors.Inc()
		log.Printf("pipeline: dropping record from %s: %v", record.SrcIP, err)
		return
	}

	p.agg.Ingest(record)
	if total := p.agg.StaleCount(); total > p.staleSeen {
		p.metrics.StaleRecords.Add(float64(total - p.staleSeen))
		p.staleSeen = total
	}

	p.metrics.RecordsIngested.Inc()
	p.metrics.BytesIngested.Add(float64(record.Length))

	if p.archive != nil {
		p.archive.Enqueue(model.StoredEntry{
			Seq:          seq,
			PacketRecord: *record,
			Action:       decision.Action,
			RuleID:       decision.RuleID,
			Degraded:     decision.Degraded,
		})
	}
}
