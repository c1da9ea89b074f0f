// Package archive ships stored entries to ClickHouse in batches for
// long-term analytics, downstream of the durable JSONL log. The archive is
// best-effort: a failed flush is counted and logged, never stalls ingestion.
package archive

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"netsentry/internal/config"
	"netsentry/internal/metrics"
	"netsentry/internal/model"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS packet_records (
    Seq        UInt64,
    Timestamp  DateTime64(3),
    SrcIP      String,
    DstIP      String,
    SrcPort    UInt16,
    DstPort    UInt16,
    Protocol   UInt8,
    Length     UInt64,
    Score      Nullable(Float64),
    Action     String,
    RuleID     Nullable(String),
    Degraded   UInt8
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Timestamp, Seq);
`

// Writer buffers stored entries and flushes them to ClickHouse when the
// batch fills or the flush interval elapses.
type Writer struct {
	conn      driver.Conn
	batchSize int
	interval  time.Duration
	metrics   *metrics.Metrics

	entries chan model.StoredEntry
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWriter connects to ClickHouse, ensures the archive table exists, and
// starts the flush loop.
func NewWriter(cfg config.ClickHouseConfig, m *metrics.Metrics) (*Writer, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Println("Successfully connected to ClickHouse and ensured table exists.")

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	w := &Writer{
		conn:      conn,
		batchSize: batchSize,
		interval:  config.Duration(cfg.FlushInterval, 10*time.Second),
		metrics:   m,
		entries:   make(chan model.StoredEntry, batchSize*2),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Enqueue hands a stored entry to the archive. When the buffer is full the
// entry is dropped and counted; the archive never applies backpressure to
// the writer path.
func (w *Writer) Enqueue(entry model.StoredEntry) {
	select {
	case w.entries <- entry:
	default:
		w.metrics.ArchiveErrors.Inc()
	}
}

// Close flushes what is buffered and shuts the writer down.
func (w *Writer) Close() {
	close(w.done)
	w.wg.Wait()
	w.conn.Close()
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]model.StoredEntry, 0, w.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.flush(batch); err != nil {
			w.metrics.ArchiveErrors.Inc()
			log.Printf("archive: flush of %d entries failed: %v", len(batch), err)
		} else {
			w.metrics.ArchiveFlushes.Inc()
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.entries:
			batch = append(batch, entry)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.done:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case entry := <-w.entries:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []model.StoredEntry) error {
	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO packet_records")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range entries {
		var ruleID *string
		if e.RuleID != "" {
			ruleID = &e.RuleID
		}
		degraded := uint8(0)
		if e.Degraded {
			degraded = 1
		}
		err = batch.Append(
			e.Seq,
			e.Timestamp,
			e.SrcIP.String(),
			e.DstIP.String(),
			e.SrcPort,
			e.DstPort,
			e.Protocol,
			uint64(e.Length),
			e.Score,
			string(e.Action),
			ruleID,
			degraded,
		)
		if err != nil {
			return fmt.Errorf("failed to append entry to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}
