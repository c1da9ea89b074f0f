// Package query serves aggregation queries against the ClickHouse archive,
// the long-horizon complement to the pipeline's in-memory buckets.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"netsentry/internal/aggregate"
	"netsentry/internal/config"
)

// Querier is the read-only surface over archived packet records.
type Querier interface {
	// Summarize returns the bucketed series over [from, to) with the given
	// bucket width.
	Summarize(ctx context.Context, from, to time.Time, width time.Duration) ([]aggregate.BucketSummary, error)

	// TopSources returns up to n source addresses ranked by record count
	// over [from, to).
	TopSources(ctx context.Context, from, to time.Time, n int) ([]aggregate.SourceCount, error)

	// ActionCounts returns how many archived decisions carry each action
	// over [from, to).
	ActionCounts(ctx context.Context, from, to time.Time) (map[string]uint64, error)
}

type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a querier over the archive database.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
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
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (q *clickhouseQuerier) Summarize(ctx context.Context, from, to time.Time, width time.Duration) ([]aggregate.BucketSummary, error) {
	const query = `
		SELECT
			toStartOfInterval(Timestamp, INTERVAL ? SECOND) AS Bucket,
			COUNT(*) AS RecordCount,
			SUM(Length) AS ByteTotal
		FROM packet_records
		WHERE Timestamp >= ? AND Timestamp < ?
		GROUP BY Bucket
		ORDER BY Bucket ASC
	`
	rows, err := q.conn.Query(ctx, query, int64(width.Seconds()), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to execute summary query: %w", err)
	}
	defer rows.Close()

	var series []aggregate.BucketSummary
	for rows.Next() {
		var b aggregate.BucketSummary
		if err := rows.Scan(&b.Start, &b.Count, &b.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		series = append(series, b)
	}
	return series, nil
}

func (q *clickhouseQuerier) TopSources(ctx context.Context, from, to time.Time, n int) ([]aggregate.SourceCount, error) {
	const query = `
		SELECT
			SrcIP,
			COUNT(*) AS RecordCount
		FROM packet_records
		WHERE Timestamp >= ? AND Timestamp < ?
		GROUP BY SrcIP
		ORDER BY RecordCount DESC, SrcIP ASC
		LIMIT ?
	`
	rows, err := q.conn.Query(ctx, query, from, to, n)
	if err != nil {
		return nil, fmt.Errorf("failed to execute top-sources query: %w", err)
	}
	defer rows.Close()

	var ranked []aggregate.SourceCount
	for rows.Next() {
		var s aggregate.SourceCount
		if err := rows.Scan(&s.Address, &s.Count); err != nil {
			return nil, fmt.Errorf("failed to scan top-sources row: %w", err)
		}
		ranked = append(ranked, s)
	}
	return ranked, nil
}

func (q *clickhouseQuerier) ActionCounts(ctx context.Context, from, to time.Time) (map[string]uint64, error) {
	const query = `
		SELECT
			Action,
			COUNT(*) AS DecisionCount
		FROM packet_records
		WHERE Timestamp >= ? AND Timestamp < ?
		GROUP BY Action
	`
	rows, err := q.conn.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to execute action-counts query: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var action string
		var count uint64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan action-counts row: %w", err)
		}
		counts[action] = count
	}
	return counts, nil
}
