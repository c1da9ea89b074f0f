// Package aggregate folds packet records into fixed-width time buckets for
// the monitoring surface. Bucket assignment is by record timestamp, not
// arrival order, so late records land in the correct historical bucket.
package aggregate

import (
	"sort"
	"sync"
	"time"

	"netsentry/internal/model"
)

// compactEvery bounds how often ingest pays for lazy eviction.
const compactEvery = 256

// BucketSummary is one point of the bucketed series: a half-open interval
// [Start, Start+width) with its accumulated totals.
type BucketSummary struct {
	Start time.Time `json:"start"`
	Count uint64    `json:"count"`
	Bytes uint64    `json:"bytes"`
}

// SourceCount is one entry of a top-talker ranking.
type SourceCount struct {
	Address string `json:"address"`
	Count   uint64 `json:"count"`
}

type bucket struct {
	start   time.Time
	count   uint64
	bytes   uint64
	sources map[string]uint64
}

// Aggregator maintains the retained bucket window. Ingest is O(1) and does
// no I/O; Summarize and TopSources take a consistent snapshot under a read
// lock and may run concurrently with ingest.
type Aggregator struct {
	width     time.Duration
	retention time.Duration
	// rejectStale drops too-old records instead of folding them into the
	// synthetic stale bucket. Either way StaleCount observes them.
	rejectStale bool

	mu        sync.RWMutex
	buckets   map[int64]*bucket
	stale     bucket
	staleSeen uint64
	ingests   int

	now func() time.Time
}

// New creates an Aggregator with the given bucket width and retention
// horizon. Stale records (older than now-retention) go to a synthetic stale
// bucket unless rejectStale is set, in which case they are counted and
// dropped.
func New(width, retention time.Duration, rejectStale bool) *Aggregator {
	return &Aggregator{
		width:       width,
		retention:   retention,
		rejectStale: rejectStale,
		buckets:     make(map[int64]*bucket),
		stale:       bucket{sources: make(map[string]uint64)},
		now:         time.Now,
	}
}

// Ingest routes the record into the bucket matching its timestamp, creating
// the bucket on first use.
func (a *Aggregator) Ingest(record *model.PacketRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if record.Timestamp.Before(now.Add(-a.retention)) {
		a.staleSeen++
		if !a.rejectStale {
			a.stale.count++
			a.stale.bytes += uint64(record.Length)
			a.stale.sources[record.SrcIP.String()]++
		}
		return
	}

	start := record.Timestamp.Truncate(a.width)
	key := start.UnixNano()
	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{start: start, sources: make(map[string]uint64)}
		a.buckets[key] = b
	}
	b.count++
	b.bytes += uint64(record.Length)
	b.sources[record.SrcIP.String()]++

	a.ingests++
	if a.ingests%compactEvery == 0 {
		a.compactLocked(now)
	}
}

// Summarize returns the series of buckets overlapping [from, to), sorted by
// start time ascending. Evicted ranges come back empty, never as an error.
func (a *Aggregator) Summarize(from, to time.Time) []BucketSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	horizon := a.now().Add(-a.retention)
	var series []BucketSummary
	for _, b := range a.buckets {
		if !a.overlaps(b.start, from, to) || b.start.Add(a.width).Before(horizon) {
			continue
		}
		series = append(series, BucketSummary{Start: b.start, Count: b.count, Bytes: b.bytes})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Start.Before(series[j].Start) })
	return series
}

// TopSources returns up to n source addresses ranked by count over
// [from, to), descending, ties broken by address for determinism.
func (a *Aggregator) TopSources(from, to time.Time, n int) []SourceCount {
	a.mu.RLock()
	defer a.mu.RUnlock()

	horizon := a.now().Add(-a.retention)
	totals := make(map[string]uint64)
	for _, b := range a.buckets {
		if !a.overlaps(b.start, from, to) || b.start.Add(a.width).Before(horizon) {
			continue
		}
		for src, c := range b.sources {
			totals[src] += c
		}
	}

	ranked := make([]SourceCount, 0, len(totals))
	for src, c := range totals {
		ranked = append(ranked, SourceCount{Address: src, Count: c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Address < ranked[j].Address
	})
	if n >= 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// StaleCount returns how many records arrived older than the retention
// horizon, whether they were folded into the stale bucket or rejected.
func (a *Aggregator) StaleCount() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.staleSeen
}

// Compact eagerly drops buckets whose end time has fallen behind the
// retention horizon and returns how many were evicted.
func (a *Aggregator) Compact() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.compactLocked(a.now())
}

func (a *Aggregator) compactLocked(now time.Time) int {
	horizon := now.Add(-a.retention)
	evicted := 0
	for key, b := range a.buckets {
		if b.start.Add(a.width).Before(horizon) {
			delete(a.buckets, key)
			evicted++
		}
	}
	return evicted
}

// overlaps reports whether bucket [start, start+width) intersects [from, to).
// A zero "to" means unbounded.
func (a *Aggregator) overlaps(start, from, to time.Time) bool {
	if !to.IsZero() && !start.Before(to) {
		return false
	}
	return start.Add(a.width).After(from)
}
