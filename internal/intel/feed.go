// Package intel syncs public threat-intelligence feeds into feed-origin
// block rules. Only the resulting rules matter to the pipeline; feed
// internals stay behind this boundary.
package intel

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"netsentry/internal/config"
	"netsentry/internal/metrics"
	"netsentry/internal/model"
	"netsentry/internal/rules"
)

// feedRulePriority keeps feed rules below operator rules but above
// classifier-generated ones.
const feedRulePriority = 1000

// Syncer periodically fetches the configured feeds and upserts block rules
// for the addresses they list.
type Syncer struct {
	table    *rules.Table
	feeds    []string
	interval time.Duration
	ruleTTL  time.Duration
	client   *http.Client
	metrics  *metrics.Metrics

	done chan struct{}
	wg   sync.WaitGroup

	now func() time.Time
}

// NewSyncer creates a feed syncer bound to the rule table.
func NewSyncer(cfg config.IntelConfig, table *rules.Table, m *metrics.Metrics) *Syncer {
	return &Syncer{
		table:    table,
		feeds:    cfg.Feeds,
		interval: config.Duration(cfg.SyncInterval, 30*time.Minute),
		ruleTTL:  config.Duration(cfg.RuleTTL, 24*time.Hour),
		client:   &http.Client{Timeout: config.Duration(cfg.FetchTimeout, 15*time.Second)},
		metrics:  m,
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the periodic sync loop. The first sync runs immediately.
func (s *Syncer) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.SyncOnce()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SyncOnce()
			case <-s.done:
				return
			}
		}
	}()
	log.Printf("Intel syncer started with %d feed(s), interval %s", len(s.feeds), s.interval)
}

// Stop shuts down the sync loop.
func (s *Syncer) Stop() {
	close(s.done)
	s.wg.Wait()
}

// SyncOnce fetches every configured feed and upserts the resulting rules.
// A failing feed is logged and skipped; sync never takes the pipeline down.
func (s *Syncer) SyncOnce() {
	for _, url := range s.feeds {
		addrs, err := s.fetch(url)
		if err != nil {
			log.Printf("intel: failed to fetch feed %s: %v", url, err)
			continue
		}
		added := s.updateRules(addrs)
		log.Printf("intel: feed %s yielded %d address(es), %d rule(s) upserted", url, len(addrs), added)
	}
}

// fetch retrieves one feed and parses it. Feeds are either a JSON array of
// objects carrying an ip_address/ip field, or plain text with one address
// per line.
func (s *Syncer) fetch(url string) ([]string, error) {
	resp, err := s.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read feed body: %w", err)
	}
	return ParseFeed(body), nil
}

// ParseFeed extracts IP addresses from a feed payload, tolerating both JSON
// and line-oriented text formats. Unparseable entries are skipped.
func ParseFeed(body []byte) []string {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		return parseJSONFeed([]byte(trimmed))
	}
	return parseTextFeed(trimmed)
}

func parseJSONFeed(body []byte) []string {
	var items []map[string]interface{}
	if err := json.Unmarshal(body, &items); err != nil {
		return nil
	}

	var addrs []string
	for _, item := range items {
		for _, key := range []string{"ip_address", "ip", "address"} {
			if v, ok := item[key].(string); ok && net.ParseIP(v) != nil {
				addrs = append(addrs, v)
				break
			}
		}
	}
	return addrs
}

func parseTextFeed(body string) []string {
	var addrs []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if net.ParseIP(line) != nil {
			addrs = append(addrs, line)
		}
	}
	return addrs
}

// updateRules upserts one feed-origin block rule per address, as a single
// batch so a large feed costs one persistence write instead of one per
// address. Rule ids are derived from the address so re-syncing the same
// feed refreshes expiry instead of piling up duplicates.
func (s *Syncer) updateRules(addrs []string) int {
	if len(addrs) == 0 {
		return 0
	}
	now := s.now()
	expiry := now.Add(s.ruleTTL)
	batch := make([]model.Rule, 0, len(addrs))
	for _, addr := range addrs {
		batch = append(batch, model.Rule{
			ID:        "feed-" + addr,
			SrcIP:     addr,
			Action:    model.ActionBlock,
			Priority:  feedRulePriority,
			Origin:    model.OriginFeed,
			ExpiresAt: &expiry,
			UpdatedAt: now,
		})
	}
	if err := s.table.UpsertBatch(batch); err != nil {
		log.Printf("intel: failed to upsert feed rules: %v", err)
		return 0
	}
	if s.metrics != nil {
		s.metrics.RulesUpserted.WithLabelValues(string(model.OriginFeed)).Add(float64(len(batch)))
	}
	return len(batch)
}
