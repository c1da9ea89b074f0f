// Package api exposes the live control and query surface of a running
// pipeline: bucketed summaries, top talkers, rule management, and a bounded
// tail of recent decisions. Consumers are pure readers except for the rule
// endpoints, which funnel into the rule table's upsert/revoke.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netsentry/internal/aggregate"
	"netsentry/internal/metrics"
	"netsentry/internal/model"
	"netsentry/internal/rules"
	"netsentry/internal/store"
)

// defaultTailLimit bounds /entries responses when the caller gives no limit.
const defaultTailLimit = 200

// Server serves the pipeline's HTTP surface.
type Server struct {
	agg     *aggregate.Aggregator
	table   *rules.Table
	store   *store.Store
	metrics *metrics.Metrics
	http    *http.Server
}

// NewServer builds the HTTP server on the given listen address.
func NewServer(addr string, agg *aggregate.Aggregator, table *rules.Table, st *store.Store, m *metrics.Metrics, reg *prometheus.Registry) *Server {
	s := &Server{agg: agg, table: table, store: st, metrics: m}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/summary", s.summaryHandler).Methods("GET")
	r.HandleFunc("/api/v1/top-sources", s.topSourcesHandler).Methods("GET")
	r.HandleFunc("/api/v1/entries", s.entriesHandler).Methods("GET")
	r.HandleFunc("/api/v1/rules", s.listRulesHandler).Methods("GET")
	r.HandleFunc("/api/v1/rules", s.upsertRuleHandler).Methods("POST")
	r.HandleFunc("/api/v1/rules/{id}", s.revokeRuleHandler).Methods("DELETE")
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("API server starting on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", s.http.Addr, err)
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// timeRange reads optional from/to query params in RFC 3339. Zero values
// mean unbounded, matching the aggregator's convention.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	var from, to time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, fmt.Errorf("invalid 'from': %w", err)
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, fmt.Errorf("invalid 'to': %w", err)
		}
		to = t
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	series := s.agg.Summarize(from, to)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"series":      series,
		"stale_count": s.agg.StaleCount(),
	})
}

func (s *Server) topSourcesHandler(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid 'n'", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, s.agg.TopSources(from, to, n))
}

// entriesHandler replays the most recent stored entries, newest last. The
// caller may pass from (a sequence number) and limit.
func (s *Server) entriesHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultTailLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid 'limit'", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid 'from'", http.StatusBadRequest)
			return
		}
		from = parsed
	} else if next := s.store.NextSeq(); next > uint64(limit) {
		// No explicit cursor: tail the last `limit` entries.
		from = next - uint64(limit)
	}

	entries, err := s.store.Tail(r.Context(), from)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to tail store: %v", err), http.StatusInternalServerError)
		return
	}

	out := make([]model.StoredEntry, 0, limit)
	for e := range entries {
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listRulesHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.table.Snapshot())
}

func (s *Server) upsertRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule model.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode rule: %v", err), http.StatusBadRequest)
		return
	}
	if rule.Origin == "" {
		rule.Origin = model.OriginOperator
	}
	if err := s.table.Upsert(rule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.metrics.RulesUpserted.WithLabelValues(string(rule.Origin)).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": rule.ID})
}

func (s *Server) revokeRuleHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.table.Revoke(id) {
		http.Error(w, "rule not found", http.StatusNotFound)
		return
	}
	s.metrics.RulesRevoked.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "id": id})
}
