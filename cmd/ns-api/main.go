package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"netsentry/internal/config"
	"netsentry/internal/query"
)

// ns-api serves aggregation queries against the ClickHouse archive, the
// long-horizon view behind the pipeline's live API.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML configuration file.")
	listenAddr := flag.String("listen", ":8081", "Address for the archive query API.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if !cfg.ClickHouse.Enabled {
		log.Fatalf("ClickHouse is not enabled in config. Archive API cannot start.")
	}

	querier, err := query.NewClickHouseQuerier(cfg.ClickHouse)
	if err != nil {
		log.Fatalf("Failed to create querier: %v", err)
	}

	apiHandler := &APIHandler{querier: querier}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/archive/summary", apiHandler.summaryHandler).Methods("GET")
	r.HandleFunc("/api/v1/archive/top-sources", apiHandler.topSourcesHandler).Methods("GET")
	r.HandleFunc("/api/v1/archive/actions", apiHandler.actionsHandler).Methods("GET")

	server := &http.Server{
		Addr:    *listenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("Archive API server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", server.Addr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Archive API server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Archive API server exited.")
}

// APIHandler holds the dependencies for API handlers.
type APIHandler struct {
	querier query.Querier
}

// queryRange reads from/to query params, defaulting to the last 24 hours.
func queryRange(r *http.Request) (time.Time, time.Time, error) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

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

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (h *APIHandler) summaryHandler(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	width := time.Minute
	if v := r.URL.Query().Get("width"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid 'width'", http.StatusBadRequest)
			return
		}
		width = parsed
	}

	series, err := h.querier.Summarize(r.Context(), from, to, width)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query archive: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, series)
}

func (h *APIHandler) topSourcesHandler(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid 'n'", http.StatusBadRequest)
			return
		}
		n = parsed
	}

	ranked, err := h.querier.TopSources(r.Context(), from, to, n)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query archive: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, ranked)
}

func (h *APIHandler) actionsHandler(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	counts, err := h.querier.ActionCounts(r.Context(), from, to)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query archive: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, counts)
}
