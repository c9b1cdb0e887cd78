// Package api serves the monitor's HTTP surface: health probes, Prometheus
// metrics, read-only JSON views of transcripts and summaries, the live
// websocket feed and an MCP endpoint for assistant tooling.
//
// Routes:
//
//	GET /healthz                 liveness
//	GET /readyz                  readiness, one entry per [Check]
//	GET /metrics                 Prometheus exposition
//	GET /api/dates               dates with transcripts or summaries
//	GET /api/logs/{date}         parsed transcript lines
//	GET /api/summaries/{date}    incident summaries
//	GET /ws                      live feed of entries, alerts and summaries
//	    /mcp                     streamable MCP (list_incidents, read_transcript)
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/cashield/internal/incident"
	"github.com/MrWong99/cashield/internal/observe"
	"github.com/MrWong99/cashield/internal/summarize"
	"github.com/MrWong99/cashield/internal/transcript"
)

const shutdownTimeout = 5 * time.Second

// Config configures a [Server].
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:8080".
	Addr string

	Log   *incident.Log
	Store *summarize.FileStore

	// Hub serves /ws. Nil disables the live feed.
	Hub *Hub

	// Checks back /readyz.
	Checks []Check

	// MCP enables the /mcp endpoint.
	MCP bool

	// Metrics records request durations. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler
}

// Server is the HTTP surface. Create one with [New].
type Server struct {
	cfg     Config
	handler http.Handler
}

// New validates cfg and builds the route table.
func New(cfg Config) (*Server, error) {
	if cfg.Log == nil || cfg.Store == nil {
		return nil, errors.New("api: log and summary store are required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.Handle("GET /metrics", cfg.MetricsHandler)
	mux.HandleFunc("GET /api/dates", s.dates)
	mux.HandleFunc("GET /api/logs/{date}", s.logs)
	mux.HandleFunc("GET /api/summaries/{date}", s.summaries)
	if cfg.Hub != nil {
		mux.Handle("GET /ws", cfg.Hub)
	}
	if cfg.MCP {
		mux.Handle("/mcp", NewMCPHandler(cfg.Log, cfg.Store))
	}
	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s, nil
}

// Handler returns the root handler including the telemetry middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on cfg.Addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// --- JSON views ---

// Line is a transcript entry with its position in the day log.
type Line struct {
	Index int              `json:"index"`
	Entry transcript.Entry `json:"entry"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) dates(w http.ResponseWriter, _ *http.Request) {
	logs, err := s.cfg.Log.Dates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sums, err := s.cfg.Store.Dates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"logs": nonNil(logs), "summaries": nonNil(sums)})
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	date, ok := pathDate(w, r)
	if !ok {
		return
	}
	lines, err := readLines(s.cfg.Log, date)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, fmt.Errorf("no transcript for %s", date))
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, lines)
	}
}

func (s *Server) summaries(w http.ResponseWriter, r *http.Request) {
	date, ok := pathDate(w, r)
	if !ok {
		return
	}
	recs, err := s.cfg.Store.Records(date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []summarize.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func readLines(log *incident.Log, date string) ([]Line, error) {
	entries, err := log.Entries(date)
	if err != nil {
		return nil, err
	}
	out := make([]Line, len(entries))
	for i, e := range entries {
		out[i] = Line{Index: i, Entry: e}
	}
	return out, nil
}

func pathDate(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := r.PathValue("date")
	if _, err := time.Parse(incident.DateLayout, date); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid date %q, want YYYY-MM-DD", date))
		return "", false
	}
	return date, true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeJSON encodes v with the given status. Japanese text is written as is.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Warn("encoding response failed", "err", err)
	}
}
