// Package endpoints serves the orchestrator's operational HTTP surface,
// health checks and metrics rendering.
package endpoints

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lnkday/orchestrator/common/stats"
)

type StatScope string

// Stats receiver for a server component, latched so that
// /admin/metrics.json serves consistent snapshots.
func MakeStatsReceiver(scope StatScope) stats.StatsReceiver {
	s, _ := stats.NewCustomStatsReceiver(
		stats.NewFinagleStatsRegistry,
		15*time.Second)
	return s.Scope(string(scope))
}

// Serves health and metrics for one orchestrator process.
type Server struct {
	Addr       string
	Stats      stats.StatsReceiver
	httpServer *http.Server
}

func MakeServer(addr string, stat stats.StatsReceiver) *Server {
	s := &Server{
		Addr:  addr,
		Stats: stat,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", helpHandler)
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/admin/metrics.json", s.statsHandler)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) Serve() error {
	log.Infof("Serving http & stats on %s", s.Addr)
	return s.httpServer.ListenAndServe()
}

// Stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Exposed for tests and for embedding under another mux.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Common paths: '/health', '/admin/metrics.json'", 501)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	const contentTypeHdr = "Content-Type"
	const contentTypeVal = "application/json; charset=utf-8"
	w.Header().Set(contentTypeHdr, contentTypeVal)

	pretty := r.URL.Query().Get("pretty") == "true"
	str := s.Stats.Render(pretty)
	if _, err := io.Copy(w, bytes.NewBuffer(str)); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
}
