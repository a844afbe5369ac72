package endpoints

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lnkday/orchestrator/common/stats"
)

func get(t *testing.T, server *httptest.Server, path string) (int, string) {
	resp, err := http.Get(server.URL + path)
	if err != nil {
		t.Fatalf("Unexpected error requesting %s: %s", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Unexpected error reading %s body: %s", path, err)
	}
	return resp.StatusCode, string(body)
}

func TestHealthEndpoint(t *testing.T) {
	s := MakeServer("localhost:0", stats.NilStatsReceiver())
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	code, body := get(t, server, "/health")
	if code != http.StatusOK || body != "ok" {
		t.Errorf("Expected 200 ok from /health, got %d %q", code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	stat := stats.DefaultStatsReceiver()
	stat.Counter("sagaStartedCounter").Inc(2)

	s := MakeServer("localhost:0", stat)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/admin/metrics.json")
	if err != nil {
		t.Fatalf("Unexpected error requesting metrics: %s", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("Expected json content type, got %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "sagaStartedCounter") {
		t.Errorf("Expected rendered counter in metrics body, got %s", body)
	}
}

func TestHelpEndpoint(t *testing.T) {
	s := MakeServer("localhost:0", stats.NilStatsReceiver())
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	code, body := get(t, server, "/some/unknown/path")
	if code != http.StatusNotImplemented {
		t.Errorf("Expected 501 from unknown path, got %d", code)
	}
	if !strings.Contains(body, "/admin/metrics.json") {
		t.Errorf("Expected help text naming the metrics path, got %q", body)
	}
}
