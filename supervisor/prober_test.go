package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPProberHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/system_stats" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPProber(time.Second, time.Second)
	if !p.Healthy(context.Background(), srv.URL) {
		t.Error("Expected healthy for 200 response")
	}
}

func TestHTTPProberUnhealthyOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProber(time.Second, time.Second)
	if p.Healthy(context.Background(), srv.URL) {
		t.Error("Expected unhealthy for 503 response")
	}
}

func TestHTTPProberUnhealthyOnConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // now refusing connections

	p := NewHTTPProber(time.Second, time.Second)
	if p.Healthy(context.Background(), srv.URL) {
		t.Error("Expected unhealthy for refused connection")
	}
}

func TestHTTPProberFetchHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("max_items") != "25" {
			t.Errorf("Expected max_items=25, got %s", r.URL.Query().Get("max_items"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"prompt-1":{"status":{"status_str":"success"}}}`))
	}))
	defer srv.Close()

	p := NewHTTPProber(time.Second, time.Second)
	history, err := p.FetchHistory(context.Background(), srv.URL, 25)
	if err != nil {
		t.Fatalf("FetchHistory returned error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 history item, got %d", len(history))
	}
	if _, ok := history["prompt-1"]; !ok {
		t.Error("Expected prompt-1 in history")
	}
}

func TestHTTPProberFetchHistoryErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProber(time.Second, time.Second)
	if _, err := p.FetchHistory(context.Background(), srv.URL, 10); err == nil {
		t.Error("Expected error for 500 response")
	}
}
