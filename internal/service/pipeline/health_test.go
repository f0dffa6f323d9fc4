package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastHealthConfig(retries int) healthConfig {
	return healthConfig{
		timeout:     time.Second,
		retries:     retries,
		backoffBase: time.Millisecond,
		backoffCap:  5 * time.Millisecond,
	}
}

func TestWaitHealthyPassesAfterRetries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := waitHealthy(context.Background(), srv.Client(), srv.URL, fastHealthConfig(5))
	if err != nil {
		t.Fatalf("waitHealthy: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("hits = %d, want 3", got)
	}
}

func TestWaitHealthyImmediateSuccess(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	if err := waitHealthy(context.Background(), srv.Client(), srv.URL, fastHealthConfig(10)); err != nil {
		t.Fatalf("waitHealthy: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("hits = %d, want 1", got)
	}
}

func TestWaitHealthyExhaustsRetries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := waitHealthy(context.Background(), srv.Client(), srv.URL, fastHealthConfig(3))
	if err == nil {
		t.Fatal("waitHealthy succeeded against a failing endpoint")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("error = %v, want attempt count", err)
	}
	if !strings.Contains(err.Error(), "unexpected status 503") {
		t.Fatalf("error = %v, want status", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("hits = %d, want 3", got)
	}
}

func TestWaitHealthyAcceptsRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer srv.Close()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if err := waitHealthy(context.Background(), client, srv.URL, fastHealthConfig(1)); err != nil {
		t.Fatalf("waitHealthy: %v", err)
	}
}

func TestWaitHealthyHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastHealthConfig(3)
	cfg.startDelay = time.Hour
	err := waitHealthy(ctx, http.DefaultClient, "http://127.0.0.1:1/healthz", cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
