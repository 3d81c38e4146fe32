package stashclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(url string) Config {
	return Config{
		BaseURL:        url,
		Timezone:       "UTC",
		RequestTimeout: 5 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 1 * time.Millisecond,
		RetryMaxDelay:  10 * time.Millisecond,
		RetryFactor:    2,
	}
}

func TestTestConnectionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"version": map[string]any{"version": "0.24.0"}},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	if err := c.TestConnection(context.Background()); err != nil {
		t.Fatalf("test connection: %v", err)
	}
}

func TestAuthenticationErrorOnUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	err := c.TestConnection(context.Background())
	if _, ok := err.(*AuthenticationError); !ok {
		t.Fatalf("expected AuthenticationError, got %T: %v", err, err)
	}
}

func TestGraphQLErrorSurfacesMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{{"message": "scene not found"}},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.GetScene(context.Background(), "999")
	gqlErr, ok := err.(*GraphQLError)
	if !ok {
		t.Fatalf("expected GraphQLError, got %T: %v", err, err)
	}
	if len(gqlErr.Messages) != 1 || gqlErr.Messages[0] != "scene not found" {
		t.Fatalf("unexpected messages: %v", gqlErr.Messages)
	}
}

func TestTransientServerErrorRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"version": map[string]any{"version": "0.24.0"}},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	if err := c.TestConnection(context.Background()); err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", calls)
	}
}

func TestTransientServerErrorGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 1
	c := New(cfg)

	err := c.TestConnection(context.Background())
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
}

func TestRateLimitErrorHonorsRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"version": map[string]any{"version": "0.24.0"}},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	if err := c.TestConnection(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestCountUpdatedSinceUnknownEntityType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach upstream for an unknown entity type")
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.CountUpdatedSince("gallery", nil)
	if err == nil {
		t.Fatal("expected error for unknown entity type")
	}
}

func TestFindJobDecodesStatusAndProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "RUNNING"
		progress := 0.5
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"findJob": map[string]any{
					"id": "j1", "status": status, "progress": progress, "description": "scanning",
				},
			},
		})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	c := New(cfg)

	job, err := c.FindJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("find job: %v", err)
	}
	if job.Status != UpstreamRunning {
		t.Fatalf("expected RUNNING, got %s", job.Status)
	}
	if job.Progress != 0.5 {
		t.Fatalf("expected progress 0.5, got %v", job.Progress)
	}
}

func TestPollStashJobStopsOnCancelThenWaitsForTerminal(t *testing.T) {
	var calls int32
	var stopCalled int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Query == stopJobMutation {
			atomic.AddInt32(&stopCalled, 1)
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"stopJob": true}})
			return
		}
		n := atomic.AddInt32(&calls, 1)
		status := "RUNNING"
		if n >= 2 {
			status = "CANCELLED"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"findJob": map[string]any{
					"id": "j1", "status": status, "progress": 0.2, "description": "scanning",
				},
			},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	cancel := &fakeCancelSignal{cancelled: true}

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	result, _, err := c.PollStashJob(ctx, "j1", nil, cancel)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result != PollCancelled {
		t.Fatalf("expected PollCancelled, got %s", result)
	}
	if atomic.LoadInt32(&stopCalled) != 1 {
		t.Fatalf("expected StopJob called exactly once, got %d", stopCalled)
	}
}

type fakeCancelSignal struct{ cancelled bool }

func (f *fakeCancelSignal) Cancelled() bool { return f.cancelled }
