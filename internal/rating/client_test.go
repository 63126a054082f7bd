package rating

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRecordResult(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPost || r.URL.Path != "/results" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req resultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.RedID != "u1" || req.YellowID != "u2" || req.RedScore != 7 || req.YellowScore != 5 {
			t.Errorf("bad payload: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(Result{RedRank: 1512, YellowRank: 1488})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithTimeout(2*time.Second))
	res, err := c.RecordResult(context.Background(), "u1", "u2", 7, 5)
	if err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if res.RedRank != 1512 || res.YellowRank != 1488 {
		t.Fatalf("ranks %+v", res)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestRecordResultRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{RedRank: 1500, YellowRank: 1500})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithTimeout(2*time.Second), WithRetry(3))
	res, err := c.RecordResult(context.Background(), "u1", "u2", 1, 2)
	if err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if res.RedRank != 1500 {
		t.Fatalf("rank %d", res.RedRank)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestRecordResultNoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3))
	if _, err := c.RecordResult(context.Background(), "u1", "u2", 1, 2); err == nil {
		t.Fatalf("expected error on 400")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("400 retried: calls = %d", calls)
	}
}

func TestBackoffCapsAtAttemptSix(t *testing.T) {
	if backoffDuration(1) != 100*time.Millisecond {
		t.Fatalf("first backoff %v", backoffDuration(1))
	}
	if backoffDuration(6) != backoffDuration(60) {
		t.Fatalf("backoff not capped")
	}
}
