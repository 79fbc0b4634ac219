package quickcommerce

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/", "tok")
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
	if c.retries != 1 {
		t.Errorf("retries = %d, want 1", c.retries)
	}
}

func TestClaimSendsTokenAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/orders/o1/claim" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"won": false, "reason": "already-accepted"})
	}))
	defer srv.Close()

	out, err := NewClient(srv.URL, "tok").Claim(context.Background(), "o1")
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if out.Won || out.Reason != "already-accepted" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"kind":"conflict","reason":"invalid-transition","message":"cannot move","retryable":false,"metadata":{"current":"delivered"}}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok").UpdateStatus(context.Background(), "o1", "picked_up", "")
	if !HasReason(err, "invalid-transition") {
		t.Fatalf("err = %v", err)
	}
	ae := err.(*APIError)
	if ae.StatusCode != http.StatusConflict || ae.Metadata["current"] != "delivered" {
		t.Errorf("APIError = %+v", ae)
	}
}

func TestRetriesRetryableErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"kind":"transient","reason":"lock-timeout","message":"busy","retryable":true}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "o1", "status": "picked_up"})
	}))
	defer srv.Close()

	o, err := NewClient(srv.URL, "tok", WithRetries(3)).UpdateStatus(context.Background(), "o1", "picked_up", "")
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if o.Status != "picked_up" || calls.Load() != 2 {
		t.Errorf("order = %+v after %d calls", o, calls.Load())
	}
}

func TestNonRetryableErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"kind":"authorization","reason":"role-mismatch","message":"no","retryable":false}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok", WithRetries(3)).SetAvailability(context.Background(), true)
	if !HasReason(err, "role-mismatch") {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestMalformedErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").GetOrder(context.Background(), "o1")
	var ae *APIError
	if !errors.As(err, &ae) || ae.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
}
