package provision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.FirstName != "Alex" {
			t.Errorf("firstName = %q, want Alex", req.FirstName)
		}
		if req.LastCallTranscript != "user: hello" {
			t.Errorf("lastCallTranscript = %q", req.LastCallTranscript)
		}
		_ = json.NewEncoder(w).Encode(Response{JoinURL: "wss://voice.example.com/join?call_id=abc"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	joinURL, err := c.CreateCall(context.Background(), Request{
		FirstName:          "Alex",
		LastCallTranscript: "user: hello",
	})
	if err != nil {
		t.Fatalf("CreateCall() error = %v", err)
	}
	if joinURL != "wss://voice.example.com/join?call_id=abc" {
		t.Fatalf("joinURL = %q", joinURL)
	}
}

func TestCreateCallErrorBodySurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.CreateCall(context.Background(), Request{})
	if err == nil {
		t.Fatalf("CreateCall() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("error = %v, want to contain body error field", err)
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("error = %v, want to contain status", err)
	}
}

func TestCreateCallStatusOnlyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.CreateCall(context.Background(), Request{})
	if err == nil {
		t.Fatalf("CreateCall() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("error = %v, want to contain status text", err)
	}
}

func TestCreateCallMissingJoinURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.CreateCall(context.Background(), Request{}); err == nil {
		t.Fatalf("CreateCall() error = nil, want missing joinUrl error")
	}
}
