package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"autopost-engine/internal/faults"
)

func TestUploadSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.AccountID != "acct-1" || req.VideoPath != "/out/v.mp4" {
			t.Errorf("unexpected payload: %+v", req)
		}
		json.NewEncoder(w).Encode(Result{RemoteURL: "https://example.com/@u/video/123", PostID: "123"})
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, time.Second, nil)
	res, err := c.Upload(context.Background(), "acct-1", "/out/v.mp4", "caption #fyp")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.RemoteURL != "https://example.com/@u/video/123" || res.PostID != "123" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestUploadServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": "session pool exhausted"})
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, time.Second, nil)
	_, err := c.Upload(context.Background(), "acct-1", "/out/v.mp4", "")
	if !faults.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if faults.IsFatal(err) {
		t.Fatalf("5xx must not be fatal: %v", err)
	}
}

func TestUploadClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "account banned"})
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, time.Second, nil)
	_, err := c.Upload(context.Background(), "acct-1", "/out/v.mp4", "")
	if !faults.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if faults.IsRetryable(err) {
		t.Fatalf("4xx must not be retryable: %v", err)
	}
}

func TestUploadUnreachableBridgeIsRetryable(t *testing.T) {
	c := NewBridgeClient("http://127.0.0.1:1", time.Second, nil)
	_, err := c.Upload(context.Background(), "acct-1", "/out/v.mp4", "")
	if !faults.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestTestAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/test" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(AuthResult{OK: false, Status: "needs_captcha", Detail: "challenge presented at login"})
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, time.Second, nil)
	res, err := c.TestAuth(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("test auth: %v", err)
	}
	if res.OK || res.Status != "needs_captcha" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
