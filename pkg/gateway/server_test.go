package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubEndpoint struct {
	path  string
	calls int
}

func (e *stubEndpoint) WebhookPath() string { return e.path }

func (e *stubEndpoint) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.calls++
		w.WriteHeader(http.StatusOK)
	})
}

func TestHealthz(t *testing.T) {
	s := NewServer("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health body not JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestWebhookRouting(t *testing.T) {
	ep := &stubEndpoint{path: "/webhook/telegram"}
	s := NewServer("127.0.0.1", 0, ep)

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ep.calls != 1 {
		t.Errorf("expected endpoint called once, got %d", ep.calls)
	}
}

func TestUnknownPath(t *testing.T) {
	s := NewServer("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
