package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type testHandler struct {
	registered bool
}

func (h *testHandler) Register(e *echo.Echo) {
	h.registered = true
	e.GET("/custom", func(c echo.Context) error {
		return c.String(http.StatusOK, "custom")
	})
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := NewServer(nil, ":0")
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHandlersRegistered(t *testing.T) {
	t.Parallel()
	h := &testHandler{}
	s := NewServer(nil, ":0", h, nil)
	if !h.registered {
		t.Fatal("handler was not registered")
	}
	req := httptest.NewRequest(http.MethodGet, "/custom", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "custom" {
		t.Fatalf("unexpected response: %d %q", rec.Code, rec.Body.String())
	}
}
