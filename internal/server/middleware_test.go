package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDMiddleware(t *testing.T) {
	var gotID string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if gotID == "" {
		t.Fatal("request id missing from context")
	}
	if _, err := uuid.Parse(gotID); err != nil {
		t.Errorf("request id %q is not a uuid", gotID)
	}
	if header := rec.Header().Get("X-Request-ID"); header != gotID {
		t.Errorf("X-Request-ID = %q, want %q", header, gotID)
	}
}

func TestLoggingMiddlewareEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "session_id", "abc-123")
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/session/start", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "request completed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["status"] != float64(http.StatusCreated) {
		t.Errorf("status = %v, want 201", entry["status"])
	}
	if entry["path"] != "/session/start" {
		t.Errorf("path = %v", entry["path"])
	}
	if entry["session_id"] != "abc-123" {
		t.Errorf("session_id = %v, want handler-added field", entry["session_id"])
	}
}

func TestAddLogFieldWithoutMiddleware(t *testing.T) {
	// Must not panic when the logging middleware isn't installed.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	AddLogField(req.Context(), "key", "value")
	AddError(req.Context(), io.EOF)
}
