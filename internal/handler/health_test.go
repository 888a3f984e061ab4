package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v4"

	"edge-proxy-go/internal/message"
	"edge-proxy-go/internal/origin"
	"edge-proxy-go/internal/pipeline"
	"edge-proxy-go/internal/proxy"
)

type stubOrigin struct {
	name      string
	available bool
}

func (o stubOrigin) Name() string                            { return o.name }
func (o stubOrigin) IsAvailable() bool                       { return o.available }
func (o stubOrigin) Request(*message.Request) origin.Request { return nil }

func newHealthHandler(t *testing.T, origins ...origin.Origin) *HealthHandler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := origin.NewManager(origins...)
	d, err := pipeline.New(proxy.NewEndpoint(mgr, logger), nil, pipeline.Options{}, logger, nil)
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	return NewHealthHandler(mgr, d, "1.2.3")
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := newHealthHandler(t)
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name        string
		origins     []origin.Origin
		wantStatus  string
		wantOrigins []OriginStatus
	}{
		{
			name:        "all available",
			origins:     []origin.Origin{stubOrigin{"b", true}, stubOrigin{"a", true}},
			wantStatus:  "ok",
			wantOrigins: []OriginStatus{{"a", true}, {"b", true}},
		},
		{
			name:        "one unavailable",
			origins:     []origin.Origin{stubOrigin{"a", true}, stubOrigin{"b", false}},
			wantStatus:  "degraded",
			wantOrigins: []OriginStatus{{"a", true}, {"b", false}},
		},
		{
			name:        "no origins",
			wantStatus:  "ok",
			wantOrigins: []OriginStatus{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := newHealthHandler(t, tt.origins...)
			if err := h.Status(c); err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}

			var body StatusResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("body.status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.Version != "1.2.3" {
				t.Errorf("body.version = %q, want %q", body.Version, "1.2.3")
			}
			if diff := cmp.Diff(tt.wantOrigins, body.Origins); diff != "" {
				t.Errorf("origins mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]string{"proxy_endpoint"}, body.Filters); diff != "" {
				t.Errorf("filters mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
