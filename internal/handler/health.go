package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-proxy-go/internal/origin"
	"edge-proxy-go/internal/pipeline"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	origins  *origin.Manager
	pipeline *pipeline.Driver
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(origins *origin.Manager, d *pipeline.Driver, v Version) *HealthHandler {
	return &HealthHandler{origins: origins, pipeline: d, version: v}
}

// OriginStatus reports whether an origin has a server able to take requests.
type OriginStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	Origins []OriginStatus `json:"origins"`
	Filters []string       `json:"filters"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. The status is "degraded" while
// any origin has no available server.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:  "ok",
		Version: string(h.version),
		Origins: []OriginStatus{},
		Filters: h.pipeline.Filters(),
	}
	for _, name := range h.origins.Names() {
		o, ok := h.origins.Get(name)
		if !ok {
			continue
		}
		available := o.IsAvailable()
		if !available {
			resp.Status = "degraded"
		}
		resp.Origins = append(resp.Origins, OriginStatus{Name: name, Available: available})
	}
	return c.JSON(http.StatusOK, resp)
}
