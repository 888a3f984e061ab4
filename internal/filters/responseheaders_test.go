package filters

import (
	"errors"
	"net/http"
	"testing"

	"edge-proxy-go/internal/message"
)

func TestResponseHeaders(t *testing.T) {
	f := NewResponseHeaders()

	t.Run("success", func(t *testing.T) {
		req := newRequest("edge.example.com", "/")
		req.Headers().Set(HeaderRequestID, "rid-1")
		req.Context().SetRouteVIP("an-origin")
		resp := message.NewResponse(req.Context(), req, http.StatusOK)

		if !f.ShouldFilter(resp) {
			t.Fatal("ShouldFilter() = false for response")
		}
		if _, err := f.Apply(resp); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if got := resp.Headers().Get(HeaderEdgeOrigin); got != "an-origin" {
			t.Errorf("%s = %q, want %q", HeaderEdgeOrigin, got, "an-origin")
		}
		if got := resp.Headers().Get(HeaderEdgeRequestID); got != "rid-1" {
			t.Errorf("%s = %q, want %q", HeaderEdgeRequestID, got, "rid-1")
		}
	})

	t.Run("failed request hides origin", func(t *testing.T) {
		req := newRequest("edge.example.com", "/")
		req.Context().SetRouteVIP("an-origin")
		req.Context().SetError(errors.New("boom"))
		resp := message.DefaultErrorResponse(req)

		if _, err := f.Apply(resp); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if resp.Headers().Has(HeaderEdgeOrigin) {
			t.Error("error response should not name the origin")
		}
		if got := resp.Headers().Get(HeaderEdgeRequestID); got != req.Context().ID() {
			t.Errorf("%s = %q, want context id", HeaderEdgeRequestID, got)
		}
	})

	t.Run("emitted response untouched", func(t *testing.T) {
		req := newRequest("edge.example.com", "/")
		resp := message.NewResponse(req.Context(), req, http.StatusOK)
		resp.MarkEmitted()
		if f.ShouldFilter(resp) {
			t.Error("ShouldFilter() = true for emitted response")
		}
	})
}
