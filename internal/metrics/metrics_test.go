package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"

	"github.com/ignite/newsletter-engine/internal/domain"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestRecorder(t *testing.T) {
	m := New()

	m.CampaignCreated("Issue #1", 120)
	m.BatchProcessed("Issue #1", 48, 2)
	m.BatchProcessed("Issue #1", 50, 0)
	m.RunFinished("Issue #1", domain.CampaignFailed)

	if got := counterValue(t, m.CampaignsCreatedTotal); got != 1 {
		t.Errorf("campaigns created = %v, want 1", got)
	}
	if got := counterValue(t, m.RecipientsTotal); got != 120 {
		t.Errorf("recipients = %v, want 120", got)
	}
	if got := counterValue(t, m.DeliveriesTotal.WithLabelValues("sent")); got != 98 {
		t.Errorf("sent = %v, want 98", got)
	}
	if got := counterValue(t, m.DeliveriesTotal.WithLabelValues("failed")); got != 2 {
		t.Errorf("failed = %v, want 2", got)
	}
	if got := counterValue(t, m.RunsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed runs = %v, want 1", got)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Delete("/api/contacts/unsubscribe/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/contacts/unsubscribe/abc-123", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	c := m.APIRequestsTotal.WithLabelValues(http.MethodDelete, "/api/contacts/unsubscribe/{key}", "204")
	if got := counterValue(t, c); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
}

func TestHandler_Exposes(t *testing.T) {
	m := New()
	m.RunFinished("x", domain.CampaignCompleted)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `newsletter_runs_total{status="completed"} 1`) {
		t.Errorf("runs counter missing from exposition:\n%s", body)
	}
}
