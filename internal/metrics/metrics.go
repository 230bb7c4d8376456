// Package metrics exposes campaign and API counters on a private Prometheus
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/newsletter-engine/internal/domain"
)

// Campaign holds the newsletter metrics. It implements newsletter.Recorder.
type Campaign struct {
	CampaignsCreatedTotal prometheus.Counter
	RecipientsTotal       prometheus.Counter
	DeliveriesTotal       *prometheus.CounterVec
	RunsTotal             *prometheus.CounterVec

	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New registers every metric on a fresh registry together with the Go and
// process collectors.
func New() *Campaign {
	reg := prometheus.NewRegistry()

	m := &Campaign{
		CampaignsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_campaigns_created_total",
			Help: "Campaigns created by a first send",
		}),
		RecipientsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_campaign_recipients_total",
			Help: "Recipients captured at campaign creation",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_deliveries_total",
			Help: "Delivery results by outcome",
		}, []string{"result"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_runs_total",
			Help: "Send runs by final campaign status",
		}, []string{"status"}),
		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_api_requests_total",
			Help: "HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsletter_api_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		registry: reg,
	}

	reg.MustRegister(
		m.CampaignsCreatedTotal,
		m.RecipientsTotal,
		m.DeliveriesTotal,
		m.RunsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the metrics.
func (m *Campaign) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Campaign) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Campaign) CampaignCreated(title string, recipients int) {
	m.CampaignsCreatedTotal.Inc()
	m.RecipientsTotal.Add(float64(recipients))
}

func (m *Campaign) BatchProcessed(title string, sent, failed int) {
	m.DeliveriesTotal.WithLabelValues("sent").Add(float64(sent))
	m.DeliveriesTotal.WithLabelValues("failed").Add(float64(failed))
}

func (m *Campaign) RunFinished(title string, status domain.CampaignStatus) {
	m.RunsTotal.WithLabelValues(string(status)).Inc()
}
