package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CheckoutsCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "upscale_checkouts_created_total", Help: "Checkout sessions created"})
	QuotesServed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "upscale_quotes_served_total", Help: "Price quotes served"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "upscale_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})

	PaymentEvents  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "upscale_payment_events_total", Help: "Payment webhook events by type"}, []string{"type"})
	WebhookRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "upscale_webhook_rejects_total", Help: "Webhook requests rejected before handling"}, []string{"service", "reason"})

	UpscaleSubmissions = prometheus.NewCounter(prometheus.CounterOpts{Name: "upscale_submissions_total", Help: "Jobs submitted to the upscaling provider"})
	UpscaleCompletions = prometheus.NewCounter(prometheus.CounterOpts{Name: "upscale_completions_total", Help: "Jobs completed by the upscaling provider"})
	UpscaleFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "upscale_failures_total", Help: "Jobs failed by the upscaling provider"})
	ProcessingGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "upscale_processing_jobs", Help: "Jobs currently at the provider"})

	RefundsAttempted = prometheus.NewCounter(prometheus.CounterOpts{Name: "upscale_refunds_attempted_total", Help: "Refund attempts started"})
	RefundsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "upscale_refunds_succeeded_total", Help: "Refunds issued"})
	RefundsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "upscale_refunds_failed_total", Help: "Refund attempts that failed and need manual follow-up"})

	DownloadsServed = prometheus.NewCounter(prometheus.CounterOpts{Name: "upscale_downloads_served_total", Help: "Artifact downloads served"})
	DownloadsDenied = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "upscale_downloads_denied_total", Help: "Download requests denied by reason"}, []string{"reason"})
	DeliveriesSwept = prometheus.NewCounter(prometheus.CounterOpts{Name: "upscale_deliveries_swept_total", Help: "Expired deliveries cleaned up"})
	CheckoutsSwept  = prometheus.NewCounter(prometheus.CounterOpts{Name: "upscale_checkouts_abandoned_total", Help: "Stale checkouts marked abandoned"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			CheckoutsCreated,
			QuotesServed,
			RateLimitRejects,
			PaymentEvents,
			WebhookRejects,
			UpscaleSubmissions,
			UpscaleCompletions,
			UpscaleFailures,
			ProcessingGauge,
			RefundsAttempted,
			RefundsSucceeded,
			RefundsFailed,
			DownloadsServed,
			DownloadsDenied,
			DeliveriesSwept,
			CheckoutsSwept,
		)
	})
	return promhttp.Handler()
}
