package monitoring

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsReceived counts raw webhook payloads by acceptance outcome.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lenses_pos_events_received_total",
		Help: "Inbound POS events by webhook outcome.",
	}, []string{"outcome"})

	// EventsProcessed counts pipeline outcomes per event.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lenses_pos_events_processed_total",
		Help: "Automation pipeline outcomes.",
	}, []string{"outcome"})

	// SmsAttempts counts send attempts by provider and resulting status.
	SmsAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lenses_sms_attempts_total",
		Help: "SMS send attempts by provider and status.",
	}, []string{"provider", "status"})

	// RemindersSwept counts reminders resolved per sweep by terminal status.
	RemindersSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lenses_reminders_swept_total",
		Help: "Reminders resolved by the sweeper, by terminal status.",
	}, []string{"status"})
)

// StartMetricsServer exposes /metrics on its own port so scrapes never
// contend with webhook traffic.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Printf("Metrics server listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
}
