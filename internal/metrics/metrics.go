// Package metrics exposes forwarding counters on the default Prometheus
// registry. Scraped by the keep-alive server's /metrics handler.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	messagesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "affibot_messages_received_total",
			Help: "Messages seen on watched source channels.",
		},
	)

	forwardsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "affibot_forwards_total",
			Help: "Messages successfully republished to the target channel.",
		},
	)

	duplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "affibot_duplicates_total",
			Help: "Messages skipped because every product link was already posted.",
		},
	)

	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affibot_dropped_total",
			Help: "Messages dropped before publishing, by reason.",
		},
		[]string{"reason"},
	)

	shortenFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "affibot_shorten_fallbacks_total",
			Help: "Shortener failures that fell back to the long URL.",
		},
	)

	publishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "affibot_publish_errors_total",
			Help: "Failed attempts to post to the target channel.",
		},
	)

	alertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "affibot_alerts_total",
			Help: "Operator alerts sent.",
		},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affibot_commands_total",
			Help: "Operator commands handled, by command.",
		},
		[]string{"command"},
	)

	seenKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "affibot_seen_keys",
			Help: "Product keys currently in the dedup store.",
		},
	)
)

// MustRegister registers all collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			messagesReceivedTotal, forwardsTotal, duplicatesTotal,
			droppedTotal, shortenFallbacksTotal, publishErrorsTotal,
			alertsTotal, commandsTotal, seenKeys,
		)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func IncReceived()              { messagesReceivedTotal.Inc() }
func IncForwarded()             { forwardsTotal.Inc() }
func IncDuplicate()             { duplicatesTotal.Inc() }
func IncDropped(reason string)  { droppedTotal.WithLabelValues(norm(reason)).Inc() }
func IncShortenFallback()       { shortenFallbacksTotal.Inc() }
func IncPublishError()          { publishErrorsTotal.Inc() }
func IncAlert()                 { alertsTotal.Inc() }
func IncCommand(command string) { commandsTotal.WithLabelValues(norm(command)).Inc() }
func SetSeenKeys(n int64)       { seenKeys.Set(float64(n)) }
