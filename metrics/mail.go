package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSubmit = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skymail_submit_total",
			Help: "Mail submissions and results.",
		},
		[]string{
			"kind",   // send, draft, senddraft
			"result", // ok, validation, notfound, conflict, transient
		},
	)
	metricPlacement = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skymail_placement_total",
			Help: "Placements created by fan-out, by folder kind.",
		},
		[]string{
			"folder", // inbox, sent, draft
		},
	)
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skymail_queue_delivery_total",
			Help: "Relay delivery attempts for external recipients.",
		},
		[]string{
			"result", // ok, retry, fail
		},
	)
	metricRestore = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skymail_restore_total",
			Help: "Mails processed during archive restore.",
		},
		[]string{
			"result", // restored, skipped, error
		},
	)
)

func SubmitInc(kind, result string) {
	metricSubmit.WithLabelValues(kind, result).Inc()
}

func PlacementInc(folder string) {
	metricPlacement.WithLabelValues(folder).Inc()
}

func DeliveryInc(result string) {
	metricDelivery.WithLabelValues(result).Inc()
}

func RestoreInc(result string) {
	metricRestore.WithLabelValues(result).Inc()
}
