package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scheduledCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chirp_notifications_scheduled_total",
		Help: "Notification requests inserted into the store, by stage.",
	}, []string{"stage"})

	withdrawnCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chirp_notifications_withdrawn_total",
		Help: "Bulk withdrawals issued against the store.",
	})

	suppressedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chirp_notifications_suppressed_total",
		Help: "Notifications suppressed before reaching the store, by reason.",
	}, []string{"reason"})

	reconciledCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chirp_notifications_reconciled_total",
		Help: "Records found missing from the store during reconciliation.",
	})

	soundsPlayedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chirp_notification_sounds_played_total",
		Help: "Notification sounds actually played after rate limiting.",
	})
)
