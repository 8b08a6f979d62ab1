package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subgate_notifications_published_total",
			Help: "Notifications published to the event bus, by kind",
		},
		[]string{"kind"},
	)
	NotificationsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subgate_notifications_delivered_total",
			Help: "Notifications confirmed delivered to a chat recipient",
		},
	)
	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subgate_delivery_failures_total",
			Help: "Outbound sends that failed, by outcome class",
		},
		[]string{"outcome"},
	)
	BroadcastsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subgate_broadcasts_total",
			Help: "Broadcast jobs reaching a terminal state, by status",
		},
		[]string{"status"},
	)
	AccessChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subgate_access_checks_total",
			Help: "Access cache checks, by result",
		},
		[]string{"result"},
	)
)
