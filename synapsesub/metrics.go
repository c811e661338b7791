package synapsesub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synapsesub_messages_published_total",
		Help: "The number of messages published locally, per topic.",
	}, []string{"topic"})
	messagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synapsesub_messages_delivered_total",
		Help: "The number of first-seen messages delivered, per topic.",
	}, []string{"topic"})
	messagesDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synapsesub_messages_duplicate_total",
		Help: "The number of messages dropped by the seen cache.",
	})
	messagesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synapsesub_messages_rejected_total",
		Help: "The number of messages dropped for failing signature verification.",
	})
)
