package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmnode_messages_received_total",
		Help: "Total number of inbound messages by result.",
	}, []string{"result"})
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmnode_messages_sent_total",
		Help: "Total number of outbound message deliveries by result.",
	}, []string{"result"})
	SignatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmnode_signature_failures_total",
		Help: "Total number of inbound messages rejected for bad signatures.",
	})
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmnode_rate_limited_total",
		Help: "Total number of requests refused by rate limiting, by scope.",
	}, []string{"scope"})
	WakeDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmnode_wake_decisions_total",
		Help: "Total number of wake trigger evaluations by decision.",
	}, []string{"decision"})
	Invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmnode_invocations_total",
		Help: "Total number of agent invocations by method and result.",
	}, []string{"method", "result"})
	KeyFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmnode_key_fetches_total",
		Help: "Total number of peer public key fetches by result.",
	}, []string{"result"})
	SwarmsJoined = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmnode_swarms",
		Help: "Number of swarms this node currently belongs to.",
	})
	InboxUnread = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmnode_inbox_unread",
		Help: "Number of unread messages across all swarms.",
	})
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swarmnode_request_duration_seconds",
		Help:    "Duration of HTTP requests by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarmnode_delivery_duration_seconds",
		Help:    "Duration of outbound message deliveries including retries.",
		Buckets: prometheus.DefBuckets,
	})
	PurgeRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmnode_purge_removed_total",
		Help: "Total number of rows removed by maintenance purges, by kind.",
	}, []string{"kind"})
)
