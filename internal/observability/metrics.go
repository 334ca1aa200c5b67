package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_http_requests_total",
			Help: "Total number of HTTP requests processed by the messenger service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messenger_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "messenger_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_ws_events_total",
			Help: "Total number of websocket lifecycle events.",
		},
		[]string{"event"},
	)
	onlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "messenger_online_users",
			Help: "Number of users with at least one live connection on this instance.",
		},
	)
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_actions_total",
			Help: "Client actions dispatched, by action and outcome.",
		},
		[]string{"action", "outcome"},
	)
	actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messenger_action_duration_seconds",
			Help:    "Time spent dispatching a client action.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_deliveries_total",
			Help: "Per-connection event deliveries, by result.",
		},
		[]string{"result"},
	)
	relayErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_relay_errors_total",
			Help: "Cross-instance relay failures, by stage.",
		},
		[]string{"stage"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		onlineUsers,
		actionsTotal,
		actionDuration,
		deliveriesTotal,
		relayErrorsTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func SetOnlineUsers(n int) {
	onlineUsers.Set(float64(n))
}

// ObserveAction records one dispatched action. outcome is "ok" or an error kind.
func ObserveAction(action, outcome string, elapsed time.Duration) {
	actionsTotal.WithLabelValues(action, outcome).Inc()
	actionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func AddDeliveries(delivered, dropped int) {
	if delivered > 0 {
		deliveriesTotal.WithLabelValues("delivered").Add(float64(delivered))
	}
	if dropped > 0 {
		deliveriesTotal.WithLabelValues("dropped").Add(float64(dropped))
	}
}

func IncRelayError(stage string) {
	relayErrorsTotal.WithLabelValues(stage).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
