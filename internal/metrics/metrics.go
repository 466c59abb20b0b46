// README: Prometheus collectors for orders, tenant validation, positions and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/modules/order"
	"courier/internal/types"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	OrdersPlaced        *prometheus.CounterVec
	TransitionsAccepted *prometheus.CounterVec
	TransitionsRejected *prometheus.CounterVec
	TenantValidations   *prometheus.CounterVec
	PositionReports     *prometheus.CounterVec
	StatusPublishFailed prometheus.Counter
	Dispatches          *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_orders_placed_total",
			Help: "Orders placed, by fulfillment method",
		}, []string{"fulfillment"}),
		TransitionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_order_transitions_total",
			Help: "Accepted order status transitions, by target status",
		}, []string{"status"}),
		TransitionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_order_transitions_rejected_total",
			Help: "Rejected order status transitions, by reason",
		}, []string{"reason"}),
		TenantValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_tenant_validations_total",
			Help: "Tenant identifier validations, by result",
		}, []string{"result"}),
		PositionReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_agent_position_reports_total",
			Help: "Agent position reports, by whether they replaced the live record",
		}, []string{"accepted"}),
		StatusPublishFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_status_publish_failures_total",
			Help: "Status change messages that could not be published",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_dispatch_attempts_total",
			Help: "Automatic agent dispatch attempts, by outcome",
		}, []string{"outcome"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.OrdersPlaced,
		m.TransitionsAccepted,
		m.TransitionsRejected,
		m.TenantValidations,
		m.PositionReports,
		m.StatusPublishFailed,
		m.Dispatches,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderPlaced(f types.Fulfillment) {
	m.OrdersPlaced.WithLabelValues(string(f)).Inc()
}

func (m *Metrics) TransitionAccepted(to order.Status) {
	m.TransitionsAccepted.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) TransitionRejected(reason string) {
	m.TransitionsRejected.WithLabelValues(reason).Inc()
}

// TenantValidated matches the guard's OnResult hook.
func (m *Metrics) TenantValidated(result string) {
	m.TenantValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) PositionReported(accepted bool) {
	m.PositionReports.WithLabelValues(strconv.FormatBool(accepted)).Inc()
}

func (m *Metrics) PublishFailed() {
	m.StatusPublishFailed.Inc()
}

func (m *Metrics) Dispatched(outcome string) {
	m.Dispatches.WithLabelValues(outcome).Inc()
}

// Middleware records request counts and latency per matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
