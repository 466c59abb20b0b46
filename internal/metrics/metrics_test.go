package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/modules/order"
	"courier/internal/types"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.OrderPlaced(types.FulfillmentDelivery)
	m.OrderPlaced(types.FulfillmentDelivery)
	m.TransitionAccepted(order.StatusConfirmed)
	m.TransitionRejected("invalid_transition")
	m.TenantValidated("rejected")
	m.PositionReported(true)
	m.PositionReported(false)
	m.PublishFailed()
	m.Dispatched("assigned")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OrdersPlaced.WithLabelValues("delivery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsAccepted.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsRejected.WithLabelValues("invalid_transition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TenantValidations.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PositionReports.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatusPublishFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("assigned")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/api/orders/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	req := httptest.NewRequest(http.MethodGet, "/api/orders/abc", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/orders/:id", "404")))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "courier_http_requests_total"))
}
