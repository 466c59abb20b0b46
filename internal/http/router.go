// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"courier/internal/http/handlers"
	"courier/internal/http/middleware"
)

func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(middleware.Recovery(s.log), middleware.Logging(s.log))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware())
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	orderHandler := handlers.NewOrderHandler(s.order, s.guard)
	locationHandler := handlers.NewLocationHandler(s.location, s.order)
	tenantHandler := handlers.NewTenantHandler(s.guard, s.pricing)

	api := r.Group("/api")
	api.GET("/orders/:id", orderHandler.Get)
	api.GET("/orders/:id/events", orderHandler.Events)
	api.GET("/orders/:id/agent/position", locationHandler.OrderAgent)
	api.GET("/tenants/:tenant/validate", tenantHandler.Validate)
	api.GET("/tenants/:tenant/zones", tenantHandler.Zones)
	api.POST("/tenants/:tenant/orders", orderHandler.Place)
	api.GET("/tenants/:tenant/orders/:number", orderHandler.GetByNumber)

	authed := api.Group("", middleware.Auth(s.verifier))
	authed.POST("/orders/:id/status", orderHandler.Transition)
	authed.POST("/orders/:id/agent", orderHandler.AssignAgent)
	authed.GET("/agents/:id/position", locationHandler.Get)
	authed.PUT("/agents/:id/position", locationHandler.Update)
	authed.GET("/agents/:id/trail", locationHandler.Trail)
	authed.GET("/agents/nearby", locationHandler.Nearby)
	if s.dispatch != nil {
		dispatchHandler := handlers.NewDispatchHandler(s.dispatch)
		authed.GET("/orders/:id/candidates", dispatchHandler.Candidates)
		authed.POST("/orders/:id/dispatch", dispatchHandler.Dispatch)
		authed.POST("/orders/:id/decline", dispatchHandler.Decline)
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	return r
}
