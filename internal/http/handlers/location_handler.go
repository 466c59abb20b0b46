// README: Agent position handlers (report, latest, per-order position, nearby, trail).
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"courier/internal/http/middleware"
	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/types"
)

type LocationService interface {
	Report(ctx context.Context, u location.Update) (location.Result, error)
	Latest(ctx context.Context, agentID types.ID) (location.AgentPosition, error)
	Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]location.Nearby, error)
	Trail(ctx context.Context, agentID types.ID, since time.Time, limit int) ([]location.AgentPosition, error)
}

// OrderReader resolves the order a customer is tracking.
type OrderReader interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
}

type LocationHandler struct {
	location LocationService
	orders   OrderReader
}

func NewLocationHandler(svc LocationService, orders OrderReader) *LocationHandler {
	return &LocationHandler{location: svc, orders: orders}
}

type positionReq struct {
	Lat        *float64  `json:"lat"`
	Lng        *float64  `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at"`
}

// Update overwrites the caller's own live position.
func (h *LocationHandler) Update(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid agent id")
		return
	}
	if middleware.CallerRole(c) != middleware.RoleAgent {
		writeError(c, http.StatusForbidden, "forbidden: agent role required")
		return
	}
	if middleware.CallerUID(c) != id {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return
	}
	var req positionReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Lat == nil || req.Lng == nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	res, err := h.location.Report(c.Request.Context(), location.Update{
		AgentID:    types.ID(id),
		Position:   types.Point{Lat: *req.Lat, Lng: *req.Lng},
		AccuracyM:  req.AccuracyM,
		CapturedAt: req.CapturedAt,
	})
	if err != nil {
		writeLocationError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// Get is for staff and for an agent reading its own record.
func (h *LocationHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid agent id")
		return
	}
	switch middleware.CallerRole(c) {
	case middleware.RoleStaff:
	case middleware.RoleAgent:
		if middleware.CallerUID(c) != id {
			writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
			return
		}
	default:
		writeError(c, http.StatusForbidden, "forbidden: staff or agent role required")
		return
	}
	p, err := h.location.Latest(c.Request.Context(), types.ID(id))
	if err != nil {
		writeLocationError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

// OrderAgent is the customer's view of the courier on their order. The
// position is only served while the order has an agent and is still open.
func (h *LocationHandler) OrderAgent(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	o, err := h.orders.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if o.AgentID == nil || o.Status.Terminal() {
		writeLocationError(c, location.ErrNotFound)
		return
	}
	p, err := h.location.Latest(c.Request.Context(), *o.AgentID)
	if err != nil {
		writeLocationError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

// Nearby is for dispatch staff: agents within radius_km of lat/lng.
func (h *LocationHandler) Nearby(c *gin.Context) {
	if middleware.CallerRole(c) != middleware.RoleStaff {
		writeError(c, http.StatusForbidden, "forbidden: staff role required")
		return
	}
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	radius, err := strconv.ParseFloat(c.DefaultQuery("radius_km", "3"), 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid radius_km")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	agents, err := h.location.Nearby(c.Request.Context(), types.Point{Lat: lat, Lng: lng}, radius, limit)
	if err != nil {
		writeLocationError(c, err)
		return
	}
	if agents == nil {
		agents = []location.Nearby{}
	}
	writeJSON(c, http.StatusOK, gin.H{"agents": agents})
}

// Trail returns the recorded positions of an agent, by default for the last hour.
func (h *LocationHandler) Trail(c *gin.Context) {
	if middleware.CallerRole(c) != middleware.RoleStaff {
		writeError(c, http.StatusForbidden, "forbidden: staff role required")
		return
	}
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid agent id")
		return
	}
	since := time.Now().Add(-time.Hour)
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	points, err := h.location.Trail(c.Request.Context(), types.ID(id), since, limit)
	if err != nil {
		writeLocationError(c, err)
		return
	}
	if points == nil {
		points = []location.AgentPosition{}
	}
	writeJSON(c, http.StatusOK, gin.H{"positions": points})
}
