// README: Dispatch handler (staff candidate lists and manual dispatch, agent declines).
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"courier/internal/http/middleware"
	"courier/internal/modules/dispatch"
	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/types"
)

type DispatchService interface {
	Candidates(ctx context.Context, orderID types.ID) ([]location.Nearby, error)
	Dispatch(ctx context.Context, orderID types.ID) (*order.Order, error)
	Decline(ctx context.Context, orderID, agentID types.ID) error
}

type DispatchHandler struct {
	dispatch DispatchService
}

func NewDispatchHandler(svc DispatchService) *DispatchHandler {
	return &DispatchHandler{dispatch: svc}
}

func (h *DispatchHandler) Candidates(c *gin.Context) {
	id, ok := h.staffOrderID(c)
	if !ok {
		return
	}
	agents, err := h.dispatch.Candidates(c.Request.Context(), id)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	if agents == nil {
		agents = []location.Nearby{}
	}
	writeJSON(c, http.StatusOK, gin.H{"agents": agents})
}

func (h *DispatchHandler) Dispatch(c *gin.Context) {
	id, ok := h.staffOrderID(c)
	if !ok {
		return
	}
	o, err := h.dispatch.Dispatch(c.Request.Context(), id)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

// Decline is the calling agent turning the order down.
func (h *DispatchHandler) Decline(c *gin.Context) {
	if middleware.CallerRole(c) != middleware.RoleAgent {
		writeError(c, http.StatusForbidden, "forbidden: agent role required")
		return
	}
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	if err := h.dispatch.Decline(c.Request.Context(), types.ID(id), types.ID(middleware.CallerUID(c))); err != nil {
		writeDispatchError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DispatchHandler) staffOrderID(c *gin.Context) (types.ID, bool) {
	if middleware.CallerRole(c) != middleware.RoleStaff {
		writeError(c, http.StatusForbidden, "forbidden: staff role required")
		return "", false
	}
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return "", false
	}
	return types.ID(id), true
}

func writeDispatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNoAgentAvailable):
		writeJSON(c, http.StatusConflict, errorResponse{Error: err.Error(), Code: "no_agent_available"})
	case errors.Is(err, dispatch.ErrNotDispatchable), errors.Is(err, dispatch.ErrNoDestination):
		writeJSON(c, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "not_dispatchable"})
	case errors.Is(err, dispatch.ErrAlreadyHeld):
		writeJSON(c, http.StatusConflict, errorResponse{Error: err.Error(), Code: "already_assigned"})
	case errors.Is(err, location.ErrInvalidPosition):
		writeLocationError(c, err)
	default:
		writeOrderError(c, err)
	}
}
