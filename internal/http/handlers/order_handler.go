// README: Order handlers for place, get, status transitions, history and agent assignment.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"courier/internal/http/middleware"
	"courier/internal/modules/order"
	"courier/internal/modules/pricing"
	"courier/internal/modules/tenant"
	"courier/internal/types"
)

type OrderService interface {
	Place(ctx context.Context, cmd order.PlaceCommand) (*order.Order, error)
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	GetByNumber(ctx context.Context, tenantID types.ID, number string) (*order.Order, error)
	History(ctx context.Context, id types.ID) ([]order.Event, error)
	Transition(ctx context.Context, cmd order.TransitionCommand) (*order.Order, error)
	AssignAgent(ctx context.Context, cmd order.AssignCommand) (*order.Order, error)
}

type TenantGuard interface {
	Validate(ctx context.Context, candidate string) (tenant.Tenant, error)
}

type OrderHandler struct {
	order OrderService
	guard TenantGuard
}

func NewOrderHandler(svc OrderService, guard TenantGuard) *OrderHandler {
	return &OrderHandler{order: svc, guard: guard}
}

type placeOrderReq struct {
	Items         []pricing.CartLine `json:"items"`
	Fulfillment   string             `json:"fulfillment"`
	ZoneID        string             `json:"zone_id"`
	Customer      order.Customer     `json:"customer"`
	Destination   *types.Point       `json:"destination"`
	PaymentMethod string             `json:"payment_method"`
}

type transitionReq struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type assignReq struct {
	AgentID string `json:"agent_id"`
}

// Place is public: the embedding surface has no customer session. The tenant
// path segment is only a candidate until the guard validates it.
func (h *OrderHandler) Place(c *gin.Context) {
	var req placeOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cmd := order.PlaceCommand{
		TenantCandidate: c.Param("tenant"),
		Lines:           req.Items,
		Fulfillment:     types.Fulfillment(strings.ToLower(strings.TrimSpace(req.Fulfillment))),
		Customer:        req.Customer,
		Destination:     req.Destination,
		PaymentMethod:   req.PaymentMethod,
	}
	if req.ZoneID != "" {
		zone := types.ID(req.ZoneID)
		cmd.ZoneID = &zone
	}
	o, err := h.order.Place(c.Request.Context(), cmd)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, o)
}

func (h *OrderHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	o, err := h.order.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

// GetByNumber resolves a human-readable order number within a validated tenant.
func (h *OrderHandler) GetByNumber(c *gin.Context) {
	t, err := h.guard.Validate(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	o, err := h.order.GetByNumber(c.Request.Context(), t.ID, strings.ToUpper(c.Param("number")))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OrderHandler) Events(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	events, err := h.order.History(c.Request.Context(), types.ID(id))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if events == nil {
		events = []order.Event{}
	}
	writeJSON(c, http.StatusOK, gin.H{"events": events})
}

// Transition requires auth. Staff may request any status; an agent only the
// delivery leg of an order assigned to them.
func (h *OrderHandler) Transition(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	var req transitionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	to, err := order.ParseStatus(req.Status)
	if err != nil {
		writeOrderError(c, err)
		return
	}

	ctx := c.Request.Context()
	uid, role := middleware.CallerUID(c), middleware.CallerRole(c)
	current, err := h.order.Get(ctx, types.ID(id))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if err := authorizeTransition(role, uid, current, to); err != nil {
		writeOrderError(c, err)
		return
	}

	actor := types.ID(uid)
	o, err := h.order.Transition(ctx, order.TransitionCommand{
		OrderID:   types.ID(id),
		Status:    to,
		Note:      req.Note,
		ActorType: role,
		ActorID:   &actor,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

// AssignAgent lets staff assign anyone, and an agent claim an unassigned order
// for themselves.
func (h *OrderHandler) AssignAgent(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	var req assignReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.AgentID) {
		writeError(c, http.StatusBadRequest, "invalid agent id")
		return
	}

	ctx := c.Request.Context()
	switch middleware.CallerRole(c) {
	case middleware.RoleStaff:
	case middleware.RoleAgent:
		if req.AgentID != middleware.CallerUID(c) {
			writeError(c, http.StatusForbidden, "forbidden: agents may only claim for themselves")
			return
		}
		current, err := h.order.Get(ctx, types.ID(id))
		if err != nil {
			writeOrderError(c, err)
			return
		}
		if current.AgentID != nil && *current.AgentID != types.ID(req.AgentID) {
			writeError(c, http.StatusConflict, "order already assigned")
			return
		}
	default:
		writeError(c, http.StatusForbidden, "forbidden: staff or agent role required")
		return
	}

	o, err := h.order.AssignAgent(ctx, order.AssignCommand{OrderID: types.ID(id), AgentID: types.ID(req.AgentID)})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

var agentStatuses = map[order.Status]bool{
	order.StatusPickedUp:   true,
	order.StatusDelivering: true,
	order.StatusDelivered:  true,
}

func authorizeTransition(role, uid string, o *order.Order, to order.Status) error {
	switch role {
	case middleware.RoleStaff:
		return nil
	case middleware.RoleAgent:
		if o.AgentID == nil || string(*o.AgentID) != uid {
			return fmt.Errorf("%w: order is not assigned to caller", errForbidden)
		}
		if !agentStatuses[to] {
			return fmt.Errorf("%w: agents may not set %s", errForbidden, to)
		}
		return nil
	default:
		return fmt.Errorf("%w: staff or agent role required", errForbidden)
	}
}
