// README: Tenant validation and delivery zone handlers.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"courier/internal/modules/pricing"
	"courier/internal/types"
)

type ZoneService interface {
	Zones(ctx context.Context, tenantID types.ID) ([]pricing.Zone, error)
}

type TenantHandler struct {
	guard   TenantGuard
	pricing ZoneService
}

func NewTenantHandler(guard TenantGuard, zones ZoneService) *TenantHandler {
	return &TenantHandler{guard: guard, pricing: zones}
}

type validateResponse struct {
	Valid       bool     `json:"valid"`
	CanonicalID types.ID `json:"canonical_id"`
	DisplayName string   `json:"display_name"`
}

// Validate resolves the candidate in the path to its canonical tenant.
// Rejections are reported through the error status, so a 200 is always valid.
func (h *TenantHandler) Validate(c *gin.Context) {
	t, err := h.guard.Validate(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		writeTenantError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, validateResponse{Valid: true, CanonicalID: t.ID, DisplayName: t.DisplayName})
}

// Zones lists delivery zones keyed by the canonical id, never the candidate,
// with the fee settings a storefront needs to quote a cart.
func (h *TenantHandler) Zones(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.guard.Validate(ctx, c.Param("tenant"))
	if err != nil {
		writeTenantError(c, err)
		return
	}
	zones, err := h.pricing.Zones(ctx, t.ID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	if zones == nil {
		zones = []pricing.Zone{}
	}
	writeJSON(c, http.StatusOK, gin.H{"tenant_id": t.ID, "pricing": t.Pricing, "zones": zones})
}
