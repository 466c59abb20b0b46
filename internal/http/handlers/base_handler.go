// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/modules/pricing"
	"courier/internal/modules/tenant"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	// Transition rejections.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	// Minimum-order rejections.
	Required *int64 `json:"required,omitempty"`
	Actual   *int64 `json:"actual,omitempty"`
}

var errForbidden = errors.New("forbidden")

// isValidID accepts uuids and Firebase uids: 1..128 chars of [A-Za-z0-9_-].
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeOrderError maps order, tenant and pricing errors to HTTP responses.
func writeOrderError(c *gin.Context, err error) {
	var (
		terr *order.TransitionError
		merr *pricing.BelowMinimumError
	)
	switch {
	case errors.As(err, &terr):
		code := "invalid_transition"
		if errors.Is(err, order.ErrAlreadyTerminal) {
			code = "already_terminal"
		}
		writeJSON(c, http.StatusConflict, errorResponse{
			Error: err.Error(), Code: code, From: string(terr.From), To: string(terr.To),
		})
	case errors.As(err, &merr):
		required, actual := merr.Required.Amount, merr.Actual.Amount
		writeJSON(c, http.StatusUnprocessableEntity, errorResponse{
			Error: err.Error(), Code: "below_minimum_order", Required: &required, Actual: &actual,
		})
	case errors.Is(err, pricing.ErrZoneRequired):
		writeJSON(c, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "zone_required"})
	case errors.Is(err, pricing.ErrZoneNotFound):
		writeJSON(c, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "zone_not_found"})
	case errors.Is(err, pricing.ErrInvalidCart):
		writeJSON(c, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "invalid_cart"})
	case errors.Is(err, order.ErrConflict), errors.Is(err, order.ErrAssignmentNotAllowed):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, errForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	default:
		writeTenantError(c, err)
	}
}

func writeTenantError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tenant.ErrMissingIdentifier), errors.Is(err, tenant.ErrMalformedIdentifier):
		writeJSON(c, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "malformed_tenant"})
	case errors.Is(err, tenant.ErrNotRegistered):
		writeJSON(c, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "tenant_not_registered"})
	case errors.Is(err, tenant.ErrRegistryUnavailable):
		writeJSON(c, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "registry_unavailable"})
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeLocationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, location.ErrInvalidPosition):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, location.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
