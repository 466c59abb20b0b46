// README: Cart, delivery zone and priced order definitions.
package pricing

import (
	"errors"
	"fmt"

	"courier/internal/types"
)

type CartLine struct {
	ProductID string            `json:"product_id"`
	Name      string            `json:"name"`
	Quantity  int               `json:"quantity"`
	Variant   map[string]string `json:"variant,omitempty"`
	UnitPrice types.Money       `json:"unit_price"`
}

type Zone struct {
	ID           types.ID    `json:"id"`
	TenantID     types.ID    `json:"tenant_id"`
	Label        string      `json:"label"`
	Fee          types.Money `json:"fee"`
	MinimumOrder types.Money `json:"minimum_order"`
}

// Settings is the tenant-level pricing configuration.
type Settings struct {
	Currency           string      `json:"currency"`
	DefaultDeliveryFee types.Money `json:"default_delivery_fee"`
	MinimumOrder       types.Money `json:"minimum_order"`
	// ZonesConfigured makes zone selection mandatory for delivery.
	ZonesConfigured bool `json:"zones_configured"`
}

type PricedLine struct {
	CartLine
	LineTotal types.Money `json:"line_total"`
}

type PricedOrder struct {
	Lines        []PricedLine
	Fulfillment  types.Fulfillment
	ZoneID       *types.ID
	Subtotal     types.Money
	DeliveryFee  types.Money
	Total        types.Money
	MinimumOrder types.Money
}

var (
	ErrZoneRequired      = errors.New("delivery zone required")
	ErrBelowMinimumOrder = errors.New("below minimum order")
	ErrInvalidCart       = errors.New("invalid cart")
	ErrZoneNotFound      = errors.New("delivery zone not found")
)

// BelowMinimumError carries the threshold that was not met.
type BelowMinimumError struct {
	Required types.Money
	Actual   types.Money
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("%s: required %s, actual %s", ErrBelowMinimumOrder, e.Required, e.Actual)
}

func (e *BelowMinimumError) Unwrap() error { return ErrBelowMinimumOrder }
