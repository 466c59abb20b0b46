package pricing

import (
	"fmt"

	"courier/internal/types"
)

// ComputeTotal prices a cart for the chosen fulfillment. It has no side
// effects and may be called on every cart or zone change.
func ComputeTotal(lines []CartLine, f types.Fulfillment, zone *Zone, s Settings) (PricedOrder, error) {
	if !f.Valid() {
		return PricedOrder{}, fmt.Errorf("%w: unknown fulfillment %q", ErrInvalidCart, f)
	}
	if len(lines) == 0 {
		return PricedOrder{}, fmt.Errorf("%w: no lines", ErrInvalidCart)
	}

	currency := s.Currency
	if currency == "" {
		currency = types.DefaultCurrency
	}
	subtotal := types.NewMoney(0, currency)
	priced := make([]PricedLine, 0, len(lines))
	for i, l := range lines {
		if l.Quantity <= 0 {
			return PricedOrder{}, fmt.Errorf("%w: line %d quantity %d", ErrInvalidCart, i, l.Quantity)
		}
		if l.UnitPrice.Amount < 0 {
			return PricedOrder{}, fmt.Errorf("%w: line %d negative price", ErrInvalidCart, i)
		}
		if l.UnitPrice.Currency != "" && l.UnitPrice.Currency != currency {
			return PricedOrder{}, fmt.Errorf("%w: line %d currency %s, want %s", ErrInvalidCart, i, l.UnitPrice.Currency, currency)
		}
		lineTotal, err := types.NewMoney(l.UnitPrice.Amount, currency).Mul(l.Quantity)
		if err != nil {
			return PricedOrder{}, fmt.Errorf("%w: line %d total: %w", ErrInvalidCart, i, err)
		}
		if subtotal, err = subtotal.Plus(lineTotal); err != nil {
			return PricedOrder{}, fmt.Errorf("%w: subtotal: %w", ErrInvalidCart, err)
		}
		priced = append(priced, PricedLine{CartLine: l, LineTotal: lineTotal})
	}

	out := PricedOrder{
		Lines:       priced,
		Fulfillment: f,
		Subtotal:    subtotal,
		DeliveryFee: types.NewMoney(0, currency),
	}

	if f == types.FulfillmentDelivery {
		minimum := s.MinimumOrder
		switch {
		case zone != nil:
			out.DeliveryFee = types.NewMoney(zone.Fee.Amount, currency)
			minimum = zone.MinimumOrder
			id := zone.ID
			out.ZoneID = &id
		case s.ZonesConfigured:
			return PricedOrder{}, ErrZoneRequired
		default:
			out.DeliveryFee = types.NewMoney(s.DefaultDeliveryFee.Amount, currency)
		}
		minimum = types.NewMoney(minimum.Amount, currency)
		out.MinimumOrder = minimum
		if subtotal.Less(minimum) {
			return PricedOrder{}, &BelowMinimumError{Required: minimum, Actual: subtotal}
		}
	}

	total, err := out.Subtotal.Plus(out.DeliveryFee)
	if err != nil {
		return PricedOrder{}, fmt.Errorf("%w: total: %w", ErrInvalidCart, err)
	}
	out.Total = total
	return out, nil
}
