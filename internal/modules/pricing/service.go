// README: Pricing service loads tenant zones and prices carts.
package pricing

import (
	"context"

	"courier/internal/types"
)

type ZoneStore interface {
	ListZones(ctx context.Context, tenantID types.ID) ([]Zone, error)
}

type Service struct {
	store ZoneStore
}

func NewService(store ZoneStore) *Service {
	return &Service{store: store}
}

func (s *Service) Zones(ctx context.Context, tenantID types.ID) ([]Zone, error) {
	return s.store.ListZones(ctx, tenantID)
}

// Quote resolves the selected zone for tenantID and prices the cart. A zone
// id is ignored for pickup.
func (s *Service) Quote(ctx context.Context, tenantID types.ID, settings Settings, lines []CartLine, f types.Fulfillment, zoneID *types.ID) (PricedOrder, error) {
	zones, err := s.store.ListZones(ctx, tenantID)
	if err != nil {
		return PricedOrder{}, err
	}
	settings.ZonesConfigured = len(zones) > 0

	var zone *Zone
	if f == types.FulfillmentDelivery && zoneID != nil && *zoneID != "" {
		zone = findZone(zones, *zoneID)
		if zone == nil {
			return PricedOrder{}, ErrZoneNotFound
		}
	}
	return ComputeTotal(lines, f, zone, settings)
}

func findZone(zones []Zone, id types.ID) *Zone {
	for i := range zones {
		if zones[i].ID == id {
			return &zones[i]
		}
	}
	return nil
}
