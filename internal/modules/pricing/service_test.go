package pricing

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/types"
)

func rm(amount int64) types.Money { return types.NewMoney(amount, "MYR") }

// cart totalling RM23.50.
func sampleCart() []CartLine {
	return []CartLine{
		{ProductID: "nasi-lemak", Name: "Nasi Lemak", Quantity: 2, UnitPrice: rm(850)},
		{ProductID: "teh-tarik", Name: "Teh Tarik", Quantity: 1, UnitPrice: rm(450), Variant: map[string]string{"size": "large"}},
		{ProductID: "kuih", Name: "Kuih", Quantity: 2, UnitPrice: rm(100)},
	}
}

func TestComputeTotal(t *testing.T) {
	zone := &Zone{ID: "z-central", Label: "Central", Fee: rm(500), MinimumOrder: rm(2000)}

	tests := []struct {
		name        string
		fulfillment types.Fulfillment
		zone        *Zone
		settings    Settings
		wantSub     int64
		wantFee     int64
		wantTotal   int64
	}{
		{
			name:        "zone delivery meets minimum",
			fulfillment: types.FulfillmentDelivery,
			zone:        zone,
			settings:    Settings{Currency: "MYR", ZonesConfigured: true},
			wantSub:     2350, wantFee: 500, wantTotal: 2850,
		},
		{
			name:        "flat default fee when zones are not configured",
			fulfillment: types.FulfillmentDelivery,
			settings:    Settings{Currency: "MYR", DefaultDeliveryFee: rm(300), MinimumOrder: rm(1000)},
			wantSub:     2350, wantFee: 300, wantTotal: 2650,
		},
		{
			name:        "pickup has no fee and ignores zone",
			fulfillment: types.FulfillmentPickup,
			zone:        zone,
			settings:    Settings{Currency: "MYR", DefaultDeliveryFee: rm(300), ZonesConfigured: true},
			wantSub:     2350, wantFee: 0, wantTotal: 2350,
		},
		{
			name:        "pickup ignores delivery minimum",
			fulfillment: types.FulfillmentPickup,
			settings:    Settings{Currency: "MYR", MinimumOrder: rm(10000)},
			wantSub:     2350, wantFee: 0, wantTotal: 2350,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeTotal(sampleCart(), tt.fulfillment, tt.zone, tt.settings)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, got.Subtotal.Amount)
			assert.Equal(t, tt.wantFee, got.DeliveryFee.Amount)
			assert.Equal(t, tt.wantTotal, got.Total.Amount)
			assert.Equal(t, got.Subtotal.Amount+got.DeliveryFee.Amount, got.Total.Amount)
			assert.Len(t, got.Lines, 3)
		})
	}
}

func TestComputeTotal_BelowMinimumOrder(t *testing.T) {
	zone := &Zone{ID: "z-central", Fee: rm(500), MinimumOrder: rm(3000)}

	_, err := ComputeTotal(sampleCart(), types.FulfillmentDelivery, zone, Settings{Currency: "MYR", ZonesConfigured: true})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBelowMinimumOrder))

	var below *BelowMinimumError
	require.True(t, errors.As(err, &below))
	assert.Equal(t, 30.0, below.Required.Major())
	assert.Equal(t, 23.5, below.Actual.Major())
	assert.Equal(t, "below minimum order: required 30.00, actual 23.50", err.Error())
}

func TestComputeTotal_ZoneRequired(t *testing.T) {
	_, err := ComputeTotal(sampleCart(), types.FulfillmentDelivery, nil, Settings{ZonesConfigured: true})
	assert.ErrorIs(t, err, ErrZoneRequired)
}

func TestComputeTotal_InvalidCart(t *testing.T) {
	cases := map[string][]CartLine{
		"empty":          nil,
		"zero quantity":  {{ProductID: "a", Quantity: 0, UnitPrice: rm(100)}},
		"negative price": {{ProductID: "a", Quantity: 1, UnitPrice: rm(-1)}},
		"mixed currency": {{ProductID: "a", Quantity: 1, UnitPrice: types.NewMoney(100, "SGD")}},
	}
	for name, lines := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ComputeTotal(lines, types.FulfillmentPickup, nil, Settings{Currency: "MYR"})
			assert.ErrorIs(t, err, ErrInvalidCart)
		})
	}

	_, err := ComputeTotal(sampleCart(), types.Fulfillment("drone"), nil, Settings{})
	assert.ErrorIs(t, err, ErrInvalidCart)
}

func TestComputeTotal_AmountOverflow(t *testing.T) {
	cases := map[string]struct {
		lines []CartLine
		fee   types.Money
	}{
		"line total": {
			lines: []CartLine{{ProductID: "a", Quantity: 3, UnitPrice: rm(math.MaxInt64 / 2)}},
		},
		"subtotal": {
			lines: []CartLine{
				{ProductID: "a", Quantity: 1, UnitPrice: rm(math.MaxInt64 - 10)},
				{ProductID: "b", Quantity: 1, UnitPrice: rm(20)},
			},
		},
		"delivery fee": {
			lines: []CartLine{{ProductID: "a", Quantity: 1, UnitPrice: rm(math.MaxInt64 - 10)}},
			fee:   rm(500),
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ComputeTotal(tc.lines, types.FulfillmentDelivery, nil, Settings{Currency: "MYR", DefaultDeliveryFee: tc.fee})
			assert.ErrorIs(t, err, ErrInvalidCart)
			assert.ErrorIs(t, err, types.ErrAmountOverflow)
		})
	}
}

// Repeated calls with the same input must give the same result.
func TestComputeTotal_Pure(t *testing.T) {
	lines := sampleCart()
	zone := &Zone{ID: "z1", Fee: rm(500)}
	a, errA := ComputeTotal(lines, types.FulfillmentDelivery, zone, Settings{})
	b, errB := ComputeTotal(lines, types.FulfillmentDelivery, zone, Settings{})
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, a, b)
	assert.Equal(t, rm(850), lines[0].UnitPrice)
}

type stubZoneStore struct {
	zones []Zone
	err   error
}

func (s stubZoneStore) ListZones(_ context.Context, _ types.ID) ([]Zone, error) {
	return s.zones, s.err
}

func TestService_Quote(t *testing.T) {
	ctx := context.Background()
	zones := []Zone{
		{ID: "z-north", Label: "North", Fee: rm(700), MinimumOrder: rm(2000)},
		{ID: "z-south", Label: "South", Fee: rm(500), MinimumOrder: rm(2000)},
	}
	svc := NewService(stubZoneStore{zones: zones})
	settings := Settings{Currency: "MYR", DefaultDeliveryFee: rm(300)}

	south := types.ID("z-south")
	got, err := svc.Quote(ctx, "kedai-ali", settings, sampleCart(), types.FulfillmentDelivery, &south)
	require.NoError(t, err)
	assert.Equal(t, int64(2850), got.Total.Amount)
	require.NotNil(t, got.ZoneID)
	assert.Equal(t, south, *got.ZoneID)

	_, err = svc.Quote(ctx, "kedai-ali", settings, sampleCart(), types.FulfillmentDelivery, nil)
	assert.ErrorIs(t, err, ErrZoneRequired)

	missing := types.ID("z-east")
	_, err = svc.Quote(ctx, "kedai-ali", settings, sampleCart(), types.FulfillmentDelivery, &missing)
	assert.ErrorIs(t, err, ErrZoneNotFound)

	got, err = svc.Quote(ctx, "kedai-ali", settings, sampleCart(), types.FulfillmentPickup, &missing)
	require.NoError(t, err)
	assert.Equal(t, int64(2350), got.Total.Amount)

	flat := NewService(stubZoneStore{})
	got, err = flat.Quote(ctx, "kedai-ali", settings, sampleCart(), types.FulfillmentDelivery, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2650), got.Total.Amount)

	failing := NewService(stubZoneStore{err: errors.New("db down")})
	_, err = failing.Quote(ctx, "kedai-ali", settings, sampleCart(), types.FulfillmentPickup, nil)
	assert.Error(t, err)
}
