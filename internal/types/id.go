// README: Identifier and coordinate value types shared by modules.
package types

type ID string

func (id ID) String() string { return string(id) }

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies within WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type Fulfillment string

const (
	FulfillmentDelivery Fulfillment = "delivery"
	FulfillmentPickup   Fulfillment = "pickup"
)

func (f Fulfillment) Valid() bool {
	return f == FulfillmentDelivery || f == FulfillmentPickup
}
