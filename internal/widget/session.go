// README: Widget session binds one embedding surface to a tenant, a cart and a tracking session.
package widget

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"courier/internal/client"
	"courier/internal/clock"
	"courier/internal/modules/order"
	"courier/internal/modules/pricing"
	"courier/internal/modules/tenant"
	"courier/internal/tracking"
	"courier/internal/types"
)

// API is the subset of the courier client a widget needs.
type API interface {
	tracking.API
	PlaceOrder(ctx context.Context, tenantID types.ID, req client.PlaceOrderRequest) (*order.Order, error)
	DeliveryOptions(ctx context.Context, tenantID types.ID) (client.DeliveryOptions, error)
}

type Guard interface {
	Validate(ctx context.Context, candidate string) (tenant.Tenant, error)
}

var (
	ErrEmptyCart    = errors.New("cart is empty")
	ErrNoOrder      = errors.New("no active order")
	ErrSessionEnded = errors.New("widget session closed")
)

type Session struct {
	api   API
	prefs *Prefs

	allowDegraded bool
	pollInterval  time.Duration
	clock         clock.Clock
	log           *slog.Logger

	mu          sync.Mutex
	tenant      tenant.Tenant
	zones       []pricing.Zone
	cart        []pricing.CartLine
	fulfillment types.Fulfillment
	zoneID      *types.ID
	tracker     *tracking.Session
	closed      bool
}

type Option func(*Session)

// AllowDegraded lets Open proceed with the unvalidated candidate when the
// registry cannot be reached. Off by default.
func AllowDegraded() Option                   { return func(s *Session) { s.allowDegraded = true } }
func WithPollInterval(d time.Duration) Option { return func(s *Session) { s.pollInterval = d } }
func WithClock(c clock.Clock) Option          { return func(s *Session) { s.clock = c } }
func WithLogger(l *slog.Logger) Option        { return func(s *Session) { s.log = l } }

// Open validates candidate and loads the tenant's fee settings and delivery zones. Every key
// the session stores is derived from the canonical id the guard returns.
func Open(ctx context.Context, candidate string, api API, guard Guard, prefs *Prefs, opts ...Option) (*Session, error) {
	s := &Session{
		api:         api,
		prefs:       prefs,
		clock:       clock.NewSystem(),
		log:         slog.Default(),
		fulfillment: types.FulfillmentDelivery,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.prefs == nil {
		s.prefs = NewPrefs()
	}

	t, err := guard.Validate(ctx, candidate)
	if err != nil {
		if !s.allowDegraded || !errors.Is(err, tenant.ErrRegistryUnavailable) {
			return nil, err
		}
		t = tenant.Degraded(candidate)
		s.log.Warn("tenant registry unreachable, continuing degraded", "candidate", candidate, "err", err)
	}
	s.tenant = t

	delivery, err := api.DeliveryOptions(ctx, t.ID)
	if err != nil {
		if !t.Degraded {
			return nil, err
		}
		s.log.Warn("load delivery zones", "tenant", t.ID, "err", err)
	} else {
		s.tenant.Pricing = delivery.Pricing
	}
	s.zones = delivery.Zones
	return s, nil
}

func (s *Session) Tenant() tenant.Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenant
}

func (s *Session) Zones() []pricing.Zone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pricing.Zone(nil), s.zones...)
}

// AddItem appends a line or, when the same product and variant is already in
// the cart, increases its quantity.
func (s *Session) AddItem(line pricing.CartLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cart {
		if s.cart[i].ProductID == line.ProductID && sameVariant(s.cart[i].Variant, line.Variant) {
			s.cart[i].Quantity += line.Quantity
			return
		}
	}
	s.cart = append(s.cart, line)
}

// SetQuantity changes the quantity of every line for productID. Zero or less
// removes them.
func (s *Session) SetQuantity(productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.cart[:0]
	for _, l := range s.cart {
		if l.ProductID == productID {
			if qty <= 0 {
				continue
			}
			l.Quantity = qty
		}
		kept = append(kept, l)
	}
	s.cart = kept
}

func (s *Session) Items() []pricing.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pricing.CartLine(nil), s.cart...)
}

func (s *Session) SetFulfillment(f types.Fulfillment) error {
	if !f.Valid() {
		return pricing.ErrInvalidCart
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fulfillment = f
	return nil
}

// SelectZone picks a delivery zone by id. An empty id clears the selection.
func (s *Session) SelectZone(id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		s.zoneID = nil
		return nil
	}
	if findZone(s.zones, id) == nil {
		return pricing.ErrZoneNotFound
	}
	s.zoneID = &id
	return nil
}

// Quote recomputes the live total for the current cart and selection.
func (s *Session) Quote() (pricing.PricedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quoteLocked()
}

func (s *Session) quoteLocked() (pricing.PricedOrder, error) {
	if len(s.cart) == 0 {
		return pricing.PricedOrder{}, ErrEmptyCart
	}
	settings := s.tenant.Pricing
	settings.ZonesConfigured = len(s.zones) > 0
	var zone *pricing.Zone
	if s.fulfillment == types.FulfillmentDelivery && s.zoneID != nil {
		zone = findZone(s.zones, *s.zoneID)
	}
	return pricing.ComputeTotal(s.cart, s.fulfillment, zone, settings)
}

// Checkout is the customer part of a submission.
type Checkout struct {
	Customer      order.Customer
	Destination   *types.Point
	PaymentMethod string
}

// Submit places the cart as an order. On success the cart is cleared and the
// order id and contact details are remembered for this tenant.
func (s *Session) Submit(ctx context.Context, co Checkout) (*order.Order, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionEnded
	}
	if _, err := s.quoteLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	tenantID := s.tenant.ID
	req := client.PlaceOrderRequest{
		Items:         append([]pricing.CartLine(nil), s.cart...),
		Fulfillment:   s.fulfillment,
		Customer:      co.Customer,
		Destination:   co.Destination,
		PaymentMethod: co.PaymentMethod,
	}
	if s.fulfillment == types.FulfillmentDelivery && s.zoneID != nil {
		req.ZoneID = string(*s.zoneID)
	}
	s.mu.Unlock()

	o, err := s.api.PlaceOrder(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cart = nil
	s.mu.Unlock()

	s.prefs.Set(PrefKey(string(tenantID), keyActiveOrder), string(o.ID))
	if raw, err := json.Marshal(co.Customer); err == nil {
		s.prefs.Set(PrefKey(string(tenantID), keyContact), string(raw))
	}
	s.log.Info("order submitted", "tenant", tenantID, "order_id", o.ID, "number", o.Number)
	return o, nil
}

// Contact returns the last customer details used with this tenant, for
// prefill only.
func (s *Session) Contact() (order.Customer, bool) {
	raw, ok := s.prefs.Get(PrefKey(string(s.Tenant().ID), keyContact))
	if !ok {
		return order.Customer{}, false
	}
	var c order.Customer
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return order.Customer{}, false
	}
	return c, true
}

func (s *Session) ActiveOrder() (types.ID, bool) {
	v, ok := s.prefs.Get(PrefKey(string(s.Tenant().ID), keyActiveOrder))
	return types.ID(v), ok && v != ""
}

// Track opens a tracking session for orderID, or for the remembered active
// order when orderID is empty. A previous tracker is closed first. The
// session is returned even when the initial load fails so callers can Retry.
func (s *Session) Track(ctx context.Context, orderID types.ID) (*tracking.Session, error) {
	if orderID == "" {
		id, ok := s.ActiveOrder()
		if !ok {
			return nil, ErrNoOrder
		}
		orderID = id
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionEnded
	}
	prev := s.tracker
	opts := []tracking.Option{
		tracking.WithPrefs(s.prefs, PrefKey(string(s.tenant.ID), keyActiveOrder)),
		tracking.WithClock(s.clock),
		tracking.WithLogger(s.log),
	}
	if s.pollInterval > 0 {
		opts = append(opts, tracking.WithPollInterval(s.pollInterval))
	}
	tr := tracking.NewSession(s.api, opts...)
	s.tracker = tr
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	// A close that lands between here and the end of Open would leave tr
	// polling with no owner, so ownership is checked on both sides of Open.
	if !s.owns(tr) {
		tr.Close()
		return nil, ErrSessionEnded
	}
	err := tr.Open(ctx, orderID)
	if !s.owns(tr) {
		tr.Close()
		return nil, ErrSessionEnded
	}
	return tr, err
}

// owns reports whether tr is still the live tracker of an open session.
func (s *Session) owns(tr *tracking.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.tracker == tr
}

// Close ends the widget session and its tracker. Safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tr := s.tracker
	s.tracker = nil
	s.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
}

func findZone(zones []pricing.Zone, id types.ID) *pricing.Zone {
	for i := range zones {
		if zones[i].ID == id {
			return &zones[i]
		}
	}
	return nil
}

func sameVariant(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
