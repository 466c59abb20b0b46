// README: Order service implements placement, state transitions and agent assignment.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"courier/internal/clock"
	"courier/internal/modules/pricing"
	"courier/internal/modules/tenant"
	"courier/internal/types"
)

// Repository is the persistence port of the order module.
type Repository interface {
	Create(ctx context.Context, o *Order, first Event) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	GetByNumber(ctx context.Context, tenantID types.ID, number string) (*Order, error)
	NextNumber(ctx context.Context, tenantID types.ID) (int64, error)
	UpdateStatus(ctx context.Context, id types.ID, from Status, version int, ev Event) (bool, error)
	SetAgent(ctx context.Context, id types.ID, agentID types.ID, version int) (bool, error)
	Events(ctx context.Context, id types.ID) ([]Event, error)
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Order, error)
	ListUnassigned(ctx context.Context, status Status, limit int) ([]*Order, error)
}

type TenantGuard interface {
	Validate(ctx context.Context, candidate string) (tenant.Tenant, error)
}

type Pricing interface {
	Quote(ctx context.Context, tenantID types.ID, settings pricing.Settings, lines []pricing.CartLine, f types.Fulfillment, zoneID *types.ID) (pricing.PricedOrder, error)
}

// Publisher fans accepted transitions out to interested consumers.
type Publisher interface {
	PublishStatusChanged(ctx context.Context, o *Order, ev Event) error
}

// Recorder receives counters for accepted and rejected transitions.
type Recorder interface {
	TransitionAccepted(to Status)
	TransitionRejected(reason string)
	OrderPlaced(f types.Fulfillment)
}

type Service struct {
	store     Repository
	guard     TenantGuard
	pricing   Pricing
	publisher Publisher
	metrics   Recorder
	clock     clock.Clock
	log       *slog.Logger
}

type Option func(*Service)

func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }
func WithRecorder(r Recorder) Option   { return func(s *Service) { s.metrics = r } }
func WithClock(c clock.Clock) Option   { return func(s *Service) { s.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func NewService(store Repository, guard TenantGuard, pricing Pricing, opts ...Option) *Service {
	s := &Service{
		store:   store,
		guard:   guard,
		pricing: pricing,
		clock:   clock.NewSystem(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	ErrNotFound             = errors.New("order not found")
	ErrConflict             = errors.New("order state conflict")
	ErrBadRequest           = errors.New("bad request")
	ErrAssignmentNotAllowed = errors.New("agent assignment not allowed in current status")
)

type PlaceCommand struct {
	TenantCandidate string
	Lines           []pricing.CartLine
	Fulfillment     types.Fulfillment
	ZoneID          *types.ID
	Customer        Customer
	Destination     *types.Point
	PaymentMethod   string
}

type TransitionCommand struct {
	OrderID   types.ID
	Status    Status
	Note      string
	ActorType string
	ActorID   *types.ID
}

type AssignCommand struct {
	OrderID types.ID
	AgentID types.ID
}

// Place validates the tenant, prices the cart and stores a pending order.
func (s *Service) Place(ctx context.Context, cmd PlaceCommand) (*Order, error) {
	if err := validatePlace(cmd); err != nil {
		return nil, err
	}
	t, err := s.guard.Validate(ctx, cmd.TenantCandidate)
	if err != nil {
		return nil, err
	}
	priced, err := s.pricing.Quote(ctx, t.ID, t.Pricing, cmd.Lines, cmd.Fulfillment, cmd.ZoneID)
	if err != nil {
		return nil, err
	}
	seq, err := s.store.NextNumber(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("allocate order number: %w", err)
	}

	now := s.clock.Now()
	payment := strings.TrimSpace(cmd.PaymentMethod)
	if payment == "" {
		payment = "cash"
	}
	o := &Order{
		ID:            types.ID(uuid.NewString()),
		Number:        formatNumber(t.OrderPrefix, seq),
		TenantID:      t.ID,
		Status:        StatusPending,
		StatusVersion: 0,
		Subtotal:      priced.Subtotal,
		DeliveryFee:   priced.DeliveryFee,
		Total:         priced.Total,
		PaymentMethod: payment,
		Fulfillment:   cmd.Fulfillment,
		ZoneID:        priced.ZoneID,
		Customer:      cmd.Customer,
		Destination:   cmd.Destination,
		Items:         toLineItems(priced.Lines),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	first := Event{
		OrderID:   o.ID,
		Status:    StatusPending,
		ActorType: "customer",
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, o, first); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.OrderPlaced(o.Fulfillment)
	}
	s.log.Info("order placed", "order_id", o.ID, "number", o.Number, "tenant", o.TenantID, "total", o.Total.String())
	return o, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) GetByNumber(ctx context.Context, tenantID types.ID, number string) (*Order, error) {
	return s.store.GetByNumber(ctx, tenantID, number)
}

// History returns the status events of an order, oldest first.
func (s *Service) History(ctx context.Context, id types.ID) ([]Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// Transition applies a requested status. Rejected requests leave the order
// unchanged; a duplicate request returns the order as is.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (*Order, error) {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	from, version := o.Status, o.StatusVersion

	ev, changed, err := Transition(o, cmd.Status, strings.TrimSpace(cmd.Note), s.clock.Now())
	if err != nil {
		s.rejected(err)
		return nil, err
	}
	if !changed {
		return o, nil
	}
	ev.ActorType = cmd.ActorType
	ev.ActorID = cmd.ActorID

	ok, err := s.store.UpdateStatus(ctx, o.ID, from, version, ev)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.rejected(ErrConflict)
		return nil, ErrConflict
	}
	if s.metrics != nil {
		s.metrics.TransitionAccepted(ev.Status)
	}
	s.log.Info("order status changed", "order_id", o.ID, "from", from, "to", ev.Status)

	if s.publisher != nil {
		if err := s.publisher.PublishStatusChanged(ctx, o, ev); err != nil {
			// Pollers still observe the change; the broadcast is best effort.
			s.log.Warn("publish status change", "order_id", o.ID, "err", err)
		}
	}
	return o, nil
}

// AssignAgent attaches a delivery agent. Only orders at confirmed or later
// may carry an agent.
func (s *Service) AssignAgent(ctx context.Context, cmd AssignCommand) (*Order, error) {
	if cmd.AgentID == "" {
		return nil, ErrBadRequest
	}
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if !CanAssignAgent(o.Status) {
		return nil, ErrAssignmentNotAllowed
	}
	if o.AgentID != nil && *o.AgentID == cmd.AgentID {
		return o, nil
	}
	ok, err := s.store.SetAgent(ctx, o.ID, cmd.AgentID, o.StatusVersion)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	agent := cmd.AgentID
	o.AgentID = &agent
	o.StatusVersion++
	s.log.Info("agent assigned", "order_id", o.ID, "agent_id", agent)
	return o, nil
}

// Unassigned lists delivery orders in status still waiting for an agent.
func (s *Service) Unassigned(ctx context.Context, status Status, limit int) ([]*Order, error) {
	if !status.Valid() {
		return nil, ErrBadRequest
	}
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListUnassigned(ctx, status, limit)
}

// RunPendingTimeout rejects orders left pending longer than maxAge.
func (s *Service) RunPendingTimeout(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expirePending(ctx, maxAge)
		}
	}
}

func (s *Service) expirePending(ctx context.Context, maxAge time.Duration) {
	stale, err := s.store.ListStale(ctx, StatusPending, s.clock.Now().Add(-maxAge), 100)
	if err != nil {
		s.log.Error("list stale pending orders", "err", err)
		return
	}
	for _, o := range stale {
		_, err := s.Transition(ctx, TransitionCommand{
			OrderID:   o.ID,
			Status:    StatusRejected,
			Note:      "not confirmed in time",
			ActorType: "system",
		})
		if err != nil && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrAlreadyTerminal) {
			s.log.Warn("expire pending order", "order_id", o.ID, "err", err)
		}
	}
}

func (s *Service) rejected(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrAlreadyTerminal):
		s.metrics.TransitionRejected("already_terminal")
	case errors.Is(err, ErrInvalidTransition):
		s.metrics.TransitionRejected("invalid_transition")
	case errors.Is(err, ErrConflict):
		s.metrics.TransitionRejected("conflict")
	}
}

func validatePlace(cmd PlaceCommand) error {
	if !cmd.Fulfillment.Valid() {
		return fmt.Errorf("%w: fulfillment must be delivery or pickup", ErrBadRequest)
	}
	if strings.TrimSpace(cmd.Customer.Name) == "" || strings.TrimSpace(cmd.Customer.Phone) == "" {
		return fmt.Errorf("%w: customer name and phone are required", ErrBadRequest)
	}
	if cmd.Fulfillment == types.FulfillmentDelivery &&
		strings.TrimSpace(cmd.Customer.Address) == "" && cmd.Destination == nil {
		return fmt.Errorf("%w: delivery needs an address or coordinates", ErrBadRequest)
	}
	if cmd.Destination != nil && !cmd.Destination.Valid() {
		return fmt.Errorf("%w: destination out of range", ErrBadRequest)
	}
	return nil
}

func formatNumber(prefix string, seq int64) string {
	if prefix == "" {
		prefix = "ORD"
	}
	return fmt.Sprintf("%s-%06d", strings.ToUpper(prefix), seq)
}

func toLineItems(lines []pricing.PricedLine) []LineItem {
	items := make([]LineItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, LineItem{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			Variant:   l.Variant,
			UnitPrice: l.UnitPrice,
			LineTotal: l.LineTotal,
		})
	}
	return items
}
