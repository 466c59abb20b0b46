// README: Dispatch service ranks nearby agents and assigns the closest free one on a ticker.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"courier/internal/clock"
	"courier/internal/config"
	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/types"
)

type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Unassigned(ctx context.Context, status order.Status, limit int) ([]*order.Order, error)
	AssignAgent(ctx context.Context, cmd order.AssignCommand) (*order.Order, error)
}

type Locator interface {
	Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]location.Nearby, error)
}

// ClaimStore keeps agents from being booked on two orders at once.
type ClaimStore interface {
	Claim(ctx context.Context, agentID, orderID types.ID) (bool, error)
	Release(ctx context.Context, agentID, orderID types.ID) error
	CurrentOrder(ctx context.Context, agentID types.ID) (types.ID, bool, error)
	Decline(ctx context.Context, orderID, agentID types.ID) error
	Declined(ctx context.Context, orderID types.ID) (map[types.ID]bool, error)
}

type Recorder interface {
	Dispatched(outcome string)
}

type Service struct {
	store   ClaimStore
	orders  Orders
	agents  Locator
	cfg     config.DispatchConfig
	metrics Recorder
	clock   clock.Clock
	log     *slog.Logger
}

type Option func(*Service)

func WithRecorder(r Recorder) Option   { return func(s *Service) { s.metrics = r } }
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }
func WithClock(c clock.Clock) Option   { return func(s *Service) { s.clock = c } }

func NewService(store ClaimStore, orders Orders, agents Locator, cfg config.DispatchConfig, opts ...Option) *Service {
	s := &Service{store: store, orders: orders, agents: agents, cfg: cfg, clock: clock.NewSystem(), log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Candidates lists free agents near the order destination, closest first.
func (s *Service) Candidates(ctx context.Context, orderID types.ID) ([]location.Nearby, error) {
	o, err := s.dispatchable(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.candidates(ctx, o)
}

// Dispatch books the closest free agent and assigns it to the order. An
// order that already has an agent is returned unchanged.
func (s *Service) Dispatch(ctx context.Context, orderID types.ID) (*order.Order, error) {
	o, err := s.dispatchable(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.AgentID != nil {
		return o, nil
	}
	candidates, err := s.candidates(ctx, o)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		ok, err := s.store.Claim(ctx, c.AgentID, o.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Booked by a concurrent dispatch since the candidate scan.
			continue
		}
		assigned, err := s.orders.AssignAgent(ctx, order.AssignCommand{OrderID: o.ID, AgentID: c.AgentID})
		if err != nil {
			if rerr := s.store.Release(ctx, c.AgentID, o.ID); rerr != nil {
				s.log.Warn("release agent claim", "agent_id", c.AgentID, "order_id", o.ID, "err", rerr)
			}
			s.record("failed")
			return nil, err
		}
		s.log.Info("agent dispatched", "order_id", o.ID, "agent_id", c.AgentID, "distance_km", c.DistanceKm)
		s.record("assigned")
		return assigned, nil
	}
	s.record("no_agent")
	return nil, ErrNoAgentAvailable
}

// Decline records that agentID will not take the order so later dispatches
// skip them.
func (s *Service) Decline(ctx context.Context, orderID, agentID types.ID) error {
	if agentID == "" {
		return order.ErrBadRequest
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.AgentID != nil && *o.AgentID == agentID {
		return ErrAlreadyHeld
	}
	if err := s.store.Decline(ctx, o.ID, agentID); err != nil {
		return err
	}
	return s.store.Release(ctx, agentID, o.ID)
}

// RunScheduler dispatches waiting delivery orders until ctx is done.
func (s *Service) RunScheduler(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickDispatch(ctx)
		}
	}
}

func (s *Service) tickDispatch(ctx context.Context) {
	for _, status := range scanStatuses {
		waiting, err := s.orders.Unassigned(ctx, status, scanBatch)
		if err != nil {
			s.log.Error("list unassigned orders", "status", status, "err", err)
			return
		}
		for _, o := range waiting {
			if ctx.Err() != nil {
				return
			}
			_, err := s.Dispatch(ctx, o.ID)
			switch {
			case err == nil, errors.Is(err, ErrNoAgentAvailable):
			case errors.Is(err, ErrNoDestination), errors.Is(err, ErrNotDispatchable),
				errors.Is(err, order.ErrConflict), errors.Is(err, order.ErrAssignmentNotAllowed):
				s.log.Debug("skip dispatch", "order_id", o.ID, "err", err)
			default:
				s.log.Warn("dispatch order", "order_id", o.ID, "err", err)
			}
		}
	}
}

func (s *Service) dispatchable(ctx context.Context, orderID types.ID) (*order.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Fulfillment != types.FulfillmentDelivery || !order.CanAssignAgent(o.Status) {
		return nil, ErrNotDispatchable
	}
	if o.Destination == nil {
		return nil, ErrNoDestination
	}
	return o, nil
}

func (s *Service) candidates(ctx context.Context, o *order.Order) ([]location.Nearby, error) {
	nearby, err := s.agents.Nearby(ctx, *o.Destination, s.cfg.RadiusKm, candidatePoolSize)
	if err != nil {
		return nil, err
	}
	declined, err := s.store.Declined(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	out := make([]location.Nearby, 0, len(nearby))
	for _, n := range nearby {
		if declined[n.AgentID] || !s.fresh(n) {
			continue
		}
		busy, err := s.busy(ctx, n.AgentID, o.ID)
		if err != nil {
			return nil, err
		}
		if !busy {
			out = append(out, n)
		}
	}
	return out, nil
}

// fresh reports whether the agent reported recently enough to count as online.
func (s *Service) fresh(n location.Nearby) bool {
	if s.cfg.MaxFixAge <= 0 {
		return true
	}
	return !n.CapturedAt.IsZero() && s.clock.Now().Sub(n.CapturedAt) <= s.cfg.MaxFixAge
}

// busy reports whether agentID is booked on an order other than orderID that
// still needs them. Claims on finished or reassigned orders are dropped here.
func (s *Service) busy(ctx context.Context, agentID, orderID types.ID) (bool, error) {
	current, ok, err := s.store.CurrentOrder(ctx, agentID)
	if err != nil {
		return false, err
	}
	if !ok || current == orderID {
		return false, nil
	}
	held, err := s.orders.Get(ctx, current)
	switch {
	case errors.Is(err, order.ErrNotFound):
	case err != nil:
		return false, err
	case held.Status == order.StatusDelivered || held.Status.Terminal():
	case held.AgentID == nil:
		// Claimed but the assignment is still being written.
		return true, nil
	case *held.AgentID == agentID:
		return true, nil
	}
	if err := s.store.Release(ctx, agentID, current); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Service) record(outcome string) {
	if s.metrics != nil {
		s.metrics.Dispatched(outcome)
	}
}
