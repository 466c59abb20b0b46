// README: Tracking session polls an order and its agent and keeps a local view in sync.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"courier/internal/clock"
	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/types"
)

const (
	DefaultPollInterval = 15 * time.Second
	// staleAfter consecutive failed polls mark the snapshot as stale.
	staleAfter = 3
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateActive  State = "active"
	StateError   State = "error"
	StateClosed  State = "closed"
)

type EventKind string

const (
	EventOpen            EventKind = "open"
	EventClose           EventKind = "close"
	EventStatusChanged   EventKind = "status-changed"
	EventPositionUpdated EventKind = "position-updated"
	EventStale           EventKind = "stale"
	EventError           EventKind = "error"
	EventMarkers         EventKind = "markers"
)

// API is the read side of the order service as seen by a customer.
type API interface {
	GetOrder(ctx context.Context, id types.ID) (*order.Order, error)
	// OrderAgentPosition is the live position of the agent on the order.
	OrderAgentPosition(ctx context.Context, orderID types.ID) (location.AgentPosition, error)
}

// Prefs is where the active order reference is persisted between sessions.
type Prefs interface {
	Delete(key string)
}

// Snapshot is the last known good view of the tracked order.
type Snapshot struct {
	Order     *order.Order            `json:"order"`
	Agent     *location.AgentPosition `json:"agent,omitempty"`
	Estimate  *location.Estimate      `json:"estimate,omitempty"`
	FetchedAt time.Time               `json:"fetched_at"`
}

type Event struct {
	Kind       EventKind
	Snapshot   Snapshot
	PrevStatus order.Status
	Markers    []MarkerOp
	Err        error
	// Failures is the count of consecutive failed polls for stale events.
	Failures int
}

var (
	ErrClosed       = errors.New("tracking session closed")
	ErrAlreadyOpen  = errors.New("tracking session already open for another order")
	ErrNotRetryable = errors.New("tracking session is not in error state")
	errSuperseded   = errors.New("superseded")
)

type Session struct {
	api      API
	prefs    Prefs
	prefsKey string
	clock    clock.Clock
	log      *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	state    State
	orderID  types.ID
	gen      uint64
	cancel   context.CancelFunc
	snap     *Snapshot
	markers  map[string]Marker
	failures int
	lastErr  error
	handlers []func(Event)
}

type Option func(*Session)

// WithPrefs clears key in p when the tracked order disappears or finishes.
func WithPrefs(p Prefs, key string) Option {
	return func(s *Session) { s.prefs, s.prefsKey = p, key }
}
func WithClock(c clock.Clock) Option          { return func(s *Session) { s.clock = c } }
func WithLogger(l *slog.Logger) Option        { return func(s *Session) { s.log = l } }
func WithPollInterval(d time.Duration) Option { return func(s *Session) { s.interval = d } }

func NewSession(api API, opts ...Option) *Session {
	s := &Session{
		api:      api,
		clock:    clock.NewSystem(),
		log:      slog.Default(),
		interval: DefaultPollInterval,
		state:    StateIdle,
		markers:  map[string]Marker{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the last known good view, if any.
func (s *Session) Snapshot() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return Snapshot{}, false
	}
	return *s.snap, true
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Open loads orderID and starts polling. Opening the order that is already
// being tracked is a no-op.
func (s *Session) Open(ctx context.Context, orderID types.ID) error {
	s.mu.Lock()
	if s.state == StateLoading || s.state == StateActive {
		same := s.orderID == orderID
		s.mu.Unlock()
		if same {
			return nil
		}
		return ErrAlreadyOpen
	}
	s.orderID = orderID
	s.mu.Unlock()
	return s.load(ctx)
}

// Retry re-attempts the initial load after an error.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateError {
		s.mu.Unlock()
		return ErrNotRetryable
	}
	s.mu.Unlock()
	return s.load(ctx)
}

func (s *Session) load(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = StateLoading
	s.snap = nil
	s.failures = 0
	s.lastErr = nil
	s.markers = map[string]Marker{}
	s.mu.Unlock()

	_ = s.refresh(ctx, gen)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		if s.lastErr != nil {
			return s.lastErr
		}
		return ErrClosed
	}
	if s.state != StateActive {
		return s.lastErr
	}
	if s.snap.Order.Status.Terminal() {
		// Nothing left to observe.
		return nil
	}
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.poll(pollCtx, gen)
	return nil
}

// Close stops polling. It is safe to call repeatedly and while a fetch is in
// flight; that fetch's result is discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	opened := s.state != StateIdle
	s.stopLocked()
	s.state = StateClosed
	var snap Snapshot
	if s.snap != nil {
		snap = *s.snap
	}
	handlers := s.handlers
	s.mu.Unlock()

	if opened {
		fire(handlers, Event{Kind: EventClose, Snapshot: snap})
	}
}

func (s *Session) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
}

func (s *Session) poll(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refresh(ctx, gen); errors.Is(err, errSuperseded) {
				return
			}
		}
	}
}

// refresh fetches the order and, when assigned, the agent position, then
// reconciles the local view. It returns errSuperseded when the session
// moved on while the fetch was in flight.
func (s *Session) refresh(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	orderID := s.orderID
	var prevAgent *location.AgentPosition
	if s.snap != nil {
		prevAgent = s.snap.Agent
	}
	s.mu.Unlock()

	o, err := s.api.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return s.orderGone(gen, err)
		}
		return s.failed(gen, err)
	}

	var agent *location.AgentPosition
	var agentErr error
	if o.AgentID != nil {
		pos, err := s.api.OrderAgentPosition(ctx, orderID)
		switch {
		case err == nil && pos.AgentID == *o.AgentID:
			agent = &pos
		case err == nil:
			// Reassigned between the two reads; the next poll catches up.
		case errors.Is(err, location.ErrNotFound):
		default:
			agentErr = err
			// Keep showing the previous fix for the same agent.
			if prevAgent != nil && prevAgent.AgentID == *o.AgentID {
				agent = prevAgent
			}
		}
	}

	return s.apply(gen, o, agent, agentErr)
}

func (s *Session) apply(gen uint64, o *order.Order, agent *location.AgentPosition, agentErr error) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return errSuperseded
	}

	next := &Snapshot{Order: o, Agent: agent, FetchedAt: s.clock.Now()}
	if agent != nil && o.Destination != nil {
		est := location.Proximity(agent.Position, *o.Destination)
		next.Estimate = &est
	}

	var events []Event
	prev := s.snap
	s.snap = next
	if s.state == StateLoading {
		s.state = StateActive
		events = append(events, Event{Kind: EventOpen, Snapshot: *next})
	} else if prev != nil {
		if prev.Order.Status != o.Status {
			events = append(events, Event{Kind: EventStatusChanged, Snapshot: *next, PrevStatus: prev.Order.Status})
		}
		if positionChanged(prev.Agent, agent) {
			events = append(events, Event{Kind: EventPositionUpdated, Snapshot: *next})
		}
	}
	if ops := reconcileMarkers(s.markers, desiredMarkers(next)); len(ops) > 0 {
		events = append(events, Event{Kind: EventMarkers, Snapshot: *next, Markers: ops})
	}

	if agentErr != nil {
		s.failures++
		s.lastErr = agentErr
		if s.failures == staleAfter {
			events = append(events, Event{Kind: EventStale, Snapshot: *next, Err: agentErr, Failures: s.failures})
		}
	} else {
		s.failures = 0
		s.lastErr = nil
	}

	finished := o.Status.Terminal()
	if finished {
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.clearPrefsLocked()
	}
	handlers := s.handlers
	s.mu.Unlock()

	for _, ev := range events {
		fire(handlers, ev)
	}
	if finished {
		s.log.Info("tracked order finished", "order_id", o.ID, "status", o.Status)
	}
	return nil
}

func (s *Session) failed(gen uint64, err error) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return errSuperseded
	}
	s.lastErr = err
	var ev Event
	if s.state == StateLoading {
		s.state = StateError
		ev = Event{Kind: EventError, Err: err}
	} else {
		// Keep the last good snapshot on screen.
		s.failures++
		if s.failures == staleAfter {
			ev = Event{Kind: EventStale, Snapshot: *s.snap, Err: err, Failures: s.failures}
		}
	}
	failures := s.failures
	handlers := s.handlers
	s.mu.Unlock()

	s.log.Warn("tracking poll failed", "err", err, "consecutive_failures", failures)
	if ev.Kind != "" {
		fire(handlers, ev)
	}
	return nil
}

// orderGone ends the session for an order the server no longer knows.
func (s *Session) orderGone(gen uint64, err error) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return errSuperseded
	}
	s.stopLocked()
	s.state = StateClosed
	s.lastErr = err
	s.clearPrefsLocked()
	var snap Snapshot
	if s.snap != nil {
		snap = *s.snap
	}
	handlers := s.handlers
	orderID := s.orderID
	s.mu.Unlock()

	s.log.Info("tracked order not found; session closed", "order_id", orderID)
	fire(handlers, Event{Kind: EventClose, Snapshot: snap, Err: err})
	return errSuperseded
}

func (s *Session) clearPrefsLocked() {
	if s.prefs != nil && s.prefsKey != "" {
		s.prefs.Delete(s.prefsKey)
	}
}

func desiredMarkers(snap *Snapshot) []Marker {
	var out []Marker
	if snap.Agent != nil {
		out = append(out, Marker{ID: MarkerAgent, Position: snap.Agent.Position})
	}
	if snap.Order.Destination != nil {
		out = append(out, Marker{ID: MarkerDestination, Position: *snap.Order.Destination})
	}
	return out
}

func positionChanged(prev, next *location.AgentPosition) bool {
	switch {
	case prev == nil && next == nil:
		return false
	case prev == nil || next == nil:
		return true
	default:
		return prev.AgentID != next.AgentID ||
			prev.Position != next.Position ||
			!prev.CapturedAt.Equal(next.CapturedAt)
	}
}

func fire(handlers []func(Event), ev Event) {
	for _, h := range handlers {
		h(ev)
	}
}
