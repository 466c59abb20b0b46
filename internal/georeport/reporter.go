// README: Reporter turns a noisy position source into throttled agent position writes.
package georeport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"courier/internal/clock"
	"courier/internal/modules/location"
	"courier/internal/types"
)

const (
	DefaultInterval      = 15 * time.Second
	defaultSubmitTimeout = 10 * time.Second
)

type State string

const (
	StateIdle             State = "idle"
	StateReporting        State = "reporting"
	StatePermissionDenied State = "permission_denied"
)

type EventKind string

const (
	EventPositionUpdated EventKind = "position-updated"
	EventError           EventKind = "error"
)

// Event is delivered to handlers registered with OnEvent. Handlers run on
// the reporter goroutine and must not block.
type Event struct {
	Kind     EventKind
	Position *location.Update
	Err      error
}

// Submitter writes a position to the backing store.
type Submitter interface {
	PutAgentPosition(ctx context.Context, u location.Update) (location.Result, error)
}

// Connectivity reports whether the device currently has network access.
type Connectivity interface {
	Online() bool
}

type Stats struct {
	Submitted       int
	Throttled       int
	Offline         int
	Failed          int
	Discarded       int
	TransientErrors int
}

var ErrAlreadyStarted = errors.New("reporter already started for another agent")

type Reporter struct {
	source   Source
	submit   Submitter
	online   Connectivity
	clock    clock.Clock
	log      *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	state    State
	agentID  types.ID
	gen      uint64
	limiter  *rate.Limiter
	last     *location.Update
	cancel   context.CancelFunc
	sub      Subscription
	subOnce  *sync.Once
	handlers []func(Event)
	stats    Stats
	lastErr  error
	// tail is closed when the most recently queued write has finished.
	tail chan struct{}

	inflight sync.WaitGroup
}

type Option func(*Reporter)

func WithConnectivity(c Connectivity) Option { return func(r *Reporter) { r.online = c } }
func WithClock(c clock.Clock) Option         { return func(r *Reporter) { r.clock = c } }
func WithLogger(l *slog.Logger) Option       { return func(r *Reporter) { r.log = l } }
func WithInterval(d time.Duration) Option    { return func(r *Reporter) { r.interval = d } }

func NewReporter(source Source, submit Submitter, opts ...Option) *Reporter {
	r := &Reporter{
		source:   source,
		submit:   submit,
		clock:    clock.NewSystem(),
		log:      slog.Default(),
		interval: DefaultInterval,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnEvent registers a handler for reporter events.
func (r *Reporter) OnEvent(fn func(Event)) {
	r.mu.Lock()
	r.handlers = append(r.handlers, fn)
	r.mu.Unlock()
}

func (r *Reporter) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// LastKnown returns the most recent raw sample, submitted or not.
func (r *Reporter) LastKnown() (location.Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return location.Update{}, false
	}
	return *r.last, true
}

// Start subscribes to the source and begins reporting for agentID. Calling
// Start while already reporting for the same agent is a no-op. Start after a
// permission denial subscribes again.
func (r *Reporter) Start(ctx context.Context, agentID types.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateReporting {
		if r.agentID == agentID {
			return nil
		}
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub, err := r.source.Subscribe(runCtx)
	if err != nil {
		cancel()
		return err
	}

	r.gen++
	r.agentID = agentID
	r.limiter = rate.NewLimiter(rate.Every(r.interval), 1)
	r.last = nil
	r.cancel = cancel
	r.sub = sub
	r.subOnce = &sync.Once{}
	r.lastErr = nil
	r.state = StateReporting

	go r.run(runCtx, r.gen, sub, r.subOnce)
	r.log.Info("position reporting started", "agent_id", agentID, "interval", r.interval)
	return nil
}

// Stop ends reporting. It is safe to call repeatedly and concurrently with
// an in-flight submission, whose result is then discarded.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(StateIdle)
}

func (r *Reporter) stopLocked(next State) {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.sub != nil {
		sub, once := r.sub, r.subOnce
		once.Do(func() { _ = sub.Close() })
		r.sub = nil
	}
	if r.state == next {
		return
	}
	wasReporting := r.state == StateReporting
	r.gen++
	r.state = next
	if wasReporting {
		r.log.Info("position reporting stopped", "agent_id", r.agentID, "state", next)
	}
}

func (r *Reporter) run(ctx context.Context, gen uint64, sub Subscription, once *sync.Once) {
	defer once.Do(func() { _ = sub.Close() })

	fallback := time.NewTimer(r.interval)
	defer fallback.Stop()

	samples := sub.Samples()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				r.sourceEnded(gen)
				return
			}
			if r.handleSample(ctx, gen, s) {
				resetTimer(fallback, r.interval)
			}
		case <-fallback.C:
			r.handleFallback(ctx, gen)
			fallback.Reset(r.interval)
		}
	}
}

// handleSample records a raw sample and submits it when the throttle
// allows. It reports whether a submission was started.
func (r *Reporter) handleSample(ctx context.Context, gen uint64, s Sample) bool {
	if s.Err != nil {
		r.handleError(gen, s.Err)
		return false
	}

	r.mu.Lock()
	if gen != r.gen || r.state != StateReporting {
		r.mu.Unlock()
		return false
	}
	captured := s.CapturedAt
	if captured.IsZero() {
		captured = r.clock.Now()
	}
	u := location.Update{
		AgentID:    r.agentID,
		Position:   s.Position,
		AccuracyM:  s.AccuracyM,
		CapturedAt: captured,
	}
	r.last = &u
	handlers := r.handlers
	r.mu.Unlock()

	fire(handlers, Event{Kind: EventPositionUpdated, Position: &u})
	return r.trySubmit(ctx, gen, u)
}

// handleFallback re-submits the last known position so a stationary agent
// keeps a fresh record.
func (r *Reporter) handleFallback(ctx context.Context, gen uint64) bool {
	r.mu.Lock()
	if gen != r.gen || r.state != StateReporting || r.last == nil {
		r.mu.Unlock()
		return false
	}
	u := *r.last
	r.mu.Unlock()
	return r.trySubmit(ctx, gen, u)
}

func (r *Reporter) handleError(gen uint64, err error) {
	kind := Classify(err)

	r.mu.Lock()
	if gen != r.gen || r.state != StateReporting {
		r.mu.Unlock()
		return
	}
	r.lastErr = err
	if kind == KindPermissionDenied {
		r.stopLocked(StatePermissionDenied)
	} else {
		r.stats.TransientErrors++
	}
	handlers := r.handlers
	r.mu.Unlock()

	if kind == KindPermissionDenied {
		r.log.Warn("location permission denied; reporting halted", "err", err)
	} else {
		r.log.Warn("position source error", "kind", kind, "err", err)
	}
	fire(handlers, Event{Kind: EventError, Err: err})
}

func (r *Reporter) sourceEnded(gen uint64) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.sub = nil
	r.stopLocked(StateIdle)
	r.mu.Unlock()
}

func (r *Reporter) trySubmit(ctx context.Context, gen uint64, u location.Update) bool {
	if r.online != nil && !r.online.Online() {
		r.mu.Lock()
		r.stats.Offline++
		r.mu.Unlock()
		return false
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return false
	}
	if !r.limiter.AllowN(r.clock.Now(), 1) {
		r.stats.Throttled++
		r.mu.Unlock()
		return false
	}
	// Writes for one agent go out one at a time and in order: each waits for
	// the one before it.
	prev := r.tail
	done := make(chan struct{})
	r.tail = done
	r.inflight.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.inflight.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		if !r.current(gen) {
			r.discard()
			return
		}
		// The write may outlive Stop; its result is dropped in that case.
		submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultSubmitTimeout)
		defer cancel()
		_, err := r.submit.PutAgentPosition(submitCtx, u)
		r.finishSubmit(gen, u, err)
	}()
	return true
}

func (r *Reporter) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen == r.gen && r.state == StateReporting
}

func (r *Reporter) discard() {
	r.mu.Lock()
	r.stats.Discarded++
	r.mu.Unlock()
}

func (r *Reporter) finishSubmit(gen uint64, u location.Update, err error) {
	r.mu.Lock()
	if gen != r.gen || r.state != StateReporting {
		r.stats.Discarded++
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.stats.Failed++
		r.lastErr = err
	} else {
		r.stats.Submitted++
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("submit position", "agent_id", u.AgentID, "err", err)
	}
}

func fire(handlers []func(Event), ev Event) {
	for _, h := range handlers {
		h(ev)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
