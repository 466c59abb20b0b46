package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/clock"
	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/types"
)

type fakeAPI struct {
	mu        sync.Mutex
	order     *order.Order
	orderErr  error
	positions map[types.ID]location.AgentPosition
	posErr    error
	// block, when set, holds GetOrder until closed.
	block chan struct{}
}

func (f *fakeAPI) GetOrder(_ context.Context, id types.ID) (*order.Order, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	if f.order == nil || f.order.ID != id {
		return nil, order.ErrNotFound
	}
	cp := *f.order
	return &cp, nil
}

func (f *fakeAPI) OrderAgentPosition(_ context.Context, orderID types.ID) (location.AgentPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return location.AgentPosition{}, f.posErr
	}
	if f.order == nil || f.order.ID != orderID || f.order.AgentID == nil || f.order.Status.Terminal() {
		return location.AgentPosition{}, location.ErrNotFound
	}
	p, ok := f.positions[*f.order.AgentID]
	if !ok {
		return location.AgentPosition{}, location.ErrNotFound
	}
	return p, nil
}

func (f *fakeAPI) setStatus(s order.Status) {
	f.mu.Lock()
	f.order.Status = s
	f.mu.Unlock()
}

func (f *fakeAPI) move(agent types.ID, p types.Point, at time.Time) {
	f.mu.Lock()
	f.positions[agent] = location.AgentPosition{AgentID: agent, Position: p, CapturedAt: at}
	f.mu.Unlock()
}

type memPrefs struct {
	mu      sync.Mutex
	deleted []string
}

func (m *memPrefs) Delete(key string) {
	m.mu.Lock()
	m.deleted = append(m.deleted, key)
	m.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) count(k EventKind) int {
	n := 0
	for _, got := range r.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

var (
	t0          = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	agentStart  = types.Point{Lat: 3.1390, Lng: 101.6869}
	customerLoc = types.Point{Lat: 3.1200, Lng: 101.7000}
)

func newFixture(t *testing.T) (*Session, *fakeAPI, *recorder, *memPrefs) {
	t.Helper()
	agent := types.ID("rider-7")
	dest := customerLoc
	api := &fakeAPI{
		order: &order.Order{
			ID:          "o-1",
			Number:      "KA-000001",
			Status:      order.StatusDelivering,
			AgentID:     &agent,
			Destination: &dest,
		},
		positions: map[types.ID]location.AgentPosition{
			agent: {AgentID: agent, Position: agentStart, CapturedAt: t0},
		},
	}
	prefs := &memPrefs{}
	s := NewSession(api, WithClock(clock.NewManual(t0)), WithPrefs(prefs, "kedai-ali:active_order"))
	rec := &recorder{}
	s.OnEvent(rec.handle)
	t.Cleanup(s.Close)
	return s, api, rec, prefs
}

func currentGen(s *Session) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func TestOpen_LoadsAndEstimates(t *testing.T) {
	s, _, rec, _ := newFixture(t)

	require.NoError(t, s.Open(context.Background(), "o-1"))
	assert.Equal(t, StateActive, s.State())

	snap, ok := s.Snapshot()
	require.True(t, ok)
	require.NotNil(t, snap.Estimate)
	assert.InDelta(t, 2.5, snap.Estimate.DistanceKm, 0.1)
	assert.GreaterOrEqual(t, snap.Estimate.ETAMinutes, 5)
	assert.LessOrEqual(t, snap.Estimate.ETAMinutes, 6)

	assert.Equal(t, []EventKind{EventOpen, EventMarkers}, rec.kinds())
	markers := rec.events[1].Markers
	require.Len(t, markers, 2)
	assert.Equal(t, MarkerOp{Kind: MarkerAdded, Marker: Marker{ID: MarkerAgent, Position: agentStart}}, markers[0])
	assert.Equal(t, MarkerAdded, markers[1].Kind)
	assert.Equal(t, MarkerDestination, markers[1].Marker.ID)

	// Same order again is a no-op; a different one is refused.
	require.NoError(t, s.Open(context.Background(), "o-1"))
	assert.ErrorIs(t, s.Open(context.Background(), "o-2"), ErrAlreadyOpen)
}

func TestPoll_LoopRefreshesOnInterval(t *testing.T) {
	_, api, _, _ := newFixture(t)
	s := NewSession(api, WithPollInterval(5*time.Millisecond))
	t.Cleanup(s.Close)
	require.NoError(t, s.Open(context.Background(), "o-1"))

	api.setStatus(order.StatusDelivered)
	api.move("rider-7", customerLoc, t0.Add(time.Minute))
	assert.Eventually(t, func() bool {
		snap, ok := s.Snapshot()
		return ok && snap.Order.Status == order.StatusDelivered && snap.Agent != nil && snap.Agent.Position == customerLoc
	}, 2*time.Second, 5*time.Millisecond)

	s.Close()
	assert.Equal(t, StateClosed, s.State())
}

func TestPoll_StatusChangedOncePerChange(t *testing.T) {
	s, api, rec, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "o-1"))
	gen := currentGen(s)

	require.NoError(t, s.refresh(ctx, gen))
	assert.Equal(t, 0, rec.count(EventStatusChanged))

	api.setStatus(order.StatusDelivered)
	require.NoError(t, s.refresh(ctx, gen))
	require.NoError(t, s.refresh(ctx, gen))
	assert.Equal(t, 1, rec.count(EventStatusChanged))

	for _, ev := range rec.events {
		if ev.Kind == EventStatusChanged {
			assert.Equal(t, order.StatusDelivering, ev.PrevStatus)
			assert.Equal(t, order.StatusDelivered, ev.Snapshot.Order.Status)
		}
	}
}

func TestPoll_PositionUpdatedMovesMarker(t *testing.T) {
	s, api, rec, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "o-1"))
	gen := currentGen(s)

	closer := types.Point{Lat: 3.1300, Lng: 101.6950}
	api.move("rider-7", closer, t0.Add(15*time.Second))
	require.NoError(t, s.refresh(ctx, gen))

	assert.Equal(t, 1, rec.count(EventPositionUpdated))
	last := rec.events[len(rec.events)-1]
	require.Equal(t, EventMarkers, last.Kind)
	assert.Equal(t, []MarkerOp{{Kind: MarkerMoved, Marker: Marker{ID: MarkerAgent, Position: closer}}}, last.Markers)

	snap, _ := s.Snapshot()
	assert.Less(t, snap.Estimate.DistanceKm, 2.5)

	// Unchanged position: nothing emitted.
	before := len(rec.kinds())
	require.NoError(t, s.refresh(ctx, gen))
	assert.Len(t, rec.kinds(), before)
}

func TestPoll_AgentUnassignedRemovesMarker(t *testing.T) {
	s, api, rec, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "o-1"))

	api.mu.Lock()
	api.order.AgentID = nil
	api.mu.Unlock()
	require.NoError(t, s.refresh(ctx, currentGen(s)))

	last := rec.events[len(rec.events)-1]
	require.Equal(t, EventMarkers, last.Kind)
	assert.Equal(t, MarkerRemoved, last.Markers[0].Kind)
	assert.Equal(t, MarkerAgent, last.Markers[0].Marker.ID)
	snap, _ := s.Snapshot()
	assert.Nil(t, snap.Estimate)
}

func TestPoll_StaleAfterConsecutiveFailures(t *testing.T) {
	s, api, rec, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "o-1"))
	gen := currentGen(s)
	good, _ := s.Snapshot()

	api.mu.Lock()
	api.orderErr = errors.New("connection reset")
	api.mu.Unlock()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.refresh(ctx, gen))
	}

	assert.Equal(t, StateActive, s.State(), "transient failures are not fatal")
	assert.Equal(t, 1, rec.count(EventStale))
	snap, _ := s.Snapshot()
	assert.Equal(t, good, snap, "last known good snapshot is kept")

	api.mu.Lock()
	api.orderErr = nil
	api.mu.Unlock()
	require.NoError(t, s.refresh(ctx, gen))
	assert.NoError(t, s.Err())
}

func TestPoll_OrderGoneClosesAndClearsPrefs(t *testing.T) {
	s, api, rec, prefs := newFixture(t)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "o-1"))

	api.mu.Lock()
	api.order = nil
	api.mu.Unlock()
	assert.ErrorIs(t, s.refresh(ctx, currentGen(s)), errSuperseded)

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, []string{"kedai-ali:active_order"}, prefs.deleted)
	kinds := rec.kinds()
	assert.Equal(t, EventClose, kinds[len(kinds)-1])
	assert.ErrorIs(t, s.Err(), order.ErrNotFound)
}

func TestOpen_NotFound(t *testing.T) {
	s, _, _, prefs := newFixture(t)
	err := s.Open(context.Background(), "o-unknown")
	assert.ErrorIs(t, err, order.ErrNotFound)
	assert.Equal(t, StateClosed, s.State())
	assert.Len(t, prefs.deleted, 1)
}

func TestOpen_FailureThenRetry(t *testing.T) {
	s, api, rec, _ := newFixture(t)
	ctx := context.Background()

	api.orderErr = errors.New("dns failure")
	err := s.Open(ctx, "o-1")
	require.Error(t, err)
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, []EventKind{EventError}, rec.kinds())

	api.mu.Lock()
	api.orderErr = nil
	api.mu.Unlock()
	require.NoError(t, s.Retry(ctx))
	assert.Equal(t, StateActive, s.State())
	assert.ErrorIs(t, s.Retry(ctx), ErrNotRetryable)
}

func TestTerminalOrderClearsPrefs(t *testing.T) {
	s, api, _, prefs := newFixture(t)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "o-1"))

	api.setStatus(order.StatusDelivered)
	require.NoError(t, s.refresh(ctx, currentGen(s)))
	api.setStatus(order.StatusCompleted)
	require.NoError(t, s.refresh(ctx, currentGen(s)))

	assert.Equal(t, []string{"kedai-ali:active_order"}, prefs.deleted)
	assert.Equal(t, StateActive, s.State())
}

func TestClose_IdempotentAndDiscardsInFlight(t *testing.T) {
	s, api, rec, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "o-1"))
	gen := currentGen(s)

	api.block = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- s.refresh(ctx, gen) }()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	api.setStatus(order.StatusDelivered)
	close(api.block)

	assert.ErrorIs(t, <-done, errSuperseded)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, rec.count(EventClose))
	assert.Equal(t, 0, rec.count(EventStatusChanged))
}

func TestReconcileMarkers(t *testing.T) {
	current := map[string]Marker{}
	a := Marker{ID: MarkerAgent, Position: agentStart}
	d := Marker{ID: MarkerDestination, Position: customerLoc}

	ops := reconcileMarkers(current, []Marker{d, a})
	assert.Equal(t, []MarkerOp{{Kind: MarkerAdded, Marker: a}, {Kind: MarkerAdded, Marker: d}}, ops)

	assert.Empty(t, reconcileMarkers(current, []Marker{a, d}))

	moved := Marker{ID: MarkerAgent, Position: types.Point{Lat: 3.13, Lng: 101.69}}
	ops = reconcileMarkers(current, []Marker{moved})
	assert.Equal(t, []MarkerOp{{Kind: MarkerMoved, Marker: moved}, {Kind: MarkerRemoved, Marker: d}}, ops)
	assert.Len(t, current, 1)
}
