// README: Location service accepts agent reports and serves the latest position.
package location

import (
	"context"
	"log/slog"
	"time"

	"courier/internal/clock"
	"courier/internal/types"
)

type Repository interface {
	Put(ctx context.Context, p AgentPosition) (bool, error)
	Get(ctx context.Context, id types.ID) (AgentPosition, error)
	Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Nearby, error)
	AppendSnapshot(ctx context.Context, p AgentPosition) error
	Trail(ctx context.Context, id types.ID, since time.Time, limit int) ([]AgentPosition, error)
}

// Mirror receives every accepted position, e.g. to fan it out to a realtime
// database that client apps subscribe to.
type Mirror interface {
	MirrorPosition(ctx context.Context, p AgentPosition) error
}

// Recorder counts accepted and dropped reports.
type Recorder interface {
	PositionReported(accepted bool)
}

type Service struct {
	store   Repository
	mirror  Mirror
	metrics Recorder
	clock   clock.Clock
	log     *slog.Logger
	// maxSkew bounds how far in the future a device clock may report.
	maxSkew time.Duration
}

type Option func(*Service)

func WithMirror(m Mirror) Option       { return func(s *Service) { s.mirror = m } }
func WithRecorder(r Recorder) Option   { return func(s *Service) { s.metrics = r } }
func WithClock(c clock.Clock) Option   { return func(s *Service) { s.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func NewService(store Repository, opts ...Option) *Service {
	s := &Service{
		store:   store,
		clock:   clock.NewSystem(),
		log:     slog.Default(),
		maxSkew: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report stores u as the agent's live position unless a newer sample is
// already stored.
func (s *Service) Report(ctx context.Context, u Update) (Result, error) {
	if err := u.validate(); err != nil {
		return Result{}, err
	}
	now := s.clock.Now()
	captured := u.CapturedAt
	if captured.IsZero() || captured.After(now.Add(s.maxSkew)) {
		captured = now
	}
	p := AgentPosition{
		AgentID:    u.AgentID,
		Position:   u.Position,
		AccuracyM:  u.AccuracyM,
		CapturedAt: captured.UTC(),
		ReceivedAt: now,
	}

	accepted, err := s.store.Put(ctx, p)
	if err != nil {
		return Result{}, err
	}
	if s.metrics != nil {
		s.metrics.PositionReported(accepted)
	}
	if !accepted {
		s.log.Debug("out-of-order position dropped", "agent_id", u.AgentID, "captured_at", captured)
		return Result{Accepted: false, Position: p}, nil
	}

	if err := s.store.AppendSnapshot(ctx, p); err != nil {
		s.log.Warn("append position snapshot", "agent_id", p.AgentID, "err", err)
	}
	if s.mirror != nil {
		if err := s.mirror.MirrorPosition(ctx, p); err != nil {
			s.log.Warn("mirror position", "agent_id", p.AgentID, "err", err)
		}
	}
	return Result{Accepted: true, Position: p}, nil
}

func (s *Service) Latest(ctx context.Context, agentID types.ID) (AgentPosition, error) {
	if agentID == "" {
		return AgentPosition{}, ErrNotFound
	}
	return s.store.Get(ctx, agentID)
}

// Nearby lists agents within radiusKm of center with their distance.
func (s *Service) Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	if !center.Valid() || radiusKm <= 0 {
		return nil, ErrInvalidPosition
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.Nearby(ctx, center, radiusKm, limit)
}

// Trail returns accepted positions of agentID since the given time, oldest
// first.
func (s *Service) Trail(ctx context.Context, agentID types.ID, since time.Time, limit int) ([]AgentPosition, error) {
	if agentID == "" {
		return nil, ErrNotFound
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return s.store.Trail(ctx, agentID, since, limit)
}
