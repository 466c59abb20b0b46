// README: Position sources feeding the reporter and their error classification.
package georeport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"courier/internal/clock"
	"courier/internal/types"
)

// Sample is one raw reading from a position source. Either Err is set or
// Position is.
type Sample struct {
	Position   types.Point
	AccuracyM  float64
	CapturedAt time.Time
	Err        error
}

// Source produces samples until the subscription is closed.
type Source interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

type Subscription interface {
	Samples() <-chan Sample
	Close() error
}

type ErrorKind int

const (
	KindUnavailable ErrorKind = iota
	KindTimeout
	KindPermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindTimeout:
		return "timeout"
	default:
		return "unavailable"
	}
}

var (
	ErrPermissionDenied = errors.New("location permission denied")
	ErrUnavailable      = errors.New("position unavailable")
	ErrTimeout          = errors.New("position timeout")
)

// SourceError is a classified source failure.
type SourceError struct {
	Kind ErrorKind
	Err  error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
}

func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Err}
}

func (e *SourceError) sentinel() error {
	switch e.Kind {
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrUnavailable
	}
}

// Classify maps any source error to its kind. Unknown errors are treated as
// transient.
func Classify(err error) ErrorKind {
	var se *SourceError
	switch {
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUnavailable
	}
}

// LineSource replays positions from text, one "lat,lng[,accuracy]" per line.
// The directives "!denied", "!timeout" and "!unavailable" emit the matching
// error. Blank lines and lines starting with # are skipped.
type LineSource struct {
	r     io.Reader
	clock clock.Clock
	// Pace is the delay between emitted samples. Zero emits as fast as the
	// consumer reads.
	Pace time.Duration
}

func NewLineSource(r io.Reader, c clock.Clock) *LineSource {
	if c == nil {
		c = clock.NewSystem()
	}
	return &LineSource{r: r, clock: c}
}

func (s *LineSource) Subscribe(ctx context.Context) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &lineSubscription{ch: make(chan Sample), cancel: cancel}
	go sub.run(ctx, s)
	return sub, nil
}

type lineSubscription struct {
	ch     chan Sample
	cancel context.CancelFunc
	once   sync.Once
}

func (l *lineSubscription) Samples() <-chan Sample { return l.ch }

func (l *lineSubscription) Close() error {
	l.once.Do(l.cancel)
	return nil
}

func (l *lineSubscription) run(ctx context.Context, src *LineSource) {
	defer close(l.ch)
	scanner := bufio.NewScanner(src.r)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !first && src.Pace > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(src.Pace):
			}
		}
		first = false

		sample := ParseLine(line)
		if sample.Err == nil {
			sample.CapturedAt = src.clock.Now()
		}
		select {
		case <-ctx.Done():
			return
		case l.ch <- sample:
		}
	}
}

// ParseLine decodes a single LineSource line.
func ParseLine(line string) Sample {
	switch strings.ToLower(line) {
	case "!denied":
		return Sample{Err: &SourceError{Kind: KindPermissionDenied}}
	case "!timeout":
		return Sample{Err: &SourceError{Kind: KindTimeout}}
	case "!unavailable":
		return Sample{Err: &SourceError{Kind: KindUnavailable}}
	}

	parts := strings.Split(line, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return Sample{Err: &SourceError{Kind: KindUnavailable, Err: fmt.Errorf("malformed line %q", line)}}
	}
	var vals [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Sample{Err: &SourceError{Kind: KindUnavailable, Err: fmt.Errorf("malformed line %q: %w", line, err)}}
		}
		vals[i] = v
	}
	pos := types.Point{Lat: vals[0], Lng: vals[1]}
	if !pos.Valid() {
		return Sample{Err: &SourceError{Kind: KindUnavailable, Err: fmt.Errorf("out of range %q", line)}}
	}
	return Sample{Position: pos, AccuracyM: vals[2]}
}
