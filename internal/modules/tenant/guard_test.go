package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/types"
)

// fakeRegistry answers from a table and can be told to fail the first N calls.
type fakeRegistry struct {
	mu        sync.Mutex
	tenants   map[string]Tenant
	failFirst int
	calls     int
}

func (f *fakeRegistry) Lookup(_ context.Context, candidate string) (Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return Tenant{}, errors.New("connection refused")
	}
	t, ok := f.tenants[candidate]
	if !ok {
		return Tenant{}, ErrNotRegistered
	}
	return t, nil
}

type fakeCache struct {
	purged []string
}

func (f *fakeCache) Purge(_ context.Context, key string) error {
	f.purged = append(f.purged, key)
	return nil
}

func fastConfig(attempts int) GuardConfig {
	return GuardConfig{InitialBackoff: time.Millisecond, MaxAttempts: attempts}
}

func newRegistry() *fakeRegistry {
	canonical := Tenant{ID: "kedai-ali", DisplayName: "Kedai Ali"}
	return &fakeRegistry{tenants: map[string]Tenant{
		"kedai-ali":     canonical,
		"kedai-ali-old": canonical,
	}}
}

func TestValidate_FormatRejectedWithoutLookup(t *testing.T) {
	reg := newRegistry()
	g := NewGuard(reg, nil, fastConfig(3), nil)

	cases := map[string]error{
		"":                ErrMissingIdentifier,
		"   ":             ErrMissingIdentifier,
		"ab":              ErrMalformedIdentifier,
		"Kedai-Ali":       ErrMalformedIdentifier,
		"kedai ali":       ErrMalformedIdentifier,
		"../etc/passwd":   ErrMalformedIdentifier,
		"-leading-hyphen": ErrMalformedIdentifier,
		"kedai-ali;DROP":  ErrMalformedIdentifier,
	}
	for candidate, want := range cases {
		_, err := g.Validate(context.Background(), candidate)
		require.Error(t, err, candidate)
		assert.ErrorIs(t, err, want, candidate)
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), candidate)
	}
	assert.Equal(t, 0, reg.calls)
}

func TestValidate_ReturnsCanonicalID(t *testing.T) {
	g := NewGuard(newRegistry(), nil, fastConfig(3), nil)

	got, err := g.Validate(context.Background(), "kedai-ali-old")
	require.NoError(t, err)
	assert.Equal(t, types.ID("kedai-ali"), got.ID)
	assert.False(t, got.Degraded)
}

func TestValidate_RejectionPurgesCache(t *testing.T) {
	reg := newRegistry()
	cache := &fakeCache{}
	g := NewGuard(reg, cache, fastConfig(3), nil)

	var results []string
	g.OnResult(func(r string) { results = append(results, r) })

	_, err := g.Validate(context.Background(), "kedai-a1i")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Equal(t, []string{"kedai-a1i"}, cache.purged)
	// Rejection is permanent: exactly one lookup.
	assert.Equal(t, 1, reg.calls)
	assert.Equal(t, []string{"rejected"}, results)
}

func TestValidate_RetriesTransientFailures(t *testing.T) {
	reg := newRegistry()
	reg.failFirst = 2
	g := NewGuard(reg, nil, fastConfig(4), nil)

	got, err := g.Validate(context.Background(), "kedai-ali")
	require.NoError(t, err)
	assert.Equal(t, types.ID("kedai-ali"), got.ID)
	assert.Equal(t, 3, reg.calls)
}

func TestValidate_UnavailableAfterAttemptCap(t *testing.T) {
	reg := newRegistry()
	reg.failFirst = 100
	cache := &fakeCache{}
	g := NewGuard(reg, cache, fastConfig(4), nil)

	_, err := g.Validate(context.Background(), "kedai-ali")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistryUnavailable)

	var unavailable *UnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, 4, unavailable.Attempts)
	assert.Equal(t, 4, reg.calls)
	assert.Empty(t, cache.purged, "network failures must not purge state")

	// Degraded mode is an explicit caller decision.
	d := Degraded(unavailable.Candidate)
	assert.True(t, d.Degraded)
	assert.Equal(t, types.ID("kedai-ali"), d.ID)
}

func TestValidate_ContextCancelled(t *testing.T) {
	reg := newRegistry()
	reg.failFirst = 100
	g := NewGuard(reg, nil, GuardConfig{InitialBackoff: time.Hour, MaxAttempts: 4}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := g.Validate(ctx, "kedai-ali")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGuardPolicy_DoublingIntervals(t *testing.T) {
	g := NewGuard(newRegistry(), nil, DefaultGuardConfig(), nil)
	b := g.policy()
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, 8*time.Second, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}
