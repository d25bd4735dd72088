package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCallbackURL = "https://notifier.example.com/eventsub-callback/"
	testSecret      = "test-signing-secret-1234"
)

type reconcilerFixture struct {
	reconciler *Reconciler
	client     *mockRegistrationClient
	desired    *staticDesired
	clock      *clockwork.FakeClock
	metrics    *metrics.ReconcilerMetrics
}

func setupReconcilerTest(t *testing.T, cfg ReconcilerConfig) *reconcilerFixture {
	t.Helper()

	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 10 * time.Minute
	}
	cfg.CallbackURL = testCallbackURL
	cfg.Secret = testSecret

	f := &reconcilerFixture{
		client:  &mockRegistrationClient{},
		desired: &staticDesired{},
		clock:   clockwork.NewFakeClock(),
		metrics: metrics.NewReconcilerMetrics(prometheus.NewRegistry()),
	}
	f.reconciler = NewReconciler(f.desired, f.client, cfg, f.clock, f.metrics)
	return f
}

func ourRegistration(platformID domain.StreamerPlatformID) domain.ExternalRegistration {
	return domain.ExternalRegistration{
		ID:          "sub-" + string(platformID),
		Type:        domain.EventTypeStreamOnline,
		Version:     domain.EventVersionStreamOnline,
		PlatformID:  platformID,
		CallbackURL: testCallbackURL,
		Status:      domain.RegistrationStatusEnabled,
	}
}

func TestReconcile_ConvergesAndStaysQuiet(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{})
	f.desired.set("alpha", "bravo", "charlie")
	ctx := context.Background()

	res := f.reconciler.ReconcileOnce(ctx)
	assert.Equal(t, 3, res.Desired)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 3, res.Confirmed)
	assert.True(t, res.Refreshed)
	assert.ElementsMatch(t, []domain.StreamerPlatformID{"id-alpha", "id-bravo", "id-charlie"}, f.client.creates)

	res = f.reconciler.ReconcileOnce(ctx)
	assert.Equal(t, 0, res.Created)
	assert.False(t, res.Refreshed)
	assert.Equal(t, 3, f.client.createCount())
	assert.Equal(t, 1, f.client.listCount())

	assert.InDelta(t, 3, testutil.ToFloat64(f.metrics.Registrations.WithLabelValues(outcomeCreated)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(f.metrics.Confirmed), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.Passes), 0)
}

func TestReconcile_PassesCallbackAndSecret(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{})
	f.desired.set("kurbezz")
	f.client.createFn = func(_ context.Context, eventType, version string, platformID domain.StreamerPlatformID, callbackURL, secret string) (*domain.ExternalRegistration, error) {
		assert.Equal(t, domain.EventTypeStreamOnline, eventType)
		assert.Equal(t, domain.EventVersionStreamOnline, version)
		assert.Equal(t, domain.StreamerPlatformID("id-kurbezz"), platformID)
		assert.Equal(t, testCallbackURL, callbackURL)
		assert.Equal(t, testSecret, secret)
		return &domain.ExternalRegistration{}, nil
	}

	res := f.reconciler.ReconcileOnce(context.Background())
	assert.Equal(t, 1, res.Created)
}

func TestReconcile_ConflictCountsAsConfirmed(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{})
	f.desired.set("kurbezz")
	f.client.createFn = func(context.Context, string, string, domain.StreamerPlatformID, string, string) (*domain.ExternalRegistration, error) {
		return nil, fmt.Errorf("twitch: %w", domain.ErrRegistrationConflict)
	}

	res := f.reconciler.ReconcileOnce(context.Background())
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Confirmed)

	f.reconciler.ReconcileOnce(context.Background())
	assert.Equal(t, 1, f.client.createCount())
}

func TestReconcile_TransientFailureRetriedNextPass(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{})
	f.desired.set("kurbezz")
	var calls atomic.Int32
	f.client.createFn = func(context.Context, string, string, domain.StreamerPlatformID, string, string) (*domain.ExternalRegistration, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("%w: 503", domain.ErrTransient)
		}
		return &domain.ExternalRegistration{}, nil
	}

	res := f.reconciler.ReconcileOnce(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Confirmed)

	res = f.reconciler.ReconcileOnce(context.Background())
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 1, f.client.resolveCount(), "platform id is cached once resolved")
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Registrations.WithLabelValues(outcomeTransient)), 0)
}

func TestReconcile_UnresolvedLoginIsSuppressed(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{UnresolvedBackoff: 5 * time.Minute})
	f.desired.set("ghost_streamer", "kurbezz")
	f.client.resolveLoginFn = func(_ context.Context, login domain.StreamerLogin) (domain.StreamerPlatformID, error) {
		if login == "ghost_streamer" {
			return "", fmt.Errorf("%w: %s", domain.ErrStreamerNotFound, login)
		}
		return "id-" + domain.StreamerPlatformID(login), nil
	}
	ctx := context.Background()

	res := f.reconciler.ReconcileOnce(ctx)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Created)

	res = f.reconciler.ReconcileOnce(ctx)
	assert.Equal(t, 1, res.Suppressed)
	assert.Equal(t, 2, f.client.resolveCount())

	f.clock.Advance(5 * time.Minute)
	res = f.reconciler.ReconcileOnce(ctx)
	assert.Equal(t, 0, res.Suppressed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, f.client.resolveCount())
}

func TestReconcile_ZeroBackoffRetriesEveryPass(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{})
	f.desired.set("ghost_streamer")
	f.client.resolveLoginFn = func(context.Context, domain.StreamerLogin) (domain.StreamerPlatformID, error) {
		return "", domain.ErrStreamerNotFound
	}

	for range 3 {
		res := f.reconciler.ReconcileOnce(context.Background())
		assert.Equal(t, 0, res.Suppressed)
	}
	assert.Equal(t, 3, f.client.resolveCount())
	assert.Equal(t, 0, f.client.createCount())
}

func TestReconcile_RefreshRecreatesRevokedRegistration(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{RefreshInterval: time.Minute})
	f.desired.set("kurbezz")
	ctx := context.Background()

	res := f.reconciler.ReconcileOnce(ctx)
	require.Equal(t, 1, res.Created)

	f.client.listFn = func(context.Context, string) ([]domain.ExternalRegistration, error) {
		return nil, nil
	}
	f.clock.Advance(time.Minute)

	res = f.reconciler.ReconcileOnce(ctx)
	assert.True(t, res.Refreshed)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 2, f.client.createCount())
}

func TestReconcile_RefreshConfirmsListedRegistrations(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{RefreshInterval: time.Minute})
	f.desired.set("kurbezz")
	ctx := context.Background()
	f.reconciler.ReconcileOnce(ctx)

	f.client.listFn = func(context.Context, string) ([]domain.ExternalRegistration, error) {
		return []domain.ExternalRegistration{ourRegistration("id-kurbezz")}, nil
	}
	f.clock.Advance(time.Minute)

	res := f.reconciler.ReconcileOnce(ctx)
	assert.True(t, res.Refreshed)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 1, f.client.createCount())
}

func TestReconcile_ExistingRegistrationAfterRestart(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{})
	f.desired.set("kurbezz")
	f.client.listFn = func(context.Context, string) ([]domain.ExternalRegistration, error) {
		return []domain.ExternalRegistration{ourRegistration("id-kurbezz")}, nil
	}

	res := f.reconciler.ReconcileOnce(context.Background())
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 0, f.client.createCount(), "no duplicate registration")
}

func TestReconcile_IgnoresForeignRegistrations(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{})
	f.desired.set("alpha", "bravo", "charlie")

	otherCallback := ourRegistration("id-alpha")
	otherCallback.CallbackURL = "https://staging.example.com/eventsub-callback/"
	otherVersion := ourRegistration("id-bravo")
	otherVersion.Version = "beta"
	pending := ourRegistration("id-charlie")
	pending.Status = "webhook_callback_verification_pending"

	f.client.listFn = func(context.Context, string) ([]domain.ExternalRegistration, error) {
		return []domain.ExternalRegistration{otherCallback, otherVersion, pending}, nil
	}

	res := f.reconciler.ReconcileOnce(context.Background())
	assert.Equal(t, 3, res.Created)
}

func TestReconcile_ListingFailureKeepsPreviousView(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{RefreshInterval: time.Minute})
	f.desired.set("kurbezz")
	ctx := context.Background()
	f.reconciler.ReconcileOnce(ctx)

	f.client.listFn = func(context.Context, string) ([]domain.ExternalRegistration, error) {
		return nil, fmt.Errorf("%w: timeout", domain.ErrTransient)
	}
	f.clock.Advance(time.Minute)

	res := f.reconciler.ReconcileOnce(ctx)
	assert.False(t, res.Refreshed)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 1, f.client.createCount())
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Refreshes.WithLabelValues("error")), 0)
}

func TestReconcile_FirstListingFailureStillRegisters(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{})
	f.desired.set("kurbezz")
	f.client.listFn = func(context.Context, string) ([]domain.ExternalRegistration, error) {
		return nil, errors.New("boom")
	}

	res := f.reconciler.ReconcileOnce(context.Background())
	assert.Equal(t, 1, res.Created)

	f.reconciler.ReconcileOnce(context.Background())
	assert.Equal(t, 2, f.client.listCount(), "listing retried until it succeeds once")
}

func TestReconcile_DroppedStreamerLeavesConfirmedSet(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{})
	f.desired.set("alpha", "bravo")
	ctx := context.Background()
	f.reconciler.ReconcileOnce(ctx)

	f.desired.set("alpha")
	res := f.reconciler.ReconcileOnce(ctx)
	assert.Equal(t, 1, res.Confirmed)

	f.desired.set("alpha", "bravo")
	res = f.reconciler.ReconcileOnce(ctx)
	assert.Equal(t, 1, res.Conflicts+res.Created, "returning streamer is registered again")
}

func TestReconcile_BoundsInFlightCalls(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{MaxInFlight: 2})
	logins := make([]domain.StreamerLogin, 10)
	for i := range logins {
		logins[i] = domain.StreamerLogin(fmt.Sprintf("streamer_%d", i))
	}
	f.desired.set(logins...)

	var inFlight, peak atomic.Int32
	f.client.createFn = func(context.Context, string, string, domain.StreamerPlatformID, string, string) (*domain.ExternalRegistration, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &domain.ExternalRegistration{}, nil
	}

	res := f.reconciler.ReconcileOnce(context.Background())
	assert.Equal(t, 10, res.Created)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestReconcile_CallsCarryDeadline(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{CallTimeout: time.Second})
	f.desired.set("kurbezz")
	f.client.createFn = func(ctx context.Context, _, _ string, _ domain.StreamerPlatformID, _, _ string) (*domain.ExternalRegistration, error) {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return &domain.ExternalRegistration{}, nil
	}

	f.reconciler.ReconcileOnce(context.Background())
}

func TestReconciler_RunTicksAndStops(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{Interval: 10 * time.Second})

	done := make(chan struct{})
	go func() {
		f.reconciler.Run(context.Background())
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Passes), 0, "first pass runs immediately")

	f.clock.Advance(10 * time.Second)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.Passes) == 2
	}, time.Second, 10*time.Millisecond)

	f.reconciler.Stop()
	f.reconciler.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestReconciler_RunStopsOnContextCancel(t *testing.T) {
	f := setupReconcilerTest(t, ReconcilerConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.reconciler.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
