package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/correlation"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultMaxInFlight = 4
)

// DesiredSource lists the streamers that currently need a live registration.
type DesiredSource interface {
	StreamersWithRecipients() []domain.StreamerLogin
}

type ReconcilerConfig struct {
	Interval          time.Duration
	RefreshInterval   time.Duration
	CallbackURL       string
	Secret            string
	MaxInFlight       int
	CallTimeout       time.Duration
	UnresolvedBackoff time.Duration // 0 retries unknown logins every pass
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Desired    int
	Confirmed  int
	Refreshed  bool
	Created    int
	Conflicts  int
	Failed     int
	Suppressed int
}

// Reconciler keeps stream.online registrations on Twitch in line with the
// streamers that have recipients. It only ever creates registrations.
//
// confirmed, platformIDs, registered and suppressed belong to the pass in
// progress; passMu keeps passes from overlapping.
type Reconciler struct {
	desired DesiredSource
	client  domain.RegistrationClient
	cfg     ReconcilerConfig
	clock   clockwork.Clock
	metrics *metrics.ReconcilerMetrics

	stopCh   chan struct{}
	stopOnce sync.Once

	passMu      sync.Mutex
	confirmed   map[domain.StreamerLogin]struct{}
	platformIDs map[domain.StreamerLogin]domain.StreamerPlatformID
	registered  map[domain.StreamerPlatformID]struct{}
	suppressed  map[domain.StreamerLogin]time.Time
	lastRefresh time.Time
	everListed  bool
}

func NewReconciler(desired DesiredSource, client domain.RegistrationClient, cfg ReconcilerConfig, clock clockwork.Clock, m *metrics.ReconcilerMetrics) *Reconciler {
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Reconciler{
		desired:     desired,
		client:      client,
		cfg:         cfg,
		clock:       clock,
		metrics:     m,
		stopCh:      make(chan struct{}),
		confirmed:   make(map[domain.StreamerLogin]struct{}),
		platformIDs: make(map[domain.StreamerLogin]domain.StreamerPlatformID),
		registered:  make(map[domain.StreamerPlatformID]struct{}),
		suppressed:  make(map[domain.StreamerLogin]time.Time),
	}
}

// Run reconciles once immediately and then on every tick until ctx is cancelled or Stop is called.
func (r *Reconciler) Run(ctx context.Context) {
	r.runPass(ctx)

	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.runPass(ctx)
		case <-r.stopCh:
			slog.Info("Reconciler stopped")
			return
		case <-ctx.Done():
			slog.Info("Reconciler context cancelled")
			return
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) runPass(ctx context.Context) {
	passCtx := correlation.WithNewID(ctx)
	res := r.ReconcileOnce(passCtx)

	if res.Created > 0 || res.Failed > 0 {
		slog.InfoContext(passCtx, "Reconcile pass finished",
			"desired", res.Desired, "confirmed", res.Confirmed,
			"created", res.Created, "conflicts", res.Conflicts,
			"failed", res.Failed, "suppressed", res.Suppressed)
		return
	}
	slog.DebugContext(passCtx, "Reconcile pass finished", "desired", res.Desired, "confirmed", res.Confirmed, "refreshed", res.Refreshed)
}

// gapResult is what a registration worker reports back; the pass applies it after all workers finish.
type gapResult struct {
	login      domain.StreamerLogin
	platformID domain.StreamerPlatformID
	outcome    string
}

const (
	outcomeCreated       = "created"
	outcomeConflict      = "conflict"
	outcomeAlreadyListed = "already_registered"
	outcomeNotFound      = "not_found"
	outcomeRateLimited   = "rate_limited"
	outcomeUnauthorized  = "unauthorized"
	outcomeTransient     = "transient"
	outcomeError         = "error"
)

// ReconcileOnce runs a single pass: diff the desired streamers against the
// confirmed registrations and create what is missing.
func (r *Reconciler) ReconcileOnce(ctx context.Context) ReconcileResult {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	start := r.clock.Now()
	defer func() {
		r.metrics.Passes.Inc()
		r.metrics.PassDuration.Observe(r.clock.Since(start).Seconds())
	}()

	desired := r.desired.StreamersWithRecipients()
	desiredSet := make(map[domain.StreamerLogin]struct{}, len(desired))
	for _, login := range desired {
		desiredSet[login] = struct{}{}
	}
	r.forgetUndesired(desiredSet)

	var res ReconcileResult
	res.Desired = len(desired)

	if !r.everListed || r.clock.Since(r.lastRefresh) >= r.cfg.RefreshInterval {
		res.Refreshed = r.refreshConfirmed(ctx, desiredSet)
	}

	now := r.clock.Now()
	var gaps []domain.StreamerLogin
	for _, login := range desired {
		if _, ok := r.confirmed[login]; ok {
			continue
		}
		if until, ok := r.suppressed[login]; ok {
			if now.Before(until) {
				res.Suppressed++
				continue
			}
			delete(r.suppressed, login)
		}
		gaps = append(gaps, login)
	}

	for _, gr := range r.registerGaps(ctx, gaps) {
		r.metrics.Registrations.WithLabelValues(gr.outcome).Inc()
		if gr.platformID != "" {
			r.platformIDs[gr.login] = gr.platformID
		}

		switch gr.outcome {
		case outcomeCreated:
			res.Created++
			r.confirm(gr.login, gr.platformID)
		case outcomeConflict, outcomeAlreadyListed:
			res.Conflicts++
			r.confirm(gr.login, gr.platformID)
		case outcomeNotFound:
			res.Failed++
			if r.cfg.UnresolvedBackoff > 0 {
				r.suppressed[gr.login] = now.Add(r.cfg.UnresolvedBackoff)
			}
		default:
			res.Failed++
		}
	}

	res.Confirmed = len(r.confirmed)
	r.metrics.Desired.Set(float64(res.Desired))
	r.metrics.Confirmed.Set(float64(res.Confirmed))
	return res
}

// refreshConfirmed rebuilds the confirmed set from Twitch. On failure the
// previous set stays in place.
func (r *Reconciler) refreshConfirmed(ctx context.Context, desired map[domain.StreamerLogin]struct{}) bool {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	regs, err := r.client.ListActiveRegistrations(callCtx, domain.EventTypeStreamOnline)
	cancel()
	if err != nil {
		r.metrics.Refreshes.WithLabelValues("error").Inc()
		slog.WarnContext(ctx, "Failed to list EventSub registrations, keeping previous view", "error", err)
		return false
	}
	r.metrics.Refreshes.WithLabelValues("ok").Inc()

	byPlatformID := make(map[domain.StreamerPlatformID]domain.StreamerLogin, len(r.platformIDs))
	for login, id := range r.platformIDs {
		byPlatformID[id] = login
	}

	registered := make(map[domain.StreamerPlatformID]struct{})
	confirmed := make(map[domain.StreamerLogin]struct{})
	for _, reg := range regs {
		if !r.ours(reg) {
			continue
		}
		registered[reg.PlatformID] = struct{}{}
		login, ok := byPlatformID[reg.PlatformID]
		if !ok {
			continue
		}
		if _, want := desired[login]; want {
			confirmed[login] = struct{}{}
		}
	}

	r.registered = registered
	r.confirmed = confirmed
	r.lastRefresh = r.clock.Now()
	r.everListed = true
	return true
}

func (r *Reconciler) ours(reg domain.ExternalRegistration) bool {
	return reg.Type == domain.EventTypeStreamOnline &&
		reg.Version == domain.EventVersionStreamOnline &&
		reg.CallbackURL == r.cfg.CallbackURL &&
		reg.Status == domain.RegistrationStatusEnabled
}

// registerGaps creates registrations for gaps with at most MaxInFlight calls in flight.
func (r *Reconciler) registerGaps(ctx context.Context, gaps []domain.StreamerLogin) []gapResult {
	if len(gaps) == 0 {
		return nil
	}

	results := make([]gapResult, len(gaps))
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxInFlight)

	// Workers only read platformIDs and registered; the pass applies results after Wait.
	for i, login := range gaps {
		known := r.platformIDs[login]
		g.Go(func() error {
			results[i] = r.registerOne(ctx, login, known)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Reconciler) registerOne(ctx context.Context, login domain.StreamerLogin, platformID domain.StreamerPlatformID) gapResult {
	res := gapResult{login: login, platformID: platformID}

	if platformID == "" {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		id, err := r.client.ResolveLogin(callCtx, login)
		cancel()
		if err != nil {
			res.outcome = classifyRegistrationError(err)
			slog.WarnContext(ctx, "Failed to resolve streamer login", "streamer", login, "error", err)
			return res
		}
		res.platformID = id
	}

	// Registrations listed before this login's id was known, e.g. right after a restart.
	if _, ok := r.registered[res.platformID]; ok {
		res.outcome = outcomeAlreadyListed
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	_, err := r.client.CreateRegistration(callCtx, domain.EventTypeStreamOnline, domain.EventVersionStreamOnline, res.platformID, r.cfg.CallbackURL, r.cfg.Secret)
	switch {
	case err == nil:
		res.outcome = outcomeCreated
		slog.InfoContext(ctx, "Created EventSub registration", "streamer", login, "platform_id", res.platformID)
	case errors.Is(err, domain.ErrRegistrationConflict):
		res.outcome = outcomeConflict
		slog.DebugContext(ctx, "EventSub registration already exists", "streamer", login, "platform_id", res.platformID)
	default:
		res.outcome = classifyRegistrationError(err)
		slog.WarnContext(ctx, "Failed to create EventSub registration", "streamer", login, "platform_id", res.platformID, "error", err)
	}
	return res
}

func classifyRegistrationError(err error) string {
	switch {
	case errors.Is(err, domain.ErrStreamerNotFound):
		return outcomeNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return outcomeRateLimited
	case errors.Is(err, domain.ErrUnauthorized):
		return outcomeUnauthorized
	case errors.Is(err, domain.ErrTransient):
		return outcomeTransient
	default:
		return outcomeError
	}
}

func (r *Reconciler) confirm(login domain.StreamerLogin, platformID domain.StreamerPlatformID) {
	r.confirmed[login] = struct{}{}
	if platformID != "" {
		r.registered[platformID] = struct{}{}
	}
}

// forgetUndesired drops every per-streamer record of streamers nobody watches anymore.
func (r *Reconciler) forgetUndesired(desired map[domain.StreamerLogin]struct{}) {
	for login := range r.confirmed {
		if _, ok := desired[login]; !ok {
			delete(r.confirmed, login)
		}
	}
	for login := range r.platformIDs {
		if _, ok := desired[login]; !ok {
			delete(r.platformIDs, login)
		}
	}
	for login := range r.suppressed {
		if _, ok := desired[login]; !ok {
			delete(r.suppressed, login)
		}
	}
}
