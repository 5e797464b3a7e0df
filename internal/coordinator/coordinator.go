// Package coordinator serializes webhook-driven synchronization per tenant.
// Each tenant gets its own worker goroutine and FIFO queue; jobs for
// different tenants never block each other.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/CraigBell/strava-connect/internal/auth"
	"github.com/CraigBell/strava-connect/internal/events"
	"github.com/CraigBell/strava-connect/internal/gear"
	"github.com/CraigBell/strava-connect/internal/store"
	"github.com/CraigBell/strava-connect/internal/strava"
	"github.com/CraigBell/strava-connect/internal/webhook"
)

// State is a tenant's lifecycle state.
type State string

const (
	// StateUninitialized covers the window between registration and the
	// first successful sync.
	StateUninitialized State = "uninitialized"
	// StateActive means syncing normally.
	StateActive State = "active"
	// StateDegraded means the tenant needs attention (expired auth,
	// missing scope, sustained rate limiting). Queued work is retained.
	StateDegraded State = "degraded"
	// StateRemoved is terminal.
	StateRemoved State = "removed"
)

const (
	// queueSize bounds each tenant's event backlog.
	queueSize = 256

	// maxDeferrals is how many consecutive rate-limit deferrals a tenant
	// absorbs before it is marked degraded. The job keeps retrying either way.
	maxDeferrals = 3

	// minDeferral floors the wait when the upstream window is already open.
	minDeferral = time.Second
)

// ErrTenantUnknown is returned for operations addressing an athlete id with
// no registered tenant.
var ErrTenantUnknown = errors.New("no tenant registered for athlete")

// tenant is the runtime state for one registered athlete.
type tenant struct {
	athleteID int64
	record    *store.Tenant
	tokens    *auth.TokenSource
	client    *strava.Client

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	queue  chan job

	mu        sync.Mutex
	state     State
	lastError string
	deferrals int
	// webhookDown means live push events are not arriving. Job successes do
	// not clear it; only a successful subscription reconcile does.
	webhookDown bool
	pending     map[string]*pendingJob
}

// pendingJob tracks coalescing for one job key: while a job is queued or
// in flight, later arrivals set rerun instead of enqueueing duplicates.
// When the job finishes with rerun set, exactly one follow-up runs.
type pendingJob struct {
	rerun bool
}

// Coordinator owns all tenant workers and routes inbound events to them.
type Coordinator struct {
	db       *store.DB
	bus      *events.Bus
	resolver *gear.Resolver
	webhooks *webhook.Manager
	logger   *slog.Logger

	redirectURL string
	clientOpts  []strava.Option

	mu      sync.RWMutex
	tenants map[int64]*tenant
}

// New creates a Coordinator. redirectURL is the OAuth redirect endpoint
// shared by all tenants; clientOpts apply to every tenant's API client.
func New(db *store.DB, bus *events.Bus, resolver *gear.Resolver, webhooks *webhook.Manager, redirectURL string, logger *slog.Logger, clientOpts ...strava.Option) *Coordinator {
	c := &Coordinator{
		db:          db,
		bus:         bus,
		resolver:    resolver,
		webhooks:    webhooks,
		logger:      logger,
		redirectURL: redirectURL,
		clientOpts:  clientOpts,
		tenants:     make(map[int64]*tenant),
	}

	// Gear corrections refetch the affected activity so the snapshot picks
	// up the authoritative upstream state.
	bus.Subscribe(events.ActivityGearSet, func(ev events.Event) {
		athleteID, _ := strconv.ParseInt(ev.Data["athlete_id"], 10, 64)
		activityID, _ := strconv.ParseInt(ev.Data["activity_id"], 10, 64)
		if athleteID == 0 || activityID == 0 {
			return
		}
		if t := c.tenant(athleteID); t != nil {
			c.enqueue(t, job{kind: jobActivity, activityID: activityID})
		}
	})

	return c
}

// Restore loads all persisted tenants and starts their workers. Called once
// at startup.
func (c *Coordinator) Restore(ctx context.Context) error {
	tenants, err := c.db.ListTenants()
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}

	for i := range tenants {
		rec := tenants[i]
		session, err := c.db.GetSession(rec.AthleteID)
		if err != nil {
			c.logger.Error("tenant has no stored session, skipping",
				"athlete_id", rec.AthleteID, "error", err)
			continue
		}
		if err := c.AddTenant(ctx, &rec, session); err != nil {
			c.logger.Error("failed to restore tenant",
				"athlete_id", rec.AthleteID, "error", err)
		}
	}
	return nil
}

// AddTenant starts a worker for the tenant, reconciles its webhook
// subscription and schedules an initial full sync. The tenant and session
// must already be persisted.
func (c *Coordinator) AddTenant(ctx context.Context, rec *store.Tenant, session *store.Session) error {
	c.mu.Lock()
	if _, exists := c.tenants[rec.AthleteID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("tenant %d already registered", rec.AthleteID)
	}

	cfg := auth.NewOAuthConfig(auth.Config{
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
		RedirectURL:  c.redirectURL,
	})

	athleteID := rec.AthleteID
	tokens := auth.NewTokenSource(cfg, auth.Session{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		Expiry:       session.ExpiresAt,
		Scopes:       session.Scopes,
	}, func(s auth.Session) error {
		return c.db.UpdateTokens(athleteID, s.AccessToken, s.RefreshToken, s.Expiry)
	})

	tctx, cancel := context.WithCancel(context.Background())
	t := &tenant{
		athleteID: athleteID,
		record:    rec,
		tokens:    tokens,
		client:    strava.NewClient(tokens, c.logger.With("athlete_id", athleteID), c.clientOpts...),
		ctx:       tctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		queue:     make(chan job, queueSize),
		state:     StateUninitialized,
		pending:   make(map[string]*pendingJob),
	}
	c.tenants[athleteID] = t
	c.mu.Unlock()

	go c.worker(t)

	if err := c.webhooks.Reconcile(ctx, t.client, rec); err != nil {
		// The tenant still works through manual resync; flag it so the
		// status surface shows why live events are not arriving.
		t.webhookFailed(fmt.Sprintf("webhook subscription: %v", err))
		c.logger.Warn("webhook subscription not established",
			"athlete_id", athleteID, "error", err)
	}

	c.enqueue(t, job{kind: jobResync})
	c.logger.Info("tenant registered", "athlete_id", athleteID)
	return nil
}

// RemoveTenant stops the tenant's worker, deregisters its webhook
// subscription best-effort and deletes all persisted data.
func (c *Coordinator) RemoveTenant(ctx context.Context, athleteID int64) error {
	t, ok := c.stopTenant(athleteID)
	if !ok {
		return ErrTenantUnknown
	}
	t.setState(StateRemoved, "")

	if err := c.webhooks.Deregister(ctx, t.client, t.record); err != nil {
		c.logger.Warn("webhook deregistration failed, continuing removal",
			"athlete_id", athleteID, "error", err)
	}

	if err := c.db.DeleteTenant(athleteID); err != nil {
		return fmt.Errorf("deleting tenant data: %w", err)
	}
	c.logger.Info("tenant removed", "athlete_id", athleteID)
	return nil
}

// ReloadTenant restarts a tenant's worker from its persisted records after
// a re-authorization replaced the stored session (or credentials). Data and
// the webhook subscription are kept.
func (c *Coordinator) ReloadTenant(ctx context.Context, athleteID int64) error {
	c.stopTenant(athleteID)

	rec, err := c.db.GetTenant(athleteID)
	if err != nil {
		return fmt.Errorf("loading tenant: %w", err)
	}
	session, err := c.db.GetSession(athleteID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	return c.AddTenant(ctx, rec, session)
}

// stopTenant halts the worker and removes the tenant from the routing map.
func (c *Coordinator) stopTenant(athleteID int64) (*tenant, bool) {
	c.mu.Lock()
	t, ok := c.tenants[athleteID]
	if ok {
		delete(c.tenants, athleteID)
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	t.cancel()
	<-t.done
	return t, true
}

// HandleEvent routes a webhook event to the owning tenant's queue. Events
// for unknown athletes are logged and discarded; the caller has already
// acknowledged them upstream.
func (c *Coordinator) HandleEvent(ev strava.WebhookEvent) {
	t := c.tenant(ev.OwnerID)
	if t == nil {
		c.logger.Warn("event for unknown athlete discarded",
			"owner_id", ev.OwnerID, "object_type", ev.ObjectType, "object_id", ev.ObjectID)
		return
	}

	switch {
	case ev.ObjectType == strava.ObjectAthlete && ev.Deauthorized():
		c.logger.Info("athlete deauthorized, removing tenant", "athlete_id", ev.OwnerID)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.RemoveTenant(ctx, ev.OwnerID); err != nil {
				c.logger.Error("deauthorization cleanup failed",
					"athlete_id", ev.OwnerID, "error", err)
			}
		}()

	case ev.ObjectType == strava.ObjectAthlete:
		c.enqueue(t, job{kind: jobCatalog})
		c.enqueue(t, job{kind: jobStats})

	case ev.ObjectType == strava.ObjectActivity && ev.AspectType == strava.AspectDelete:
		c.enqueue(t, job{kind: jobActivityDelete, activityID: ev.ObjectID})

	case ev.ObjectType == strava.ObjectActivity:
		c.enqueue(t, job{kind: jobActivity, activityID: ev.ObjectID})

	default:
		c.logger.Debug("ignoring event",
			"object_type", ev.ObjectType, "aspect", ev.AspectType)
	}
}

// Resync schedules a full refresh (activities, gear catalog, summary stats)
// for the tenant. A broken webhook subscription gets another reconcile
// attempt first, since manual resync is the operator's recovery lever.
func (c *Coordinator) Resync(athleteID int64) error {
	t := c.tenant(athleteID)
	if t == nil {
		return ErrTenantUnknown
	}
	if t.isWebhookDown() {
		c.enqueue(t, job{kind: jobReconcile})
	}
	c.enqueue(t, job{kind: jobResync})
	return nil
}

// SetActivityGear resolves the gear reference, writes it upstream and
// schedules a snapshot refetch. Runs synchronously so the caller sees
// resolution and upstream errors directly.
func (c *Coordinator) SetActivityGear(ctx context.Context, athleteID, activityID int64, gearRef string) (string, error) {
	t := c.tenant(athleteID)
	if t == nil {
		return "", ErrTenantUnknown
	}
	// The refetch is enqueued by the activity_gear_set subscriber.
	return c.resolver.SetActivityGear(ctx, athleteID, t.client, activityID, gearRef)
}

// SetPodSelection maps a pod to a shoe (or clears the mapping when gearRef
// is empty).
func (c *Coordinator) SetPodSelection(ctx context.Context, athleteID int64, podID, gearRef string) error {
	t := c.tenant(athleteID)
	if t == nil {
		return ErrTenantUnknown
	}
	return c.resolver.SetPodMapping(ctx, athleteID, podID, gearRef)
}

// GearCatalog returns the tenant's stored catalog with pod mappings overlaid.
func (c *Coordinator) GearCatalog(athleteID int64) (*gear.Catalog, error) {
	if c.tenant(athleteID) == nil {
		return nil, ErrTenantUnknown
	}
	return c.resolver.Catalog(athleteID)
}

// TenantStatus is one row of the status surface.
type TenantStatus struct {
	AthleteID      int64    `json:"athlete_id"`
	State          State    `json:"state"`
	LastError      string   `json:"last_error,omitempty"`
	QueueDepth     int      `json:"queue_depth"`
	LastResyncAt   string   `json:"last_resync_at,omitempty"`
	ShortRemaining int      `json:"rate_limit_short_remaining"`
	DailyRemaining int      `json:"rate_limit_daily_remaining"`
	MissingScopes  []string `json:"missing_scopes,omitempty"`
}

// Status reports every registered tenant.
func (c *Coordinator) Status() []TenantStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statuses := make([]TenantStatus, 0, len(c.tenants))
	for _, t := range c.tenants {
		short, daily := t.client.Limits().Remaining()
		lastResync, _ := c.db.GetSyncState(lastResyncKey(t.athleteID))
		t.mu.Lock()
		s := TenantStatus{
			AthleteID:      t.athleteID,
			State:          t.state,
			LastError:      t.lastError,
			QueueDepth:     len(t.queue),
			LastResyncAt:   lastResync,
			ShortRemaining: short,
			DailyRemaining: daily,
			MissingScopes:  t.tokens.Missing(),
		}
		t.mu.Unlock()
		statuses = append(statuses, s)
	}
	return statuses
}

// Shutdown stops all tenant workers and waits for them to drain.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	tenants := make([]*tenant, 0, len(c.tenants))
	for _, t := range c.tenants {
		tenants = append(tenants, t)
	}
	c.tenants = make(map[int64]*tenant)
	c.mu.Unlock()

	for _, t := range tenants {
		t.cancel()
		<-t.done
	}
}

func (c *Coordinator) tenant(athleteID int64) *tenant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenants[athleteID]
}

// enqueue adds a job unless one with the same key is already queued or in
// flight, in which case a single follow-up run is recorded instead.
func (c *Coordinator) enqueue(t *tenant, j job) {
	key := j.key()

	t.mu.Lock()
	if p, ok := t.pending[key]; ok {
		p.rerun = true
		t.mu.Unlock()
		return
	}
	t.pending[key] = &pendingJob{}
	t.mu.Unlock()

	select {
	case t.queue <- j:
	default:
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		c.logger.Error("tenant queue full, dropping job",
			"athlete_id", t.athleteID, "job", key)
	}
}

// worker drains one tenant's queue until the tenant is cancelled.
func (c *Coordinator) worker(t *tenant) {
	defer close(t.done)
	for {
		select {
		case <-t.ctx.Done():
			return
		case j := <-t.queue:
			c.process(t, j)
		}
	}
}

// process runs one job to completion. Rate-limited jobs wait out the window
// and retry in place so queue order is preserved; nothing is dropped on
// deferral.
func (c *Coordinator) process(t *tenant, j job) {
	for {
		err := c.run(t, j)
		if err == nil {
			t.jobSucceeded()
			break
		}

		if wait, ok := strava.IsRateLimited(err); ok {
			if wait < minDeferral {
				wait = minDeferral
			}
			if t.deferred() >= maxDeferrals {
				t.setState(StateDegraded, "sustained rate limiting")
			}
			c.logger.Warn("job deferred by rate limit",
				"athlete_id", t.athleteID, "job", j.key(), "retry_after", wait)

			timer := time.NewTimer(wait)
			select {
			case <-t.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		var scopeErr *strava.ScopeError
		switch {
		case errors.Is(err, strava.ErrAuthExpired):
			t.setState(StateDegraded, "authorization expired, re-authorization required")
		case errors.As(err, &scopeErr):
			t.setState(StateDegraded, scopeErr.Error())
		default:
			c.logger.Error("job failed",
				"athlete_id", t.athleteID, "job", j.key(), "error", err)
			t.setError(err.Error())
		}
		break
	}

	// Pop the coalescing slot; one follow-up runs if events arrived while
	// this job was in flight.
	key := j.key()
	t.mu.Lock()
	p := t.pending[key]
	delete(t.pending, key)
	rerun := p != nil && p.rerun
	t.mu.Unlock()

	if rerun {
		c.enqueue(t, j)
	}
}

func (t *tenant) setState(s State, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	t.lastError = reason
}

func (t *tenant) setError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastError = msg
}

// jobSucceeded resets the deferral counter and recovers the tenant to
// active. Webhook degradation survives job successes: syncing fine over the
// manual path says nothing about the subscription.
func (t *tenant) jobSucceeded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deferrals = 0
	if t.webhookDown {
		return
	}
	if t.state == StateUninitialized || t.state == StateDegraded {
		t.state = StateActive
		t.lastError = ""
	}
}

func (t *tenant) webhookFailed(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.webhookDown = true
	t.state = StateDegraded
	t.lastError = reason
}

func (t *tenant) webhookRestored() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.webhookDown = false
}

func (t *tenant) isWebhookDown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.webhookDown
}

// deferred records one rate-limit deferral and returns the consecutive
// count.
func (t *tenant) deferred() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deferrals++
	return t.deferrals
}
