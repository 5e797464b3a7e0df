package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/CraigBell/strava-connect/internal/store"
	"github.com/CraigBell/strava-connect/internal/strava"
)

// CallbackPath is where the inbound endpoint is mounted under the public
// base URL.
const CallbackPath = "/api/strava/webhook"

// ErrPublicURLUnavailable is returned when no publicly reachable callback
// URL is configured. The tenant stays degraded until one is provided;
// manual resync remains available.
var ErrPublicURLUnavailable = errors.New("no public callback URL available")

// SubscriptionAPI is the slice of the Strava client the manager needs.
type SubscriptionAPI interface {
	ListSubscriptions(ctx context.Context, clientID, clientSecret string) ([]strava.Subscription, error)
	CreateSubscription(ctx context.Context, clientID, clientSecret, callbackURL, verifyToken string) (*strava.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64, clientID, clientSecret string) error
}

// SubscriptionStore persists the reconciled subscription per tenant.
type SubscriptionStore interface {
	SetTenantSubscription(athleteID, subscriptionID int64, callbackURL string) error
}

// Manager reconciles each tenant's single push subscription against the
// currently configured public endpoint.
type Manager struct {
	publicURL   string
	verifyToken string
	db          SubscriptionStore
	httpClient  *http.Client
	logger      *slog.Logger

	// preflight can be disabled in tests where the callback URL is fake.
	preflight bool
}

// NewManager creates a Manager. publicURL may be empty, in which case every
// Reconcile fails with ErrPublicURLUnavailable.
func NewManager(publicURL, verifyToken string, db SubscriptionStore, logger *slog.Logger) *Manager {
	return &Manager{
		publicURL:   publicURL,
		verifyToken: verifyToken,
		db:          db,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		preflight:   true,
	}
}

// CallbackURL returns the full callback URL subscriptions must point at.
func (m *Manager) CallbackURL() string {
	if m.publicURL == "" {
		return ""
	}
	return m.publicURL + CallbackPath
}

// Reconcile ensures exactly one subscription exists at the current callback
// URL for the tenant's app credentials. Stale subscriptions are deleted
// best-effort. Idempotent and safe to call on every (re)configuration and
// periodic health check.
func (m *Manager) Reconcile(ctx context.Context, api SubscriptionAPI, tenant *store.Tenant) error {
	callback := m.CallbackURL()
	if callback == "" {
		return ErrPublicURLUnavailable
	}

	if m.preflight {
		if err := m.checkCallbackReachable(ctx, callback); err != nil {
			m.logger.Error("callback URL not reachable", "url", callback, "error", err)
			return ErrPublicURLUnavailable
		}
	}

	subs, err := api.ListSubscriptions(ctx, tenant.ClientID, tenant.ClientSecret)
	if err != nil {
		return fmt.Errorf("listing subscriptions: %w", err)
	}

	var current *strava.Subscription
	for i := range subs {
		sub := &subs[i]
		if sub.CallbackURL == callback {
			current = sub
			continue
		}
		// Stale subscription pointing at an old URL; deletion failure is
		// logged, not fatal.
		if err := api.DeleteSubscription(ctx, sub.ID, tenant.ClientID, tenant.ClientSecret); err != nil {
			m.logger.Warn("failed to delete stale subscription",
				"subscription_id", sub.ID, "error", err)
		} else {
			m.logger.Debug("deleted stale subscription", "subscription_id", sub.ID)
		}
	}

	if current == nil {
		created, err := api.CreateSubscription(ctx, tenant.ClientID, tenant.ClientSecret, callback, m.verifyToken)
		if err != nil {
			return fmt.Errorf("creating subscription: %w", err)
		}
		current = created
		m.logger.Info("webhook subscription created",
			"athlete_id", tenant.AthleteID, "subscription_id", created.ID)
	}

	if err := m.db.SetTenantSubscription(tenant.AthleteID, current.ID, callback); err != nil {
		return fmt.Errorf("recording subscription: %w", err)
	}
	// Keep the in-memory record in step so a later Deregister sees the id.
	tenant.SubscriptionID = current.ID
	tenant.CallbackURL = callback
	return nil
}

// Deregister deletes the tenant's subscription, best-effort.
func (m *Manager) Deregister(ctx context.Context, api SubscriptionAPI, tenant *store.Tenant) error {
	if tenant.SubscriptionID == 0 {
		return nil
	}
	if err := api.DeleteSubscription(ctx, tenant.SubscriptionID, tenant.ClientID, tenant.ClientSecret); err != nil {
		m.logger.Warn("failed to deregister subscription",
			"athlete_id", tenant.AthleteID, "subscription_id", tenant.SubscriptionID, "error", err)
		return err
	}
	return nil
}

// checkCallbackReachable verifies our own endpoint answers the handshake
// before asking Strava to subscribe to it. It performs the same GET Strava
// will: verify token plus a challenge that must be echoed back.
func (m *Manager) checkCallbackReachable(ctx context.Context, callback string) error {
	challenge, err := randomChallenge()
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("hub.mode", "subscribe")
	params.Set("hub.verify_token", m.verifyToken)
	params.Set("hub.challenge", challenge)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callback+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}

	var body struct {
		Challenge string `json:"hub.challenge"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding handshake response: %w", err)
	}
	if body.Challenge != challenge {
		return errors.New("callback did not echo the handshake challenge")
	}
	return nil
}

func randomChallenge() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
