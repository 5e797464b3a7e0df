// Package httpapi exposes the inbound HTTP surface: the webhook callback,
// tenant onboarding and the operational endpoints.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/CraigBell/strava-connect/internal/auth"
	"github.com/CraigBell/strava-connect/internal/coordinator"
	"github.com/CraigBell/strava-connect/internal/gear"
	"github.com/CraigBell/strava-connect/internal/registry"
	"github.com/CraigBell/strava-connect/internal/store"
	"github.com/CraigBell/strava-connect/internal/strava"
	"github.com/CraigBell/strava-connect/internal/webhook"
)

// OAuthCallbackPath is where Strava redirects after authorization.
const OAuthCallbackPath = "/api/strava/oauth/callback"

// flowTTL bounds how long a started onboarding flow stays redeemable.
const flowTTL = 10 * time.Minute

// Syncer is the slice of the coordinator the HTTP layer drives.
type Syncer interface {
	HandleEvent(ev strava.WebhookEvent)
	AddTenant(ctx context.Context, rec *store.Tenant, session *store.Session) error
	ReloadTenant(ctx context.Context, athleteID int64) error
	RemoveTenant(ctx context.Context, athleteID int64) error
	Resync(athleteID int64) error
	SetActivityGear(ctx context.Context, athleteID, activityID int64, gearRef string) (string, error)
	SetPodSelection(ctx context.Context, athleteID int64, podID, gearRef string) error
	GearCatalog(athleteID int64) (*gear.Catalog, error)
	Status() []coordinator.TenantStatus
}

// pendingFlow is an onboarding attempt awaiting its OAuth redirect.
type pendingFlow struct {
	clientID     string
	clientSecret string
	started      time.Time
}

// Server is the HTTP API. All handlers answer JSON except the OAuth
// callback, which renders for a browser.
type Server struct {
	router      *mux.Router
	db          *store.DB
	registry    *registry.Registry
	syncer      Syncer
	logger      *slog.Logger
	publicURL   string
	verifyToken string

	mu    sync.Mutex
	flows map[string]pendingFlow
}

// NewServer builds the router. publicURL is the externally reachable base
// URL; verifyToken is echoed back during the subscription handshake.
func NewServer(db *store.DB, reg *registry.Registry, syncer Syncer, publicURL, verifyToken string, logger *slog.Logger) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		db:          db,
		registry:    reg,
		syncer:      syncer,
		logger:      logger,
		publicURL:   strings.TrimRight(publicURL, "/"),
		verifyToken: verifyToken,
		flows:       make(map[string]pendingFlow),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(newIPRateLimiter(s.logger).middleware)

	r.HandleFunc(webhook.CallbackPath, s.handleChallenge).Methods(http.MethodGet)
	r.HandleFunc(webhook.CallbackPath, s.handleEvent).Methods(http.MethodPost)
	r.HandleFunc(OAuthCallbackPath, s.handleOAuthCallback).Methods(http.MethodGet)

	r.HandleFunc("/api/strava/tenants", s.handleCreateTenant).Methods(http.MethodPost)
	r.HandleFunc("/api/strava/tenants/{athleteID}", s.handleRemoveTenant).Methods(http.MethodDelete)
	r.HandleFunc("/api/strava/tenants/{athleteID}/resync", s.handleResync).Methods(http.MethodPost)
	r.HandleFunc("/api/strava/tenants/{athleteID}/activities", s.handleActivities).Methods(http.MethodGet)
	r.HandleFunc("/api/strava/tenants/{athleteID}/gear", s.handleGearCatalog).Methods(http.MethodGet)
	r.HandleFunc("/api/strava/tenants/{athleteID}/pods", s.handleSetPod).Methods(http.MethodPost)
	r.HandleFunc("/api/strava/tenants/{athleteID}/actions/set-gear", s.handleSetGear).Methods(http.MethodPost)
	r.HandleFunc("/api/strava/status", s.handleStatus).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleChallenge answers the subscription validation handshake: echo
// hub.challenge when the verify token matches.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.verify_token") != s.verifyToken {
		s.logger.Warn("webhook challenge with bad verify token")
		writeError(w, http.StatusForbidden, "verify token mismatch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"hub.challenge": q.Get("hub.challenge"),
	})
}

// handleEvent acknowledges the push immediately; processing happens on the
// owning tenant's queue. Only a malformed body is rejected, since Strava
// retries non-2xx responses and eventually disables the subscription.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev strava.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	s.syncer.HandleEvent(ev)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientSecret == "" {
		writeError(w, http.StatusBadRequest, "client_secret is required")
		return
	}

	// A conflict here may be the tenant's own client id coming back for
	// re-authorization; the callback settles it once the athlete is known.
	if err := s.registry.Register(r.Context(), req.ClientID); err != nil && !errors.Is(err, registry.ErrCredentialConflict) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := randomState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}

	s.mu.Lock()
	s.pruneFlowsLocked()
	s.flows[state] = pendingFlow{
		clientID:     req.ClientID,
		clientSecret: req.ClientSecret,
		started:      time.Now(),
	}
	s.mu.Unlock()

	cfg := s.oauthConfig(req.ClientID, req.ClientSecret)
	writeJSON(w, http.StatusOK, map[string]string{
		"authorize_url": cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto")),
		"state":         state,
	})
}

// handleOAuthCallback redeems the authorization code, verifies the granted
// scopes and creates (or re-authorizes) the tenant keyed by athlete id.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errMsg := q.Get("error"); errMsg != "" {
		http.Error(w, "Authorization was denied: "+errMsg, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	flow, ok := s.flows[q.Get("state")]
	if ok {
		delete(s.flows, q.Get("state"))
	}
	s.mu.Unlock()
	if !ok || time.Since(flow.started) > flowTTL {
		http.Error(w, "Authorization flow expired, start over.", http.StatusBadRequest)
		return
	}

	cfg := s.oauthConfig(flow.clientID, flow.clientSecret)
	session, athleteID, err := auth.Exchange(r.Context(), cfg, q.Get("code"), q.Get("scope"))
	if err != nil {
		s.logger.Error("oauth exchange failed", "error", err)
		http.Error(w, "Token exchange with Strava failed.", http.StatusBadGateway)
		return
	}

	if missing := auth.MissingScopes(session.Scopes); len(missing) > 0 {
		http.Error(w, "Missing required permissions: "+strings.Join(missing, ", ")+". Re-authorize and grant all requested permissions.", http.StatusBadRequest)
		return
	}

	if err := s.finishOnboarding(r.Context(), flow, athleteID, session); err != nil {
		if errors.Is(err, registry.ErrCredentialConflict) {
			http.Error(w, "These application credentials already belong to a different athlete.", http.StatusConflict)
			return
		}
		s.logger.Error("tenant onboarding failed", "athlete_id", athleteID, "error", err)
		http.Error(w, "Failed to complete setup.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h2>Strava account connected.</h2><p>You can close this window.</p></body></html>")
}

// finishOnboarding persists the tenant and session and starts its worker.
// An existing tenant (same athlete) is re-authorized in place: the credential
// pair it authorized with becomes the stored pair, so the new refresh token
// is never bound to a stale app. A new athlete redeeming another tenant's
// client id is rejected.
func (s *Server) finishOnboarding(ctx context.Context, flow pendingFlow, athleteID int64, session auth.Session) error {
	current, err := s.db.GetTenant(athleteID)
	if err != nil && !errors.Is(err, store.ErrTenantNotFound) {
		return err
	}

	if current != nil {
		return s.reauthorize(ctx, flow, current, session)
	}

	rec := &store.Tenant{
		AthleteID:    athleteID,
		ClientID:     flow.clientID,
		ClientSecret: flow.clientSecret,
		Scopes:       session.Scopes,
		DistanceUnit: "km",
	}
	if err := s.db.CreateTenant(rec); err != nil {
		if errors.Is(err, store.ErrTenantExists) {
			// The athlete is new, so the unique constraint that fired is the
			// client id's.
			return registry.ErrCredentialConflict
		}
		return err
	}

	stored, err := s.saveSession(athleteID, session)
	if err != nil {
		return err
	}
	return s.syncer.AddTenant(ctx, rec, stored)
}

// reauthorize refreshes an existing tenant's credentials, scopes and session,
// then restarts its worker.
func (s *Server) reauthorize(ctx context.Context, flow pendingFlow, current *store.Tenant, session auth.Session) error {
	if current.ClientID != flow.clientID || current.ClientSecret != flow.clientSecret {
		if err := s.db.UpdateTenantCredentials(current.AthleteID, flow.clientID, flow.clientSecret); err != nil {
			if errors.Is(err, store.ErrTenantExists) {
				return registry.ErrCredentialConflict
			}
			return err
		}
	}

	current.Scopes = session.Scopes
	if err := s.db.SaveTenant(current); err != nil {
		return err
	}
	if _, err := s.saveSession(current.AthleteID, session); err != nil {
		return err
	}
	return s.syncer.ReloadTenant(ctx, current.AthleteID)
}

func (s *Server) saveSession(athleteID int64, session auth.Session) (*store.Session, error) {
	stored := &store.Session{
		AthleteID:    athleteID,
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.Expiry,
		Scopes:       session.Scopes,
	}
	if err := s.db.SaveSession(stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Server) handleRemoveTenant(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := s.athleteID(w, r)
	if !ok {
		return
	}
	if err := s.syncer.RemoveTenant(r.Context(), athleteID); err != nil {
		s.writeSyncError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := s.athleteID(w, r)
	if !ok {
		return
	}
	if err := s.syncer.Resync(athleteID); err != nil {
		s.writeSyncError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// activityJSON is the wire shape of one stored snapshot.
type activityJSON struct {
	ID                 int64   `json:"id"`
	Name               string  `json:"name"`
	SportType          string  `json:"sport_type"`
	StartDate          string  `json:"start_date"`
	Distance           float64 `json:"distance"`
	MovingTime         int     `json:"moving_time"`
	ElapsedTime        int     `json:"elapsed_time"`
	TotalElevationGain float64 `json:"total_elevation_gain,omitempty"`
	AverageHeartrate   float64 `json:"average_heartrate,omitempty"`
	MaxHeartrate       float64 `json:"max_heartrate,omitempty"`
	AverageWatts       float64 `json:"average_watts,omitempty"`
	DeviceName         string  `json:"device_name,omitempty"`
	GearID             string  `json:"gear_id,omitempty"`
}

// handleActivities returns the tenant's stored snapshots, newest first.
func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := s.athleteID(w, r)
	if !ok {
		return
	}
	if _, err := s.db.GetTenant(athleteID); err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	limit := 30
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	snapshots, err := s.db.ListActivities(athleteID, limit)
	if err != nil {
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	activities := make([]activityJSON, 0, len(snapshots))
	for _, a := range snapshots {
		activities = append(activities, activityJSON{
			ID:                 a.ID,
			Name:               a.Name,
			SportType:          a.SportType,
			StartDate:          a.StartDate.UTC().Format(time.RFC3339),
			Distance:           a.Distance,
			MovingTime:         a.MovingTime,
			ElapsedTime:        a.ElapsedTime,
			TotalElevationGain: a.TotalElevationGain,
			AverageHeartrate:   a.AverageHeartrate,
			MaxHeartrate:       a.MaxHeartrate,
			AverageWatts:       a.AverageWatts,
			DeviceName:         a.DeviceName,
			GearID:             a.GearID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": activities})
}

func (s *Server) handleGearCatalog(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := s.athleteID(w, r)
	if !ok {
		return
	}
	catalog, err := s.syncer.GearCatalog(athleteID)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, catalog)
}

func (s *Server) handleSetPod(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := s.athleteID(w, r)
	if !ok {
		return
	}

	var req struct {
		PodID    string `json:"pod_id"`
		ShoeID   string `json:"shoe_id"`
		ShoeName string `json:"shoe_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PodID == "" {
		writeError(w, http.StatusBadRequest, "pod_id is required")
		return
	}
	if req.ShoeID != "" && req.ShoeName != "" {
		writeError(w, http.StatusBadRequest, "provide shoe_id or shoe_name, not both")
		return
	}

	// Empty reference clears the pod's selection.
	ref := req.ShoeID
	if ref == "" {
		ref = req.ShoeName
	}
	if err := s.syncer.SetPodSelection(r.Context(), athleteID, req.PodID, ref); err != nil {
		s.writeSyncError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// flexInt64 accepts both numeric and string JSON encodings of an id.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", s)
	}
	*f = flexInt64(v)
	return nil
}

func (s *Server) handleSetGear(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := s.athleteID(w, r)
	if !ok {
		return
	}

	var req struct {
		ActivityID flexInt64 `json:"activity_id"`
		ShoeID     string    `json:"shoe_id"`
		ShoeName   string    `json:"shoe_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ActivityID == 0 {
		writeError(w, http.StatusBadRequest, "activity_id is required")
		return
	}
	if (req.ShoeID == "") == (req.ShoeName == "") {
		writeError(w, http.StatusBadRequest, "provide exactly one of shoe_id or shoe_name")
		return
	}

	ref := req.ShoeID
	if ref == "" {
		ref = req.ShoeName
	}
	gearID, err := s.syncer.SetActivityGear(r.Context(), athleteID, int64(req.ActivityID), ref)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"gear_id": gearID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants": s.syncer.Status(),
	})
}

func (s *Server) athleteID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["athleteID"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid athlete id")
		return 0, false
	}
	return id, true
}

func (s *Server) oauthConfig(clientID, clientSecret string) *oauth2.Config {
	return auth.NewOAuthConfig(auth.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  s.publicURL + OAuthCallbackPath,
	})
}

// writeSyncError maps domain errors onto HTTP statuses.
func (s *Server) writeSyncError(w http.ResponseWriter, err error) {
	var rateLimited *strava.RateLimitedError
	var scopeErr *strava.ScopeError

	switch {
	case errors.Is(err, coordinator.ErrTenantUnknown):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gear.ErrGearNotFound), errors.Is(err, strava.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateLimited.RetryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &scopeErr):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, strava.ErrAuthExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// pruneFlowsLocked drops expired onboarding flows. Caller holds s.mu.
func (s *Server) pruneFlowsLocked() {
	for state, flow := range s.flows {
		if time.Since(flow.started) > flowTTL {
			delete(s.flows, state)
		}
	}
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
