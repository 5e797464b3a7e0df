package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CraigBell/strava-connect/internal/store"
	"github.com/CraigBell/strava-connect/internal/strava"
)

type fakeSubAPI struct {
	subs      []strava.Subscription
	created   []string
	deleted   []int64
	nextID    int64
	deleteErr error
}

func (f *fakeSubAPI) ListSubscriptions(ctx context.Context, clientID, clientSecret string) ([]strava.Subscription, error) {
	return f.subs, nil
}

func (f *fakeSubAPI) CreateSubscription(ctx context.Context, clientID, clientSecret, callbackURL, verifyToken string) (*strava.Subscription, error) {
	f.created = append(f.created, callbackURL)
	f.nextID++
	return &strava.Subscription{ID: f.nextID, CallbackURL: callbackURL}, nil
}

func (f *fakeSubAPI) DeleteSubscription(ctx context.Context, id int64, clientID, clientSecret string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type recordingStore struct {
	athleteID      int64
	subscriptionID int64
	callbackURL    string
	calls          int
}

func (r *recordingStore) SetTenantSubscription(athleteID, subscriptionID int64, callbackURL string) error {
	r.athleteID = athleteID
	r.subscriptionID = subscriptionID
	r.callbackURL = callbackURL
	r.calls++
	return nil
}

func testManager(db SubscriptionStore) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager("https://example.com", "verifyme", db, logger)
	m.preflight = false
	return m
}

func testTenant() *store.Tenant {
	return &store.Tenant{AthleteID: 42, ClientID: "12345", ClientSecret: "sekrit"}
}

func TestReconcileCreatesWhenNoneExist(t *testing.T) {
	api := &fakeSubAPI{nextID: 100}
	rec := &recordingStore{}
	m := testManager(rec)

	tenant := testTenant()
	require.NoError(t, m.Reconcile(context.Background(), api, tenant))

	require.Equal(t, []string{"https://example.com/api/strava/webhook"}, api.created)
	require.Empty(t, api.deleted)
	require.Equal(t, int64(101), rec.subscriptionID)
	require.Equal(t, int64(42), rec.athleteID)
	require.Equal(t, int64(101), tenant.SubscriptionID, "in-memory record must carry the id")
}

func TestReconcileKeepsMatchingSubscription(t *testing.T) {
	api := &fakeSubAPI{subs: []strava.Subscription{
		{ID: 7, CallbackURL: "https://example.com/api/strava/webhook"},
	}}
	rec := &recordingStore{}
	m := testManager(rec)

	require.NoError(t, m.Reconcile(context.Background(), api, testTenant()))

	require.Empty(t, api.created, "matching subscription must be reused")
	require.Empty(t, api.deleted)
	require.Equal(t, int64(7), rec.subscriptionID)
}

func TestReconcileReplacesStaleSubscriptions(t *testing.T) {
	api := &fakeSubAPI{
		subs: []strava.Subscription{
			{ID: 1, CallbackURL: "https://old-host.example/api/strava/webhook"},
			{ID: 2, CallbackURL: "https://older-host.example/api/strava/webhook"},
		},
		nextID: 10,
	}
	rec := &recordingStore{}
	m := testManager(rec)

	require.NoError(t, m.Reconcile(context.Background(), api, testTenant()))

	require.Equal(t, []int64{1, 2}, api.deleted)
	require.Len(t, api.created, 1)
	require.Equal(t, int64(11), rec.subscriptionID)
}

func TestReconcileStaleDeleteFailureIsNotFatal(t *testing.T) {
	api := &fakeSubAPI{
		subs: []strava.Subscription{
			{ID: 1, CallbackURL: "https://old-host.example/api/strava/webhook"},
			{ID: 7, CallbackURL: "https://example.com/api/strava/webhook"},
		},
		deleteErr: errors.New("boom"),
	}
	rec := &recordingStore{}
	m := testManager(rec)

	require.NoError(t, m.Reconcile(context.Background(), api, testTenant()))
	require.Equal(t, int64(7), rec.subscriptionID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	api := &fakeSubAPI{nextID: 100}
	rec := &recordingStore{}
	m := testManager(rec)
	tenant := testTenant()

	require.NoError(t, m.Reconcile(context.Background(), api, tenant))
	// The created subscription now exists upstream.
	api.subs = []strava.Subscription{{ID: 101, CallbackURL: m.CallbackURL()}}

	require.NoError(t, m.Reconcile(context.Background(), api, tenant))
	require.Len(t, api.created, 1, "second reconcile must not create another subscription")
	require.Equal(t, 2, rec.calls)
}

// handshakeServer behaves like our own callback endpoint: it validates the
// verify token and echoes the challenge.
func handshakeServer(t *testing.T, verifyToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, CallbackPath, r.URL.Path)
		if r.URL.Query().Get("hub.verify_token") != verifyToken {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
			"hub.challenge": r.URL.Query().Get("hub.challenge"),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReconcilePreflightPassesAgainstLiveCallback(t *testing.T) {
	srv := handshakeServer(t, "verifyme")

	api := &fakeSubAPI{nextID: 100}
	rec := &recordingStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(srv.URL, "verifyme", rec, logger)

	require.NoError(t, m.Reconcile(context.Background(), api, testTenant()))
	require.Equal(t, []string{srv.URL + CallbackPath}, api.created)
	require.Equal(t, int64(101), rec.subscriptionID)
}

func TestReconcilePreflightFailsOnVerifyTokenMismatch(t *testing.T) {
	srv := handshakeServer(t, "verifyme")

	api := &fakeSubAPI{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(srv.URL, "different-token", &recordingStore{}, logger)

	err := m.Reconcile(context.Background(), api, testTenant())
	require.ErrorIs(t, err, ErrPublicURLUnavailable)
	require.Empty(t, api.created)
}

func TestReconcilePreflightFailsWithoutChallengeEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "ok"}`))
	}))
	t.Cleanup(srv.Close)

	api := &fakeSubAPI{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(srv.URL, "verifyme", &recordingStore{}, logger)

	err := m.Reconcile(context.Background(), api, testTenant())
	require.ErrorIs(t, err, ErrPublicURLUnavailable)
	require.Empty(t, api.created)
}

func TestReconcileWithoutPublicURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager("", "verifyme", &recordingStore{}, logger)

	err := m.Reconcile(context.Background(), &fakeSubAPI{}, testTenant())
	require.ErrorIs(t, err, ErrPublicURLUnavailable)
}

func TestDeregister(t *testing.T) {
	api := &fakeSubAPI{}
	m := testManager(&recordingStore{})

	tenant := testTenant()
	tenant.SubscriptionID = 55
	require.NoError(t, m.Deregister(context.Background(), api, tenant))
	require.Equal(t, []int64{55}, api.deleted)

	// No recorded subscription is a no-op.
	require.NoError(t, m.Deregister(context.Background(), api, testTenant()))
	require.Len(t, api.deleted, 1)
}
