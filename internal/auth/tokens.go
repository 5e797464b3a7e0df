package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/CraigBell/strava-connect/internal/strava"
)

// SafetyMargin is the minimum remaining lifetime a returned token is
// guaranteed to have. Tokens closer to expiry are refreshed first.
const SafetyMargin = 60 * time.Second

// Session is one tenant's OAuth2 token state.
type Session struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// TokenSource owns the OAuth2 token lifecycle for a single tenant. It
// refreshes transparently before expiry and persists rotated token pairs
// through the onRefresh callback. Concurrent callers share a single refresh
// exchange; a refresh in progress is awaited, never duplicated.
type TokenSource struct {
	config    *oauth2.Config
	onRefresh func(Session) error

	mu      sync.Mutex
	session Session

	flight singleflight.Group
}

// NewTokenSource creates a TokenSource for a stored session.
func NewTokenSource(cfg *oauth2.Config, session Session, onRefresh func(Session) error) *TokenSource {
	return &TokenSource{
		config:    cfg,
		session:   session,
		onRefresh: onRefresh,
	}
}

// AccessToken returns a token valid for at least SafetyMargin. Write
// operations additionally require the activity:write scope.
func (ts *TokenSource) AccessToken(ctx context.Context, write bool) (string, error) {
	ts.mu.Lock()
	session := ts.session
	ts.mu.Unlock()

	if write && !HasScope(session.Scopes, "activity:write") {
		return "", &strava.ScopeError{Missing: "activity:write"}
	}

	if time.Until(session.Expiry) > SafetyMargin {
		return session.AccessToken, nil
	}

	refreshed, err, _ := ts.flight.Do("refresh", func() (any, error) {
		return ts.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return refreshed.(Session).AccessToken, nil
}

// refresh performs one refresh exchange and persists the new pair. The old
// refresh token must not be reused after rotation, so persistence happens
// before the new session is published.
func (ts *TokenSource) refresh(ctx context.Context) (Session, error) {
	ts.mu.Lock()
	session := ts.session
	ts.mu.Unlock()

	// A concurrent caller may have refreshed while we waited on the flight.
	if time.Until(session.Expiry) > SafetyMargin {
		return session, nil
	}

	// Hand oauth2 only the refresh token: our safety margin is wider than
	// its expiry delta, so the current access token must not short-circuit
	// the exchange.
	src := ts.config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: session.RefreshToken,
	})
	token, err := src.Token()
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			status := retrieve.Response.StatusCode
			if status == http.StatusBadRequest || status == http.StatusUnauthorized {
				return Session{}, strava.ErrAuthExpired
			}
			return Session{}, &strava.UpstreamError{Status: status, Body: string(retrieve.Body)}
		}
		return Session{}, err
	}

	next := Session{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		Scopes:       session.Scopes,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = session.RefreshToken
	}

	if ts.onRefresh != nil {
		if err := ts.onRefresh(next); err != nil {
			return Session{}, err
		}
	}

	ts.mu.Lock()
	ts.session = next
	ts.mu.Unlock()

	return next, nil
}

// Current returns the session without refreshing.
func (ts *TokenSource) Current() Session {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.session
}

// Missing returns required scopes absent from the session. A non-empty
// result marks the session as needing re-authorization.
func (ts *TokenSource) Missing() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return MissingScopes(ts.session.Scopes)
}

// Exchange redeems an authorization code for a token pair and resolves the
// athlete identity the tenant is keyed by. grantedScope is the scope value
// from the redirect query.
func Exchange(ctx context.Context, cfg *oauth2.Config, code, grantedScope string) (Session, int64, error) {
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return Session{}, 0, err
	}

	session := Session{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		Scopes:       ParseScopes(grantedScope),
	}

	athleteID := ExtractAthleteID(token)
	if athleteID == 0 {
		return Session{}, 0, errors.New("token response did not include athlete identity")
	}
	return session, athleteID, nil
}
