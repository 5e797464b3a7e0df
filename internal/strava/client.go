package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// BaseURL is the Strava v3 API root.
	BaseURL = "https://www.strava.com/api/v3"

	// retryDelay is the fixed pause before the single 5xx retry.
	retryDelay = 500 * time.Millisecond
)

// TokenProvider supplies a valid access token for one tenant. Implementations
// refresh transparently and return ErrAuthExpired or *ScopeError when they
// cannot.
type TokenProvider interface {
	AccessToken(ctx context.Context, write bool) (string, error)
}

// Client executes rate-limit-aware Strava API calls for a single tenant.
// Quota accounting is updated from response headers after every call,
// successful or not. When a quota window is exhausted the call fails fast
// with *RateLimitedError instead of blocking.
type Client struct {
	base       string
	httpClient *http.Client
	tokens     TokenProvider
	limits     *Limits
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root, used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.base = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// NewClient creates a Strava API client for one tenant.
func NewClient(tokens TokenProvider, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		base:       BaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		limits:     NewLimits(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limits exposes the tenant's quota windows.
func (c *Client) Limits() *Limits { return c.limits }

// GetAthlete fetches the authenticated athlete profile including gear.
func (c *Client) GetAthlete(ctx context.Context) (*Athlete, error) {
	var athlete Athlete
	if err := c.call(ctx, http.MethodGet, "/athlete", nil, nil, &athlete, false); err != nil {
		return nil, err
	}
	return &athlete, nil
}

// GetActivity fetches one detailed activity.
func (c *Client) GetActivity(ctx context.Context, activityID int64) (*Activity, error) {
	var activity Activity
	path := fmt.Sprintf("/activities/%d", activityID)
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &activity, false); err != nil {
		return nil, err
	}
	return &activity, nil
}

// GetActivities fetches one page of activity summaries, newest first.
func (c *Client) GetActivities(ctx context.Context, page, perPage int) ([]Activity, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))

	var activities []Activity
	if err := c.call(ctx, http.MethodGet, "/athlete/activities", params, nil, &activities, false); err != nil {
		return nil, err
	}
	return activities, nil
}

// GetAthleteStats fetches the summary stats for an athlete.
func (c *Client) GetAthleteStats(ctx context.Context, athleteID int64) (*SummaryStats, error) {
	var stats SummaryStats
	path := fmt.Sprintf("/athletes/%d/stats", athleteID)
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &stats, false); err != nil {
		return nil, err
	}
	return &stats, nil
}

// UpdateActivityGear assigns a gear item to an activity. Requires the
// activity:write scope.
func (c *Client) UpdateActivityGear(ctx context.Context, activityID int64, gearID string) (*Activity, error) {
	if gearID == "" {
		return nil, errors.New("gear id is required to update activity gear")
	}

	var activity Activity
	path := fmt.Sprintf("/activities/%d", activityID)
	body := map[string]string{"gear_id": gearID}
	if err := c.call(ctx, http.MethodPut, path, nil, body, &activity, true); err != nil {
		return nil, err
	}
	return &activity, nil
}

// ListSubscriptions lists the push subscriptions registered for the app.
// Subscription endpoints authenticate with client credentials, not a bearer
// token, but still count against the app's quota.
func (c *Client) ListSubscriptions(ctx context.Context, clientID, clientSecret string) ([]Subscription, error) {
	params := url.Values{}
	params.Set("client_id", clientID)
	params.Set("client_secret", clientSecret)

	var subs []Subscription
	if err := c.callUnauthenticated(ctx, http.MethodGet, "/push_subscriptions", params, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// CreateSubscription registers a new push subscription at callbackURL.
// Strava issues a GET challenge to the callback before answering.
func (c *Client) CreateSubscription(ctx context.Context, clientID, clientSecret, callbackURL, verifyToken string) (*Subscription, error) {
	params := url.Values{}
	params.Set("client_id", clientID)
	params.Set("client_secret", clientSecret)
	params.Set("callback_url", callbackURL)
	params.Set("verify_token", verifyToken)

	var sub Subscription
	if err := c.callUnauthenticated(ctx, http.MethodPost, "/push_subscriptions", params, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// DeleteSubscription removes a push subscription. A 404 is not an error:
// the subscription is gone either way.
func (c *Client) DeleteSubscription(ctx context.Context, id int64, clientID, clientSecret string) error {
	params := url.Values{}
	params.Set("client_id", clientID)
	params.Set("client_secret", clientSecret)

	path := fmt.Sprintf("/push_subscriptions/%d", id)
	err := c.callUnauthenticated(ctx, http.MethodDelete, path, params, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// call executes an authenticated request after checking the quota windows
// and obtaining a valid token.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, body any, out any, write bool) error {
	token, err := c.tokens.AccessToken(ctx, write)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, params, body, out, "Bearer "+token, write)
}

// callUnauthenticated executes a request that carries credentials in its
// parameters instead of a bearer token (subscription endpoints).
func (c *Client) callUnauthenticated(ctx context.Context, method, path string, params url.Values, out any) error {
	return c.do(ctx, method, path, params, nil, out, "", false)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, out any, authorization string, write bool) error {
	if wait, ok := c.limits.Check(time.Now()); !ok {
		return &RateLimitedError{RetryAfter: wait}
	}

	resp, err := c.send(ctx, method, path, params, body, authorization)
	if err != nil {
		return err
	}

	// One immediate retry for transient server errors, never more.
	if resp.StatusCode >= 500 {
		drain(resp)
		c.logger.Warn("strava server error, retrying once",
			"method", method, "path", path, "status", resp.StatusCode)

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}

		resp, err = c.send(ctx, method, path, params, body, authorization)
		if err != nil {
			return err
		}
	}

	return c.handle(resp, out, write)
}

func (c *Client) send(ctx context.Context, method, path string, params url.Values, body any, authorization string) (*http.Response, error) {
	reqURL := c.base + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Status: 0, Body: err.Error()}
	}

	c.limits.UpdateFromHeaders(resp.Header)
	c.limits.Record(time.Now())
	return resp, nil
}

func (c *Client) handle(resp *http.Response, out any, write bool) error {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			// Some PUT endpoints return an empty body.
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil

	case resp.StatusCode == http.StatusUnauthorized:
		// The token provider already refreshed before this call; a 401 here
		// means the session is beyond local recovery.
		return ErrAuthExpired

	case resp.StatusCode == http.StatusForbidden:
		missing := "activity:read_all"
		if write {
			missing = "activity:write"
		}
		return &ScopeError{Missing: missing}

	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound

	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: c.retryAfter(resp)}

	default:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error("strava API error",
			"status", resp.StatusCode, "body", string(payload))
		return &UpstreamError{Status: resp.StatusCode, Body: string(payload)}
	}
}

// retryAfter derives the deferral delay from the Retry-After header when
// present, otherwise from the short quota window.
func (c *Client) retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if wait, ok := c.limits.Check(time.Now()); !ok {
		return wait
	}
	return time.Until(nextQuarterHour(time.Now()))
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	resp.Body.Close()
}
