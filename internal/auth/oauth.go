package auth

import (
	"strings"

	"golang.org/x/oauth2"
)

const (
	// Strava OAuth endpoints
	AuthURL  = "https://www.strava.com/oauth/authorize"
	TokenURL = "https://www.strava.com/oauth/token"
)

// RequiredScopes is the minimum scope set for full functionality. Sessions
// missing any of these are flagged for re-authorization; activity:write in
// particular gates all gear-write operations.
var RequiredScopes = []string{
	"read",
	"read_all",
	"profile:read_all",
	"activity:read_all",
	"activity:write",
}

// ScopeString is the comma-separated scope value Strava expects in the
// authorize URL (Strava treats the whole list as a single scope parameter).
func ScopeString() string {
	return strings.Join(RequiredScopes, ",")
}

// Config holds one tenant's OAuth client credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// NewOAuthConfig creates an oauth2.Config from our Config.
func NewOAuthConfig(cfg Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  AuthURL,
			TokenURL: TokenURL,
		},
		RedirectURL: cfg.RedirectURL,
		Scopes:      []string{ScopeString()},
	}
}

// ParseScopes splits the scope value Strava returns on the redirect query.
func ParseScopes(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	scopes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			scopes = append(scopes, p)
		}
	}
	return scopes
}

// MissingScopes returns the required scopes absent from granted.
func MissingScopes(granted []string) []string {
	have := make(map[string]bool, len(granted))
	for _, s := range granted {
		have[s] = true
	}

	var missing []string
	for _, s := range RequiredScopes {
		if !have[s] {
			missing = append(missing, s)
		}
	}
	return missing
}

// HasScope reports whether the granted set contains scope.
func HasScope(granted []string, scope string) bool {
	for _, s := range granted {
		if s == scope {
			return true
		}
	}
	return false
}

// ExtractAthleteID extracts the athlete ID from the token extras.
// Strava includes the athlete object in the token exchange response.
func ExtractAthleteID(token *oauth2.Token) int64 {
	if athlete, ok := token.Extra("athlete").(map[string]interface{}); ok {
		if id, ok := athlete["id"].(float64); ok {
			return int64(id)
		}
	}
	return 0
}
