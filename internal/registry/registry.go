// Package registry guards the one-app-credential-set-per-tenant invariant.
//
// The check here is advisory defense-in-depth performed before the OAuth2
// redirect is initiated. The canonical uniqueness key for a tenant is the
// athlete id resolved after authorization, which the store enforces again
// at creation time.
package registry

import (
	"context"
	"errors"
	"fmt"
)

// ErrCredentialConflict is returned when the client id already belongs to a
// configured tenant.
var ErrCredentialConflict = errors.New("client id is already registered to another tenant")

// minClientIDLength rejects obviously malformed input before a round trip
// to Strava. Real Strava client ids are 5+ digit numbers.
const minClientIDLength = 4

// TenantLister enumerates stored tenants' client identifiers.
type TenantLister interface {
	ListClientIDs(ctx context.Context) ([]string, error)
}

// Registry validates candidate app credentials against existing tenants.
type Registry struct {
	tenants TenantLister
}

// New creates a Registry over the tenant store.
func New(tenants TenantLister) *Registry {
	return &Registry{tenants: tenants}
}

// Register accepts a candidate client id or rejects it with
// ErrCredentialConflict. Matching is case-sensitive and exact.
func (r *Registry) Register(ctx context.Context, clientID string) error {
	if err := validateFormat(clientID); err != nil {
		return err
	}

	existing, err := r.tenants.ListClientIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing tenant credentials: %w", err)
	}

	for _, id := range existing {
		if id == clientID {
			return ErrCredentialConflict
		}
	}
	return nil
}

func validateFormat(clientID string) error {
	if len(clientID) < minClientIDLength {
		return fmt.Errorf("client id %q is too short (minimum %d digits)", clientID, minClientIDLength)
	}
	for _, r := range clientID {
		if r < '0' || r > '9' {
			return fmt.Errorf("client id %q must be numeric", clientID)
		}
	}
	return nil
}
