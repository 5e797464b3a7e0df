package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// CreateTenant inserts a new tenant. The athlete id is the canonical
// uniqueness key; the client id unique constraint backs up the registry's
// earlier advisory check.
func (db *DB) CreateTenant(t *Tenant) error {
	_, err := db.Exec(`
		INSERT INTO tenants (athlete_id, client_id, client_secret, scopes, distance_unit, import_photos, callback_url, subscription_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.AthleteID, t.ClientID, t.ClientSecret, joinScopes(t.Scopes), t.DistanceUnit,
		boolToInt(t.ImportPhotos), t.CallbackURL, t.SubscriptionID)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrTenantExists
	}
	return err
}

// SaveTenant updates a tenant's mutable fields (scopes, preferences,
// callback URL, subscription id). Credentials rotate only through
// UpdateTenantCredentials during re-authorization.
func (db *DB) SaveTenant(t *Tenant) error {
	result, err := db.Exec(`
		UPDATE tenants
		SET scopes = ?, distance_unit = ?, import_photos = ?, callback_url = ?,
			subscription_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE athlete_id = ?
	`, joinScopes(t.Scopes), t.DistanceUnit, boolToInt(t.ImportPhotos),
		t.CallbackURL, t.SubscriptionID, t.AthleteID)
	if err != nil {
		return err
	}
	return requireRow(result, ErrTenantNotFound)
}

// UpdateTenantCredentials replaces the tenant's app credential pair. Only
// re-authorization calls this; the athlete id stays the tenant's identity
// across the swap.
func (db *DB) UpdateTenantCredentials(athleteID int64, clientID, clientSecret string) error {
	result, err := db.Exec(`
		UPDATE tenants
		SET client_id = ?, client_secret = ?, updated_at = CURRENT_TIMESTAMP
		WHERE athlete_id = ?
	`, clientID, clientSecret, athleteID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrTenantExists
		}
		return err
	}
	return requireRow(result, ErrTenantNotFound)
}

// GetTenant retrieves one tenant by athlete id.
func (db *DB) GetTenant(athleteID int64) (*Tenant, error) {
	row := db.QueryRow(`
		SELECT athlete_id, client_id, client_secret, scopes, distance_unit, import_photos, callback_url, subscription_id
		FROM tenants
		WHERE athlete_id = ?
	`, athleteID)
	return scanTenant(row)
}

// ListTenants returns all configured tenants.
func (db *DB) ListTenants() ([]Tenant, error) {
	rows, err := db.Query(`
		SELECT athlete_id, client_id, client_secret, scopes, distance_unit, import_photos, callback_url, subscription_id
		FROM tenants
		ORDER BY athlete_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// ListClientIDs enumerates stored client identifiers for the credential
// registry.
func (db *DB) ListClientIDs(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT client_id FROM tenants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTenant removes a tenant and, via cascade, its session, snapshots,
// gear, mappings and stats.
func (db *DB) DeleteTenant(athleteID int64) error {
	result, err := db.Exec(`DELETE FROM tenants WHERE athlete_id = ?`, athleteID)
	if err != nil {
		return err
	}
	return requireRow(result, ErrTenantNotFound)
}

// SetTenantSubscription records the webhook subscription id and the
// callback URL it was created for.
func (db *DB) SetTenantSubscription(athleteID, subscriptionID int64, callbackURL string) error {
	result, err := db.Exec(`
		UPDATE tenants
		SET subscription_id = ?, callback_url = ?, updated_at = CURRENT_TIMESTAMP
		WHERE athlete_id = ?
	`, subscriptionID, callbackURL, athleteID)
	if err != nil {
		return err
	}
	return requireRow(result, ErrTenantNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	var scopes string
	var photos int
	err := row.Scan(&t.AthleteID, &t.ClientID, &t.ClientSecret, &scopes,
		&t.DistanceUnit, &photos, &t.CallbackURL, &t.SubscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Scopes = splitScopes(scopes)
	t.ImportPhotos = photos != 0
	return &t, nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, ",")
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(result sql.Result, missing error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return missing
	}
	return nil
}
