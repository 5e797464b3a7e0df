package store

import (
	"database/sql"
	"errors"
	"time"
)

// GetSession retrieves a tenant's stored OAuth session.
func (db *DB) GetSession(athleteID int64) (*Session, error) {
	row := db.QueryRow(`
		SELECT athlete_id, access_token, refresh_token, expires_at, scopes
		FROM sessions
		WHERE athlete_id = ?
	`, athleteID)

	var s Session
	var expiresAt int64
	var scopes string
	err := row.Scan(&s.AthleteID, &s.AccessToken, &s.RefreshToken, &expiresAt, &scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}

	s.ExpiresAt = time.Unix(expiresAt, 0)
	s.Scopes = splitScopes(scopes)
	return &s, nil
}

// SaveSession stores or replaces a tenant's OAuth session.
func (db *DB) SaveSession(s *Session) error {
	_, err := db.Exec(`
		INSERT INTO sessions (athlete_id, access_token, refresh_token, expires_at, scopes, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(athlete_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			updated_at = CURRENT_TIMESTAMP
	`, s.AthleteID, s.AccessToken, s.RefreshToken, s.ExpiresAt.Unix(), joinScopes(s.Scopes))
	return err
}

// UpdateTokens persists a refreshed token pair. The previous refresh token
// must never be written back after rotation.
func (db *DB) UpdateTokens(athleteID int64, accessToken, refreshToken string, expiresAt time.Time) error {
	result, err := db.Exec(`
		UPDATE sessions
		SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE athlete_id = ?
	`, accessToken, refreshToken, expiresAt.Unix(), athleteID)
	if err != nil {
		return err
	}
	return requireRow(result, ErrNoSession)
}
