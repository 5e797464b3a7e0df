package store

import (
	"database/sql"
	"errors"
)

// SaveSummaryStats stores a tenant's summary stats payload wholesale.
func (db *DB) SaveSummaryStats(athleteID int64, payload []byte) error {
	_, err := db.Exec(`
		INSERT INTO summary_stats (athlete_id, payload, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(athlete_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
	`, athleteID, string(payload))
	return err
}

// GetSummaryStats returns the stored summary stats payload, or nil when
// none has been fetched yet.
func (db *DB) GetSummaryStats(athleteID int64) ([]byte, error) {
	var payload string
	err := db.QueryRow(`
		SELECT payload FROM summary_stats WHERE athlete_id = ?
	`, athleteID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}
