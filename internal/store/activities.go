package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertActivity replaces an activity snapshot wholesale. Fields fetched at
// different times never mix within one row.
func (db *DB) UpsertActivity(a *ActivitySnapshot) error {
	_, err := db.Exec(`
		INSERT INTO activities (
			athlete_id, id, name, sport_type, start_date, distance,
			moving_time, elapsed_time, total_elevation_gain,
			average_heartrate, max_heartrate, average_watts,
			device_name, gear_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(athlete_id, id) DO UPDATE SET
			name = excluded.name,
			sport_type = excluded.sport_type,
			start_date = excluded.start_date,
			distance = excluded.distance,
			moving_time = excluded.moving_time,
			elapsed_time = excluded.elapsed_time,
			total_elevation_gain = excluded.total_elevation_gain,
			average_heartrate = excluded.average_heartrate,
			max_heartrate = excluded.max_heartrate,
			average_watts = excluded.average_watts,
			device_name = excluded.device_name,
			gear_id = excluded.gear_id,
			updated_at = CURRENT_TIMESTAMP
	`, a.AthleteID, a.ID, a.Name, a.SportType, a.StartDate.Format(time.RFC3339),
		a.Distance, a.MovingTime, a.ElapsedTime, a.TotalElevationGain,
		a.AverageHeartrate, a.MaxHeartrate, a.AverageWatts, a.DeviceName, a.GearID)
	return err
}

// GetActivity retrieves one activity snapshot.
func (db *DB) GetActivity(athleteID, activityID int64) (*ActivitySnapshot, error) {
	row := db.QueryRow(`
		SELECT athlete_id, id, name, sport_type, start_date, distance,
			moving_time, elapsed_time, total_elevation_gain,
			average_heartrate, max_heartrate, average_watts,
			device_name, gear_id
		FROM activities
		WHERE athlete_id = ? AND id = ?
	`, athleteID, activityID)
	return scanActivity(row)
}

// ListActivities returns a tenant's snapshots, newest first.
func (db *DB) ListActivities(athleteID int64, limit int) ([]ActivitySnapshot, error) {
	rows, err := db.Query(`
		SELECT athlete_id, id, name, sport_type, start_date, distance,
			moving_time, elapsed_time, total_elevation_gain,
			average_heartrate, max_heartrate, average_watts,
			device_name, gear_id
		FROM activities
		WHERE athlete_id = ?
		ORDER BY start_date DESC
		LIMIT ?
	`, athleteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []ActivitySnapshot
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		activities = append(activities, *a)
	}
	return activities, rows.Err()
}

// DeleteActivity removes a snapshot after an upstream delete event.
func (db *DB) DeleteActivity(athleteID, activityID int64) error {
	_, err := db.Exec(`
		DELETE FROM activities WHERE athlete_id = ? AND id = ?
	`, athleteID, activityID)
	return err
}

func scanActivity(row rowScanner) (*ActivitySnapshot, error) {
	var a ActivitySnapshot
	var startDate string
	var elevation, avgHR, maxHR, avgWatts sql.NullFloat64
	var deviceName, gearID sql.NullString

	err := row.Scan(&a.AthleteID, &a.ID, &a.Name, &a.SportType, &startDate,
		&a.Distance, &a.MovingTime, &a.ElapsedTime, &elevation,
		&avgHR, &maxHR, &avgWatts, &deviceName, &gearID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActivityNotFound
	}
	if err != nil {
		return nil, err
	}

	a.StartDate, _ = time.Parse(time.RFC3339, startDate)
	a.TotalElevationGain = elevation.Float64
	a.AverageHeartrate = avgHR.Float64
	a.MaxHeartrate = maxHR.Float64
	a.AverageWatts = avgWatts.Float64
	a.DeviceName = deviceName.String
	a.GearID = gearID.String
	return &a, nil
}
