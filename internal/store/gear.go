package store

// ReplaceGear swaps a tenant's gear catalog for the given items in order.
// The catalog is derived state and always refreshed wholesale.
func (db *DB) ReplaceGear(athleteID int64, items []GearItem) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM gear WHERE athlete_id = ?`, athleteID); err != nil {
		return err
	}

	for i, item := range items {
		_, err := tx.Exec(`
			INSERT INTO gear (athlete_id, id, name, distance, retired, url, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, athleteID, item.ID, item.Name, item.Distance, boolToInt(item.Retired), item.URL, i)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListGear returns a tenant's gear catalog in upstream order.
func (db *DB) ListGear(athleteID int64) ([]GearItem, error) {
	rows, err := db.Query(`
		SELECT athlete_id, id, name, distance, retired, url, position
		FROM gear
		WHERE athlete_id = ?
		ORDER BY position
	`, athleteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []GearItem
	for rows.Next() {
		var item GearItem
		var retired int
		if err := rows.Scan(&item.AthleteID, &item.ID, &item.Name, &item.Distance,
			&retired, &item.URL, &item.Position); err != nil {
			return nil, err
		}
		item.Retired = retired != 0
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetPodMapping associates a pod with a shoe, superseding any existing
// mapping for either side (last write wins on both the pod and the shoe).
func (db *DB) SetPodMapping(athleteID int64, podID, gearID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Enforce the bijection: drop whatever currently claims this pod or
	// this shoe before inserting the new pair.
	if _, err := tx.Exec(`
		DELETE FROM pod_mappings
		WHERE athlete_id = ? AND (pod_id = ? OR gear_id = ?)
	`, athleteID, podID, gearID); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO pod_mappings (athlete_id, pod_id, gear_id)
		VALUES (?, ?, ?)
	`, athleteID, podID, gearID); err != nil {
		return err
	}

	return tx.Commit()
}

// ClearPodMapping removes a pod's mapping ("no selection" state).
func (db *DB) ClearPodMapping(athleteID int64, podID string) error {
	_, err := db.Exec(`
		DELETE FROM pod_mappings WHERE athlete_id = ? AND pod_id = ?
	`, athleteID, podID)
	return err
}

// ListPodMappings returns a tenant's pod mappings.
func (db *DB) ListPodMappings(athleteID int64) ([]PodMapping, error) {
	rows, err := db.Query(`
		SELECT athlete_id, pod_id, gear_id
		FROM pod_mappings
		WHERE athlete_id = ?
		ORDER BY pod_id
	`, athleteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []PodMapping
	for rows.Next() {
		var m PodMapping
		if err := rows.Scan(&m.AthleteID, &m.PodID, &m.GearID); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
