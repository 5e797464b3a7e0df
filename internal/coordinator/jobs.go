package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CraigBell/strava-connect/internal/store"
	"github.com/CraigBell/strava-connect/internal/strava"
)

type jobKind int

const (
	jobActivity jobKind = iota
	jobActivityDelete
	jobCatalog
	jobStats
	jobResync
	jobReconcile
)

const (
	// resyncPerPage and resyncMaxPages bound a full resync's listing cost.
	resyncPerPage  = 100
	resyncMaxPages = 2
)

type job struct {
	kind       jobKind
	activityID int64
}

// key identifies jobs for coalescing: refetches of the same activity fold
// together, as do catalog, stats and resync requests.
func (j job) key() string {
	switch j.kind {
	case jobActivity:
		return fmt.Sprintf("activity:%d", j.activityID)
	case jobActivityDelete:
		return fmt.Sprintf("delete:%d", j.activityID)
	case jobCatalog:
		return "catalog"
	case jobStats:
		return "stats"
	case jobResync:
		return "resync"
	case jobReconcile:
		return "webhook"
	default:
		return "unknown"
	}
}

func (c *Coordinator) run(t *tenant, j job) error {
	switch j.kind {
	case jobActivity:
		return c.syncActivity(t, j.activityID)
	case jobActivityDelete:
		return c.deleteActivity(t, j.activityID)
	case jobCatalog:
		return c.syncCatalog(t)
	case jobStats:
		return c.syncStats(t)
	case jobResync:
		return c.resync(t)
	case jobReconcile:
		return c.reconcileWebhook(t)
	default:
		return fmt.Errorf("unknown job kind %d", j.kind)
	}
}

// reconcileWebhook retries establishing the push subscription for a tenant
// whose earlier reconcile failed.
func (c *Coordinator) reconcileWebhook(t *tenant) error {
	if err := c.webhooks.Reconcile(t.ctx, t.client, t.record); err != nil {
		return fmt.Errorf("webhook subscription: %w", err)
	}
	t.webhookRestored()
	c.logger.Info("webhook subscription restored", "athlete_id", t.athleteID)
	return nil
}

// syncActivity refetches one activity and replaces its snapshot. A deleted
// upstream activity clears the local snapshot. Gear changes and new
// activities schedule catalog and stats refreshes so mileage stays current.
func (c *Coordinator) syncActivity(t *tenant, activityID int64) error {
	activity, err := t.client.GetActivity(t.ctx, activityID)
	if errors.Is(err, strava.ErrNotFound) {
		// Raced a deletion; the delete event will follow or already has.
		return c.deleteActivity(t, activityID)
	}
	if err != nil {
		return err
	}

	prev, err := c.db.GetActivity(t.athleteID, activityID)
	if err != nil && !errors.Is(err, store.ErrActivityNotFound) {
		return err
	}

	snap := snapshotFrom(t.athleteID, activity)
	if err := c.db.UpsertActivity(snap); err != nil {
		return fmt.Errorf("storing activity %d: %w", activityID, err)
	}
	c.logger.Debug("activity synced",
		"athlete_id", t.athleteID, "activity_id", activityID, "gear_id", snap.GearID)

	isNew := prev == nil
	gearChanged := !isNew && prev.GearID != snap.GearID
	if isNew || gearChanged {
		c.enqueue(t, job{kind: jobCatalog})
	}
	c.enqueue(t, job{kind: jobStats})
	return nil
}

// deleteActivity removes the local snapshot. The gear catalog is left
// untouched; the next catalog-bearing event reconciles mileage.
func (c *Coordinator) deleteActivity(t *tenant, activityID int64) error {
	err := c.db.DeleteActivity(t.athleteID, activityID)
	if errors.Is(err, store.ErrActivityNotFound) {
		return nil
	}
	return err
}

func (c *Coordinator) syncCatalog(t *tenant) error {
	_, err := c.resolver.ResolveCatalog(t.ctx, t.athleteID, t.client)
	return err
}

func (c *Coordinator) syncStats(t *tenant) error {
	stats, err := t.client.GetAthleteStats(t.ctx, t.athleteID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding summary stats: %w", err)
	}
	return c.db.SaveSummaryStats(t.athleteID, payload)
}

// resync refreshes recent activities, the gear catalog and summary stats in
// one pass. Listing stops early once a short page arrives.
func (c *Coordinator) resync(t *tenant) error {
	for page := 1; page <= resyncMaxPages; page++ {
		activities, err := t.client.GetActivities(t.ctx, page, resyncPerPage)
		if err != nil {
			return err
		}
		for i := range activities {
			snap := snapshotFrom(t.athleteID, &activities[i])
			if err := c.db.UpsertActivity(snap); err != nil {
				return fmt.Errorf("storing activity %d: %w", snap.ID, err)
			}
		}
		if len(activities) < resyncPerPage {
			break
		}
	}

	if err := c.syncCatalog(t); err != nil {
		return err
	}
	if err := c.syncStats(t); err != nil {
		return err
	}

	if err := c.db.SetSyncState(lastResyncKey(t.athleteID), time.Now().UTC().Format(time.RFC3339)); err != nil {
		c.logger.Warn("failed to record resync time",
			"athlete_id", t.athleteID, "error", err)
	}
	c.logger.Info("resync complete", "athlete_id", t.athleteID)
	return nil
}

// lastResyncKey is the sync-state key recording a tenant's most recent
// completed full refresh.
func lastResyncKey(athleteID int64) string {
	return fmt.Sprintf("last_resync:%d", athleteID)
}

// snapshotFrom normalizes an upstream activity. Device attribution falls
// back through the gear name, then "Manual Entry" for hand-entered
// activities and "Trainer" for trainer rides with no recording device.
func snapshotFrom(athleteID int64, a *strava.Activity) *store.ActivitySnapshot {
	device := a.DeviceName
	if device == "" {
		switch {
		case a.Gear != nil && a.Gear.Name != "":
			device = a.Gear.Name
		case a.Manual:
			device = "Manual Entry"
		case a.Trainer:
			device = "Trainer"
		}
	}

	gearID := a.GearID
	if gearID == "" && a.Gear != nil {
		gearID = a.Gear.ID
	}

	sport := a.SportType
	if sport == "" {
		sport = a.Type
	}

	return &store.ActivitySnapshot{
		AthleteID:          athleteID,
		ID:                 a.ID,
		Name:               a.Name,
		SportType:          sport,
		StartDate:          a.StartDate,
		Distance:           a.Distance,
		MovingTime:         a.MovingTime,
		ElapsedTime:        a.ElapsedTime,
		TotalElevationGain: a.TotalElevationGain,
		AverageHeartrate:   a.AverageHeartrate,
		MaxHeartrate:       a.MaxHeartrate,
		AverageWatts:       a.AverageWatts,
		DeviceName:         device,
		GearID:             gearID,
	}
}
