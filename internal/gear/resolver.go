// Package gear derives the normalized gear catalog and pod→shoe mappings
// for a tenant.
package gear

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/CraigBell/strava-connect/internal/events"
	"github.com/CraigBell/strava-connect/internal/store"
	"github.com/CraigBell/strava-connect/internal/strava"
)

// GearBaseURL is the public page prefix for gear items.
const GearBaseURL = "https://www.strava.com/gear"

// ErrGearNotFound is returned when a gear reference has no exact match in
// the tenant's catalog. Name matching is case-sensitive.
var ErrGearNotFound = errors.New("gear not found in catalog")

// API is the slice of the Strava client the resolver needs.
type API interface {
	GetAthlete(ctx context.Context) (*strava.Athlete, error)
	UpdateActivityGear(ctx context.Context, activityID int64, gearID string) (*strava.Activity, error)
}

// Item is one catalog entry. Pod is derived from the tenant's mappings and
// never stored on the gear record itself.
type Item struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Distance float64 `json:"distance_m"`
	Retired  bool    `json:"retired"`
	URL      string  `json:"strava_url"`
	PodID    string  `json:"pod_id,omitempty"`
}

// Catalog is the derived view of a tenant's gear, in upstream order.
type Catalog struct {
	Items []Item `json:"items"`
}

// FindByID returns the item with the given gear id, or nil.
func (c *Catalog) FindByID(id string) *Item {
	for i := range c.Items {
		if c.Items[i].ID == id {
			return &c.Items[i]
		}
	}
	return nil
}

// FindByName returns the item whose display name matches exactly, or nil.
func (c *Catalog) FindByName(name string) *Item {
	for i := range c.Items {
		if c.Items[i].Name == name {
			return &c.Items[i]
		}
	}
	return nil
}

// Resolver builds catalogs and applies gear mutations for tenants.
type Resolver struct {
	db     *store.DB
	bus    *events.Bus
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(db *store.DB, bus *events.Bus, logger *slog.Logger) *Resolver {
	return &Resolver{db: db, bus: bus, logger: logger}
}

// ResolveCatalog fetches the athlete's gear, persists the normalized
// catalog and returns it with pod mappings overlaid.
func (r *Resolver) ResolveCatalog(ctx context.Context, athleteID int64, api API) (*Catalog, error) {
	athlete, err := api.GetAthlete(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching athlete gear: %w", err)
	}

	items := make([]store.GearItem, 0, len(athlete.Shoes)+len(athlete.Bikes))
	for _, g := range athlete.Shoes {
		items = append(items, normalize(athleteID, g))
	}
	for _, g := range athlete.Bikes {
		items = append(items, normalize(athleteID, g))
	}

	if err := r.db.ReplaceGear(athleteID, items); err != nil {
		return nil, fmt.Errorf("persisting gear catalog: %w", err)
	}

	r.logger.Debug("gear catalog resolved", "athlete_id", athleteID, "items", len(items))
	return r.Catalog(athleteID)
}

// Catalog returns the stored catalog with pod mappings overlaid.
func (r *Resolver) Catalog(athleteID int64) (*Catalog, error) {
	stored, err := r.db.ListGear(athleteID)
	if err != nil {
		return nil, err
	}
	mappings, err := r.db.ListPodMappings(athleteID)
	if err != nil {
		return nil, err
	}

	podByGear := make(map[string]string, len(mappings))
	for _, m := range mappings {
		podByGear[m.GearID] = m.PodID
	}

	catalog := &Catalog{Items: make([]Item, 0, len(stored))}
	for _, g := range stored {
		catalog.Items = append(catalog.Items, Item{
			ID:       g.ID,
			Name:     g.Name,
			Distance: g.Distance,
			Retired:  g.Retired,
			URL:      g.URL,
			PodID:    podByGear[g.ID],
		})
	}
	return catalog, nil
}

// SetPodMapping maps a pod to a shoe identified by gear id or exact display
// name. An empty gearRef clears the pod's mapping ("no selection").
// Mappings are bijective per tenant: claiming a pod or a shoe silently
// supersedes the prior mapping for that side.
func (r *Resolver) SetPodMapping(ctx context.Context, athleteID int64, podID, gearRef string) error {
	if gearRef == "" {
		return r.db.ClearPodMapping(athleteID, podID)
	}

	gearID, err := r.resolveRef(athleteID, gearRef)
	if err != nil {
		return err
	}
	return r.db.SetPodMapping(athleteID, podID, gearID)
}

// SetActivityGear assigns gear to an activity by id or exact catalog name,
// writes it upstream and emits the activity_gear_set domain event. The
// resolved gear id is returned so the caller can refetch the snapshot.
func (r *Resolver) SetActivityGear(ctx context.Context, athleteID int64, api API, activityID int64, gearRef string) (string, error) {
	gearID, err := r.resolveRef(athleteID, gearRef)
	if err != nil {
		return "", err
	}

	if _, err := api.UpdateActivityGear(ctx, activityID, gearID); err != nil {
		return "", err
	}

	r.bus.Publish(events.ActivityGearSet, map[string]string{
		"athlete_id":  strconv.FormatInt(athleteID, 10),
		"activity_id": strconv.FormatInt(activityID, 10),
		"gear_id":     gearID,
	})
	r.logger.Info("activity gear set",
		"athlete_id", athleteID, "activity_id", activityID, "gear_id", gearID)
	return gearID, nil
}

// resolveRef maps a gear id or exact display name to a catalog gear id.
func (r *Resolver) resolveRef(athleteID int64, ref string) (string, error) {
	catalog, err := r.Catalog(athleteID)
	if err != nil {
		return "", err
	}

	if item := catalog.FindByID(ref); item != nil {
		return item.ID, nil
	}
	if item := catalog.FindByName(ref); item != nil {
		return item.ID, nil
	}
	return "", ErrGearNotFound
}

func normalize(athleteID int64, g strava.Gear) store.GearItem {
	return store.GearItem{
		AthleteID: athleteID,
		ID:        g.ID,
		Name:      g.Name,
		Distance:  g.Distance,
		Retired:   g.Retired,
		URL:       fmt.Sprintf("%s/%s", GearBaseURL, g.ID),
	}
}
