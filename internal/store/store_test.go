package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testTenant(athleteID int64, clientID string) *Tenant {
	return &Tenant{
		AthleteID:    athleteID,
		ClientID:     clientID,
		ClientSecret: "secret",
		Scopes:       []string{"read", "activity:read_all", "activity:write"},
		DistanceUnit: "km",
	}
}

func TestTenantLifecycle(t *testing.T) {
	db := OpenTest(t)

	tenant := testTenant(42, "12345")
	if err := db.CreateTenant(tenant); err != nil {
		t.Fatalf("CreateTenant() = %v", err)
	}

	got, err := db.GetTenant(42)
	if err != nil {
		t.Fatalf("GetTenant() = %v", err)
	}
	if got.ClientID != "12345" || got.DistanceUnit != "km" {
		t.Errorf("GetTenant() = %+v, want stored values", got)
	}
	if len(got.Scopes) != 3 {
		t.Errorf("scopes = %v, want 3 entries", got.Scopes)
	}

	ids, err := db.ListClientIDs(context.Background())
	if err != nil {
		t.Fatalf("ListClientIDs() = %v", err)
	}
	if len(ids) != 1 || ids[0] != "12345" {
		t.Errorf("ListClientIDs() = %v, want [12345]", ids)
	}

	if err := db.DeleteTenant(42); err != nil {
		t.Fatalf("DeleteTenant() = %v", err)
	}
	if _, err := db.GetTenant(42); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("GetTenant() after delete = %v, want ErrTenantNotFound", err)
	}
}

func TestUpdateTenantCredentials(t *testing.T) {
	db := OpenTest(t)

	if err := db.CreateTenant(testTenant(42, "11111")); err != nil {
		t.Fatalf("CreateTenant() = %v", err)
	}
	if err := db.CreateTenant(testTenant(43, "22222")); err != nil {
		t.Fatalf("CreateTenant() = %v", err)
	}

	if err := db.UpdateTenantCredentials(42, "33333", "rotated"); err != nil {
		t.Fatalf("UpdateTenantCredentials() = %v", err)
	}
	got, err := db.GetTenant(42)
	if err != nil {
		t.Fatalf("GetTenant() = %v", err)
	}
	if got.ClientID != "33333" || got.ClientSecret != "rotated" {
		t.Errorf("credentials = %s/%s, want 33333/rotated", got.ClientID, got.ClientSecret)
	}

	// Rotating onto another tenant's client id trips the unique constraint.
	if err := db.UpdateTenantCredentials(42, "22222", "x"); !errors.Is(err, ErrTenantExists) {
		t.Errorf("UpdateTenantCredentials(conflicting) = %v, want ErrTenantExists", err)
	}

	if err := db.UpdateTenantCredentials(99, "44444", "x"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("UpdateTenantCredentials(unknown) = %v, want ErrTenantNotFound", err)
	}
}

func TestCreateTenantRejectsDuplicates(t *testing.T) {
	db := OpenTest(t)

	if err := db.CreateTenant(testTenant(42, "12345")); err != nil {
		t.Fatalf("CreateTenant() = %v", err)
	}

	// Same athlete again.
	if err := db.CreateTenant(testTenant(42, "99999")); !errors.Is(err, ErrTenantExists) {
		t.Errorf("duplicate athlete: got %v, want ErrTenantExists", err)
	}

	// Same client id on a different athlete.
	if err := db.CreateTenant(testTenant(43, "12345")); !errors.Is(err, ErrTenantExists) {
		t.Errorf("duplicate client id: got %v, want ErrTenantExists", err)
	}
}

func TestSetTenantSubscription(t *testing.T) {
	db := OpenTest(t)

	if err := db.CreateTenant(testTenant(42, "12345")); err != nil {
		t.Fatalf("CreateTenant() = %v", err)
	}

	url := "https://example.com/api/strava/webhook"
	if err := db.SetTenantSubscription(42, 777, url); err != nil {
		t.Fatalf("SetTenantSubscription() = %v", err)
	}

	got, err := db.GetTenant(42)
	if err != nil {
		t.Fatalf("GetTenant() = %v", err)
	}
	if got.SubscriptionID != 777 || got.CallbackURL != url {
		t.Errorf("subscription = %d %q, want 777 %q", got.SubscriptionID, got.CallbackURL, url)
	}

	if err := db.SetTenantSubscription(99, 1, url); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("unknown tenant: got %v, want ErrTenantNotFound", err)
	}
}

func TestSessionRoundTripAndTokenRotation(t *testing.T) {
	db := OpenTest(t)

	if err := db.CreateTenant(testTenant(42, "12345")); err != nil {
		t.Fatalf("CreateTenant() = %v", err)
	}

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	session := &Session{
		AthleteID:    42,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    expiry,
		Scopes:       []string{"read", "activity:write"},
	}
	if err := db.SaveSession(session); err != nil {
		t.Fatalf("SaveSession() = %v", err)
	}

	got, err := db.GetSession(42)
	if err != nil {
		t.Fatalf("GetSession() = %v", err)
	}
	if got.AccessToken != "access-1" || got.RefreshToken != "refresh-1" {
		t.Errorf("session = %+v, want stored tokens", got)
	}
	if !got.ExpiresAt.Equal(expiry) {
		t.Errorf("expiry = %v, want %v", got.ExpiresAt, expiry)
	}

	newExpiry := expiry.Add(time.Hour)
	if err := db.UpdateTokens(42, "access-2", "refresh-2", newExpiry); err != nil {
		t.Fatalf("UpdateTokens() = %v", err)
	}
	got, err = db.GetSession(42)
	if err != nil {
		t.Fatalf("GetSession() = %v", err)
	}
	if got.RefreshToken != "refresh-2" {
		t.Errorf("refresh token = %q, the rotated value must replace the old one", got.RefreshToken)
	}

	if _, err := db.GetSession(99); !errors.Is(err, ErrNoSession) {
		t.Errorf("GetSession(99) = %v, want ErrNoSession", err)
	}
}

func TestDeleteTenantCascades(t *testing.T) {
	db := OpenTest(t)

	if err := db.CreateTenant(testTenant(42, "12345")); err != nil {
		t.Fatalf("CreateTenant() = %v", err)
	}
	if err := db.SaveSession(&Session{AthleteID: 42, AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now()}); err != nil {
		t.Fatalf("SaveSession() = %v", err)
	}
	if err := db.UpsertActivity(&ActivitySnapshot{AthleteID: 42, ID: 1, Name: "Run", SportType: "Run", StartDate: time.Now()}); err != nil {
		t.Fatalf("UpsertActivity() = %v", err)
	}
	if err := db.ReplaceGear(42, []GearItem{{AthleteID: 42, ID: "g1", Name: "Pegasus"}}); err != nil {
		t.Fatalf("ReplaceGear() = %v", err)
	}
	if err := db.SetPodMapping(42, "pod-1", "g1"); err != nil {
		t.Fatalf("SetPodMapping() = %v", err)
	}

	if err := db.DeleteTenant(42); err != nil {
		t.Fatalf("DeleteTenant() = %v", err)
	}

	if _, err := db.GetSession(42); !errors.Is(err, ErrNoSession) {
		t.Errorf("session survived tenant deletion: %v", err)
	}
	activities, err := db.ListActivities(42, 10)
	if err != nil {
		t.Fatalf("ListActivities() = %v", err)
	}
	if len(activities) != 0 {
		t.Errorf("%d activities survived tenant deletion", len(activities))
	}
	gear, err := db.ListGear(42)
	if err != nil {
		t.Fatalf("ListGear() = %v", err)
	}
	if len(gear) != 0 {
		t.Errorf("%d gear items survived tenant deletion", len(gear))
	}
	mappings, err := db.ListPodMappings(42)
	if err != nil {
		t.Fatalf("ListPodMappings() = %v", err)
	}
	if len(mappings) != 0 {
		t.Errorf("%d pod mappings survived tenant deletion", len(mappings))
	}
}

func TestUpsertActivityReplacesWholesale(t *testing.T) {
	db := OpenTest(t)

	if err := db.CreateTenant(testTenant(42, "12345")); err != nil {
		t.Fatalf("CreateTenant() = %v", err)
	}

	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	first := &ActivitySnapshot{
		AthleteID: 42, ID: 100, Name: "Morning Run", SportType: "Run",
		StartDate: start, Distance: 5000, MovingTime: 1500, ElapsedTime: 1550,
		DeviceName: "Garmin", GearID: "g1",
	}
	if err := db.UpsertActivity(first); err != nil {
		t.Fatalf("UpsertActivity() = %v", err)
	}

	second := &ActivitySnapshot{
		AthleteID: 42, ID: 100, Name: "Renamed Run", SportType: "Run",
		StartDate: start, Distance: 5100, MovingTime: 1500, ElapsedTime: 1550,
	}
	if err := db.UpsertActivity(second); err != nil {
		t.Fatalf("UpsertActivity() update = %v", err)
	}

	got, err := db.GetActivity(42, 100)
	if err != nil {
		t.Fatalf("GetActivity() = %v", err)
	}
	if got.Name != "Renamed Run" || got.Distance != 5100 {
		t.Errorf("snapshot = %+v, want replaced values", got)
	}
	// Wholesale replacement clears fields absent from the refetch.
	if got.DeviceName != "" || got.GearID != "" {
		t.Errorf("stale fields survived replacement: device=%q gear=%q", got.DeviceName, got.GearID)
	}
}

func TestListActivitiesNewestFirst(t *testing.T) {
	db := OpenTest(t)

	if err := db.CreateTenant(testTenant(42, "12345")); err != nil {
		t.Fatalf("CreateTenant() = %v", err)
	}

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		a := &ActivitySnapshot{
			AthleteID: 42, ID: int64(100 + i), Name: "Run", SportType: "Run",
			StartDate: base.Add(time.Duration(i) * 24 * time.Hour),
		}
		if err := db.UpsertActivity(a); err != nil {
			t.Fatalf("UpsertActivity() = %v", err)
		}
	}

	activities, err := db.ListActivities(42, 2)
	if err != nil {
		t.Fatalf("ListActivities() = %v", err)
	}
	if len(activities) != 2 {
		t.Fatalf("len = %d, want 2", len(activities))
	}
	if activities[0].ID != 102 || activities[1].ID != 101 {
		t.Errorf("order = %d,%d, want 102,101", activities[0].ID, activities[1].ID)
	}
}

func TestReplaceGearKeepsOrder(t *testing.T) {
	db := OpenTest(t)

	if err := db.CreateTenant(testTenant(42, "12345")); err != nil {
		t.Fatalf("CreateTenant() = %v", err)
	}

	items := []GearItem{
		{AthleteID: 42, ID: "g2", Name: "Pegasus 40", Distance: 120000},
		{AthleteID: 42, ID: "g1", Name: "Vaporfly", Distance: 80000, Retired: true},
	}
	if err := db.ReplaceGear(42, items); err != nil {
		t.Fatalf("ReplaceGear() = %v", err)
	}

	got, err := db.ListGear(42)
	if err != nil {
		t.Fatalf("ListGear() = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "g2" || got[1].ID != "g1" {
		t.Errorf("order = %s,%s, want g2,g1", got[0].ID, got[1].ID)
	}
	if !got[1].Retired {
		t.Error("retired flag lost")
	}

	// A second replace drops items no longer present.
	if err := db.ReplaceGear(42, items[:1]); err != nil {
		t.Fatalf("ReplaceGear() second = %v", err)
	}
	got, _ = db.ListGear(42)
	if len(got) != 1 {
		t.Fatalf("len after shrink = %d, want 1", len(got))
	}
}

func TestPodMappingBijection(t *testing.T) {
	db := OpenTest(t)

	if err := db.CreateTenant(testTenant(42, "12345")); err != nil {
		t.Fatalf("CreateTenant() = %v", err)
	}
	if err := db.ReplaceGear(42, []GearItem{
		{AthleteID: 42, ID: "g1", Name: "Pegasus"},
		{AthleteID: 42, ID: "g2", Name: "Vaporfly"},
	}); err != nil {
		t.Fatalf("ReplaceGear() = %v", err)
	}

	if err := db.SetPodMapping(42, "pod-a", "g1"); err != nil {
		t.Fatalf("SetPodMapping() = %v", err)
	}

	// Re-pointing the pod moves it off g1.
	if err := db.SetPodMapping(42, "pod-a", "g2"); err != nil {
		t.Fatalf("SetPodMapping() repoint = %v", err)
	}
	mappings, _ := db.ListPodMappings(42)
	if len(mappings) != 1 || mappings[0].GearID != "g2" {
		t.Fatalf("mappings = %+v, want pod-a -> g2 only", mappings)
	}

	// A second pod claiming g2 silently unmaps pod-a.
	if err := db.SetPodMapping(42, "pod-b", "g2"); err != nil {
		t.Fatalf("SetPodMapping() steal = %v", err)
	}
	mappings, _ = db.ListPodMappings(42)
	if len(mappings) != 1 || mappings[0].PodID != "pod-b" {
		t.Fatalf("mappings = %+v, want pod-b -> g2 only", mappings)
	}

	if err := db.ClearPodMapping(42, "pod-b"); err != nil {
		t.Fatalf("ClearPodMapping() = %v", err)
	}
	mappings, _ = db.ListPodMappings(42)
	if len(mappings) != 0 {
		t.Fatalf("mappings = %+v, want empty after clear", mappings)
	}

	// Clearing an unmapped pod is a no-op.
	if err := db.ClearPodMapping(42, "pod-x"); err != nil {
		t.Fatalf("ClearPodMapping() unmapped = %v", err)
	}
}

func TestSummaryStatsRoundTrip(t *testing.T) {
	db := OpenTest(t)

	if err := db.CreateTenant(testTenant(42, "12345")); err != nil {
		t.Fatalf("CreateTenant() = %v", err)
	}

	got, err := db.GetSummaryStats(42)
	if err != nil {
		t.Fatalf("GetSummaryStats() empty = %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil payload before first save, got %q", got)
	}

	payload := []byte(`{"all_run_totals":{"count":12}}`)
	if err := db.SaveSummaryStats(42, payload); err != nil {
		t.Fatalf("SaveSummaryStats() = %v", err)
	}
	got, err = db.GetSummaryStats(42)
	if err != nil {
		t.Fatalf("GetSummaryStats() = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %s, want %s", got, payload)
	}

	// Saves are upserts.
	updated := []byte(`{"all_run_totals":{"count":13}}`)
	if err := db.SaveSummaryStats(42, updated); err != nil {
		t.Fatalf("SaveSummaryStats() update = %v", err)
	}
	got, _ = db.GetSummaryStats(42)
	if string(got) != string(updated) {
		t.Errorf("payload = %s, want %s", got, updated)
	}
}

func TestSyncState(t *testing.T) {
	db := OpenTest(t)

	v, err := db.GetSyncState("last_resync")
	if err != nil {
		t.Fatalf("GetSyncState() = %v", err)
	}
	if v != "" {
		t.Fatalf("missing key = %q, want empty", v)
	}

	if err := db.SetSyncState("last_resync", "2026-03-01T08:00:00Z"); err != nil {
		t.Fatalf("SetSyncState() = %v", err)
	}
	if err := db.SetSyncState("last_resync", "2026-03-02T08:00:00Z"); err != nil {
		t.Fatalf("SetSyncState() update = %v", err)
	}

	v, err = db.GetSyncState("last_resync")
	if err != nil {
		t.Fatalf("GetSyncState() = %v", err)
	}
	if v != "2026-03-02T08:00:00Z" {
		t.Errorf("value = %q, want updated value", v)
	}
}
