package store

import "time"

// Tenant is one configured user of the integration, keyed by the athlete's
// stable Strava identifier. The app credential pair changes only through
// re-authorization, which keeps the same tenant identity.
type Tenant struct {
	AthleteID      int64
	ClientID       string
	ClientSecret   string
	Scopes         []string
	DistanceUnit   string
	ImportPhotos   bool
	CallbackURL    string
	SubscriptionID int64 // 0 when no webhook subscription is recorded
}

// Session is a tenant's persisted OAuth2 token state.
type Session struct {
	AthleteID    int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// ActivitySnapshot is the normalized representation of one upstream
// activity. Snapshots are replaced wholesale on refetch, never patched.
type ActivitySnapshot struct {
	AthleteID          int64
	ID                 int64
	Name               string
	SportType          string
	StartDate          time.Time
	Distance           float64
	MovingTime         int
	ElapsedTime        int
	TotalElevationGain float64
	AverageHeartrate   float64
	MaxHeartrate       float64
	AverageWatts       float64
	DeviceName         string
	GearID             string
}

// GearItem is one normalized catalog entry. Position preserves the order
// gear arrived from upstream.
type GearItem struct {
	AthleteID int64
	ID        string
	Name      string
	Distance  float64
	Retired   bool
	URL       string
	Position  int
}

// PodMapping associates a Bluetooth pod with a shoe's gear id. Within a
// tenant a pod maps to at most one shoe and a shoe is targeted by at most
// one pod.
type PodMapping struct {
	AthleteID int64
	PodID     string
	GearID    string
}
