package strava

import "time"

// Athlete represents the authenticated athlete profile, including gear.
type Athlete struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Profile   string `json:"profile"`
	Shoes     []Gear `json:"shoes"`
	Bikes     []Gear `json:"bikes"`
}

// Gear represents a shoe or bike attached to the athlete profile.
type Gear struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	BrandName string  `json:"brand_name"`
	ModelName string  `json:"model_name"`
	Distance  float64 `json:"distance"` // meters
	Primary   bool    `json:"primary"`
	Retired   bool    `json:"retired"`
}

// ActivityGear is the embedded gear object on a detailed activity.
type ActivityGear struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Activity represents a Strava activity from the API.
// Detailed responses additionally carry gear and device information.
type Activity struct {
	ID                 int64         `json:"id"`
	Athlete            AthleteRef    `json:"athlete"`
	Name               string        `json:"name"`
	Type               string        `json:"type"`
	SportType          string        `json:"sport_type"`
	StartDate          time.Time     `json:"start_date"`
	StartDateLocal     time.Time     `json:"start_date_local"`
	Timezone           string        `json:"timezone"`
	Distance           float64       `json:"distance"`             // meters
	MovingTime         int           `json:"moving_time"`          // seconds
	ElapsedTime        int           `json:"elapsed_time"`         // seconds
	TotalElevationGain float64       `json:"total_elevation_gain"` // meters
	AverageSpeed       float64       `json:"average_speed"`        // m/s
	MaxSpeed           float64       `json:"max_speed"`            // m/s
	AverageHeartrate   float64       `json:"average_heartrate"`    // bpm
	MaxHeartrate       float64       `json:"max_heartrate"`        // bpm
	AverageWatts       float64       `json:"average_watts"`
	AverageCadence     float64       `json:"average_cadence"`
	HasHeartrate       bool          `json:"has_heartrate"`
	Commute            bool          `json:"commute"`
	Private            bool          `json:"private"`
	Manual             bool          `json:"manual"`
	Trainer            bool          `json:"trainer"`
	DeviceName         string        `json:"device_name"`
	GearID             string        `json:"gear_id"`
	Gear               *ActivityGear `json:"gear"`
}

// AthleteRef is the minimal athlete object embedded in activity responses.
type AthleteRef struct {
	ID int64 `json:"id"`
}

// ActivityTotals is one aggregation bucket from the athlete stats endpoint.
type ActivityTotals struct {
	Count         int     `json:"count"`
	Distance      float64 `json:"distance"`
	MovingTime    int     `json:"moving_time"`
	ElapsedTime   int     `json:"elapsed_time"`
	ElevationGain float64 `json:"elevation_gain"`
}

// SummaryStats is the athlete stats payload (recent/ytd/all per sport).
type SummaryStats struct {
	BiggestRideDistance       float64        `json:"biggest_ride_distance"`
	BiggestClimbElevationGain float64        `json:"biggest_climb_elevation_gain"`
	RecentRideTotals          ActivityTotals `json:"recent_ride_totals"`
	RecentRunTotals           ActivityTotals `json:"recent_run_totals"`
	RecentSwimTotals          ActivityTotals `json:"recent_swim_totals"`
	YTDRideTotals             ActivityTotals `json:"ytd_ride_totals"`
	YTDRunTotals              ActivityTotals `json:"ytd_run_totals"`
	YTDSwimTotals             ActivityTotals `json:"ytd_swim_totals"`
	AllRideTotals             ActivityTotals `json:"all_ride_totals"`
	AllRunTotals              ActivityTotals `json:"all_run_totals"`
	AllSwimTotals             ActivityTotals `json:"all_swim_totals"`
}

// Subscription is one push subscription registered for an app.
type Subscription struct {
	ID          int64  `json:"id"`
	CallbackURL string `json:"callback_url"`
	CreatedAt   string `json:"created_at"`
}

// Webhook aspect types delivered by Strava.
const (
	AspectCreate = "create"
	AspectUpdate = "update"
	AspectDelete = "delete"
)

// Webhook object types delivered by Strava.
const (
	ObjectActivity = "activity"
	ObjectAthlete  = "athlete"
)

// WebhookEvent is the push notification body posted to the callback URL.
type WebhookEvent struct {
	SubscriptionID int64             `json:"subscription_id"`
	OwnerID        int64             `json:"owner_id"`
	ObjectID       int64             `json:"object_id"`
	ObjectType     string            `json:"object_type"`
	AspectType     string            `json:"aspect_type"`
	EventTime      int64             `json:"event_time"`
	Updates        map[string]string `json:"updates"`
}

// Deauthorized reports whether the event signals that the athlete revoked
// access for the app.
func (e WebhookEvent) Deauthorized() bool {
	return e.ObjectType == ObjectAthlete && e.Updates["authorized"] == "false"
}
