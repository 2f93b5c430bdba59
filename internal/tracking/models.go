package tracking

import "time"

const (
	StatusActive    = "active"
	StatusCompleted = "completed"

	SessionMorning = "morning"
	SessionEvening = "evening"

	EventArrived  = "arrived"
	EventDeparted = "departed"
)

// Session is one driver's run of one route. At most one session per route is
// active at any time.
type Session struct {
	ID             string    `json:"id"`
	RouteID        string    `json:"route_id"`
	DriverID       string    `json:"driver_id"`
	SessionType    string    `json:"session_type"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	CurrentLat     float64   `json:"current_latitude"`
	CurrentLng     float64   `json:"current_longitude"`
	CurrentSpeed   float64   `json:"current_speed"`
	CurrentHeading float64   `json:"current_heading"`
	CurrentStopID  string    `json:"current_stop_id"`
	LastUpdated    time.Time `json:"last_updated"`
}

// LocationFix is one GPS reading from a driver. Append-only history.
type LocationFix struct {
	SessionID  string    `json:"session_id"`
	RouteID    string    `json:"route_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	Heading    float64   `json:"heading"`
	Accuracy   float64   `json:"accuracy"`
	Altitude   float64   `json:"altitude"`
	RecordedAt time.Time `json:"recorded_at"`
}

// StopEvent records a driver-confirmed arrival or departure at a stop. The
// coordinates are the session snapshot at confirmation time, not a fresh
// GPS read.
type StopEvent struct {
	SessionID       string    `json:"session_id"`
	StopID          string    `json:"stop_id"`
	EventType       string    `json:"event_type"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	StudentsBoarded int       `json:"students_boarded"`
	Notes           string    `json:"notes"`
	OccurredAt      time.Time `json:"occurred_at"`
}
