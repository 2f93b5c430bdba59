package roster

// Stop is static reference data: a point on a route with a circular
// geofence. Mutated by the admin side of the system, read-only here.
type Stop struct {
	ID              string  `json:"id"`
	RouteID         string  `json:"route_id"`
	Name            string  `json:"name"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	GeofenceRadiusM float64 `json:"geofence_radius_m"`
}

// DefaultGeofenceRadiusM applies when a stop row carries no radius.
const DefaultGeofenceRadiusM = 200.0

func (s Stop) Radius() float64 {
	if s.GeofenceRadiusM > 0 {
		return s.GeofenceRadiusM
	}
	return DefaultGeofenceRadiusM
}
