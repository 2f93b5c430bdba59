package roster

import (
	"context"

	"backend-buswatch/internal/db"
)

type Store struct {
	db db.Querier
}

func NewStore(db db.Querier) *Store {
	return &Store{db: db}
}

func (s *Store) StopsByRoute(ctx context.Context, routeID string) ([]Stop, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, route_id, name, latitude, longitude, COALESCE(geofence_radius_m, 0)
		FROM stops WHERE route_id=$1
		ORDER BY id
	`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stops []Stop
	for rows.Next() {
		var st Stop
		if err := rows.Scan(&st.ID, &st.RouteID, &st.Name, &st.Latitude, &st.Longitude, &st.GeofenceRadiusM); err != nil {
			return nil, err
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// SubscribersByStop lists parent ids assigned to a stop, used by the push
// dispatch side when a stop-scoped notification goes out.
func (s *Store) SubscribersByStop(ctx context.Context, stopID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT parent_id FROM stop_subscriptions WHERE stop_id=$1
	`, stopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		parents = append(parents, id)
	}
	return parents, rows.Err()
}
