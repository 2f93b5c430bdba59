package tracking

import (
	"context"
	"errors"
	"time"

	"backend-buswatch/internal/db"
	"backend-buswatch/internal/geofence"
	"backend-buswatch/internal/metrics"
	"backend-buswatch/internal/notify"
	"backend-buswatch/internal/stream"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const defaultPersistTimeout = 3 * time.Second

type Service struct {
	db      db.Querier
	hub     *stream.Hub
	prox    *geofence.Evaluator
	notify  *notify.Dispatcher
	metrics *metrics.Collector
	log     zerolog.Logger

	persistTimeout time.Duration
}

func NewService(q db.Querier, hub *stream.Hub, prox *geofence.Evaluator, n *notify.Dispatcher, m *metrics.Collector, log zerolog.Logger, persistTimeout time.Duration) *Service {
	if persistTimeout <= 0 {
		persistTimeout = defaultPersistTimeout
	}
	return &Service{
		db:             q,
		hub:            hub,
		prox:           prox,
		notify:         n,
		metrics:        m,
		log:            log,
		persistTimeout: persistTimeout,
	}
}

// StartTrip creates an active session for the route, rejecting with
// ErrActiveSessionExists when one is already running. The parent
// notification is fire-and-forget: its failure never rolls back the session.
func (s *Service) StartTrip(ctx context.Context, routeID, driverID, sessionType string) (Session, error) {
	if routeID == "" || driverID == "" {
		return Session{}, validationf("route_id and driver_id required")
	}
	if sessionType != SessionMorning && sessionType != SessionEvening {
		return Session{}, validationf("session_type must be %q or %q", SessionMorning, SessionEvening)
	}

	var existing string
	err := s.db.QueryRow(ctx, `
		SELECT id FROM bus_sessions WHERE route_id=$1 AND status='active' LIMIT 1
	`, routeID).Scan(&existing)
	if err == nil {
		return Session{}, ErrActiveSessionExists
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Session{}, err
	}

	sess := Session{
		ID:          uuid.NewString(),
		RouteID:     routeID,
		DriverID:    driverID,
		SessionType: sessionType,
		Status:      StatusActive,
		StartedAt:   time.Now(),
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO bus_sessions (id, route_id, driver_id, session_type, status, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING started_at
	`, sess.ID, sess.RouteID, sess.DriverID, sess.SessionType, sess.Status, sess.StartedAt)
	if err := row.Scan(&sess.StartedAt); err != nil {
		return Session{}, err
	}

	if s.metrics != nil {
		s.metrics.TripsStarted.Inc()
		s.metrics.ActiveSessions.Inc()
	}
	if s.hub != nil {
		s.hub.Broadcast(stream.RouteRoom(routeID), "bus:trip:started", map[string]any{
			"route_id":     sess.RouteID,
			"session_id":   sess.ID,
			"session_type": sess.SessionType,
			"started_at":   sess.StartedAt,
		})
	}
	s.notify.TripStarted(sess.RouteID, sess.ID, sess.SessionType, sess.StartedAt)

	return sess, nil
}

// EndTrip completes a session. Ending an already-completed session is a
// no-op success, not an error.
func (s *Service) EndTrip(ctx context.Context, sessionID string) (Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.Status == StatusCompleted {
		return sess, nil
	}

	now := time.Now()
	if _, err := s.db.Exec(ctx, `
		UPDATE bus_sessions SET status='completed', ended_at=$2 WHERE id=$1
	`, sessionID, now); err != nil {
		return Session{}, err
	}
	sess.Status = StatusCompleted
	sess.EndedAt = now

	if s.metrics != nil {
		s.metrics.TripsEnded.Inc()
		s.metrics.ActiveSessions.Dec()
	}
	if s.prox != nil {
		s.prox.ClearSession(sessionID)
	}
	if s.hub != nil {
		s.hub.Broadcast(stream.RouteRoom(sess.RouteID), "bus:trip:ended", map[string]any{
			"route_id":   sess.RouteID,
			"session_id": sess.ID,
			"ended_at":   sess.EndedAt,
		})
	}
	s.notify.TripEnded(sess.RouteID, sess.ID, now)

	return sess, nil
}

// ResumeTrip re-associates a reconnected driver with a still-active session.
// The caller is responsible for re-joining the driver room.
func (s *Service) ResumeTrip(ctx context.Context, sessionID string) (Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.Status != StatusActive {
		return Session{}, ErrSessionNotActive
	}
	return sess, nil
}

// IngestLocation validates a fix and then runs the pipeline: history append,
// snapshot update, broadcast, proximity evaluation. The persistence steps
// are best-effort under a bounded timeout; a slow or down database never
// stops the broadcast. Returns the server timestamp for the driver ack.
func (s *Service) IngestLocation(ctx context.Context, fix LocationFix) (time.Time, error) {
	if err := fix.Validate(); err != nil {
		if s.metrics != nil {
			s.metrics.FixesRejected.Inc()
		}
		return time.Time{}, err
	}
	if fix.RecordedAt.IsZero() {
		fix.RecordedAt = time.Now()
	}

	pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	if _, err := s.db.Exec(pctx, `
		INSERT INTO location_fixes (session_id, route_id, latitude, longitude, speed, heading, accuracy, altitude, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, fix.SessionID, fix.RouteID, fix.Latitude, fix.Longitude, fix.Speed, fix.Heading, fix.Accuracy, fix.Altitude, fix.RecordedAt); err != nil {
		s.persistFailed(err, fix.SessionID, "history append failed")
	}

	// last-write-wins: out-of-order fixes simply overwrite
	if _, err := s.db.Exec(pctx, `
		UPDATE bus_sessions
		SET current_latitude=$2, current_longitude=$3, current_speed=$4, current_heading=$5, last_updated=$6
		WHERE id=$1
	`, fix.SessionID, fix.Latitude, fix.Longitude, fix.Speed, fix.Heading, fix.RecordedAt); err != nil {
		s.persistFailed(err, fix.SessionID, "snapshot update failed")
	}
	cancel()

	if s.hub != nil {
		s.hub.Broadcast(stream.RouteRoom(fix.RouteID), "bus:location:update", map[string]any{
			"route_id":  fix.RouteID,
			"latitude":  fix.Latitude,
			"longitude": fix.Longitude,
			"speed":     fix.Speed,
			"heading":   fix.Heading,
			"timestamp": fix.RecordedAt,
		})
	}
	if s.prox != nil {
		s.prox.Evaluate(ctx, fix.RouteID, fix.SessionID, fix.Latitude, fix.Longitude)
	}
	if s.metrics != nil {
		s.metrics.FixesIngested.Inc()
	}

	return time.Now(), nil
}

// RecordStopEvent appends an arrival/departure confirmed by the driver,
// located at the session's current snapshot position.
func (s *Service) RecordStopEvent(ctx context.Context, sessionID, stopID, eventType string, studentsBoarded int, notes string) (StopEvent, error) {
	if stopID == "" {
		return StopEvent{}, validationf("stop_id required")
	}
	if eventType != EventArrived && eventType != EventDeparted {
		return StopEvent{}, validationf("event_type must be %q or %q", EventArrived, EventDeparted)
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return StopEvent{}, err
	}
	if sess.Status != StatusActive {
		return StopEvent{}, ErrSessionNotActive
	}

	ev := StopEvent{
		SessionID:       sessionID,
		StopID:          stopID,
		EventType:       eventType,
		Latitude:        sess.CurrentLat,
		Longitude:       sess.CurrentLng,
		StudentsBoarded: studentsBoarded,
		Notes:           notes,
		OccurredAt:      time.Now(),
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO stop_events (session_id, stop_id, event_type, latitude, longitude, students_boarded, notes, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ev.SessionID, ev.StopID, ev.EventType, ev.Latitude, ev.Longitude, ev.StudentsBoarded, ev.Notes, ev.OccurredAt); err != nil {
		return StopEvent{}, err
	}

	if eventType == EventArrived {
		if _, err := s.db.Exec(ctx, `
			UPDATE bus_sessions SET current_stop_id=$2 WHERE id=$1
		`, sessionID, stopID); err != nil {
			s.persistFailed(err, sessionID, "current stop update failed")
		}
	}

	if s.metrics != nil {
		s.metrics.StopEvents.Inc()
	}
	payload := map[string]any{
		"route_id":   sess.RouteID,
		"stop_id":    ev.StopID,
		"event_type": ev.EventType,
		"timestamp":  ev.OccurredAt,
	}
	if s.hub != nil {
		s.hub.Broadcast(stream.RouteRoom(sess.RouteID), "bus:stop:event", payload)
		s.hub.Broadcast(stream.StopRoom(stopID), "bus:stop:event", payload)
	}
	s.notify.StopEvent(sess.RouteID, stopID, eventType, ev.OccurredAt)

	return ev, nil
}

// GetSession loads a session by id.
func (s *Service) GetSession(ctx context.Context, sessionID string) (Session, error) {
	sess, err := s.scanSession(s.db.QueryRow(ctx, sessionColumns+` WHERE id=$1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return sess, err
}

// ActiveSession returns the route's active session if one exists.
func (s *Service) ActiveSession(ctx context.Context, routeID string) (Session, bool, error) {
	sess, err := s.scanSession(s.db.QueryRow(ctx, sessionColumns+` WHERE route_id=$1 AND status='active' LIMIT 1`, routeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// FixHistory lists a session's fixes oldest first.
func (s *Service) FixHistory(ctx context.Context, sessionID string) ([]LocationFix, error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_id, route_id, latitude, longitude, speed, heading, accuracy, altitude, recorded_at
		FROM location_fixes WHERE session_id=$1
		ORDER BY recorded_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fixes []LocationFix
	for rows.Next() {
		var f LocationFix
		if err := rows.Scan(&f.SessionID, &f.RouteID, &f.Latitude, &f.Longitude, &f.Speed, &f.Heading, &f.Accuracy, &f.Altitude, &f.RecordedAt); err != nil {
			return nil, err
		}
		fixes = append(fixes, f)
	}
	return fixes, rows.Err()
}

// StopEvents lists a session's stop events oldest first.
func (s *Service) StopEvents(ctx context.Context, sessionID string) ([]StopEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_id, stop_id, event_type, latitude, longitude, students_boarded, COALESCE(notes,''), occurred_at
		FROM stop_events WHERE session_id=$1
		ORDER BY occurred_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StopEvent
	for rows.Next() {
		var ev StopEvent
		if err := rows.Scan(&ev.SessionID, &ev.StopID, &ev.EventType, &ev.Latitude, &ev.Longitude, &ev.StudentsBoarded, &ev.Notes, &ev.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

const sessionColumns = `
	SELECT id, route_id, driver_id, session_type, status, started_at,
	       COALESCE(ended_at, 'epoch'::timestamptz),
	       COALESCE(current_latitude, 0), COALESCE(current_longitude, 0),
	       COALESCE(current_speed, 0), COALESCE(current_heading, 0),
	       COALESCE(current_stop_id, ''),
	       COALESCE(last_updated, 'epoch'::timestamptz)
	FROM bus_sessions`

func (s *Service) scanSession(row pgx.Row) (Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.RouteID, &sess.DriverID, &sess.SessionType, &sess.Status,
		&sess.StartedAt, &sess.EndedAt,
		&sess.CurrentLat, &sess.CurrentLng, &sess.CurrentSpeed, &sess.CurrentHeading,
		&sess.CurrentStopID, &sess.LastUpdated)
	return sess, err
}

func (s *Service) persistFailed(err error, sessionID, msg string) {
	if s.metrics != nil {
		s.metrics.PersistErrors.Inc()
	}
	s.log.Warn().Err(err).Str("session_id", sessionID).Msg(msg)
}
