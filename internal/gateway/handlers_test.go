package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"backend-buswatch/internal/geofence"
	"backend-buswatch/internal/roster"
	"backend-buswatch/internal/stream"
	"backend-buswatch/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
)

var sessionCols = []string{
	"id", "route_id", "driver_id", "session_type", "status", "started_at",
	"ended_at", "current_latitude", "current_longitude", "current_speed",
	"current_heading", "current_stop_id", "last_updated",
}

type wsEnvelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func setup(t *testing.T, mock pgxmock.PgxPoolIface, prox *geofence.Evaluator, hub *stream.Hub) string {
	t.Helper()
	svc := tracking.NewService(mock, hub, prox, nil, nil, zerolog.Nop(), 0)

	app := fiber.New()
	RegisterRoutes(app.Group("/stream"), hub, svc, nil, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return "ws://" + ln.Addr().String() + "/stream/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	msg, _ := json.Marshal(map[string]any{"event": event, "data": data})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected message: %s", raw)
	}
}

func TestUpgradeRequired(t *testing.T) {
	hub := stream.NewHub(nil, zerolog.Nop())
	svc := tracking.NewService(newMock(t), hub, nil, nil, nil, zerolog.Nop(), 0)

	app := fiber.New()
	RegisterRoutes(app.Group("/stream"), hub, svc, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/stream/ws", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("expected non-200 for non-websocket request")
	}
}

func TestFullTripScenario(t *testing.T) {
	mock := newMock(t)
	hub := stream.NewHub(nil, zerolog.Nop())
	url := setup(t, mock, nil, hub)

	driver := dial(t, url+"?actor=driver&userId=driver-1")
	parent := dial(t, url+"?actor=parent&userId=parent-1")

	// parent subscribes before the trip: ack, no snapshot
	mock.ExpectQuery(`SELECT id, route_id, driver_id`).
		WithArgs("r1").
		WillReturnError(pgx.ErrNoRows)

	send(t, parent, "parent:subscribe:bus", fiber.Map{"routeId": "r1", "userId": "parent-1"})
	if env := recv(t, parent); env.Event != "subscribe:ack" {
		t.Fatalf("expected subscribe ack, got %s", env.Event)
	}
	expectSilence(t, parent)

	// parent also watches stop s1
	send(t, parent, "parent:subscribe:stop", fiber.Map{"stopId": "s1"})
	if env := recv(t, parent); env.Event != "subscribe:ack" {
		t.Fatalf("expected stop subscribe ack, got %s", env.Event)
	}

	// driver starts the trip
	mock.ExpectQuery(`SELECT id FROM bus_sessions WHERE route_id=\$1 AND status='active'`).
		WithArgs("r1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO bus_sessions`).
		WithArgs(pgxmock.AnyArg(), "r1", "driver-1", "morning", "active", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}).AddRow(time.Now()))

	send(t, driver, "driver:trip:start", fiber.Map{"routeId": "r1", "sessionType": "morning"})
	ack := recv(t, driver)
	if ack.Event != "trip:start:ack" {
		t.Fatalf("expected trip start ack, got %s", ack.Event)
	}
	sessionID, _ := ack.Data["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("expected session id in ack")
	}
	if env := recv(t, parent); env.Event != "bus:trip:started" {
		t.Fatalf("expected trip started broadcast, got %s", env.Event)
	}

	// driver sends a fix; parent sees it live
	mock.ExpectExec(`INSERT INTO location_fixes`).
		WithArgs(sessionID, "r1", 12.9716, 77.5946, 0.0, 0.0, 0.0, 0.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE bus_sessions`).
		WithArgs(sessionID, 12.9716, 77.5946, 0.0, 0.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	send(t, driver, "driver:location:update", fiber.Map{
		"routeId": "r1", "sessionId": sessionID, "latitude": 12.9716, "longitude": 77.5946,
	})
	if env := recv(t, driver); env.Event != "location:update:ack" {
		t.Fatalf("expected location ack, got %s", env.Event)
	}
	update := recv(t, parent)
	if update.Event != "bus:location:update" {
		t.Fatalf("expected location broadcast, got %s", update.Event)
	}
	if update.Data["latitude"] != 12.9716 || update.Data["longitude"] != 77.5946 {
		t.Fatalf("unexpected coordinates: %+v", update.Data)
	}

	// driver confirms arrival at s1
	mock.ExpectQuery(`SELECT id, route_id, driver_id`).
		WithArgs(sessionID).
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow(sessionID, "r1", "driver-1", "morning", "active",
				time.Now(), time.Time{}, 12.9716, 77.5946, 0.0, 0.0, "", time.Now()))
	mock.ExpectExec(`INSERT INTO stop_events`).
		WithArgs(sessionID, "s1", "arrived", 12.9716, 77.5946, 5, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE bus_sessions SET current_stop_id`).
		WithArgs(sessionID, "s1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	send(t, driver, "driver:stop:event", fiber.Map{
		"sessionId": sessionID, "stopId": "s1", "eventType": "arrived", "studentsBoarded": 5,
	})
	if env := recv(t, driver); env.Event != "stop:event:ack" {
		t.Fatalf("expected stop event ack, got %s", env.Event)
	}
	// parent is in both the route room and the stop room
	if env := recv(t, parent); env.Event != "bus:stop:event" {
		t.Fatalf("expected stop event broadcast, got %s", env.Event)
	}
	if env := recv(t, parent); env.Event != "bus:stop:event" {
		t.Fatalf("expected stop room broadcast, got %s", env.Event)
	}

	// driver ends the trip
	mock.ExpectQuery(`SELECT id, route_id, driver_id`).
		WithArgs(sessionID).
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow(sessionID, "r1", "driver-1", "morning", "active",
				time.Now(), time.Time{}, 12.9716, 77.5946, 0.0, 0.0, "s1", time.Now()))
	mock.ExpectExec(`UPDATE bus_sessions SET status='completed'`).
		WithArgs(sessionID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	send(t, driver, "driver:trip:end", fiber.Map{"sessionId": sessionID})
	if env := recv(t, driver); env.Event != "trip:end:ack" {
		t.Fatalf("expected trip end ack, got %s", env.Event)
	}
	if env := recv(t, parent); env.Event != "bus:trip:ended" {
		t.Fatalf("expected trip ended broadcast, got %s", env.Event)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLateSubscribeSnapshot(t *testing.T) {
	mock := newMock(t)
	hub := stream.NewHub(nil, zerolog.Nop())
	url := setup(t, mock, nil, hub)

	mock.ExpectQuery(`SELECT id, route_id, driver_id`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow("sess-1", "r1", "driver-1", "morning", "active",
				time.Now(), time.Time{}, 12.9716, 77.5946, 6.5, 90.0, "s1", time.Now()))

	parent := dial(t, url+"?actor=parent&userId=parent-1")
	send(t, parent, "parent:subscribe:bus", fiber.Map{"routeId": "r1", "userId": "parent-1"})

	if env := recv(t, parent); env.Event != "subscribe:ack" {
		t.Fatalf("expected ack first, got %s", env.Event)
	}
	snap := recv(t, parent)
	if snap.Event != "bus:location:current" {
		t.Fatalf("expected snapshot, got %s", snap.Event)
	}
	if snap.Data["latitude"] != 12.9716 || snap.Data["currentStopId"] != "s1" {
		t.Fatalf("unexpected snapshot: %+v", snap.Data)
	}

	// snapshot is one-time; no replayed updates follow
	expectSilence(t, parent)
}

func TestTripStartConflictEmitsError(t *testing.T) {
	mock := newMock(t)
	hub := stream.NewHub(nil, zerolog.Nop())
	url := setup(t, mock, nil, hub)

	mock.ExpectQuery(`SELECT id FROM bus_sessions WHERE route_id=\$1 AND status='active'`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("other-session"))

	driver := dial(t, url+"?actor=driver&userId=driver-2")
	send(t, driver, "driver:trip:start", fiber.Map{"routeId": "r1", "sessionType": "morning"})

	env := recv(t, driver)
	if env.Event != "error" {
		t.Fatalf("expected error event, got %s", env.Event)
	}
	if env.Data["message"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestInvalidLocationEmitsError(t *testing.T) {
	mock := newMock(t)
	hub := stream.NewHub(nil, zerolog.Nop())
	url := setup(t, mock, nil, hub)

	driver := dial(t, url+"?actor=driver&userId=driver-1")
	send(t, driver, "driver:location:update", fiber.Map{
		"routeId": "r1", "sessionId": "sess-1", "latitude": 200, "longitude": 77.59,
	})

	if env := recv(t, driver); env.Event != "error" {
		t.Fatalf("expected error event, got %s", env.Event)
	}

	// validation happens before any write
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUnknownEventEmitsError(t *testing.T) {
	hub := stream.NewHub(nil, zerolog.Nop())
	url := setup(t, newMock(t), nil, hub)

	conn := dial(t, url)
	send(t, conn, "driver:teleport", fiber.Map{})
	if env := recv(t, conn); env.Event != "error" {
		t.Fatalf("expected error event, got %s", env.Event)
	}
}

func TestMalformedMessageEmitsError(t *testing.T) {
	hub := stream.NewHub(nil, zerolog.Nop())
	url := setup(t, newMock(t), nil, hub)

	conn := dial(t, url)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env := recv(t, conn); env.Event != "error" {
		t.Fatalf("expected error event, got %s", env.Event)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	mock := newMock(t)
	hub := stream.NewHub(nil, zerolog.Nop())
	url := setup(t, mock, nil, hub)

	mock.ExpectQuery(`SELECT id, route_id, driver_id`).
		WithArgs("r1").
		WillReturnError(pgx.ErrNoRows)

	parent := dial(t, url+"?actor=parent&userId=parent-1")
	send(t, parent, "parent:subscribe:bus", fiber.Map{"routeId": "r1", "userId": "parent-1"})
	if env := recv(t, parent); env.Event != "subscribe:ack" {
		t.Fatalf("expected ack, got %s", env.Event)
	}

	send(t, parent, "parent:unsubscribe:bus", fiber.Map{"routeId": "r1"})
	time.Sleep(50 * time.Millisecond) // unsubscribe has no ack

	hub.Broadcast(stream.RouteRoom("r1"), "bus:location:update", nil)
	expectSilence(t, parent)
}

func TestDisconnectCleansRooms(t *testing.T) {
	mock := newMock(t)
	hub := stream.NewHub(nil, zerolog.Nop())
	url := setup(t, mock, nil, hub)

	mock.ExpectQuery(`SELECT id, route_id, driver_id`).
		WithArgs("r1").
		WillReturnError(pgx.ErrNoRows)

	parent := dial(t, url+"?actor=parent&userId=parent-1")
	send(t, parent, "parent:subscribe:bus", fiber.Map{"routeId": "r1", "userId": "parent-1"})
	if env := recv(t, parent); env.Event != "subscribe:ack" {
		t.Fatalf("expected ack, got %s", env.Event)
	}

	parent.Close()
	deadline := time.Now().Add(time.Second)
	for hub.RoomSize(stream.RouteRoom("r1")) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("room not cleaned after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type stubStops struct{ stops []roster.Stop }

func (s stubStops) StopsByRoute(context.Context, string) ([]roster.Stop, error) {
	return s.stops, nil
}

func TestProximityAlertReachesStopSubscriber(t *testing.T) {
	mock := newMock(t)
	hub := stream.NewHub(nil, zerolog.Nop())
	prox := geofence.NewEvaluator(stubStops{stops: []roster.Stop{{
		ID: "s1", RouteID: "r1", Latitude: 12.9716, Longitude: 77.5946, GeofenceRadiusM: 200,
	}}}, nil, hub, nil, nil, zerolog.Nop())
	url := setup(t, mock, prox, hub)

	parent := dial(t, url+"?actor=parent&userId=parent-1")
	send(t, parent, "parent:subscribe:stop", fiber.Map{"stopId": "s1"})
	if env := recv(t, parent); env.Event != "subscribe:ack" {
		t.Fatalf("expected ack, got %s", env.Event)
	}

	mock.ExpectExec(`INSERT INTO location_fixes`).
		WithArgs("sess-1", "r1", 12.9716, 77.5946, 0.0, 0.0, 0.0, 0.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE bus_sessions`).
		WithArgs("sess-1", 12.9716, 77.5946, 0.0, 0.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	driver := dial(t, url+"?actor=driver&userId=driver-1")
	send(t, driver, "driver:location:update", fiber.Map{
		"routeId": "r1", "sessionId": "sess-1", "latitude": 12.9716, "longitude": 77.5946,
	})
	if env := recv(t, driver); env.Event != "location:update:ack" {
		t.Fatalf("expected ack, got %s", env.Event)
	}

	alert := recv(t, parent)
	if alert.Event != "bus:proximity:alert" {
		t.Fatalf("expected proximity alert, got %s", alert.Event)
	}
	if alert.Data["message"] != "arriving now" {
		t.Fatalf("unexpected message: %v", alert.Data["message"])
	}
}
