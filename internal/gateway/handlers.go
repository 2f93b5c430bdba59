package gateway

import (
	"context"
	"encoding/json"
	"time"

	"backend-buswatch/internal/metrics"
	"backend-buswatch/internal/stream"
	"backend-buswatch/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
)

// envelope is the client-to-server wire frame, mirroring stream.Envelope.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type gateway struct {
	hub     *stream.Hub
	svc     *tracking.Service
	metrics *metrics.Collector
	log     zerolog.Logger
}

// RegisterRoutes mounts the websocket endpoint shared by driver and parent
// apps. Clients identify via query params: /ws?actor=driver&userId=drv-1.
func RegisterRoutes(r fiber.Router, hub *stream.Hub, svc *tracking.Service, m *metrics.Collector, log zerolog.Logger) {
	g := &gateway{hub: hub, svc: svc, metrics: m, log: log}

	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		client := g.hub.Register(c.Query("userId"), c.Query("actor", "parent"))
		defer g.hub.Unregister(client)

		if g.metrics != nil {
			g.metrics.ConnectionsOpen.Inc()
			defer g.metrics.ConnectionsOpen.Dec()
		}

		done := make(chan struct{})
		go func() {
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					break
				}
			}
			close(done)
		}()

		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				break
			}
			g.dispatch(client, raw)
		}

		// closing Send ends the writer; Unregister is idempotent
		g.hub.Unregister(client)
		<-done
	}))
}

// dispatch handles one inbound event. Every failure becomes an error
// emission to the originating connection; nothing here may take down the
// connection loop, let alone the process.
func (g *gateway) dispatch(client *stream.Client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Interface("panic", r).Msg("event handler panic")
			g.sendError(client, "internal error")
		}
	}()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.sendError(client, "malformed message")
		return
	}

	ctx := context.Background()
	switch env.Event {
	case "driver:trip:start":
		g.handleTripStart(ctx, client, env.Data)
	case "driver:trip:end":
		g.handleTripEnd(ctx, client, env.Data)
	case "driver:trip:resume":
		g.handleTripResume(ctx, client, env.Data)
	case "driver:location:update":
		g.handleLocationUpdate(ctx, client, env.Data)
	case "driver:stop:event":
		g.handleStopEvent(ctx, client, env.Data)
	case "parent:subscribe:bus":
		g.handleSubscribeBus(ctx, client, env.Data)
	case "parent:subscribe:stop":
		g.handleSubscribeStop(client, env.Data)
	case "parent:unsubscribe:bus":
		g.handleUnsubscribeBus(client, env.Data)
	default:
		g.sendError(client, "unknown event: "+env.Event)
	}
}

func (g *gateway) handleTripStart(ctx context.Context, client *stream.Client, data json.RawMessage) {
	var p struct {
		RouteID     string `json:"routeId"`
		SessionType string `json:"sessionType"`
	}
	_ = json.Unmarshal(data, &p)

	sess, err := g.svc.StartTrip(ctx, p.RouteID, client.ActorID, p.SessionType)
	if err != nil {
		g.sendError(client, err.Error())
		return
	}
	g.hub.Join(client, stream.DriverRoom(p.RouteID))
	g.hub.Send(client, "trip:start:ack", fiber.Map{
		"success":   true,
		"sessionId": sess.ID,
		"startedAt": sess.StartedAt,
	})
}

func (g *gateway) handleTripEnd(ctx context.Context, client *stream.Client, data json.RawMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(data, &p)

	if _, err := g.svc.EndTrip(ctx, p.SessionID); err != nil {
		g.sendError(client, err.Error())
		return
	}
	g.hub.Send(client, "trip:end:ack", fiber.Map{"success": true})
}

func (g *gateway) handleTripResume(ctx context.Context, client *stream.Client, data json.RawMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(data, &p)

	sess, err := g.svc.ResumeTrip(ctx, p.SessionID)
	if err != nil {
		g.sendError(client, err.Error())
		return
	}
	g.hub.Join(client, stream.DriverRoom(sess.RouteID))
	g.hub.Send(client, "trip:resume:ack", fiber.Map{
		"success":   true,
		"sessionId": sess.ID,
		"routeId":   sess.RouteID,
	})
}

func (g *gateway) handleLocationUpdate(ctx context.Context, client *stream.Client, data json.RawMessage) {
	var p struct {
		RouteID   string    `json:"routeId"`
		SessionID string    `json:"sessionId"`
		Latitude  float64   `json:"latitude"`
		Longitude float64   `json:"longitude"`
		Speed     float64   `json:"speed"`
		Heading   float64   `json:"heading"`
		Accuracy  float64   `json:"accuracy"`
		Altitude  float64   `json:"altitude"`
		Timestamp time.Time `json:"timestamp"`
	}
	_ = json.Unmarshal(data, &p)

	ts, err := g.svc.IngestLocation(ctx, tracking.LocationFix{
		RouteID:    p.RouteID,
		SessionID:  p.SessionID,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Speed:      p.Speed,
		Heading:    p.Heading,
		Accuracy:   p.Accuracy,
		Altitude:   p.Altitude,
		RecordedAt: p.Timestamp,
	})
	if err != nil {
		g.sendError(client, err.Error())
		return
	}
	g.hub.Send(client, "location:update:ack", fiber.Map{"success": true, "timestamp": ts})
}

func (g *gateway) handleStopEvent(ctx context.Context, client *stream.Client, data json.RawMessage) {
	var p struct {
		SessionID       string `json:"sessionId"`
		StopID          string `json:"stopId"`
		EventType       string `json:"eventType"`
		StudentsBoarded int    `json:"studentsBoarded"`
		Notes           string `json:"notes"`
	}
	_ = json.Unmarshal(data, &p)

	if _, err := g.svc.RecordStopEvent(ctx, p.SessionID, p.StopID, p.EventType, p.StudentsBoarded, p.Notes); err != nil {
		g.sendError(client, err.Error())
		return
	}
	g.hub.Send(client, "stop:event:ack", fiber.Map{"success": true})
}

func (g *gateway) handleSubscribeBus(ctx context.Context, client *stream.Client, data json.RawMessage) {
	var p struct {
		RouteID string `json:"routeId"`
		UserID  string `json:"userId"`
	}
	_ = json.Unmarshal(data, &p)
	if p.RouteID == "" {
		g.sendError(client, "routeId required")
		return
	}

	g.hub.Join(client, stream.RouteRoom(p.RouteID))
	g.hub.Send(client, "subscribe:ack", fiber.Map{"success": true, "routeId": p.RouteID})

	// late joiners get the last known position immediately instead of
	// waiting for the next fix
	sess, ok, err := g.svc.ActiveSession(ctx, p.RouteID)
	if err != nil {
		g.log.Warn().Err(err).Str("route_id", p.RouteID).Msg("active session lookup failed on subscribe")
		return
	}
	if ok {
		g.hub.Send(client, "bus:location:current", fiber.Map{
			"routeId":       sess.RouteID,
			"latitude":      sess.CurrentLat,
			"longitude":     sess.CurrentLng,
			"speed":         sess.CurrentSpeed,
			"heading":       sess.CurrentHeading,
			"lastUpdated":   sess.LastUpdated,
			"currentStopId": sess.CurrentStopID,
		})
	}
}

func (g *gateway) handleSubscribeStop(client *stream.Client, data json.RawMessage) {
	var p struct {
		StopID string `json:"stopId"`
	}
	_ = json.Unmarshal(data, &p)
	if p.StopID == "" {
		g.sendError(client, "stopId required")
		return
	}

	g.hub.Join(client, stream.StopRoom(p.StopID))
	g.hub.Send(client, "subscribe:ack", fiber.Map{"success": true, "stopId": p.StopID})
}

func (g *gateway) handleUnsubscribeBus(client *stream.Client, data json.RawMessage) {
	var p struct {
		RouteID string `json:"routeId"`
	}
	_ = json.Unmarshal(data, &p)
	g.hub.Leave(client, stream.RouteRoom(p.RouteID))
}

func (g *gateway) sendError(client *stream.Client, message string) {
	g.hub.Send(client, "error", fiber.Map{"message": message})
}
