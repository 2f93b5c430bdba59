package notify

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DispatcherMetrics is the subset of metric hooks the dispatcher reports to.
type DispatcherMetrics interface {
	NotifyPublishedInc()
	NotifyErrorsInc()
}

// Dispatcher publishes push-notification events to NATS. Every method is
// fire-and-forget: errors are logged and counted, never returned, and a nil
// dispatcher is a no-op so callers need no guards.
type Dispatcher struct {
	nc      *nats.Conn
	publish func(subject string, data []byte) error
	metrics DispatcherMetrics
	log     zerolog.Logger
}

func NewDispatcher(url string, m DispatcherMetrics, log zerolog.Logger) (*Dispatcher, error) {
	if url == "" {
		return nil, nil
	}

	nc, err := nats.Connect(url,
		nats.Name("buswatch"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{nc: nc, publish: nc.Publish, metrics: m, log: log}, nil
}

func (d *Dispatcher) Close() {
	if d == nil || d.nc == nil {
		return
	}
	_ = d.nc.Drain()
	d.nc.Close()
}

type TripEvent struct {
	RouteID     string    `json:"route_id"`
	SessionID   string    `json:"session_id"`
	SessionType string    `json:"session_type,omitempty"`
	At          time.Time `json:"at"`
}

type ProximityEvent struct {
	RouteID    string    `json:"route_id"`
	StopID     string    `json:"stop_id"`
	Message    string    `json:"message"`
	Recipients []string  `json:"recipients,omitempty"`
	At         time.Time `json:"at"`
}

type StopEventNotice struct {
	RouteID   string    `json:"route_id"`
	StopID    string    `json:"stop_id"`
	EventType string    `json:"event_type"`
	At        time.Time `json:"at"`
}

func (d *Dispatcher) TripStarted(routeID, sessionID, sessionType string, at time.Time) {
	d.send("buswatch.trip.started."+subjectToken(routeID), TripEvent{
		RouteID: routeID, SessionID: sessionID, SessionType: sessionType, At: at,
	})
}

func (d *Dispatcher) TripEnded(routeID, sessionID string, at time.Time) {
	d.send("buswatch.trip.ended."+subjectToken(routeID), TripEvent{
		RouteID: routeID, SessionID: sessionID, At: at,
	})
}

// ProximityAlert addresses the push to the stop's subscribed parents; the
// downstream push service resolves recipient ids to device tokens.
func (d *Dispatcher) ProximityAlert(routeID, stopID, message string, recipients []string, at time.Time) {
	d.send("buswatch.proximity."+subjectToken(stopID), ProximityEvent{
		RouteID: routeID, StopID: stopID, Message: message, Recipients: recipients, At: at,
	})
}

func (d *Dispatcher) StopEvent(routeID, stopID, eventType string, at time.Time) {
	d.send("buswatch.stop."+subjectToken(stopID), StopEventNotice{
		RouteID: routeID, StopID: stopID, EventType: eventType, At: at,
	})
}

func (d *Dispatcher) send(subject string, v any) {
	if d == nil || d.publish == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		d.log.Error().Err(err).Str("subject", subject).Msg("notify marshal failed")
		return
	}
	if err := d.publish(subject, b); err != nil {
		if d.metrics != nil {
			d.metrics.NotifyErrorsInc()
		}
		d.log.Warn().Err(err).Str("subject", subject).Msg("notify publish failed")
		return
	}
	if d.metrics != nil {
		d.metrics.NotifyPublishedInc()
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
