package geofence

import (
	"context"
	"strings"
	"sync"
	"time"

	"backend-buswatch/internal/metrics"
	"backend-buswatch/internal/notify"
	"backend-buswatch/internal/roster"
	"backend-buswatch/internal/shared/geo"
	"backend-buswatch/internal/stream"

	"github.com/rs/zerolog"
)

// Tier classifies how close a session is to a stop. Ordering matters:
// alerts fire only on upward transitions.
type Tier int

const (
	TierNone Tier = iota
	TierApproaching
	TierArrived
)

func (t Tier) String() string {
	switch t {
	case TierApproaching:
		return "approaching"
	case TierArrived:
		return "arrived"
	default:
		return "none"
	}
}

func (t Tier) Message() string {
	switch t {
	case TierApproaching:
		return "5 minutes away"
	case TierArrived:
		return "arriving now"
	default:
		return ""
	}
}

// approachRadiusM is the outer threshold; the inner one is per-stop.
const approachRadiusM = 500.0

type StopSource interface {
	StopsByRoute(ctx context.Context, routeID string) ([]roster.Stop, error)
}

// SubscriberSource resolves the parents assigned to a stop so push alerts
// can be addressed. Optional; without one, alerts carry no recipient list.
type SubscriberSource interface {
	SubscribersByStop(ctx context.Context, stopID string) ([]string, error)
}

type Alert struct {
	StopID    string    `json:"stop_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Evaluator tracks the last reported tier per (session, stop) so a bus
// sitting inside a geofence for many consecutive fixes alerts once, not once
// per fix. Moving out of range lowers the recorded tier silently, so a
// return trip into range alerts again.
type Evaluator struct {
	stops   StopSource
	subs    SubscriberSource
	hub     *stream.Hub
	notify  *notify.Dispatcher
	metrics *metrics.Collector
	log     zerolog.Logger

	mu    sync.Mutex
	state map[string]Tier // "{sessionID}|{stopID}"
}

func NewEvaluator(stops StopSource, subs SubscriberSource, hub *stream.Hub, n *notify.Dispatcher, m *metrics.Collector, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		stops:   stops,
		subs:    subs,
		hub:     hub,
		notify:  n,
		metrics: m,
		log:     log,
		state:   map[string]Tier{},
	}
}

// Evaluate computes the tier of the fix against every stop on the route and
// emits an alert for each upward tier transition. A stop-fetch failure is
// logged and skipped; it never propagates to the ingest path.
func (e *Evaluator) Evaluate(ctx context.Context, routeID, sessionID string, lat, lng float64) []Alert {
	stops, err := e.stops.StopsByRoute(ctx, routeID)
	if err != nil {
		e.log.Warn().Err(err).Str("route_id", routeID).Msg("stop fetch failed, skipping proximity evaluation")
		return nil
	}

	now := time.Now()
	var alerts []Alert
	for _, stop := range stops {
		distance := geo.HaversineM(lat, lng, stop.Latitude, stop.Longitude)
		tier := tierFor(distance, stop.Radius())

		if !e.advance(sessionID, stop.ID, tier) {
			continue
		}

		alert := Alert{StopID: stop.ID, Message: tier.Message(), Timestamp: now}
		alerts = append(alerts, alert)

		if e.hub != nil {
			e.hub.Broadcast(stream.StopRoom(stop.ID), "bus:proximity:alert", alert)
		}
		e.notify.ProximityAlert(routeID, stop.ID, alert.Message, e.recipients(ctx, stop.ID), now)
		if e.metrics != nil {
			e.metrics.ProximityAlerts.WithLabelValues(tier.String()).Inc()
		}
	}
	return alerts
}

// advance records the new tier and reports whether it is an upward
// transition. Downward moves reset state without alerting.
func (e *Evaluator) advance(sessionID, stopID string, tier Tier) bool {
	key := sessionID + "|" + stopID

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.state[key]
	switch {
	case tier > prev:
		e.state[key] = tier
		return true
	case tier < prev:
		if tier == TierNone {
			delete(e.state, key)
		} else {
			e.state[key] = tier
		}
		return false
	default:
		return false
	}
}

func (e *Evaluator) recipients(ctx context.Context, stopID string) []string {
	if e.subs == nil {
		return nil
	}
	parents, err := e.subs.SubscribersByStop(ctx, stopID)
	if err != nil {
		e.log.Warn().Err(err).Str("stop_id", stopID).Msg("subscriber lookup failed, alert unaddressed")
		return nil
	}
	return parents
}

// ClearSession drops all tier state for an ended session.
func (e *Evaluator) ClearSession(sessionID string) {
	prefix := sessionID + "|"

	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.state {
		if strings.HasPrefix(key, prefix) {
			delete(e.state, key)
		}
	}
}

func tierFor(distanceM, radiusM float64) Tier {
	switch {
	case distanceM <= radiusM:
		return TierArrived
	case distanceM <= approachRadiusM:
		return TierApproaching
	default:
		return TierNone
	}
}
