package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Collector struct {
	reg *prometheus.Registry

	ConnectionsOpen prometheus.Gauge
	ActiveSessions  prometheus.Gauge

	TripsStarted prometheus.Counter
	TripsEnded   prometheus.Counter

	FixesIngested prometheus.Counter
	FixesRejected prometheus.Counter
	PersistErrors prometheus.Counter

	StopEvents      prometheus.Counter
	ProximityAlerts *prometheus.CounterVec // tier label: approaching|arrived

	NotifyPublished prometheus.Counter
	NotifyErrors    prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buswatch_connections_open",
			Help: "Number of open websocket connections.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buswatch_active_sessions",
			Help: "Number of bus sessions currently active.",
		}),
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buswatch_trips_started_total",
			Help: "Total trips started.",
		}),
		TripsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buswatch_trips_ended_total",
			Help: "Total trips ended.",
		}),
		FixesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buswatch_fixes_ingested_total",
			Help: "Total location fixes accepted.",
		}),
		FixesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buswatch_fixes_rejected_total",
			Help: "Total location fixes rejected by validation.",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buswatch_persist_errors_total",
			Help: "Total best-effort persistence failures.",
		}),
		StopEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buswatch_stop_events_total",
			Help: "Total stop arrival/departure events recorded.",
		}),
		ProximityAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buswatch_proximity_alerts_total",
			Help: "Total proximity alerts emitted.",
		}, []string{"tier"}),
		NotifyPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buswatch_notify_published_total",
			Help: "Total push notifications dispatched.",
		}),
		NotifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buswatch_notify_errors_total",
			Help: "Total push notification dispatch errors.",
		}),
	}

	reg.MustRegister(
		c.ConnectionsOpen, c.ActiveSessions,
		c.TripsStarted, c.TripsEnded,
		c.FixesIngested, c.FixesRejected, c.PersistErrors,
		c.StopEvents, c.ProximityAlerts,
		c.NotifyPublished, c.NotifyErrors,
	)

	return c
}

// NotifyPublishedInc and NotifyErrorsInc satisfy notify.DispatcherMetrics.
func (c *Collector) NotifyPublishedInc() { c.NotifyPublished.Inc() }
func (c *Collector) NotifyErrorsInc()    { c.NotifyErrors.Inc() }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
