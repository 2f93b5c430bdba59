package server

import (
	"backend-buswatch/internal/config"
	"backend-buswatch/internal/gateway"
	"backend-buswatch/internal/geofence"
	"backend-buswatch/internal/metrics"
	"backend-buswatch/internal/notify"
	"backend-buswatch/internal/roster"
	"backend-buswatch/internal/stream"
	"backend-buswatch/internal/tracking"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Server struct {
	App     *fiber.App
	Cfg     config.Config
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Hub     *stream.Hub
	Notify  *notify.Dispatcher
	Metrics *metrics.Collector
	Log     zerolog.Logger
}

func NewServer(cfg config.Config, pool *pgxpool.Pool, redisClient *redis.Client, nd *notify.Dispatcher, m *metrics.Collector, log zerolog.Logger) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	s := &Server{
		App:     app,
		Cfg:     cfg,
		DB:      pool,
		Redis:   redisClient,
		Hub:     stream.NewHub(redisClient, log),
		Notify:  nd,
		Metrics: m,
		Log:     log,
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	stops := roster.NewStore(s.DB)
	prox := geofence.NewEvaluator(stops, stops, s.Hub, s.Notify, s.Metrics, s.Log)
	svc := tracking.NewService(s.DB, s.Hub, prox, s.Notify, s.Metrics, s.Log, s.Cfg.PersistTimeout)

	tracking.RegisterRoutes(s.App.Group("/tracking"), svc)
	gateway.RegisterRoutes(s.App.Group("/stream"), s.Hub, svc, s.Metrics, s.Log)
}
