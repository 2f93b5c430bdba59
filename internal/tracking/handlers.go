package tracking

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes exposes the polling-fallback ingest endpoint and read-side
// views of sessions, fix history and stop events. Live clients use the
// websocket gateway instead.
func RegisterRoutes(r fiber.Router, svc *Service) {
	r.Post("/locations", func(c *fiber.Ctx) error {
		var fix LocationFix
		if err := c.BodyParser(&fix); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		ts, err := svc.IngestLocation(c.Context(), fix)
		if err != nil {
			return fiber.NewError(statusFor(err), err.Error())
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true, "timestamp": ts})
	})

	r.Get("/routes/:routeId/session", func(c *fiber.Ctx) error {
		sess, ok, err := svc.ActiveSession(c.Context(), c.Params("routeId"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no active session")
		}
		return c.JSON(sess)
	})

	r.Get("/sessions/:id/fixes", func(c *fiber.Ctx) error {
		fixes, err := svc.FixHistory(c.Context(), c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fixes)
	})

	r.Get("/sessions/:id/events", func(c *fiber.Ctx) error {
		events, err := svc.StopEvents(c.Context(), c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(events)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrActiveSessionExists):
		return fiber.StatusConflict
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionNotActive):
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}
