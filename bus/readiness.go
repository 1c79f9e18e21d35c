package bus

import (
	"github.com/gofiber/fiber/v2"
)

// ReadinessHandler returns a Fiber handler for host-service readiness probes.
// It answers 200 while Readiness passes and 503 once the transport degrades,
// so orchestrators stop routing traffic to an instance that cannot publish.
func (b *Bus) ReadinessHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := b.Readiness(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"reason": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"status": "ready",
		})
	}
}
