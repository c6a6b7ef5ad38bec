package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"memvault/internal/database"
	"memvault/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	db    *database.DB
	redis *services.RedisService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *database.DB, redis *services.RedisService) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

// Handle responds with server health status, probing both storage tiers.
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "up"
	redisStatus := "up"

	if err := h.db.PingContext(ctx); err != nil {
		dbStatus = "down"
		status = "degraded"
	}
	if err := h.redis.Ping(ctx); err != nil {
		redisStatus = "down"
		status = "degraded"
	}

	code := fiber.StatusOK
	if status != "healthy" {
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"database":  dbStatus,
		"redis":     redisStatus,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
