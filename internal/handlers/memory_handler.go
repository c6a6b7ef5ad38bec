package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	gocache "github.com/patrickmn/go-cache"

	"memvault/internal/models"
	"memvault/internal/services"
)

// MemoryHandler handles memory-related API endpoints
type MemoryHandler struct {
	memory     *services.MemoryCoordinator
	statsCache *gocache.Cache
}

// NewMemoryHandler creates a new memory handler
func NewMemoryHandler(memory *services.MemoryCoordinator) *MemoryHandler {
	return &MemoryHandler{
		memory:     memory,
		statsCache: gocache.New(30*time.Second, time.Minute),
	}
}

// ListMemories returns a merged, newest-first page across both tiers
// GET /api/v1/memories?limit=20&cursor=...&tags=a,b&search=...&dateFrom=...&dateTo=...
func (h *MemoryHandler) ListMemories(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return unauthorized(c)
	}

	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	opts := models.ListOptions{
		Limit:  limit,
		Cursor: c.Query("cursor", ""),
		Tags:   parseTags(c.Query("tags", "")),
		Search: c.Query("search", ""),
	}

	if v := c.Query("dateFrom", ""); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "dateFrom must be an RFC 3339 timestamp")
		}
		opts.DateFrom = &t
	}
	if v := c.Query("dateTo", ""); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "dateTo must be an RFC 3339 timestamp")
		}
		opts.DateTo = &t
	}

	ctx, cancel := context.WithTimeout(c.Context(), 10*time.Second)
	defer cancel()

	page, err := h.memory.List(ctx, userID, opts)
	if err != nil {
		log.Printf("❌ [MEMORY-API] Failed to list memories: %v", err)
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"memories": page.Items,
		"pagination": fiber.Map{
			"total_count":       page.TotalCount,
			"has_next_page":     page.HasNextPage,
			"has_previous_page": page.HasPreviousPage,
			"start_cursor":      page.StartCursor,
			"end_cursor":        page.EndCursor,
		},
	})
}

// GetMemory returns a single memory, whichever tier holds it
// GET /api/v1/memories/:id
func (h *MemoryHandler) GetMemory(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return unauthorized(c)
	}

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	entry, err := h.memory.Get(ctx, userID, c.Params("id"))
	if err != nil {
		log.Printf("❌ [MEMORY-API] Failed to get memory: %v", err)
		return serviceError(c, err)
	}
	if entry == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Memory not found",
		})
	}

	return c.JSON(entry)
}

// CreateMemoryRequest is the body for POST /api/v1/memories
type CreateMemoryRequest struct {
	Content    string          `json:"content"`
	Tier       string          `json:"tier"`
	Metadata   json.RawMessage `json:"metadata"`
	Tags       []string        `json:"tags"`
	TTLSeconds int             `json:"ttl_seconds"`
}

// CreateMemory creates a new memory in the requested tier
// POST /api/v1/memories
func (h *MemoryHandler) CreateMemory(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return unauthorized(c)
	}

	var req CreateMemoryRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	entry, err := h.memory.Create(ctx, userID, req.Content, req.Tier, req.Metadata, req.Tags, req.TTLSeconds)
	if err != nil {
		return serviceError(c, err)
	}

	h.statsCache.Delete(userID)
	return c.Status(fiber.StatusCreated).JSON(entry)
}

// UpdateMemory applies a partial update to a memory in either tier
// PATCH /api/v1/memories/:id
func (h *MemoryHandler) UpdateMemory(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return unauthorized(c)
	}

	var input models.UpdateMemoryInput
	if err := c.BodyParser(&input); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if input.Empty() {
		return badRequest(c, "Update must change at least one field")
	}

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	entry, err := h.memory.Update(ctx, userID, c.Params("id"), &input)
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(entry)
}

// DeleteMemory removes a memory from whichever tiers hold it
// DELETE /api/v1/memories/:id
func (h *MemoryHandler) DeleteMemory(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return unauthorized(c)
	}

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	removed, err := h.memory.Delete(ctx, userID, c.Params("id"))
	if err != nil {
		return serviceError(c, err)
	}
	if !removed {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Memory not found",
		})
	}

	h.statsCache.Delete(userID)
	return c.JSON(fiber.Map{"deleted": true})
}

// PromoteMemory moves a short-term memory into the long-term tier
// POST /api/v1/memories/:id/promote
func (h *MemoryHandler) PromoteMemory(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return unauthorized(c)
	}

	ctx, cancel := context.WithTimeout(c.Context(), 10*time.Second)
	defer cancel()

	entry, err := h.memory.Promote(ctx, userID, c.Params("id"))
	if err != nil {
		log.Printf("❌ [MEMORY-API] Promotion failed for %s: %v", c.Params("id"), err)
		return serviceError(c, err)
	}

	h.statsCache.Delete(userID)
	return c.JSON(entry)
}

// GetMemoryTTL reports the remaining lifetime of a short-term memory
// GET /api/v1/memories/:id/ttl
func (h *MemoryHandler) GetMemoryTTL(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return unauthorized(c)
	}

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	remaining, err := h.memory.ShortTerm().GetTTL(ctx, userID, c.Params("id"))
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"id":                    c.Params("id"),
		"ttl_seconds_remaining": remaining,
	})
}

// ExtendTTLRequest is the body for POST /api/v1/memories/:id/extend
type ExtendTTLRequest struct {
	AdditionalSeconds int `json:"additional_seconds"`
}

// ExtendMemoryTTL adds time to a short-term memory's remaining TTL
// POST /api/v1/memories/:id/extend
func (h *MemoryHandler) ExtendMemoryTTL(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return unauthorized(c)
	}

	var req ExtendTTLRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	entry, err := h.memory.ShortTerm().ExtendTTL(ctx, userID, c.Params("id"), req.AdditionalSeconds)
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(entry)
}

// GetMemoryStats reports per-tier counts and the long-term quota. Counts
// are cached briefly since they cost a scan plus a table count.
// GET /api/v1/memories/stats
func (h *MemoryHandler) GetMemoryStats(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return unauthorized(c)
	}

	if cached, found := h.statsCache.Get(userID); found {
		return c.JSON(cached)
	}

	ctx, cancel := context.WithTimeout(c.Context(), 10*time.Second)
	defer cancel()

	stats, err := h.memory.Stats(ctx, userID)
	if err != nil {
		return serviceError(c, err)
	}

	h.statsCache.SetDefault(userID, stats)
	return c.JSON(stats)
}

// ClearMemories wipes everything the tenant has stored, in both tiers
// DELETE /api/v1/memories
func (h *MemoryHandler) ClearMemories(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return unauthorized(c)
	}

	ctx, cancel := context.WithTimeout(c.Context(), 30*time.Second)
	defer cancel()

	deleted, err := h.memory.Clear(ctx, userID)
	if err != nil {
		return serviceError(c, err)
	}

	log.Printf("🗑️ [MEMORY-API] Cleared %d memories for user %s", deleted, userID)
	h.statsCache.Delete(userID)
	return c.JSON(fiber.Map{"deleted_count": deleted})
}

func requireUser(c *fiber.Ctx) (string, bool) {
	userID, ok := c.Locals("user_id").(string)
	return userID, ok && userID != ""
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "Authentication required",
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}

// serviceError maps typed service errors onto HTTP statuses. Quota is
// checked before promotion so a quota-blocked promote reports 409, and
// absence is checked before promotion so a ghost source reports 404.
func serviceError(c *fiber.Ctx, err error) error {
	var (
		quotaErr *services.QuotaExceededError
		promoErr *services.PromotionError
		valErr   *services.ValidationError
		ttlErr   *services.TTLValidationError
		storeErr *services.StoreError
	)

	switch {
	case errors.As(err, &quotaErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": quotaErr.Error(),
			"limit": quotaErr.Limit,
		})
	case services.IsNotFound(err):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Memory not found",
		})
	case errors.As(err, &valErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": valErr.Error(),
		})
	case errors.As(err, &ttlErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": ttlErr.Error(),
		})
	case errors.As(err, &promoErr):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": promoErr.Error(),
		})
	case errors.As(err, &storeErr):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Storage backend unavailable",
		})
	default:
		log.Printf("❌ [MEMORY-API] Unhandled error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
}

func parseTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
