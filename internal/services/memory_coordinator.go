package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"memvault/internal/models"
)

// MemoryCoordinator is the only surface callers interact with. It owns no
// storage itself: it routes operations across the two tier stores, resolving
// reads short-term first with a long-term fallback, and merges listings from
// both tiers into one newest-first page.
type MemoryCoordinator struct {
	shortTerm *ShortTermStore
	longTerm  *LongTermStore
}

// NewMemoryCoordinator wires the two tier stores together.
func NewMemoryCoordinator(shortTerm *ShortTermStore, longTerm *LongTermStore) *MemoryCoordinator {
	return &MemoryCoordinator{
		shortTerm: shortTerm,
		longTerm:  longTerm,
	}
}

// Create routes to the tier named in the request. ttlSeconds only applies
// to the short-term tier; zero selects the configured default.
func (c *MemoryCoordinator) Create(ctx context.Context, userID, content, tier string, metadata json.RawMessage, tags []string, ttlSeconds int) (*models.MemoryEntry, error) {
	var (
		entry *models.MemoryEntry
		err   error
	)
	switch tier {
	case "", models.TierShortTerm:
		entry, err = c.shortTerm.Create(ctx, userID, content, metadata, tags, ttlSeconds)
	case models.TierLongTerm:
		entry, err = c.longTerm.Create(ctx, userID, content, metadata, tags)
	default:
		return nil, &ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", tier)}
	}
	if err != nil {
		if m := GetMetrics(); m != nil && IsQuotaExceeded(err) {
			m.RecordQuotaRejection()
		}
		return nil, err
	}

	if m := GetMetrics(); m != nil {
		m.RecordOperation("create", entry.Tier)
	}
	return entry, nil
}

// Get resolves an entry without the caller knowing which tier holds it:
// short-term first, long-term as fallback. Only absence (not-found or
// expired) triggers the fallback; any other failure propagates immediately.
// Returns (nil, nil) when the entry exists in neither tier.
func (c *MemoryCoordinator) Get(ctx context.Context, userID, entryID string) (*models.MemoryEntry, error) {
	entry, err := c.shortTerm.FindByID(ctx, userID, entryID)
	if err == nil {
		return entry, nil
	}
	var expiredErr *ExpiredError
	if m := GetMetrics(); m != nil && errors.As(err, &expiredErr) {
		m.RecordExpiredRead()
	}
	if !IsNotFound(err) {
		return nil, err
	}
	return c.longTerm.Get(ctx, userID, entryID)
}

// List queries both tiers concurrently with the same filters and merges the
// results newest-first regardless of either tier's internal sort. This is
// the ordering contract callers depend on. Each call is a fresh top-N merge;
// cursors are tier-local and not unified across tiers.
//
// The short-term contribution is advisory: if that tier fails, the listing
// degrades to long-term results alone instead of failing the whole call.
func (c *MemoryCoordinator) List(ctx context.Context, userID string, opts models.ListOptions) (*models.PaginatedResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	var (
		wg        sync.WaitGroup
		shortPage *models.PaginatedResult
		shortErr  error
		longPage  *models.PaginatedResult
		longErr   error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		shortPage, shortErr = c.shortTerm.List(ctx, userID, models.ListOptions{
			Limit:  limit,
			Cursor: opts.Cursor,
			Tags:   opts.Tags,
		})
	}()
	go func() {
		defer wg.Done()
		longPage, longErr = c.longTerm.List(ctx, userID, models.ListOptions{
			Limit:    limit,
			Tags:     opts.Tags,
			Search:   opts.Search,
			DateFrom: opts.DateFrom,
			DateTo:   opts.DateTo,
		})
	}()
	wg.Wait()

	if longErr != nil {
		return nil, longErr
	}
	if shortErr != nil {
		log.Printf("⚠️ [MEMORY] Short-term listing failed, degrading to long-term only: %v", shortErr)
		shortPage = &models.PaginatedResult{}
	}

	// The short-term store filters by tag only; date bounds are applied here.
	merged := make([]*models.MemoryEntry, 0, len(shortPage.Items)+len(longPage.Items))
	for _, item := range shortPage.Items {
		if opts.DateFrom != nil && item.CreatedAt.Before(*opts.DateFrom) {
			continue
		}
		if opts.DateTo != nil && item.CreatedAt.After(*opts.DateTo) {
			continue
		}
		merged = append(merged, item)
	}
	merged = append(merged, longPage.Items...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})

	overflow := len(merged) > limit
	if overflow {
		merged = merged[:limit]
	}

	result := &models.PaginatedResult{
		Items:           merged,
		TotalCount:      shortPage.TotalCount + longPage.TotalCount,
		HasNextPage:     overflow || shortPage.HasNextPage || longPage.HasNextPage,
		HasPreviousPage: opts.Cursor != "",
	}
	if len(merged) > 0 {
		result.StartCursor = merged[0].ID
		result.EndCursor = merged[len(merged)-1].ID
	}
	return result, nil
}

// Update applies a partial update wherever the entry lives: short-term
// first, falling back to the long-term tier on absence. The TTL field is
// meaningless for long-term entries and is dropped on the fallback path.
func (c *MemoryCoordinator) Update(ctx context.Context, userID, entryID string, input *models.UpdateMemoryInput) (*models.MemoryEntry, error) {
	entry, err := c.shortTerm.Update(ctx, userID, entryID, input)
	if err == nil {
		return entry, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	existing, err := c.longTerm.Get(ctx, userID, entryID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, &NotFoundError{EntryID: entryID}
	}

	return c.longTerm.Update(ctx, userID, entryID, &models.UpdateMemoryInput{
		Content:  input.Content,
		Metadata: input.Metadata,
		Tags:     input.Tags,
	})
}

// Delete removes the entry from both tiers independently; neither attempt
// is short-circuited by the other. Each tier's miss is a non-error. Returns
// true if either tier actually removed something.
func (c *MemoryCoordinator) Delete(ctx context.Context, userID, entryID string) (bool, error) {
	removedShort := false
	err := c.shortTerm.Delete(ctx, userID, entryID)
	switch {
	case err == nil:
		removedShort = true
	case !IsNotFound(err):
		return false, err
	}

	removedLong, err := c.longTerm.Delete(ctx, userID, entryID)
	if err != nil {
		return removedShort, err
	}

	return removedShort || removedLong, nil
}

// Promote moves a short-term entry into the long-term tier.
func (c *MemoryCoordinator) Promote(ctx context.Context, userID, entryID string) (*models.MemoryEntry, error) {
	start := time.Now()
	entry, err := c.longTerm.Promote(ctx, userID, entryID)
	if err != nil {
		if m := GetMetrics(); m != nil && IsQuotaExceeded(err) {
			m.RecordQuotaRejection()
		}
		return nil, err
	}

	if m := GetMetrics(); m != nil {
		m.RecordPromotion(time.Since(start).Seconds())
	}
	return entry, nil
}

// Clear wipes a tenant's entries from both tiers and returns the combined
// number removed.
func (c *MemoryCoordinator) Clear(ctx context.Context, userID string) (int64, error) {
	shortDeleted, err := c.shortTerm.Clear(ctx, userID)
	if err != nil {
		return 0, err
	}
	longDeleted, err := c.longTerm.Clear(ctx, userID)
	if err != nil {
		return shortDeleted, err
	}
	return shortDeleted + longDeleted, nil
}

// MemoryStats summarizes a tenant's footprint across both tiers.
type MemoryStats struct {
	ShortTermCount int64 `json:"short_term_count"`
	LongTermCount  int64 `json:"long_term_count"`
	LongTermQuota  int   `json:"long_term_quota"`
}

// Stats reports per-tier counts plus the long-term quota.
func (c *MemoryCoordinator) Stats(ctx context.Context, userID string) (*MemoryStats, error) {
	shortCount, err := c.shortTerm.Count(ctx, userID, models.CountOptions{})
	if err != nil {
		return nil, err
	}
	longCount, err := c.longTerm.Count(ctx, userID, models.CountOptions{})
	if err != nil {
		return nil, err
	}
	return &MemoryStats{
		ShortTermCount: shortCount,
		LongTermCount:  longCount,
		LongTermQuota:  c.longTerm.Quota(),
	}, nil
}

// ShortTerm exposes the short-term store for operations that only make
// sense there (TTL inspection and extension).
func (c *MemoryCoordinator) ShortTerm() *ShortTermStore {
	return c.shortTerm
}
