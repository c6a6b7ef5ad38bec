package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"memvault/internal/database"
	"memvault/internal/models"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	return db
}

func newTestLongTermStore(t *testing.T, quota int) (*LongTermStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := NewLongTermStore(newTestDB(t), quota, nil)
	store.now = clock.Now
	return store, clock
}

// newTestTierPair wires a short-term and a long-term store onto the same
// clock, the way the coordinator runs them in production.
func newTestTierPair(t *testing.T, quota int) (*ShortTermStore, *LongTermStore, *fakeCache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cache := newFakeCache(clock)
	shortTerm := NewShortTermStore(cache, 86400)
	shortTerm.now = clock.Now
	longTerm := NewLongTermStore(newTestDB(t), quota, shortTerm)
	longTerm.now = clock.Now
	return shortTerm, longTerm, cache, clock
}

func TestLongTermCreateAndGet(t *testing.T) {
	store, clock := newTestLongTermStore(t, 100)
	ctx := context.Background()

	meta := json.RawMessage(`{"origin":"test"}`)
	entry, err := store.Create(ctx, "user-1", "durable fact", meta, []string{"b", "a", "a"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if entry.Tier != models.TierLongTerm {
		t.Errorf("Expected tier %q, got %q", models.TierLongTerm, entry.Tier)
	}
	if entry.ExpiresAt != nil {
		t.Error("Long-term entries must never carry an expiry")
	}
	if len(entry.Tags) != 2 {
		t.Errorf("Expected deduplicated tags, got %v", entry.Tags)
	}

	got, err := store.Get(ctx, "user-1", entry.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected entry, got nil")
	}
	if got.Content != "durable fact" {
		t.Errorf("Expected content round trip, got %q", got.Content)
	}
	if string(got.Metadata) != `{"origin":"test"}` {
		t.Errorf("Expected metadata round trip, got %s", got.Metadata)
	}
	if !got.CreatedAt.Equal(clock.Now()) {
		t.Errorf("Expected createdAt %v, got %v", clock.Now(), got.CreatedAt)
	}
}

func TestLongTermGetSoftMiss(t *testing.T) {
	store, _ := newTestLongTermStore(t, 100)

	got, err := store.Get(context.Background(), "user-1", "no-such-id")
	if err != nil {
		t.Fatalf("A miss must not be an error, got %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing entry, got %+v", got)
	}
}

func TestLongTermQuota(t *testing.T) {
	store, _ := newTestLongTermStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Create(ctx, "user-1", fmt.Sprintf("entry %d", i), nil, nil); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	_, err := store.Create(ctx, "user-1", "one too many", nil, nil)
	if !IsQuotaExceeded(err) {
		t.Fatalf("Expected QuotaExceededError, got %v", err)
	}

	count, err := store.Count(ctx, "user-1", models.CountOptions{})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Rejected create must not change the count, got %d", count)
	}

	// Another tenant is unaffected by user-1's quota state.
	if _, err := store.Create(ctx, "user-2", "fine", nil, nil); err != nil {
		t.Errorf("Expected other tenant create to succeed, got %v", err)
	}
}

func TestLongTermQuotaConcurrentCreates(t *testing.T) {
	store, _ := newTestLongTermStore(t, 2)
	ctx := context.Background()

	if _, err := store.Create(ctx, "user-1", "first", nil, nil); err != nil {
		t.Fatalf("Seed create failed: %v", err)
	}

	// One slot left, two racing creates: exactly one may win.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.Create(ctx, "user-1", fmt.Sprintf("racer %d", i), nil, nil)
		}(i)
	}
	wg.Wait()

	var successes, quotaFailures int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case IsQuotaExceeded(err):
			quotaFailures++
		default:
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if successes != 1 || quotaFailures != 1 {
		t.Errorf("Expected exactly one winner, got %d successes and %d quota failures", successes, quotaFailures)
	}

	count, err := store.Count(ctx, "user-1", models.CountOptions{})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Final count must equal the quota, got %d", count)
	}
}

func TestLongTermUpdate(t *testing.T) {
	store, _ := newTestLongTermStore(t, 100)
	ctx := context.Background()

	meta := json.RawMessage(`{"k":1}`)
	entry, err := store.Create(ctx, "user-1", "before", meta, []string{"x"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	content := "after"
	updated, err := store.Update(ctx, "user-1", entry.ID, &models.UpdateMemoryInput{Content: &content})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Content != "after" {
		t.Errorf("Expected updated content, got %q", updated.Content)
	}
	if string(updated.Metadata) != `{"k":1}` {
		t.Errorf("Omitted metadata must be preserved, got %s", updated.Metadata)
	}

	// Explicit null clears metadata.
	updated, err = store.Update(ctx, "user-1", entry.ID, &models.UpdateMemoryInput{Metadata: json.RawMessage("null")})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Metadata != nil {
		t.Errorf("Explicit null must clear metadata, got %s", updated.Metadata)
	}
	got, _ := store.Get(ctx, "user-1", entry.ID)
	if got.Metadata != nil {
		t.Errorf("Cleared metadata must persist, got %s", got.Metadata)
	}

	// Missing row
	_, err = store.Update(ctx, "user-1", "no-such-id", &models.UpdateMemoryInput{Content: &content})
	var nfErr *NotFoundError
	if !errors.As(err, &nfErr) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}
}

func TestLongTermDeleteIdempotent(t *testing.T) {
	store, _ := newTestLongTermStore(t, 100)
	ctx := context.Background()

	entry, err := store.Create(ctx, "user-1", "to delete", nil, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	removed, err := store.Delete(ctx, "user-1", entry.ID)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !removed {
		t.Error("Expected first delete to remove the row")
	}

	removed, err = store.Delete(ctx, "user-1", entry.ID)
	if err != nil {
		t.Fatalf("Second delete must not fail, got %v", err)
	}
	if removed {
		t.Error("Expected second delete to be a no-op")
	}
}

func TestLongTermListPaginationAndFilters(t *testing.T) {
	store, clock := newTestLongTermStore(t, 100)
	ctx := context.Background()

	var mid time.Time
	for i := 0; i < 5; i++ {
		tags := []string{"even"}
		if i%2 == 1 {
			tags = []string{"odd"}
		}
		if _, err := store.Create(ctx, "user-1", fmt.Sprintf("note number %d", i), nil, tags); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if i == 2 {
			mid = clock.Now()
		}
		clock.Advance(time.Minute)
	}

	// Default sort: createdAt descending.
	page, err := store.List(ctx, "user-1", models.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(page.Items))
	}
	if page.Items[0].Content != "note number 4" || page.Items[1].Content != "note number 3" {
		t.Errorf("Expected newest first, got %q then %q", page.Items[0].Content, page.Items[1].Content)
	}
	if !page.HasNextPage {
		t.Error("Expected a next page")
	}
	if page.HasPreviousPage {
		t.Error("First page must not report a previous page")
	}
	if page.TotalCount != 5 {
		t.Errorf("Expected totalCount 5, got %d", page.TotalCount)
	}

	// Second page resumes after the cursor.
	second, err := store.List(ctx, "user-1", models.ListOptions{Limit: 2, Cursor: page.EndCursor})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(second.Items) != 2 || second.Items[0].Content != "note number 2" {
		t.Fatalf("Expected page to resume at note 2, got %+v", second.Items)
	}
	if !second.HasPreviousPage {
		t.Error("Cursor page must report a previous page")
	}

	// Tag OR filter.
	page, err = store.List(ctx, "user-1", models.ListOptions{Limit: 10, Tags: []string{"odd"}})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Items) != 2 {
		t.Errorf("Expected 2 odd-tagged items, got %d", len(page.Items))
	}

	// Case-insensitive substring search.
	page, err = store.List(ctx, "user-1", models.ListOptions{Limit: 10, Search: "NUMBER 3"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Content != "note number 3" {
		t.Errorf("Expected search to find note 3, got %+v", page.Items)
	}

	// Inclusive date range from the third entry onward.
	page, err = store.List(ctx, "user-1", models.ListOptions{Limit: 10, DateFrom: &mid})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Items) != 3 {
		t.Errorf("Expected 3 items from mid onward, got %d", len(page.Items))
	}

	// Ascending sort flips the order.
	page, err = store.List(ctx, "user-1", models.ListOptions{Limit: 10, SortOrder: models.SortOrderAsc})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if page.Items[0].Content != "note number 0" {
		t.Errorf("Expected oldest first, got %q", page.Items[0].Content)
	}
}

func TestLongTermClear(t *testing.T) {
	store, _ := newTestLongTermStore(t, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Create(ctx, "user-1", "entry", nil, nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if _, err := store.Create(ctx, "user-2", "other", nil, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	deleted, err := store.Clear(ctx, "user-1")
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("Expected 3 deletions, got %d", deleted)
	}

	count, _ := store.Count(ctx, "user-2", models.CountOptions{})
	if count != 1 {
		t.Errorf("Clear must not touch other tenants, got %d", count)
	}
}

func TestPromoteKeepsIdentity(t *testing.T) {
	shortTerm, longTerm, _, clock := newTestTierPair(t, 100)
	ctx := context.Background()

	meta := json.RawMessage(`{"topic":"go"}`)
	source, err := shortTerm.Create(ctx, "user-1", "x", meta, []string{"a", "b"}, 3600)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	clock.Advance(10 * time.Minute)

	promoted, err := longTerm.Promote(ctx, "user-1", source.ID)
	if err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	if promoted.ID != source.ID {
		t.Errorf("Promotion must keep the id: %s != %s", promoted.ID, source.ID)
	}
	if promoted.Content != source.Content {
		t.Errorf("Promotion must keep the content")
	}
	if string(promoted.Metadata) != string(source.Metadata) {
		t.Errorf("Promotion must keep metadata, got %s", promoted.Metadata)
	}
	if len(promoted.Tags) != 2 {
		t.Errorf("Promotion must keep tags, got %v", promoted.Tags)
	}
	if !promoted.CreatedAt.Equal(source.CreatedAt) {
		t.Errorf("Promotion must preserve createdAt: %v != %v", promoted.CreatedAt, source.CreatedAt)
	}
	if promoted.ExpiresAt != nil {
		t.Error("Promoted entries must not expire")
	}
	if promoted.Tier != models.TierLongTerm {
		t.Errorf("Expected tier %q, got %q", models.TierLongTerm, promoted.Tier)
	}

	// The source is gone from the short-term tier.
	if _, err := shortTerm.FindByID(ctx, "user-1", source.ID); !IsNotFound(err) {
		t.Errorf("Expected source to be deleted after promotion, got %v", err)
	}

	// And durable in the long-term tier.
	got, err := longTerm.Get(ctx, "user-1", source.ID)
	if err != nil || got == nil {
		t.Fatalf("Expected promoted entry in long-term tier, got %+v / %v", got, err)
	}
}

func TestPromoteMissingSource(t *testing.T) {
	shortTerm, longTerm, _, clock := newTestTierPair(t, 100)
	ctx := context.Background()

	var promoErr *PromotionError

	// Never existed.
	_, err := longTerm.Promote(ctx, "user-1", "ghost")
	if !errors.As(err, &promoErr) {
		t.Fatalf("Expected PromotionError, got %v", err)
	}

	// Existed but expired before promotion.
	source, err := shortTerm.Create(ctx, "user-1", "fleeting", nil, nil, 60)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	clock.Advance(2 * time.Minute)
	_, err = longTerm.Promote(ctx, "user-1", source.ID)
	if !errors.As(err, &promoErr) {
		t.Fatalf("Expected PromotionError for expired source, got %v", err)
	}
}

func TestPromoteWithoutShortTermStore(t *testing.T) {
	store, _ := newTestLongTermStore(t, 100)

	_, err := store.Promote(context.Background(), "user-1", "id")
	var promoErr *PromotionError
	if !errors.As(err, &promoErr) {
		t.Fatalf("Expected PromotionError, got %v", err)
	}
}

func TestPromoteQuotaRollback(t *testing.T) {
	shortTerm, longTerm, _, _ := newTestTierPair(t, 1)
	ctx := context.Background()

	if _, err := longTerm.Create(ctx, "user-1", "occupies the only slot", nil, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	source, err := shortTerm.Create(ctx, "user-1", "wants in", nil, nil, 3600)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = longTerm.Promote(ctx, "user-1", source.ID)
	if !IsQuotaExceeded(err) {
		t.Fatalf("Expected QuotaExceededError, got %v", err)
	}

	// Rollback: no long-term row and the short-term source is untouched.
	count, _ := longTerm.Count(ctx, "user-1", models.CountOptions{})
	if count != 1 {
		t.Errorf("Expected count to stay at 1, got %d", count)
	}
	if _, err := shortTerm.FindByID(ctx, "user-1", source.ID); err != nil {
		t.Errorf("Failed promotion must leave the source alone, got %v", err)
	}
}

func TestPromoteSurvivesSourceDeleteFailure(t *testing.T) {
	shortTerm, longTerm, cache, _ := newTestTierPair(t, 100)
	ctx := context.Background()

	source, err := shortTerm.Create(ctx, "user-1", "durable anyway", nil, nil, 3600)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// The cache goes away between the commit and the source cleanup.
	cache.delErr = errors.New("connection refused")

	promoted, err := longTerm.Promote(ctx, "user-1", source.ID)
	if err != nil {
		t.Fatalf("Promotion must succeed despite the cleanup failure, got %v", err)
	}
	if promoted.ID != source.ID {
		t.Errorf("Expected promoted entry, got %+v", promoted)
	}

	// The stale short-term copy is still there; it will expire on its own.
	if _, err := shortTerm.FindByID(ctx, "user-1", source.ID); err != nil {
		t.Errorf("Expected stale source copy to remain, got %v", err)
	}
}

func TestLongTermTenantIsolation(t *testing.T) {
	store, _ := newTestLongTermStore(t, 100)
	ctx := context.Background()

	entry, err := store.Create(ctx, "user-a", "private", nil, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "user-b", entry.ID)
	if err != nil || got != nil {
		t.Errorf("Expected cross-tenant get to miss, got %+v / %v", got, err)
	}

	removed, err := store.Delete(ctx, "user-b", entry.ID)
	if err != nil || removed {
		t.Errorf("Expected cross-tenant delete to be a no-op, got %v / %v", removed, err)
	}

	content := "hijacked"
	if _, err := store.Update(ctx, "user-b", entry.ID, &models.UpdateMemoryInput{Content: &content}); !IsNotFound(err) {
		t.Errorf("Expected cross-tenant update to miss, got %v", err)
	}
}
