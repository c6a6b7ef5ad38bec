package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"memvault/internal/models"

	"github.com/google/uuid"
)

// scanBatchSize bounds how many keys a single SCAN/MGET round trip touches
// so a large tenant never gets loaded into memory in one shot.
const scanBatchSize = 1000

// Cache is the narrow slice of Redis the short-term tier consumes.
// *RedisService satisfies it; tests substitute an in-memory fake.
type Cache interface {
	// Get returns ErrCacheMiss when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	// Delete reports how many of the keys actually existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// TTL returns TTLNotSet (-1) for keys without expiry and TTLKeyAbsent
	// (-2) for missing keys.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Scan resumes from cursor and returns the next cursor; zero means done.
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	// MGet returns nil for absent keys.
	MGet(ctx context.Context, keys ...string) ([]interface{}, error)
}

// ShortTermStore owns all short-term memory entries in the Redis tier. The
// physical key TTL doubles as the deletion mechanism: entries vanish on
// their own once their lifetime elapses.
type ShortTermStore struct {
	cache Cache

	mu         sync.RWMutex
	defaultTTL int

	now func() time.Time
}

// NewShortTermStore creates a short-term store. defaultTTLSeconds is applied
// when a create omits the TTL; it must itself be within bounds.
func NewShortTermStore(cache Cache, defaultTTLSeconds int) *ShortTermStore {
	if defaultTTLSeconds < models.MinTTLSeconds || defaultTTLSeconds > models.MaxTTLSeconds {
		defaultTTLSeconds = 86400
	}
	return &ShortTermStore{
		cache:      cache,
		defaultTTL: defaultTTLSeconds,
		now:        time.Now,
	}
}

// DefaultTTL returns the TTL applied when a create omits one.
func (s *ShortTermStore) DefaultTTL() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultTTL
}

// SetDefaultTTL adjusts the default TTL at runtime. Out-of-bounds values are
// ignored. Only future creates are affected.
func (s *ShortTermStore) SetDefaultTTL(seconds int) {
	if seconds < models.MinTTLSeconds || seconds > models.MaxTTLSeconds {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultTTL = seconds
}

// Create validates the input, assigns an id and writes the entry under a
// physical TTL equal to ttlSeconds. A zero ttlSeconds selects the default.
func (s *ShortTermStore) Create(ctx context.Context, userID, content string, metadata json.RawMessage, tags []string, ttlSeconds int) (*models.MemoryEntry, error) {
	if !ValidUserID(userID) {
		return nil, &ValidationError{Field: "user_id", Reason: "must be non-empty and free of key delimiters"}
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}
	if err := validateTags(tags); err != nil {
		return nil, err
	}
	if ttlSeconds == 0 {
		ttlSeconds = s.DefaultTTL()
	}
	if err := validateTTL(ttlSeconds); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(time.Duration(ttlSeconds) * time.Second)
	entry := &models.MemoryEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		Content:    content,
		Metadata:   metadata,
		Tags:       normalizeTags(tags),
		Tier:       models.TierShortTerm,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  &expiresAt,
		TTLSeconds: ttlSeconds,
	}

	if err := s.write(ctx, entry); err != nil {
		return nil, err
	}

	log.Printf("🧠 [MEMORY-STM] Created entry %s for user %s (ttl=%ds)", entry.ID, userID, ttlSeconds)
	return entry, nil
}

// FindByID loads one entry. A key that is physically present but logically
// past its TTL (clock or propagation skew) is deleted and reported as
// expired rather than served stale.
func (s *ShortTermStore) FindByID(ctx context.Context, userID, entryID string) (*models.MemoryEntry, error) {
	key := EntryKey(userID, entryID)

	raw, err := s.cache.Get(ctx, key)
	if err == ErrCacheMiss {
		return nil, &NotFoundError{EntryID: entryID}
	}
	if err != nil {
		return nil, &StoreError{Op: "shortterm.find", Err: err}
	}

	entry, err := s.decode(ctx, key, raw)
	if err != nil {
		return nil, err
	}

	if entry.Expired(s.now()) {
		if _, delErr := s.cache.Delete(ctx, key); delErr != nil {
			log.Printf("⚠️ [MEMORY-STM] Failed to clean up expired key %s: %v", key, delErr)
		}
		return nil, &ExpiredError{EntryID: entryID}
	}

	return entry, nil
}

// Update merges the provided fields over the stored entry and rewrites it
// with a fresh physical TTL. Every update restarts the countdown from now,
// even when the TTL value itself is unchanged: touching an entry extends
// its life.
func (s *ShortTermStore) Update(ctx context.Context, userID, entryID string, input *models.UpdateMemoryInput) (*models.MemoryEntry, error) {
	entry, err := s.FindByID(ctx, userID, entryID)
	if err != nil {
		return nil, err
	}

	if input.Content != nil {
		if err := validateContent(*input.Content); err != nil {
			return nil, err
		}
		entry.Content = *input.Content
	}
	if input.Tags != nil {
		if err := validateTags(*input.Tags); err != nil {
			return nil, err
		}
		entry.Tags = normalizeTags(*input.Tags)
	}
	if input.Metadata != nil {
		if input.MetadataCleared() {
			entry.Metadata = nil
		} else {
			entry.Metadata = input.Metadata
		}
	}

	ttlSeconds := entry.TTLSeconds
	if input.TTLSeconds != nil {
		ttlSeconds = *input.TTLSeconds
	}
	if err := validateTTL(ttlSeconds); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(time.Duration(ttlSeconds) * time.Second)
	entry.UpdatedAt = now
	entry.ExpiresAt = &expiresAt
	entry.TTLSeconds = ttlSeconds

	if err := s.write(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Delete removes one entry. Deleting a key that does not exist is an error
// at this layer; the coordinator decides whether to swallow it.
func (s *ShortTermStore) Delete(ctx context.Context, userID, entryID string) error {
	removed, err := s.cache.Delete(ctx, EntryKey(userID, entryID))
	if err != nil {
		return &StoreError{Op: "shortterm.delete", Err: err}
	}
	if removed == 0 {
		return &NotFoundError{EntryID: entryID}
	}
	return nil
}

// GetTTL returns the remaining physical TTL in seconds. A key without a TTL
// is a data-integrity anomaly for this tier (every short-term key is written
// with one); it is reported as zero remaining seconds, not a failure.
func (s *ShortTermStore) GetTTL(ctx context.Context, userID, entryID string) (int, error) {
	ttl, err := s.cache.TTL(ctx, EntryKey(userID, entryID))
	if err != nil {
		return 0, &StoreError{Op: "shortterm.ttl", Err: err}
	}
	switch ttl {
	case TTLKeyAbsent:
		return 0, &NotFoundError{EntryID: entryID}
	case TTLNotSet:
		log.Printf("⚠️ [MEMORY-STM] Entry %s carries no TTL (integrity anomaly)", entryID)
		return 0, nil
	}
	return int(ttl / time.Second), nil
}

// ExtendTTL adds additionalSeconds to the entry's remaining lifetime. The
// extended total must still be within bounds.
func (s *ShortTermStore) ExtendTTL(ctx context.Context, userID, entryID string, additionalSeconds int) (*models.MemoryEntry, error) {
	if additionalSeconds <= 0 {
		return nil, &TTLValidationError{TTLSeconds: additionalSeconds, Reason: "extension must be positive"}
	}

	remaining, err := s.GetTTL(ctx, userID, entryID)
	if err != nil {
		return nil, err
	}

	extended := remaining + additionalSeconds
	if err := validateTTL(extended); err != nil {
		return nil, err
	}

	return s.Update(ctx, userID, entryID, &models.UpdateMemoryInput{TTLSeconds: &extended})
}

// List pages through the tenant's key-space with a resumable SCAN. The
// cursor in the options is the SCAN cursor from a previous page; the
// returned end cursor is the one to resume from. Tag filtering uses OR
// semantics and happens after batch-fetching candidates.
func (s *ShortTermStore) List(ctx context.Context, userID string, opts models.ListOptions) (*models.PaginatedResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	cursor, err := parseScanCursor(opts.Cursor)
	if err != nil {
		return nil, err
	}

	pattern := TenantPattern(userID)
	items := make([]*models.MemoryEntry, 0, limit)
	exhausted := false

	for len(items) < limit {
		keys, next, err := s.cache.Scan(ctx, cursor, pattern, scanBatchSize)
		if err != nil {
			return nil, &StoreError{Op: "shortterm.list", Err: err}
		}
		cursor = next

		batch, err := s.fetchBatch(ctx, keys)
		if err != nil {
			return nil, err
		}
		for _, entry := range batch {
			if !entry.HasAnyTag(opts.Tags) {
				continue
			}
			items = append(items, entry)
			if len(items) == limit {
				break
			}
		}

		if cursor == 0 {
			exhausted = true
			break
		}
	}

	total, err := s.Count(ctx, userID, models.CountOptions{Tags: opts.Tags})
	if err != nil {
		return nil, err
	}

	result := &models.PaginatedResult{
		Items:           items,
		TotalCount:      total,
		HasNextPage:     !exhausted,
		HasPreviousPage: opts.Cursor != "",
		StartCursor:     opts.Cursor,
	}
	if !exhausted {
		result.EndCursor = strconv.FormatUint(cursor, 10)
	}
	return result, nil
}

// Count enumerates the tenant's key-space in bounded batches, honoring the
// same OR tag matching as List. Concurrent writes during the scan make the
// result approximate, which is the documented contract.
func (s *ShortTermStore) Count(ctx context.Context, userID string, opts models.CountOptions) (int64, error) {
	pattern := TenantPattern(userID)
	var (
		cursor uint64
		total  int64
	)

	for {
		keys, next, err := s.cache.Scan(ctx, cursor, pattern, scanBatchSize)
		if err != nil {
			return 0, &StoreError{Op: "shortterm.count", Err: err}
		}

		if len(opts.Tags) == 0 {
			total += int64(len(keys))
		} else {
			batch, err := s.fetchBatch(ctx, keys)
			if err != nil {
				return 0, err
			}
			for _, entry := range batch {
				if entry.HasAnyTag(opts.Tags) {
					total++
				}
			}
		}

		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

// Clear bulk-deletes every key in the tenant's key-space and returns how
// many were removed.
func (s *ShortTermStore) Clear(ctx context.Context, userID string) (int64, error) {
	pattern := TenantPattern(userID)
	var (
		cursor  uint64
		deleted int64
	)

	for {
		keys, next, err := s.cache.Scan(ctx, cursor, pattern, scanBatchSize)
		if err != nil {
			return deleted, &StoreError{Op: "shortterm.clear", Err: err}
		}

		if len(keys) > 0 {
			n, err := s.cache.Delete(ctx, keys...)
			if err != nil {
				return deleted, &StoreError{Op: "shortterm.clear", Err: err}
			}
			deleted += n
		}

		if next == 0 {
			log.Printf("🗑️ [MEMORY-STM] Cleared %d entries for user %s", deleted, userID)
			return deleted, nil
		}
		cursor = next
	}
}

// write serializes the entry and stores it under a physical TTL matching
// its logical one, keeping content and expiry mutually consistent.
func (s *ShortTermStore) write(ctx context.Context, entry *models.MemoryEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return &StoreError{Op: "shortterm.encode", Err: err}
	}
	key := EntryKey(entry.UserID, entry.ID)
	ttl := time.Duration(entry.TTLSeconds) * time.Second
	if err := s.cache.Set(ctx, key, string(payload), ttl); err != nil {
		return &StoreError{Op: "shortterm.write", Err: err}
	}
	return nil
}

// decode parses a stored payload. Corrupt payloads fail closed: the key is
// dropped and the entry reported as not found instead of crashing callers.
func (s *ShortTermStore) decode(ctx context.Context, key, raw string) (*models.MemoryEntry, error) {
	var entry models.MemoryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Printf("⚠️ [MEMORY-STM] Corrupt payload at %s, dropping: %v", key, err)
		if _, delErr := s.cache.Delete(ctx, key); delErr != nil {
			log.Printf("⚠️ [MEMORY-STM] Failed to drop corrupt key %s: %v", key, delErr)
		}
		_, entryID, _ := ParseEntryKey(key)
		return nil, &NotFoundError{EntryID: entryID}
	}
	return &entry, nil
}

// fetchBatch MGETs a set of keys and decodes the live ones, skipping keys
// that vanished between SCAN and MGET, entries already past their TTL, and
// corrupt payloads.
func (s *ShortTermStore) fetchBatch(ctx context.Context, keys []string) ([]*models.MemoryEntry, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.cache.MGet(ctx, keys...)
	if err != nil {
		return nil, &StoreError{Op: "shortterm.mget", Err: err}
	}

	now := s.now()
	entries := make([]*models.MemoryEntry, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue // expired or deleted mid-scan
		}
		entry, err := s.decode(ctx, keys[i], raw)
		if err != nil {
			continue
		}
		if entry.Expired(now) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseScanCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: "cursor", Reason: fmt.Sprintf("not a scan cursor: %q", cursor)}
	}
	return parsed, nil
}
