package models

import (
	"encoding/json"
	"time"
)

// Tier identifies which storage backend holds a memory entry.
const (
	TierShortTerm = "short-term" // Redis, TTL-bound
	TierLongTerm  = "long-term"  // relational, durable
)

// Validation bounds for memory entries. TTL bounds are 1 minute to 7 days.
const (
	MinContentLength = 1
	MaxContentLength = 10240
	MaxTagCount      = 50
	MaxTagLength     = 100
	MinTTLSeconds    = 60
	MaxTTLSeconds    = 604800
)

// MemoryEntry is a single piece of remembered context for a tenant.
// Short-term entries live in Redis with a physical TTL; long-term entries
// live as relational rows and never expire.
type MemoryEntry struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Tags      []string        `json:"tags"`
	Tier      string          `json:"tier"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	// ExpiresAt and TTLSeconds are set only for short-term entries.
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	TTLSeconds int        `json:"ttl_seconds,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
// Long-term entries never expire.
func (m *MemoryEntry) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// HasAnyTag reports whether the entry carries at least one of the given
// tags (OR semantics). An empty filter matches everything.
func (m *MemoryEntry) HasAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range m.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// UpdateMemoryInput carries a partial update. Nil fields are left untouched.
// Metadata distinguishes "omitted" (nil) from "explicitly cleared" (the JSON
// literal null), so callers can erase metadata on purpose without every
// update wiping it by accident.
type UpdateMemoryInput struct {
	Content    *string         `json:"content"`
	Metadata   json.RawMessage `json:"metadata"`
	Tags       *[]string       `json:"tags"`
	TTLSeconds *int            `json:"ttl_seconds"`
}

// MetadataCleared reports whether the update explicitly sets metadata to null.
func (u *UpdateMemoryInput) MetadataCleared() bool {
	return string(u.Metadata) == "null"
}

// Empty reports whether the update would change nothing.
func (u *UpdateMemoryInput) Empty() bool {
	return u.Content == nil && u.Metadata == nil && u.Tags == nil && u.TTLSeconds == nil
}

// Sort columns accepted by the long-term store.
const (
	SortByCreatedAt = "createdAt"
	SortByUpdatedAt = "updatedAt"

	SortOrderAsc  = "asc"
	SortOrderDesc = "desc"
)

// ListOptions filters and paginates a listing. Cursor meaning is tier-local:
// the short-term store treats it as a Redis SCAN cursor, the long-term store
// as the id of the previous page's last row.
type ListOptions struct {
	Limit     int
	Cursor    string
	Tags      []string
	Search    string
	DateFrom  *time.Time
	DateTo    *time.Time
	SortBy    string
	SortOrder string
}

// CountOptions filters a count. Same semantics as the matching ListOptions
// fields.
type CountOptions struct {
	Tags     []string
	Search   string
	DateFrom *time.Time
	DateTo   *time.Time
}

// PaginatedResult is the envelope every listing returns.
type PaginatedResult struct {
	Items           []*MemoryEntry `json:"items"`
	TotalCount      int64          `json:"total_count"`
	HasNextPage     bool           `json:"has_next_page"`
	HasPreviousPage bool           `json:"has_previous_page"`
	StartCursor     string         `json:"start_cursor,omitempty"`
	EndCursor       string         `json:"end_cursor,omitempty"`
}
