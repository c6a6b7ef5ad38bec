package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"memvault/internal/database"
	"memvault/internal/models"

	"github.com/google/uuid"
)

// sqlTimeLayout is RFC3339 UTC with a fixed nine-digit fractional part, so
// stored timestamps compare correctly as strings in range filters and
// ORDER BY on both MySQL and SQLite.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

// DefaultMaxMemoriesPerUser caps a tenant's long-term entries unless
// configured otherwise.
const DefaultMaxMemoriesPerUser = 10000

// LongTermStore owns all long-term memory entries in the relational tier.
// Rows never expire; capacity is bounded instead by a per-tenant quota that
// every create and promotion re-checks inside a transaction.
type LongTermStore struct {
	db        *database.DB
	shortTerm *ShortTermStore

	mu    sync.RWMutex
	quota int

	now func() time.Time
}

// NewLongTermStore creates a long-term store. shortTerm may be nil, in which
// case Promote refuses to run; everything else works standalone.
func NewLongTermStore(db *database.DB, maxMemoriesPerUser int, shortTerm *ShortTermStore) *LongTermStore {
	if maxMemoriesPerUser <= 0 {
		maxMemoriesPerUser = DefaultMaxMemoriesPerUser
	}
	return &LongTermStore{
		db:        db,
		shortTerm: shortTerm,
		quota:     maxMemoriesPerUser,
		now:       time.Now,
	}
}

// Quota returns the current per-tenant entry limit.
func (s *LongTermStore) Quota() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quota
}

// SetQuota adjusts the per-tenant limit at runtime (limits file hot reload).
// Tenants already above a lowered limit keep their rows; they just cannot
// add more.
func (s *LongTermStore) SetQuota(max int) {
	if max <= 0 {
		return
	}
	s.mu.Lock()
	s.quota = max
	s.mu.Unlock()
	log.Printf("📋 [MEMORY-LTM] Per-user memory quota set to %d", max)
}

// Create validates the input, checks the tenant quota and inserts a new
// durable row, all within one transaction so two concurrent creations
// cannot jointly exceed the limit.
func (s *LongTermStore) Create(ctx context.Context, userID, content string, metadata json.RawMessage, tags []string) (*models.MemoryEntry, error) {
	if !ValidUserID(userID) {
		return nil, &ValidationError{Field: "user_id", Reason: "must be non-empty and free of key delimiters"}
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}
	if err := validateTags(tags); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	entry := &models.MemoryEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   content,
		Metadata:  metadata,
		Tags:      normalizeTags(tags),
		Tier:      models.TierLongTerm,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.insertWithQuotaCheck(ctx, entry); err != nil {
		return nil, err
	}

	log.Printf("📚 [MEMORY-LTM] Created entry %s for user %s", entry.ID, userID)
	return entry, nil
}

// Get looks up one entry scoped by id, tenant and tier. A miss returns
// (nil, nil): this tier's soft-miss contract, which the coordinator bridges
// to the short-term store's throwing one.
func (s *LongTermStore) Get(ctx context.Context, userID, entryID string) (*models.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, content, metadata, tags, created_at, updated_at
		FROM memories
		WHERE id = ? AND user_id = ? AND type = ?
	`, entryID, userID, models.TierLongTerm)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "longterm.get", Err: err}
	}
	return entry, nil
}

// Update applies the provided fields to an existing row. Omitted fields are
// untouched; explicit JSON null clears metadata.
func (s *LongTermStore) Update(ctx context.Context, userID, entryID string, input *models.UpdateMemoryInput) (*models.MemoryEntry, error) {
	entry, err := s.Get(ctx, userID, entryID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &NotFoundError{EntryID: entryID}
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
	entry.UpdatedAt = s.now().UTC()

	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return nil, &StoreError{Op: "longterm.update", Err: err}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET content = ?, metadata = ?, tags = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND type = ?
	`, entry.Content, metadataParam(entry.Metadata), string(tags),
		entry.UpdatedAt.Format(sqlTimeLayout), entryID, userID, models.TierLongTerm)
	if err != nil {
		return nil, &StoreError{Op: "longterm.update", Err: err}
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, &NotFoundError{EntryID: entryID}
	}

	return entry, nil
}

// Delete removes one row and reports whether anything was actually removed.
// A miss is not an error; deletion is idempotent from the caller's side.
func (s *LongTermStore) Delete(ctx context.Context, userID, entryID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE id = ? AND user_id = ? AND type = ?
	`, entryID, userID, models.TierLongTerm)
	if err != nil {
		return false, &StoreError{Op: "longterm.delete", Err: err}
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, &StoreError{Op: "longterm.delete", Err: err}
	}
	return affected > 0, nil
}

// List returns a filtered, sorted page of the tenant's entries. It fetches
// limit+1 rows past the cursor to detect a next page without a second
// count-ahead query; the extra row is trimmed before returning.
func (s *LongTermStore) List(ctx context.Context, userID string, opts models.ListOptions) (*models.PaginatedResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	sortCol, err := sortColumn(opts.SortBy)
	if err != nil {
		return nil, err
	}
	desc := opts.SortOrder != models.SortOrderAsc

	where, args := buildFilter(userID, models.CountOptions{
		Tags:     opts.Tags,
		Search:   opts.Search,
		DateFrom: opts.DateFrom,
		DateTo:   opts.DateTo,
	})

	if opts.Cursor != "" {
		cursorSort, err := s.cursorSortValue(ctx, userID, opts.Cursor, sortCol)
		if err != nil {
			return nil, err
		}
		cmp := "<"
		if !desc {
			cmp = ">"
		}
		where += fmt.Sprintf(" AND (%s %s ? OR (%s = ? AND id %s ?))", sortCol, cmp, sortCol, cmp)
		args = append(args, cursorSort, cursorSort, opts.Cursor)
	}

	direction := "DESC"
	if !desc {
		direction = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT id, user_id, content, metadata, tags, created_at, updated_at
		FROM memories
		WHERE %s
		ORDER BY %s %s, id %s
		LIMIT ?
	`, where, sortCol, direction, direction)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "longterm.list", Err: err}
	}
	defer rows.Close()

	var items []*models.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, &StoreError{Op: "longterm.list", Err: err}
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "longterm.list", Err: err}
	}

	hasNext := len(items) > limit
	if hasNext {
		items = items[:limit]
	}

	total, err := s.Count(ctx, userID, models.CountOptions{
		Tags:     opts.Tags,
		Search:   opts.Search,
		DateFrom: opts.DateFrom,
		DateTo:   opts.DateTo,
	})
	if err != nil {
		return nil, err
	}

	result := &models.PaginatedResult{
		Items:           items,
		TotalCount:      total,
		HasNextPage:     hasNext,
		HasPreviousPage: opts.Cursor != "",
	}
	if len(items) > 0 {
		result.StartCursor = items[0].ID
		result.EndCursor = items[len(items)-1].ID
	}
	return result, nil
}

// Count runs the same filter construction as List, count-only.
func (s *LongTermStore) Count(ctx context.Context, userID string, opts models.CountOptions) (int64, error) {
	where, args := buildFilter(userID, opts)
	var total int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE "+where, args...).Scan(&total)
	if err != nil {
		return 0, &StoreError{Op: "longterm.count", Err: err}
	}
	return total, nil
}

// Clear deletes every long-term row for the tenant and returns how many
// were removed.
func (s *LongTermStore) Clear(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE user_id = ? AND type = ?
	`, userID, models.TierLongTerm)
	if err != nil {
		return 0, &StoreError{Op: "longterm.clear", Err: err}
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, &StoreError{Op: "longterm.clear", Err: err}
	}
	log.Printf("🗑️ [MEMORY-LTM] Cleared %d entries for user %s", deleted, userID)
	return deleted, nil
}

// Promote moves one entry from the short-term tier into this one, keeping
// its id, content, metadata, tags and creation time.
//
// The quota re-check and the insert run in a single transaction, so a
// concurrent promotion or creation cannot push the tenant past the limit.
// Only after that transaction commits is the short-term source deleted, and
// a failure there is logged but does not fail the promotion: a stale
// duplicate expires on its own TTL, whereas rolling back the durable copy
// would lose data.
func (s *LongTermStore) Promote(ctx context.Context, userID, entryID string) (*models.MemoryEntry, error) {
	if s.shortTerm == nil {
		return nil, &PromotionError{EntryID: entryID, Reason: "short-term store is not configured"}
	}

	source, err := s.shortTerm.FindByID(ctx, userID, entryID)
	if err != nil {
		if IsNotFound(err) {
			return nil, &PromotionError{EntryID: entryID, Reason: "source entry not found in short-term tier", Err: err}
		}
		return nil, err
	}

	now := s.now().UTC()
	entry := &models.MemoryEntry{
		ID:        source.ID,
		UserID:    source.UserID,
		Content:   source.Content,
		Metadata:  source.Metadata,
		Tags:      source.Tags,
		Tier:      models.TierLongTerm,
		CreatedAt: source.CreatedAt,
		UpdatedAt: now,
	}

	if err := s.insertWithQuotaCheck(ctx, entry); err != nil {
		return nil, err
	}

	// Best-effort cleanup of the source. The long-term row is already
	// committed; never roll it back because the cache was unreachable.
	if err := s.shortTerm.Delete(ctx, userID, entryID); err != nil && !IsNotFound(err) {
		log.Printf("⚠️ [MEMORY-LTM] Promoted %s but failed to delete short-term source: %v", entryID, err)
	}

	log.Printf("⬆️ [MEMORY-LTM] Promoted entry %s for user %s", entryID, userID)
	return entry, nil
}

// insertWithQuotaCheck re-validates the tenant's row count against the
// quota and inserts, atomically. Exceeding the quota rolls everything back.
func (s *LongTermStore) insertWithQuotaCheck(ctx context.Context, entry *models.MemoryEntry) error {
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return &StoreError{Op: "longterm.insert", Err: err}
	}

	tx, err := s.db.BeginTx(ctx, s.txOptions())
	if err != nil {
		return &StoreError{Op: "longterm.insert", Err: err}
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories WHERE user_id = ? AND type = ?
	`, entry.UserID, models.TierLongTerm).Scan(&count)
	if err != nil {
		return &StoreError{Op: "longterm.insert", Err: err}
	}

	limit := s.Quota()
	if count >= limit {
		return &QuotaExceededError{UserID: entry.UserID, Limit: limit}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, content, metadata, tags, type, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, entry.ID, entry.UserID, entry.Content, metadataParam(entry.Metadata), string(tags),
		models.TierLongTerm, entry.CreatedAt.Format(sqlTimeLayout), entry.UpdatedAt.Format(sqlTimeLayout))
	if err != nil {
		return &StoreError{Op: "longterm.insert", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "longterm.insert", Err: err}
	}
	return nil
}

// txOptions selects serializable isolation on MySQL, where the default
// level would let two concurrent quota checks both pass. SQLite serializes
// writers on its own.
func (s *LongTermStore) txOptions() *sql.TxOptions {
	if s.db.Driver() == "mysql" {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

// cursorSortValue resolves a cursor (the previous page's last row id) into
// that row's sort-column value for keyset pagination.
func (s *LongTermStore) cursorSortValue(ctx context.Context, userID, cursor, sortCol string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM memories WHERE id = ? AND user_id = ? AND type = ?
	`, sortCol), cursor, userID, models.TierLongTerm).Scan(&value)
	if err == sql.ErrNoRows {
		return "", &ValidationError{Field: "cursor", Reason: fmt.Sprintf("unknown cursor %q", cursor)}
	}
	if err != nil {
		return "", &StoreError{Op: "longterm.cursor", Err: err}
	}
	return value, nil
}

// buildFilter assembles the WHERE clause shared by List and Count:
// tenant + tier scope, OR tag match, inclusive created_at range and
// case-insensitive substring search.
func buildFilter(userID string, opts models.CountOptions) (string, []interface{}) {
	clauses := []string{"user_id = ?", "type = ?"}
	args := []interface{}{userID, models.TierLongTerm}

	if len(opts.Tags) > 0 {
		// Tags are stored as a JSON array, so a containment check is a
		// substring match on the quoted tag.
		tagClauses := make([]string, 0, len(opts.Tags))
		for _, tag := range opts.Tags {
			quoted, _ := json.Marshal(tag)
			tagClauses = append(tagClauses, "tags LIKE ?")
			args = append(args, "%"+string(quoted)+"%")
		}
		clauses = append(clauses, "("+strings.Join(tagClauses, " OR ")+")")
	}

	if opts.DateFrom != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, opts.DateFrom.UTC().Format(sqlTimeLayout))
	}
	if opts.DateTo != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, opts.DateTo.UTC().Format(sqlTimeLayout))
	}

	if opts.Search != "" {
		clauses = append(clauses, "LOWER(content) LIKE ?")
		args = append(args, "%"+strings.ToLower(opts.Search)+"%")
	}

	return strings.Join(clauses, " AND "), args
}

func sortColumn(sortBy string) (string, error) {
	switch sortBy {
	case "", models.SortByCreatedAt:
		return "created_at", nil
	case models.SortByUpdatedAt:
		return "updated_at", nil
	default:
		return "", &ValidationError{Field: "sort_by", Reason: fmt.Sprintf("unsupported sort column %q", sortBy)}
	}
}

// metadataParam maps absent metadata to SQL NULL.
func metadataParam(metadata json.RawMessage) interface{} {
	if len(metadata) == 0 {
		return nil
	}
	return string(metadata)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*models.MemoryEntry, error) {
	var (
		entry     models.MemoryEntry
		metadata  sql.NullString
		tags      string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&entry.ID, &entry.UserID, &entry.Content, &metadata, &tags, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	entry.Tier = models.TierLongTerm
	if metadata.Valid {
		entry.Metadata = json.RawMessage(metadata.String)
	}
	if err := json.Unmarshal([]byte(tags), &entry.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags column for entry %s: %w", entry.ID, err)
	}
	if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at for entry %s: %w", entry.ID, err)
	}
	if entry.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at for entry %s: %w", entry.ID, err)
	}
	return &entry, nil
}
