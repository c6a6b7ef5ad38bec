package services

import (
	"fmt"
	"strings"
)

// Short-term entries are keyed memvault:stm:<userID>:<entryID>. The fixed
// prefix keeps the namespace away from any other Redis user, and the colon
// delimiter is rejected inside user ids at the API boundary so one tenant's
// pattern can never match another tenant's keys.
const shortTermKeyPrefix = "memvault:stm"

// EntryKey builds the Redis key for a single short-term entry.
func EntryKey(userID, entryID string) string {
	return fmt.Sprintf("%s:%s:%s", shortTermKeyPrefix, userID, entryID)
}

// TenantPattern builds the SCAN match pattern covering exactly one tenant's
// short-term key-space.
func TenantPattern(userID string) string {
	return fmt.Sprintf("%s:%s:*", shortTermKeyPrefix, userID)
}

// AllEntriesPattern builds the SCAN match pattern covering every tenant's
// short-term key-space. Only maintenance jobs use this.
func AllEntriesPattern() string {
	return shortTermKeyPrefix + ":*"
}

// ParseEntryKey recovers (userID, entryID) from a key produced by EntryKey.
// Entry ids are UUIDs and contain no colon, so the last segment is always
// the entry id even though user ids are opaque.
func ParseEntryKey(key string) (userID, entryID string, ok bool) {
	rest, found := strings.CutPrefix(key, shortTermKeyPrefix+":")
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// ValidUserID reports whether a user id is safe to embed in a key. Redis
// glob metacharacters and the delimiter are refused outright.
func ValidUserID(userID string) bool {
	if userID == "" {
		return false
	}
	return !strings.ContainsAny(userID, ":*?[]\\")
}
