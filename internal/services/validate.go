package services

import (
	"fmt"
	"sort"

	"memvault/internal/models"
)

func validateContent(content string) error {
	if len(content) < models.MinContentLength {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if len(content) > models.MaxContentLength {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("exceeds %d bytes", models.MaxContentLength)}
	}
	return nil
}

func validateTags(tags []string) error {
	if len(tags) > models.MaxTagCount {
		return &ValidationError{Field: "tags", Reason: fmt.Sprintf("at most %d tags allowed", models.MaxTagCount)}
	}
	for _, tag := range tags {
		if tag == "" {
			return &ValidationError{Field: "tags", Reason: "tags must not be empty"}
		}
		if len(tag) > models.MaxTagLength {
			return &ValidationError{Field: "tags", Reason: fmt.Sprintf("tag %q exceeds %d characters", tag, models.MaxTagLength)}
		}
	}
	return nil
}

func validateTTL(ttlSeconds int) error {
	if ttlSeconds < models.MinTTLSeconds {
		return &TTLValidationError{TTLSeconds: ttlSeconds, Reason: fmt.Sprintf("below minimum of %d seconds", models.MinTTLSeconds)}
	}
	if ttlSeconds > models.MaxTTLSeconds {
		return &TTLValidationError{TTLSeconds: ttlSeconds, Reason: fmt.Sprintf("above maximum of %d seconds", models.MaxTTLSeconds)}
	}
	return nil
}

// normalizeTags deduplicates and sorts a tag set. Order never matters to
// callers, so a canonical order keeps stored payloads stable.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}
