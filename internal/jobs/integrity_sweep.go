package jobs

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"golang.org/x/time/rate"

	"memvault/internal/models"
	"memvault/internal/services"
)

const sweepBatchSize = 500

// IntegritySweepJob walks the short-term key-space and repairs anomalies:
// keys that lost their TTL get one reassigned from their stored expiry,
// and keys holding corrupt or already-expired payloads are removed. Reads
// normally never see these states because the store checks expiry on every
// fetch; the sweep keeps the key-space from accumulating them anyway.
type IntegritySweepJob struct {
	redis      *services.RedisService
	limiter    *rate.Limiter
	defaultTTL time.Duration
}

// NewIntegritySweepJob creates a sweep job. batchesPerSecond throttles how
// fast the sweep walks Redis so it never crowds out request traffic.
func NewIntegritySweepJob(redis *services.RedisService, defaultTTLSeconds int, batchesPerSecond float64) *IntegritySweepJob {
	if batchesPerSecond <= 0 {
		batchesPerSecond = 10
	}
	return &IntegritySweepJob{
		redis:      redis,
		limiter:    rate.NewLimiter(rate.Limit(batchesPerSecond), 1),
		defaultTTL: time.Duration(defaultTTLSeconds) * time.Second,
	}
}

// Run executes one full sweep over every tenant's short-term keys.
func (j *IntegritySweepJob) Run(ctx context.Context) error {
	var (
		cursor   uint64
		scanned  int
		repaired int
		removed  int
	)

	for {
		if err := j.limiter.Wait(ctx); err != nil {
			return err
		}

		keys, next, err := j.redis.Scan(ctx, cursor, services.AllEntriesPattern(), sweepBatchSize)
		if err != nil {
			return err
		}
		scanned += len(keys)

		for _, key := range keys {
			action, err := j.checkKey(ctx, key)
			if err != nil {
				log.Printf("⚠️ [SWEEP] Failed to check key %s: %v", key, err)
				continue
			}
			switch action {
			case sweepRepaired:
				repaired++
			case sweepRemoved:
				removed++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	log.Printf("🧹 [SWEEP] Scanned %d keys: %d repaired, %d removed", scanned, repaired, removed)
	return nil
}

type sweepAction int

const (
	sweepHealthy sweepAction = iota
	sweepRepaired
	sweepRemoved
)

func (j *IntegritySweepJob) checkKey(ctx context.Context, key string) (sweepAction, error) {
	ttl, err := j.redis.TTL(ctx, key)
	if err != nil {
		return sweepHealthy, err
	}
	if ttl == services.TTLKeyAbsent {
		// Expired between the scan and the check.
		return sweepHealthy, nil
	}

	raw, err := j.redis.Get(ctx, key)
	if err == services.ErrCacheMiss {
		return sweepHealthy, nil
	}
	if err != nil {
		return sweepHealthy, err
	}

	var entry models.MemoryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Printf("🗑️ [SWEEP] Removing corrupt payload at %s", key)
		_, err := j.redis.Delete(ctx, key)
		return sweepRemoved, err
	}

	if entry.Expired(time.Now().UTC()) {
		log.Printf("🗑️ [SWEEP] Removing stale entry at %s", key)
		_, err := j.redis.Delete(ctx, key)
		return sweepRemoved, err
	}

	if ttl == services.TTLNotSet {
		// A short-term key must always carry a physical TTL. Reassign from
		// the stored expiry, falling back to the default when absent.
		remaining := j.defaultTTL
		if entry.ExpiresAt != nil {
			remaining = time.Until(*entry.ExpiresAt)
		}
		if remaining <= 0 {
			_, err := j.redis.Delete(ctx, key)
			return sweepRemoved, err
		}
		log.Printf("🔧 [SWEEP] Restoring TTL (%v) on %s", remaining.Round(time.Second), key)
		if _, err := j.redis.Expire(ctx, key, remaining); err != nil {
			return sweepHealthy, err
		}
		return sweepRepaired, nil
	}

	return sweepHealthy, nil
}
