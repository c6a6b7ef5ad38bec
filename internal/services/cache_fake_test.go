package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeCache is an in-memory stand-in for Redis with lazy TTL expiry driven
// by the same clock the store under test uses.
type fakeCache struct {
	mu    sync.Mutex
	clock *fakeClock
	data  map[string]fakeCacheEntry

	// Error injection, one error per field; consumed on first use.
	scanErr error
	getErr  error
	delErr  error
}

type fakeCacheEntry struct {
	value     string
	expiresAt time.Time // zero means no TTL
}

func newFakeCache(clock *fakeClock) *fakeCache {
	return &fakeCache{clock: clock, data: make(map[string]fakeCacheEntry)}
}

func (f *fakeCache) expired(e fakeCacheEntry) bool {
	return !e.expiresAt.IsZero() && !f.clock.Now().Before(e.expiresAt)
}

// setWithoutTTL plants a key with no expiry, simulating the integrity
// anomaly GetTTL has to report.
func (f *fakeCache) setWithoutTTL(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = fakeCacheEntry{value: value}
}

func (f *fakeCache) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		err := f.getErr
		f.getErr = nil
		return "", err
	}
	e, ok := f.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	if f.expired(e) {
		delete(f.data, key)
		return "", ErrCacheMiss
	}
	return e.value, nil
}

func (f *fakeCache) Set(_ context.Context, key, value string, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := fakeCacheEntry{value: value}
	if expiration > 0 {
		e.expiresAt = f.clock.Now().Add(expiration)
	}
	f.data[key] = e
	return nil
}

func (f *fakeCache) Delete(_ context.Context, keys ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		err := f.delErr
		f.delErr = nil
		return 0, err
	}
	var removed int64
	for _, key := range keys {
		e, ok := f.data[key]
		if !ok || f.expired(e) {
			delete(f.data, key)
			continue
		}
		delete(f.data, key)
		removed++
	}
	return removed, nil
}

func (f *fakeCache) TTL(_ context.Context, key string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[key]
	if !ok || f.expired(e) {
		return TTLKeyAbsent, nil
	}
	if e.expiresAt.IsZero() {
		return TTLNotSet, nil
	}
	return e.expiresAt.Sub(f.clock.Now()), nil
}

// Scan walks the matching key set in sorted order, `count` keys per batch.
// The cursor is the index of the next key, mimicking Redis's resumable
// iteration closely enough for the stores' batching logic.
func (f *fakeCache) Scan(_ context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		err := f.scanErr
		f.scanErr = nil
		return nil, 0, err
	}

	prefix := strings.TrimSuffix(match, "*")
	var matching []string
	for key, e := range f.data {
		if f.expired(e) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			matching = append(matching, key)
		}
	}
	sort.Strings(matching)

	start := int(cursor)
	if start >= len(matching) {
		return nil, 0, nil
	}
	end := start + int(count)
	if end >= len(matching) {
		return matching[start:], 0, nil
	}
	return matching[start:end], uint64(end), nil
}

func (f *fakeCache) MGet(_ context.Context, keys ...string) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := make([]interface{}, len(keys))
	for i, key := range keys {
		if e, ok := f.data[key]; ok && !f.expired(e) {
			values[i] = e.value
		}
	}
	return values, nil
}
