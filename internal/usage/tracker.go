// Package usage tracks monthly generation counts per model.
//
// Limits are advisory: every storage failure resolves to zero usage rather than
// an error, and Increment never refuses to count past the limit.
package usage

import (
	"sync"
	"time"

	"github.com/xiaopang/npcforge/internal/logger"
)

// DefaultKeyPrefix is the storage key prefix records are written under.
const DefaultKeyPrefix = "npc-generator-usage"

// Tracker reads and updates usage records through a Storage.
type Tracker struct {
	mu      sync.Mutex // serializes every read-modify-write, including lazy creation
	storage Storage
	prefix  string
	now     func() time.Time
	log     *logger.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(t *Tracker) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// NewTracker creates a Tracker. A nil storage degrades to zero usage on every read.
func NewTracker(storage Storage, opts ...Option) *Tracker {
	t := &Tracker{
		storage: storage,
		prefix:  DefaultKeyPrefix,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.With("component", "usage"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Key returns the storage key for modelID.
func (t *Tracker) Key(modelID string) string {
	return t.prefix + ":" + modelID
}

// GetUsage returns the current-month record for modelID, creating or resetting it as needed.
func (t *Tracker) GetUsage(modelID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getUsageLocked(modelID)
}

// getUsageLocked requires t.mu; the create and rollover writes must not
// interleave with an Increment.
func (t *Tracker) getUsageLocked(modelID string) Record {
	now := t.clock()
	if t.storage == nil {
		return Fresh(now)
	}

	key := t.Key(modelID)
	raw, found, err := t.storage.Get(key)
	if err != nil {
		t.log.Warn("usage read failed, assuming zero usage", "model", modelID, "error", err)
		return Fresh(now)
	}
	if !found {
		rec := Fresh(now)
		t.write(key, rec)
		return rec
	}

	rec, err := decode(raw)
	if err != nil {
		t.log.Warn("discarding malformed usage record", "model", modelID, "error", err)
		rec = Fresh(now)
		t.write(key, rec)
		return rec
	}

	rec, reset := Normalize(rec, now)
	if reset {
		t.log.Info("usage period rolled over", "model", modelID, "period", rec.PeriodKey)
		t.write(key, rec)
	}
	return rec
}

// Increment records one generation for modelID and returns the updated record.
// It does not consult any limit.
func (t *Tracker) Increment(modelID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.getUsageLocked(modelID)
	rec.Count++
	rec.LastUpdated = t.clock()
	if t.storage != nil {
		t.write(t.Key(modelID), rec)
	}
	return rec
}

// HasReachedLimit reports whether modelID has used up limit generations this month.
func (t *Tracker) HasReachedLimit(modelID string, limit int) bool {
	return ReachedLimit(t.GetUsage(modelID).Count, limit)
}

// Remaining returns how many generations modelID has left this month, never negative.
func (t *Tracker) Remaining(modelID string, limit int) int {
	return RemainingOf(t.GetUsage(modelID).Count, limit)
}

// Status returns a snapshot of modelID's quota against limit.
func (t *Tracker) Status(modelID string, limit int) Status {
	return StatusOf(modelID, t.GetUsage(modelID), limit)
}

// StatusOf builds a Status from an already-read record.
func StatusOf(modelID string, rec Record, limit int) Status {
	return Status{
		Model:     modelID,
		Count:     rec.Count,
		Limit:     limit,
		Remaining: RemainingOf(rec.Count, limit),
		Reached:   ReachedLimit(rec.Count, limit),
		PeriodKey: rec.PeriodKey,
	}
}

// Reset zeroes modelID's counter for the current month.
func (t *Tracker) Reset(modelID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := Fresh(t.clock())
	if t.storage != nil {
		t.write(t.Key(modelID), rec)
	}
	return rec
}

// clock strips the monotonic reading so records compare equal after a JSON round trip.
func (t *Tracker) clock() time.Time {
	return t.now().Round(0)
}

func (t *Tracker) write(key string, rec Record) {
	raw, err := encode(rec)
	if err != nil {
		t.log.Warn("usage encode failed", "key", key, "error", err)
		return
	}
	if err := t.storage.Set(key, raw); err != nil {
		t.log.Warn("usage write failed", "key", key, "error", err)
	}
}
