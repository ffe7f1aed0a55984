package usage

import (
	"encoding/json"
	"time"
)

// periodLayout formats a time as its calendar-month period key.
const periodLayout = "2006-01"

// Record is the persisted monthly generation counter for one model.
type Record struct {
	Count       int       `json:"count"`
	PeriodKey   string    `json:"monthKey"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Status is a read-only snapshot of a model's quota.
type Status struct {
	Model     string `json:"model"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Reached   bool   `json:"reached"`
	PeriodKey string `json:"period"`
}

// PeriodKey returns the year-month token for t.
func PeriodKey(t time.Time) string {
	return t.Format(periodLayout)
}

// Fresh returns a zero-count record for the month containing now.
func Fresh(now time.Time) Record {
	return Record{PeriodKey: PeriodKey(now), LastUpdated: now}
}

// Normalize resets rec when its period differs from the month containing now.
// The bool result reports whether rec was replaced.
func Normalize(rec Record, now time.Time) (Record, bool) {
	if rec.PeriodKey == PeriodKey(now) {
		return rec, false
	}
	return Fresh(now), true
}

// ReachedLimit reports whether count has met limit.
func ReachedLimit(count, limit int) bool {
	return count >= limit
}

// RemainingOf returns limit-count clamped at zero.
func RemainingOf(count, limit int) int {
	if n := limit - count; n > 0 {
		return n
	}
	return 0
}

func decode(raw string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func encode(rec Record) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
