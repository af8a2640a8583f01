package cache

import (
	"time"
)

// Entry is a single cached response.
type Entry[V any] struct {
	// Key is the canonical request key
	Key string

	// Value is the stored response payload
	Value V

	// SizeBytes is the measured size of Value, used for capacity accounting
	SizeBytes int64

	// CreatedAt is when the entry was inserted
	CreatedAt time.Time
}

// Age returns how long the entry has been cached at the given instant.
func (e *Entry[V]) Age(now time.Time) time.Duration {
	age := now.Sub(e.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

// IsExpired reports whether the entry has reached the given age limit.
// A zero limit never expires.
func (e *Entry[V]) IsExpired(now time.Time, limit time.Duration) bool {
	return limit > 0 && e.Age(now) >= limit
}
