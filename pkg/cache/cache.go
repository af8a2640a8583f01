package cache

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MiB is the unit of the size limit and of SizeMB.
const MiB = humanize.MiByte

// Config holds the cache configuration.
type Config struct {
	// Name labels the cache in logs and metrics
	Name string

	// Enabled controls whether the cache is consulted and populated
	Enabled bool

	// SizeLimitMB bounds the total payload size in MiB (0 = unlimited)
	SizeLimitMB float64

	// TimeLimit bounds the age of a usable entry (0 = unlimited)
	TimeLimit time.Duration

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	// Logger overrides the component logger
	Logger *zerolog.Logger
}

// DefaultConfig returns an enabled cache without size or age limits.
func DefaultConfig() Config {
	return Config{
		Name:    "default",
		Enabled: true,
	}
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Rejected    uint64 `json:"rejected"`
	Entries     int    `json:"entries"`
	SizeBytes   int64  `json:"size_bytes"`
}

// ResponseCache stores responses keyed by canonical request identity. Entries
// are kept in insertion order; the oldest entries are evicted first when the
// size limit is exceeded, and entries reaching the time limit are treated as
// misses.
//
// Expiry is checked lazily on lookup, so SizeMB may include expired entries
// that have not been read since. Call Sweep to purge them eagerly.
//
// All methods are safe for concurrent use. Concurrent misses on the same key
// are not de-duplicated; the later Insert wins.
type ResponseCache[V any] struct {
	mu        sync.Mutex
	entries   *simplelru.LRU[string, *Entry[V]]
	sizeBytes int64
	sizeLimit int64
	timeLimit time.Duration
	enabled   bool
	stats     Stats

	name   string
	now    func() time.Time
	codec  Codec[V]
	sizer  Sizer[V]
	logger zerolog.Logger
}

// New creates a response cache.
func New[V any](cfg Config, opts ...Option[V]) (*ResponseCache[V], error) {
	sizeLimit, err := validateLimits(cfg.SizeLimitMB, cfg.TimeLimit)
	if err != nil {
		return nil, newError("configure", "", ErrValidation, err)
	}

	name := cfg.Name
	if name == "" {
		name = "default"
	}

	c := &ResponseCache[V]{
		sizeLimit: sizeLimit,
		timeLimit: cfg.TimeLimit,
		enabled:   cfg.Enabled,
		name:      name,
		now:       cfg.Now,
		codec:     JSONCodec[V]{},
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.Logger != nil {
		c.logger = cfg.Logger.With().Str("cache", name).Logger()
	} else {
		c.logger = log.With().Str("component", "response-cache").Str("cache", name).Logger()
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.sizer == nil {
		c.sizer = CodecSizer(c.codec)
	}

	// The list is never full; capacity is enforced by bytes, not count.
	c.entries, err = simplelru.NewLRU[string, *Entry[V]](math.MaxInt, c.onRemove)
	if err != nil {
		return nil, fmt.Errorf("create entry list: %w", err)
	}

	c.publish()
	return c, nil
}

// onRemove keeps the size accumulator in step with the entry list. It runs
// under c.mu for every removal, including Purge.
func (c *ResponseCache[V]) onRemove(_ string, e *Entry[V]) {
	c.sizeBytes -= e.SizeBytes
}

// Lookup returns the cached value for key. Disabled caches, unknown keys,
// uncacheable requests and expired entries all report a miss.
func (c *ResponseCache[V]) Lookup(key CacheKey) (V, bool) {
	var zero V
	k, keyErr := key.Canonical()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return zero, false
	}
	if keyErr != nil {
		c.logger.Debug().Err(keyErr).Str("endpoint", key.Endpoint).Msg("Request not cacheable")
		c.recordMiss()
		return zero, false
	}

	e, ok := c.entries.Peek(k)
	if !ok {
		c.logger.Debug().Str("key", k).Msg("Cache miss")
		c.recordMiss()
		return zero, false
	}

	now := c.now()
	if e.IsExpired(now, c.timeLimit) {
		c.entries.Remove(k)
		c.stats.Expirations++
		CacheRemovals.WithLabelValues(c.name, "expired").Inc()
		c.publish()
		c.logger.Debug().
			Str("key", k).
			Dur("age", e.Age(now)).
			Msg("Cache entry expired")
		c.recordMiss()
		return zero, false
	}

	c.stats.Hits++
	CacheHits.WithLabelValues(c.name).Inc()
	c.logger.Debug().Str("key", k).Dur("age", e.Age(now)).Msg("Cache hit")
	return e.Value, true
}

// Insert stores value under key, replacing any previous entry, then evicts
// the oldest entries until the size limit holds. It is a no-op when the cache
// is disabled or the request cannot be canonicalized. A value larger than the
// size limit is refused with ErrOversizedValue and the cache is left as is.
func (c *ResponseCache[V]) Insert(key CacheKey, value V) error {
	k, keyErr := key.Canonical()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return nil
	}
	if keyErr != nil {
		c.logger.Debug().Err(keyErr).Str("endpoint", key.Endpoint).Msg("Skipping uncacheable request")
		return nil
	}

	size, err := c.sizer(value)
	if err != nil {
		return newError("insert", "", ErrFormat, fmt.Errorf("measure value: %w", err))
	}

	if c.sizeLimit > 0 && size > c.sizeLimit {
		c.stats.Rejected++
		CacheRejected.WithLabelValues(c.name).Inc()
		c.logger.Warn().
			Str("key", k).
			Str("size", humanize.IBytes(uint64(size))).
			Str("limit", humanize.IBytes(uint64(c.sizeLimit))).
			Msg("Value too large to cache")
		return newError("insert", "", ErrOversizedValue,
			fmt.Errorf("%d bytes > limit %d bytes", size, c.sizeLimit))
	}

	c.put(&Entry[V]{
		Key:       k,
		Value:     value,
		SizeBytes: size,
		CreatedAt: c.now(),
	})
	c.evictToLimit()
	c.publish()
	return nil
}

// put inserts e as the newest entry. Caller holds c.mu.
func (c *ResponseCache[V]) put(e *Entry[V]) {
	// Remove first so an overwrite moves to the newest position and the
	// old size is released through onRemove.
	c.entries.Remove(e.Key)
	c.entries.Add(e.Key, e)
	c.sizeBytes += e.SizeBytes
}

// evictToLimit drops the oldest entries until the size limit holds.
// Caller holds c.mu.
func (c *ResponseCache[V]) evictToLimit() int {
	if c.sizeLimit <= 0 {
		return 0
	}
	evicted := 0
	for c.sizeBytes > c.sizeLimit {
		k, _, ok := c.entries.RemoveOldest()
		if !ok {
			break
		}
		evicted++
		c.logger.Debug().Str("key", k).Msg("Evicted cache entry")
	}
	if evicted > 0 {
		c.stats.Evictions += uint64(evicted)
		CacheRemovals.WithLabelValues(c.name, "size").Add(float64(evicted))
	}
	return evicted
}

// sweep drops every expired entry. Caller holds c.mu.
func (c *ResponseCache[V]) sweep() int {
	if c.timeLimit <= 0 {
		return 0
	}
	now := c.now()
	expired := 0
	for _, k := range c.entries.Keys() {
		if e, ok := c.entries.Peek(k); ok && e.IsExpired(now, c.timeLimit) {
			c.entries.Remove(k)
			expired++
		}
	}
	if expired > 0 {
		c.stats.Expirations += uint64(expired)
		CacheRemovals.WithLabelValues(c.name, "expired").Add(float64(expired))
	}
	return expired
}

// Sweep removes all expired entries and returns how many were removed.
func (c *ResponseCache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.sweep()
	c.publish()
	return n
}

// Configure replaces both limits. Limits are enforced immediately: a smaller
// size limit evicts the oldest entries and a shorter time limit purges stale
// entries before Configure returns. Invalid limits leave the cache unchanged.
func (c *ResponseCache[V]) Configure(sizeLimitMB float64, timeLimit time.Duration) error {
	sizeLimit, err := validateLimits(sizeLimitMB, timeLimit)
	if err != nil {
		return newError("configure", "", ErrValidation, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sizeLimit = sizeLimit
	c.timeLimit = timeLimit
	expired := c.sweep()
	evicted := c.evictToLimit()
	c.publish()

	c.logger.Info().
		Float64("size_limit_mb", sizeLimitMB).
		Dur("time_limit", timeLimit).
		Int("expired", expired).
		Int("evicted", evicted).
		Msg("Cache limits updated")
	return nil
}

// Limits returns the current size limit in MiB and time limit.
func (c *ResponseCache[V]) Limits() (float64, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.sizeLimit) / MiB, c.timeLimit
}

// Clear removes all entries.
func (c *ResponseCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.entries.Len()
	c.entries.Purge()
	c.sizeBytes = 0
	if n > 0 {
		CacheRemovals.WithLabelValues(c.name, "cleared").Add(float64(n))
		c.logger.Info().Int("entries", n).Msg("Cache cleared")
	}
	c.publish()
}

// Enabled reports whether the cache is consulted and populated.
func (c *ResponseCache[V]) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled toggles the cache. Existing entries are kept.
func (c *ResponseCache[V]) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// SizeBytes returns the total size of all stored values.
func (c *ResponseCache[V]) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeBytes
}

// SizeMB returns the total size of all stored values in MiB.
func (c *ResponseCache[V]) SizeMB() float64 {
	return float64(c.SizeBytes()) / MiB
}

// Len returns the number of stored entries.
func (c *ResponseCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Keys returns the stored keys from oldest to newest.
func (c *ResponseCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Keys()
}

// Stats returns hit/miss and removal counters along with the current size.
func (c *ResponseCache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = c.entries.Len()
	s.SizeBytes = c.sizeBytes
	return s
}

// Name returns the cache's metrics label.
func (c *ResponseCache[V]) Name() string {
	return c.name
}

func (c *ResponseCache[V]) recordMiss() {
	c.stats.Misses++
	CacheMisses.WithLabelValues(c.name).Inc()
}

// publish updates the size gauges. Caller holds c.mu.
func (c *ResponseCache[V]) publish() {
	CacheSize.WithLabelValues(c.name).Set(float64(c.sizeBytes))
	CacheEntries.WithLabelValues(c.name).Set(float64(c.entries.Len()))
}

// validateLimits checks both limits and converts the size limit to bytes.
func validateLimits(sizeLimitMB float64, timeLimit time.Duration) (int64, error) {
	if math.IsNaN(sizeLimitMB) || math.IsInf(sizeLimitMB, 0) {
		return 0, fmt.Errorf("size limit must be finite (got %v)", sizeLimitMB)
	}
	if sizeLimitMB < 0 {
		return 0, fmt.Errorf("size limit must be >= 0 (got %v)", sizeLimitMB)
	}
	if timeLimit < 0 {
		return 0, fmt.Errorf("time limit must be >= 0 (got %v)", timeLimit)
	}

	bytes := sizeLimitMB * MiB
	if bytes > math.MaxInt64/2 {
		return 0, fmt.Errorf("size limit too large (got %v MiB)", sizeLimitMB)
	}
	limit := int64(math.Round(bytes))
	if sizeLimitMB > 0 && limit == 0 {
		limit = 1
	}
	return limit, nil
}
