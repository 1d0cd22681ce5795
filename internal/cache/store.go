package cache

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is a cached value with its insertion time and lifetime.
type Entry[V any] struct {
	Key        string
	Value      V
	InsertedAt time.Time
	TTL        time.Duration
	size       int64
}

// Valid reports whether the entry is still live at now.
func (e *Entry[V]) Valid(now time.Time) bool {
	return now.Sub(e.InsertedAt) < e.TTL
}

// StoreConfig represents entry store configuration
type StoreConfig struct {
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// Sizer estimates the byte size of a value for stats. Optional.
	Sizer func(v any) int64 `yaml:"-"`
	Clock func() time.Time  `yaml:"-"`
}

// StoreStats represents entry store statistics
type StoreStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Entries     int     `json:"entries"`
	Capacity    int     `json:"capacity"`
	SizeBytes   int64   `json:"size_bytes"`
	HitRate     float64 `json:"hit_rate"`
}

// Store is a bounded, TTL-aware key/value map. When a new key would push it past MaxSize,
// the oldest quarter of the capacity (by insertion time, at least one entry) is evicted.
type Store[V any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[V]
	config  StoreConfig
	stats   StoreStats
}

// NewStore creates a new entry store
func NewStore[V any](config *StoreConfig) *Store[V] {
	cfg := StoreConfig{
		MaxSize:    100,
		DefaultTTL: 5 * time.Minute,
	}
	if config != nil {
		if config.MaxSize > 0 {
			cfg.MaxSize = config.MaxSize
		}
		if config.DefaultTTL > 0 {
			cfg.DefaultTTL = config.DefaultTTL
		}
		cfg.Sizer = config.Sizer
		cfg.Clock = config.Clock
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Store[V]{
		entries: make(map[string]*Entry[V], cfg.MaxSize),
		config:  cfg,
		stats:   StoreStats{Capacity: cfg.MaxSize},
	}
}

// Get returns the value for key if present and unexpired. Expired entries are removed.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	entry, ok := s.entries[key]
	if !ok {
		s.stats.Misses++
		return zero, false
	}
	if !entry.Valid(s.config.Clock()) {
		s.removeLocked(key)
		s.stats.Expirations++
		s.stats.Misses++
		return zero, false
	}

	s.stats.Hits++
	return entry.Value, true
}

// Has reports whether key is live without touching hit statistics.
func (s *Store[V]) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	return ok && entry.Valid(s.config.Clock())
}

// Set stores value under key. ttl <= 0 uses the default TTL. Overwriting refreshes the
// insertion time.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.config.MaxSize {
		s.purgeExpiredLocked()
		if len(s.entries) >= s.config.MaxSize {
			s.evictOldestLocked()
		}
	} else if exists {
		s.removeLocked(key)
	}

	entry := &Entry[V]{
		Key:        key,
		Value:      value,
		InsertedAt: s.config.Clock(),
		TTL:        ttl,
	}
	if s.config.Sizer != nil {
		entry.size = s.config.Sizer(value)
		s.stats.SizeBytes += entry.size
	}
	s.entries[key] = entry
}

// Invalidate removes key. It reports whether an entry was present.
func (s *Store[V]) Invalidate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false
	}
	s.removeLocked(key)
	return true
}

// InvalidatePattern removes every key matching pattern and returns how many were removed.
func (s *Store[V]) InvalidatePattern(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if MatchKey(pattern, key) {
			s.removeLocked(key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*Entry[V], s.config.MaxSize)
	s.stats.SizeBytes = 0
}

// PurgeExpired drops every expired entry and returns the count.
func (s *Store[V]) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeExpiredLocked()
}

// Len returns the number of live entries.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.config.Clock()
	n := 0
	for _, entry := range s.entries {
		if entry.Valid(now) {
			n++
		}
	}
	return n
}

// Keys returns the live keys in insertion order.
func (s *Store[V]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.config.Clock()
	live := make([]*Entry[V], 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.Valid(now) {
			live = append(live, entry)
		}
	}
	sortByAge(live)

	keys := make([]string, len(live))
	for i, entry := range live {
		keys[i] = entry.Key
	}
	return keys
}

// Stats returns a snapshot of store statistics.
func (s *Store[V]) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Entries = len(s.entries)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (s *Store[V]) removeLocked(key string) {
	if entry, ok := s.entries[key]; ok {
		s.stats.SizeBytes -= entry.size
		delete(s.entries, key)
	}
}

func (s *Store[V]) purgeExpiredLocked() int {
	now := s.config.Clock()
	purged := 0
	for key, entry := range s.entries {
		if !entry.Valid(now) {
			s.removeLocked(key)
			purged++
		}
	}
	s.stats.Expirations += uint64(purged)
	return purged
}

// evictOldestLocked removes MaxSize/4 entries (at least one), oldest first.
func (s *Store[V]) evictOldestLocked() {
	count := s.config.MaxSize / 4
	if count < 1 {
		count = 1
	}

	all := make([]*Entry[V], 0, len(s.entries))
	for _, entry := range s.entries {
		all = append(all, entry)
	}
	sortByAge(all)

	if count > len(all) {
		count = len(all)
	}
	for _, entry := range all[:count] {
		s.removeLocked(entry.Key)
	}
	s.stats.Evictions += uint64(count)
}

func sortByAge[V any](entries []*Entry[V]) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].InsertedAt.Equal(entries[j].InsertedAt) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].InsertedAt.Before(entries[j].InsertedAt)
	})
}

// MatchKey reports whether key matches pattern. A pattern ending in a single "*" with no
// other metacharacters is a prefix match, so it also spans "/". Anything else uses
// path.Match glob rules.
func MatchKey(pattern, key string) bool {
	if pattern == key {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && !strings.ContainsAny(prefix, `*?[\`) {
		return strings.HasPrefix(key, prefix)
	}
	matched, err := path.Match(pattern, key)
	return err == nil && matched
}
