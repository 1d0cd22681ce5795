package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Entity is a directory listing (a local business or service).
type Entity struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category" yaml:"category"`

	Description *string  `json:"description,omitempty" yaml:"description,omitempty"`
	Address     *string  `json:"address,omitempty" yaml:"address,omitempty"`
	Phone       *string  `json:"phone,omitempty" yaml:"phone,omitempty"`
	Email       *string  `json:"email,omitempty" yaml:"email,omitempty"`
	Website     *string  `json:"website,omitempty" yaml:"website,omitempty"`
	Rating      *float64 `json:"rating,omitempty" yaml:"rating,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty" yaml:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty" yaml:"longitude,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Featured    bool     `json:"featured" yaml:"featured"`
	Active      bool     `json:"active" yaml:"active"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`

	// Metadata carries provider-specific fields that have no typed counterpart.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks the fields every stored entity must carry.
func (e Entity) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("entity id is required")
	}
	if strings.ContainsAny(e.ID, "/*?[]") {
		return fmt.Errorf("entity id %q contains reserved characters", e.ID)
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("entity %s: name is required", e.ID)
	}
	if e.Rating != nil && (*e.Rating < 0 || *e.Rating > 5) {
		return fmt.Errorf("entity %s: rating %.2f out of range [0,5]", e.ID, *e.Rating)
	}
	return nil
}

// Filter is the predicate used for collection reads. Zero fields match everything.
type Filter struct {
	Category     string   `json:"category,omitempty" yaml:"category,omitempty"`
	Query        string   `json:"query,omitempty" yaml:"query,omitempty"`
	Tags         []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	FeaturedOnly bool     `json:"featured_only,omitempty" yaml:"featured_only,omitempty"`
	ActiveOnly   bool     `json:"active_only,omitempty" yaml:"active_only,omitempty"`
	MinRating    float64  `json:"min_rating,omitempty" yaml:"min_rating,omitempty"`
}

// Matches evaluates the filter against an entity. Query is a case-insensitive substring
// match on name, description and tags.
func (f Filter) Matches(e Entity) bool {
	if f.Category != "" && !strings.EqualFold(f.Category, e.Category) {
		return false
	}
	if f.FeaturedOnly && !e.Featured {
		return false
	}
	if f.ActiveOnly && !e.Active {
		return false
	}
	if f.MinRating > 0 && (e.Rating == nil || *e.Rating < f.MinRating) {
		return false
	}
	for _, want := range f.Tags {
		if !containsFold(e.Tags, want) {
			return false
		}
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		if strings.Contains(strings.ToLower(e.Name), q) {
			return true
		}
		if e.Description != nil && strings.Contains(strings.ToLower(*e.Description), q) {
			return true
		}
		for _, tag := range e.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				return true
			}
		}
		return false
	}
	return true
}

// Key returns a canonical string for the filter. Equal predicates produce equal keys
// regardless of tag order or letter case.
func (f Filter) Key() string {
	tags := make([]string, 0, len(f.Tags))
	for _, t := range f.Tags {
		tags = append(tags, strings.ToLower(strings.TrimSpace(t)))
	}
	sort.Strings(tags)

	parts := []string{
		"c=" + strings.ToLower(strings.TrimSpace(f.Category)),
		"q=" + strings.ToLower(strings.TrimSpace(f.Query)),
		"t=" + strings.Join(tags, ","),
		fmt.Sprintf("f=%t", f.FeaturedOnly),
		fmt.Sprintf("a=%t", f.ActiveOnly),
		fmt.Sprintf("r=%g", f.MinRating),
	}
	return strings.Join(parts, "&")
}

// SortEntities orders a result page featured first, then by name, then by id.
func SortEntities(entities []Entity) {
	sort.Slice(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		if a.Featured != b.Featured {
			return a.Featured
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// Environment describes capabilities of the host process.
type Environment struct {
	// PersistentStorage reports whether a durable cache file may be opened.
	PersistentStorage bool `json:"persistent_storage"`
	// Online reports whether the remote repository should be contacted at all.
	Online bool `json:"online"`
}

// DefaultEnvironment is a networked process with a writable disk.
func DefaultEnvironment() Environment {
	return Environment{PersistentStorage: true, Online: true}
}

// CacheStats is the admin view of the cache tiers.
type CacheStats struct {
	EntryCount        int   `json:"entry_count"`
	DurableEntryCount int   `json:"durable_entry_count"`
	ApproxSizeBytes   int64 `json:"approx_size_bytes"`
	PendingRequests   int   `json:"pending_requests"`
}

// PopularEntity is a derived popularity score for one entity.
type PopularEntity struct {
	EntityID  string    `json:"entity_id"`
	Visits    int       `json:"visits"`
	LastVisit time.Time `json:"last_visit"`
	Score     float64   `json:"score"`
}

// PreloadProgress reports the state of the preload scheduler.
type PreloadProgress struct {
	IsPreloading    bool      `json:"is_preloading"`
	PreloadedCount  int       `json:"preloaded_count"`
	SkippedCount    int       `json:"skipped_count"`
	FailedCount     int       `json:"failed_count"`
	TotalToPreload  int       `json:"total_to_preload"`
	CurrentBatch    int       `json:"current_batch"`
	TotalBatches    int       `json:"total_batches"`
	LastPreloadTime time.Time `json:"last_preload_time"`
}
