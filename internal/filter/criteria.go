// Package filter selects store entries for picc get and status.
package filter

import (
	"path/filepath"
	"time"

	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/internal/timespec"
	"github.com/MazinLab/picturec/pkg/store"
)

// Criteria defines filtering criteria for entries.
// All filters are ANDed together; zero values match everything.
type Criteria struct {
	PathGlob  string         // Glob on the key path, e.g. "temps:*"
	Owner     string         // Exact match on the owning agent
	Range     timespec.Range // Window on the last write
	StaleOnly bool           // Only entries the registry considers stale
}

// Matches reports whether entry passes every criterion. Keys unknown to the
// registry have no owner and never go stale.
func (c *Criteria) Matches(entry *store.Entry, reg *schema.Registry, now time.Time) bool {
	if c.PathGlob != "" {
		matched, err := filepath.Match(c.PathGlob, entry.Key.Path())
		if err != nil || !matched {
			return false
		}
	}

	if !c.Range.Contains(entry.UpdatedAt) {
		return false
	}

	if c.Owner != "" {
		e, ok := reg.Lookup(entry.Key)
		if !ok || e.Owner != c.Owner {
			return false
		}
	}

	if c.StaleOnly && !reg.Stale(entry.Key, entry.UpdatedAt, now) {
		return false
	}

	return true
}

// HasFilters reports whether any criterion is set.
func (c *Criteria) HasFilters() bool {
	return c.PathGlob != "" ||
		c.Owner != "" ||
		!c.Range.Since.IsZero() ||
		!c.Range.Until.IsZero() ||
		c.StaleOnly
}
