package audit

import (
	"fmt"
	"path/filepath"

	"github.com/dyluth/folio/pkg/blackboard"
)

// Criteria defines filtering criteria for board events.
// All filters are ANDed together - an event must match ALL criteria to pass.
type Criteria struct {
	RegionGlob    string        // Glob pattern for the region name, empty = no filter
	PathPattern   string        // Board path pattern such as "page_observations.*.quality_score", empty = no filter
	Actor         string        // Exact match on the event actor, empty = no filter
	Op            blackboard.Op // read or write, empty = no filter
	ConflictsOnly bool          // Only writes that replaced or collided with another writer
}

// Matches returns true if the event matches all filter criteria.
// Empty/zero criteria values are treated as "match all" for that criterion.
func (c *Criteria) Matches(e blackboard.Event) bool {
	if c.RegionGlob != "" {
		matched, err := filepath.Match(c.RegionGlob, e.Region)
		if err != nil || !matched {
			return false
		}
	}

	if c.PathPattern != "" && !blackboard.MatchPattern(c.PathPattern, e.Path()) {
		return false
	}

	if c.Actor != "" && e.Actor != c.Actor {
		return false
	}

	if c.Op != "" && e.Op != c.Op {
		return false
	}

	if c.ConflictsOnly && e.Conflict == nil {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.RegionGlob != "" ||
		c.PathPattern != "" ||
		c.Actor != "" ||
		c.Op != "" ||
		c.ConflictsOnly
}

// Validate checks the op and patterns.
func (c *Criteria) Validate() error {
	switch c.Op {
	case "", blackboard.OpRead, blackboard.OpWrite:
	default:
		return fmt.Errorf("unknown op %q (use read or write)", c.Op)
	}
	if c.RegionGlob != "" {
		if _, err := filepath.Match(c.RegionGlob, ""); err != nil {
			return fmt.Errorf("invalid region glob %q: %w", c.RegionGlob, err)
		}
	}
	if c.PathPattern != "" {
		if err := blackboard.ValidatePattern(c.PathPattern); err != nil {
			return fmt.Errorf("invalid path pattern %q: %w", c.PathPattern, err)
		}
	}
	return nil
}
