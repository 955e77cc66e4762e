// Package tier implements the tier state machine: which transitions are
// allowed, when a memory is eligible to move, and capacity eviction.
package tier

import (
	"fmt"
	"time"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Backend names the storage class a tier lives on.
type Backend string

const (
	BackendCache    Backend = "cache"
	BackendDatabase Backend = "database"
)

// Config describes one tier.
type Config struct {
	// TTL bounds how long a memory may stay in the tier before it must move.
	// Zero means permanent.
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// MaxMemories caps the per-user population of the tier. Zero is unbounded.
	MaxMemories int `json:"max_memories" yaml:"max_memories"`

	// MinDwell is the minimum time in the tier before any transition.
	MinDwell time.Duration `json:"min_dwell" yaml:"min_dwell"`

	// DecayFloor is the decay score below which a decay-driven move happens.
	DecayFloor float64 `json:"decay_floor" yaml:"decay_floor"`

	// ArchiveFloor is the lower floor below which a long-term memory is archived.
	ArchiveFloor float64 `json:"archive_floor,omitempty" yaml:"archive_floor,omitempty"`

	// InactivityWindow is how long without access counts as sustained inaccess.
	InactivityWindow time.Duration `json:"inactivity_window,omitempty" yaml:"inactivity_window,omitempty"`

	Backend Backend `json:"backend" yaml:"backend"`

	// VectorIndexed tiers are searched by retrieval. Memories in a tier
	// without it are reachable by id only.
	VectorIndexed bool `json:"vector_indexed" yaml:"vector_indexed"`
}

// Table is an immutable, enum-keyed set of tier configurations.
type Table struct {
	configs map[types.Tier]Config
}

// NewTable copies and validates cfgs. Every tier must be present.
func NewTable(cfgs map[types.Tier]Config) (Table, error) {
	copied := make(map[types.Tier]Config, len(types.AllTiers))
	for _, t := range types.AllTiers {
		c, ok := cfgs[t]
		if !ok {
			return Table{}, fmt.Errorf("%w: missing config for tier %q", types.ErrValidation, t)
		}
		if err := c.validate(t); err != nil {
			return Table{}, err
		}
		copied[t] = c
	}
	for t := range cfgs {
		if !t.Valid() {
			return Table{}, fmt.Errorf("%w: unknown tier %q", types.ErrValidation, t)
		}
	}
	return Table{configs: copied}, nil
}

func (c Config) validate(t types.Tier) error {
	switch {
	case c.TTL < 0 || c.MinDwell < 0 || c.InactivityWindow < 0:
		return fmt.Errorf("%w: tier %q durations must be >= 0", types.ErrValidation, t)
	case c.MaxMemories < 0:
		return fmt.Errorf("%w: tier %q max_memories must be >= 0", types.ErrValidation, t)
	case c.DecayFloor < 0 || c.DecayFloor > 1 || c.ArchiveFloor < 0 || c.ArchiveFloor > 1:
		return fmt.Errorf("%w: tier %q floors out of range", types.ErrValidation, t)
	case c.ArchiveFloor > c.DecayFloor:
		return fmt.Errorf("%w: tier %q archive_floor above decay_floor", types.ErrValidation, t)
	case c.Backend != BackendCache && c.Backend != BackendDatabase:
		return fmt.Errorf("%w: tier %q unknown backend %q", types.ErrValidation, t, c.Backend)
	case t == types.TierEpisodic && c.MaxMemories > 0:
		return fmt.Errorf("%w: episodic tier is terminal and cannot be capacity bounded", types.ErrValidation)
	}
	return nil
}

// DefaultTable returns the stock tier configuration.
func DefaultTable() Table {
	t, _ := NewTable(map[types.Tier]Config{
		types.TierWorking: {
			TTL:           time.Hour,
			MaxMemories:   50,
			Backend:       BackendCache,
			VectorIndexed: true,
		},
		types.TierShortTerm: {
			TTL:           72 * time.Hour,
			MaxMemories:   500,
			MinDwell:      time.Hour,
			DecayFloor:    0.3,
			Backend:       BackendCache,
			VectorIndexed: true,
		},
		types.TierLongTerm: {
			MinDwell:         24 * time.Hour,
			DecayFloor:       0.3,
			ArchiveFloor:     0.1,
			InactivityWindow: 30 * 24 * time.Hour,
			Backend:          BackendDatabase,
			VectorIndexed:    true,
		},
		types.TierEpisodic: {
			Backend:       BackendDatabase,
			VectorIndexed: true,
		},
	})
	return t
}

// Get returns the config of t.
func (tb Table) Get(t types.Tier) Config {
	return tb.configs[t]
}

// AsMap returns a copy of the table.
func (tb Table) AsMap() map[types.Tier]Config {
	out := make(map[types.Tier]Config, len(tb.configs))
	for k, v := range tb.configs {
		out[k] = v
	}
	return out
}

// IndexedTiers returns the vector-indexed tiers in promotion order.
func (tb Table) IndexedTiers() []types.Tier {
	out := make([]types.Tier, 0, len(tb.configs))
	for _, t := range types.AllTiers {
		if tb.configs[t].VectorIndexed {
			out = append(out, t)
		}
	}
	return out
}

// CacheTTL returns the TTL of t when it is cache backed.
func (tb Table) CacheTTL(t types.Tier) (time.Duration, bool) {
	c, ok := tb.configs[t]
	if !ok || c.Backend != BackendCache || c.TTL <= 0 {
		return 0, false
	}
	return c.TTL, true
}
