package tier

import (
	"fmt"
	"sort"
	"time"

	"github.com/oceanbase/tiermem-go/pkg/intelligence"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Kind classifies a tier decision.
type Kind string

const (
	KindNone    Kind = "none"
	KindPromote Kind = "promote"
	KindDemote  Kind = "demote"
	KindArchive Kind = "archive"
	KindDelete  Kind = "delete"
)

// Decision is the outcome of evaluating one memory.
type Decision struct {
	Kind   Kind
	To     types.Tier
	Reason string
}

// None is the empty decision.
var None = Decision{Kind: KindNone}

// transitions lists every allowed move. Nothing skips an intermediate tier.
var transitions = map[types.Tier]map[types.Tier]Kind{
	types.TierWorking: {
		types.TierShortTerm: KindPromote,
	},
	types.TierShortTerm: {
		types.TierLongTerm: KindPromote,
		types.TierEpisodic: KindArchive,
	},
	types.TierLongTerm: {
		types.TierEpisodic:  KindArchive,
		types.TierShortTerm: KindDemote,
	},
}

// evictionTargets maps a tier to where capacity eviction sends its members.
var evictionTargets = map[types.Tier]types.Tier{
	types.TierWorking:   types.TierShortTerm,
	types.TierShortTerm: types.TierEpisodic,
	types.TierLongTerm:  types.TierEpisodic,
}

// Manager owns the tier state machine.
type Manager struct {
	table      Table
	thresholds intelligence.Thresholds

	// PromotionMinAccess is the access count that counts as sustained use
	// for short-term to long-term promotion.
	promotionMinAccess int
}

// NewManager creates a tier manager over an immutable tier table.
func NewManager(table Table, thresholds intelligence.Thresholds, promotionMinAccess int) *Manager {
	if promotionMinAccess <= 0 {
		promotionMinAccess = 2
	}
	return &Manager{table: table, thresholds: thresholds, promotionMinAccess: promotionMinAccess}
}

// Table returns the tier configuration.
func (m *Manager) Table() Table { return m.table }

// CanTransition reports whether from -> to is in the transition table.
func (m *Manager) CanTransition(from, to types.Tier) bool {
	_, ok := transitions[from][to]
	return ok
}

// TransitionKind returns the kind of an allowed transition.
func (m *Manager) TransitionKind(from, to types.Tier) (Kind, bool) {
	k, ok := transitions[from][to]
	return k, ok
}

// Transition moves mem to the target tier in place.
//
// This is the only place a tier changes. Disallowed moves return an error
// wrapping types.ErrInvalidTransition and leave mem untouched.
func (m *Manager) Transition(mem *types.Memory, to types.Tier, now time.Time) error {
	if !m.CanTransition(mem.Tier, to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, mem.Tier, to)
	}
	mem.Tier = to
	mem.TierChangedAt = now
	mem.Metadata.UpdatedAt = now
	return nil
}

// EvictionTarget returns where capacity eviction sends members of t.
func (m *Manager) EvictionTarget(t types.Tier) (types.Tier, bool) {
	to, ok := evictionTargets[t]
	return to, ok
}

// Evaluate decides what should happen to mem at now.
//
// mem.Decay must already be recomputed. Protected memories never receive a
// decay-driven archive, demotion or deletion, but remain eligible for
// importance-driven promotion. Every decision requires the memory to have
// dwelt at least MinDwell in its current tier.
func (m *Manager) Evaluate(mem *types.Memory, now time.Time) Decision {
	cfg := m.table.Get(mem.Tier)
	dwell := mem.DwellTime(now)
	if dwell < cfg.MinDwell {
		return None
	}

	switch mem.Tier {
	case types.TierWorking:
		return m.evaluateWorking(mem, cfg, dwell)
	case types.TierShortTerm:
		return m.evaluateShortTerm(mem, cfg, dwell)
	case types.TierLongTerm:
		return m.evaluateLongTerm(mem, cfg, now)
	}
	return None
}

func (m *Manager) evaluateWorking(mem *types.Memory, cfg Config, dwell time.Duration) Decision {
	if mem.ImportanceScore >= m.thresholds.LongTermPromotion {
		return Decision{Kind: KindPromote, To: types.TierShortTerm, Reason: "importance above promotion threshold"}
	}
	if cfg.TTL > 0 && dwell >= cfg.TTL {
		if mem.ImportanceScore >= m.thresholds.MinimumStore {
			return Decision{Kind: KindPromote, To: types.TierShortTerm, Reason: "survived working ttl"}
		}
		if !mem.Decay.Protected {
			return Decision{Kind: KindDelete, Reason: "expired from working below minimum importance"}
		}
	}
	return None
}

func (m *Manager) evaluateShortTerm(mem *types.Memory, cfg Config, dwell time.Duration) Decision {
	if mem.ImportanceScore >= m.thresholds.LongTermPromotion && m.sustained(mem) {
		return Decision{Kind: KindPromote, To: types.TierLongTerm, Reason: "important and reinforced"}
	}
	if mem.Decay.Protected {
		return None
	}
	if mem.Decay.Score < cfg.DecayFloor {
		return Decision{Kind: KindArchive, To: types.TierEpisodic, Reason: "decay below short-term floor"}
	}
	if cfg.TTL > 0 && dwell >= cfg.TTL {
		return Decision{Kind: KindArchive, To: types.TierEpisodic, Reason: "expired from short-term without qualifying"}
	}
	return None
}

func (m *Manager) evaluateLongTerm(mem *types.Memory, cfg Config, now time.Time) Decision {
	if mem.Decay.Protected {
		return None
	}
	if mem.Decay.Score < cfg.ArchiveFloor {
		return Decision{Kind: KindArchive, To: types.TierEpisodic, Reason: "decay below archive floor"}
	}
	inactive := now.Sub(mem.LastTouched()) >= cfg.InactivityWindow
	if mem.Decay.Score < cfg.DecayFloor && mem.ImportanceScore < m.thresholds.LongTermPromotion && inactive {
		return Decision{Kind: KindDemote, To: types.TierShortTerm, Reason: "inactive with low importance"}
	}
	return None
}

// sustained reports repeated access or reinforcement. Protected memories
// qualify on importance alone.
func (m *Manager) sustained(mem *types.Memory) bool {
	return mem.Metadata.AccessCount >= m.promotionMinAccess ||
		mem.Confidence.Reinforcements >= 1 ||
		mem.Decay.Protected
}

// SelectForEviction returns the members of t to evict so that at most
// MaxMemories remain. Members are ranked by decay, then importance, then id;
// the lowest-ranked go first. Protected memories are only evicted out of the
// working tier, where eviction is a promotion.
func (m *Manager) SelectForEviction(members []*types.Memory, t types.Tier) []*types.Memory {
	limit := m.table.Get(t).MaxMemories
	if limit <= 0 || len(members) <= limit {
		return nil
	}
	if _, ok := evictionTargets[t]; !ok {
		return nil
	}

	ranked := make([]*types.Memory, 0, len(members))
	for _, mem := range members {
		if mem.Tier != t || mem.IsDeleted {
			continue
		}
		ranked = append(ranked, mem)
	}
	excess := len(ranked) - limit
	if excess <= 0 {
		return nil
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Decay.Score != b.Decay.Score {
			return a.Decay.Score < b.Decay.Score
		}
		if a.ImportanceScore != b.ImportanceScore {
			return a.ImportanceScore < b.ImportanceScore
		}
		return a.ID < b.ID
	})

	victims := make([]*types.Memory, 0, excess)
	for _, mem := range ranked {
		if len(victims) == excess {
			break
		}
		if mem.Decay.Protected && t != types.TierWorking {
			continue
		}
		victims = append(victims, mem)
	}
	return victims
}
