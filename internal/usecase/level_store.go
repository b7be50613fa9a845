package usecase

import (
	"sort"
	"sync"

	"github.com/vitos/keylevel_breakout/internal/domain"
)

// LevelStore holds the currently valid key levels for one instrument
// and maintains the retention invariants: no two same-type levels
// closer than the minimum distance, nothing below the strength floor,
// and a bounded capacity per side with weakest-first eviction.
// Safe for concurrent use; the status server reads it while the
// engine callbacks mutate it.
type LevelStore struct {
	maxPerSide  int
	minDistPct  float64
	minStrength float64

	mu         sync.Mutex
	support    []*domain.KeyLevel
	resistance []*domain.KeyLevel
}

func NewLevelStore(maxPerSide int, minDistPct, minStrength float64) *LevelStore {
	return &LevelStore{
		maxPerSide:  maxPerSide,
		minDistPct:  minDistPct,
		minStrength: minStrength,
	}
}

// Add inserts a candidate level. Candidates below the strength floor
// are rejected outright. A candidate inside the minimum-distance zone
// of existing same-type levels is kept only when it is stronger than
// every one of them, and then all of them are evicted, so the retained
// set never holds two same-type levels closer than the minimum
// distance. Returns true when the store changed.
func (s *LevelStore) Add(level *domain.KeyLevel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(level)
}

func (s *LevelStore) addLocked(level *domain.KeyLevel) bool {
	if level == nil || level.Strength < s.minStrength {
		return false
	}

	side := s.sideOf(level.IsResistance)

	conflicting := false
	for _, existing := range *side {
		if !withinDistance(existing.Price, level.Price, s.minDistPct) {
			continue
		}
		if level.Strength <= existing.Strength {
			return false
		}
		conflicting = true
	}
	if conflicting {
		kept := (*side)[:0]
		for _, existing := range *side {
			if withinDistance(existing.Price, level.Price, s.minDistPct) {
				continue
			}
			kept = append(kept, existing)
		}
		*side = kept
	}

	*side = append(*side, level)
	s.sortSide(side)

	if len(*side) > s.maxPerSide {
		// Sorted strongest first; drop the weakest tail.
		*side = (*side)[:s.maxPerSide]
	}
	return true
}

// Replace swaps in a freshly scanned candidate set, one side at a time,
// preserving the invariants. Used by the detector after a full rescan.
func (s *LevelStore) Replace(levels []*domain.KeyLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.support = nil
	s.resistance = nil
	for _, l := range levels {
		s.addLocked(l)
	}
}

// Strongest returns the highest-strength level of either type, or nil
// when the store is empty.
func (s *LevelStore) Strongest() *domain.KeyLevel {
	var best *domain.KeyLevel
	for _, l := range s.All() {
		if best == nil || l.Strength > best.Strength {
			best = l
		}
	}
	return best
}

// StrongestResistance returns the strongest resistance level, or nil.
func (s *LevelStore) StrongestResistance() *domain.KeyLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.resistance) == 0 {
		return nil
	}
	return s.resistance[0]
}

// StrongestSupport returns the strongest support level, or nil.
func (s *LevelStore) StrongestSupport() *domain.KeyLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.support) == 0 {
		return nil
	}
	return s.support[0]
}

// NearestToPrice returns the level whose price is closest to p, or nil.
func (s *LevelStore) NearestToPrice(p float64) *domain.KeyLevel {
	var best *domain.KeyLevel
	bestDist := 0.0
	for _, l := range s.All() {
		d := l.Price - p
		if d < 0 {
			d = -d
		}
		if best == nil || d < bestDist {
			best = l
			bestDist = d
		}
	}
	return best
}

// All returns every retained level, resistance first, strongest first
// within each side.
func (s *LevelStore) All() []*domain.KeyLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.KeyLevel, 0, len(s.resistance)+len(s.support))
	out = append(out, s.resistance...)
	out = append(out, s.support...)
	return out
}

// Count returns the number of retained levels per side.
func (s *LevelStore) Count() (support, resistance int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.support), len(s.resistance)
}

func (s *LevelStore) sideOf(isResistance bool) *[]*domain.KeyLevel {
	if isResistance {
		return &s.resistance
	}
	return &s.support
}

func (s *LevelStore) sortSide(side *[]*domain.KeyLevel) {
	sort.SliceStable(*side, func(i, j int) bool {
		return (*side)[i].Strength > (*side)[j].Strength
	})
}

func withinDistance(a, b, minDistPct float64) bool {
	ref := a
	if ref < 0 {
		ref = -ref
	}
	if ref == 0 {
		return true
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return d/ref < minDistPct
}
