package risk

import (
	"bytes"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/arbexec/mev"
)

// DailyWindow is the length of the daily trade counter window.
const DailyWindow = 24 * time.Hour

// State is the shared mutable admission state. The Manager guards it with a
// single mutex.
type State struct {
	OpenTrades      int
	DailyTradeCount int
	WindowStart     time.Time
	Observations    []mev.Observation

	cooldowns map[uint64]time.Time
}

func newState(now time.Time) *State {
	return &State{
		WindowStart: now,
		cooldowns:   make(map[uint64]time.Time),
	}
}

// rollWindow resets the daily counter once a full window has elapsed.
func (s *State) rollWindow(now time.Time) {
	if now.Sub(s.WindowStart) >= DailyWindow {
		s.DailyTradeCount = 0
		s.WindowStart = now
	}
}

func (s *State) coolingDown(keys []uint64, now time.Time) bool {
	for _, k := range keys {
		if until, ok := s.cooldowns[k]; ok {
			if now.Before(until) {
				return true
			}
			delete(s.cooldowns, k)
		}
	}
	return false
}

func (s *State) armCooldown(keys []uint64, until time.Time) {
	for _, k := range keys {
		if cur, ok := s.cooldowns[k]; !ok || until.After(cur) {
			s.cooldowns[k] = until
		}
	}
}

// Snapshot is a copy of the counters for reporting.
type Snapshot struct {
	OpenTrades      int
	DailyTradeCount int
	WindowStart     time.Time
	Observations    int
	CoolingPairs    int
}

// pairKeys hashes every consecutive token pair of path. A pair hashes the
// same regardless of direction.
func pairKeys(path []common.Address) []uint64 {
	if len(path) < 2 {
		return nil
	}
	keys := make([]uint64, 0, len(path)-1)
	seen := make(map[uint64]struct{}, len(path)-1)
	for i := 0; i+1 < len(path); i++ {
		a, b := path[i], path[i+1]
		if bytes.Compare(a[:], b[:]) > 0 {
			a, b = b, a
		}
		var buf [2 * common.AddressLength]byte
		copy(buf[:], a[:])
		copy(buf[common.AddressLength:], b[:])

		k := xxhash.Sum64(buf[:])
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
