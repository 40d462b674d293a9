package mempool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

type IndexConfig struct {
	MaxSize      int
	EvictionTime time.Duration
}

type entry struct {
	firstSeen time.Time
}

// Indexer remembers recently announced pending transactions. The LRU bounds
// memory; EvictionTime drops hashes that were never mined or replaced.
type Indexer struct {
	config *IndexConfig
	logger *zap.Logger
	cache  *lru.Cache
	mu     sync.Mutex
}

func NewIndexer(config *IndexConfig, logger *zap.Logger) (*Indexer, error) {
	cache, err := lru.New(config.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &Indexer{
		config: config,
		logger: logger,
		cache:  cache,
	}, nil
}

// Add records hash as seen at now. It reports whether the hash was new.
func (i *Indexer) Add(hash common.Hash, now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cache.Contains(hash) {
		return false
	}
	i.cache.Add(hash, &entry{firstSeen: now})
	return true
}

func (i *Indexer) Remove(hash common.Hash) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cache.Remove(hash)
}

// Hashes lists live hashes, most recently announced first.
func (i *Indexer) Hashes(now time.Time) []common.Hash {
	i.mu.Lock()
	defer i.mu.Unlock()

	type seen struct {
		hash common.Hash
		at   time.Time
	}
	live := make([]seen, 0, i.cache.Len())
	for _, key := range i.cache.Keys() {
		v, ok := i.cache.Peek(key)
		if !ok {
			continue
		}
		e := v.(*entry)
		if now.Sub(e.firstSeen) > i.config.EvictionTime {
			continue
		}
		live = append(live, seen{hash: key.(common.Hash), at: e.firstSeen})
	}

	sort.SliceStable(live, func(a, b int) bool { return live[a].at.After(live[b].at) })
	out := make([]common.Hash, len(live))
	for n, s := range live {
		out[n] = s.hash
	}
	return out
}

func (i *Indexer) Len() int {
	return i.cache.Len()
}

// Prune drops entries older than EvictionTime and returns how many went.
func (i *Indexer) Prune(now time.Time) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	removed := 0
	for _, key := range i.cache.Keys() {
		if v, ok := i.cache.Peek(key); ok {
			if now.Sub(v.(*entry).firstSeen) > i.config.EvictionTime {
				i.cache.Remove(key)
				removed++
			}
		}
	}
	return removed
}

func (i *Indexer) StartPruning(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := i.Prune(now); n > 0 {
				i.logger.Debug("Pruned stale pending transactions", zap.Int("removed", n))
			}
		}
	}
}
