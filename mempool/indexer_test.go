package mempool

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIndexer(t *testing.T) {
	logger := zap.NewExample()
	indexer, err := NewIndexer(&IndexConfig{MaxSize: 1000, EvictionTime: time.Minute}, logger)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	h1, h2, h3 := common.Hash{1}, common.Hash{2}, common.Hash{3}

	assert.True(t, indexer.Add(h1, now.Add(-2*time.Minute)))
	assert.True(t, indexer.Add(h2, now.Add(-30*time.Second)))
	assert.True(t, indexer.Add(h3, now))
	assert.False(t, indexer.Add(h3, now), "duplicate announcement")

	t.Run("HashesSkipExpired", func(t *testing.T) {
		assert.Equal(t, []common.Hash{h3, h2}, indexer.Hashes(now))
	})

	t.Run("Prune", func(t *testing.T) {
		assert.Equal(t, 1, indexer.Prune(now))
		assert.Equal(t, 2, indexer.Len())
	})

	t.Run("Remove", func(t *testing.T) {
		indexer.Remove(h2)
		assert.Equal(t, []common.Hash{h3}, indexer.Hashes(now))
	})
}

func TestIndexerBounded(t *testing.T) {
	indexer, err := NewIndexer(&IndexConfig{MaxSize: 2, EvictionTime: time.Hour}, zap.NewNop())
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	for i := 1; i <= 3; i++ {
		indexer.Add(common.Hash{byte(i)}, now.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 2, indexer.Len())
	assert.Equal(t, []common.Hash{{3}, {2}}, indexer.Hashes(now.Add(time.Minute)))
}
