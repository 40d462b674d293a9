// Package mempool follows the node's pending transaction pool and serves
// rate-limited lookups to the MEV detector.
package mempool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/types"
	"github.com/michaelpento.lv/arbexec/utils"
	"github.com/michaelpento.lv/arbexec/utils/metrics"
)

// ErrNotSubscribed is returned while the pending feed is down. An empty pool
// would read as "no MEV risk", so callers must not treat it as one.
var ErrNotSubscribed = errors.New("pending transaction feed not subscribed")

// Subscriber streams pending transaction hashes.
type Subscriber interface {
	SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
}

// TxFetcher resolves hashes and quotes gas prices.
type TxFetcher interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

type gethSubscriber struct {
	client *gethclient.Client
}

// NewGethSubscriber adapts a gethclient to Subscriber.
func NewGethSubscriber(client *gethclient.Client) Subscriber {
	return gethSubscriber{client: client}
}

func (g gethSubscriber) SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	return g.client.SubscribePendingTransactions(ctx, ch)
}

var _ TxFetcher = (*ethclient.Client)(nil)

type lookup struct {
	tx      *ethtypes.Transaction
	pending bool
}

type Observer struct {
	sub     Subscriber
	fetcher TxFetcher
	index   *Indexer
	limiter *rate.Limiter
	txCB    *gobreaker.CircuitBreaker[lookup]
	priceCB *gobreaker.CircuitBreaker[*big.Int]
	metrics *metrics.MempoolMetrics
	logger  *zap.Logger

	evictAfter time.Duration
	now        func() time.Time
	live       atomic.Bool
}

func NewObserver(cfg *config.Config, sub Subscriber, fetcher TxFetcher, logger *zap.Logger, m *metrics.MempoolMetrics) (*Observer, error) {
	evict := config.ParseDuration(cfg.Mempool.EvictionTime, 2*time.Minute)
	index, err := NewIndexer(&IndexConfig{MaxSize: cfg.Mempool.IndexSize, EvictionTime: evict}, logger)
	if err != nil {
		return nil, err
	}

	if m == nil {
		m = metrics.NewMempoolMetrics(metrics.Namespace, nil)
	}

	limit := rate.Inf
	burst := cfg.RPCRateLimit.BurstSize
	if cfg.RPCRateLimit.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RPCRateLimit.RequestsPerSecond)
	}
	if burst <= 0 {
		burst = 1
	}

	breaker := func(name string) utils.BreakerConfig {
		bc := utils.BreakerConfig{
			Name:           name,
			ErrorThreshold: cfg.CircuitBreaker.ErrorThreshold,
			ResetInterval:  config.ParseDuration(cfg.CircuitBreaker.ResetInterval, time.Minute),
			CooldownPeriod: config.ParseDuration(cfg.CircuitBreaker.CooldownPeriod, 30*time.Second),
		}
		if !cfg.CircuitBreaker.Enabled {
			bc.ErrorThreshold = ^uint32(0)
		}
		return bc
	}

	return &Observer{
		sub:        sub,
		fetcher:    fetcher,
		index:      index,
		limiter:    rate.NewLimiter(limit, burst),
		txCB:       utils.NewBreaker[lookup](breaker("tx_lookup"), logger, m.BreakerState),
		priceCB:    utils.NewBreaker[*big.Int](breaker("gas_price"), logger, m.BreakerState),
		metrics:    m,
		logger:     logger,
		evictAfter: evict,
		now:        time.Now,
	}, nil
}

// Run keeps the pending subscription alive until ctx is done, resubscribing
// with backoff when the node drops it.
func (o *Observer) Run(ctx context.Context) error {
	go o.index.StartPruning(ctx, o.evictAfter/2)

	backoff := time.Second
	for {
		err := o.follow(ctx)
		o.live.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		o.logger.Warn("Pending transaction subscription lost",
			zap.Error(err),
			zap.Duration("retry_in", backoff),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (o *Observer) follow(ctx context.Context) error {
	hashes := make(chan common.Hash, 1024)
	sub, err := o.sub.SubscribePendingTransactions(ctx, hashes)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	o.live.Store(true)
	o.logger.Info("Subscribed to pending transactions")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case hash := <-hashes:
			o.Observe(hash)
		}
	}
}

// Observe indexes a hash announced by the node.
func (o *Observer) Observe(hash common.Hash) {
	if o.index.Add(hash, o.now()) {
		o.metrics.TxSeen.Inc()
		o.metrics.IndexSize.Set(float64(o.index.Len()))
	}
}

// MarkLive flags the feed as subscribed. Run does this on its own.
func (o *Observer) MarkLive(live bool) {
	o.live.Store(live)
}

func (o *Observer) PendingTransactions(ctx context.Context) ([]common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !o.live.Load() {
		return nil, ErrNotSubscribed
	}
	return o.index.Hashes(o.now()), nil
}

// Transaction returns ethereum.NotFound once hash is mined or dropped. Every
// call asks the node, so a transaction mined between scans stops counting
// immediately.
func (o *Observer) Transaction(ctx context.Context, hash common.Hash) (*types.PendingTx, error) {
	if !o.limiter.Allow() {
		o.metrics.Throttled.Inc()
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	o.metrics.TxLookups.Inc()
	res, err := o.txCB.Execute(func() (lookup, error) {
		tx, pending, err := o.fetcher.TransactionByHash(ctx, hash)
		return lookup{tx: tx, pending: pending}, err
	})
	if errors.Is(err, ethereum.NotFound) || (err == nil && !res.pending) {
		o.index.Remove(hash)
		o.metrics.IndexSize.Set(float64(o.index.Len()))
		return nil, ethereum.NotFound
	}
	if err != nil {
		o.metrics.LookupErrors.Inc()
		return nil, fmt.Errorf("lookup %s: %w", hash.Hex(), err)
	}

	return &types.PendingTx{
		Hash:     hash,
		To:       res.tx.To(),
		Value:    res.tx.Value(),
		GasPrice: res.tx.GasPrice(),
	}, nil
}

func (o *Observer) CurrentGasPrice(ctx context.Context) (*big.Int, error) {
	return o.priceCB.Execute(func() (*big.Int, error) {
		return o.fetcher.SuggestGasPrice(ctx)
	})
}
