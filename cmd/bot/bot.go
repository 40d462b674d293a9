// Package bot assembles the execution pipeline from configuration and runs
// it against a live node.
package bot

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/michaelpento.lv/arbexec/chain"
	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/executor"
	"github.com/michaelpento.lv/arbexec/feed"
	"github.com/michaelpento.lv/arbexec/flashbots"
	"github.com/michaelpento.lv/arbexec/gas"
	"github.com/michaelpento.lv/arbexec/mempool"
	"github.com/michaelpento.lv/arbexec/mev"
	"github.com/michaelpento.lv/arbexec/plan"
	"github.com/michaelpento.lv/arbexec/report"
	"github.com/michaelpento.lv/arbexec/risk"
	"github.com/michaelpento.lv/arbexec/types"
	"github.com/michaelpento.lv/arbexec/utils"
	"github.com/michaelpento.lv/arbexec/utils/metrics"
)

// Bot owns every long-lived component of the pipeline.
type Bot struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	eth      *ethclient.Client
	wsClient *rpc.Client
	rdb      *redis.Client

	gas      *gas.Estimator
	observer *mempool.Observer
	manager  *risk.Manager
	executor *executor.Executor
	feed     feed.Feed
	sink     report.Sink

	processed atomic.Int64
}

// New dials the node and wires the pipeline. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, secure *config.SecureConfig, logger *zap.Logger) (*Bot, error) {
	rc, err := cfg.Risk()
	if err != nil {
		return nil, err
	}

	b := &Bot{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	b.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if b.eth, err = ethclient.DialContext(ctx, cfg.RPCEndpoint); err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum node: %w", err)
	}

	wsURL := cfg.WSEndpoint
	if wsURL == "" {
		wsURL = cfg.RPCEndpoint
	}
	if b.wsClient, err = rpc.DialContext(ctx, wsURL); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to connect to subscription endpoint: %w", err)
	}

	if cfg.Redis.Addr != "" {
		b.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	mempoolMetrics := metrics.NewMempoolMetrics(metrics.Namespace, b.registry)
	b.observer, err = mempool.NewObserver(cfg, mempool.NewGethSubscriber(gethclient.New(b.wsClient)), b.eth, logger.Named("mempool"), mempoolMetrics)
	if err != nil {
		b.Close()
		return nil, err
	}

	gasInterval := config.ParseDuration(cfg.Gas.RefreshInterval, 2*time.Second)
	b.gas = gas.NewEstimator(b.eth, logger.Named("gas"), 2*gasInterval)

	detector := mev.NewDetector(rc, b.observer, logger.Named("mev"), mev.WithMaxScan(cfg.Mempool.MaxScan))
	b.manager = risk.NewManager(rc, detector, logger.Named("risk"),
		risk.WithMetrics(metrics.NewRiskMetrics(metrics.Namespace, b.registry)),
	)

	submitter, err := b.newSubmitter(cfg, secure, mempoolMetrics)
	if err != nil {
		b.Close()
		return nil, err
	}

	b.executor = executor.NewExecutor(rc, b.manager, plan.NewBuilder(rc, logger.Named("plan"), plan.WithRouters(cfg.DexRouters())), b.gas, submitter,
		logger.Named("executor"), metrics.NewExecutionMetrics(metrics.Namespace, b.registry))

	if b.feed, err = b.newFeed(cfg); err != nil {
		b.Close()
		return nil, err
	}

	sinks := report.Multi{report.NewLogSink(logger)}
	if b.rdb != nil && cfg.Redis.ResultsStream != "" {
		sinks = append(sinks, report.NewRedisSink(b.rdb, cfg.Redis.ResultsStream))
	}
	b.sink = sinks

	return b, nil
}

func (b *Bot) newSubmitter(cfg *config.Config, secure *config.SecureConfig, m *metrics.MempoolMetrics) (*chain.Submitter, error) {
	contract, err := chain.NewContract(common.HexToAddress(cfg.ExecutorContract), cfg.Decimals())
	if err != nil {
		return nil, err
	}

	var broadcaster chain.Broadcaster = chain.NewPublicBroadcaster(b.eth)
	if cfg.UsePrivateRelay {
		broadcaster = flashbots.NewClient(flashbots.Config{
			RelayURL: cfg.FlashbotsRelay,
			Simulate: cfg.SimulateBundles,
		}, secure.FlashbotsKey, b.eth, b.logger.Named("flashbots"))
	}

	breaker := utils.BreakerConfig{
		ErrorThreshold: cfg.CircuitBreaker.ErrorThreshold,
		ResetInterval:  config.ParseDuration(cfg.CircuitBreaker.ResetInterval, time.Minute),
		CooldownPeriod: config.ParseDuration(cfg.CircuitBreaker.CooldownPeriod, 30*time.Second),
	}
	if !cfg.CircuitBreaker.Enabled {
		breaker.ErrorThreshold = ^uint32(0)
	}

	return chain.NewSubmitter(chain.SubmitterConfig{
		ChainID:      new(big.Int).SetUint64(cfg.ChainID),
		Routers:      cfg.DexRouters(),
		PollInterval: time.Second,
		Breaker:      breaker,
		BreakerState: m.BreakerState,
	}, b.eth, broadcaster, chain.NewKeySigner(secure.PrivateKey), contract, b.logger.Named("chain")), nil
}

func (b *Bot) newFeed(cfg *config.Config) (feed.Feed, error) {
	switch cfg.Feed.Source {
	case "file":
		return feed.NewFileFeed(cfg.Feed.File, b.logger.Named("feed")), nil
	case "redis":
		if b.rdb == nil {
			return nil, fmt.Errorf("redis feed requires redis.addr")
		}
		consumer := cfg.Feed.Consumer
		if consumer == "" {
			consumer, _ = os.Hostname()
		}
		return feed.NewRedisFeed(b.rdb, cfg.Redis.Stream, cfg.Feed.Group, consumer, b.logger.Named("feed")), nil
	default:
		return nil, fmt.Errorf("unknown feed source %q", cfg.Feed.Source)
	}
}

// Run processes opportunities until ctx is done or the feed is exhausted.
func (b *Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.Serve(ctx, b.cfg.MetricsAddr, b.registry, b.logger)

	if err := b.gas.Refresh(ctx); err != nil {
		return fmt.Errorf("initial gas price: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.gas.Run(ctx, config.ParseDuration(b.cfg.Gas.RefreshInterval, 2*time.Second))
		return nil
	})
	g.Go(func() error {
		return b.observer.Run(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return b.process(ctx)
	})

	err := g.Wait()
	b.logger.Info("Pipeline stopped",
		zap.Int64("processed", b.processed.Load()),
		zap.Any("risk", b.manager.Snapshot()),
	)
	return err
}

// process hands every opportunity to a bounded pool of executors. Results
// are recorded even when shutdown begins mid-trade.
func (b *Bot) process(ctx context.Context) error {
	opps, errs := b.feed.Opportunities(ctx)

	workers := new(errgroup.Group)
	workers.SetLimit(b.cfg.Workers)

	for opps != nil || errs != nil {
		select {
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			b.logger.Warn("Skipped opportunity", zap.Error(err))
		case opp, ok := <-opps:
			if !ok {
				opps = nil
				continue
			}
			workers.Go(func() error {
				res := b.executor.Execute(ctx, opp)
				b.processed.Add(1)
				b.record(context.WithoutCancel(ctx), res)
				return nil
			})
		}
	}

	return workers.Wait()
}

func (b *Bot) record(ctx context.Context, res types.TradeResult) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.sink.Record(ctx, res); err != nil {
		b.logger.Error("Failed to record result",
			zap.String("opportunity", res.OpportunityID),
			zap.Error(err),
		)
	}
}

// Close releases network clients.
func (b *Bot) Close() {
	if b.rdb != nil {
		if err := b.rdb.Close(); err != nil {
			b.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if b.wsClient != nil {
		b.wsClient.Close()
	}
	if b.eth != nil {
		b.eth.Close()
	}
}
