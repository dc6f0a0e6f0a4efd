package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tradegrid/tradegrid/cache"
	"github.com/tradegrid/tradegrid/eventbus"
	"github.com/tradegrid/tradegrid/util/errors"
	"github.com/tradegrid/tradegrid/util/logger"
	"github.com/tradegrid/tradegrid/util/metrics"
	"github.com/tradegrid/tradegrid/util/uniqueid"
)

const (
	// DefaultMonitorInterval is how often pending transactions are polled.
	DefaultMonitorInterval = 5 * time.Second
	// DefaultResultTTL is how long terminal results stay cached for replays.
	DefaultResultTTL = time.Hour
	// DefaultMaxConcurrentTx caps in-flight transactions per gateway shard.
	DefaultMaxConcurrentTx = 50
)

// History records executed transactions in the audit database. May be nil.
type History interface {
	RecordTransaction(ctx context.Context, res *TransactionResult, submittedAt time.Time) error
}

// MetadataUpdater pushes shard load info into the service registry.
type MetadataUpdater interface {
	UpdateMetadata(id string, metadata map[string]string) error
}

// Gateway executes blockchain transactions through per-chain providers. It
// enforces a hard cap on in-flight transactions, caches terminal results so
// redelivered requests do not execute twice, and polls pending submissions
// until they confirm.
type Gateway struct {
	shardID         string
	maxConcurrent   int
	monitorInterval time.Duration
	resultTTL       time.Duration

	cache    *cache.Cache    // optional
	history  History         // optional
	bus      eventbus.Bus    // optional
	registry MetadataUpdater // optional

	mu        sync.Mutex
	providers map[string]ChainProvider
	configs   map[string]ChainConfig
	pending   map[string]*pendingTx

	logger *logger.Logger
}

type pendingTx struct {
	req         *TransactionRequest
	txHash      string
	submittedAt time.Time
	done        chan *TransactionResult
}

// Options wires a Gateway's collaborators.
type Options struct {
	ShardID         string
	MaxConcurrentTx int
	MonitorInterval time.Duration
	ResultTTL       time.Duration
	Cache           *cache.Cache
	History         History
	Bus             eventbus.Bus
	Registry        MetadataUpdater
}

// New creates a gateway shard.
func New(opts Options) *Gateway {
	if opts.MaxConcurrentTx <= 0 {
		opts.MaxConcurrentTx = DefaultMaxConcurrentTx
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = DefaultMonitorInterval
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}

	return &Gateway{
		shardID:         opts.ShardID,
		maxConcurrent:   opts.MaxConcurrentTx,
		monitorInterval: opts.MonitorInterval,
		resultTTL:       opts.ResultTTL,
		cache:           opts.Cache,
		history:         opts.History,
		bus:             opts.Bus,
		registry:        opts.Registry,
		providers:       make(map[string]ChainProvider),
		configs:         make(map[string]ChainConfig),
		pending:         make(map[string]*pendingTx),
		logger:          logger.NewLogger(fmt.Sprintf("ChainGateway(%s)", opts.ShardID)),
	}
}

// RegisterProvider initializes a provider for one chain and publishes the
// chain's config to the shared cache so other shards can see what the fleet
// supports.
func (g *Gateway) RegisterProvider(ctx context.Context, cfg ChainConfig, provider ChainProvider) error {
	if cfg.ChainID == "" {
		return errors.NewValidationError("chainId", "must not be empty")
	}
	if err := provider.Initialize(ctx, cfg); err != nil {
		return fmt.Errorf("failed to initialize provider for chain %s: %w", cfg.ChainID, err)
	}

	g.mu.Lock()
	g.providers[cfg.ChainID] = provider
	g.configs[cfg.ChainID] = cfg
	configs := make(map[string]ChainConfig, len(g.configs))
	for id, c := range g.configs {
		configs[id] = c
	}
	g.mu.Unlock()

	if g.cache != nil {
		if err := g.cache.PutRecord(ctx, cache.ChainConfigsKey, configs); err != nil {
			g.logger.Warnf("Failed to publish chain configs: %v", err)
		}
	}

	g.logger.Infof("Registered provider for chain %s", cfg.ChainID)
	return nil
}

// Start subscribes the gateway to transaction requests and launches the
// confirmation monitor.
func (g *Gateway) Start(ctx context.Context) error {
	if g.bus != nil {
		err := g.bus.Subscribe(ctx, eventbus.TopicBlockchainTransactions, "chain-gateways", g.handleEvent, eventbus.SubscribeOptions{})
		if err != nil {
			return fmt.Errorf("failed to subscribe to transaction requests: %w", err)
		}
	}

	go g.monitorLoop(ctx)
	g.logger.Infof("Chain gateway started (max %d in-flight, monitor every %v)",
		g.maxConcurrent, g.monitorInterval)
	return nil
}

func (g *Gateway) handleEvent(ctx context.Context, ev *eventbus.Event) error {
	if ev.Type != "blockchain.transaction" {
		g.logger.Warnf("Ignoring unknown event type %s", ev.Type)
		return nil
	}

	var req TransactionRequest
	if err := ev.Decode(&req); err != nil {
		return err
	}

	err := g.Execute(ctx, &req)
	switch {
	case errors.IsCapacity(err):
		// Leave the message unacked so the claim cycle redelivers it once
		// in-flight load drains.
		return err
	case errors.IsValidation(err):
		return nil
	default:
		return err
	}
}

// Execute submits a transaction and returns once it is in flight. The result
// is finalized by the monitor loop: cached, recorded, and published to
// blockchain.results. A request whose id already has a cached result is a
// no-op replay.
func (g *Gateway) Execute(ctx context.Context, req *TransactionRequest) error {
	_, err := g.submit(ctx, req)
	if errors.IsNotFound(err) {
		// Already finalized; replay of a delivered request.
		return nil
	}
	return err
}

// ExecuteAndWait submits a transaction and blocks until it confirms or ctx
// expires. Used by the trade path, which needs the outcome synchronously.
func (g *Gateway) ExecuteAndWait(ctx context.Context, req *TransactionRequest) (*TransactionResult, error) {
	pt, err := g.submit(ctx, req)
	if err != nil {
		if errors.IsNotFound(err) {
			return g.cachedResult(ctx, req.TxID)
		}
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-pt.done:
		return res, nil
	}
}

// submit validates, reserves an in-flight slot, and hands the request to the
// chain provider. Capacity is checked before the provider is ever called.
func (g *Gateway) submit(ctx context.Context, req *TransactionRequest) (*pendingTx, error) {
	if req.TxID == "" {
		req.TxID = uniqueid.NewTransactionID()
	}
	if !req.Kind.Valid() {
		return nil, errors.NewValidationError("kind", "unsupported transaction kind: "+string(req.Kind))
	}

	if cached, err := g.cachedResult(ctx, req.TxID); err == nil && cached != nil {
		return nil, errors.NewNotFoundError("pending transaction", req.TxID)
	}

	g.mu.Lock()
	provider, ok := g.providers[req.ChainID]
	if !ok {
		g.mu.Unlock()
		return nil, errors.NewValidationError("chainId", "no provider for chain: "+req.ChainID)
	}
	if len(g.pending) >= g.maxConcurrent {
		g.mu.Unlock()
		return nil, errors.NewCapacityError("in-flight transactions", g.maxConcurrent)
	}
	pt := &pendingTx{
		req:         req,
		submittedAt: time.Now(),
		done:        make(chan *TransactionResult, 1),
	}
	g.pending[req.TxID] = pt
	metrics.TransactionsPending.WithLabelValues(g.shardID).Set(float64(len(g.pending)))
	g.mu.Unlock()

	if g.cache != nil {
		if err := g.cache.PutRecord(ctx, cache.TxKey(req.TxID), req); err != nil {
			g.logger.Warnf("Failed to persist pending tx %s: %v", req.TxID, err)
		}
	}

	txHash, err := g.dispatch(ctx, provider, req)
	if err != nil {
		g.finalize(ctx, pt, &TransactionResult{
			TxID:    req.TxID,
			ChainID: req.ChainID,
			UserID:  req.UserID,
			Kind:    req.Kind,
			Status:  TxFailed,
			Error:   err.Error(),
		})
		return pt, nil
	}

	g.mu.Lock()
	pt.txHash = txHash
	g.mu.Unlock()
	g.logger.Infof("Submitted %s tx %s on %s (hash %s)", req.Kind, req.TxID, req.ChainID, txHash)
	return pt, nil
}

func (g *Gateway) dispatch(ctx context.Context, provider ChainProvider, req *TransactionRequest) (string, error) {
	switch req.Kind {
	case KindTrade:
		return provider.ExecuteTrade(ctx, req)
	case KindTransfer:
		return provider.ExecuteTransfer(ctx, req)
	case KindSwap:
		return provider.ExecuteSwap(ctx, req)
	default:
		return "", errors.NewValidationError("kind", "unsupported transaction kind: "+string(req.Kind))
	}
}

// monitorLoop polls pending submissions until they leave TxPending.
func (g *Gateway) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(g.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RunMonitorPass(ctx)
		}
	}
}

// RunMonitorPass checks every in-flight submission once. Exported so tests
// can drive confirmation deterministically.
func (g *Gateway) RunMonitorPass(ctx context.Context) {
	g.mu.Lock()
	inflight := make([]*pendingTx, 0, len(g.pending))
	for _, pt := range g.pending {
		if pt.txHash != "" {
			inflight = append(inflight, pt)
		}
	}
	g.mu.Unlock()

	for _, pt := range inflight {
		g.mu.Lock()
		provider := g.providers[pt.req.ChainID]
		g.mu.Unlock()
		if provider == nil {
			continue
		}

		status, err := provider.CheckTransactionStatus(ctx, pt.txHash)
		if err != nil {
			g.logger.Warnf("Status check for tx %s failed: %v", pt.req.TxID, err)
			continue
		}
		if status == TxPending {
			continue
		}

		res := &TransactionResult{
			TxID:    pt.req.TxID,
			ChainID: pt.req.ChainID,
			UserID:  pt.req.UserID,
			Kind:    pt.req.Kind,
			Status:  status,
			TxHash:  pt.txHash,
		}
		if status == TxFailed {
			res.Error = "transaction reverted on chain"
		}
		g.finalize(ctx, pt, res)
	}

	if g.registry != nil && g.shardID != "" {
		err := g.registry.UpdateMetadata(g.shardID, map[string]string{
			"pending_tx": fmt.Sprintf("%d", g.PendingCount()),
		})
		if err != nil {
			g.logger.Warnf("Failed to update registry metadata: %v", err)
		}
	}
}

// finalize releases the in-flight slot and makes the result durable: cached
// with a TTL for replay dedupe, recorded in history, published to the bus,
// and delivered to any synchronous waiter.
func (g *Gateway) finalize(ctx context.Context, pt *pendingTx, res *TransactionResult) {
	g.mu.Lock()
	delete(g.pending, res.TxID)
	metrics.TransactionsPending.WithLabelValues(g.shardID).Set(float64(len(g.pending)))
	g.mu.Unlock()

	if g.cache != nil {
		if data, err := json.Marshal(res); err == nil {
			if err := g.cache.SetTransient(ctx, cache.TxKey(res.TxID), string(data), g.resultTTL); err != nil {
				g.logger.Warnf("Failed to cache result for tx %s: %v", res.TxID, err)
			}
		}
	}
	if g.history != nil {
		if err := g.history.RecordTransaction(ctx, res, pt.submittedAt); err != nil {
			g.logger.Warnf("Failed to record tx %s in history: %v", res.TxID, err)
		}
	}
	metrics.RecordTransaction(g.shardID, res.ChainID, string(res.Kind), string(res.Status))

	if g.bus != nil {
		ev, err := eventbus.NewEvent("blockchain.result", g.shardID, res)
		if err == nil {
			if err := g.bus.Publish(ctx, eventbus.TopicBlockchainResults, ev, res.UserID); err != nil {
				g.logger.Errorf("Failed to publish result for tx %s: %v", res.TxID, err)
			}
		}
	}

	pt.done <- res
	g.logger.Infof("Transaction %s on %s finalized: %s", res.TxID, res.ChainID, res.Status)
}

// cachedResult returns a previously finalized result, or nil.
func (g *Gateway) cachedResult(ctx context.Context, txID string) (*TransactionResult, error) {
	if g.cache == nil {
		return nil, nil
	}
	data, err := g.cache.GetTransient(ctx, cache.TxKey(txID))
	if err != nil {
		return nil, nil
	}
	var res TransactionResult
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, fmt.Errorf("corrupt cached result for tx %s: %w", txID, err)
	}
	return &res, nil
}

// PendingCount returns the number of in-flight transactions.
func (g *Gateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
