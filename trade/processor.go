package trade

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradegrid/tradegrid/eventbus"
	"github.com/tradegrid/tradegrid/util/errors"
	"github.com/tradegrid/tradegrid/util/keylock"
	"github.com/tradegrid/tradegrid/util/logger"
	"github.com/tradegrid/tradegrid/util/metrics"
	"github.com/tradegrid/tradegrid/util/uniqueid"
	"github.com/tradegrid/tradegrid/util/workerpool"
)

// DefaultMatchInterval is how often the matching pass runs across all pairs.
const DefaultMatchInterval = time.Second

// Validator checks a trade request before any state mutation. A validation
// failure moves the order directly to failed without ever reaching the book.
type Validator interface {
	Validate(ctx context.Context, req *TradeRequest) error
}

// Executor submits a validated trade for on-chain execution and returns the
// transaction hash. The request's deadline is a contract with the execution
// provider, not enforced here.
type Executor interface {
	ExecuteTrade(ctx context.Context, req *TradeRequest) (string, error)
}

// Store persists order snapshots and mirrors the resting book to the shared
// cache for crash recovery. Implementations must tolerate being called from
// concurrent matching passes on different pairs.
type Store interface {
	SaveOrder(ctx context.Context, o *Order) error
	BookAdd(ctx context.Context, pair, side, orderID string, price float64) error
	BookRemove(ctx context.Context, pair, side, orderID string) error
	ScanOrders(ctx context.Context, fn func(o *Order) error) error
}

// History records terminal orders in the audit database. It may be nil when
// the shard runs without postgres.
type History interface {
	RecordOrder(ctx context.Context, o *Order) error
}

// Processor owns the per-pair order books of one trade shard. It validates
// incoming requests, executes market orders synchronously, rests limit orders
// on the book, and runs the periodic matching pass.
type Processor struct {
	shardID   string
	validator Validator
	executor  Executor
	store     Store
	history   History
	bus       eventbus.Bus

	mu     sync.RWMutex
	orders map[string]*Order
	books  map[string]*OrderBook

	pairLocks *keylock.KeyLock
	seq       atomic.Uint64

	matchInterval time.Duration
	pool          *workerpool.WorkerPool
	owns          func(partition int) bool
	logger        *logger.Logger
}

// ProcessorOptions wires a Processor's collaborators.
type ProcessorOptions struct {
	ShardID       string
	Validator     Validator
	Executor      Executor
	Store         Store        // optional
	History       History      // optional
	Bus           eventbus.Bus // optional; terminal results are published to trade.completed
	MatchInterval time.Duration
	MatchWorkers  int

	// Owns limits this shard to its assigned bus partitions, keeping one
	// reader per partition when several trade shards share the group. Nil
	// consumes everything.
	Owns func(partition int) bool
}

// NewProcessor creates a trade processor shard.
func NewProcessor(ctx context.Context, opts ProcessorOptions) *Processor {
	if opts.MatchInterval <= 0 {
		opts.MatchInterval = DefaultMatchInterval
	}
	if opts.MatchWorkers <= 0 {
		opts.MatchWorkers = 4
	}

	pool := workerpool.New(ctx, opts.MatchWorkers)
	pool.Start()

	return &Processor{
		shardID:       opts.ShardID,
		validator:     opts.Validator,
		executor:      opts.Executor,
		store:         opts.Store,
		history:       opts.History,
		bus:           opts.Bus,
		orders:        make(map[string]*Order),
		books:         make(map[string]*OrderBook),
		pairLocks:     keylock.New(),
		matchInterval: opts.MatchInterval,
		pool:          pool,
		owns:          opts.Owns,
		logger:        logger.NewLogger(fmt.Sprintf("TradeProcessor(%s)", opts.ShardID)),
	}
}

// Start recovers persisted orders, subscribes the shard to trade requests,
// and launches the matching loop. Handler errors fail only that message's
// processing, never the loop.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.RecoverOrders(ctx); err != nil {
		p.logger.Warnf("Order recovery incomplete: %v", err)
	}

	if p.bus != nil {
		err := p.bus.Subscribe(ctx, eventbus.TopicTradeRequests, "trade-processors", p.handleEvent, eventbus.SubscribeOptions{Owns: p.owns})
		if err != nil {
			return fmt.Errorf("failed to subscribe to trade requests: %w", err)
		}
	}

	go p.matchingLoop(ctx)
	p.logger.Infof("Trade processor started (match interval %v)", p.matchInterval)
	return nil
}

// handleEvent dispatches bus events by type.
func (p *Processor) handleEvent(ctx context.Context, ev *eventbus.Event) error {
	switch ev.Type {
	case "trade.request":
		var req TradeRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		_, err := p.HandleTradeRequest(ctx, &req)
		if errors.IsValidation(err) || errors.IsExecution(err) {
			// Already a terminal order state; retrying the message cannot help.
			return nil
		}
		return err
	case "trade.cancel":
		var req CancelRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		if err := p.CancelOrder(ctx, req.OrderID, req.UserID); err != nil {
			p.logger.Warnf("Cancel of %s rejected: %v", req.OrderID, err)
			p.publishCancelRejection(ctx, &req, err)
		}
		return nil
	default:
		p.logger.Warnf("Ignoring unknown event type %s", ev.Type)
		return nil
	}
}

// HandleTradeRequest validates the request and either executes a market order
// immediately or rests a limit order on the pair's book. The returned order
// reflects the final state for market orders.
func (p *Processor) HandleTradeRequest(ctx context.Context, req *TradeRequest) (*Order, error) {
	if req.OrderID == "" {
		req.OrderID = uniqueid.NewOrderID()
	}

	p.mu.Lock()
	if _, exists := p.orders[req.OrderID]; exists {
		p.mu.Unlock()
		return nil, errors.NewValidationError("orderId", "order already exists: "+req.OrderID)
	}
	order := &Order{
		Request:   *req,
		Shard:     p.shardID,
		Status:    StatusPending,
		Remaining: req.AmountIn,
		Sequence:  p.seq.Add(1),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	p.orders[req.OrderID] = order
	p.mu.Unlock()

	if err := p.validator.Validate(ctx, req); err != nil {
		p.failOrder(ctx, order, err.Error())
		return order, errors.NewValidationError("request", err.Error())
	}

	switch req.Type {
	case OrderTypeMarket:
		return order, p.executeMarket(ctx, order)
	case OrderTypeLimit:
		return order, p.restLimit(ctx, order)
	default:
		p.failOrder(ctx, order, "unsupported order type: "+string(req.Type))
		return order, errors.NewValidationError("type", "unsupported order type: "+string(req.Type))
	}
}

// executeMarket runs a market order synchronously against the gateway.
func (p *Processor) executeMarket(ctx context.Context, order *Order) error {
	unlock := p.pairLocks.Lock(order.Request.Pair())
	defer unlock()

	if err := order.transition(StatusExecuting); err != nil {
		return err
	}
	p.persist(ctx, order)

	txHash, err := p.executor.ExecuteTrade(ctx, &order.Request)
	if err != nil {
		p.failOrder(ctx, order, err.Error())
		return errors.NewExecutionError("executeTrade", err)
	}

	order.TxHash = txHash
	order.Remaining = decimal.Zero
	if err := order.transition(StatusCompleted); err != nil {
		return err
	}
	p.finishOrder(ctx, order)
	return nil
}

// restLimit places a limit order on the book until matched or cancelled.
func (p *Processor) restLimit(ctx context.Context, order *Order) error {
	if order.Request.LimitPrice.LessThanOrEqual(decimal.Zero) {
		p.failOrder(ctx, order, "limit order requires a positive limit price")
		return errors.NewValidationError("limitPrice", "must be positive")
	}

	pair := order.Request.Pair()
	unlock := p.pairLocks.Lock(pair)
	defer unlock()

	p.mu.Lock()
	book, ok := p.books[pair]
	if !ok {
		book = NewOrderBook(pair)
		p.books[pair] = book
	}
	p.mu.Unlock()

	book.Insert(order)
	p.persist(ctx, order)
	p.mirrorAdd(ctx, order)
	metrics.OrdersOpen.WithLabelValues(p.shardID, pair).Set(float64(book.Size()))

	p.logger.Infof("Limit %s resting on %s at %s (order %s)",
		order.Request.Side, pair, order.Request.LimitPrice, order.ID())
	return nil
}

// CancelOrder removes a resting order. Cancellation is cooperative: it only
// affects orders still pending; an order already executing fails explicitly.
func (p *Processor) CancelOrder(ctx context.Context, orderID, userID string) error {
	p.mu.RLock()
	order, ok := p.orders[orderID]
	p.mu.RUnlock()
	if !ok {
		return errors.NewNotFoundError("order", orderID)
	}

	if order.Request.UserID != userID {
		return errors.NewValidationError("userId", "order belongs to a different user")
	}

	pair := order.Request.Pair()
	unlock := p.pairLocks.Lock(pair)
	defer unlock()

	switch {
	case order.Status == StatusExecuting:
		return errors.NewValidationError("status", "order is executing and can no longer be cancelled")
	case order.Status.IsTerminal():
		return errors.NewValidationError("status", "order already "+string(order.Status))
	}

	p.mu.RLock()
	book := p.books[pair]
	p.mu.RUnlock()
	if book != nil {
		if _, side, found := book.Remove(orderID); found {
			p.mirrorRemove(ctx, pair, side, orderID)
			metrics.OrdersOpen.WithLabelValues(p.shardID, pair).Set(float64(book.Size()))
		}
	}

	order.Error = CancelledByUserReason
	if err := order.transition(StatusCancelled); err != nil {
		return err
	}
	p.finishOrder(ctx, order)
	p.logger.Infof("Order %s cancelled by user %s", orderID, userID)
	return nil
}

// GetOrder returns the shard's view of an order.
func (p *Processor) GetOrder(orderID string) (*Order, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.orders[orderID]
	return o, ok
}

// Depth returns a depth snapshot for one pair.
func (p *Processor) Depth(pair string, n int) (bids, asks []Level) {
	unlock := p.pairLocks.RLock(pair)
	defer unlock()

	p.mu.RLock()
	book := p.books[pair]
	p.mu.RUnlock()
	if book == nil {
		return nil, nil
	}
	return book.Depth(n)
}

// RecoverOrders rebuilds this shard's books from cached order snapshots
// after a restart. Pending limit orders go back on the book in their original
// sequence; orders caught mid-execution have an unknown on-chain outcome and
// are failed explicitly rather than re-executed.
func (p *Processor) RecoverOrders(ctx context.Context) error {
	if p.store == nil {
		return nil
	}

	var resting, abandoned int
	maxSeq := p.seq.Load()
	err := p.store.ScanOrders(ctx, func(o *Order) error {
		if o.Shard != p.shardID {
			return nil
		}
		if o.Sequence > maxSeq {
			maxSeq = o.Sequence
		}

		p.mu.Lock()
		if _, exists := p.orders[o.ID()]; exists {
			p.mu.Unlock()
			return nil
		}
		p.orders[o.ID()] = o
		p.mu.Unlock()

		switch {
		case o.Status == StatusPending && o.Request.Type == OrderTypeLimit:
			pair := o.Request.Pair()
			p.mu.Lock()
			book, ok := p.books[pair]
			if !ok {
				book = NewOrderBook(pair)
				p.books[pair] = book
			}
			p.mu.Unlock()
			book.Insert(o)
			resting++
		case o.Status == StatusExecuting:
			p.mirrorRemove(ctx, o.Request.Pair(), o.Request.Side, o.ID())
			p.failOrder(ctx, o, "shard restarted during execution")
			abandoned++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if p.seq.Load() < maxSeq {
		p.seq.Store(maxSeq)
	}

	p.mu.RLock()
	for pair, book := range p.books {
		metrics.OrdersOpen.WithLabelValues(p.shardID, pair).Set(float64(book.Size()))
	}
	p.mu.RUnlock()

	if resting > 0 || abandoned > 0 {
		p.logger.Infof("Recovered %d resting orders from cache (%d abandoned mid-execution)", resting, abandoned)
	}
	return nil
}

// matchingLoop runs the matching pass on a fixed interval across all pairs.
func (p *Processor) matchingLoop(ctx context.Context) {
	ticker := time.NewTicker(p.matchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.pool.Stop()
			return
		case <-ticker.C:
			p.RunMatchingPass(ctx)
		}
	}
}

// RunMatchingPass matches every pair's book once, with bounded parallelism
// across pairs. Exported so tests can drive matching deterministically.
func (p *Processor) RunMatchingPass(ctx context.Context) {
	p.mu.RLock()
	pairs := make([]string, 0, len(p.books))
	for pair := range p.books {
		pairs = append(pairs, pair)
	}
	p.mu.RUnlock()

	if len(pairs) == 0 {
		return
	}

	tasks := make([]workerpool.Task, 0, len(pairs))
	for _, pair := range pairs {
		pair := pair
		tasks = append(tasks, func(ctx context.Context) error {
			p.matchPair(ctx, pair)
			return nil
		})
	}
	p.pool.SubmitAndWait(ctx, tasks)
}

func (p *Processor) matchPair(ctx context.Context, pair string) {
	unlock := p.pairLocks.Lock(pair)
	defer unlock()

	p.mu.RLock()
	book := p.books[pair]
	p.mu.RUnlock()
	if book == nil {
		return
	}

	fills := book.Match()
	for _, fill := range fills {
		p.executeFill(ctx, pair, fill)
	}
	if len(fills) > 0 {
		metrics.OrdersOpen.WithLabelValues(p.shardID, pair).Set(float64(book.Size()))
	}
}

// executeFill settles one crossed quantity on chain. The buy side's request
// sized to the fill drives the execution; both orders share its outcome.
func (p *Processor) executeFill(ctx context.Context, pair string, fill Fill) {
	execReq := fill.Buy.Request
	execReq.AmountIn = fill.Quantity
	execReq.LimitPrice = fill.Price

	markExecuting := func(o *Order) {
		if o.Status == StatusPending {
			if err := o.transition(StatusExecuting); err != nil {
				p.logger.Errorf("Order %s: %v", o.ID(), err)
			}
			p.persist(ctx, o)
		}
	}
	markExecuting(fill.Buy)
	markExecuting(fill.Sell)

	txHash, err := p.executor.ExecuteTrade(ctx, &execReq)
	if err != nil {
		p.logger.Errorf("Fill on %s failed: %v", pair, err)
		p.settleFailed(ctx, pair, fill.Buy, err)
		p.settleFailed(ctx, pair, fill.Sell, err)
		return
	}

	p.settleFilled(ctx, pair, fill.Buy, txHash)
	p.settleFilled(ctx, pair, fill.Sell, txHash)
	p.logger.Infof("Matched %s on %s: qty %s at %s (tx %s)",
		fill.Buy.ID(), pair, fill.Quantity, fill.Price, txHash)
}

// settleFilled completes an order whose remaining quantity reached zero, or
// returns a partially filled order to pending so it keeps resting.
func (p *Processor) settleFilled(ctx context.Context, pair string, o *Order, txHash string) {
	o.TxHash = txHash
	if !o.Remaining.IsZero() {
		// Partial fill: the remainder keeps resting.
		if err := o.transition(StatusPending); err != nil {
			p.logger.Errorf("Order %s: %v", o.ID(), err)
			return
		}
		p.persist(ctx, o)
		return
	}
	if err := o.transition(StatusCompleted); err != nil {
		p.logger.Errorf("Order %s: %v", o.ID(), err)
		return
	}
	p.mirrorRemove(ctx, pair, o.Request.Side, o.ID())
	p.finishOrder(ctx, o)
}

// settleFailed moves an order to failed after an execution error and removes
// any remainder from the book; pending bookkeeping is cleaned up regardless.
func (p *Processor) settleFailed(ctx context.Context, pair string, o *Order, cause error) {
	p.mu.RLock()
	book := p.books[pair]
	p.mu.RUnlock()
	if book != nil {
		book.Remove(o.ID())
	}
	p.mirrorRemove(ctx, pair, o.Request.Side, o.ID())
	p.failOrder(ctx, o, cause.Error())
}

func (p *Processor) failOrder(ctx context.Context, o *Order, reason string) {
	o.Error = reason
	if err := o.transition(StatusFailed); err != nil {
		p.logger.Errorf("Order %s: %v", o.ID(), err)
		return
	}
	p.finishOrder(ctx, o)
}

// finishOrder persists, audits, and publishes a terminal order.
func (p *Processor) finishOrder(ctx context.Context, o *Order) {
	p.persist(ctx, o)
	metrics.RecordOrderTerminal(p.shardID, string(o.Request.Type), string(o.Status))

	if p.history != nil {
		if err := p.history.RecordOrder(ctx, o); err != nil {
			p.logger.Warnf("Failed to record order %s in history: %v", o.ID(), err)
		}
	}

	if p.bus == nil {
		return
	}
	result := OrderResult{
		OrderID: o.ID(),
		UserID:  o.Request.UserID,
		Status:  o.Status,
		TxHash:  o.TxHash,
		Error:   o.Error,
		Pair:    o.Request.Pair(),
	}
	ev, err := eventbus.NewEvent("trade.completed", p.shardID, result)
	if err != nil {
		p.logger.Errorf("Failed to build trade.completed event for %s: %v", o.ID(), err)
		return
	}
	if err := p.bus.Publish(ctx, eventbus.TopicTradeCompleted, ev, o.Request.UserID); err != nil {
		p.logger.Errorf("Failed to publish trade.completed for %s: %v", o.ID(), err)
	}
}

// publishCancelRejection reports a refused cancel back through the bus so
// the requester gets an answer instead of silence.
func (p *Processor) publishCancelRejection(ctx context.Context, req *CancelRequest, cause error) {
	if p.bus == nil {
		return
	}
	ev, err := eventbus.NewEvent("trade.cancel.rejected", p.shardID, CancelRejection{
		OrderID: req.OrderID,
		UserID:  req.UserID,
		Reason:  cause.Error(),
	})
	if err != nil {
		p.logger.Errorf("Failed to build cancel rejection for %s: %v", req.OrderID, err)
		return
	}
	if err := p.bus.Publish(ctx, eventbus.TopicTradeCompleted, ev, req.UserID); err != nil {
		p.logger.Errorf("Failed to publish cancel rejection for %s: %v", req.OrderID, err)
	}
}

func (p *Processor) persist(ctx context.Context, o *Order) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveOrder(ctx, o); err != nil {
		p.logger.Warnf("Failed to persist order %s: %v", o.ID(), err)
	}
}

func (p *Processor) mirrorAdd(ctx context.Context, o *Order) {
	if p.store == nil {
		return
	}
	price, _ := o.Request.LimitPrice.Float64()
	side := "asks"
	if o.Request.Side == SideBuy {
		side = "bids"
	}
	if err := p.store.BookAdd(ctx, o.Request.Pair(), side, o.ID(), price); err != nil {
		p.logger.Warnf("Failed to mirror order %s into book cache: %v", o.ID(), err)
	}
}

func (p *Processor) mirrorRemove(ctx context.Context, pair string, orderSide OrderSide, orderID string) {
	if p.store == nil {
		return
	}
	side := "asks"
	if orderSide == SideBuy {
		side = "bids"
	}
	if err := p.store.BookRemove(ctx, pair, side, orderID); err != nil {
		p.logger.Warnf("Failed to remove order %s from book cache: %v", orderID, err)
	}
}
