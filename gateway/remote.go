package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/tradegrid/tradegrid/eventbus"
	"github.com/tradegrid/tradegrid/trade"
	"github.com/tradegrid/tradegrid/util/uniqueid"
)

// Ensure RemoteExecutor implements trade.Executor
var _ trade.Executor = (*RemoteExecutor)(nil)

// RemoteExecutor executes trades through gateway shards over the event bus:
// it publishes the transaction request and waits for the matching result on
// blockchain.results. Each trade node subscribes with its own consumer group
// so every node sees every result and can resolve its own waiters.
type RemoteExecutor struct {
	nodeID string
	bus    eventbus.Bus

	mu      sync.Mutex
	waiters map[string]chan *TransactionResult
}

// NewRemoteExecutor creates the executor and subscribes it to results.
func NewRemoteExecutor(ctx context.Context, nodeID string, bus eventbus.Bus) (*RemoteExecutor, error) {
	e := &RemoteExecutor{
		nodeID:  nodeID,
		bus:     bus,
		waiters: make(map[string]chan *TransactionResult),
	}

	group := "trade-executor-" + nodeID
	err := bus.Subscribe(ctx, eventbus.TopicBlockchainResults, group, e.handleResult, eventbus.SubscribeOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to transaction results: %w", err)
	}
	return e, nil
}

func (e *RemoteExecutor) handleResult(ctx context.Context, ev *eventbus.Event) error {
	var res TransactionResult
	if err := ev.Decode(&res); err != nil {
		return err
	}

	e.mu.Lock()
	waiter, ok := e.waiters[res.TxID]
	if ok {
		delete(e.waiters, res.TxID)
	}
	e.mu.Unlock()

	if ok {
		waiter <- &res
	}
	return nil
}

// ExecuteTrade publishes the trade to the gateway fleet and blocks until its
// result arrives or ctx expires.
func (e *RemoteExecutor) ExecuteTrade(ctx context.Context, req *trade.TradeRequest) (string, error) {
	txReq := &TransactionRequest{
		TxID:     uniqueid.NewTransactionID(),
		ChainID:  req.ChainID,
		Kind:     KindTrade,
		UserID:   req.UserID,
		TokenIn:  req.TokenIn,
		TokenOut: req.TokenOut,
		Amount:   req.AmountIn,
	}

	waiter := make(chan *TransactionResult, 1)
	e.mu.Lock()
	e.waiters[txReq.TxID] = waiter
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiters, txReq.TxID)
		e.mu.Unlock()
	}()

	ev, err := eventbus.NewEvent("blockchain.transaction", e.nodeID, txReq)
	if err != nil {
		return "", err
	}
	if err := e.bus.Publish(ctx, eventbus.TopicBlockchainTransactions, ev, req.UserID); err != nil {
		return "", fmt.Errorf("failed to publish transaction %s: %w", txReq.TxID, err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-waiter:
		if res.Status != TxSuccess {
			return "", fmt.Errorf("transaction %s failed: %s", res.TxID, res.Error)
		}
		return res.TxHash, nil
	}
}
