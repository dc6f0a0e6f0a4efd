package gateway

import (
	"context"
	"fmt"

	"github.com/tradegrid/tradegrid/trade"
	"github.com/tradegrid/tradegrid/util/uniqueid"
)

// Ensure TradeExecutor implements trade.Executor
var _ trade.Executor = (*TradeExecutor)(nil)

// TradeExecutor adapts the gateway to the trade processor's executor
// contract: submit the trade on chain and block until it confirms.
type TradeExecutor struct {
	gw *Gateway
}

// NewTradeExecutor wraps a gateway for use by a trade shard.
func NewTradeExecutor(gw *Gateway) *TradeExecutor {
	return &TradeExecutor{gw: gw}
}

// ExecuteTrade runs one trade to a terminal state and returns its hash.
func (e *TradeExecutor) ExecuteTrade(ctx context.Context, req *trade.TradeRequest) (string, error) {
	txReq := &TransactionRequest{
		TxID:     uniqueid.NewTransactionID(),
		ChainID:  req.ChainID,
		Kind:     KindTrade,
		UserID:   req.UserID,
		TokenIn:  req.TokenIn,
		TokenOut: req.TokenOut,
		Amount:   req.AmountIn,
	}

	res, err := e.gw.ExecuteAndWait(ctx, txReq)
	if err != nil {
		return "", err
	}
	if res.Status != TxSuccess {
		return "", fmt.Errorf("transaction %s failed: %s", res.TxID, res.Error)
	}
	return res.TxHash, nil
}
