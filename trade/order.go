package trade

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradegrid/tradegrid/util/errors"
)

// OrderType is the closed set of supported order kinds.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderSide is the closed set of book sides.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderStatus is the closed set of order lifecycle states.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusExecuting OrderStatus = "executing"
	StatusCompleted OrderStatus = "completed"
	StatusFailed    OrderStatus = "failed"
	StatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// canTransition encodes the monotonic lifecycle: pending → executing →
// {completed, failed}, pending → failed, and pending → cancelled for limit
// orders. Executing → pending is the partial-fill transition: the unfilled
// remainder goes back to resting. Nothing resumes from a terminal state.
func canTransition(from, to OrderStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusExecuting || to == StatusFailed || to == StatusCancelled
	case StatusExecuting:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending
	default:
		return false
	}
}

// CancelledByUserReason is recorded on orders cancelled at the owner's request.
const CancelledByUserReason = "cancelled by user"

// TradeRequest is the inbound order intent from the message router.
type TradeRequest struct {
	UserID       string          `json:"userId"`
	AgentID      string          `json:"agentId,omitempty"`
	OrderID      string          `json:"orderId,omitempty"`
	ChainID      string          `json:"chainId"`
	TokenIn      string          `json:"tokenIn"`
	TokenOut     string          `json:"tokenOut"`
	AmountIn     decimal.Decimal `json:"amountIn"`
	MinAmountOut decimal.Decimal `json:"minAmountOut"`
	Deadline     time.Time       `json:"deadline,omitempty"`
	Type         OrderType       `json:"type"`
	Side         OrderSide       `json:"side"`
	LimitPrice   decimal.Decimal `json:"limitPrice,omitempty"`
}

// Pair returns the trading pair the request belongs to, base/quote. A buy
// spends TokenIn (quote) to acquire TokenOut (base); a sell is the reverse.
func (r *TradeRequest) Pair() string {
	if r.Side == SideBuy {
		return r.TokenOut + "/" + r.TokenIn
	}
	return r.TokenIn + "/" + r.TokenOut
}

// CancelRequest asks to cancel a resting order. Only the original submitter
// may cancel. Pair steers the request to the shard whose books hold the
// order; without it the cancel is routed by user and may miss.
type CancelRequest struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Pair    string `json:"pair,omitempty"`
}

// Order is one order's full state on the owning shard. Exactly one Order
// exists per order id; the shard is its single writer.
type Order struct {
	Request   TradeRequest    `json:"request"`
	Shard     string          `json:"shard,omitempty"`
	Status    OrderStatus     `json:"status"`
	Remaining decimal.Decimal `json:"remaining"` // unfilled base quantity
	TxHash    string          `json:"txHash,omitempty"`
	Error     string          `json:"error,omitempty"`
	Sequence  uint64          `json:"sequence"` // time priority within a price level
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ID returns the order id.
func (o *Order) ID() string { return o.Request.OrderID }

// transition moves the order to a new status, enforcing monotonicity.
func (o *Order) transition(to OrderStatus) error {
	if !canTransition(o.Status, to) {
		return errors.NewValidationError("status",
			"illegal transition from "+string(o.Status)+" to "+string(to))
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return nil
}

// CancelRejection reports a cancel request that could not be honored, so the
// requester still hears an outcome. Published to trade.completed alongside
// terminal results.
type CancelRejection struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason"`
}

// OrderResult is the terminal outcome published to trade.completed.
type OrderResult struct {
	OrderID string      `json:"orderId"`
	UserID  string      `json:"userId"`
	Status  OrderStatus `json:"status"`
	TxHash  string      `json:"txHash,omitempty"`
	Error   string      `json:"error,omitempty"`
	Pair    string      `json:"pair"`
}
