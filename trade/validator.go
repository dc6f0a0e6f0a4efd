package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RequestValidator enforces the structural rules every trade request must
// satisfy before it can touch a book or a chain.
type RequestValidator struct{}

// NewRequestValidator creates the standard validator.
func NewRequestValidator() *RequestValidator {
	return &RequestValidator{}
}

// Validate checks one request.
func (v *RequestValidator) Validate(ctx context.Context, req *TradeRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if req.ChainID == "" {
		return fmt.Errorf("chainId is required")
	}
	if req.TokenIn == "" || req.TokenOut == "" {
		return fmt.Errorf("tokenIn and tokenOut are required")
	}
	if req.TokenIn == req.TokenOut {
		return fmt.Errorf("tokenIn and tokenOut must differ")
	}
	if req.AmountIn.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("amountIn must be positive")
	}
	if req.MinAmountOut.IsNegative() {
		return fmt.Errorf("minAmountOut must not be negative")
	}

	switch req.Side {
	case SideBuy, SideSell:
	default:
		return fmt.Errorf("unsupported side: %q", string(req.Side))
	}

	switch req.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if req.LimitPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("limit orders require a positive limitPrice")
		}
	default:
		return fmt.Errorf("unsupported order type: %q", string(req.Type))
	}

	if !req.Deadline.IsZero() && req.Deadline.Before(time.Now()) {
		return fmt.Errorf("deadline already passed")
	}

	return nil
}
