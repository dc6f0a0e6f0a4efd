package trade

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validRequest() *TradeRequest {
	return &TradeRequest{
		UserID:   "u1",
		ChainID:  "solana",
		TokenIn:  "USDC",
		TokenOut: "SOL",
		AmountIn: decimal.NewFromInt(10),
		Type:     OrderTypeMarket,
		Side:     SideBuy,
	}
}

func TestRequestValidator(t *testing.T) {
	v := NewRequestValidator()
	ctx := context.Background()

	if err := v.Validate(ctx, validRequest()); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	limit := validRequest()
	limit.Type = OrderTypeLimit
	limit.LimitPrice = decimal.NewFromInt(100)
	if err := v.Validate(ctx, limit); err != nil {
		t.Fatalf("valid limit request rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(r *TradeRequest)
	}{
		{"missing user", func(r *TradeRequest) { r.UserID = "" }},
		{"missing chain", func(r *TradeRequest) { r.ChainID = "" }},
		{"missing token", func(r *TradeRequest) { r.TokenOut = "" }},
		{"same tokens", func(r *TradeRequest) { r.TokenOut = r.TokenIn }},
		{"zero amount", func(r *TradeRequest) { r.AmountIn = decimal.Zero }},
		{"negative amount", func(r *TradeRequest) { r.AmountIn = decimal.NewFromInt(-1) }},
		{"negative minAmountOut", func(r *TradeRequest) { r.MinAmountOut = decimal.NewFromInt(-1) }},
		{"bad side", func(r *TradeRequest) { r.Side = OrderSide("short") }},
		{"bad type", func(r *TradeRequest) { r.Type = OrderType("stop") }},
		{"limit without price", func(r *TradeRequest) { r.Type = OrderTypeLimit }},
		{"expired deadline", func(r *TradeRequest) { r.Deadline = time.Now().Add(-time.Minute) }},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := validRequest()
			c.mutate(req)
			if err := v.Validate(ctx, req); err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}
}
