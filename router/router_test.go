package router

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradegrid/tradegrid/agent"
	"github.com/tradegrid/tradegrid/eventbus"
	"github.com/tradegrid/tradegrid/gateway"
	"github.com/tradegrid/tradegrid/trade"
)

func newTestRouter(t *testing.T) (*Orchestrator, *eventbus.MemoryBus) {
	t.Helper()
	bus := eventbus.NewMemoryBus()
	r := New(Options{NodeID: "router-test", Bus: bus})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return r, bus
}

func publishSocial(t *testing.T, bus *eventbus.MemoryBus, msg *SocialMessage) {
	t.Helper()
	ev, err := eventbus.NewEvent("social.message", "platform-adapter", msg)
	if err != nil {
		t.Fatalf("failed to build event: %v", err)
	}
	if err := bus.Publish(context.Background(), eventbus.TopicSocialMessages, ev, msg.UserID); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func TestRouterRoutesChatToAgents(t *testing.T) {
	_, bus := newTestRouter(t)

	publishSocial(t, bus, &SocialMessage{
		MessageID: "m1",
		UserID:    "u1",
		AgentID:   "agt_1",
		Platform:  "discord",
		Kind:      KindChat,
		Content:   "how are my positions?",
	})

	events := bus.Published(eventbus.TopicAgentCommands)
	if len(events) != 1 {
		t.Fatalf("expected one agent event, got %d", len(events))
	}
	if events[0].Type != "agent.interaction" {
		t.Fatalf("expected agent.interaction, got %s", events[0].Type)
	}
	var in agent.Interaction
	if err := events[0].Decode(&in); err != nil {
		t.Fatalf("failed to decode interaction: %v", err)
	}
	if in.AgentID != "agt_1" || in.Content != "how are my positions?" {
		t.Fatalf("unexpected interaction: %+v", in)
	}
}

func TestRouterRoutesTradeRequests(t *testing.T) {
	_, bus := newTestRouter(t)

	publishSocial(t, bus, &SocialMessage{
		MessageID: "m2",
		UserID:    "u1",
		Platform:  "discord",
		Kind:      KindTrade,
		Trade: &trade.TradeRequest{
			OrderID:  "ord_r1",
			ChainID:  "solana",
			TokenIn:  "USDC",
			TokenOut: "SOL",
			AmountIn: decimal.NewFromInt(10),
			Type:     trade.OrderTypeMarket,
			Side:     trade.SideBuy,
		},
	})

	events := bus.Published(eventbus.TopicTradeRequests)
	if len(events) != 1 {
		t.Fatalf("expected one trade event, got %d", len(events))
	}
	if events[0].Type != "trade.request" {
		t.Fatalf("expected trade.request, got %s", events[0].Type)
	}
	var req trade.TradeRequest
	if err := events[0].Decode(&req); err != nil {
		t.Fatalf("failed to decode request: %v", err)
	}
	if req.UserID != "u1" {
		t.Fatalf("router must stamp the sender's user id, got %q", req.UserID)
	}

	// Keyed by pair so every order for SOL/USDC lands on one shard's book.
	keys := bus.PublishedKeys(eventbus.TopicTradeRequests)
	if len(keys) != 1 || keys[0] != "SOL/USDC" {
		t.Fatalf("trade requests must be partitioned by pair, got keys %v", keys)
	}
}

func TestRouterRoutesCancelRequests(t *testing.T) {
	_, bus := newTestRouter(t)

	publishSocial(t, bus, &SocialMessage{
		MessageID: "m3",
		UserID:    "u1",
		Platform:  "discord",
		Kind:      KindTrade,
		Cancel:    &trade.CancelRequest{OrderID: "ord_r1", Pair: "SOL/USDC"},
	})

	events := bus.Published(eventbus.TopicTradeRequests)
	if len(events) != 1 || events[0].Type != "trade.cancel" {
		t.Fatalf("expected one trade.cancel event, got %+v", events)
	}
	var req trade.CancelRequest
	if err := events[0].Decode(&req); err != nil {
		t.Fatalf("failed to decode cancel: %v", err)
	}
	if req.UserID != "u1" || req.OrderID != "ord_r1" {
		t.Fatalf("unexpected cancel: %+v", req)
	}

	// The cancel follows the order's pair to the owning shard.
	keys := bus.PublishedKeys(eventbus.TopicTradeRequests)
	if len(keys) != 1 || keys[0] != "SOL/USDC" {
		t.Fatalf("cancels must be partitioned by pair, got keys %v", keys)
	}
}

func TestRouterRoutesCommands(t *testing.T) {
	_, bus := newTestRouter(t)

	publishSocial(t, bus, &SocialMessage{
		MessageID: "m4",
		UserID:    "u1",
		Platform:  "telegram",
		Kind:      KindCommand,
		Command:   &agent.Command{Kind: agent.CommandCreateAgent},
	})

	events := bus.Published(eventbus.TopicAgentCommands)
	if len(events) != 1 || events[0].Type != "agent.command" {
		t.Fatalf("expected one agent.command event, got %+v", events)
	}
	var cmd agent.Command
	if err := events[0].Decode(&cmd); err != nil {
		t.Fatalf("failed to decode command: %v", err)
	}
	if cmd.UserID != "u1" || cmd.Platform != "telegram" {
		t.Fatalf("router should stamp user and platform: %+v", cmd)
	}
}

func TestRouterRejectsUnknownKind(t *testing.T) {
	_, bus := newTestRouter(t)

	publishSocial(t, bus, &SocialMessage{
		MessageID: "m5",
		UserID:    "u1",
		Platform:  "discord",
		Kind:      MessageKind("VOICE"),
	})

	if len(bus.Published(eventbus.TopicAgentCommands)) != 0 ||
		len(bus.Published(eventbus.TopicTradeRequests)) != 0 {
		t.Fatalf("unknown kinds must not be routed")
	}

	responses := bus.Published(eventbus.ResponseTopic("discord"))
	if len(responses) != 1 {
		t.Fatalf("expected an error response, got %d", len(responses))
	}
	var resp UserResponse
	if err := responses[0].Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !strings.Contains(resp.Content, "VOICE") {
		t.Fatalf("error response should name the kind: %q", resp.Content)
	}
}

func TestRouterRejectsEmptyTrade(t *testing.T) {
	_, bus := newTestRouter(t)

	publishSocial(t, bus, &SocialMessage{
		MessageID: "m6",
		UserID:    "u1",
		Platform:  "discord",
		Kind:      KindTrade,
	})

	if len(bus.Published(eventbus.TopicTradeRequests)) != 0 {
		t.Fatalf("empty trade must not be routed")
	}
	if len(bus.Published(eventbus.ResponseTopic("discord"))) != 1 {
		t.Fatalf("expected an error response")
	}
}

func TestRouterFormatsTradeOutcomes(t *testing.T) {
	_, bus := newTestRouter(t)
	ctx := context.Background()

	// The user's platform is learned from their inbound traffic.
	publishSocial(t, bus, &SocialMessage{
		MessageID: "m7", UserID: "u1", AgentID: "agt_1", Platform: "discord",
		Kind: KindChat, Content: "hi",
	})

	cases := []struct {
		result trade.OrderResult
		want   string
	}{
		{
			result: trade.OrderResult{OrderID: "ord_1", UserID: "u1", Status: trade.StatusCompleted,
				TxHash: "0xabc", Pair: "SOL/USDC"},
			want: "0xabc",
		},
		{
			result: trade.OrderResult{OrderID: "ord_2", UserID: "u1", Status: trade.StatusFailed,
				Error: "insufficient funds", Pair: "SOL/USDC"},
			want: "insufficient funds",
		},
		{
			result: trade.OrderResult{OrderID: "ord_3", UserID: "u1", Status: trade.StatusCancelled,
				Pair: "SOL/USDC"},
			want: "cancelled",
		},
	}

	for _, c := range cases {
		ev, _ := eventbus.NewEvent("trade.completed", "trade-1", c.result)
		if err := bus.Publish(ctx, eventbus.TopicTradeCompleted, ev, "u1"); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	responses := bus.Published(eventbus.ResponseTopic("discord"))
	if len(responses) != len(cases) {
		t.Fatalf("expected %d responses, got %d", len(cases), len(responses))
	}
	for i, c := range cases {
		var resp UserResponse
		if err := responses[i].Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !strings.Contains(resp.Content, c.want) {
			t.Fatalf("response %d should mention %q, got %q", i, c.want, resp.Content)
		}
	}
}

func TestRouterRelaysCancelRejections(t *testing.T) {
	_, bus := newTestRouter(t)
	ctx := context.Background()

	publishSocial(t, bus, &SocialMessage{
		MessageID: "m9", UserID: "u1", AgentID: "agt_1", Platform: "discord",
		Kind: KindChat, Content: "hi",
	})

	ev, _ := eventbus.NewEvent("trade.cancel.rejected", "trade-1", trade.CancelRejection{
		OrderID: "ord_9", UserID: "u1", Reason: "order is executing and can no longer be cancelled",
	})
	if err := bus.Publish(ctx, eventbus.TopicTradeCompleted, ev, "u1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	responses := bus.Published(eventbus.ResponseTopic("discord"))
	if len(responses) != 1 {
		t.Fatalf("expected one response, got %d", len(responses))
	}
	var resp UserResponse
	if err := responses[0].Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !strings.Contains(resp.Content, "ord_9") || !strings.Contains(resp.Content, "no longer be cancelled") {
		t.Fatalf("rejection response should name the order and reason: %q", resp.Content)
	}
}

func TestRouterFormatsTransferOutcomes(t *testing.T) {
	_, bus := newTestRouter(t)
	ctx := context.Background()

	publishSocial(t, bus, &SocialMessage{
		MessageID: "m8", UserID: "u2", AgentID: "agt_2", Platform: "telegram",
		Kind: KindChat, Content: "hi",
	})

	ev, _ := eventbus.NewEvent("blockchain.result", "gateway-1", gateway.TransactionResult{
		TxID: "tx_1", ChainID: "solana", UserID: "u2",
		Kind: gateway.KindTransfer, Status: gateway.TxSuccess, TxHash: "0xdef",
	})
	if err := bus.Publish(ctx, eventbus.TopicBlockchainResults, ev, "u2"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// Trade-kind results are reported via trade.completed, not here.
	tradeEv, _ := eventbus.NewEvent("blockchain.result", "gateway-1", gateway.TransactionResult{
		TxID: "tx_2", ChainID: "solana", UserID: "u2",
		Kind: gateway.KindTrade, Status: gateway.TxSuccess, TxHash: "0x999",
	})
	if err := bus.Publish(ctx, eventbus.TopicBlockchainResults, tradeEv, "u2"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	responses := bus.Published(eventbus.ResponseTopic("telegram"))
	if len(responses) != 1 {
		t.Fatalf("expected one response, got %d", len(responses))
	}
	var resp UserResponse
	if err := responses[0].Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !strings.Contains(resp.Content, "0xdef") {
		t.Fatalf("transfer response should carry the tx hash: %q", resp.Content)
	}
}

func TestRouterDropsResultsWithoutRoute(t *testing.T) {
	_, bus := newTestRouter(t)

	ev, _ := eventbus.NewEvent("trade.completed", "trade-1", trade.OrderResult{
		OrderID: "ord_x", UserID: "u-unknown", Status: trade.StatusCompleted, Pair: "SOL/USDC",
	})
	if err := bus.Publish(context.Background(), eventbus.TopicTradeCompleted, ev, "u-unknown"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	// No platform has ever been seen for this user; nothing to publish to.
}
