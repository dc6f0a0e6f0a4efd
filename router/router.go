package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradegrid/tradegrid/agent"
	"github.com/tradegrid/tradegrid/eventbus"
	"github.com/tradegrid/tradegrid/gateway"
	"github.com/tradegrid/tradegrid/trade"
	"github.com/tradegrid/tradegrid/util/logger"
)

// routeTTL is how long a user's last-seen platform stays cached so replies
// to asynchronous outcomes still find their way back.
const routeTTL = 24 * time.Hour

// RouteStore persists user→platform routes across restarts. The shared
// cache implements it. May be nil; routes then live only in memory.
type RouteStore interface {
	SetTransient(ctx context.Context, key, value string, ttl time.Duration) error
	GetTransient(ctx context.Context, key string) (string, error)
}

// Orchestrator routes inbound social messages to the agent and trade
// pipelines and translates asynchronous outcomes back into user-facing
// responses on the originating platform.
type Orchestrator struct {
	nodeID string
	bus    eventbus.Bus
	store  RouteStore // optional

	mu     sync.RWMutex
	routes map[string]string // userID -> platform

	logger *logger.Logger
}

// Options wires an Orchestrator's collaborators.
type Options struct {
	NodeID string
	Bus    eventbus.Bus
	Store  RouteStore
}

// New creates a message router.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		nodeID: opts.NodeID,
		bus:    opts.Bus,
		store:  opts.Store,
		routes: make(map[string]string),
		logger: logger.NewLogger(fmt.Sprintf("MessageRouter(%s)", opts.NodeID)),
	}
}

// Start subscribes the router to its three inbound topics.
func (r *Orchestrator) Start(ctx context.Context) error {
	subs := []struct {
		topic   string
		handler eventbus.Handler
	}{
		{eventbus.TopicSocialMessages, r.handleSocialMessage},
		{eventbus.TopicTradeCompleted, r.handleTradeCompleted},
		{eventbus.TopicBlockchainResults, r.handleBlockchainResult},
	}
	for _, s := range subs {
		if err := r.bus.Subscribe(ctx, s.topic, "message-routers", s.handler, eventbus.SubscribeOptions{}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
	}

	r.logger.Infof("Message router started")
	return nil
}

// handleSocialMessage dispatches one inbound message by kind. Malformed
// messages get a plain-text error response and are acked; retrying them
// cannot make them well-formed.
func (r *Orchestrator) handleSocialMessage(ctx context.Context, ev *eventbus.Event) error {
	var msg SocialMessage
	if err := ev.Decode(&msg); err != nil {
		r.logger.Warnf("Dropping undecodable social message %s: %v", ev.ID, err)
		return nil
	}

	r.rememberRoute(ctx, msg.UserID, msg.Platform)

	switch msg.Kind {
	case KindChat:
		return r.routeChat(ctx, &msg)
	case KindTrade:
		return r.routeTrade(ctx, &msg)
	case KindCommand:
		return r.routeCommand(ctx, &msg)
	default:
		r.respondError(ctx, msg.Platform, msg.UserID,
			fmt.Sprintf("Sorry, I don't understand %q messages.", string(msg.Kind)))
		return nil
	}
}

func (r *Orchestrator) routeChat(ctx context.Context, msg *SocialMessage) error {
	if msg.AgentID == "" {
		r.respondError(ctx, msg.Platform, msg.UserID,
			"Sorry, I couldn't process that message: no agent is linked to this conversation.")
		return nil
	}

	interaction := agent.Interaction{
		AgentID:  msg.AgentID,
		UserID:   msg.UserID,
		Platform: msg.Platform,
		Content:  msg.Content,
	}
	ev, err := eventbus.NewEvent("agent.interaction", r.nodeID, interaction)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, eventbus.TopicAgentCommands, ev, msg.UserID)
}

func (r *Orchestrator) routeTrade(ctx context.Context, msg *SocialMessage) error {
	// Trade traffic is keyed by pair, not user: every order and cancel for a
	// pair must reach the one shard whose books hold that pair, or crossing
	// orders from different users would never meet.
	switch {
	case msg.Cancel != nil:
		msg.Cancel.UserID = msg.UserID
		ev, err := eventbus.NewEvent("trade.cancel", r.nodeID, msg.Cancel)
		if err != nil {
			return err
		}
		key := msg.Cancel.Pair
		if key == "" {
			key = msg.UserID
		}
		return r.bus.Publish(ctx, eventbus.TopicTradeRequests, ev, key)
	case msg.Trade != nil:
		msg.Trade.UserID = msg.UserID
		ev, err := eventbus.NewEvent("trade.request", r.nodeID, msg.Trade)
		if err != nil {
			return err
		}
		return r.bus.Publish(ctx, eventbus.TopicTradeRequests, ev, msg.Trade.Pair())
	default:
		r.respondError(ctx, msg.Platform, msg.UserID,
			"Sorry, I couldn't process that message: the trade request is empty.")
		return nil
	}
}

func (r *Orchestrator) routeCommand(ctx context.Context, msg *SocialMessage) error {
	if msg.Command == nil {
		r.respondError(ctx, msg.Platform, msg.UserID,
			"Sorry, I couldn't process that message: the command is empty.")
		return nil
	}
	if !msg.Command.Kind.Valid() {
		r.respondError(ctx, msg.Platform, msg.UserID,
			fmt.Sprintf("Sorry, %q is not a command I know.", string(msg.Command.Kind)))
		return nil
	}

	msg.Command.UserID = msg.UserID
	if msg.Command.Platform == "" {
		msg.Command.Platform = msg.Platform
	}
	ev, err := eventbus.NewEvent("agent.command", r.nodeID, msg.Command)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, eventbus.TopicAgentCommands, ev, msg.UserID)
}

// handleTradeCompleted turns a terminal order or a refused cancel into a
// user-facing reply.
func (r *Orchestrator) handleTradeCompleted(ctx context.Context, ev *eventbus.Event) error {
	if ev.Type == "trade.cancel.rejected" {
		var rej trade.CancelRejection
		if err := ev.Decode(&rej); err != nil {
			r.logger.Warnf("Dropping undecodable cancel rejection %s: %v", ev.ID, err)
			return nil
		}
		return r.respond(ctx, rej.UserID,
			fmt.Sprintf("Couldn't cancel order %s: %s", rej.OrderID, rej.Reason))
	}

	var res trade.OrderResult
	if err := ev.Decode(&res); err != nil {
		r.logger.Warnf("Dropping undecodable trade result %s: %v", ev.ID, err)
		return nil
	}

	var content string
	switch res.Status {
	case trade.StatusCompleted:
		content = fmt.Sprintf("Your %s order %s is complete. Transaction: %s", res.Pair, res.OrderID, res.TxHash)
	case trade.StatusCancelled:
		content = fmt.Sprintf("Your %s order %s was cancelled.", res.Pair, res.OrderID)
	default:
		content = fmt.Sprintf("Your %s order %s failed: %s", res.Pair, res.OrderID, res.Error)
	}

	return r.respond(ctx, res.UserID, content)
}

// handleBlockchainResult reports standalone transaction outcomes, e.g.
// transfers that never went through the order pipeline.
func (r *Orchestrator) handleBlockchainResult(ctx context.Context, ev *eventbus.Event) error {
	var res gateway.TransactionResult
	if err := ev.Decode(&res); err != nil {
		r.logger.Warnf("Dropping undecodable transaction result %s: %v", ev.ID, err)
		return nil
	}
	if res.Kind == gateway.KindTrade {
		// Trade outcomes reach the user through trade.completed.
		return nil
	}

	var content string
	if res.Status == gateway.TxSuccess {
		content = fmt.Sprintf("Your %s on %s went through. Transaction: %s", res.Kind, res.ChainID, res.TxHash)
	} else {
		content = fmt.Sprintf("Your %s on %s failed: %s", res.Kind, res.ChainID, res.Error)
	}

	return r.respond(ctx, res.UserID, content)
}

// rememberRoute records where the user last talked to us so asynchronous
// replies can find the right platform.
func (r *Orchestrator) rememberRoute(ctx context.Context, userID, platform string) {
	if userID == "" || platform == "" {
		return
	}
	r.mu.Lock()
	r.routes[userID] = platform
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SetTransient(ctx, routeKey(userID), platform, routeTTL); err != nil {
			r.logger.Warnf("Failed to persist route for user %s: %v", userID, err)
		}
	}
}

func (r *Orchestrator) lookupRoute(ctx context.Context, userID string) string {
	r.mu.RLock()
	platform := r.routes[userID]
	r.mu.RUnlock()
	if platform != "" {
		return platform
	}

	if r.store != nil {
		if platform, err := r.store.GetTransient(ctx, routeKey(userID)); err == nil {
			return platform
		}
	}
	return ""
}

func routeKey(userID string) string { return "route:user:" + userID }

func (r *Orchestrator) respond(ctx context.Context, userID, content string) error {
	platform := r.lookupRoute(ctx, userID)
	if platform == "" {
		r.logger.Warnf("No platform route for user %s; dropping response", userID)
		return nil
	}

	ev, err := eventbus.NewEvent("user.response", r.nodeID, UserResponse{
		UserID:    userID,
		Content:   content,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, eventbus.ResponseTopic(platform), ev, userID)
}

func (r *Orchestrator) respondError(ctx context.Context, platform, userID, content string) {
	if platform == "" {
		platform = r.lookupRoute(ctx, userID)
	}
	if platform == "" {
		return
	}
	ev, err := eventbus.NewEvent("user.response", r.nodeID, UserResponse{
		UserID:    userID,
		Content:   content,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, eventbus.ResponseTopic(platform), ev, userID); err != nil {
		r.logger.Errorf("Failed to publish error response for user %s: %v", userID, err)
	}
}
