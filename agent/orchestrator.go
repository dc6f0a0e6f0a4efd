package agent

import (
	"context"
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

// SyncInterval is how often agent state is flushed to the cache and the
// shard's registry metadata refreshed.
const SyncInterval = 30 * time.Second

// DefaultMaxAgentsPerShard caps agents per orchestrator shard.
const DefaultMaxAgentsPerShard = 100

// Responder produces an agent's reply to one interaction.
type Responder interface {
	Respond(ctx context.Context, agent *State, content string) (string, error)
}

// Store persists agent snapshots. The shared cache implements it.
type Store interface {
	PutRecord(ctx context.Context, key string, v interface{}) error
	DeleteRecord(ctx context.Context, key string) error
	ScanRecords(ctx context.Context, pattern string, fn func(key string, data []byte) error) error
}

// MetadataUpdater pushes shard load info into the service registry.
type MetadataUpdater interface {
	UpdateMetadata(id string, metadata map[string]string) error
}

// Orchestrator owns the agents assigned to one shard. It enforces the
// per-shard agent cap, serves interactions through the responder, and keeps
// cache snapshots fresh for crash recovery.
type Orchestrator struct {
	shardID   string
	nodeID    string
	maxAgents int
	responder Responder
	store     Store           // optional
	registry  MetadataUpdater // optional
	bus       eventbus.Bus    // optional

	mu     sync.RWMutex
	agents map[string]*State

	owns   func(partition int) bool
	logger *logger.Logger
}

// OrchestratorOptions wires an Orchestrator's collaborators.
type OrchestratorOptions struct {
	ShardID   string
	NodeID    string
	MaxAgents int
	Responder Responder
	Store     Store
	Registry  MetadataUpdater
	Bus       eventbus.Bus

	// Owns limits this shard to its assigned bus partitions, keeping one
	// reader per partition when several agent shards share the group. Nil
	// consumes everything.
	Owns func(partition int) bool
}

// NewOrchestrator creates an agent orchestrator shard.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = DefaultMaxAgentsPerShard
	}
	return &Orchestrator{
		shardID:   opts.ShardID,
		nodeID:    opts.NodeID,
		maxAgents: opts.MaxAgents,
		responder: opts.Responder,
		store:     opts.Store,
		registry:  opts.Registry,
		bus:       opts.Bus,
		agents:    make(map[string]*State),
		owns:      opts.Owns,
		logger:    logger.NewLogger(fmt.Sprintf("AgentOrchestrator(%s)", opts.ShardID)),
	}
}

// Start recovers persisted agents, subscribes to commands, and launches the
// periodic sync loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.RecoverAgents(ctx); err != nil {
		o.logger.Warnf("Agent recovery incomplete: %v", err)
	}

	if o.bus != nil {
		err := o.bus.Subscribe(ctx, eventbus.TopicAgentCommands, "agent-orchestrators", o.handleEvent, eventbus.SubscribeOptions{Owns: o.owns})
		if err != nil {
			return fmt.Errorf("failed to subscribe to agent commands: %w", err)
		}
	}

	go o.syncLoop(ctx)
	o.logger.Infof("Agent orchestrator started (max %d agents)", o.maxAgents)
	return nil
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev *eventbus.Event) error {
	switch ev.Type {
	case "agent.command":
		var cmd Command
		if err := ev.Decode(&cmd); err != nil {
			return err
		}
		_, err := o.HandleCommand(ctx, &cmd)
		if errors.IsValidation(err) {
			return nil
		}
		return err
	case "agent.interaction":
		var in Interaction
		if err := ev.Decode(&in); err != nil {
			return err
		}
		return o.HandleInteraction(ctx, &in)
	default:
		o.logger.Warnf("Ignoring unknown event type %s", ev.Type)
		return nil
	}
}

// HandleCommand applies one lifecycle command and returns the affected agent.
func (o *Orchestrator) HandleCommand(ctx context.Context, cmd *Command) (*State, error) {
	switch cmd.Kind {
	case CommandCreateAgent:
		return o.createAgent(ctx, cmd)
	case CommandTerminateAgent:
		return o.terminateAgent(ctx, cmd)
	default:
		return nil, errors.NewValidationError("kind", "unsupported command kind: "+string(cmd.Kind))
	}
}

func (o *Orchestrator) createAgent(ctx context.Context, cmd *Command) (*State, error) {
	if cmd.UserID == "" {
		return nil, errors.NewValidationError("userId", "must not be empty")
	}

	o.mu.Lock()
	if len(o.agents) >= o.maxAgents {
		o.mu.Unlock()
		return nil, errors.NewCapacityError("agents", o.maxAgents)
	}

	agentID := cmd.AgentID
	if agentID == "" {
		agentID = uniqueid.NewAgentID()
	}
	if existing, ok := o.agents[agentID]; ok {
		o.mu.Unlock()
		// Create is idempotent on agent id; redelivered commands are no-ops.
		return existing.Clone(), nil
	}

	state := &State{
		AgentID:         agentID,
		UserID:          cmd.UserID,
		Platform:        cmd.Platform,
		Status:          StatusActive,
		LastInteraction: time.Now(),
		CreatedAt:       time.Now(),
		Metadata:        cmd.Metadata,
	}
	if state.Metadata == nil {
		state.Metadata = make(map[string]string)
	}
	state.Metadata["shard"] = o.shardID
	o.agents[agentID] = state
	count := len(o.agents)
	o.mu.Unlock()

	o.persist(ctx, state)
	metrics.AgentsActive.WithLabelValues(o.shardID).Set(float64(count))
	o.logger.Infof("Created agent %s for user %s", agentID, cmd.UserID)
	return state.Clone(), nil
}

func (o *Orchestrator) terminateAgent(ctx context.Context, cmd *Command) (*State, error) {
	if cmd.AgentID == "" {
		return nil, errors.NewValidationError("agentId", "must not be empty")
	}

	o.mu.Lock()
	state, ok := o.agents[cmd.AgentID]
	if !ok {
		o.mu.Unlock()
		return nil, errors.NewNotFoundError("agent", cmd.AgentID)
	}
	delete(o.agents, cmd.AgentID)
	count := len(o.agents)
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.DeleteRecord(ctx, cache.AgentKey(cmd.AgentID)); err != nil {
			o.logger.Warnf("Failed to delete snapshot of agent %s: %v", cmd.AgentID, err)
		}
	}
	metrics.AgentsActive.WithLabelValues(o.shardID).Set(float64(count))
	o.logger.Infof("Terminated agent %s", cmd.AgentID)
	return state.Clone(), nil
}

// HandleInteraction routes one user message to its agent. An interaction for
// an agent this shard does not own is dropped silently: after a rebalance the
// message may be in flight to the wrong shard, and the caller's retry will
// land on the right one.
func (o *Orchestrator) HandleInteraction(ctx context.Context, in *Interaction) error {
	o.mu.Lock()
	state, ok := o.agents[in.AgentID]
	if !ok {
		o.mu.Unlock()
		o.logger.Debugf("Dropping interaction for unknown agent %s", in.AgentID)
		return nil
	}
	state.Status = StatusBusy
	o.mu.Unlock()

	reply, err := o.responder.Respond(ctx, state, in.Content)

	o.mu.Lock()
	state.Status = StatusIdle
	state.LastInteraction = time.Now()
	o.mu.Unlock()

	if err != nil {
		o.persist(ctx, state)
		return fmt.Errorf("agent %s failed to respond: %w", in.AgentID, err)
	}

	o.persist(ctx, state)
	return o.publishResponse(ctx, in.Platform, &Response{
		UserID:    in.UserID,
		Content:   reply,
		Timestamp: time.Now(),
	})
}

func (o *Orchestrator) publishResponse(ctx context.Context, platform string, resp *Response) error {
	if o.bus == nil || platform == "" {
		return nil
	}
	ev, err := eventbus.NewEvent("agent.response", o.shardID, resp)
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, eventbus.ResponseTopic(platform), ev, resp.UserID)
}

// GetAgent returns a copy of one agent's state.
func (o *Orchestrator) GetAgent(agentID string) (*State, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	state, ok := o.agents[agentID]
	if !ok {
		return nil, false
	}
	return state.Clone(), true
}

// AgentCount returns the number of agents on this shard.
func (o *Orchestrator) AgentCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.agents)
}

// RecoverAgents re-adopts this shard's agents from cache snapshots after a
// restart. Snapshots tagged with another shard's id are left alone.
func (o *Orchestrator) RecoverAgents(ctx context.Context) error {
	if o.store == nil {
		return nil
	}

	recovered := 0
	err := o.store.ScanRecords(ctx, cache.AgentKey("*"), func(key string, data []byte) error {
		var state State
		if err := unmarshalState(data, &state); err != nil {
			o.logger.Warnf("Skipping corrupt agent snapshot %s: %v", key, err)
			return nil
		}
		if state.Metadata["shard"] != o.shardID {
			return nil
		}

		o.mu.Lock()
		if _, exists := o.agents[state.AgentID]; !exists && len(o.agents) < o.maxAgents {
			state.Status = StatusIdle
			o.agents[state.AgentID] = &state
			recovered++
		}
		o.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	if recovered > 0 {
		metrics.AgentsActive.WithLabelValues(o.shardID).Set(float64(o.AgentCount()))
		o.logger.Infof("Recovered %d agents from cache", recovered)
	}
	return nil
}

// syncLoop flushes agent snapshots and refreshes registry metadata so the
// balancer sees this shard's load.
func (o *Orchestrator) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.SyncNow(ctx)
		}
	}
}

// SyncNow performs one sync pass. Exported so tests and shutdown paths can
// flush deterministically.
func (o *Orchestrator) SyncNow(ctx context.Context) {
	o.mu.RLock()
	snapshot := make([]*State, 0, len(o.agents))
	for _, state := range o.agents {
		snapshot = append(snapshot, state.Clone())
	}
	o.mu.RUnlock()

	for _, state := range snapshot {
		o.persist(ctx, state)
	}

	if o.registry != nil && o.nodeID != "" {
		err := o.registry.UpdateMetadata(o.nodeID, map[string]string{
			"agents": fmt.Sprintf("%d", len(snapshot)),
		})
		if err != nil {
			o.logger.Warnf("Failed to update registry metadata: %v", err)
		}
	}
}

func (o *Orchestrator) persist(ctx context.Context, state *State) {
	if o.store == nil {
		return
	}
	o.mu.RLock()
	snapshot := state.Clone()
	o.mu.RUnlock()
	if err := o.store.PutRecord(ctx, cache.AgentKey(snapshot.AgentID), snapshot); err != nil {
		o.logger.Warnf("Failed to persist agent %s: %v", snapshot.AgentID, err)
	}
}
