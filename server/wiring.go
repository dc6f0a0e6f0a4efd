package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradegrid/tradegrid/agent"
	"github.com/tradegrid/tradegrid/cache"
	"github.com/tradegrid/tradegrid/config"
	"github.com/tradegrid/tradegrid/gateway"
	"github.com/tradegrid/tradegrid/router"
	"github.com/tradegrid/tradegrid/trade"
	"github.com/tradegrid/tradegrid/util/postgres"
)

// BuildRoleComponents constructs and registers the engine for this node's
// role. Postgres is optional: when unconfigured the shard runs without the
// audit history.
func (s *Server) BuildRoleComponents() error {
	history, err := s.openHistory()
	if err != nil {
		return err
	}

	switch s.node.Role {
	case config.RoleAgent:
		s.AddComponent(agent.NewOrchestrator(agent.OrchestratorOptions{
			ShardID:   s.node.ID,
			NodeID:    s.node.ID,
			MaxAgents: s.cfg.Agents.MaxPerShard,
			Responder: agent.EchoResponder{},
			Store:     s.Cache,
			Registry:  s.Registry,
			Bus:       s.Bus,
			Owns:      s.PartitionOwner(),
		}))

	case config.RoleTrade:
		executor, err := gateway.NewRemoteExecutor(s.ctx, s.node.ID, s.Bus)
		if err != nil {
			return err
		}
		var orderHist trade.History
		if history != nil {
			orderHist = &orderHistory{db: history}
		}
		s.AddComponent(trade.NewProcessor(s.ctx, trade.ProcessorOptions{
			ShardID:   s.node.ID,
			Validator: trade.NewRequestValidator(),
			Executor:  executor,
			Store:     &cacheOrderStore{cache: s.Cache},
			History:   orderHist,
			Bus:       s.Bus,
			Owns:      s.PartitionOwner(),
		}))

	case config.RoleGateway:
		var txHist gateway.History
		if history != nil {
			txHist = &txHistory{db: history}
		}
		gw := gateway.New(gateway.Options{
			ShardID:         s.node.ID,
			MaxConcurrentTx: s.cfg.Gateway.MaxConcurrentTx,
			Cache:           s.Cache,
			History:         txHist,
			Bus:             s.Bus,
			Registry:        s.Registry,
		})
		for _, chain := range s.cfg.Gateway.Chains {
			cfg := gateway.ChainConfig{ChainID: chain.ID, RPCURL: chain.Endpoint, Enabled: true}
			provider := gateway.NewSimulatedProvider(2 * time.Second)
			if err := gw.RegisterProvider(s.ctx, cfg, provider); err != nil {
				return fmt.Errorf("failed to register chain %s: %w", chain.ID, err)
			}
		}
		s.AddComponent(gw)

	case config.RoleRouter:
		s.AddComponent(router.New(router.Options{
			NodeID: s.node.ID,
			Bus:    s.Bus,
			Store:  s.Cache,
		}))

	default:
		return fmt.Errorf("unsupported role: %s", s.node.Role)
	}

	return nil
}

func (s *Server) openHistory() (*postgres.DB, error) {
	if s.cfg.Postgres.Host == "" {
		return nil, nil
	}

	db, err := postgres.NewDB(&postgres.Config{
		Host:     s.cfg.Postgres.Host,
		Port:     s.cfg.Postgres.Port,
		User:     s.cfg.Postgres.User,
		Password: s.cfg.Postgres.Password,
		Database: s.cfg.Postgres.Database,
		SSLMode:  s.cfg.Postgres.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.InitSchema(s.ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return db, nil
}

// cacheOrderStore persists order snapshots and the book mirror to the
// shared cache.
type cacheOrderStore struct {
	cache *cache.Cache
}

func (s *cacheOrderStore) SaveOrder(ctx context.Context, o *trade.Order) error {
	return s.cache.PutRecord(ctx, cache.OrderKey(o.ID()), o)
}

func (s *cacheOrderStore) BookAdd(ctx context.Context, pair, side, orderID string, price float64) error {
	return s.cache.BookAdd(ctx, pair, side, orderID, price)
}

func (s *cacheOrderStore) BookRemove(ctx context.Context, pair, side, orderID string) error {
	return s.cache.BookRemove(ctx, pair, side, orderID)
}

func (s *cacheOrderStore) ScanOrders(ctx context.Context, fn func(o *trade.Order) error) error {
	return s.cache.ScanRecords(ctx, cache.OrderKey("*"), func(key string, data []byte) error {
		var o trade.Order
		if err := json.Unmarshal(data, &o); err != nil {
			return fmt.Errorf("corrupt order snapshot %s: %w", key, err)
		}
		return fn(&o)
	})
}

// orderHistory adapts the postgres DB to the trade history contract.
type orderHistory struct {
	db *postgres.DB
}

func (h *orderHistory) RecordOrder(ctx context.Context, o *trade.Order) error {
	return h.db.InsertOrder(ctx, &postgres.OrderRecord{
		OrderID:    o.ID(),
		UserID:     o.Request.UserID,
		Pair:       o.Request.Pair(),
		OrderType:  string(o.Request.Type),
		Side:       string(o.Request.Side),
		Status:     string(o.Status),
		AmountIn:   o.Request.AmountIn.String(),
		LimitPrice: o.Request.LimitPrice.String(),
		TxHash:     o.TxHash,
		Error:      o.Error,
		CreatedAt:  o.CreatedAt,
		ClosedAt:   o.UpdatedAt,
	})
}

// txHistory adapts the postgres DB to the gateway history contract.
type txHistory struct {
	db *postgres.DB
}

func (h *txHistory) RecordTransaction(ctx context.Context, res *gateway.TransactionResult, submittedAt time.Time) error {
	return h.db.InsertTransaction(ctx, &postgres.TransactionRecord{
		TxID:        res.TxID,
		ChainID:     res.ChainID,
		TxType:      string(res.Kind),
		UserID:      res.UserID,
		Status:      string(res.Status),
		TxHash:      res.TxHash,
		Error:       res.Error,
		SubmittedAt: submittedAt,
	})
}
