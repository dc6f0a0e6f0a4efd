package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TxKind is the closed set of transaction kinds the gateway executes.
type TxKind string

const (
	KindTrade    TxKind = "trade"
	KindTransfer TxKind = "transfer"
	KindSwap     TxKind = "swap"
)

// Valid reports whether the kind is one of the supported values.
func (k TxKind) Valid() bool {
	switch k {
	case KindTrade, KindTransfer, KindSwap:
		return true
	default:
		return false
	}
}

// TxStatus is a transaction's confirmation state on chain.
type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// ChainConfig describes one supported chain.
type ChainConfig struct {
	ChainID       string `json:"chainId" yaml:"chainId"`
	RPCURL        string `json:"rpcUrl" yaml:"rpcUrl"`
	Confirmations int    `json:"confirmations" yaml:"confirmations"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
}

// TransactionRequest asks the gateway to execute one on-chain action.
type TransactionRequest struct {
	TxID     string          `json:"txId"`
	ChainID  string          `json:"chainId"`
	Kind     TxKind          `json:"kind"`
	UserID   string          `json:"userId"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	TokenIn  string          `json:"tokenIn,omitempty"`
	TokenOut string          `json:"tokenOut,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
}

// TransactionResult is the terminal outcome of one transaction.
type TransactionResult struct {
	TxID    string   `json:"txId"`
	ChainID string   `json:"chainId"`
	UserID  string   `json:"userId"`
	Kind    TxKind   `json:"kind"`
	Status  TxStatus `json:"status"`
	TxHash  string   `json:"txHash,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ChainProvider executes transactions against one chain. Execute methods
// return the submitted transaction hash; confirmation is polled separately
// through CheckTransactionStatus until it leaves TxPending.
type ChainProvider interface {
	Initialize(ctx context.Context, cfg ChainConfig) error
	ExecuteTrade(ctx context.Context, req *TransactionRequest) (string, error)
	ExecuteTransfer(ctx context.Context, req *TransactionRequest) (string, error)
	ExecuteSwap(ctx context.Context, req *TransactionRequest) (string, error)
	CheckTransactionStatus(ctx context.Context, txHash string) (TxStatus, error)
}

// SimulatedProvider is a ChainProvider for local development: submissions
// succeed immediately and confirm after ConfirmAfter elapses.
type SimulatedProvider struct {
	ConfirmAfter time.Duration

	mu        sync.Mutex
	cfg       ChainConfig
	submitted map[string]time.Time
}

// NewSimulatedProvider creates a simulated chain.
func NewSimulatedProvider(confirmAfter time.Duration) *SimulatedProvider {
	return &SimulatedProvider{
		ConfirmAfter: confirmAfter,
		submitted:    make(map[string]time.Time),
	}
}

// Initialize records the chain config.
func (p *SimulatedProvider) Initialize(ctx context.Context, cfg ChainConfig) error {
	if cfg.ChainID == "" {
		return fmt.Errorf("chain config missing chainId")
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}

func (p *SimulatedProvider) submit(req *TransactionRequest) (string, error) {
	hash := "sim-" + req.TxID
	p.mu.Lock()
	p.submitted[hash] = time.Now()
	p.mu.Unlock()
	return hash, nil
}

// ExecuteTrade submits a simulated trade.
func (p *SimulatedProvider) ExecuteTrade(ctx context.Context, req *TransactionRequest) (string, error) {
	return p.submit(req)
}

// ExecuteTransfer submits a simulated transfer.
func (p *SimulatedProvider) ExecuteTransfer(ctx context.Context, req *TransactionRequest) (string, error) {
	return p.submit(req)
}

// ExecuteSwap submits a simulated swap.
func (p *SimulatedProvider) ExecuteSwap(ctx context.Context, req *TransactionRequest) (string, error) {
	return p.submit(req)
}

// CheckTransactionStatus confirms a submission once ConfirmAfter has elapsed.
func (p *SimulatedProvider) CheckTransactionStatus(ctx context.Context, txHash string) (TxStatus, error) {
	p.mu.Lock()
	at, ok := p.submitted[txHash]
	p.mu.Unlock()
	if !ok {
		return TxFailed, fmt.Errorf("unknown transaction: %s", txHash)
	}
	if time.Since(at) < p.ConfirmAfter {
		return TxPending, nil
	}
	return TxSuccess, nil
}
