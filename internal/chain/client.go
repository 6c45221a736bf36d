// Package chain talks to an EVM JSON-RPC provider.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"codeguard/internal/logger"
	"codeguard/pkg/models"
)

// Config configures one chain client.
type Config struct {
	Name            string
	RPCURL          string
	ChainID         int64
	LookbackBlocks  uint64
	MaxTransactions int
	CallsPerMinute  int
}

type backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTransactions(ctx context.Context, number uint64) (types.Transactions, error)
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
	Close()
}

type ethBackend struct {
	*ethclient.Client
}

func (b ethBackend) BlockTransactions(ctx context.Context, number uint64) (types.Transactions, error) {
	block, err := b.Client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, err
	}
	return block.Transactions(), nil
}

func (b ethBackend) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return b.Client.CodeAt(ctx, account, nil)
}

// Client reads recent transactions and bytecode within an RPC call budget.
type Client struct {
	name     string
	backend  backend
	eth      *ethclient.Client
	chainID  *big.Int
	signer   types.Signer
	limiter  *rate.Limiter
	lookback uint64
	maxTxs   int
}

// Dial connects to the chain's RPC endpoint.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("chain %s: rpc url is empty", cfg.Name)
	}
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial chain %s: %v", models.ErrTransport, cfg.Name, err)
	}
	c := newClient(ethBackend{eth}, cfg)
	c.eth = eth
	logger.Infof("Chain client initialized: %s (chain id %d)", cfg.Name, cfg.ChainID)
	return c, nil
}

func newClient(b backend, cfg Config) *Client {
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = 20
	}
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = 50
	}
	if cfg.CallsPerMinute <= 0 {
		cfg.CallsPerMinute = 100
	}
	burst := cfg.CallsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	chainID := big.NewInt(cfg.ChainID)
	return &Client{
		name:     cfg.Name,
		backend:  b,
		chainID:  chainID,
		signer:   types.LatestSignerForChainID(chainID),
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.CallsPerMinute)/60.0), burst),
		lookback: cfg.LookbackBlocks,
		maxTxs:   cfg.MaxTransactions,
	}
}

// Name returns the chain scope name.
func (c *Client) Name() string {
	return c.name
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Ethereum exposes the underlying RPC client for transaction submission. Nil for test backends.
func (c *Client) Ethereum() *ethclient.Client {
	return c.eth
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rpc budget for %s: %v", models.ErrTransport, c.name, err)
	}
	return nil
}

// RecentTransactions returns transactions sent to address within the lookback window, newest first.
func (c *Client) RecentTransactions(ctx context.Context, address string) ([]models.Transaction, error) {
	target := common.HexToAddress(address)
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: block number on %s: %v", models.ErrTransport, c.name, err)
	}

	var out []models.Transaction
	for n := head; head-n < c.lookback && len(out) < c.maxTxs; n-- {
		if err := c.wait(ctx); err != nil {
			return out, err
		}
		txs, err := c.backend.BlockTransactions(ctx, n)
		if err != nil {
			return out, fmt.Errorf("%w: block %d on %s: %v", models.ErrTransport, n, c.name, err)
		}
		for _, tx := range txs {
			if tx.To() == nil || *tx.To() != target {
				continue
			}
			out = append(out, c.toModel(tx, n))
			if len(out) >= c.maxTxs {
				break
			}
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

func (c *Client) toModel(tx *types.Transaction, block uint64) models.Transaction {
	m := models.Transaction{
		Hash:     tx.Hash().Hex(),
		Value:    tx.Value(),
		Data:     tx.Data(),
		GasLimit: tx.Gas(),
		Block:    block,
	}
	if to := tx.To(); to != nil {
		m.To = strings.ToLower(to.Hex())
	}
	if from, err := types.Sender(c.signer, tx); err == nil {
		m.From = strings.ToLower(from.Hex())
	}
	return m
}

// CodeAt returns the deployed bytecode of address.
func (c *Client) CodeAt(ctx context.Context, address string) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	code, err := c.backend.CodeAt(ctx, common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("%w: code at %s on %s: %v", models.ErrTransport, address, c.name, err)
	}
	return code, nil
}

// Close releases the RPC connection.
func (c *Client) Close() error {
	if c.backend != nil {
		c.backend.Close()
	}
	return nil
}
