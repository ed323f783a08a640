package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"fractal-arena/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name     string
	RPCURL   string
	ChainID  int64
	Explorer string
	Notes    string
}

// Client wraps a JSON-RPC backend together with the chain metadata the
// wallet layer reports on.
type Client struct {
	web3.Backend

	name      string
	notes     string
	explorer  string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	c := &Client{
		Backend:   eth,
		name:      cfg.Name,
		notes:     cfg.Notes,
		explorer:  cfg.Explorer,
		rpcClient: rpcClient,
		eth:       eth,
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// NewFromBackend wraps an existing backend, such as the simulated client
// used by tests.
func NewFromBackend(name string, chainID *big.Int, backend web3.Backend) *Client {
	c := &Client{Backend: backend, name: name, notes: "in-process backend"}
	if chainID != nil {
		c.chainID = new(big.Int).Set(chainID)
	}
	return c
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// TxURL returns the explorer link for a transaction hash, or the bare hash
// when no explorer is configured.
func (c *Client) TxURL(hash common.Hash) string {
	if c.explorer == "" {
		return hash.Hex()
	}
	return strings.TrimRight(c.explorer, "/") + "/tx/" + hash.Hex()
}

// ChainID returns the configured chain id, querying the node once when the
// configuration left it empty.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	if c.Backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	id, err := c.Backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = new(big.Int).Set(id)
	return id, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.Backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.Backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
