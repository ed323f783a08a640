package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"fractal-arena/internal/config"
	"fractal-arena/internal/web3"
	"fractal-arena/internal/web3/ethereum"
)

// Dialer opens a chain client for a single definition.
type Dialer func(ctx context.Context, cfg ethereum.Config) (*ethereum.Client, error)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]*ethereum.Client
}

// NewRegistry loads chain definitions and dials concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	return Build(ctx, defs, cfg, ethereum.NewClient)
}

// Build instantiates clients for the given definitions using dial. When no
// definition is present the flat rpc_url/chain_id/explorer settings form a
// single "default" chain.
func Build(ctx context.Context, defs web3.ChainDefinitions, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	clients := make(map[string]*ethereum.Client)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := dial(ctx, ethereum.Config{
			Name:     name,
			RPCURL:   chain.RPCURL,
			ChainID:  chain.ChainID,
			Explorer: chain.Explorer,
			Notes:    chain.Description,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := dial(ctx, ethereum.Config{
			Name:     "default",
			RPCURL:   cfg.RPCURL,
			ChainID:  cfg.ChainID,
			Explorer: cfg.Explorer,
		})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, ErrNoChains
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// ErrNoChains 表示配置中没有任何链的 RPC 端点。
var ErrNoChains = errors.New("未配置任何链的 RPC 端点")

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (*ethereum.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (*ethereum.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots fetches chain metadata from every registered client. Chains that
// fail to answer are reported with the error in Notes.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	names := r.Chains()
	out := make([]web3.ChainSnapshot, 0, len(names))
	for _, name := range names {
		snap, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			snap = web3.ChainSnapshot{Name: name, Notes: err.Error()}
		}
		out = append(out, snap)
	}
	return out
}
