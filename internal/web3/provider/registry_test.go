package provider

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"fractal-arena/internal/config"
	"fractal-arena/internal/web3"
	"fractal-arena/internal/web3/ethereum"
)

func fakeDial(dialed *[]ethereum.Config) Dialer {
	return func(_ context.Context, cfg ethereum.Config) (*ethereum.Client, error) {
		*dialed = append(*dialed, cfg)
		return ethereum.NewFromBackend(cfg.Name, big.NewInt(cfg.ChainID), nil), nil
	}
}

func TestBuildFromDefinitions(t *testing.T) {
	var dialed []ethereum.Config
	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{
		"sepolia": {RPCURL: "https://a", ChainID: 11155111, Explorer: "https://x/"},
		"holesky": {RPCURL: "https://b", ChainID: 17000},
	}}

	reg, err := Build(context.Background(), defs, config.Web3Config{}, fakeDial(&dialed))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer reg.Close()

	if got := reg.Chains(); len(got) != 2 || got[0] != "holesky" || got[1] != "sepolia" {
		t.Fatalf("unexpected chains %v", got)
	}
	client, err := reg.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	if client.Name() != "holesky" {
		t.Fatalf("expected alphabetical default, got %s", client.Name())
	}
	if len(dialed) != 2 {
		t.Fatalf("expected 2 dials, got %d", len(dialed))
	}
}

func TestBuildFallsBackToFlatRPC(t *testing.T) {
	var dialed []ethereum.Config
	cfg := config.Web3Config{RPCURL: "https://rpc", ChainID: 11155111, Explorer: "https://sepolia.etherscan.io/"}

	reg, err := Build(context.Background(), web3.ChainDefinitions{}, cfg, fakeDial(&dialed))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	client, err := reg.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	if client.Name() != "default" || dialed[0].Explorer != cfg.Explorer || dialed[0].ChainID != cfg.ChainID {
		t.Fatalf("unexpected dial config %+v", dialed)
	}
}

func TestBuildWithoutChains(t *testing.T) {
	var dialed []ethereum.Config
	_, err := Build(context.Background(), web3.ChainDefinitions{}, config.Web3Config{}, fakeDial(&dialed))
	if !errors.Is(err, ErrNoChains) {
		t.Fatalf("expected ErrNoChains, got %v", err)
	}
}

func TestBuildRejectsUnknownDefault(t *testing.T) {
	var dialed []ethereum.Config
	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{"sepolia": {RPCURL: "https://a"}}}
	if _, err := Build(context.Background(), defs, config.Web3Config{DefaultChain: "mainnet"}, fakeDial(&dialed)); err == nil {
		t.Fatal("expected error for unknown default chain")
	}
}

func TestBuildRejectsUnsupportedType(t *testing.T) {
	var dialed []ethereum.Config
	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{"sol": {Type: "solana", RPCURL: "https://a"}}}
	if _, err := Build(context.Background(), defs, config.Web3Config{}, fakeDial(&dialed)); err == nil {
		t.Fatal("expected error for unsupported chain type")
	}
}

func TestSnapshotsReportUnreachableChains(t *testing.T) {
	var dialed []ethereum.Config
	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{
		"sepolia": {RPCURL: "https://a", ChainID: 11155111},
	}}
	reg, err := Build(context.Background(), defs, config.Web3Config{}, fakeDial(&dialed))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer reg.Close()

	snaps := reg.Snapshots(context.Background())
	if len(snaps) != 1 || snaps[0].Name != "sepolia" || snaps[0].Notes == "" {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
}
