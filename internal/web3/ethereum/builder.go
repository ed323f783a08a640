package ethereum

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "fractal-arena/internal/errors"
	"fractal-arena/internal/retry"
	"fractal-arena/internal/web3"
	"fractal-arena/pkg/logger"
)

const (
	// GasPriceWei is the fixed legacy gas price: 1.5 gwei.
	GasPriceWei = 1_500_000_000
	// DefaultEstimateAttempts bounds gas estimation when fees are not enabled.
	DefaultEstimateAttempts = 3
	// EstimateRetryDelay is the pause after every failed estimation attempt.
	EstimateRetryDelay = 3 * time.Second
)

// PendingTransaction is an unsigned legacy transaction. It is not modified
// after Build returns it.
type PendingTransaction struct {
	To       *common.Address
	From     common.Address
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
	Nonce    uint64
	Data     []byte
}

// Transaction converts the pending transaction to a go-ethereum legacy tx.
func (p PendingTransaction) Transaction() *coretypes.Transaction {
	value := p.Value
	if value == nil {
		value = new(big.Int)
	}
	return coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    p.Nonce,
		GasPrice: new(big.Int).Set(p.GasPrice),
		Gas:      p.GasLimit,
		To:       p.To,
		Value:    new(big.Int).Set(value),
		Data:     append([]byte(nil), p.Data...),
	})
}

// Builder assembles correctly nonced and priced transactions for one wallet.
// It keeps no state between builds.
type Builder struct {
	backend  web3.Backend
	from     common.Address
	sleeper  retry.Sleeper
	attempts int
	logger   *slog.Logger
}

// BuilderOption customises a Builder.
type BuilderOption func(*Builder)

// WithBuilderSleeper injects the sleeper used between estimation attempts.
func WithBuilderSleeper(s retry.Sleeper) BuilderOption {
	return func(b *Builder) {
		if s != nil {
			b.sleeper = s
		}
	}
}

// WithEstimateAttempts overrides the number of estimation attempts.
func WithEstimateAttempts(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.attempts = n
		}
	}
}

// NewBuilder returns a builder for transactions sent from the given address.
func NewBuilder(backend web3.Backend, from common.Address, opts ...BuilderOption) *Builder {
	b := &Builder{
		backend:  backend,
		from:     from,
		sleeper:  retry.Timer{},
		attempts: DefaultEstimateAttempts,
		logger:   logger.ForWallet("tx-builder", from.Hex()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// GasPrice returns the fixed legacy gas price.
func GasPrice() *big.Int {
	return big.NewInt(GasPriceWei)
}

// ResolveNonce returns max(latest, pending) transaction count.
func (b *Builder) ResolveNonce(ctx context.Context) (uint64, error) {
	latest, err := b.backend.NonceAt(ctx, b.from, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 latest nonce 失败")
	}
	pending, err := b.backend.PendingNonceAt(ctx, b.from)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 pending nonce 失败")
	}
	return max(latest, pending), nil
}

// EstimateGas asks the node for a gas limit. With feeEnabled the first
// failure is returned as is. Otherwise failed attempts are separated by a
// fixed pause and the final failure becomes a GAS_ESTIMATION_FAILED error.
func (b *Builder) EstimateGas(ctx context.Context, data web3.TxData, value *big.Int, feeEnabled bool) (uint64, error) {
	msg := gethcore.CallMsg{From: b.from, To: data.To, Value: value, Data: data.Data}
	var lastErr error
	for attempt := 0; attempt < b.attempts; attempt++ {
		gas, err := b.backend.EstimateGas(ctx, msg)
		if err == nil {
			return gas, nil
		}
		if feeEnabled {
			return 0, err
		}
		lastErr = err
		b.logger.Warn("Gas estimation failed", slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
		if attempt == b.attempts-1 {
			break
		}
		note := fmt.Sprintf("Gas estimation failed. Attempt %d/%d", attempt+1, b.attempts)
		if err := b.sleeper.Sleep(ctx, EstimateRetryDelay, note); err != nil {
			return 0, err
		}
	}
	return 0, xerrors.Wrap(xerrors.CodeGasEstimation, lastErr,
		fmt.Sprintf("Failed to estimate gas after %d attempts", b.attempts))
}

// Build resolves nonce and gas limit and returns the pending transaction.
func (b *Builder) Build(ctx context.Context, data web3.TxData, feeEnabled bool, value *big.Int) (PendingTransaction, error) {
	if value == nil {
		value = new(big.Int)
	}
	nonce, err := b.ResolveNonce(ctx)
	if err != nil {
		return PendingTransaction{}, err
	}
	gasLimit, err := b.EstimateGas(ctx, data, value, feeEnabled)
	if err != nil {
		return PendingTransaction{}, err
	}
	return PendingTransaction{
		To:       data.To,
		From:     b.from,
		Value:    new(big.Int).Set(value),
		GasLimit: gasLimit,
		GasPrice: GasPrice(),
		Nonce:    nonce,
		Data:     append([]byte(nil), data.Data...),
	}, nil
}
