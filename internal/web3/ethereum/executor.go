package ethereum

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "fractal-arena/internal/errors"
	"fractal-arena/internal/observability/metrics"
	"fractal-arena/internal/retry"
	"fractal-arena/internal/web3"
	"fractal-arena/pkg/logger"
)

const (
	// ReceiptPollInterval is the delay between receipt lookups.
	ReceiptPollInterval = time.Second
	// GatewayTimeoutPause is the pause after a swallowed 504.
	GatewayTimeoutPause = 5 * time.Second
)

// BalanceRefresher is implemented by signers that cache their balance.
type BalanceRefresher interface {
	RefreshBalance(ctx context.Context) (string, error)
}

// Executor signs, broadcasts and confirms transactions for one wallet.
type Executor struct {
	backend web3.Backend
	signer  web3.Signer
	sleeper retry.Sleeper
	poll    time.Duration
	txURL   func(common.Hash) string
	logger  *slog.Logger
	label   string
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithExecutorSleeper injects the sleeper used while polling receipts.
func WithExecutorSleeper(s retry.Sleeper) ExecutorOption {
	return func(e *Executor) {
		if s != nil {
			e.sleeper = s
		}
	}
}

// WithTxURL sets the formatter used for confirmation logs.
func WithTxURL(fn func(common.Hash) string) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.txURL = fn
		}
	}
}

// NewExecutor returns an executor sending through backend on behalf of signer.
func NewExecutor(backend web3.Backend, signer web3.Signer, opts ...ExecutorOption) *Executor {
	address := signer.Address().Hex()
	e := &Executor{
		backend: backend,
		signer:  signer,
		sleeper: retry.Timer{},
		poll:    ReceiptPollInterval,
		txURL:   func(h common.Hash) string { return h.Hex() },
		logger:  logger.ForWallet("tx-executor", address),
		label:   logger.ShortAddress(address),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute signs and sends the transaction, waits for one confirmation and
// refreshes the signer's cached balance. A gateway timeout (504) anywhere in
// the flow is logged, followed by a short pause, and reported as (nil, nil).
func (e *Executor) Execute(ctx context.Context, tx PendingTransaction) (*coretypes.Receipt, error) {
	receipt, err := e.execute(ctx, tx)
	if err == nil {
		return receipt, nil
	}
	if isGatewayTimeout(err) {
		metrics.IncEvent(e.label, metrics.EventTxSwallowed)
		e.logger.Warn("交易确认遇到 504，暂停后跳过", slog.String("error", err.Error()))
		if sleepErr := e.sleeper.Sleep(ctx, GatewayTimeoutPause, err.Error()); sleepErr != nil {
			return nil, sleepErr
		}
		return nil, nil
	}
	return nil, err
}

func (e *Executor) execute(ctx context.Context, tx PendingTransaction) (*coretypes.Receipt, error) {
	if tx.GasPrice == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易缺少 gas price")
	}
	chainID, err := e.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	signed, err := e.signer.SignTx(tx.Transaction(), chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "签名交易失败")
	}
	e.logger.Info("Executing transaction...", slog.String("hash", signed.Hash().Hex()), slog.Uint64("nonce", signed.Nonce()))
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "发送交易失败")
	}

	receipt, err := e.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		e.logger.Error("Transaction reverted: "+e.txURL(receipt.TxHash), slog.Uint64("block", blockNumber(receipt)))
		return receipt, xerrors.New(xerrors.CodeChainFailure, "交易执行失败 (reverted)",
			xerrors.WithMetadata("hash", receipt.TxHash.Hex()))
	}
	metrics.IncEvent(e.label, metrics.EventTxConfirmed)
	e.logger.Info("Transaction confirmed: " + e.txURL(receipt.TxHash))
	logger.Audit().Info("transaction confirmed",
		slog.String("wallet", e.label),
		slog.String("hash", receipt.TxHash.Hex()),
		slog.Uint64("block", blockNumber(receipt)),
	)

	if refresher, ok := e.signer.(BalanceRefresher); ok {
		if _, err := refresher.RefreshBalance(ctx); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "刷新余额失败")
		}
	}
	return receipt, nil
}

func (e *Executor) waitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易回执失败")
		}
		if err := e.sleeper.Sleep(ctx, e.poll, "Waiting for transaction confirmation..."); err != nil {
			return nil, err
		}
	}
}

// isGatewayTimeout matches an RPC HTTP 504, or a gateway status line in the
// error text. Bare digits are not enough: addresses and amounts contain them.
func isGatewayTimeout(err error) bool {
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusGatewayTimeout
	}
	var httpErrPtr *gethrpc.HTTPError
	if errors.As(err, &httpErrPtr) && httpErrPtr != nil {
		return httpErrPtr.StatusCode == http.StatusGatewayTimeout
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "504 gateway") || strings.Contains(text, "gateway time")
}

func blockNumber(r *coretypes.Receipt) uint64 {
	if r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
}
