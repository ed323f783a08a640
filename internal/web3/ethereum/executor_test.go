package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "fractal-arena/internal/errors"
	"fractal-arena/internal/retry"
	"fractal-arena/internal/web3"
)

func TestExecuteOnSimulatedChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	sim := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	})
	t.Cleanup(func() { _ = sim.Close() })

	client := NewFromBackend("simulated", nil, sim.Client())
	wallet, err := NewWallet(hex.EncodeToString(crypto.FromECDSA(key)), client)
	require.NoError(t, err)

	builder := NewBuilder(client, from)
	tx, err := builder.Build(ctx, web3.TxData{To: &recipient}, false, big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tx.Nonce)

	commits := 0
	executor := NewExecutor(client, wallet,
		WithExecutorSleeper(retry.SleeperFunc(func(context.Context, time.Duration, string) error {
			commits++
			sim.Commit()
			return nil
		})),
		WithTxURL(func(h common.Hash) string { return "https://explorer/tx/" + h.Hex() }),
	)
	receipt, err := executor.Execute(ctx, tx)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, coretypes.ReceiptStatusSuccessful, receipt.Status)
	assert.GreaterOrEqual(t, commits, 1)

	assert.NotEmpty(t, wallet.Balance())
	assert.NotEqual(t, "1.0", wallet.Balance())

	nonce, err := builder.ResolveNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)

	recipientBalance, err := client.BalanceAt(ctx, recipient, nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), recipientBalance)

	snapshot, err := client.FetchChainSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "simulated", snapshot.Name)
	assert.NotEqual(t, "0x0", snapshot.BlockNumber)
}

func TestExecuteSwallowsGatewayTimeout(t *testing.T) {
	backend := &fakeBackend{sendErr: gethrpc.HTTPError{StatusCode: 504, Status: "504 Gateway Timeout"}}
	wallet := newTestWallet(t, backend)
	rec := &retry.Recorder{}
	executor := NewExecutor(backend, wallet, WithExecutorSleeper(rec))

	receipt, err := executor.Execute(context.Background(), PendingTransaction{
		To: &recipient, GasLimit: 21000, GasPrice: GasPrice(),
	})
	require.NoError(t, err)
	assert.Nil(t, receipt)
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.Waits())
}

func TestExecuteSwallowsGatewayTimeoutText(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("bad response: 504 Gateway Time-out")}
	wallet := newTestWallet(t, backend)
	executor := NewExecutor(backend, wallet, WithExecutorSleeper(&retry.Recorder{}))

	receipt, err := executor.Execute(context.Background(), PendingTransaction{To: &recipient, GasPrice: GasPrice()})
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

func TestExecutePropagatesOtherErrors(t *testing.T) {
	boom := errors.New("insufficient funds for gas * price + value")
	backend := &fakeBackend{sendErr: boom}
	wallet := newTestWallet(t, backend)
	rec := &retry.Recorder{}
	executor := NewExecutor(backend, wallet, WithExecutorSleeper(rec))

	_, err := executor.Execute(context.Background(), PendingTransaction{To: &recipient, GasPrice: GasPrice()})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, rec.Waits())
}

func TestExecuteRefreshesBalance(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(2e18)}
	wallet := newTestWallet(t, backend)
	executor := NewExecutor(backend, wallet, WithExecutorSleeper(&retry.Recorder{}))

	receipt, err := executor.Execute(context.Background(), PendingTransaction{To: &recipient, GasLimit: 21000, GasPrice: GasPrice(), Nonce: 3})
	require.NoError(t, err)
	require.NotNil(t, receipt)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, uint64(3), backend.sent[0].Nonce())
	assert.Equal(t, "2.0", wallet.Balance())
}

func TestExecutePropagatesErrorsContainingDigits504(t *testing.T) {
	boom := errors.New("insufficient funds for gas * price + value: address 0xAb5041c6a8E1f2b3C4d5e6F708192a3b4C5d6E7f have 0 want 31500000000000")
	backend := &fakeBackend{sendErr: boom}
	wallet := newTestWallet(t, backend)
	rec := &retry.Recorder{}
	executor := NewExecutor(backend, wallet, WithExecutorSleeper(rec))

	receipt, err := executor.Execute(context.Background(), PendingTransaction{To: &recipient, GasPrice: GasPrice()})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, receipt)
	assert.Empty(t, rec.Waits())
}

func TestExecutePropagatesNon504HTTPError(t *testing.T) {
	backend := &fakeBackend{sendErr: gethrpc.HTTPError{StatusCode: 502, Status: "502 Bad Gateway", Body: []byte("block 504")}}
	wallet := newTestWallet(t, backend)
	executor := NewExecutor(backend, wallet, WithExecutorSleeper(&retry.Recorder{}))

	_, err := executor.Execute(context.Background(), PendingTransaction{To: &recipient, GasPrice: GasPrice()})
	require.Error(t, err)
}

func TestExecuteRejectsRevertedTransaction(t *testing.T) {
	backend := &fakeBackend{reverted: true, balance: big.NewInt(2e18)}
	wallet := newTestWallet(t, backend)
	executor := NewExecutor(backend, wallet, WithExecutorSleeper(&retry.Recorder{}))

	receipt, err := executor.Execute(context.Background(), PendingTransaction{To: &recipient, GasLimit: 21000, GasPrice: GasPrice()})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeChainFailure, xerrors.CodeOf(err))
	require.NotNil(t, receipt)
	assert.Equal(t, coretypes.ReceiptStatusFailed, receipt.Status)
	assert.Empty(t, wallet.Balance())
}
