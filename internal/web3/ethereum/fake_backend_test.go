package ethereum

import (
	"context"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type fakeBackend struct {
	mu sync.Mutex

	latest, pending uint64
	gas             uint64
	estimateErrs    []error
	estimateCalls   int
	sendErr         error
	sent            []*coretypes.Transaction
	balance         *big.Int
	reverted        bool
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(11155111), nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 1, nil }

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	if f.balance == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return f.latest, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.pending, nil
}

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimateCalls++
	if len(f.estimateErrs) > 0 {
		err := f.estimateErrs[0]
		f.estimateErrs = f.estimateErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return f.gas, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	status := coretypes.ReceiptStatusSuccessful
	if f.reverted {
		status = coretypes.ReceiptStatusFailed
	}
	return &coretypes.Receipt{TxHash: hash, Status: status, BlockNumber: big.NewInt(2)}, nil
}
