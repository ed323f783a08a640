package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"fractal-arena/internal/web3"
)

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Wallet is a private key bound to a backend. It signs login messages and
// transactions and caches the last observed balance.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	backend web3.Backend

	mu      sync.RWMutex
	balance string
}

var _ web3.Signer = (*Wallet)(nil)

// NewWallet parses a hex private key, with or without the 0x prefix.
func NewWallet(hexKey string, backend web3.Backend) (*Wallet, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, errors.New("私钥不能为空")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		backend: backend,
	}, nil
}

// Address returns the wallet address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// SignMessage produces an EIP-191 personal_sign signature as 0x hex with the
// recovery id in {27, 28}.
func (w *Wallet) SignMessage(message []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), w.key)
	if err != nil {
		return "", fmt.Errorf("签名消息失败: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// SignTx signs a transaction for the given chain.
func (w *Wallet) SignTx(tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error) {
	if chainID == nil {
		return nil, errors.New("缺少链 ID")
	}
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}

// RefreshBalance reads the latest balance and caches it formatted in ETH.
func (w *Wallet) RefreshBalance(ctx context.Context) (string, error) {
	if w.backend == nil {
		return "", errors.New("钱包未绑定链访问后端")
	}
	wei, err := w.backend.BalanceAt(ctx, w.address, nil)
	if err != nil {
		return "", fmt.Errorf("查询余额失败: %w", err)
	}
	formatted := FormatEther(wei)
	w.mu.Lock()
	w.balance = formatted
	w.mu.Unlock()
	return formatted, nil
}

// Balance returns the cached ETH balance, empty before the first refresh.
func (w *Wallet) Balance() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.balance
}

// FormatEther renders a wei amount as a decimal ETH string, keeping at least
// one fractional digit: 1e18 -> "1.0", 15e14 -> "0.0015".
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.0"
	}
	sign := ""
	value := new(big.Int).Set(wei)
	if value.Sign() < 0 {
		sign = "-"
		value.Neg(value)
	}
	whole, frac := new(big.Int).QuoRem(value, weiPerEther, new(big.Int))
	digits := frac.String()
	fraction := strings.TrimRight(strings.Repeat("0", 18-len(digits))+digits, "0")
	if fraction == "" {
		fraction = "0"
	}
	return sign + whole.String() + "." + fraction
}
