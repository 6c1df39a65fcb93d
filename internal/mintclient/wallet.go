package mintclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/minting"
)

var (
	weiPerGwei = big.NewInt(1_000_000_000)

	// ErrInvalidKey is returned for a malformed admin private key.
	ErrInvalidKey = errors.New("invalid admin private key")
)

// WalletConfig configures the admin wallet.
type WalletConfig struct {
	// PrivateKey is the hex encoded admin key, with or without 0x.
	PrivateKey        string
	Network           string
	InitialBalanceWei *big.Int
	GasPriceWei       *big.Int
	// MaxGasPriceWei rejects mints while the gas price is above it. Nil disables the check.
	MaxGasPriceWei *big.Int
}

// Wallet is the admin account that pays for mints. Balance and gas price
// are tracked locally and debited per confirmed transaction.
type Wallet struct {
	mu          sync.Mutex
	address     common.Address
	network     string
	balance     *big.Int
	gasPrice    *big.Int
	maxGasPrice *big.Int
	connected   bool
}

// NewWallet loads the admin key and derives its address.
func NewWallet(cfg WalletConfig) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	w := &Wallet{
		address:   crypto.PubkeyToAddress(key.PublicKey),
		network:   cfg.Network,
		balance:   new(big.Int),
		gasPrice:  new(big.Int),
		connected: true,
	}
	if cfg.InitialBalanceWei != nil {
		w.balance.Set(cfg.InitialBalanceWei)
	}
	if cfg.GasPriceWei != nil {
		w.gasPrice.Set(cfg.GasPriceWei)
	}
	if cfg.MaxGasPriceWei != nil {
		w.maxGasPrice = new(big.Int).Set(cfg.MaxGasPriceWei)
	}
	return w, nil
}

// Address returns the wallet address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// SetConnected changes whether the wallet is reachable.
func (w *Wallet) SetConnected(connected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = connected
}

// SetGasPrice updates the current gas price.
func (w *Wallet) SetGasPrice(wei *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gasPrice = new(big.Int).Set(wei)
}

// Fund adds wei to the balance.
func (w *Wallet) Fund(wei *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balance.Add(w.balance, wei)
}

// BalanceWei returns a copy of the balance.
func (w *Wallet) BalanceWei() *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return new(big.Int).Set(w.balance)
}

// BalanceGwei returns the balance in gwei.
func (w *Wallet) BalanceGwei(_ context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return 0, errors.New("wallet not connected")
	}
	gwei := new(big.Int).Quo(w.balance, weiPerGwei)
	if !gwei.IsInt64() {
		return 0, fmt.Errorf("balance %s gwei overflows int64", gwei)
	}
	return gwei.Int64(), nil
}

func (w *Wallet) state(canMint bool) *domain.WalletState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &domain.WalletState{
		Address:    w.address.Hex(),
		Connected:  w.connected,
		BalanceWei: w.balance.String(),
		CanMint:    w.connected && canMint && w.affordableLocked(gasLimit) == nil,
		Network:    w.network,
	}
}

func (w *Wallet) isConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// affordable checks gas price and balance for a transaction using gas.
func (w *Wallet) affordable(gas uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.affordableLocked(gas)
}

func (w *Wallet) affordableLocked(gas uint64) error {
	if w.maxGasPrice != nil && w.gasPrice.Cmp(w.maxGasPrice) > 0 {
		return minting.NewMintError(minting.KindGasPriceTooHigh,
			fmt.Errorf("Gas price too high: %s wei exceeds %s wei", w.gasPrice, w.maxGasPrice))
	}
	cost := new(big.Int).Mul(w.gasPrice, new(big.Int).SetUint64(gas))
	if w.balance.Cmp(cost) < 0 {
		return minting.NewMintError(minting.KindInsufficientBalance,
			fmt.Errorf("balance %s wei below estimated cost %s wei", w.balance, cost))
	}
	return nil
}

// debit charges gasUsed at the current gas price and returns the cost in gwei.
func (w *Wallet) debit(gasUsed uint64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	cost := new(big.Int).Mul(w.gasPrice, new(big.Int).SetUint64(gasUsed))
	w.balance.Sub(w.balance, cost)
	if w.balance.Sign() < 0 {
		w.balance.SetInt64(0)
	}
	return new(big.Int).Quo(cost, weiPerGwei).Int64()
}
