package clients

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/winksdotfun/endgame/utils"
)

var _ Wallet = (*KeyedWallet)(nil)

// KeyedWallet signs with an operator private key held in memory.
type KeyedWallet struct {
	opts      *bind.TransactOpts
	connected atomic.Bool
}

// NewKeyedWallet loads a hex encoded private key and binds it to chainID.
func NewKeyedWallet(hexKey string, chainID *big.Int) (*KeyedWallet, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}

	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	w := &KeyedWallet{opts: opts}
	w.connected.Store(true)
	return w, nil
}

func (w *KeyedWallet) CurrentAccount() common.Address {
	return w.opts.From
}

func (w *KeyedWallet) IsConnected() bool {
	return w.connected.Load()
}

// Disconnect makes subsequent payments fail with a wallet error.
func (w *KeyedWallet) Disconnect() {
	w.connected.Store(false)
}

func (w *KeyedWallet) SignTx(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	if !w.IsConnected() {
		return nil, ErrWalletDisconnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.opts.Signer(w.opts.From, tx)
}
