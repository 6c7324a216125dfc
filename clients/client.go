package clients

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/winksdotfun/endgame/types"
)

// Payer executes the commission payment. Implementations submit at most one
// transaction per Pay call and never resubmit.
type Payer interface {
	Pay(ctx context.Context, fee *big.Int, wallet Wallet) (*types.PaymentOutcome, error)
	AwaitConfirmation(ctx context.Context, txHash string) (*types.PaymentOutcome, error)
}

// Wallet is the signing identity that pays the fee. It only signs; the
// transaction is broadcast by the ChainBackend.
type Wallet interface {
	CurrentAccount() common.Address
	IsConnected() bool
	SignTx(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Transaction, error)
}

// ChainBackend is the subset of the node RPC the payer needs.
type ChainBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

var _ ChainBackend = (*ethclient.Client)(nil)

// PaymentTrace carries hooks that fire during Pay.
type PaymentTrace struct {
	// Submitted is called once the node has accepted the transaction and
	// before the receipt wait starts.
	Submitted func(txHash string)
}

type paymentTraceKey struct{}

// WithPaymentTrace returns a context that delivers Pay events to trace.
func WithPaymentTrace(ctx context.Context, trace *PaymentTrace) context.Context {
	return context.WithValue(ctx, paymentTraceKey{}, trace)
}

// NotifySubmitted reports a broadcast payment to the trace in ctx, if any.
// Payer implementations call it once per submitted transaction.
func NotifySubmitted(ctx context.Context, txHash string) {
	trace, _ := ctx.Value(paymentTraceKey{}).(*PaymentTrace)
	if trace != nil && trace.Submitted != nil {
		trace.Submitted(txHash)
	}
}

// DialChain connects to an Ethereum JSON-RPC endpoint.
func DialChain(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}
	return client, nil
}
