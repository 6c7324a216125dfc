package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/winksdotfun/endgame/logger"
	"github.com/winksdotfun/endgame/metrics"
	"github.com/winksdotfun/endgame/types"
	"github.com/winksdotfun/endgame/utils"
)

const commissionABI = `[{"inputs":[],"name":"suffixPurchase","outputs":[],"stateMutability":"payable","type":"function"}]`

const (
	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultPollInterval        = 2 * time.Second
)

var _ Payer = (*EVMPayer)(nil)

// EVMPayer pays the commission fee by calling suffixPurchase() on the
// commissioning contract and waiting for the receipt.
type EVMPayer struct {
	backend        ChainBackend
	contract       common.Address
	contractABI    abi.ABI
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         logger.Logger
	metrics        metrics.Recorder
}

type PayerOption func(*EVMPayer)

func WithContract(address common.Address) PayerOption {
	return func(p *EVMPayer) {
		p.contract = address
	}
}

func WithConfirmationTimeout(d time.Duration) PayerOption {
	return func(p *EVMPayer) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) PayerOption {
	return func(p *EVMPayer) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func WithPayerLogger(l logger.Logger) PayerOption {
	return func(p *EVMPayer) {
		p.logger = l
	}
}

func WithPayerMetrics(r metrics.Recorder) PayerOption {
	return func(p *EVMPayer) {
		p.metrics = r
	}
}

func NewEVMPayer(backend ChainBackend, opts ...PayerOption) (*EVMPayer, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain backend is required")
	}

	parsed, err := abi.JSON(strings.NewReader(commissionABI))
	if err != nil {
		return nil, fmt.Errorf("parse commission abi: %w", err)
	}

	p := &EVMPayer{
		backend:        backend,
		contract:       common.HexToAddress(types.DefaultCommissionContract),
		contractABI:    parsed,
		confirmTimeout: DefaultConfirmationTimeout,
		pollInterval:   DefaultPollInterval,
		logger:         logger.NoopLogger{},
		metrics:        metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Contract returns the address the fee is paid to.
func (p *EVMPayer) Contract() common.Address {
	return p.contract
}

// Pay submits exactly one payable call carrying fee and waits for its
// receipt. When the transaction was broadcast the returned outcome is non-nil
// and carries the hash, even alongside an error.
func (p *EVMPayer) Pay(ctx context.Context, fee *big.Int, wallet Wallet) (*types.PaymentOutcome, error) {
	start := time.Now()

	if wallet == nil {
		return nil, p.fail(outcomeWallet, types.NewWalletError("cannot pay", ErrNoWallet))
	}
	if !wallet.IsConnected() {
		return nil, p.fail(outcomeWallet, types.NewWalletError("cannot pay", ErrWalletDisconnected))
	}
	if fee == nil || fee.Sign() <= 0 {
		// nothing is broadcast; the contract would reject it anyway
		return nil, p.fail(outcomeRejected, types.NewChainRejectedError("payment not submitted", ErrInvalidFee))
	}
	if abandoned(ctx) {
		return nil, p.fail(outcomeWallet, types.NewWalletError("payment abandoned before submission", ctx.Err()))
	}

	from := wallet.CurrentAccount()
	tx, err := p.buildTx(ctx, from, fee)
	if err != nil {
		if abandoned(ctx) {
			return nil, p.fail(outcomeWallet, types.NewWalletError("payment abandoned before submission", err))
		}
		return nil, p.fail(outcomeRejected, types.NewChainRejectedError("failed to prepare payment", err))
	}

	signed, err := wallet.SignTx(ctx, tx)
	if err != nil {
		return nil, p.fail(outcomeWallet, types.NewWalletError("wallet refused to sign payment", err))
	}

	hash := signed.Hash().Hex()
	p.logger.Info("submitting commission payment", map[string]any{
		"from":     from.Hex(),
		"contract": p.contract.Hex(),
		"value":    utils.FormatEther(fee),
		"tx_hash":  hash,
	})

	if err := p.backend.SendTransaction(ctx, signed); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) && !abandoned(ctx) {
			return nil, p.fail(outcomeRejected, types.NewChainRejectedError("node rejected payment", err))
		}
		// the node may have accepted it; keep the hash so it can be reconciled
		p.logger.Warn("payment submission outcome unknown", map[string]any{
			"tx_hash": hash,
			"error":   err.Error(),
		})
		outcome := &types.PaymentOutcome{TxHash: hash}
		return outcome, p.fail(outcomeTimeout, types.NewConfirmationTimeoutError(hash, err))
	}
	p.metrics.IncCounter("payment_submitted", map[string]string{metrics.LabelOutcome: "submitted"})
	NotifySubmitted(ctx, hash)

	outcome, err := p.confirm(ctx, signed.Hash())
	p.metrics.ObserveLatency("payment", time.Since(start), map[string]string{metrics.LabelOutcome: outcomeLabel(err)})
	return outcome, err
}

// AwaitConfirmation waits again for the receipt of an already submitted
// payment. Nothing is broadcast.
func (p *EVMPayer) AwaitConfirmation(ctx context.Context, txHash string) (*types.PaymentOutcome, error) {
	if err := utils.ValidateTransactionHash(txHash); err != nil {
		return nil, types.NewValidationError(err.Error())
	}

	p.logger.Info("re-awaiting commission payment", map[string]any{"tx_hash": txHash})
	return p.confirm(ctx, common.HexToHash(txHash))
}

func (p *EVMPayer) buildTx(ctx context.Context, from common.Address, fee *big.Int) (*ethtypes.Transaction, error) {
	data, err := p.contractABI.Pack("suffixPurchase")
	if err != nil {
		return nil, fmt.Errorf("pack call data: %w", err)
	}

	nonce, err := p.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}

	gasPrice, err := p.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	to := p.contract
	gasLimit, err := p.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: fee,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	return ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).Set(fee),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	}), nil
}

func (p *EVMPayer) confirm(ctx context.Context, hash common.Hash) (*types.PaymentOutcome, error) {
	outcome := &types.PaymentOutcome{TxHash: hash.Hex()}

	receipt, err := p.waitReceipt(ctx, hash)
	if err != nil {
		p.logger.Warn("payment confirmation wait ended without receipt", map[string]any{
			"tx_hash": outcome.TxHash,
			"error":   err.Error(),
		})
		return outcome, p.fail(outcomeTimeout, types.NewConfirmationTimeoutError(outcome.TxHash, err))
	}

	if receipt.BlockNumber != nil {
		outcome.BlockNumber = receipt.BlockNumber.Uint64()
	}
	outcome.GasUsed = receipt.GasUsed

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		p.logger.Error("commission payment reverted", map[string]any{
			"tx_hash": outcome.TxHash,
			"block":   outcome.BlockNumber,
		})
		return outcome, p.fail(outcomeRejected, types.NewChainRejectedError("payment "+outcome.TxHash, ErrReceiptFailed))
	}

	outcome.Confirmed = true
	p.metrics.IncCounter("payment_confirmed", map[string]string{metrics.LabelOutcome: outcomeConfirmed})
	p.logger.Info("commission payment confirmed", map[string]any{
		"tx_hash":  outcome.TxHash,
		"block":    outcome.BlockNumber,
		"gas_used": outcome.GasUsed,
	})
	return outcome, nil
}

// waitReceipt polls for the receipt until it exists or the confirmation
// bound or ctx expires. Lookup errors other than NotFound are retried.
func (p *EVMPayer) waitReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && !isDeadline(err) {
			p.logger.Debug("receipt lookup failed", map[string]any{
				"tx_hash": hash.Hex(),
				"error":   err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *EVMPayer) fail(outcome string, err *types.CommissionError) error {
	p.metrics.IncCounter("payment_failed", map[string]string{metrics.LabelOutcome: outcome})
	return err
}

func outcomeLabel(err error) string {
	switch types.KindOf(err) {
	case "":
		return outcomeConfirmed
	case types.ErrWallet:
		return outcomeWallet
	case types.ErrChainRejected:
		return outcomeRejected
	default:
		return outcomeTimeout
	}
}
