package clients

import (
	"context"
	"errors"
)

var (
	ErrNoWallet           = errors.New("no wallet provided")
	ErrWalletDisconnected = errors.New("wallet is not connected")
	ErrInvalidFee         = errors.New("fee must be a positive wei amount")
	ErrReceiptFailed      = errors.New("transaction reverted")
)

// Outcome label values reported to metrics.
const (
	outcomeConfirmed = "confirmed"
	outcomeWallet    = "wallet_error"
	outcomeRejected  = "chain_rejected"
	outcomeTimeout   = "confirmation_timeout"
)

func abandoned(ctx context.Context) bool {
	return ctx.Err() != nil
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
