package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies saga failures.
type ErrorKind string

// Error kinds
const (
	ErrValidation          ErrorKind = "validation_error"
	ErrWallet              ErrorKind = "wallet_error"
	ErrChainRejected       ErrorKind = "chain_rejected"
	ErrConfirmationTimeout ErrorKind = "confirmation_timeout"
	ErrDeployment          ErrorKind = "deployment_error"
)

// CommissionError is the error type returned by every saga stage.
type CommissionError struct {
	Code    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *CommissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CommissionError) Unwrap() error {
	return e.Err
}

// Kind satisfies the kinder interface used by the HTTP layer.
func (e *CommissionError) Kind() string {
	return string(e.Code)
}

// Failure converts the error into the record stored on a failed commission.
func (e *CommissionError) Failure() *Failure {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return &Failure{Kind: e.Code, Message: msg}
}

func NewValidationError(message string) *CommissionError {
	return &CommissionError{Code: ErrValidation, Message: message}
}

func NewWalletError(message string, err error) *CommissionError {
	return &CommissionError{Code: ErrWallet, Message: message, Err: err}
}

func NewChainRejectedError(message string, err error) *CommissionError {
	return &CommissionError{Code: ErrChainRejected, Message: message, Err: err}
}

func NewConfirmationTimeoutError(txHash string, err error) *CommissionError {
	return &CommissionError{
		Code:    ErrConfirmationTimeout,
		Message: fmt.Sprintf("no receipt observed for %s; payment may still land", txHash),
		Err:     err,
	}
}

func NewDeploymentError(message string, err error) *CommissionError {
	return &CommissionError{Code: ErrDeployment, Message: message, Err: err}
}

// KindOf returns the error kind carried by err, or "" when err is nil or not
// a CommissionError.
func KindOf(err error) ErrorKind {
	var ce *CommissionError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
