package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/winksdotfun/endgame/ledger"
	"github.com/winksdotfun/endgame/saga"
	"github.com/winksdotfun/endgame/types"
)

var (
	errSessionNotFound = errors.New("commission session not found")
	errBadRequest      = errors.New("invalid request body")
)

// kinder is satisfied by domain errors
// that carry a classification kind.
type kinder interface {
	Kind() string
}

// kindToStatus maps error classification kinds
// to HTTP status codes.
var kindToStatus = map[string]int{
	string(types.ErrValidation):          http.StatusBadRequest,
	string(types.ErrWallet):              http.StatusPaymentRequired,
	string(types.ErrChainRejected):       http.StatusBadGateway,
	string(types.ErrConfirmationTimeout): http.StatusGatewayTimeout,
	string(types.ErrDeployment):          http.StatusBadGateway,
	"bad_request":                        http.StatusBadRequest,
	"not_found":                          http.StatusNotFound,
	"busy":                               http.StatusConflict,
	"unconsumed_payment":                 http.StatusConflict,
	"invalid_state":                      http.StatusConflict,
	"not_retryable":                      http.StatusConflict,
	"timeout":                            http.StatusGatewayTimeout,
	"canceled":                           http.StatusRequestTimeout,
}

// errorKind returns the kind of an error.
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, errBadRequest):
		return "bad_request"
	case errors.Is(err, errSessionNotFound), errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, saga.ErrBusy):
		return "busy"
	case errors.Is(err, saga.ErrUnconsumedPayment):
		return "unconsumed_payment"
	case errors.Is(err, saga.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, saga.ErrNotRetryable):
		return "not_retryable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

func httpStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if s, ok := kindToStatus[errorKind(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// errorPayload is the error body shared by every endpoint. Internal errors
// never echo their cause.
type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func newErrorPayload(err error) *errorPayload {
	if err == nil {
		return nil
	}
	kind := errorKind(err)
	if kind == "internal" {
		return &errorPayload{Kind: kind, Message: "internal error"}
	}
	var ce *types.CommissionError
	if errors.As(err, &ce) {
		return &errorPayload{Kind: kind, Message: ce.Message}
	}
	return &errorPayload{Kind: kind, Message: err.Error()}
}
