package endgame

import (
	"math/big"
	"time"

	"github.com/winksdotfun/endgame/clients"
	"github.com/winksdotfun/endgame/ledger"
	"github.com/winksdotfun/endgame/logger"
	"github.com/winksdotfun/endgame/metrics"
	"github.com/winksdotfun/endgame/types"
	"github.com/winksdotfun/endgame/utils"
)

type Option func(*Endgame)

func WithLogger(l logger.Logger) Option {
	return func(e *Endgame) {
		e.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Endgame) {
		e.metrics = r
	}
}

// WithTimeout bounds one Execute or Retry run, payment and deployment
// together.
func WithTimeout(t time.Duration) Option {
	return func(e *Endgame) {
		e.timeout = t
	}
}

func WithWallet(w clients.Wallet) Option {
	return func(e *Endgame) {
		e.wallet = w
	}
}

// WithFee sets the commission fee in wei.
func WithFee(wei *big.Int) Option {
	return func(e *Endgame) {
		e.fee = wei
	}
}

func WithNetwork(n types.Network) Option {
	return func(e *Endgame) {
		e.network = n
	}
}

func WithSuggester(s *utils.Suggester) Option {
	return func(e *Endgame) {
		e.suggester = s
	}
}

// WithLedger records every session's transitions in store. The caller keeps
// ownership of store.
func WithLedger(store *ledger.Store) Option {
	return func(e *Endgame) {
		e.ledger = store
	}
}
