// Package saga drives one commission from suffix entry through payment and
// deployment, and reconciles a deployment that fails after the fee was paid.
package saga

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/winksdotfun/endgame/clients"
	"github.com/winksdotfun/endgame/deployment"
	"github.com/winksdotfun/endgame/logger"
	"github.com/winksdotfun/endgame/metrics"
	"github.com/winksdotfun/endgame/types"
	"github.com/winksdotfun/endgame/utils"
)

var (
	// ErrBusy is returned for any mutation while a payment or deployment
	// is running.
	ErrBusy = errors.New("commission is in flight")
	// ErrUnconsumedPayment blocks a new commission while a submitted fee has
	// not produced an artifact. Retry or Reset first.
	ErrUnconsumedPayment = errors.New("a paid commission has not been delivered")
	ErrInvalidState      = errors.New("operation not allowed in current state")
	ErrNotRetryable      = errors.New("commission cannot be retried")

	errNoTransaction = errors.New("payer reported success without a transaction")
	errNotConfirmed  = errors.New("payer reported success without a successful receipt")
)

const tracerName = "github.com/winksdotfun/endgame/saga"

// Transition is emitted on every state change.
type Transition struct {
	CommissionID string
	Kind         types.Kind
	Suffix       string
	From         types.State
	To           types.State
	Failure      *types.Failure
	// TxHash is the payment hash known at the time of the transition.
	TxHash          string
	ArtifactAddress string
	At              time.Time
}

// Saga owns at most one commission. All methods are safe for concurrent use;
// Snapshot may be called while Execute or Retry runs.
type Saga struct {
	payer     clients.Payer
	deployer  deployment.Deployer
	wallet    clients.Wallet
	fee       *big.Int
	network   types.Network
	suggester *utils.Suggester
	logger    logger.Logger
	metrics   metrics.Recorder
	tracer    trace.Tracer
	observers []func(Transition)
	now       func() time.Time
	newID     func() string

	mu         sync.Mutex
	commission *types.Commission
	running    bool
	pending    []Transition
}

type Option func(*Saga)

func WithWallet(w clients.Wallet) Option {
	return func(s *Saga) {
		s.wallet = w
	}
}

// WithFee sets the commission fee in wei. A non-positive fee keeps the
// default.
func WithFee(wei *big.Int) Option {
	return func(s *Saga) {
		if wei != nil && wei.Sign() > 0 {
			s.fee = new(big.Int).Set(wei)
		}
	}
}

// WithNetwork selects the explorer used for snapshot links.
func WithNetwork(n types.Network) Option {
	return func(s *Saga) {
		s.network = n
	}
}

func WithSuggester(sg *utils.Suggester) Option {
	return func(s *Saga) {
		if sg != nil {
			s.suggester = sg
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Saga) {
		s.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Saga) {
		s.metrics = r
	}
}

// WithTracer sets the tracer used for payment and deployment spans. The
// global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(s *Saga) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithObserver registers fn for transition events. Observers run after the
// saga lock is released, in registration order.
func WithObserver(fn func(Transition)) Option {
	return func(s *Saga) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Saga) {
		s.now = now
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Saga) {
		s.newID = fn
	}
}

func New(payer clients.Payer, deployer deployment.Deployer, opts ...Option) *Saga {
	fee, _ := utils.ParseEther(types.DefaultCommissionFee)

	s := &Saga{
		payer:     payer,
		deployer:  deployer,
		fee:       fee,
		network:   types.NetworkSepolia,
		suggester: utils.NewSuggester(nil, utils.DefaultSuggestionCount),
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fee returns a copy of the fee in wei.
func (s *Saga) Fee() *big.Int {
	return new(big.Int).Set(s.fee)
}

// Submit starts a new commission for suffix. An invalid suffix or kind fails
// the commission with a validation error. Tokens continue to details entry,
// wallets go straight to payment. A commission waiting for or inside payment
// or deployment is never replaced.
func (s *Saga) Submit(kind types.Kind, suffix string) (types.Snapshot, error) {
	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()

	if s.running {
		return s.snapshotLocked(), ErrBusy
	}
	// a commission parked in payment_pending is left through Reset
	if c := s.commission; c != nil && c.State.InFlight() {
		return s.snapshotLocked(), ErrBusy
	}
	if c := s.commission; c != nil && c.Retryable() {
		return s.snapshotLocked(), ErrUnconsumedPayment
	}

	now := s.now()
	s.commission = &types.Commission{
		ID:        s.newID(),
		Kind:      kind,
		Suffix:    suffix,
		State:     types.StateSuffixEntry,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.metrics.IncCounter("commission_started", map[string]string{metrics.LabelKind: kind.String()})
	s.log().Info("commission started", map[string]any{"kind": kind.String(), "suffix": suffix})

	if !kind.Valid() {
		err := types.NewValidationError("kind must be token or wallet")
		s.failLocked(err)
		return s.snapshotLocked(), err
	}
	if !utils.IsValidSuffix(suffix) {
		err := types.NewValidationError("suffix must be non-empty hexadecimal")
		s.failLocked(err)
		return s.snapshotLocked(), err
	}

	if kind == types.KindToken {
		s.transitionLocked(types.StateDetailsEntry, nil)
	} else {
		s.transitionLocked(types.StatePaymentPending, nil)
	}
	return s.snapshotLocked(), nil
}

// SubmitDetails records the token name and symbol.
func (s *Saga) SubmitDetails(name, symbol string) (types.Snapshot, error) {
	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()

	if s.running {
		return s.snapshotLocked(), ErrBusy
	}
	c := s.commission
	if c == nil || c.State != types.StateDetailsEntry {
		return s.snapshotLocked(), ErrInvalidState
	}

	name, symbol = strings.TrimSpace(name), strings.TrimSpace(symbol)
	if name == "" || symbol == "" {
		err := types.NewValidationError("token name and symbol are required")
		s.failLocked(err)
		return s.snapshotLocked(), err
	}

	c.TokenMeta = &types.TokenMeta{Name: name, Symbol: symbol}
	s.transitionLocked(types.StatePaymentPending, nil)
	return s.snapshotLocked(), nil
}

// Execute pays the fee and, once the payment is confirmed, requests the
// artifact. It blocks until the commission completes or fails. Payment
// failures never reach deployment.
func (s *Saga) Execute(ctx context.Context) (types.Snapshot, error) {
	if err := s.begin(types.StatePaymentPending); err != nil {
		return s.Snapshot(), err
	}
	err := s.execute(ctx)
	return s.Snapshot(), err
}

// Start claims the saga like Execute and runs the payment and deployment in
// the background. The channel receives the final error, or nil.
func (s *Saga) Start(ctx context.Context) (<-chan error, error) {
	if err := s.begin(types.StatePaymentPending); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- s.execute(ctx)
	}()
	return done, nil
}

// Retry resumes a failed commission without paying again. A deployment
// failure re-enters deployment with the confirmed payment; a confirmation
// timeout re-awaits the receipt of the same transaction.
func (s *Saga) Retry(ctx context.Context) (types.Snapshot, error) {
	kind, hash, err := s.beginRetry()
	if err != nil {
		return s.Snapshot(), err
	}
	err = s.retry(ctx, kind, hash)
	return s.Snapshot(), err
}

// StartRetry is Retry in the background.
func (s *Saga) StartRetry(ctx context.Context) (<-chan error, error) {
	kind, hash, err := s.beginRetry()
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- s.retry(ctx, kind, hash)
	}()
	return done, nil
}

func (s *Saga) execute(ctx context.Context) error {
	defer s.end()

	if err := s.payStage(ctx); err != nil {
		return err
	}
	return s.deployStage(ctx)
}

func (s *Saga) beginRetry() (types.ErrorKind, string, error) {
	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()

	if s.running {
		return "", "", ErrBusy
	}
	c := s.commission
	if c == nil || !c.Retryable() {
		return "", "", ErrNotRetryable
	}
	s.running = true
	kind := c.Failure.Kind
	s.log().Info("retrying commission", map[string]any{"failure": string(kind), "tx_hash": c.PaymentTxHash})
	s.metrics.IncCounter("commission_retried", map[string]string{
		metrics.LabelKind:    c.Kind.String(),
		metrics.LabelOutcome: string(kind),
	})

	if kind == types.ErrConfirmationTimeout {
		s.transitionLocked(types.StateAwaitingConfirmation, nil)
	} else {
		s.transitionLocked(types.StateDeploying, nil)
	}
	return kind, c.PaymentTxHash, nil
}

func (s *Saga) retry(ctx context.Context, kind types.ErrorKind, hash string) error {
	defer s.end()

	if kind == types.ErrConfirmationTimeout {
		if err := s.awaitStage(ctx, hash); err != nil {
			return err
		}
	}
	return s.deployStage(ctx)
}

func (s *Saga) awaitStage(ctx context.Context, hash string) (err error) {
	ctx, span := s.startSpan(ctx, "commission.await_confirmation")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("tx_hash", hash))

	outcome, err := s.payer.AwaitConfirmation(ctx, hash)
	if err == nil && (outcome == nil || !outcome.Confirmed) {
		err = types.NewConfirmationTimeoutError(hash, errNotConfirmed)
	}
	if err != nil {
		ce := paymentError(err)
		s.fail(ce)
		return ce
	}
	s.confirm(outcome)
	return nil
}

// Reset discards the commission and returns to suffix entry. Discarding a
// paid but undelivered commission is allowed and reported.
func (s *Saga) Reset() (types.Snapshot, error) {
	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()

	if s.running {
		return s.snapshotLocked(), ErrBusy
	}
	c := s.commission
	if c == nil {
		return s.snapshotLocked(), nil
	}

	switch {
	case c.PaymentConfirmed && !c.PaymentConsumed():
		s.log().Warn("discarding confirmed payment without artifact", map[string]any{
			"tx_hash": c.PaymentTxHash,
			"suffix":  c.Suffix,
		})
		s.metrics.IncCounter("payment_discarded", map[string]string{
			metrics.LabelKind:    c.Kind.String(),
			metrics.LabelOutcome: "confirmed",
		})
	case c.Retryable():
		s.log().Warn("discarding unconfirmed payment", map[string]any{
			"tx_hash": c.PaymentTxHash,
			"suffix":  c.Suffix,
		})
		s.metrics.IncCounter("payment_discarded", map[string]string{
			metrics.LabelKind:    c.Kind.String(),
			metrics.LabelOutcome: "unconfirmed",
		})
	}

	if c.State != types.StateSuffixEntry {
		s.transitionLocked(types.StateSuffixEntry, nil)
	}
	s.commission = nil
	return s.snapshotLocked(), nil
}

// Snapshot returns the presenter view of the current commission. With no
// commission the saga is in suffix entry.
func (s *Saga) Snapshot() types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Suggestions offers valid alternatives for input, or nil when input is
// already a valid suffix.
func (s *Saga) Suggestions(input string) []string {
	return s.suggester.For(input)
}

// InFlight reports whether Execute or Retry is running.
func (s *Saga) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Saga) payStage(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "commission.pay")
	defer func() { endSpan(span, err) }()

	pt := &clients.PaymentTrace{
		Submitted: func(txHash string) {
			s.mu.Lock()
			s.recordHashLocked(txHash)
			if s.commission.State == types.StatePaymentPending {
				s.transitionLocked(types.StateAwaitingConfirmation, nil)
			}
			s.mu.Unlock()
			s.flush()
		},
	}

	outcome, err := s.payer.Pay(clients.WithPaymentTrace(ctx, pt), s.Fee(), s.wallet)
	if err == nil {
		err = checkConfirmed(outcome)
	}
	if err != nil {
		s.mu.Lock()
		if outcome != nil {
			s.recordHashLocked(outcome.TxHash)
		}
		s.mu.Unlock()
		ce := paymentError(err)
		s.fail(ce)
		return ce
	}

	span.SetAttributes(attribute.String("tx_hash", outcome.TxHash))
	s.confirm(outcome)
	return nil
}

func (s *Saga) confirm(outcome *types.PaymentOutcome) {
	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()

	s.recordHashLocked(outcome.TxHash)
	s.commission.PaymentConfirmed = true
	if s.commission.State != types.StateAwaitingConfirmation {
		s.transitionLocked(types.StateAwaitingConfirmation, nil)
	}
	s.transitionLocked(types.StateDeploying, nil)
}

func (s *Saga) deployStage(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "commission.deploy")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	c := *s.commission
	s.mu.Unlock()

	res, err := s.deployer.Deploy(ctx, c)
	if err == nil && res == nil {
		err = errors.New("deployer returned no result")
	}
	if err != nil {
		var ce *types.CommissionError
		if !errors.As(err, &ce) || ce.Code != types.ErrDeployment {
			ce = types.NewDeploymentError("deployment failed", err)
		}
		s.fail(ce)
		return ce
	}

	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()

	result := *res
	span.SetAttributes(attribute.String("artifact_address", result.ArtifactAddress))
	s.commission.Deployment = &result
	s.transitionLocked(types.StateCompleted, nil)
	s.metrics.IncCounter("commission_completed", map[string]string{
		metrics.LabelKind:    c.Kind.String(),
		metrics.LabelOutcome: "completed",
	})
	s.log().Info("commission completed", map[string]any{
		"address": result.ArtifactAddress,
		"tx_hash": s.commission.PaymentTxHash,
	})
	return nil
}

// begin claims the saga for a long running operation starting in from.
func (s *Saga) begin(from types.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrBusy
	}
	if s.commission == nil || s.commission.State != from {
		return ErrInvalidState
	}
	s.running = true
	return nil
}

func (s *Saga) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Saga) fail(err *types.CommissionError) {
	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()
	s.failLocked(err)
}

func (s *Saga) failLocked(err *types.CommissionError) {
	failure := err.Failure()
	s.transitionLocked(types.StateFailed, failure)
	s.metrics.IncCounter("commission_failed", map[string]string{
		metrics.LabelKind:    s.commission.Kind.String(),
		metrics.LabelOutcome: string(failure.Kind),
	})

	fields := map[string]any{"failure": string(failure.Kind), "error": failure.Message}
	if s.commission.PaymentTxHash != "" {
		fields["tx_hash"] = s.commission.PaymentTxHash
	}
	if s.commission.PaymentConfirmed {
		s.log().Error("commission failed after payment", fields)
	} else {
		s.log().Warn("commission failed", fields)
	}
}

// recordHashLocked sets the payment hash once. A different hash for the same
// commission is ignored.
func (s *Saga) recordHashLocked(hash string) {
	c := s.commission
	if hash == "" || c == nil {
		return
	}
	if c.PaymentTxHash == "" {
		c.PaymentTxHash = hash
		return
	}
	if !strings.EqualFold(c.PaymentTxHash, hash) {
		s.log().Error("ignoring second payment hash", map[string]any{
			"tx_hash": c.PaymentTxHash,
			"ignored": hash,
		})
	}
}

func (s *Saga) transitionLocked(to types.State, failure *types.Failure) {
	c := s.commission
	from := c.State
	c.State = to
	c.Failure = failure
	c.UpdatedAt = s.now()

	t := Transition{
		CommissionID: c.ID,
		Kind:         c.Kind,
		Suffix:       c.Suffix,
		From:         from,
		To:           to,
		TxHash:       c.PaymentTxHash,
		At:           c.UpdatedAt,
	}
	if c.Deployment != nil {
		t.ArtifactAddress = c.Deployment.ArtifactAddress
	}
	if failure != nil {
		f := *failure
		t.Failure = &f
	}
	s.pending = append(s.pending, t)
	s.log().Debug("commission transition", map[string]any{"from": from.String(), "to": to.String()})
}

// flush delivers queued transitions. It must be called without s.mu held.
func (s *Saga) flush() {
	s.mu.Lock()
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, t := range events {
		for _, fn := range s.observers {
			fn(t)
		}
	}
}

func (s *Saga) snapshotLocked() types.Snapshot {
	if s.commission == nil {
		return types.Snapshot{State: types.StateSuffixEntry}
	}
	return s.commission.Snapshot(s.network)
}

func (s *Saga) log() logger.Logger {
	if s.commission == nil {
		return s.logger
	}
	return logger.With(s.logger, map[string]any{"commission_id": s.commission.ID})
}

func (s *Saga) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	s.mu.Lock()
	attrs := []attribute.KeyValue{
		attribute.String("commission_id", s.commission.ID),
		attribute.String("kind", s.commission.Kind.String()),
		attribute.String("suffix", s.commission.Suffix),
	}
	s.mu.Unlock()
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// checkConfirmed rejects a successful return that does not carry a confirmed
// transaction. Deployment is only reachable through a confirmed outcome.
func checkConfirmed(outcome *types.PaymentOutcome) error {
	switch {
	case outcome == nil || outcome.TxHash == "":
		return types.NewChainRejectedError("payment", errNoTransaction)
	case !outcome.Confirmed:
		return types.NewConfirmationTimeoutError(outcome.TxHash, errNotConfirmed)
	}
	return nil
}

func paymentError(err error) *types.CommissionError {
	var ce *types.CommissionError
	if errors.As(err, &ce) {
		return ce
	}
	return types.NewChainRejectedError("payment failed", err)
}
