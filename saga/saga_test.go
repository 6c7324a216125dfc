package saga

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/winksdotfun/endgame/clients"
	"github.com/winksdotfun/endgame/logger"
	"github.com/winksdotfun/endgame/types"
	"github.com/winksdotfun/endgame/utils"
)

const (
	waitFor   = 2 * time.Second
	pollEvery = 5 * time.Millisecond

	txHash       = "0x0000000000000000000000000000000000000000000000000000000000000abc"
	tokenAddress = "0x1234567890abcdef1234567890abcdef1234beef"
)

type fakePayer struct {
	mu sync.Mutex

	outcome *types.PaymentOutcome
	err     error

	awaitOutcome *types.PaymentOutcome
	awaitErr     error

	// when set, Pay blocks until the channel is closed
	gate chan struct{}

	payCalls   int
	awaitCalls int
	gotFee     *big.Int
}

func (f *fakePayer) Pay(ctx context.Context, fee *big.Int, _ clients.Wallet) (*types.PaymentOutcome, error) {
	f.mu.Lock()
	f.payCalls++
	f.gotFee = fee
	gate := f.gate
	outcome, err := f.outcome, f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return outcome, err
}

func (f *fakePayer) AwaitConfirmation(_ context.Context, hash string) (*types.PaymentOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awaitCalls++
	if f.awaitOutcome != nil {
		out := *f.awaitOutcome
		out.TxHash = hash
		return &out, f.awaitErr
	}
	return &types.PaymentOutcome{TxHash: hash}, f.awaitErr
}

func (f *fakePayer) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payCalls, f.awaitCalls
}

type fakeDeployer struct {
	mu      sync.Mutex
	results []error
	calls   []types.Commission
}

func (f *fakeDeployer) Deploy(_ context.Context, c types.Commission) (*types.DeploymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)

	var err error
	if len(f.results) > 0 {
		err = f.results[0]
		f.results = f.results[1:]
	}
	if err != nil {
		return nil, err
	}
	res := &types.DeploymentResult{ArtifactAddress: tokenAddress}
	if c.Kind == types.KindWallet {
		res.SecondaryMaterial = "0xkey"
	}
	return res, nil
}

func (f *fakeDeployer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func confirmedPayer() *fakePayer {
	return &fakePayer{outcome: &types.PaymentOutcome{TxHash: txHash, Confirmed: true, BlockNumber: 1}}
}

func newSaga(payer *fakePayer, deployer *fakeDeployer, opts ...Option) *Saga {
	base := []Option{WithSuggester(utils.NewSeededSuggester(1, 2, 4))}
	return New(payer, deployer, append(base, opts...)...)
}

func toPaymentPending(t *testing.T, s *Saga, kind types.Kind) {
	t.Helper()
	_, err := s.Submit(kind, "420de2ed69")
	require.NoError(t, err)
	if kind == types.KindToken {
		_, err = s.SubmitDetails("Endgame", "END")
		require.NoError(t, err)
	}
	require.Equal(t, types.StatePaymentPending, s.Snapshot().State)
}

func TestSaga_InitialState(t *testing.T) {
	t.Parallel()

	s := newSaga(confirmedPayer(), &fakeDeployer{})
	snap := s.Snapshot()
	assert.Equal(t, types.StateSuffixEntry, snap.State)
	assert.Empty(t, snap.ID)
	assert.Equal(t, "10000000000000000", s.Fee().String())
}

func TestSaga_Submit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		kind      types.Kind
		suffix    string
		wantState types.State
		wantKind  types.ErrorKind
	}{
		{name: "token goes to details", kind: types.KindToken, suffix: "420de2ed69", wantState: types.StateDetailsEntry},
		{name: "wallet skips details", kind: types.KindWallet, suffix: "420de2ed69", wantState: types.StatePaymentPending},
		{name: "invalid suffix", kind: types.KindWallet, suffix: "zz12", wantState: types.StateFailed, wantKind: types.ErrValidation},
		{name: "empty suffix", kind: types.KindToken, suffix: "", wantState: types.StateFailed, wantKind: types.ErrValidation},
		{name: "unknown kind", kind: types.Kind("nft"), suffix: "beef", wantState: types.StateFailed, wantKind: types.ErrValidation},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newSaga(confirmedPayer(), &fakeDeployer{})
			snap, err := s.Submit(tt.kind, tt.suffix)
			assert.Equal(t, tt.wantState, snap.State)
			assert.NotEmpty(t, snap.ID)
			if tt.wantKind == "" {
				require.NoError(t, err)
				assert.Nil(t, snap.Failure)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, types.KindOf(err))
			require.NotNil(t, snap.Failure)
			assert.Equal(t, tt.wantKind, snap.Failure.Kind)
			assert.False(t, snap.Retryable)
		})
	}
}

func TestSaga_Suggestions(t *testing.T) {
	t.Parallel()

	s := newSaga(confirmedPayer(), &fakeDeployer{})
	assert.Empty(t, s.Suggestions("420de2ed69"))

	got := s.Suggestions("zz12")
	require.Len(t, got, 4)
	for _, c := range got {
		require.Len(t, c, 4)
		assert.Equal(t, "12", c[2:])
		assert.True(t, utils.IsValidSuffix(c))
	}
}

func TestSaga_SubmitDetails(t *testing.T) {
	t.Parallel()

	t.Run("requires name and symbol", func(t *testing.T) {
		t.Parallel()
		s := newSaga(confirmedPayer(), &fakeDeployer{})
		_, err := s.Submit(types.KindToken, "beef")
		require.NoError(t, err)

		snap, err := s.SubmitDetails("  ", "END")
		require.Error(t, err)
		assert.Equal(t, types.ErrValidation, types.KindOf(err))
		assert.Equal(t, types.StateFailed, snap.State)
	})

	t.Run("not in details entry", func(t *testing.T) {
		t.Parallel()
		s := newSaga(confirmedPayer(), &fakeDeployer{})
		_, err := s.Submit(types.KindWallet, "beef")
		require.NoError(t, err)

		_, err = s.SubmitDetails("Endgame", "END")
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("records trimmed details", func(t *testing.T) {
		t.Parallel()
		s := newSaga(confirmedPayer(), &fakeDeployer{})
		_, err := s.Submit(types.KindToken, "beef")
		require.NoError(t, err)

		snap, err := s.SubmitDetails(" Endgame ", "END ")
		require.NoError(t, err)
		assert.Equal(t, "Endgame", snap.TokenName)
		assert.Equal(t, "END", snap.TokenSymbol)
		assert.Equal(t, types.StatePaymentPending, snap.State)
	})
}

func TestSaga_Execute_Completes(t *testing.T) {
	t.Parallel()

	for _, kind := range []types.Kind{types.KindToken, types.KindWallet} {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			t.Parallel()

			var (
				mu     sync.Mutex
				states []types.State
			)
			payer := confirmedPayer()
			deployer := &fakeDeployer{}
			s := newSaga(payer, deployer, WithObserver(func(tr Transition) {
				mu.Lock()
				defer mu.Unlock()
				states = append(states, tr.To)
			}))
			toPaymentPending(t, s, kind)

			snap, err := s.Execute(context.Background())
			require.NoError(t, err)
			assert.Equal(t, types.StateCompleted, snap.State)
			assert.Equal(t, txHash, snap.PaymentTxHash)
			assert.True(t, snap.PaymentConfirmed)
			assert.Equal(t, tokenAddress, snap.ArtifactAddress)
			assert.Equal(t, "https://sepolia.etherscan.io/tx/"+txHash, snap.TxURL)
			assert.Equal(t, "https://sepolia.etherscan.io/address/"+tokenAddress, snap.ArtifactURL)

			require.Equal(t, 1, deployer.callCount())
			assert.True(t, deployer.calls[0].PaymentConfirmed)
			assert.Equal(t, "420de2ed69", deployer.calls[0].Suffix)

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []types.State{
				types.StateAwaitingConfirmation,
				types.StateDeploying,
				types.StateCompleted,
			}, states[len(states)-3:])
		})
	}
}

func TestSaga_Execute_PaymentFailuresNeverDeploy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		outcome  *types.PaymentOutcome
		err      error
		wantKind types.ErrorKind
		wantHash string
	}{
		{
			name:     "wallet rejects submission",
			err:      types.NewWalletError("wallet refused to sign payment", errors.New("user rejected")),
			wantKind: types.ErrWallet,
		},
		{
			name:     "chain rejects transaction",
			outcome:  &types.PaymentOutcome{TxHash: txHash},
			err:      types.NewChainRejectedError("payment", errors.New("reverted")),
			wantKind: types.ErrChainRejected,
			wantHash: txHash,
		},
		{
			name:     "confirmation times out",
			outcome:  &types.PaymentOutcome{TxHash: txHash},
			err:      types.NewConfirmationTimeoutError(txHash, context.DeadlineExceeded),
			wantKind: types.ErrConfirmationTimeout,
			wantHash: txHash,
		},
		{
			name:     "untyped error",
			err:      errors.New("boom"),
			wantKind: types.ErrChainRejected,
		},
		{
			name:     "success without confirmation",
			outcome:  &types.PaymentOutcome{TxHash: txHash},
			wantKind: types.ErrConfirmationTimeout,
			wantHash: txHash,
		},
		{
			name:     "success without outcome",
			wantKind: types.ErrChainRejected,
		},
		{
			name:     "confirmed without hash",
			outcome:  &types.PaymentOutcome{Confirmed: true},
			wantKind: types.ErrChainRejected,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			payer := &fakePayer{outcome: tt.outcome, err: tt.err}
			deployer := &fakeDeployer{}
			s := newSaga(payer, deployer)
			toPaymentPending(t, s, types.KindToken)

			snap, err := s.Execute(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, types.KindOf(err))
			assert.Equal(t, types.StateFailed, snap.State)
			require.NotNil(t, snap.Failure)
			assert.Equal(t, tt.wantKind, snap.Failure.Kind)
			assert.Equal(t, tt.wantHash, snap.PaymentTxHash)
			assert.False(t, snap.PaymentConfirmed)
			assert.Zero(t, deployer.callCount())
		})
	}
}

func TestSaga_DeploymentFailureRetainsPayment(t *testing.T) {
	t.Parallel()

	payer := confirmedPayer()
	deployer := &fakeDeployer{results: []error{types.NewDeploymentError("deployment service returned 500", nil)}}
	s := newSaga(payer, deployer)
	toPaymentPending(t, s, types.KindToken)

	snap, err := s.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrDeployment, types.KindOf(err))
	assert.Equal(t, types.StateFailed, snap.State)
	assert.Equal(t, txHash, snap.PaymentTxHash)
	assert.True(t, snap.PaymentConfirmed)
	assert.True(t, snap.Retryable)

	t.Run("new submit is refused", func(t *testing.T) {
		_, err := s.Submit(types.KindWallet, "beef")
		assert.ErrorIs(t, err, ErrUnconsumedPayment)
		assert.Equal(t, txHash, s.Snapshot().PaymentTxHash)
	})

	t.Run("retry redeploys without paying again", func(t *testing.T) {
		snap, err := s.Retry(context.Background())
		require.NoError(t, err)
		assert.Equal(t, types.StateCompleted, snap.State)
		assert.Equal(t, txHash, snap.PaymentTxHash)
		assert.Nil(t, snap.Failure)

		pays, awaits := payer.calls()
		assert.Equal(t, 1, pays)
		assert.Zero(t, awaits)
		assert.Equal(t, 2, deployer.callCount())
	})

	t.Run("completed commission is not retryable", func(t *testing.T) {
		_, err := s.Retry(context.Background())
		assert.ErrorIs(t, err, ErrNotRetryable)
	})
}

func TestSaga_UntypedDeploymentErrorIsWrapped(t *testing.T) {
	t.Parallel()

	s := newSaga(confirmedPayer(), &fakeDeployer{results: []error{errors.New("connection reset")}})
	toPaymentPending(t, s, types.KindWallet)

	snap, err := s.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrDeployment, types.KindOf(err))
	assert.Equal(t, types.ErrDeployment, snap.Failure.Kind)
	assert.Contains(t, snap.Failure.Message, "connection reset")
}

func TestSaga_RetryAfterConfirmationTimeout(t *testing.T) {
	t.Parallel()

	payer := &fakePayer{
		outcome:      &types.PaymentOutcome{TxHash: txHash},
		err:          types.NewConfirmationTimeoutError(txHash, context.DeadlineExceeded),
		awaitOutcome: &types.PaymentOutcome{Confirmed: true},
	}
	deployer := &fakeDeployer{}
	s := newSaga(payer, deployer)
	toPaymentPending(t, s, types.KindWallet)

	snap, err := s.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, snap.Retryable)

	_, err = s.Submit(types.KindWallet, "beef")
	assert.ErrorIs(t, err, ErrUnconsumedPayment)

	snap, err = s.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, snap.State)
	assert.Equal(t, txHash, snap.PaymentTxHash)
	assert.Equal(t, "0xkey", snap.SecondaryMaterial)

	pays, awaits := payer.calls()
	assert.Equal(t, 1, pays)
	assert.Equal(t, 1, awaits)
	assert.Equal(t, 1, deployer.callCount())
}

func TestSaga_RetryTimesOutAgain(t *testing.T) {
	t.Parallel()

	timeout := types.NewConfirmationTimeoutError(txHash, context.DeadlineExceeded)
	payer := &fakePayer{outcome: &types.PaymentOutcome{TxHash: txHash}, err: timeout, awaitErr: timeout}
	deployer := &fakeDeployer{}
	s := newSaga(payer, deployer)
	toPaymentPending(t, s, types.KindWallet)

	_, err := s.Execute(context.Background())
	require.Error(t, err)

	snap, err := s.Retry(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrConfirmationTimeout, types.KindOf(err))
	assert.Equal(t, types.StateFailed, snap.State)
	assert.Equal(t, txHash, snap.PaymentTxHash)
	assert.Zero(t, deployer.callCount())
}

func TestSaga_RetryUnconfirmedAwaitNeverDeploys(t *testing.T) {
	t.Parallel()

	payer := &fakePayer{
		outcome: &types.PaymentOutcome{TxHash: txHash},
		err:     types.NewConfirmationTimeoutError(txHash, context.DeadlineExceeded),
	}
	deployer := &fakeDeployer{}
	s := newSaga(payer, deployer)
	toPaymentPending(t, s, types.KindWallet)

	_, err := s.Execute(context.Background())
	require.Error(t, err)

	// AwaitConfirmation answers without error but without a receipt
	snap, err := s.Retry(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrConfirmationTimeout, types.KindOf(err))
	assert.Equal(t, types.StateFailed, snap.State)
	assert.False(t, snap.PaymentConfirmed)
	assert.True(t, snap.Retryable)
	assert.Zero(t, deployer.callCount())
}

func TestSaga_SubmitRefusedWhilePaymentPending(t *testing.T) {
	t.Parallel()

	payer := confirmedPayer()
	s := newSaga(payer, &fakeDeployer{})
	first, err := s.Submit(types.KindWallet, "abcd")
	require.NoError(t, err)

	snap, err := s.Submit(types.KindWallet, "beef")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, first.ID, snap.ID)
	assert.Equal(t, types.StatePaymentPending, snap.State)
	assert.Equal(t, "abcd", snap.Suffix)

	_, err = s.Reset()
	require.NoError(t, err)
	snap, err = s.Submit(types.KindWallet, "beef")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, snap.ID)

	pays, _ := payer.calls()
	assert.Zero(t, pays)
}

func TestSaga_RetryNotAllowed(t *testing.T) {
	t.Parallel()

	payer := &fakePayer{err: types.NewWalletError("cannot pay", clients.ErrWalletDisconnected)}
	s := newSaga(payer, &fakeDeployer{})

	_, err := s.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNotRetryable)

	toPaymentPending(t, s, types.KindWallet)
	_, err = s.Execute(context.Background())
	require.Error(t, err)

	_, err = s.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNotRetryable)

	// a wallet failure spent nothing, so a new commission may start
	_, err = s.Submit(types.KindWallet, "beef")
	assert.NoError(t, err)
}

func TestSaga_ResetDiscardsConfirmedPayment(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	rec := &countingRecorder{}
	s := newSaga(confirmedPayer(), &fakeDeployer{results: []error{types.NewDeploymentError("down", nil)}},
		WithLogger(logger.NewFromZap(zap.New(core))),
		WithMetrics(rec),
	)
	toPaymentPending(t, s, types.KindWallet)
	_, err := s.Execute(context.Background())
	require.Error(t, err)

	snap, err := s.Reset()
	require.NoError(t, err)
	assert.Equal(t, types.StateSuffixEntry, snap.State)
	assert.Empty(t, snap.PaymentTxHash)

	warn := logs.FilterMessage("discarding confirmed payment without artifact").All()
	require.Len(t, warn, 1)
	assert.Equal(t, zapcore.WarnLevel, warn[0].Level)
	assert.Equal(t, txHash, warn[0].ContextMap()["tx_hash"])
	assert.Equal(t, 1, rec.count("payment_discarded"))

	_, err = s.Submit(types.KindWallet, "beef")
	assert.NoError(t, err)
}

func TestSaga_ResetFromDetailsAndCompleted(t *testing.T) {
	t.Parallel()

	rec := &countingRecorder{}
	s := newSaga(confirmedPayer(), &fakeDeployer{}, WithMetrics(rec))

	_, err := s.Submit(types.KindToken, "beef")
	require.NoError(t, err)
	snap, err := s.Reset()
	require.NoError(t, err)
	assert.Equal(t, types.StateSuffixEntry, snap.State)

	toPaymentPending(t, s, types.KindWallet)
	_, err = s.Execute(context.Background())
	require.NoError(t, err)
	snap, err = s.Reset()
	require.NoError(t, err)
	assert.Equal(t, types.StateSuffixEntry, snap.State)
	assert.Zero(t, rec.count("payment_discarded"))
}

func TestSaga_NonPositiveFeeKeepsDefault(t *testing.T) {
	t.Parallel()

	for _, fee := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		s := newSaga(confirmedPayer(), &fakeDeployer{}, WithFee(fee))
		assert.Equal(t, "10000000000000000", s.Fee().String())
	}
}

func TestSaga_BusyWhileInFlight(t *testing.T) {
	t.Parallel()

	payer := confirmedPayer()
	payer.gate = make(chan struct{})
	s := newSaga(payer, &fakeDeployer{})
	toPaymentPending(t, s, types.KindWallet)

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background())
		done <- err
	}()

	require.Eventually(t, s.InFlight, waitFor, pollEvery)

	_, err := s.Submit(types.KindWallet, "dead")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.Reset()
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.Execute(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.Retry(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, types.StatePaymentPending, s.Snapshot().State)

	close(payer.gate)
	require.NoError(t, <-done)
	assert.Equal(t, types.StateCompleted, s.Snapshot().State)
	assert.False(t, s.InFlight())
}

func TestSaga_StartRunsInBackground(t *testing.T) {
	t.Parallel()

	payer := confirmedPayer()
	payer.gate = make(chan struct{})
	deployer := &fakeDeployer{results: []error{errors.New("deployer unavailable")}}
	s := newSaga(payer, deployer)
	toPaymentPending(t, s, types.KindWallet)

	done, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, s.InFlight())

	_, err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(payer.gate)
	err = <-done
	require.Error(t, err)
	assert.Equal(t, types.ErrDeployment, types.KindOf(err))
	assert.True(t, s.Snapshot().Retryable)

	done, err = s.StartRetry(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-done)

	snap := s.Snapshot()
	assert.Equal(t, types.StateCompleted, snap.State)
	assert.Equal(t, txHash, snap.PaymentTxHash)
	pays, _ := payer.calls()
	assert.Equal(t, 1, pays)

	_, err = s.StartRetry(context.Background())
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestSaga_ExecuteRequiresPaymentPending(t *testing.T) {
	t.Parallel()

	payer := confirmedPayer()
	deployer := &fakeDeployer{}
	s := newSaga(payer, deployer)

	_, err := s.Execute(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = s.Submit(types.KindToken, "beef")
	require.NoError(t, err)
	_, err = s.Execute(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)

	pays, _ := payer.calls()
	assert.Zero(t, pays)
	assert.Zero(t, deployer.callCount())
}

func TestSaga_SubmittedHashVisibleDuringConfirmation(t *testing.T) {
	t.Parallel()

	backendGate := make(chan struct{})
	payer := &tracingPayer{gate: backendGate}
	s := New(payer, &fakeDeployer{})
	_, err := s.Submit(types.KindWallet, "beef")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return s.Snapshot().State == types.StateAwaitingConfirmation
	}, waitFor, pollEvery)
	assert.Equal(t, txHash, s.Snapshot().PaymentTxHash)
	assert.False(t, s.Snapshot().PaymentConfirmed)

	close(backendGate)
	require.NoError(t, <-done)
}

func TestSaga_PassesFeeAndWallet(t *testing.T) {
	t.Parallel()

	payer := confirmedPayer()
	fee := big.NewInt(12345)
	s := newSaga(payer, &fakeDeployer{}, WithFee(fee), WithWallet(stubWallet{}))
	toPaymentPending(t, s, types.KindWallet)

	_, err := s.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, fee.Cmp(payer.gotFee))
}

// tracingPayer reports submission through the payment trace, then blocks on
// gate before confirming.
type tracingPayer struct {
	gate chan struct{}
}

func (p *tracingPayer) Pay(ctx context.Context, _ *big.Int, _ clients.Wallet) (*types.PaymentOutcome, error) {
	clients.NotifySubmitted(ctx, txHash)
	<-p.gate
	return &types.PaymentOutcome{TxHash: txHash, Confirmed: true}, nil
}

func (p *tracingPayer) AwaitConfirmation(context.Context, string) (*types.PaymentOutcome, error) {
	return nil, errors.New("unexpected")
}

type stubWallet struct{}

func (stubWallet) CurrentAccount() common.Address { return common.Address{} }
func (stubWallet) IsConnected() bool              { return true }
func (stubWallet) SignTx(context.Context, *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	return nil, errors.New("not used")
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) IncCounter(name string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[name]++
}

func (r *countingRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

func (r *countingRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func TestSaga_TransitionsCarryPaymentAndArtifact(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []Transition
	)
	s := newSaga(confirmedPayer(), &fakeDeployer{}, WithObserver(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, tr)
	}))
	toPaymentPending(t, s, types.KindToken)

	_, err := s.Execute(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	last := events[len(events)-1]
	assert.Equal(t, types.StateCompleted, last.To)
	assert.Equal(t, types.KindToken, last.Kind)
	assert.Equal(t, "420de2ed69", last.Suffix)
	assert.Equal(t, txHash, last.TxHash)
	assert.Equal(t, tokenAddress, last.ArtifactAddress)
	assert.Equal(t, s.Snapshot().ID, last.CommissionID)
}

func TestSaga_Spans(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	deployer := &fakeDeployer{results: []error{types.NewDeploymentError("deployment service returned 500", nil)}}
	s := newSaga(confirmedPayer(), deployer, WithTracer(tp.Tracer("test")))
	toPaymentPending(t, s, types.KindWallet)

	_, err := s.Execute(context.Background())
	require.Error(t, err)
	_, err = s.Retry(context.Background())
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 3)

	names := make([]string, 0, len(spans))
	for _, sp := range spans {
		names = append(names, sp.Name())
	}
	assert.Equal(t, []string{"commission.pay", "commission.deploy", "commission.deploy"}, names)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, codes.Unset, spans[2].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "wallet", attrs["kind"])
	assert.Equal(t, txHash, attrs["tx_hash"])
}
