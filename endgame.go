// Package endgame commissions vanity-suffix artifacts: an ERC-20 token
// contract or an externally owned wallet whose address ends in a chosen hex
// suffix. A commission is paid on chain first and then produced by the
// deployment service; sessions are driven by the saga package.
package endgame

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/winksdotfun/endgame/clients"
	"github.com/winksdotfun/endgame/config"
	"github.com/winksdotfun/endgame/deployment"
	"github.com/winksdotfun/endgame/ledger"
	"github.com/winksdotfun/endgame/logger"
	"github.com/winksdotfun/endgame/metrics"
	"github.com/winksdotfun/endgame/saga"
	"github.com/winksdotfun/endgame/types"
	"github.com/winksdotfun/endgame/utils"
	"github.com/winksdotfun/endgame/verification"
)

// runSlack is added on top of the confirmation and deployment bounds when
// the run timeout is derived from config.
const runSlack = 30 * time.Second

const DefaultTimeout = 5 * time.Minute

// Endgame holds the shared payer, deployer and settings every session saga
// is built from.
type Endgame struct {
	payer     clients.Payer
	deployer  deployment.Deployer
	wallet    clients.Wallet
	fee       *big.Int
	network   types.Network
	suggester *utils.Suggester
	logger    logger.Logger
	metrics   metrics.Recorder
	timeout   time.Duration
	ledger    *ledger.Store

	closeFn func()
}

// New creates an Endgame over an existing payer and deployer.
func New(payer clients.Payer, deployer deployment.Deployer, opts ...Option) (*Endgame, error) {
	if payer == nil {
		return nil, fmt.Errorf("payer is required")
	}
	if deployer == nil {
		return nil, fmt.Errorf("deployer is required")
	}

	e, err := newEndgame(opts...)
	if err != nil {
		return nil, err
	}
	e.payer = payer
	e.deployer = deployer
	return e, nil
}

// NewFromConfig dials the configured RPC endpoint and builds the EVM payer,
// the keyed wallet (when a private key is set) and the deployment client
// behind an artifact verifier. Without a private key every payment fails
// with a wallet error.
func NewFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Endgame, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC_URL is required")
	}

	base := []Option{
		WithFee(cfg.FeeWei()),
		WithNetwork(cfg.Network),
		WithTimeout(cfg.ConfirmationTimeout + cfg.DeploymentTimeout + runSlack),
	}
	e, err := newEndgame(append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	chain, err := clients.DialChain(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	closers := []func(){chain.Close}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	payer, err := clients.NewEVMPayer(chain,
		clients.WithContract(cfg.Contract()),
		clients.WithConfirmationTimeout(cfg.ConfirmationTimeout),
		clients.WithPollInterval(cfg.ReceiptPollInterval),
		clients.WithPayerLogger(e.logger),
		clients.WithPayerMetrics(e.metrics),
	)
	if err != nil {
		closeAll()
		return nil, err
	}

	if e.wallet == nil && cfg.EVMPrivateKey != "" {
		wallet, err := clients.NewKeyedWallet(cfg.EVMPrivateKey, cfg.ChainID())
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to load payment wallet: %w", err)
		}
		e.wallet = wallet
	}
	if e.wallet == nil {
		e.logger.Warn("no payment wallet configured; payments will fail", nil)
	}

	verifyOpts := []verification.Option{
		verification.WithMode(verification.Mode(cfg.VerifyMode)),
		verification.WithLogger(e.logger),
		verification.WithMetrics(e.metrics),
	}
	if cfg.VerifyRPCURL != "" {
		deployChain, err := clients.DialChain(ctx, cfg.VerifyRPCURL)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, deployChain.Close)
		verifyOpts = append(verifyOpts, verification.WithChain(deployChain))
	}

	client := deployment.NewClient(cfg.DeployerURL,
		deployment.WithTimeout(cfg.DeploymentTimeout),
		deployment.WithNetwork(cfg.DeployNetwork),
		deployment.WithLogger(e.logger),
		deployment.WithMetrics(e.metrics),
	)
	verifier, err := verification.New(client, verifyOpts...)
	if err != nil {
		closeAll()
		return nil, err
	}

	if e.ledger == nil && cfg.LedgerPath != "" {
		store, err := ledger.Open(ctx, cfg.LedgerPath)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				e.logger.Warn("failed to close ledger", map[string]any{"error": err.Error()})
			}
		})
		e.ledger = store
	}

	e.payer = payer
	e.deployer = verifier
	e.closeFn = closeAll

	fields := map[string]any{
		"network":  string(e.network),
		"contract": payer.Contract().Hex(),
		"fee_eth":  utils.FormatEther(e.fee),
		"deployer": cfg.DeployerURL,
		"verify":   cfg.VerifyMode,
	}
	if e.wallet != nil {
		fields["payer"] = e.wallet.CurrentAccount().Hex()
	}
	if cfg.LedgerPath != "" {
		fields["ledger"] = cfg.LedgerPath
	}
	e.logger.Info("endgame initialized", fields)
	return e, nil
}

func newEndgame(opts ...Option) (*Endgame, error) {
	e := &Endgame{
		network: types.NetworkSepolia,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fee == nil {
		e.fee, _ = utils.ParseEther(types.DefaultCommissionFee)
	}
	if e.fee.Sign() <= 0 {
		return nil, fmt.Errorf("commission fee: %w", clients.ErrInvalidFee)
	}
	if e.suggester == nil {
		e.suggester = utils.NewSuggester(nil, utils.DefaultSuggestionCount)
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	return e, nil
}

// NewSession returns a saga for one client. extra options are applied after
// the shared ones.
func (e *Endgame) NewSession(extra ...saga.Option) *saga.Saga {
	opts := []saga.Option{
		saga.WithWallet(e.wallet),
		saga.WithFee(e.fee),
		saga.WithNetwork(e.network),
		saga.WithSuggester(e.suggester),
		saga.WithLogger(e.logger),
		saga.WithMetrics(e.metrics),
	}
	if e.ledger != nil {
		opts = append(opts, saga.WithObserver(e.ledger.Observer(e.logger, 0)))
	}
	return saga.New(e.payer, e.deployer, append(opts, extra...)...)
}

// Ledger returns the commission ledger, or nil when none is configured.
func (e *Endgame) Ledger() *ledger.Store {
	return e.ledger
}

// Suggester is shared by all sessions.
func (e *Endgame) Suggester() *utils.Suggester {
	return e.suggester
}

// Fee returns a copy of the commission fee in wei.
func (e *Endgame) Fee() *big.Int {
	return new(big.Int).Set(e.fee)
}

func (e *Endgame) Network() types.Network {
	return e.network
}

// Timeout bounds one Execute or Retry run.
func (e *Endgame) Timeout() time.Duration {
	return e.timeout
}

// Close releases the RPC connections and ledger opened by NewFromConfig.
func (e *Endgame) Close() {
	if e.closeFn != nil {
		e.closeFn()
	}
}
