// Package verification checks a delivered artifact against its commission
// before it is handed to the user.
package verification

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
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/winksdotfun/endgame/deployment"
	"github.com/winksdotfun/endgame/logger"
	"github.com/winksdotfun/endgame/metrics"
	"github.com/winksdotfun/endgame/types"
	"github.com/winksdotfun/endgame/utils"
)

const erc20ABI = `[
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const DefaultTimeout = 15 * time.Second

// Mode controls what happens when an artifact fails verification.
type Mode string

const (
	ModeOff Mode = "off"
	// ModeWarn logs and counts the mismatch but still delivers the artifact.
	ModeWarn Mode = "warn"
	// ModeStrict fails the commission with a deployment error, which leaves
	// it retryable.
	ModeStrict Mode = "strict"
)

var (
	ErrNoArtifact     = errors.New("no artifact delivered")
	ErrSuffixMismatch = errors.New("address does not end with requested suffix")
	ErrKeyMismatch    = errors.New("private key does not control address")
	ErrNoCode         = errors.New("no contract code at address")
	ErrTokenMismatch  = errors.New("token does not match commission")
)

// ChainReader is the read-only node access used for token checks.
type ChainReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ ChainReader = (*ethclient.Client)(nil)

// Result is the outcome of one verification.
type Result struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Verifier wraps a Deployer and verifies everything it delivers. Token
// contracts are only checked on chain when a ChainReader is configured.
type Verifier struct {
	next    deployment.Deployer
	chain   ChainReader
	mode    Mode
	timeout time.Duration
	erc20   abi.ABI
	logger  logger.Logger
	metrics metrics.Recorder
}

var _ deployment.Deployer = (*Verifier)(nil)

type Option func(*Verifier)

// WithChain enables on-chain token checks against the deployment network.
func WithChain(c ChainReader) Option {
	return func(v *Verifier) {
		v.chain = c
	}
}

func WithMode(m Mode) Option {
	return func(v *Verifier) {
		v.mode = m
	}
}

func WithTimeout(t time.Duration) Option {
	return func(v *Verifier) {
		if t > 0 {
			v.timeout = t
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(v *Verifier) {
		v.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(v *Verifier) {
		v.metrics = r
	}
}

func New(next deployment.Deployer, opts ...Option) (*Verifier, error) {
	if next == nil {
		return nil, fmt.Errorf("deployer is required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	v := &Verifier{
		next:    next,
		mode:    ModeWarn,
		timeout: DefaultTimeout,
		erc20:   parsed,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(v)
	}
	switch v.mode {
	case ModeOff, ModeWarn, ModeStrict:
	default:
		return nil, fmt.Errorf("unknown verification mode %q", v.mode)
	}
	return v, nil
}

// Deploy delegates to the wrapped deployer and verifies the result.
func (v *Verifier) Deploy(ctx context.Context, c types.Commission) (*types.DeploymentResult, error) {
	res, err := v.next.Deploy(ctx, c)
	if err != nil || v.mode == ModeOff {
		return res, err
	}
	if res == nil {
		return nil, types.NewDeploymentError("deployment failed", ErrNoArtifact)
	}

	result, err := v.Verify(ctx, c, res)
	if err != nil {
		// the check itself could not run; the artifact is still delivered
		v.logger.Warn("artifact verification unavailable", map[string]any{
			"commission_id": c.ID,
			"address":       res.ArtifactAddress,
			"error":         err.Error(),
		})
		v.count("artifact_unverifiable", c.Kind)
		return res, nil
	}
	if result.Valid {
		v.count("artifact_verified", c.Kind)
		return res, nil
	}

	fields := map[string]any{
		"commission_id": c.ID,
		"address":       res.ArtifactAddress,
		"suffix":        c.Suffix,
		"reason":        result.Error,
	}
	v.count("artifact_rejected", c.Kind)
	if v.mode == ModeStrict {
		v.logger.Error("artifact failed verification", fields)
		return nil, types.NewDeploymentError("artifact failed verification", errors.New(result.Error))
	}
	v.logger.Warn("artifact failed verification", fields)
	return res, nil
}

// Verify checks res against c. A mismatch is reported in the result; an
// error means the check could not be performed.
func (v *Verifier) Verify(ctx context.Context, c types.Commission, res *types.DeploymentResult) (*Result, error) {
	if res == nil {
		return invalid(ErrNoArtifact), nil
	}
	if err := utils.ValidateAddress(res.ArtifactAddress); err != nil {
		return invalid(fmt.Errorf("invalid address: %w", err)), nil
	}
	if !utils.HasSuffix(res.ArtifactAddress, c.Suffix) {
		return invalid(fmt.Errorf("%w: %s, %s", ErrSuffixMismatch, res.ArtifactAddress, c.Suffix)), nil
	}

	switch c.Kind {
	case types.KindWallet:
		if !utils.PrivateKeyMatchesAddress(res.SecondaryMaterial, res.ArtifactAddress) {
			return invalid(ErrKeyMismatch), nil
		}
	case types.KindToken:
		if v.chain == nil {
			break
		}
		ctx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()
		return v.verifyToken(ctx, c, common.HexToAddress(res.ArtifactAddress))
	}
	return &Result{Valid: true}, nil
}

func (v *Verifier) verifyToken(ctx context.Context, c types.Commission, token common.Address) (*Result, error) {
	code, err := v.chain.CodeAt(ctx, token, nil)
	if err != nil {
		return nil, fmt.Errorf("read code: %w", err)
	}
	if len(code) == 0 {
		return invalid(ErrNoCode), nil
	}

	var (
		name, symbol string
		decimals     uint8
		supply       *big.Int
	)
	if err := v.call(ctx, token, "name", &name); err != nil {
		return nil, err
	}
	if err := v.call(ctx, token, "symbol", &symbol); err != nil {
		return nil, err
	}
	if err := v.call(ctx, token, "decimals", &decimals); err != nil {
		return nil, err
	}
	if err := v.call(ctx, token, "totalSupply", &supply); err != nil {
		return nil, err
	}

	if c.TokenMeta != nil {
		if name != c.TokenMeta.Name {
			return invalid(fmt.Errorf("%w: name %q", ErrTokenMismatch, name)), nil
		}
		if symbol != c.TokenMeta.Symbol {
			return invalid(fmt.Errorf("%w: symbol %q", ErrTokenMismatch, symbol)), nil
		}
	}
	if int(decimals) != types.TokenDecimals {
		return invalid(fmt.Errorf("%w: decimals %d", ErrTokenMismatch, decimals)), nil
	}
	if supply == nil || supply.Cmp(ExpectedSupply()) != 0 {
		return invalid(fmt.Errorf("%w: total supply %s", ErrTokenMismatch, utils.FormatAmountFromBigInt(supply, types.TokenDecimals))), nil
	}
	return &Result{Valid: true}, nil
}

func (v *Verifier) call(ctx context.Context, token common.Address, method string, out any) error {
	data, err := v.erc20.Pack(method)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := v.chain.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	if err := v.erc20.UnpackIntoInterface(out, method, raw); err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	return nil
}

func (v *Verifier) count(name string, kind types.Kind) {
	v.metrics.IncCounter(name, map[string]string{
		metrics.LabelKind:    kind.String(),
		metrics.LabelOutcome: string(v.mode),
	})
}

// ExpectedSupply is the initial token supply in base units.
func ExpectedSupply() *big.Int {
	return decimal.RequireFromString(types.TokenInitialSupply).Shift(types.TokenDecimals).BigInt()
}

func invalid(err error) *Result {
	return &Result{Valid: false, Error: err.Error()}
}
