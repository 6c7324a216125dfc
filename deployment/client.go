// Package deployment talks to the external service that generates suffix
// matched wallets and deploys suffix matched token contracts.
package deployment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/winksdotfun/endgame/logger"
	"github.com/winksdotfun/endgame/metrics"
	"github.com/winksdotfun/endgame/types"
	"github.com/winksdotfun/endgame/utils"
)

const (
	DefaultTimeout = 2 * time.Minute
	DefaultNetwork = "goerli"

	tokenPath  = "/api/deploy-token"
	walletPath = "/generate-wallet"

	// cap on how much of an error body is echoed back
	maxErrorBody = 512
)

var (
	ErrPaymentNotConfirmed = errors.New("payment is not confirmed")
	ErrUnknownKind         = errors.New("unknown commission kind")
)

// Deployer produces the commissioned artifact once payment is confirmed.
type Deployer interface {
	Deploy(ctx context.Context, c types.Commission) (*types.DeploymentResult, error)
}

type tokenRequest struct {
	TokenName     string `json:"tokenName"`
	TokenSymbol   string `json:"tokenSymbol"`
	TargetSuffix  string `json:"targetSuffix"`
	InitialSupply string `json:"initialSupply"`
	Decimals      int    `json:"decimals"`
	Network       string `json:"network"`
}

type tokenResponse struct {
	TokenAddress string `json:"tokenAddress" validate:"required,eth_addr"`
}

type walletRequest struct {
	Suffix string `json:"suffix"`
}

type walletResponse struct {
	Address    string `json:"address" validate:"required,eth_addr"`
	PrivateKey string `json:"privateKey" validate:"required"`
}

var _ Deployer = (*Client)(nil)

// Client calls the deployment service over HTTP. One request per Deploy call.
type Client struct {
	baseURL string
	network string
	timeout time.Duration
	client  *http.Client
	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Client) {
		if c != nil {
			d.client = c
		}
	}
}

func WithTimeout(t time.Duration) Option {
	return func(d *Client) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithNetwork sets the network name forwarded with token deployments.
func WithNetwork(network string) Option {
	return func(d *Client) {
		if network != "" {
			d.network = network
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(d *Client) {
		d.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(d *Client) {
		d.metrics = r
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	d := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		network: DefaultNetwork,
		timeout: DefaultTimeout,
		client:  http.DefaultClient,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deploy requests the artifact for c. It refuses to call out unless the
// commission's payment is confirmed. Every failure is a deployment error.
func (d *Client) Deploy(ctx context.Context, c types.Commission) (*types.DeploymentResult, error) {
	if !c.PaymentConfirmed {
		return nil, types.NewDeploymentError("refusing to deploy", ErrPaymentNotConfirmed)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	var (
		res *types.DeploymentResult
		err error
	)
	switch c.Kind {
	case types.KindToken:
		res, err = d.deployToken(ctx, c)
	case types.KindWallet:
		res, err = d.generateWallet(ctx, c)
	default:
		err = types.NewDeploymentError(fmt.Sprintf("cannot deploy %q", c.Kind), ErrUnknownKind)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.ObserveLatency("deploy", time.Since(start), map[string]string{
		metrics.LabelKind:    c.Kind.String(),
		metrics.LabelOutcome: outcome,
	})
	if err != nil {
		d.logger.Error("deployment failed", map[string]any{
			"commission_id": c.ID,
			"kind":          c.Kind.String(),
			"error":         err.Error(),
		})
		return nil, err
	}

	d.logger.Info("artifact deployed", map[string]any{
		"commission_id": c.ID,
		"kind":          c.Kind.String(),
		"address":       res.ArtifactAddress,
	})
	return res, nil
}

func (d *Client) deployToken(ctx context.Context, c types.Commission) (*types.DeploymentResult, error) {
	if c.TokenMeta == nil {
		return nil, types.NewDeploymentError("token commission has no name or symbol", nil)
	}

	body := tokenRequest{
		TokenName:     c.TokenMeta.Name,
		TokenSymbol:   c.TokenMeta.Symbol,
		TargetSuffix:  c.Suffix,
		InitialSupply: types.TokenInitialSupply,
		Decimals:      types.TokenDecimals,
		Network:       d.network,
	}

	var resp tokenResponse
	if err := d.post(ctx, tokenPath, body, &resp); err != nil {
		return nil, err
	}

	return &types.DeploymentResult{ArtifactAddress: resp.TokenAddress}, nil
}

func (d *Client) generateWallet(ctx context.Context, c types.Commission) (*types.DeploymentResult, error) {
	var resp walletResponse
	if err := d.post(ctx, walletPath, walletRequest{Suffix: c.Suffix}, &resp); err != nil {
		return nil, err
	}

	return &types.DeploymentResult{
		ArtifactAddress:   resp.Address,
		SecondaryMaterial: resp.PrivateKey,
	}, nil
}

func (d *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return types.NewDeploymentError("encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return types.NewDeploymentError("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return types.NewDeploymentError("deployment request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewDeploymentError("read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.NewDeploymentError(
			fmt.Sprintf("deployment service returned %s", resp.Status),
			errors.New(truncate(strings.TrimSpace(string(data)), maxErrorBody)),
		)
	}

	if err := utils.ParseJSON(data, out); err != nil {
		return types.NewDeploymentError("invalid deployment response", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
