// Package config loads runtime settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/winksdotfun/endgame/types"
	"github.com/winksdotfun/endgame/utils"
)

// Config holds the application configuration
type Config struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port string `env:"PORT" envDefault:"8080" validate:"required,numeric"`

	RPCURL             string        `env:"RPC_URL"`
	Network            types.Network `env:"NETWORK"             envDefault:"sepolia"`
	CommissionContract string        `env:"COMMISSION_CONTRACT" envDefault:"0x745B31e60f5D8886CbeA44856e5C999a04595511" validate:"required,eth_addr"`
	CommissionFeeETH   string        `env:"COMMISSION_FEE_ETH"  envDefault:"0.01"`
	EVMPrivateKey      string        `env:"EVM_PRIVATE_KEY"`

	DeployerURL   string `env:"DEPLOYER_URL"   envDefault:"http://localhost:3000" validate:"required,url"`
	DeployNetwork string `env:"DEPLOY_NETWORK" envDefault:"goerli"                validate:"required"`

	VerifyMode   string `env:"VERIFY_MODE"    envDefault:"warn" validate:"oneof=off warn strict"`
	VerifyRPCURL string `env:"VERIFY_RPC_URL" validate:"omitempty,url"`

	ConfirmationTimeout time.Duration `env:"CONFIRMATION_TIMEOUT"  envDefault:"2m"  validate:"gt=0"`
	DeploymentTimeout   time.Duration `env:"DEPLOYMENT_TIMEOUT"    envDefault:"2m"  validate:"gt=0"`
	ReceiptPollInterval time.Duration `env:"RECEIPT_POLL_INTERVAL" envDefault:"2s"  validate:"gt=0"`
	SessionTTL          time.Duration `env:"SESSION_TTL"           envDefault:"30m" validate:"gt=0"`

	// LedgerPath enables the SQLite commission ledger when set.
	LedgerPath string `env:"LEDGER_PATH"`

	LogLevel      string `env:"LOG_LEVEL"      envDefault:"info" validate:"oneof=debug info warn error"`
	EnableMetrics bool   `env:"ENABLE_METRICS" envDefault:"true"`
	OTelEndpoint  string `env:"OTEL_ENDPOINT"  validate:"omitempty,url"`
	OTelService   string `env:"OTEL_SERVICE_NAME" envDefault:"endgame"`
}

// Load reads .env when present, then the process environment, and validates
// the result.
func Load() (*Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv parses and validates the process environment only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := types.GetNetworkInfo(c.Network); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := utils.ParseEther(c.CommissionFeeETH); err != nil {
		return fmt.Errorf("invalid config: COMMISSION_FEE_ETH: %w", err)
	}
	return nil
}

// FeeWei returns the commission fee in wei.
func (c *Config) FeeWei() *big.Int {
	wei, err := utils.ParseEther(c.CommissionFeeETH)
	if err != nil {
		return nil
	}
	return wei
}

// ChainID returns the chain id of the configured network.
func (c *Config) ChainID() *big.Int {
	info, err := types.GetNetworkInfo(c.Network)
	if err != nil {
		return nil
	}
	return big.NewInt(info.ChainID)
}

func (c *Config) Contract() common.Address {
	return common.HexToAddress(c.CommissionContract)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// CanPay reports whether the chain side is configured.
func (c *Config) CanPay() bool {
	return c.RPCURL != "" && c.EVMPrivateKey != ""
}
