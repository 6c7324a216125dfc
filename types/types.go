// Package types holds the data model shared by the commission saga, its
// payment and deployment clients, and the presenter-facing snapshot.
package types

import (
	"time"
)

// Kind selects which artifact a commission produces.
type Kind string

const (
	KindToken  Kind = "token"
	KindWallet Kind = "wallet"
)

func (k Kind) Valid() bool {
	return k == KindToken || k == KindWallet
}

func (k Kind) String() string {
	return string(k)
}

// State is a commission saga state.
type State string

const (
	StateSuffixEntry          State = "suffix_entry"
	StateDetailsEntry         State = "details_entry"
	StatePaymentPending       State = "payment_pending"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateDeploying            State = "deploying"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

// InFlight reports whether the saga is suspended on the chain or the
// deployment service in this state.
func (s State) InFlight() bool {
	return s == StatePaymentPending || s == StateAwaitingConfirmation || s == StateDeploying
}

// Terminal reports whether the state ends a saga run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) String() string {
	return string(s)
}

// TokenMeta carries the token-only details entered after the suffix.
type TokenMeta struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

// DeploymentResult is what the deployment service hands back.
// SecondaryMaterial is the generated private key for wallet commissions and
// is empty for tokens.
type DeploymentResult struct {
	ArtifactAddress   string `json:"artifactAddress"`
	SecondaryMaterial string `json:"-"`
}

// Failure records why a commission ended in StateFailed.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Commission is the unit of work for one saga run.
type Commission struct {
	ID     string
	Kind   Kind
	Suffix string

	// TokenMeta is set iff Kind == KindToken.
	TokenMeta *TokenMeta

	// PaymentTxHash is set once the payable call is submitted and never
	// changes afterwards.
	PaymentTxHash    string
	PaymentConfirmed bool

	Deployment *DeploymentResult

	State   State
	Failure *Failure

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentConsumed reports whether the confirmed fee has produced an artifact.
func (c *Commission) PaymentConsumed() bool {
	return c.PaymentConfirmed && c.Deployment != nil
}

// Retryable reports whether the commission can be resumed without paying
// again: either the payment is confirmed and only the deployment failed, or
// the confirmation wait timed out with a submitted transaction.
func (c *Commission) Retryable() bool {
	if c.State != StateFailed || c.Failure == nil || c.PaymentTxHash == "" {
		return false
	}
	switch c.Failure.Kind {
	case ErrDeployment:
		return c.PaymentConfirmed
	case ErrConfirmationTimeout:
		return !c.PaymentConfirmed
	default:
		return false
	}
}

// Snapshot is the presenter-facing view of a commission.
type Snapshot struct {
	ID                string   `json:"id,omitempty"`
	Kind              Kind     `json:"kind,omitempty"`
	State             State    `json:"state"`
	Suffix            string   `json:"suffix,omitempty"`
	TokenName         string   `json:"tokenName,omitempty"`
	TokenSymbol       string   `json:"tokenSymbol,omitempty"`
	PaymentTxHash     string   `json:"paymentTxHash,omitempty"`
	PaymentConfirmed  bool     `json:"paymentConfirmed"`
	ArtifactAddress   string   `json:"artifactAddress,omitempty"`
	SecondaryMaterial string   `json:"privateKey,omitempty"`
	Failure           *Failure `json:"failure,omitempty"`
	Retryable         bool     `json:"retryable"`
	TxURL             string   `json:"txUrl,omitempty"`
	ArtifactURL       string   `json:"artifactUrl,omitempty"`
}

// Snapshot copies the commission into its presenter view. Explorer links are
// resolved against network; an unknown network leaves them empty.
func (c *Commission) Snapshot(network Network) Snapshot {
	s := Snapshot{
		ID:               c.ID,
		Kind:             c.Kind,
		State:            c.State,
		Suffix:           c.Suffix,
		PaymentTxHash:    c.PaymentTxHash,
		PaymentConfirmed: c.PaymentConfirmed,
		Retryable:        c.Retryable(),
	}
	if c.TokenMeta != nil {
		s.TokenName = c.TokenMeta.Name
		s.TokenSymbol = c.TokenMeta.Symbol
	}
	if c.Deployment != nil {
		s.ArtifactAddress = c.Deployment.ArtifactAddress
		s.SecondaryMaterial = c.Deployment.SecondaryMaterial
	}
	if c.Failure != nil {
		f := *c.Failure
		s.Failure = &f
	}

	if info, err := GetNetworkInfo(network); err == nil {
		if s.PaymentTxHash != "" {
			s.TxURL = info.TxURL(s.PaymentTxHash)
		}
		if s.ArtifactAddress != "" {
			s.ArtifactURL = info.AddressURL(s.ArtifactAddress)
		}
	}

	return s
}
