package types

// PaymentOutcome is returned by the payment executor. TxHash is populated as
// soon as the transaction is accepted by the node, even when the confirmation
// wait subsequently fails.
type PaymentOutcome struct {
	TxHash      string `json:"txHash"`
	Confirmed   bool   `json:"confirmed"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	GasUsed     uint64 `json:"gasUsed,omitempty"`
}

// Protocol constants sent with every token deployment request.
const (
	TokenInitialSupply = "8008135"
	TokenDecimals      = 18
)
