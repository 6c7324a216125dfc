package utils

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKeyFromHex creates a private key from hex string
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key cannot be empty")
	}

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		// the underlying error can echo key bytes
		return nil, fmt.Errorf("invalid private key")
	}
	return key, nil
}

// AddressFromPrivateKey derives the Ethereum address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// PrivateKeyMatchesAddress reports whether the hex private key controls
// address. Used to sanity check generated wallets.
func PrivateKeyMatchesAddress(hexKey, address string) bool {
	key, err := PrivateKeyFromHex(hexKey)
	if err != nil || !common.IsHexAddress(address) {
		return false
	}
	return AddressFromPrivateKey(key) == common.HexToAddress(address)
}
