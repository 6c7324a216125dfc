package types

import (
	"fmt"
	"strings"
)

// Network identifies the chain the commission fee is paid on.
type Network string

const (
	NetworkSepolia     Network = "sepolia"
	NetworkMainnet     Network = "mainnet"
	NetworkHolesky     Network = "holesky"
	NetworkBaseSepolia Network = "base-sepolia"
)

func (n Network) String() string {
	return string(n)
}

// NetworkInfo contains metadata about a network
type NetworkInfo struct {
	Network     Network
	ChainID     int64
	Name        string
	ExplorerURL string
	IsTestnet   bool
}

// TxURL links to a transaction on the network's block explorer.
func (i NetworkInfo) TxURL(hash string) string {
	return fmt.Sprintf("%s/tx/%s", strings.TrimSuffix(i.ExplorerURL, "/"), hash)
}

// AddressURL links to an account or contract on the network's block explorer.
func (i NetworkInfo) AddressURL(address string) string {
	return fmt.Sprintf("%s/address/%s", strings.TrimSuffix(i.ExplorerURL, "/"), address)
}

var networkInfoMap = map[Network]NetworkInfo{
	NetworkSepolia: {
		Network:     NetworkSepolia,
		ChainID:     11155111,
		Name:        "Sepolia",
		ExplorerURL: "https://sepolia.etherscan.io",
		IsTestnet:   true,
	},
	NetworkHolesky: {
		Network:     NetworkHolesky,
		ChainID:     17000,
		Name:        "Holesky",
		ExplorerURL: "https://holesky.etherscan.io",
		IsTestnet:   true,
	},
	NetworkBaseSepolia: {
		Network:     NetworkBaseSepolia,
		ChainID:     84532,
		Name:        "Base Sepolia",
		ExplorerURL: "https://sepolia.basescan.org",
		IsTestnet:   true,
	},
	NetworkMainnet: {
		Network:     NetworkMainnet,
		ChainID:     1,
		Name:        "Ethereum",
		ExplorerURL: "https://etherscan.io",
	},
}

// GetNetworkInfo returns information about a network
func GetNetworkInfo(network Network) (NetworkInfo, error) {
	info, ok := networkInfoMap[network]
	if !ok {
		return NetworkInfo{}, fmt.Errorf("unknown network: %s", network)
	}
	return info, nil
}

// DefaultCommissionContract is the suffix purchase contract on Sepolia.
const DefaultCommissionContract = "0x745B31e60f5D8886CbeA44856e5C999a04595511"

// DefaultCommissionFee is the fixed fee in ETH.
const DefaultCommissionFee = "0.01"
