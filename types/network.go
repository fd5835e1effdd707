package types

import (
	"math/big"
	"sort"
)

// Network represents supported blockchain networks
type Network string

const (
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
	NetworkAnvil       Network = "anvil"        // local devnet
)

// NetworkInfo describes an EVM network and its default USDC deployment.
type NetworkInfo struct {
	Network      Network
	ChainID      int64
	USDC         string
	TokenName    string
	TokenVersion string
	Decimals     int
	Testnet      bool
}

var networks = map[Network]NetworkInfo{
	NetworkBase: {
		Network:      NetworkBase,
		ChainID:      8453,
		USDC:         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		TokenName:    "USD Coin",
		TokenVersion: "2",
		Decimals:     6,
	},
	NetworkBaseSepolia: {
		Network:      NetworkBaseSepolia,
		ChainID:      84532,
		USDC:         "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		TokenName:    "USDC",
		TokenVersion: "2",
		Decimals:     6,
		Testnet:      true,
	},
	NetworkPolygon: {
		Network:      NetworkPolygon,
		ChainID:      137,
		USDC:         "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		TokenName:    "USD Coin",
		TokenVersion: "2",
		Decimals:     6,
	},
	NetworkPolygonAmoy: {
		Network:      NetworkPolygonAmoy,
		ChainID:      80002,
		USDC:         "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		TokenName:    "USDC",
		TokenVersion: "2",
		Decimals:     6,
		Testnet:      true,
	},
	NetworkAnvil: {
		Network:      NetworkAnvil,
		ChainID:      31337,
		TokenName:    "USD Coin",
		TokenVersion: "2",
		Decimals:     6,
		Testnet:      true,
	},
}

// LookupNetwork returns the static description of a known network.
func LookupNetwork(n Network) (NetworkInfo, bool) {
	info, ok := networks[n]
	return info, ok
}

// KnownNetworks lists every network this module can verify, sorted by name.
func KnownNetworks() []Network {
	out := make([]Network, 0, len(networks))
	for n := range networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ChainID returns the EIP-155 chain id, or nil for unknown networks.
func (n Network) ChainID() *big.Int {
	info, ok := networks[n]
	if !ok {
		return nil
	}
	return big.NewInt(info.ChainID)
}

// IsEVM reports whether the network is a known EVM network.
func (n Network) IsEVM() bool {
	_, ok := networks[n]
	return ok
}

func (n Network) IsTestnet() bool {
	return networks[n].Testnet
}

func (n Network) String() string {
	return string(n)
}
