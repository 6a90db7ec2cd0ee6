// Package svm provides the shared network configuration, signer contracts,
// and wire types consumed by the exact-scheme SPL token client, server, and
// facilitator implementations.
package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// SchemeExact is the scheme identifier for the SPL TransferChecked payment scheme.
const SchemeExact = "exact"

// CAIP-2 identifiers for the Solana clusters this package supports.
const (
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKQZheFnJgd3pLFT"
	SolanaTestnetCAIP2 = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"
)

// v1Aliases maps legacy V1 network aliases to their CAIP-2 equivalents.
var v1Aliases = map[string]string{
	"solana":        SolanaMainnetCAIP2,
	"solana-devnet": SolanaDevnetCAIP2,
	"solana-testnet": SolanaTestnetCAIP2,
}

// Compute budget defaults and ceilings for the exact scheme's transaction shape.
const (
	DefaultComputeUnitLimit             = uint32(200_000)
	DefaultComputeUnitPriceMicrolamports = uint64(10_000)
	MaxComputeUnitPriceMicrolamports     = int64(5_000_000)
)

// AssetInfo describes an SPL token mint accepted on a given network.
type AssetInfo struct {
	Address  string
	Decimals uint8
	Symbol   string
}

// NetworkConfig holds the defaults used when a payment requirement omits an
// explicit asset or RPC endpoint for a given Solana cluster.
type NetworkConfig struct {
	RPCURL       string
	DefaultAsset AssetInfo
	Assets       map[string]AssetInfo
}

var networks = map[string]*NetworkConfig{
	SolanaMainnetCAIP2: {
		RPCURL: "https://api.mainnet-beta.solana.com",
		DefaultAsset: AssetInfo{
			Address:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Decimals: 6,
			Symbol:   "USDC",
		},
		Assets: map[string]AssetInfo{
			"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": {
				Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6, Symbol: "USDC",
			},
		},
	},
	SolanaDevnetCAIP2: {
		RPCURL: "https://api.devnet.solana.com",
		DefaultAsset: AssetInfo{
			Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Decimals: 6,
			Symbol:   "USDC",
		},
		Assets: map[string]AssetInfo{
			"4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU": {
				Address: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", Decimals: 6, Symbol: "USDC",
			},
		},
	},
	SolanaTestnetCAIP2: {
		RPCURL: "https://api.testnet.solana.com",
		DefaultAsset: AssetInfo{
			Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Decimals: 6,
			Symbol:   "USDC",
		},
		Assets: map[string]AssetInfo{},
	},
}

// NormalizeNetwork resolves a V1 alias or a CAIP-2 identifier to its
// canonical CAIP-2 form.
func NormalizeNetwork(network string) (string, error) {
	if alias, ok := v1Aliases[network]; ok {
		return alias, nil
	}
	if _, ok := networks[network]; ok {
		return network, nil
	}
	return "", fmt.Errorf("unsupported solana network: %s", network)
}

// IsValidNetwork reports whether network is a known alias or CAIP-2 identifier.
func IsValidNetwork(network string) bool {
	_, err := NormalizeNetwork(network)
	return err == nil
}

// GetNetworkConfig returns the configuration registered for network, after
// normalizing V1 aliases.
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	caip2, err := NormalizeNetwork(network)
	if err != nil {
		return nil, err
	}
	return networks[caip2], nil
}

// GetAssetInfo looks up a specific mint's decimals/symbol on network.
func GetAssetInfo(network, asset string) (*AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	if info, ok := config.Assets[asset]; ok {
		return &info, nil
	}
	if config.DefaultAsset.Address == asset {
		return &config.DefaultAsset, nil
	}
	return nil, fmt.Errorf("asset %s is not registered on network %s", asset, network)
}

// ClientConfig overrides network defaults for a payer's own RPC usage.
type ClientConfig struct {
	RPCURL string
}

// ClientSvmSigner signs a partially-built transfer transaction on the
// payer's behalf. Implementations hold the payer's private key.
type ClientSvmSigner interface {
	Address() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// FacilitatorSvmSigner manages the fee-payer keys a facilitator uses to
// co-sign, simulate, submit, and confirm settlement transactions.
type FacilitatorSvmSigner interface {
	GetAddresses(ctx context.Context, network string) []solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction, feePayer solana.PublicKey, network string) error
	SimulateTransaction(ctx context.Context, tx *solana.Transaction, network string) error
	SendTransaction(ctx context.Context, tx *solana.Transaction, network string) (solana.Signature, error)
	ConfirmTransaction(ctx context.Context, signature solana.Signature, network string) error
}
