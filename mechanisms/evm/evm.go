// Package evm provides the shared network configuration, signer contracts,
// and wire types consumed by the exact-scheme EIP-3009 client, server, and
// facilitator implementations.
package evm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SchemeExact is the scheme identifier for the EIP-3009 transferWithAuthorization payment scheme.
const SchemeExact = "exact"

// ClockSkewBuffer is the grace window applied on both ends of an
// authorization's validity window to absorb clock skew between the client,
// facilitator, and chain. validAfter is backdated by this amount and
// expiry checks tolerate authorizations up to this far past validBefore.
const ClockSkewBuffer = 60 * time.Second

// AssetInfo describes an ERC-20 token accepted on a given network, along
// with the name/version pair its EIP-712 domain was deployed with.
type AssetInfo struct {
	Address string
	Name    string
	Version string
	Decimals uint8
}

// NetworkConfig holds the defaults used when a payment requirement omits an
// explicit asset for a given EVM chain.
type NetworkConfig struct {
	ChainID         *big.Int
	RPCURL          string
	DefaultAsset    AssetInfo
	SupportedAssets map[string]AssetInfo
}

var v1Aliases = map[string]string{
	"base":         "eip155:8453",
	"base-sepolia": "eip155:84532",
	"avalanche":    "eip155:43114",
	"avalanche-fuji": "eip155:43113",
}

// NetworkConfigs is the registry of known EVM CAIP-2 networks, keyed by
// "eip155:<chain id>".
var NetworkConfigs = map[string]*NetworkConfig{
	"eip155:1": {
		ChainID: big.NewInt(1),
		RPCURL:  "https://eth.llamarpc.com",
		DefaultAsset: AssetInfo{
			Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			Name:    "USD Coin", Version: "2", Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Name: "USD Coin", Version: "2", Decimals: 6},
		},
	},
	"eip155:8453": {
		ChainID: big.NewInt(8453),
		RPCURL:  "https://mainnet.base.org",
		DefaultAsset: AssetInfo{
			Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Name:    "USD Coin", Version: "2", Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Name: "USD Coin", Version: "2", Decimals: 6},
		},
	},
	"eip155:84532": {
		ChainID: big.NewInt(84532),
		RPCURL:  "https://sepolia.base.org",
		DefaultAsset: AssetInfo{
			Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:    "USDC", Version: "2", Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Name: "USDC", Version: "2", Decimals: 6},
		},
	},
	"eip155:43114": {
		ChainID: big.NewInt(43114),
		RPCURL:  "https://api.avax.network/ext/bc/C/rpc",
		DefaultAsset: AssetInfo{
			Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
			Name:    "USD Coin", Version: "2", Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Name: "USD Coin", Version: "2", Decimals: 6},
		},
	},
	"eip155:43113": {
		ChainID: big.NewInt(43113),
		RPCURL:  "https://api.avax-test.network/ext/bc/C/rpc",
		DefaultAsset: AssetInfo{
			Address: "0x5425890298aed601595a70AB815c96711a31Bc65",
			Name:    "USD Coin", Version: "2", Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0x5425890298aed601595a70AB815c96711a31Bc65", Name: "USD Coin", Version: "2", Decimals: 6},
		},
	},
}

// NormalizeNetwork resolves a V1 alias or a CAIP-2 identifier to its
// canonical CAIP-2 form.
func NormalizeNetwork(network string) (string, error) {
	if alias, ok := v1Aliases[network]; ok {
		return alias, nil
	}
	if _, ok := NetworkConfigs[network]; ok {
		return network, nil
	}
	return "", fmt.Errorf("unsupported evm network: %s", network)
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
	return NetworkConfigs[caip2], nil
}

// GetAssetInfo looks up a token by address or symbol on network.
func GetAssetInfo(network, asset string) (*AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	if info, ok := config.SupportedAssets[asset]; ok {
		return &info, nil
	}
	for _, info := range config.SupportedAssets {
		if strings.EqualFold(info.Address, asset) {
			return &info, nil
		}
	}
	if strings.EqualFold(config.DefaultAsset.Address, asset) {
		return &config.DefaultAsset, nil
	}
	return nil, fmt.Errorf("asset %s is not registered on network %s", asset, network)
}

// IsValidAddress reports whether addr is a syntactically valid EVM hex address.
func IsValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// ParseAmount converts a decimal amount string (e.g. "1.50") to the token's
// smallest unit given its decimals, using exact big.Rat arithmetic.
func ParseAmount(amount string, decimals uint8) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount: %s", amount)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))

	if !rat.IsInt() {
		return nil, fmt.Errorf("amount %s has more precision than %d decimals allows", amount, decimals)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("amount %s is negative", amount)
	}
	return rat.Num(), nil
}

// FormatAmount renders a smallest-unit integer amount as a decimal string
// with the given number of decimals, trimming trailing zeros.
func FormatAmount(amount *big.Int, decimals uint8) string {
	if decimals == 0 {
		return amount.String()
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int)
	frac := new(big.Int)
	whole.QuoRem(amount, scale, frac)

	fracStr := frac.String()
	for len(fracStr) < int(decimals) {
		fracStr = "0" + fracStr
	}
	fracStr = strings.TrimRight(fracStr, "0")

	if fracStr == "" {
		return whole.String()
	}
	return whole.String() + "." + fracStr
}

// CreateNonce generates a random 32-byte EIP-3009 nonce, hex-encoded with a
// 0x prefix.
func CreateNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return BytesToHex(buf), nil
}

// CreateValidityWindow returns (validAfter, validBefore) unix timestamps
// bounding an EIP-3009 authorization's validity. validAfter is backdated by
// ClockSkewBuffer so the authorization is usable immediately even if the
// signer's clock runs slightly ahead of the facilitator's; validBefore is
// validAfter plus buffer.
func CreateValidityWindow(buffer time.Duration) (*big.Int, *big.Int) {
	after := time.Now().Unix() - int64(ClockSkewBuffer.Seconds())
	validAfter := big.NewInt(after)
	validBefore := big.NewInt(after + int64(buffer.Seconds()))
	return validAfter, validBefore
}

// BytesToHex hex-encodes b with a leading 0x.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// HexToBytes decodes a 0x-prefixed (or bare) hex string.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
