package x402

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Network identifiers accepted by the engine. Both the x402 v1 names and the
// CAIP-2 chain ids are recognised.
const (
	NetworkSolana            = "solana"
	NetworkSolanaDevnet      = "solana-devnet"
	NetworkSolanaMainnetCAIP = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	NetworkSolanaDevnetCAIP  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
)

// USDC mint addresses.
const (
	USDCMainnet = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDevnet  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// AssetInfo describes a well-known payment asset on one network.
type AssetInfo struct {
	Symbol   string
	Mint     string
	Decimals int
}

var knownAssets = map[string][]AssetInfo{
	NetworkSolana: {
		{Symbol: "USDC", Mint: USDCMainnet, Decimals: 6},
		{Symbol: "SOL", Mint: NativeAsset, Decimals: NativeDecimals},
	},
	NetworkSolanaDevnet: {
		{Symbol: "USDC", Mint: USDCDevnet, Decimals: 6},
		{Symbol: "SOL", Mint: NativeAsset, Decimals: NativeDecimals},
	},
}

// CanonicalNetwork maps CAIP-2 identifiers onto the x402 v1 network names.
func CanonicalNetwork(network string) string {
	switch network {
	case NetworkSolanaMainnetCAIP, "solana-mainnet", "mainnet-beta":
		return NetworkSolana
	case NetworkSolanaDevnetCAIP, "devnet":
		return NetworkSolanaDevnet
	}
	return network
}

// IsNativeAsset reports whether asset names the native coin.
func IsNativeAsset(asset string) bool {
	switch strings.ToLower(asset) {
	case NativeAsset, "sol", "11111111111111111111111111111111":
		return true
	}
	return false
}

// LookupAsset resolves a symbol or mint on network to a known asset.
func LookupAsset(network, symbolOrMint string) (AssetInfo, bool) {
	if IsNativeAsset(symbolOrMint) {
		return AssetInfo{Symbol: "SOL", Mint: NativeAsset, Decimals: NativeDecimals}, true
	}
	for _, a := range knownAssets[CanonicalNetwork(network)] {
		if a.Mint == symbolOrMint || strings.EqualFold(a.Symbol, symbolOrMint) {
			return a, true
		}
	}
	return AssetInfo{}, false
}

// ToDisplay renders atomic units as a decimal string in display units.
func ToDisplay(atomic *big.Int, decimals int) string {
	if atomic == nil {
		return "0"
	}
	return decimal.NewFromBigInt(atomic, -int32(decimals)).String()
}

// FromDisplay converts a display-unit amount such as "0.05" into atomic units.
// Amounts with more fractional digits than decimals are rejected.
func FromDisplay(display string, decimals int) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(display))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", display, err)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", display, decimals)
	}
	return shifted.BigInt(), nil
}

// ParseAtomic parses a base-10 integer amount and requires it to be positive.
func ParseAtomic(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not an integer", s)
	}
	if n.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q is not positive", s)
	}
	return n, nil
}
