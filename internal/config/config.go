// Package config provides centralized configuration for klingswap.
// Protocol parameters (coins, dex fee, swap timing) are defined here;
// daemon settings loaded from disk live in daemon.go.
package config

import (
	"sort"
	"time"
)

// =============================================================================
// Network Types
// =============================================================================

// NetworkType represents mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Coin Definitions
// =============================================================================

// Coin represents a supported cryptocurrency.
type Coin struct {
	Symbol   string // e.g., "BTC"
	Name     string // e.g., "Bitcoin"
	Decimals uint8

	// Confirmations required before a counterparty payment is trusted.
	Confirmations        uint64
	TestnetConfirmations uint64

	// RequiresNotarization is true for chains whose blocks are only final
	// once notarized by a parent chain.
	RequiresNotarization bool

	// MinTradeAmount is the smallest volume accepted in smallest units.
	MinTradeAmount uint64

	// DustLimit is the smallest output the chain relays. The dex fee is
	// never lower than this.
	DustLimit uint64
}

// SupportedCoins defines all supported cryptocurrencies.
var SupportedCoins = map[string]Coin{
	"BTC": {
		Symbol:               "BTC",
		Name:                 "Bitcoin",
		Decimals:             8,
		Confirmations:        2,
		TestnetConfirmations: 1,
		MinTradeAmount:       10000, // 0.0001 BTC
		DustLimit:            546,
	},
	"LTC": {
		Symbol:               "LTC",
		Name:                 "Litecoin",
		Decimals:             8,
		Confirmations:        6,
		TestnetConfirmations: 1,
		MinTradeAmount:       100000, // 0.001 LTC
		DustLimit:            546,
	},
}

// GetCoin returns the coin configuration for a given symbol.
func GetCoin(symbol string) (Coin, bool) {
	coin, ok := SupportedCoins[symbol]
	return coin, ok
}

// IsCoinSupported returns true if the coin is supported.
func IsCoinSupported(symbol string) bool {
	_, ok := SupportedCoins[symbol]
	return ok
}

// ListSupportedCoins returns the supported coin symbols in sorted order.
func ListSupportedCoins() []string {
	coins := make([]string, 0, len(SupportedCoins))
	for symbol := range SupportedCoins {
		coins = append(coins, symbol)
	}
	sort.Strings(coins)
	return coins
}

// RequiredConfirmations returns the confirmation count for a coin on the
// given network, or 1 for unknown coins.
func RequiredConfirmations(symbol string, network NetworkType) uint64 {
	coin, ok := SupportedCoins[symbol]
	if !ok {
		return 1
	}
	if network == Testnet {
		return coin.TestnetConfirmations
	}
	return coin.Confirmations
}

// =============================================================================
// Dex Fee Configuration
// =============================================================================

// DexFeeConfig holds the protocol fee paid by the taker.
type DexFeeConfig struct {
	// RateBPS is the dex fee in basis points of the taker volume (100 = 1%).
	RateBPS uint64

	// DiscountCoin, when one side of the trade, lowers the rate to DiscountRateBPS.
	DiscountCoin    string
	DiscountRateBPS uint64

	// BurnShareBPS is the part of the fee sent to the burn output (2500 = 25%).
	BurnShareBPS uint64

	// FeeExemptCoins pays no dex fee when either side of the trade is listed.
	FeeExemptCoins map[string]bool

	// CollectorPubKey is the compressed secp256k1 key of the fee collector
	// (hex). A taker whose own key equals it pays no fee.
	CollectorPubKey string

	// BurnPubKey receives the burn share (hex, compressed secp256k1).
	BurnPubKey string
}

// DefaultDexFeeConfig returns the default dex fee configuration.
// Taker: 0.2%, 25% of every fee burned.
func DefaultDexFeeConfig() DexFeeConfig {
	return DexFeeConfig{
		RateBPS:         20,
		DiscountRateBPS: 18,
		BurnShareBPS:    2500,
		FeeExemptCoins:  map[string]bool{},
		CollectorPubKey: "03d8064eece4fa5c0f8dc0267f68cee9bdd527f9e88f3594a323428718c391ecc2",
		BurnPubKey:      "02afe7ac6ba5bdc8f2dc6e1e3e1ec6cdfcbe6b9f6e1e0c0bd2c3e6b0a34d6de7b3",
	}
}

// IsFeeExempt reports whether trading the coin pays no dex fee.
func (f DexFeeConfig) IsFeeExempt(symbol string) bool {
	return f.FeeExemptCoins[symbol]
}

// RateFor returns the dex fee rate for a pair.
func (f DexFeeConfig) RateFor(makerCoin, takerCoin string) uint64 {
	if f.DiscountCoin != "" && (makerCoin == f.DiscountCoin || takerCoin == f.DiscountCoin) {
		return f.DiscountRateBPS
	}
	return f.RateBPS
}

// =============================================================================
// Atomic Swap Configuration
// =============================================================================

// SwapConfig holds atomic swap timing and safety parameters.
type SwapConfig struct {
	// LockDuration is the base HTLC lock interval. The taker payment locks for
	// one interval, the maker payment for two and the taker funding for three.
	LockDuration time.Duration

	// MaxStartedAtDiff bounds the clock skew tolerated between the two sides.
	MaxStartedAtDiff time.Duration

	// MessageInterval is the rebroadcast period of repeating swap messages.
	MessageInterval time.Duration

	// NegotiationTimeout bounds every negotiation round trip.
	NegotiationTimeout time.Duration

	// ConfirmationPollInterval is how often confirmations are checked.
	ConfirmationPollInterval time.Duration

	// RefundRetryInterval is the backoff between failed refund attempts.
	RefundRetryInterval time.Duration

	// RequireMakerPaymentConfirmBeforeFundingSpend waits for the maker
	// payment to confirm before the taker funding is spent into the payment.
	RequireMakerPaymentConfirmBeforeFundingSpend bool

	// RequireMakerPaymentSpendConfirm waits for our maker payment spend to
	// confirm before the swap is reported as completed.
	RequireMakerPaymentSpendConfirm bool

	// LockTTL is the reentrancy lease lifetime; LockRenewInterval its renewal cadence.
	LockTTL           time.Duration
	LockRenewInterval time.Duration
}

// DefaultSwapConfig returns the default swap configuration.
func DefaultSwapConfig() SwapConfig {
	return SwapConfig{
		LockDuration:             7800 * time.Second,
		MaxStartedAtDiff:         60 * time.Second,
		MessageInterval:          30 * time.Second,
		NegotiationTimeout:       90 * time.Second,
		ConfirmationPollInterval: 15 * time.Second,
		RefundRetryInterval:      30 * time.Second,

		RequireMakerPaymentConfirmBeforeFundingSpend: true,
		RequireMakerPaymentSpendConfirm:              true,

		LockTTL:           60 * time.Second,
		LockRenewInterval: 20 * time.Second,
	}
}
