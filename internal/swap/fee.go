package swap

import (
	"bytes"
	"encoding/hex"

	"github.com/Klingon-tech/klingswap/internal/coin"
	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/pkg/helpers"
)

// DefaultMinDexFee is the fee floor for coins without a configured dust limit.
const DefaultMinDexFee = 1000

func minDexFee(ticker string) uint64 {
	if c, ok := config.GetCoin(ticker); ok && c.DustLimit > 0 {
		return c.DustLimit
	}
	return DefaultMinDexFee
}

// DexFeeUpperBound is the fee before the taker's key is known. Initialize
// reserves it for the balance check.
func DexFeeUpperBound(cfg config.DexFeeConfig, makerCoin, takerCoin string, volume uint64) coin.DexFee {
	if cfg.IsFeeExempt(makerCoin) || cfg.IsFeeExempt(takerCoin) {
		return coin.NoFee
	}
	return coin.DexFee{Fee: dexFeeTotal(cfg, makerCoin, takerCoin, volume)}
}

// ComputeDexFee is the fee actually paid. It is zero when either coin is
// exempt or when takerPub is the collector's own key, and never below the
// taker coin's dust limit otherwise. A burn share is split off only when
// both parts stay above dust.
func ComputeDexFee(cfg config.DexFeeConfig, makerCoin, takerCoin string, volume uint64, takerPub []byte) coin.DexFee {
	if cfg.IsFeeExempt(makerCoin) || cfg.IsFeeExempt(takerCoin) {
		return coin.NoFee
	}
	if len(takerPub) > 0 {
		if collector, err := hex.DecodeString(cfg.CollectorPubKey); err == nil && bytes.Equal(collector, takerPub) {
			return coin.NoFee
		}
	}

	total := dexFeeTotal(cfg, makerCoin, takerCoin, volume)
	dust := minDexFee(takerCoin)

	burn := helpers.ApplyBPS(total, cfg.BurnShareBPS)
	fee := total - burn
	if burn < dust || fee < dust {
		return coin.DexFee{Fee: total}
	}
	return coin.DexFee{Fee: fee, Burn: burn}
}

func dexFeeTotal(cfg config.DexFeeConfig, makerCoin, takerCoin string, volume uint64) uint64 {
	fee := helpers.ApplyBPS(volume, cfg.RateFor(makerCoin, takerCoin))
	if floor := minDexFee(takerCoin); fee < floor {
		return floor
	}
	return fee
}
