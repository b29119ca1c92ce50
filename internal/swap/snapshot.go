package swap

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/Klingon-tech/klingswap/internal/coin"
	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/internal/storage"
	"github.com/Klingon-tech/klingswap/pkg/helpers"
)

// TakerSwapType tags taker swaps in the event store.
const TakerSwapType = "taker_v2"

// Swap protocol versions.
const (
	LegacySwapVersion  = storage.LegacySwapVersion
	CurrentSwapVersion = 2
)

// SwapSnapshot is written once when a taker swap starts. Together with the
// event log it is everything needed to rebuild the swap.
type SwapSnapshot struct {
	UUID      uuid.UUID `json:"uuid"`
	MakerCoin string    `json:"maker_coin"`
	TakerCoin string    `json:"taker_coin"`
	StartedAt uint64    `json:"started_at"`

	Secret         helpers.HexBytes    `json:"secret"`
	SecretHashAlgo coin.SecretHashAlgo `json:"secret_hash_algo"`

	MakerVolume  uint64      `json:"maker_volume"`
	TakerVolume  uint64      `json:"taker_volume"`
	TakerPremium uint64      `json:"taker_premium"`
	DexFee       coin.DexFee `json:"dex_fee"`
	LockDuration uint64      `json:"lock_duration"`

	MakerCoinConfs uint64 `json:"maker_coin_confs"`
	MakerCoinNota  bool   `json:"maker_coin_nota"`
	TakerCoinConfs uint64 `json:"taker_coin_confs"`
	TakerCoinNota  bool   `json:"taker_coin_nota"`

	P2PPrivKey     helpers.HexBytes `json:"p2p_privkey,omitempty"`
	MakerP2PPubKey helpers.HexBytes `json:"maker_p2p_pubkey,omitempty"`

	SwapVersion uint8 `json:"swap_version"`
}

// SecretHash commits to the taker secret.
func (s *SwapSnapshot) SecretHash() []byte {
	return s.SecretHashAlgo.Hash(s.Secret)
}

// UnmarshalJSON fills fields absent from older encodings: the legacy swap
// version, and confirmation settings from the coin defaults.
func (s *SwapSnapshot) UnmarshalJSON(b []byte) error {
	type plain SwapSnapshot
	var raw struct {
		plain
		SwapVersion    *uint8  `json:"swap_version"`
		MakerCoinConfs *uint64 `json:"maker_coin_confs"`
		TakerCoinConfs *uint64 `json:"taker_coin_confs"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = SwapSnapshot(raw.plain)

	s.SwapVersion = LegacySwapVersion
	if raw.SwapVersion != nil {
		s.SwapVersion = *raw.SwapVersion
	}
	s.MakerCoinConfs = config.RequiredConfirmations(s.MakerCoin, config.Mainnet)
	if raw.MakerCoinConfs != nil {
		s.MakerCoinConfs = *raw.MakerCoinConfs
	}
	s.TakerCoinConfs = config.RequiredConfirmations(s.TakerCoin, config.Mainnet)
	if raw.TakerCoinConfs != nil {
		s.TakerCoinConfs = *raw.TakerCoinConfs
	}
	if !s.SecretHashAlgo.Valid() {
		s.SecretHashAlgo = coin.DHASH160
	}
	return nil
}

// Record converts s to its event store row.
func (s *SwapSnapshot) Record() *storage.SwapRecord {
	return &storage.SwapRecord{
		UUID:           s.UUID,
		SwapType:       TakerSwapType,
		MakerCoin:      s.MakerCoin,
		TakerCoin:      s.TakerCoin,
		StartedAt:      s.StartedAt,
		Secret:         helpers.CloneBytes(s.Secret),
		SecretHash:     s.SecretHash(),
		SecretHashAlgo: uint8(s.SecretHashAlgo),
		MakerVolume:    s.MakerVolume,
		TakerVolume:    s.TakerVolume,
		TakerPremium:   s.TakerPremium,
		DexFee:         s.DexFee.Fee,
		DexFeeBurn:     s.DexFee.Burn,
		LockDuration:   s.LockDuration,
		MakerCoinConfs: s.MakerCoinConfs,
		MakerCoinNota:  s.MakerCoinNota,
		TakerCoinConfs: s.TakerCoinConfs,
		TakerCoinNota:  s.TakerCoinNota,
		P2PPrivKey:     helpers.CloneBytes(s.P2PPrivKey),
		MakerP2PPubKey: helpers.CloneBytes(s.MakerP2PPubKey),
		SwapVersion:    s.SwapVersion,
	}
}

// SnapshotFromRecord converts an event store row.
func SnapshotFromRecord(r *storage.SwapRecord) *SwapSnapshot {
	algo := coin.SecretHashAlgo(r.SecretHashAlgo)
	if !algo.Valid() {
		algo = coin.DHASH160
	}
	version := r.SwapVersion
	if version == 0 {
		version = LegacySwapVersion
	}
	return &SwapSnapshot{
		UUID:           r.UUID,
		MakerCoin:      r.MakerCoin,
		TakerCoin:      r.TakerCoin,
		StartedAt:      r.StartedAt,
		Secret:         helpers.CloneBytes(r.Secret),
		SecretHashAlgo: algo,
		MakerVolume:    r.MakerVolume,
		TakerVolume:    r.TakerVolume,
		TakerPremium:   r.TakerPremium,
		DexFee:         coin.DexFee{Fee: r.DexFee, Burn: r.DexFeeBurn},
		LockDuration:   r.LockDuration,
		MakerCoinConfs: r.MakerCoinConfs,
		MakerCoinNota:  r.MakerCoinNota,
		TakerCoinConfs: r.TakerCoinConfs,
		TakerCoinNota:  r.TakerCoinNota,
		P2PPrivKey:     helpers.CloneBytes(r.P2PPrivKey),
		MakerP2PPubKey: helpers.CloneBytes(r.MakerP2PPubKey),
		SwapVersion:    version,
	}
}
