package swap

import (
	"fmt"

	"github.com/Klingon-tech/klingswap/internal/coin"
	"github.com/Klingon-tech/klingswap/pkg/helpers"
)

// NegotiationData is what the maker committed to during negotiation. It is
// built once by Initialized and copied into every later state.
type NegotiationData struct {
	MakerSecretHash      []byte
	MakerSecretHashAlgo  coin.SecretHashAlgo
	MakerPaymentLocktime uint64

	// MakerCoinHTLCPub is the maker's key on the maker coin, TakerCoinHTLCPub
	// its key on the taker coin.
	MakerCoinHTLCPub coin.PubKey
	TakerCoinHTLCPub coin.PubKey

	// TakerCoinMakerAddress receives the taker payment.
	TakerCoinMakerAddress coin.Address

	MakerCoinSwapContract []byte
	TakerCoinSwapContract []byte
}

// StoredNegotiationData is the persisted form of NegotiationData.
type StoredNegotiationData struct {
	MakerPaymentLocktime  uint64           `json:"maker_payment_locktime"`
	MakerSecretHash       helpers.HexBytes `json:"maker_secret_hash"`
	MakerCoinHTLCPub      helpers.HexBytes `json:"maker_coin_htlc_pub_from_maker"`
	TakerCoinHTLCPub      helpers.HexBytes `json:"taker_coin_htlc_pub_from_maker"`
	TakerCoinMakerAddress string           `json:"taker_coin_maker_address"`
	MakerCoinSwapContract helpers.HexBytes `json:"maker_coin_swap_contract,omitempty"`
	TakerCoinSwapContract helpers.HexBytes `json:"taker_coin_swap_contract,omitempty"`
}

// Stored returns the persisted form of n.
func (n NegotiationData) Stored() StoredNegotiationData {
	return StoredNegotiationData{
		MakerPaymentLocktime:  n.MakerPaymentLocktime,
		MakerSecretHash:       helpers.CloneBytes(n.MakerSecretHash),
		MakerCoinHTLCPub:      helpers.CloneBytes(n.MakerCoinHTLCPub.Bytes()),
		TakerCoinHTLCPub:      helpers.CloneBytes(n.TakerCoinHTLCPub.Bytes()),
		TakerCoinMakerAddress: n.TakerCoinMakerAddress.String(),
		MakerCoinSwapContract: helpers.CloneBytes(n.MakerCoinSwapContract),
		TakerCoinSwapContract: helpers.CloneBytes(n.TakerCoinSwapContract),
	}
}

// Parse rebuilds NegotiationData through the coins' parsers.
func (s StoredNegotiationData) Parse(makerCoin, takerCoin coin.Coin) (NegotiationData, error) {
	algo, ok := coin.AlgoForHashLen(len(s.MakerSecretHash))
	if !ok {
		return NegotiationData{}, fmt.Errorf("maker secret hash has unexpected length %d", len(s.MakerSecretHash))
	}
	makerCoinPub, err := makerCoin.ParsePubKey(s.MakerCoinHTLCPub)
	if err != nil {
		return NegotiationData{}, fmt.Errorf("maker coin htlc pub: %w", err)
	}
	takerCoinPub, err := takerCoin.ParsePubKey(s.TakerCoinHTLCPub)
	if err != nil {
		return NegotiationData{}, fmt.Errorf("taker coin htlc pub: %w", err)
	}
	addr, err := takerCoin.ParseAddress(s.TakerCoinMakerAddress)
	if err != nil {
		return NegotiationData{}, fmt.Errorf("maker address: %w", err)
	}
	return NegotiationData{
		MakerSecretHash:       helpers.CloneBytes(s.MakerSecretHash),
		MakerSecretHashAlgo:   algo,
		MakerPaymentLocktime:  s.MakerPaymentLocktime,
		MakerCoinHTLCPub:      makerCoinPub,
		TakerCoinHTLCPub:      takerCoinPub,
		TakerCoinMakerAddress: addr,
		MakerCoinSwapContract: helpers.CloneBytes(s.MakerCoinSwapContract),
		TakerCoinSwapContract: helpers.CloneBytes(s.TakerCoinSwapContract),
	}, nil
}
