// Package bus carries signed swap messages between the two sides of a swap.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingswap/pkg/helpers"
)

// Kind tags a message variant.
type Kind string

const (
	KindNegotiationRequest   Kind = "negotiation_request"
	KindNegotiationReply     Kind = "negotiation_reply"
	KindNegotiationContinue  Kind = "negotiation_continue"
	KindNegotiationAck       Kind = "negotiation_ack"
	KindFundingInfo          Kind = "funding_info"
	KindPaymentInfo          Kind = "payment_info"
	KindPaymentSpendPreimage Kind = "payment_spend_preimage"
)

// Message is one of the swap message variants.
type Message interface {
	Kind() Kind
}

// NegotiationRequest opens a swap. Sent by the taker.
type NegotiationRequest struct {
	StartedAt   uint64 `json:"started_at"`
	MakerCoin   string `json:"maker_coin"`
	TakerCoin   string `json:"taker_coin"`
	MakerVolume uint64 `json:"maker_volume"`
	TakerVolume uint64 `json:"taker_volume"`
	SwapVersion uint8  `json:"swap_version"`
}

// NegotiationReply carries the maker's swap parameters.
type NegotiationReply struct {
	StartedAt             uint64           `json:"started_at"`
	PaymentLocktime       uint64           `json:"payment_locktime"`
	SecretHash            helpers.HexBytes `json:"secret_hash"`
	MakerCoinHTLCPub      helpers.HexBytes `json:"maker_coin_htlc_pub"`
	TakerCoinHTLCPub      helpers.HexBytes `json:"taker_coin_htlc_pub"`
	TakerCoinAddress      string           `json:"taker_coin_address"`
	MakerCoinSwapContract helpers.HexBytes `json:"maker_coin_swap_contract,omitempty"`
	TakerCoinSwapContract helpers.HexBytes `json:"taker_coin_swap_contract,omitempty"`
}

// NegotiationContinue carries the taker's swap parameters.
type NegotiationContinue struct {
	FundingLocktime       uint64           `json:"funding_locktime"`
	PaymentLocktime       uint64           `json:"payment_locktime"`
	TakerSecretHash       helpers.HexBytes `json:"taker_secret_hash"`
	MakerCoinHTLCPub      helpers.HexBytes `json:"maker_coin_htlc_pub"`
	TakerCoinHTLCPub      helpers.HexBytes `json:"taker_coin_htlc_pub"`
	MakerCoinAddress      string           `json:"maker_coin_address"`
	MakerCoinSwapContract helpers.HexBytes `json:"maker_coin_swap_contract,omitempty"`
	TakerCoinSwapContract helpers.HexBytes `json:"taker_coin_swap_contract,omitempty"`
}

// NegotiationAck ends the negotiation.
type NegotiationAck struct {
	Negotiated bool   `json:"negotiated"`
	Reason     string `json:"reason,omitempty"`
}

// FundingInfo announces the taker funding transaction.
type FundingInfo struct {
	FundingTx helpers.HexBytes `json:"funding_tx"`
}

// PaymentInfo carries the maker payment and the maker-signed funding spend.
type PaymentInfo struct {
	MakerPaymentTx     helpers.HexBytes `json:"maker_payment_tx"`
	FundingPreimage    helpers.HexBytes `json:"funding_preimage"`
	FundingPreimageSig helpers.HexBytes `json:"funding_preimage_sig"`
}

// PaymentSpendPreimage carries the taker-signed taker payment spend.
type PaymentSpendPreimage struct {
	Preimage  helpers.HexBytes `json:"preimage"`
	Signature helpers.HexBytes `json:"signature"`
}

func (NegotiationRequest) Kind() Kind   { return KindNegotiationRequest }
func (NegotiationReply) Kind() Kind     { return KindNegotiationReply }
func (NegotiationContinue) Kind() Kind  { return KindNegotiationContinue }
func (NegotiationAck) Kind() Kind       { return KindNegotiationAck }
func (FundingInfo) Kind() Kind          { return KindFundingInfo }
func (PaymentInfo) Kind() Kind          { return KindPaymentInfo }
func (PaymentSpendPreimage) Kind() Kind { return KindPaymentSpendPreimage }

func decode[T Message](payload []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodePayload decodes the payload of a message of kind k.
func DecodePayload(k Kind, payload []byte) (Message, error) {
	var (
		msg Message
		err error
	)
	switch k {
	case KindNegotiationRequest:
		msg, err = decode[NegotiationRequest](payload)
	case KindNegotiationReply:
		msg, err = decode[NegotiationReply](payload)
	case KindNegotiationContinue:
		msg, err = decode[NegotiationContinue](payload)
	case KindNegotiationAck:
		msg, err = decode[NegotiationAck](payload)
	case KindFundingInfo:
		msg, err = decode[FundingInfo](payload)
	case KindPaymentInfo:
		msg, err = decode[PaymentInfo](payload)
	case KindPaymentSpendPreimage:
		msg, err = decode[PaymentSpendPreimage](payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", k, err)
	}
	return msg, nil
}
