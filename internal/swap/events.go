package swap

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingswap/internal/coin"
	"github.com/Klingon-tech/klingswap/pkg/helpers"
)

// EventType names a persisted event. The values are stored; never rename one.
type EventType string

const (
	EventInitialized                               EventType = "Initialized"
	EventNegotiated                                EventType = "Negotiated"
	EventTakerFundingSent                          EventType = "TakerFundingSent"
	EventTakerFundingRefundRequired                EventType = "TakerFundingRefundRequired"
	EventMakerPaymentAndFundingSpendPreimgReceived EventType = "MakerPaymentAndFundingSpendPreimgReceived"
	EventMakerPaymentConfirmed                     EventType = "MakerPaymentConfirmed"
	EventTakerPaymentSent                          EventType = "TakerPaymentSent"
	EventTakerPaymentSentPreimageSkipped           EventType = "TakerPaymentSentPreimageSkipped"
	EventTakerPaymentRefundRequired                EventType = "TakerPaymentRefundRequired"
	EventTakerPaymentSpent                         EventType = "TakerPaymentSpent"
	EventMakerPaymentSpent                         EventType = "MakerPaymentSpent"
	EventTakerFundingRefunded                      EventType = "TakerFundingRefunded"
	EventTakerPaymentRefunded                      EventType = "TakerPaymentRefunded"
	EventAborted                                   EventType = "Aborted"
	EventCompleted                                 EventType = "Completed"
)

// Terminal reports whether no event may follow t.
func (t EventType) Terminal() bool {
	switch t {
	case EventTakerFundingRefunded, EventTakerPaymentRefunded, EventAborted, EventCompleted:
		return true
	}
	return false
}

// Event is one entry of a taker swap's log.
type Event interface {
	Type() EventType
}

// SavedTradeFee is a network fee estimate recorded at initialization.
type SavedTradeFee struct {
	Coin   string `json:"coin"`
	Amount uint64 `json:"amount"`
}

// StoredTxPreimage is a counterparty-signed transaction preimage.
type StoredTxPreimage struct {
	Preimage  helpers.HexBytes `json:"preimage"`
	Signature helpers.HexBytes `json:"signature"`
}

// InitializedEvent records the start heights and fee estimates.
type InitializedEvent struct {
	MakerCoinStartBlock  uint64        `json:"maker_coin_start_block"`
	TakerCoinStartBlock  uint64        `json:"taker_coin_start_block"`
	TakerPaymentFee      SavedTradeFee `json:"taker_payment_fee"`
	MakerPaymentSpendFee SavedTradeFee `json:"maker_payment_spend_fee"`
}

// NegotiatedEvent records the terms agreed with the maker.
type NegotiatedEvent struct {
	MakerCoinStartBlock  uint64                `json:"maker_coin_start_block"`
	TakerCoinStartBlock  uint64                `json:"taker_coin_start_block"`
	NegotiationData      StoredNegotiationData `json:"negotiation_data"`
	TakerPaymentFee      SavedTradeFee         `json:"taker_payment_fee"`
	MakerPaymentSpendFee SavedTradeFee         `json:"maker_payment_spend_fee"`
}

// TakerFundingSentEvent records the broadcast taker funding.
type TakerFundingSentEvent struct {
	MakerCoinStartBlock uint64                     `json:"maker_coin_start_block"`
	TakerCoinStartBlock uint64                     `json:"taker_coin_start_block"`
	TakerFunding        coin.TransactionIdentifier `json:"taker_funding"`
	NegotiationData     StoredNegotiationData      `json:"negotiation_data"`
}

// TakerFundingRefundRequiredEvent records why the funding must be refunded.
type TakerFundingRefundRequiredEvent struct {
	MakerCoinStartBlock uint64                     `json:"maker_coin_start_block"`
	TakerCoinStartBlock uint64                     `json:"taker_coin_start_block"`
	TakerFunding        coin.TransactionIdentifier `json:"taker_funding"`
	NegotiationData     StoredNegotiationData      `json:"negotiation_data"`
	Reason              FundingRefundReason        `json:"reason"`
}

// MakerPaymentReceivedEvent is shared by MakerPaymentAndFundingSpendPreimgReceived
// and MakerPaymentConfirmed.
type MakerPaymentReceivedEvent struct {
	MakerCoinStartBlock  uint64                     `json:"maker_coin_start_block"`
	TakerCoinStartBlock  uint64                     `json:"taker_coin_start_block"`
	NegotiationData      StoredNegotiationData      `json:"negotiation_data"`
	TakerFunding         coin.TransactionIdentifier `json:"taker_funding"`
	FundingSpendPreimage StoredTxPreimage           `json:"funding_spend_preimage"`
	MakerPayment         coin.TransactionIdentifier `json:"maker_payment"`
}

// MakerPaymentAndFundingSpendPreimgReceivedEvent records the maker payment
// and funding spend preimage before they are validated.
type MakerPaymentAndFundingSpendPreimgReceivedEvent struct {
	MakerPaymentReceivedEvent
}

// MakerPaymentConfirmedEvent records that the maker payment confirmed before
// the funding was spent.
type MakerPaymentConfirmedEvent struct {
	MakerPaymentReceivedEvent
}

// TakerPaymentSentEvent does not record whether the maker payment was
// already confirmed. That is known from whether MakerPaymentConfirmed
// precedes it in the log.
type TakerPaymentSentEvent struct {
	MakerCoinStartBlock uint64                     `json:"maker_coin_start_block"`
	TakerCoinStartBlock uint64                     `json:"taker_coin_start_block"`
	TakerPayment        coin.TransactionIdentifier `json:"taker_payment"`
	MakerPayment        coin.TransactionIdentifier `json:"maker_payment"`
	NegotiationData     StoredNegotiationData      `json:"negotiation_data"`
}

// TakerPaymentSentPreimageSkippedEvent is TakerPaymentSentEvent on ledgers
// that need no payment spend preimage.
type TakerPaymentSentPreimageSkippedEvent struct {
	TakerPaymentSentEvent
}

// TakerPaymentRefundRequiredEvent records why the taker payment must be
// refunded.
type TakerPaymentRefundRequiredEvent struct {
	TakerPayment    coin.TransactionIdentifier `json:"taker_payment"`
	NegotiationData StoredNegotiationData      `json:"negotiation_data"`
	Reason          PaymentRefundReason        `json:"reason"`
}

// TakerPaymentSpentEvent records the maker's spend of the taker payment.
type TakerPaymentSpentEvent struct {
	MakerCoinStartBlock uint64                     `json:"maker_coin_start_block"`
	TakerCoinStartBlock uint64                     `json:"taker_coin_start_block"`
	TakerPayment        coin.TransactionIdentifier `json:"taker_payment"`
	MakerPayment        coin.TransactionIdentifier `json:"maker_payment"`
	TakerPaymentSpend   coin.TransactionIdentifier `json:"taker_payment_spend"`
	NegotiationData     StoredNegotiationData      `json:"negotiation_data"`
}

// MakerPaymentSpentEvent records our claim of the maker payment.
type MakerPaymentSpentEvent struct {
	MakerCoinStartBlock uint64                     `json:"maker_coin_start_block"`
	TakerCoinStartBlock uint64                     `json:"taker_coin_start_block"`
	TakerPayment        coin.TransactionIdentifier `json:"taker_payment"`
	MakerPayment        coin.TransactionIdentifier `json:"maker_payment"`
	TakerPaymentSpend   coin.TransactionIdentifier `json:"taker_payment_spend"`
	MakerPaymentSpend   coin.TransactionIdentifier `json:"maker_payment_spend"`
	NegotiationData     StoredNegotiationData      `json:"negotiation_data"`
}

// TakerFundingRefundedEvent is terminal.
type TakerFundingRefundedEvent struct {
	TakerFunding       coin.TransactionIdentifier `json:"taker_funding"`
	TakerFundingRefund coin.TransactionIdentifier `json:"taker_funding_refund"`
	Reason             FundingRefundReason        `json:"reason"`
}

// TakerPaymentRefundedEvent is terminal.
type TakerPaymentRefundedEvent struct {
	TakerPayment       coin.TransactionIdentifier `json:"taker_payment"`
	TakerPaymentRefund coin.TransactionIdentifier `json:"taker_payment_refund"`
	Reason             PaymentRefundReason        `json:"reason"`
}

// AbortedEvent is terminal.
type AbortedEvent struct {
	Reason AbortReason `json:"reason"`
}

// CompletedEvent is terminal.
type CompletedEvent struct {
	MakerPaymentSpend coin.TransactionIdentifier `json:"maker_payment_spend"`
}

func (InitializedEvent) Type() EventType                { return EventInitialized }
func (NegotiatedEvent) Type() EventType                 { return EventNegotiated }
func (TakerFundingSentEvent) Type() EventType           { return EventTakerFundingSent }
func (TakerFundingRefundRequiredEvent) Type() EventType { return EventTakerFundingRefundRequired }
func (MakerPaymentAndFundingSpendPreimgReceivedEvent) Type() EventType {
	return EventMakerPaymentAndFundingSpendPreimgReceived
}
func (MakerPaymentConfirmedEvent) Type() EventType           { return EventMakerPaymentConfirmed }
func (TakerPaymentSentEvent) Type() EventType                { return EventTakerPaymentSent }
func (TakerPaymentSentPreimageSkippedEvent) Type() EventType { return EventTakerPaymentSentPreimageSkipped }
func (TakerPaymentRefundRequiredEvent) Type() EventType      { return EventTakerPaymentRefundRequired }
func (TakerPaymentSpentEvent) Type() EventType               { return EventTakerPaymentSpent }
func (MakerPaymentSpentEvent) Type() EventType               { return EventMakerPaymentSpent }
func (TakerFundingRefundedEvent) Type() EventType            { return EventTakerFundingRefunded }
func (TakerPaymentRefundedEvent) Type() EventType            { return EventTakerPaymentRefunded }
func (AbortedEvent) Type() EventType                         { return EventAborted }
func (CompletedEvent) Type() EventType                       { return EventCompleted }

// eventEnvelope is the self-describing JSON form of an event.
type eventEnvelope struct {
	EventType EventType       `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
}

// MarshalEvent encodes ev with its type tag.
func MarshalEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return json.Marshal(eventEnvelope{EventType: ev.Type(), EventData: data})
}

// UnmarshalEvent decodes the output of MarshalEvent.
func UnmarshalEvent(b []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return DecodeEventData(env.EventType, env.EventData)
}

func decodeEvent[T Event](data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// DecodeEventData decodes the payload of an event of type t.
func DecodeEventData(t EventType, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch t {
	case EventInitialized:
		ev, err = decodeEvent[InitializedEvent](data)
	case EventNegotiated:
		ev, err = decodeEvent[NegotiatedEvent](data)
	case EventTakerFundingSent:
		ev, err = decodeEvent[TakerFundingSentEvent](data)
	case EventTakerFundingRefundRequired:
		ev, err = decodeEvent[TakerFundingRefundRequiredEvent](data)
	case EventMakerPaymentAndFundingSpendPreimgReceived:
		ev, err = decodeEvent[MakerPaymentAndFundingSpendPreimgReceivedEvent](data)
	case EventMakerPaymentConfirmed:
		ev, err = decodeEvent[MakerPaymentConfirmedEvent](data)
	case EventTakerPaymentSent:
		ev, err = decodeEvent[TakerPaymentSentEvent](data)
	case EventTakerPaymentSentPreimageSkipped:
		ev, err = decodeEvent[TakerPaymentSentPreimageSkippedEvent](data)
	case EventTakerPaymentRefundRequired:
		ev, err = decodeEvent[TakerPaymentRefundRequiredEvent](data)
	case EventTakerPaymentSpent:
		ev, err = decodeEvent[TakerPaymentSpentEvent](data)
	case EventMakerPaymentSpent:
		ev, err = decodeEvent[MakerPaymentSpentEvent](data)
	case EventTakerFundingRefunded:
		ev, err = decodeEvent[TakerFundingRefundedEvent](data)
	case EventTakerPaymentRefunded:
		ev, err = decodeEvent[TakerPaymentRefundedEvent](data)
	case EventAborted:
		ev, err = decodeEvent[AbortedEvent](data)
	case EventCompleted:
		ev, err = decodeEvent[CompletedEvent](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return ev, nil
}
