package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Klingon-tech/klingswap/internal/coin"
	"github.com/Klingon-tech/klingswap/internal/statemachine"
)

var (
	// ErrUnknownEventType is returned when a stored event has an unknown tag.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrReprEventsEmpty is returned when a swap has a snapshot but no events.
	ErrReprEventsEmpty = errors.New("swap has no events")

	// ErrInvalidEventSequence is returned when the log breaks the state graph.
	ErrInvalidEventSequence = errors.New("invalid event sequence")

	ErrSwapAborted         = fmt.Errorf("swap was aborted: %w", statemachine.ErrAlreadyFinished)
	ErrSwapCompleted       = fmt.Errorf("swap was completed: %w", statemachine.ErrAlreadyFinished)
	ErrSwapFundingRefunded = fmt.Errorf("taker funding was refunded: %w", statemachine.ErrAlreadyFinished)
	ErrSwapPaymentRefunded = fmt.Errorf("taker payment was refunded: %w", statemachine.ErrAlreadyFinished)
)

// CoinLookup resolves a ticker to its adapter.
type CoinLookup func(ticker string) (coin.Coin, error)

// RecreateTakerSwap rebuilds a swap from its snapshot and event log. Logs
// ending in a terminal event return an error wrapping
// statemachine.ErrAlreadyFinished.
func RecreateTakerSwap(ctx context.Context, id uuid.UUID, env *Env, coins CoinLookup) (*TakerSwapStateMachine, State, []Event, error) {
	snap, err := env.Store.Snapshot(ctx, id)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load snapshot: %w", err)
	}
	events, err := env.Store.Events(ctx, id)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil, nil, ErrReprEventsEmpty
	}
	if err := terminalError(events[len(events)-1]); err != nil {
		return nil, nil, nil, err
	}

	makerCoin, err := coins(snap.MakerCoin)
	if err != nil {
		return nil, nil, nil, err
	}
	takerCoin, err := coins(snap.TakerCoin)
	if err != nil {
		return nil, nil, nil, err
	}

	state, err := RebuildState(events, makerCoin, takerCoin)
	if err != nil {
		return nil, nil, nil, err
	}
	m, err := NewTakerSwapStateMachine(snap, makerCoin, takerCoin, env)
	if err != nil {
		return nil, nil, nil, err
	}
	return m, state, events, nil
}

func terminalError(ev Event) error {
	switch ev.(type) {
	case AbortedEvent:
		return ErrSwapAborted
	case CompletedEvent:
		return ErrSwapCompleted
	case TakerFundingRefundedEvent:
		return ErrSwapFundingRefunded
	case TakerPaymentRefundedEvent:
		return ErrSwapPaymentRefunded
	}
	return nil
}

// RebuildState checks events against the state graph and returns the state
// the last event was emitted by.
func RebuildState(events []Event, makerCoin, takerCoin coin.Coin) (State, error) {
	if len(events) == 0 {
		return nil, ErrReprEventsEmpty
	}

	makerPaymentConfirmed := false
	prev := EventType("")
	for i, ev := range events {
		if !CanTransition(prev, ev.Type()) {
			return nil, fmt.Errorf("%w: %s after %q at %d", ErrInvalidEventSequence, ev.Type(), prev, i)
		}
		if ev.Type() == EventMakerPaymentConfirmed {
			makerPaymentConfirmed = true
		}
		prev = ev.Type()
	}

	p := stateParser{maker: makerCoin, taker: takerCoin}
	state := p.state(events[len(events)-1], makerPaymentConfirmed)
	if p.err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", events[len(events)-1].Type(), p.err)
	}
	return state, nil
}

// stateParser parses stored transactions through the coins, keeping the
// first error.
type stateParser struct {
	maker, taker coin.Coin
	err          error
}

func (p *stateParser) fail(what string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", what, err)
	}
}

func (p *stateParser) tx(c coin.Coin, what string, id coin.TransactionIdentifier) coin.Tx {
	tx, err := c.ParseTx(id.TxHex)
	if err != nil {
		p.fail(what, err)
	}
	return tx
}

func (p *stateParser) negotiation(s StoredNegotiationData) NegotiationData {
	nd, err := s.Parse(p.maker, p.taker)
	if err != nil {
		p.fail("negotiation data", err)
	}
	return nd
}

func (p *stateParser) received(e MakerPaymentReceivedEvent) makerPaymentReceived {
	preimage, err := p.taker.ParsePreimage(e.FundingSpendPreimage.Preimage)
	if err != nil {
		p.fail("funding spend preimage", err)
	}
	sig, err := p.taker.ParseSignature(e.FundingSpendPreimage.Signature)
	if err != nil {
		p.fail("funding spend signature", err)
	}
	return makerPaymentReceived{
		fundingLeg: fundingLeg{
			MakerCoinStartBlock: e.MakerCoinStartBlock,
			TakerCoinStartBlock: e.TakerCoinStartBlock,
			TakerFunding:        p.tx(p.taker, "taker funding", e.TakerFunding),
			NegotiationData:     p.negotiation(e.NegotiationData),
		},
		FundingSpendPreimage:  preimage,
		FundingSpendSignature: sig,
		MakerPayment:          p.tx(p.maker, "maker payment", e.MakerPayment),
	}
}

func (p *stateParser) sent(e TakerPaymentSentEvent, makerPaymentConfirmed bool) takerPaymentSent {
	return takerPaymentSent{
		paymentLeg: paymentLeg{
			MakerCoinStartBlock: e.MakerCoinStartBlock,
			TakerCoinStartBlock: e.TakerCoinStartBlock,
			TakerPayment:        p.tx(p.taker, "taker payment", e.TakerPayment),
			MakerPayment:        p.tx(p.maker, "maker payment", e.MakerPayment),
			NegotiationData:     p.negotiation(e.NegotiationData),
		},
		makerPaymentConfirmed: makerPaymentConfirmed,
	}
}

func (p *stateParser) state(ev Event, makerPaymentConfirmed bool) State {
	switch e := ev.(type) {
	case InitializedEvent:
		return &Initialized{
			MakerCoinStartBlock:  e.MakerCoinStartBlock,
			TakerCoinStartBlock:  e.TakerCoinStartBlock,
			TakerPaymentFee:      e.TakerPaymentFee,
			MakerPaymentSpendFee: e.MakerPaymentSpendFee,
		}
	case NegotiatedEvent:
		return &Negotiated{
			MakerCoinStartBlock:  e.MakerCoinStartBlock,
			TakerCoinStartBlock:  e.TakerCoinStartBlock,
			NegotiationData:      p.negotiation(e.NegotiationData),
			TakerPaymentFee:      e.TakerPaymentFee,
			MakerPaymentSpendFee: e.MakerPaymentSpendFee,
		}
	case TakerFundingSentEvent:
		return &TakerFundingSent{fundingLeg{
			MakerCoinStartBlock: e.MakerCoinStartBlock,
			TakerCoinStartBlock: e.TakerCoinStartBlock,
			TakerFunding:        p.tx(p.taker, "taker funding", e.TakerFunding),
			NegotiationData:     p.negotiation(e.NegotiationData),
		}}
	case TakerFundingRefundRequiredEvent:
		return &TakerFundingRefundRequired{
			fundingLeg: fundingLeg{
				MakerCoinStartBlock: e.MakerCoinStartBlock,
				TakerCoinStartBlock: e.TakerCoinStartBlock,
				TakerFunding:        p.tx(p.taker, "taker funding", e.TakerFunding),
				NegotiationData:     p.negotiation(e.NegotiationData),
			},
			Reason: e.Reason,
		}
	case MakerPaymentAndFundingSpendPreimgReceivedEvent:
		return &MakerPaymentAndFundingSpendPreimgReceived{p.received(e.MakerPaymentReceivedEvent)}
	case MakerPaymentConfirmedEvent:
		return &MakerPaymentConfirmed{p.received(e.MakerPaymentReceivedEvent)}
	case TakerPaymentSentEvent:
		return &TakerPaymentSent{p.sent(e, makerPaymentConfirmed)}
	case TakerPaymentSentPreimageSkippedEvent:
		return &TakerPaymentSentPreimageSkipped{p.sent(e.TakerPaymentSentEvent, makerPaymentConfirmed)}
	case TakerPaymentRefundRequiredEvent:
		return &TakerPaymentRefundRequired{
			TakerPayment:    p.tx(p.taker, "taker payment", e.TakerPayment),
			NegotiationData: p.negotiation(e.NegotiationData),
			Reason:          e.Reason,
		}
	case TakerPaymentSpentEvent:
		return &TakerPaymentSpent{
			paymentLeg: paymentLeg{
				MakerCoinStartBlock: e.MakerCoinStartBlock,
				TakerCoinStartBlock: e.TakerCoinStartBlock,
				TakerPayment:        p.tx(p.taker, "taker payment", e.TakerPayment),
				MakerPayment:        p.tx(p.maker, "maker payment", e.MakerPayment),
				NegotiationData:     p.negotiation(e.NegotiationData),
			},
			TakerPaymentSpend: p.tx(p.taker, "taker payment spend", e.TakerPaymentSpend),
		}
	case MakerPaymentSpentEvent:
		return &MakerPaymentSpent{
			paymentLeg: paymentLeg{
				MakerCoinStartBlock: e.MakerCoinStartBlock,
				TakerCoinStartBlock: e.TakerCoinStartBlock,
				TakerPayment:        p.tx(p.taker, "taker payment", e.TakerPayment),
				MakerPayment:        p.tx(p.maker, "maker payment", e.MakerPayment),
				NegotiationData:     p.negotiation(e.NegotiationData),
			},
			TakerPaymentSpend: p.tx(p.taker, "taker payment spend", e.TakerPaymentSpend),
			MakerPaymentSpend: p.tx(p.maker, "maker payment spend", e.MakerPaymentSpend),
		}
	case TakerFundingRefundedEvent:
		return &TakerFundingRefunded{
			TakerFunding:       p.tx(p.taker, "taker funding", e.TakerFunding),
			TakerFundingRefund: p.tx(p.taker, "taker funding refund", e.TakerFundingRefund),
			Reason:             e.Reason,
		}
	case TakerPaymentRefundedEvent:
		return &TakerPaymentRefunded{
			TakerPayment:       p.tx(p.taker, "taker payment", e.TakerPayment),
			TakerPaymentRefund: p.tx(p.taker, "taker payment refund", e.TakerPaymentRefund),
			Reason:             e.Reason,
		}
	case AbortedEvent:
		return &Aborted{Reason: e.Reason}
	case CompletedEvent:
		return &Completed{MakerPaymentSpend: p.tx(p.maker, "maker payment spend", e.MakerPaymentSpend)}
	}
	p.fail("event", fmt.Errorf("%w: %T", ErrUnknownEventType, ev))
	return nil
}
