package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingswap/internal/bus"
	"github.com/Klingon-tech/klingswap/internal/coin"
	"github.com/Klingon-tech/klingswap/internal/statemachine"
)

var errTerminalState = errors.New("terminal state has no successor")

func abort(ctx context.Context, kind AbortKind, err error) (State, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return &Aborted{Reason: AbortReason{Kind: kind, Details: errDetails(err)}}, nil
}

// fundingLeg is carried by every state holding an unspent taker funding.
type fundingLeg struct {
	MakerCoinStartBlock uint64
	TakerCoinStartBlock uint64
	TakerFunding        coin.Tx
	NegotiationData     NegotiationData
}

func (f fundingLeg) refundRequired(ctx context.Context, kind FundingRefundKind, err error) (State, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return &TakerFundingRefundRequired{
		fundingLeg: f,
		Reason:     FundingRefundReason{Kind: kind, Details: errDetails(err)},
	}, nil
}

// paymentLeg is carried by every state after the taker payment is broadcast.
type paymentLeg struct {
	MakerCoinStartBlock uint64
	TakerCoinStartBlock uint64
	TakerPayment        coin.Tx
	MakerPayment        coin.Tx
	NegotiationData     NegotiationData
}

func (p paymentLeg) refundRequired(ctx context.Context, kind PaymentRefundKind, err error) (State, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return &TakerPaymentRefundRequired{
		TakerPayment:    p.TakerPayment,
		NegotiationData: p.NegotiationData,
		Reason:          PaymentRefundReason{Kind: kind, Details: errDetails(err)},
	}, nil
}

// Initialize reads both ledgers and checks the taker balance. It is the
// only state without an event.
type Initialize struct{}

func (*Initialize) Event() (Event, bool) { return nil, false }
func (*Initialize) Terminal() bool       { return false }
func (*Initialize) String() string       { return "Initialize" }

func (s *Initialize) OnChangedState(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	if m.store != nil {
		events, err := m.store.Events(ctx, m.ID())
		if err != nil {
			return nil, fmt.Errorf("%w: load events of %s: %v", statemachine.ErrStorage, m.ID(), err)
		}
		if len(events) > 0 {
			return nil, fmt.Errorf("%w: %s has %d events", ErrSwapAlreadyStarted, m.ID(), len(events))
		}
	}

	makerHeight, err := m.makerCoin.CurrentBlockHeight(ctx)
	if err != nil {
		return abort(ctx, AbortFailedToGetMakerCoinBlock, err)
	}
	takerHeight, err := m.takerCoin.CurrentBlockHeight(ctx)
	if err != nil {
		return abort(ctx, AbortFailedToGetTakerCoinBlock, err)
	}

	snap := m.snap
	upper := DexFeeUpperBound(m.dexFeeCfg, snap.MakerCoin, snap.TakerCoin, snap.TakerVolume)
	value := snap.TakerVolume + upper.Total() + snap.TakerPremium

	takerPaymentFee, err := m.takerCoin.SenderTradeFee(ctx, value)
	if err != nil {
		return abort(ctx, AbortFailedToGetTakerPaymentFee, err)
	}
	makerPaymentSpendFee, err := m.makerCoin.ReceiverTradeFee(ctx)
	if err != nil {
		return abort(ctx, AbortFailedToGetMakerPaymentSpendFee, err)
	}

	balance, err := m.takerCoin.MyBalance(ctx)
	if err != nil {
		return abort(ctx, AbortBalanceCheckFailure, err)
	}
	required := value + takerPaymentFee
	locked := m.lockedAmounts.Total(snap.TakerCoin)
	if balance < locked || balance-locked < required {
		return abort(ctx, AbortBalanceCheckFailure, fmt.Errorf("%w: balance %d, locked by other swaps %d, required %d",
			coin.ErrInsufficientFunds, balance, locked, required))
	}

	return &Initialized{
		MakerCoinStartBlock:  makerHeight,
		TakerCoinStartBlock:  takerHeight,
		TakerPaymentFee:      SavedTradeFee{Coin: snap.TakerCoin, Amount: takerPaymentFee},
		MakerPaymentSpendFee: SavedTradeFee{Coin: snap.MakerCoin, Amount: makerPaymentSpendFee},
	}, nil
}

// Initialized negotiates the swap parameters with the maker.
type Initialized struct {
	MakerCoinStartBlock  uint64
	TakerCoinStartBlock  uint64
	TakerPaymentFee      SavedTradeFee
	MakerPaymentSpendFee SavedTradeFee
}

func (s *Initialized) Event() (Event, bool) {
	return InitializedEvent{
		MakerCoinStartBlock:  s.MakerCoinStartBlock,
		TakerCoinStartBlock:  s.TakerCoinStartBlock,
		TakerPaymentFee:      s.TakerPaymentFee,
		MakerPaymentSpendFee: s.MakerPaymentSpendFee,
	}, true
}
func (*Initialized) Terminal() bool { return false }
func (*Initialized) String() string { return string(EventInitialized) }

func (s *Initialized) OnChangedState(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	snap := m.snap
	req := bus.NegotiationRequest{
		StartedAt:   snap.StartedAt,
		MakerCoin:   snap.MakerCoin,
		TakerCoin:   snap.TakerCoin,
		MakerVolume: snap.MakerVolume,
		TakerVolume: snap.TakerVolume,
		SwapVersion: snap.SwapVersion,
	}
	msg, err := m.sendAndAwait(ctx, req, bus.KindNegotiationReply, time.Now().Add(m.cfg.NegotiationTimeout))
	if err != nil {
		return abort(ctx, AbortDidNotReceiveNegotiation, err)
	}
	reply, ok := msg.(bus.NegotiationReply)
	if !ok {
		return abort(ctx, AbortDidNotReceiveNegotiation, fmt.Errorf("unexpected %s message", msg.Kind()))
	}

	maxDiff := uint64(m.cfg.MaxStartedAtDiff / time.Second)
	if diff := absDiff(reply.StartedAt, snap.StartedAt); diff > maxDiff {
		return abort(ctx, AbortTooLargeStartedAtDiff,
			fmt.Errorf("maker started at %d, taker at %d, diff %ds exceeds %ds", reply.StartedAt, snap.StartedAt, diff, maxDiff))
	}
	algo, ok := coin.AlgoForHashLen(len(reply.SecretHash))
	if !ok {
		return abort(ctx, AbortSecretHashUnexpectedLen, fmt.Errorf("%d bytes", len(reply.SecretHash)))
	}
	if want := MakerPaymentLocktime(reply.StartedAt, snap.LockDuration); reply.PaymentLocktime != want {
		return abort(ctx, AbortMakerProvidedInvalidLocktime,
			fmt.Errorf("got %d, expected %d", reply.PaymentLocktime, want))
	}
	makerCoinPub, err := m.makerCoin.ParsePubKey(reply.MakerCoinHTLCPub)
	if err != nil {
		return abort(ctx, AbortFailedToParsePubKey, fmt.Errorf("maker coin: %w", err))
	}
	takerCoinPub, err := m.takerCoin.ParsePubKey(reply.TakerCoinHTLCPub)
	if err != nil {
		return abort(ctx, AbortFailedToParsePubKey, fmt.Errorf("taker coin: %w", err))
	}
	makerAddr, err := m.takerCoin.ParseAddress(reply.TakerCoinAddress)
	if err != nil {
		return abort(ctx, AbortFailedToParseAddress, err)
	}

	unique := m.uniqueData()
	cont := bus.NegotiationContinue{
		FundingLocktime:       m.takerFundingLocktime(),
		PaymentLocktime:       m.takerPaymentLocktime(),
		TakerSecretHash:       snap.SecretHash(),
		MakerCoinHTLCPub:      m.makerCoin.DeriveHTLCPubKey(unique).Bytes(),
		TakerCoinHTLCPub:      m.takerCoin.DeriveHTLCPubKey(unique).Bytes(),
		MakerCoinAddress:      m.makerCoin.MyAddress(),
		MakerCoinSwapContract: reply.MakerCoinSwapContract,
		TakerCoinSwapContract: reply.TakerCoinSwapContract,
	}
	msg, err = m.sendAndAwait(ctx, cont, bus.KindNegotiationAck, time.Now().Add(m.cfg.NegotiationTimeout))
	if err != nil {
		return abort(ctx, AbortDidNotReceiveNegotiated, err)
	}
	ack, ok := msg.(bus.NegotiationAck)
	if !ok {
		return abort(ctx, AbortDidNotReceiveNegotiated, fmt.Errorf("unexpected %s message", msg.Kind()))
	}
	if !ack.Negotiated {
		return &Aborted{Reason: AbortReason{Kind: AbortMakerAbortedNegotiation, Details: ack.Reason}}, nil
	}

	return &Negotiated{
		MakerCoinStartBlock: s.MakerCoinStartBlock,
		TakerCoinStartBlock: s.TakerCoinStartBlock,
		NegotiationData: NegotiationData{
			MakerSecretHash:       reply.SecretHash,
			MakerSecretHashAlgo:   algo,
			MakerPaymentLocktime:  reply.PaymentLocktime,
			MakerCoinHTLCPub:      makerCoinPub,
			TakerCoinHTLCPub:      takerCoinPub,
			TakerCoinMakerAddress: makerAddr,
			MakerCoinSwapContract: reply.MakerCoinSwapContract,
			TakerCoinSwapContract: reply.TakerCoinSwapContract,
		},
		TakerPaymentFee:      s.TakerPaymentFee,
		MakerPaymentSpendFee: s.MakerPaymentSpendFee,
	}, nil
}

// Negotiated broadcasts the taker funding.
type Negotiated struct {
	MakerCoinStartBlock  uint64
	TakerCoinStartBlock  uint64
	NegotiationData      NegotiationData
	TakerPaymentFee      SavedTradeFee
	MakerPaymentSpendFee SavedTradeFee
}

func (s *Negotiated) Event() (Event, bool) {
	return NegotiatedEvent{
		MakerCoinStartBlock:  s.MakerCoinStartBlock,
		TakerCoinStartBlock:  s.TakerCoinStartBlock,
		NegotiationData:      s.NegotiationData.Stored(),
		TakerPaymentFee:      s.TakerPaymentFee,
		MakerPaymentSpendFee: s.MakerPaymentSpendFee,
	}, true
}
func (*Negotiated) Terminal() bool { return false }
func (*Negotiated) String() string { return string(EventNegotiated) }

func (s *Negotiated) OnChangedState(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	funding, err := m.takerCoin.SendFunding(ctx, m.fundingParams(s.NegotiationData))
	if err != nil {
		return abort(ctx, AbortFailedToSendTakerFunding, err)
	}
	return &TakerFundingSent{fundingLeg{
		MakerCoinStartBlock: s.MakerCoinStartBlock,
		TakerCoinStartBlock: s.TakerCoinStartBlock,
		TakerFunding:        funding,
		NegotiationData:     s.NegotiationData,
	}}, nil
}

// TakerFundingSent announces the funding and waits for the maker payment
// together with the maker-signed funding spend preimage.
type TakerFundingSent struct {
	fundingLeg
}

func (s *TakerFundingSent) Event() (Event, bool) {
	return TakerFundingSentEvent{
		MakerCoinStartBlock: s.MakerCoinStartBlock,
		TakerCoinStartBlock: s.TakerCoinStartBlock,
		TakerFunding:        coin.IdentifierOf(s.TakerFunding),
		NegotiationData:     s.NegotiationData.Stored(),
	}, true
}
func (*TakerFundingSent) Terminal() bool { return false }
func (*TakerFundingSent) String() string { return string(EventTakerFundingSent) }

func (s *TakerFundingSent) OnChangedState(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	announce := bus.FundingInfo{FundingTx: s.TakerFunding.TxHex()}
	msg, err := m.sendAndAwait(ctx, announce, bus.KindPaymentInfo, m.makerPaymentConfirmDeadline())
	if err != nil {
		return s.refundRequired(ctx, FundingRefundDidNotReceiveMakerPayment, err)
	}
	info, ok := msg.(bus.PaymentInfo)
	if !ok {
		return s.refundRequired(ctx, FundingRefundDidNotReceiveMakerPayment, fmt.Errorf("unexpected %s message", msg.Kind()))
	}

	makerPayment, err := m.makerCoin.ParseTx(info.MakerPaymentTx)
	if err != nil {
		return s.refundRequired(ctx, FundingRefundFailedToParseMakerPayment, err)
	}
	preimage, err := m.takerCoin.ParsePreimage(info.FundingPreimage)
	if err != nil {
		return s.refundRequired(ctx, FundingRefundFailedToParseFundingSpendPreimg, err)
	}
	sig, err := m.takerCoin.ParseSignature(info.FundingPreimageSig)
	if err != nil {
		return s.refundRequired(ctx, FundingRefundFailedToParseFundingSpendSig, err)
	}

	return &MakerPaymentAndFundingSpendPreimgReceived{makerPaymentReceived{
		fundingLeg:            s.fundingLeg,
		FundingSpendPreimage:  preimage,
		FundingSpendSignature: sig,
		MakerPayment:          makerPayment,
	}}, nil
}

// makerPaymentReceived holds the maker payment and the funding spend
// preimage as received from the maker.
type makerPaymentReceived struct {
	fundingLeg
	FundingSpendPreimage  coin.Preimage
	FundingSpendSignature coin.Signature
	MakerPayment          coin.Tx
}

func (r *makerPaymentReceived) event() MakerPaymentReceivedEvent {
	return MakerPaymentReceivedEvent{
		MakerCoinStartBlock: r.MakerCoinStartBlock,
		TakerCoinStartBlock: r.TakerCoinStartBlock,
		NegotiationData:     r.NegotiationData.Stored(),
		TakerFunding:        coin.IdentifierOf(r.TakerFunding),
		FundingSpendPreimage: StoredTxPreimage{
			Preimage:  r.FundingSpendPreimage.Bytes(),
			Signature: r.FundingSpendSignature.Bytes(),
		},
		MakerPayment: coin.IdentifierOf(r.MakerPayment),
	}
}

// sendTakerPayment spends the funding into the taker payment. confirmed
// records whether the maker payment is already known to be confirmed.
func (r *makerPaymentReceived) sendTakerPayment(ctx context.Context, m *TakerSwapStateMachine, confirmed bool) (State, error) {
	payment, err := m.takerCoin.SignAndBroadcastFundingSpend(ctx, r.TakerFunding, m.fundingParams(r.NegotiationData),
		r.FundingSpendPreimage, r.FundingSpendSignature)
	if err != nil {
		return r.refundRequired(ctx, FundingRefundFailedToSendTakerPayment, err)
	}

	sent := takerPaymentSent{
		paymentLeg: paymentLeg{
			MakerCoinStartBlock: r.MakerCoinStartBlock,
			TakerCoinStartBlock: r.TakerCoinStartBlock,
			TakerPayment:        payment,
			MakerPayment:        r.MakerPayment,
			NegotiationData:     r.NegotiationData,
		},
		makerPaymentConfirmed: confirmed,
	}
	if m.takerCoin.SkipPaymentSpendPreimage() {
		return &TakerPaymentSentPreimageSkipped{sent}, nil
	}
	return &TakerPaymentSent{sent}, nil
}

// MakerPaymentAndFundingSpendPreimgReceived validates the maker payment and
// the funding spend preimage, then either waits for the maker payment to
// confirm or spends the funding straight away, depending on
// RequireMakerPaymentConfirmBeforeFundingSpend.
type MakerPaymentAndFundingSpendPreimgReceived struct {
	makerPaymentReceived
}

func (s *MakerPaymentAndFundingSpendPreimgReceived) Event() (Event, bool) {
	return MakerPaymentAndFundingSpendPreimgReceivedEvent{s.event()}, true
}
func (*MakerPaymentAndFundingSpendPreimgReceived) Terminal() bool { return false }
func (*MakerPaymentAndFundingSpendPreimgReceived) String() string {
	return string(EventMakerPaymentAndFundingSpendPreimgReceived)
}

func (s *MakerPaymentAndFundingSpendPreimgReceived) OnChangedState(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	if err := m.makerCoin.ValidateMakerPayment(ctx, s.MakerPayment, m.makerPaymentParams(s.NegotiationData)); err != nil {
		return s.refundRequired(ctx, FundingRefundCounterpartyPaymentValidationFailed, err)
	}
	err := m.takerCoin.ValidateFundingSpendPreimage(ctx, s.TakerFunding, m.fundingParams(s.NegotiationData),
		s.FundingSpendPreimage, s.FundingSpendSignature)
	if err != nil {
		return s.refundRequired(ctx, FundingRefundFundingSpendPreimageValidationFailed, err)
	}

	if !m.cfg.RequireMakerPaymentConfirmBeforeFundingSpend {
		return s.sendTakerPayment(ctx, m, false)
	}
	args := m.confirmArgs(s.MakerPayment, m.makerPaymentConfirmDeadline())
	if err := m.makerCoin.WaitForConfirmations(ctx, args); err != nil {
		return s.refundRequired(ctx, FundingRefundMakerPaymentNotConfirmedInTime, err)
	}
	return &MakerPaymentConfirmed{s.makerPaymentReceived}, nil
}

// MakerPaymentConfirmed spends the funding into the taker payment.
type MakerPaymentConfirmed struct {
	makerPaymentReceived
}

func (s *MakerPaymentConfirmed) Event() (Event, bool) {
	return MakerPaymentConfirmedEvent{s.event()}, true
}
func (*MakerPaymentConfirmed) Terminal() bool { return false }
func (*MakerPaymentConfirmed) String() string { return string(EventMakerPaymentConfirmed) }

func (s *MakerPaymentConfirmed) OnChangedState(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	return s.sendTakerPayment(ctx, m, true)
}

// takerPaymentSent waits for the maker to spend the taker payment.
type takerPaymentSent struct {
	paymentLeg

	// makerPaymentConfirmed is not persisted. On recreate it is derived
	// from the presence of MakerPaymentConfirmed in the log.
	makerPaymentConfirmed bool
}

func (p *takerPaymentSent) event() TakerPaymentSentEvent {
	return TakerPaymentSentEvent{
		MakerCoinStartBlock: p.MakerCoinStartBlock,
		TakerCoinStartBlock: p.TakerCoinStartBlock,
		TakerPayment:        coin.IdentifierOf(p.TakerPayment),
		MakerPayment:        coin.IdentifierOf(p.MakerPayment),
		NegotiationData:     p.NegotiationData.Stored(),
	}
}

func (p *takerPaymentSent) watch(ctx context.Context, m *TakerSwapStateMachine, sendPreimage bool) (State, error) {
	if !p.makerPaymentConfirmed {
		args := m.confirmArgs(p.MakerPayment, m.makerPaymentConfirmDeadline())
		if err := m.makerCoin.WaitForConfirmations(ctx, args); err != nil {
			return p.refundRequired(ctx, PaymentRefundMakerPaymentNotConfirmedInTime, err)
		}
	}

	deadline := unixTime(m.takerPaymentLocktime())
	var spend coin.Tx
	find := func(ctx context.Context) error {
		var err error
		spend, err = m.takerCoin.FindPaymentSpend(ctx, p.TakerPayment, p.TakerCoinStartBlock, deadline)
		return err
	}

	var err error
	if sendPreimage {
		preimage, sig, signErr := m.takerCoin.SignPaymentSpendPreimage(ctx, p.TakerPayment,
			m.fundingParams(p.NegotiationData), p.NegotiationData.TakerCoinMakerAddress)
		if signErr != nil {
			return p.refundRequired(ctx, PaymentRefundFailedToGenerateSpendPreimage, signErr)
		}
		msg := bus.PaymentSpendPreimage{Preimage: preimage.Bytes(), Signature: sig.Bytes()}
		err = m.whileBroadcasting(ctx, msg, find)
	} else {
		err = find(ctx)
	}
	if err != nil {
		return p.refundRequired(ctx, PaymentRefundMakerDidNotSpendInTime, err)
	}

	return &TakerPaymentSpent{paymentLeg: p.paymentLeg, TakerPaymentSpend: spend}, nil
}

// TakerPaymentSent sends the maker the signed taker payment spend and
// watches for the spend.
type TakerPaymentSent struct {
	takerPaymentSent
}

func (s *TakerPaymentSent) Event() (Event, bool) { return s.event(), true }
func (*TakerPaymentSent) Terminal() bool         { return false }
func (*TakerPaymentSent) String() string         { return string(EventTakerPaymentSent) }

func (s *TakerPaymentSent) OnChangedState(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	return s.watch(ctx, m, true)
}

// TakerPaymentSentPreimageSkipped watches for the spend on ledgers where
// the maker needs no preimage.
type TakerPaymentSentPreimageSkipped struct {
	takerPaymentSent
}

func (s *TakerPaymentSentPreimageSkipped) Event() (Event, bool) {
	return TakerPaymentSentPreimageSkippedEvent{s.event()}, true
}
func (*TakerPaymentSentPreimageSkipped) Terminal() bool { return false }
func (*TakerPaymentSentPreimageSkipped) String() string {
	return string(EventTakerPaymentSentPreimageSkipped)
}

func (s *TakerPaymentSentPreimageSkipped) OnChangedState(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	return s.watch(ctx, m, false)
}

// TakerPaymentSpent extracts the maker secret and claims the maker payment.
type TakerPaymentSpent struct {
	paymentLeg
	TakerPaymentSpend coin.Tx
}

func (s *TakerPaymentSpent) Event() (Event, bool) {
	return TakerPaymentSpentEvent{
		MakerCoinStartBlock: s.MakerCoinStartBlock,
		TakerCoinStartBlock: s.TakerCoinStartBlock,
		TakerPayment:        coin.IdentifierOf(s.TakerPayment),
		MakerPayment:        coin.IdentifierOf(s.MakerPayment),
		TakerPaymentSpend:   coin.IdentifierOf(s.TakerPaymentSpend),
		NegotiationData:     s.NegotiationData.Stored(),
	}, true
}
func (*TakerPaymentSpent) Terminal() bool { return false }
func (*TakerPaymentSpent) String() string { return string(EventTakerPaymentSpent) }

func (s *TakerPaymentSpent) OnChangedState(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	nd := s.NegotiationData
	secret, err := m.takerCoin.ExtractSecret(ctx, nd.MakerSecretHash, s.TakerPaymentSpend)
	if err != nil {
		return abort(ctx, AbortCouldNotExtractSecret, err)
	}
	spend, err := m.makerCoin.SpendMakerPayment(ctx, s.MakerPayment, m.makerPaymentParams(nd), secret)
	if err != nil {
		return abort(ctx, AbortFailedToSpendMakerPayment, err)
	}
	return &MakerPaymentSpent{
		paymentLeg:        s.paymentLeg,
		TakerPaymentSpend: s.TakerPaymentSpend,
		MakerPaymentSpend: spend,
	}, nil
}

// MakerPaymentSpent optionally waits for the maker payment spend to confirm.
type MakerPaymentSpent struct {
	paymentLeg
	TakerPaymentSpend coin.Tx
	MakerPaymentSpend coin.Tx
}

func (s *MakerPaymentSpent) Event() (Event, bool) {
	return MakerPaymentSpentEvent{
		MakerCoinStartBlock: s.MakerCoinStartBlock,
		TakerCoinStartBlock: s.TakerCoinStartBlock,
		TakerPayment:        coin.IdentifierOf(s.TakerPayment),
		MakerPayment:        coin.IdentifierOf(s.MakerPayment),
		TakerPaymentSpend:   coin.IdentifierOf(s.TakerPaymentSpend),
		MakerPaymentSpend:   coin.IdentifierOf(s.MakerPaymentSpend),
		NegotiationData:     s.NegotiationData.Stored(),
	}, true
}
func (*MakerPaymentSpent) Terminal() bool { return false }
func (*MakerPaymentSpent) String() string { return string(EventMakerPaymentSpent) }

func (s *MakerPaymentSpent) OnChangedState(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	if m.cfg.RequireMakerPaymentSpendConfirm {
		args := m.confirmArgs(s.MakerPaymentSpend, unixTime(s.NegotiationData.MakerPaymentLocktime))
		if err := m.makerCoin.WaitForConfirmations(ctx, args); err != nil {
			return s.refundRequired(ctx, PaymentRefundMakerPaymentSpendNotConfirmed, err)
		}
	}
	return &Completed{MakerPaymentSpend: s.MakerPaymentSpend}, nil
}

// TakerFundingRefundRequired waits for the funding locktime and reclaims
// the funding.
type TakerFundingRefundRequired struct {
	fundingLeg
	Reason FundingRefundReason
}

func (s *TakerFundingRefundRequired) Event() (Event, bool) {
	return TakerFundingRefundRequiredEvent{
		MakerCoinStartBlock: s.MakerCoinStartBlock,
		TakerCoinStartBlock: s.TakerCoinStartBlock,
		TakerFunding:        coin.IdentifierOf(s.TakerFunding),
		NegotiationData:     s.NegotiationData.Stored(),
		Reason:              s.Reason,
	}, true
}
func (*TakerFundingRefundRequired) Terminal() bool { return false }
func (*TakerFundingRefundRequired) String() string { return string(EventTakerFundingRefundRequired) }

func (s *TakerFundingRefundRequired) OnChangedState(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	m.log.Warn("Taker funding refund required", "reason", s.Reason.String())
	if err := m.waitRefundable(ctx, m.takerFundingLocktime()); err != nil {
		return nil, err
	}
	refund, err := m.takerCoin.RefundFunding(ctx, s.TakerFunding, m.fundingParams(s.NegotiationData))
	if err != nil {
		return abort(ctx, AbortTakerFundingRefundFailed, err)
	}
	return &TakerFundingRefunded{
		TakerFunding:       s.TakerFunding,
		TakerFundingRefund: refund,
		Reason:             s.Reason,
	}, nil
}

// TakerPaymentRefundRequired waits for the payment locktime and reclaims
// the payment.
type TakerPaymentRefundRequired struct {
	TakerPayment    coin.Tx
	NegotiationData NegotiationData
	Reason          PaymentRefundReason
}

func (s *TakerPaymentRefundRequired) Event() (Event, bool) {
	return TakerPaymentRefundRequiredEvent{
		TakerPayment:    coin.IdentifierOf(s.TakerPayment),
		NegotiationData: s.NegotiationData.Stored(),
		Reason:          s.Reason,
	}, true
}
func (*TakerPaymentRefundRequired) Terminal() bool { return false }
func (*TakerPaymentRefundRequired) String() string { return string(EventTakerPaymentRefundRequired) }

func (s *TakerPaymentRefundRequired) OnChangedState(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	m.log.Warn("Taker payment refund required", "reason", s.Reason.String())
	if err := m.waitRefundable(ctx, m.takerPaymentLocktime()); err != nil {
		return nil, err
	}
	refund, err := m.takerCoin.RefundPayment(ctx, s.TakerPayment, m.fundingParams(s.NegotiationData))
	if err != nil {
		return abort(ctx, AbortTakerPaymentRefundFailed, err)
	}
	return &TakerPaymentRefunded{
		TakerPayment:       s.TakerPayment,
		TakerPaymentRefund: refund,
		Reason:             s.Reason,
	}, nil
}

// TakerFundingRefunded is terminal.
type TakerFundingRefunded struct {
	TakerFunding       coin.Tx
	TakerFundingRefund coin.Tx
	Reason             FundingRefundReason
}

func (s *TakerFundingRefunded) Event() (Event, bool) {
	return TakerFundingRefundedEvent{
		TakerFunding:       coin.IdentifierOf(s.TakerFunding),
		TakerFundingRefund: coin.IdentifierOf(s.TakerFundingRefund),
		Reason:             s.Reason,
	}, true
}
func (*TakerFundingRefunded) Terminal() bool { return true }
func (*TakerFundingRefunded) String() string { return string(EventTakerFundingRefunded) }

func (*TakerFundingRefunded) OnChangedState(context.Context, *TakerSwapStateMachine) (State, error) {
	return nil, errTerminalState
}

// TakerPaymentRefunded is terminal.
type TakerPaymentRefunded struct {
	TakerPayment       coin.Tx
	TakerPaymentRefund coin.Tx
	Reason             PaymentRefundReason
}

func (s *TakerPaymentRefunded) Event() (Event, bool) {
	return TakerPaymentRefundedEvent{
		TakerPayment:       coin.IdentifierOf(s.TakerPayment),
		TakerPaymentRefund: coin.IdentifierOf(s.TakerPaymentRefund),
		Reason:             s.Reason,
	}, true
}
func (*TakerPaymentRefunded) Terminal() bool { return true }
func (*TakerPaymentRefunded) String() string { return string(EventTakerPaymentRefunded) }

func (*TakerPaymentRefunded) OnChangedState(context.Context, *TakerSwapStateMachine) (State, error) {
	return nil, errTerminalState
}

// Aborted is terminal. Nothing was locked on chain, or a refund failed.
type Aborted struct {
	Reason AbortReason
}

func (s *Aborted) Event() (Event, bool) { return AbortedEvent{Reason: s.Reason}, true }
func (*Aborted) Terminal() bool         { return true }
func (*Aborted) String() string         { return string(EventAborted) }

func (*Aborted) OnChangedState(context.Context, *TakerSwapStateMachine) (State, error) {
	return nil, errTerminalState
}

// Completed is terminal.
type Completed struct {
	MakerPaymentSpend coin.Tx
}

func (s *Completed) Event() (Event, bool) {
	return CompletedEvent{MakerPaymentSpend: coin.IdentifierOf(s.MakerPaymentSpend)}, true
}
func (*Completed) Terminal() bool { return true }
func (*Completed) String() string { return string(EventCompleted) }

func (*Completed) OnChangedState(context.Context, *TakerSwapStateMachine) (State, error) {
	return nil, errTerminalState
}
