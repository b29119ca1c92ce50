// Package swap implements the taker side of an HTLC atomic swap as a
// persistent state graph driven by the statemachine engine.
//
// The taker locks its coins in a funding HTLC, spends the funding into the
// taker payment once the maker payment is visible, and claims the maker
// payment with the secret the maker reveals when it takes the taker
// payment. Every failure after the funding is broadcast routes to a refund.
package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingswap/internal/bus"
	"github.com/Klingon-tech/klingswap/internal/coin"
	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/internal/statemachine"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// State is a node of the taker swap graph.
type State = statemachine.State[*TakerSwapStateMachine, Event]

// StatusListener receives every event a running swap persists.
type StatusListener interface {
	SwapStatusChanged(id uuid.UUID, ev Event)
}

// Env holds the services shared by every taker swap of a process.
type Env struct {
	Store         *Store
	Router        *bus.Router
	LockedAmounts *LockedAmounts
	Config        config.SwapConfig
	DexFee        config.DexFeeConfig
	Status        StatusListener
}

// TakerSwapStateMachine is the per-swap context handed to every state.
type TakerSwapStateMachine struct {
	snap      *SwapSnapshot
	makerCoin coin.Coin
	takerCoin coin.Coin
	store     *Store

	messenger     *bus.Messenger
	lockedAmounts *LockedAmounts
	cfg           config.SwapConfig
	dexFeeCfg     config.DexFeeConfig
	status        StatusListener
	log           *logging.Logger
}

var _ statemachine.Machine[Event] = (*TakerSwapStateMachine)(nil)

// NewTakerSwapStateMachine binds a snapshot to its coins and the shared
// services.
func NewTakerSwapStateMachine(snap *SwapSnapshot, makerCoin, takerCoin coin.Coin, env *Env) (*TakerSwapStateMachine, error) {
	if makerCoin.Ticker() != snap.MakerCoin || takerCoin.Ticker() != snap.TakerCoin {
		return nil, fmt.Errorf("coins %s/%s do not match swap %s/%s",
			makerCoin.Ticker(), takerCoin.Ticker(), snap.MakerCoin, snap.TakerCoin)
	}

	var key *btcec.PrivateKey
	if len(snap.P2PPrivKey) > 0 {
		key, _ = btcec.PrivKeyFromBytes(snap.P2PPrivKey)
	}

	return &TakerSwapStateMachine{
		snap:          snap,
		makerCoin:     makerCoin,
		takerCoin:     takerCoin,
		store:         env.Store,
		messenger:     bus.NewMessenger(env.Router, snap.UUID, key, snap.MakerP2PPubKey),
		lockedAmounts: env.LockedAmounts,
		cfg:           env.Config,
		dexFeeCfg:     env.DexFee,
		status:        env.Status,
		log:           logging.GetDefault().Component("taker-swap").WithSwap(snap.UUID),
	}, nil
}

// ID returns the swap identifier.
func (m *TakerSwapStateMachine) ID() uuid.UUID { return m.snap.UUID }

// Snapshot returns the swap's immutable parameters.
func (m *TakerSwapStateMachine) Snapshot() *SwapSnapshot { return m.snap }

// OnEvent runs after ev is persisted.
func (m *TakerSwapStateMachine) OnEvent(ev Event) {
	m.applyEvent(ev)
	m.log.Info("Swap event", "event", ev.Type())
	if m.status != nil {
		m.status.SwapStatusChanged(m.ID(), ev)
	}
	if ev.Type().Terminal() {
		m.messenger.Close()
	}
}

// OnKickstartEvent replays a historical event before the swap resumes.
func (m *TakerSwapStateMachine) OnKickstartEvent(ev Event) {
	m.applyEvent(ev)
}

func (m *TakerSwapStateMachine) applyEvent(ev Event) {
	switch e := ev.(type) {
	case InitializedEvent:
		m.lockedAmounts.Lock(m.ID(), m.snap.TakerCoin, m.lockedAmount(e.TakerPaymentFee.Amount))
	case TakerFundingSentEvent:
		m.lockedAmounts.Unlock(m.ID())
	default:
		if ev.Type().Terminal() {
			m.lockedAmounts.Unlock(m.ID())
		}
	}
}

func (m *TakerSwapStateMachine) lockedAmount(takerPaymentFee uint64) uint64 {
	return m.snap.TakerVolume + m.snap.DexFee.Total() + m.snap.TakerPremium + takerPaymentFee
}

func (m *TakerSwapStateMachine) uniqueData() []byte {
	id := m.snap.UUID
	return id[:]
}

func (m *TakerSwapStateMachine) takerFundingLocktime() uint64 {
	return TakerFundingLocktime(m.snap.StartedAt, m.snap.LockDuration)
}

func (m *TakerSwapStateMachine) takerPaymentLocktime() uint64 {
	return TakerPaymentLocktime(m.snap.StartedAt, m.snap.LockDuration)
}

func (m *TakerSwapStateMachine) makerPaymentConfirmDeadline() time.Time {
	return unixTime(MakerPaymentConfirmDeadline(m.snap.StartedAt, m.snap.LockDuration))
}

func (m *TakerSwapStateMachine) fundingParams(nd NegotiationData) coin.FundingParams {
	return coin.FundingParams{
		FundingTimeLock: m.takerFundingLocktime(),
		PaymentTimeLock: m.takerPaymentLocktime(),
		MakerPub:        nd.TakerCoinHTLCPub,
		TakerSecretHash: m.snap.SecretHash(),
		MakerSecretHash: nd.MakerSecretHash,
		HashAlgo:        m.snap.SecretHashAlgo,
		DexFee:          m.snap.DexFee,
		Premium:         m.snap.TakerPremium,
		TradingAmount:   m.snap.TakerVolume,
		SwapUnique:      m.uniqueData(),
		SwapContract:    nd.TakerCoinSwapContract,
	}
}

func (m *TakerSwapStateMachine) makerPaymentParams(nd NegotiationData) coin.MakerPaymentParams {
	return coin.MakerPaymentParams{
		TimeLock:     nd.MakerPaymentLocktime,
		MakerPub:     nd.MakerCoinHTLCPub,
		SecretHash:   nd.MakerSecretHash,
		HashAlgo:     nd.MakerSecretHashAlgo,
		Amount:       m.snap.MakerVolume,
		SwapUnique:   m.uniqueData(),
		SwapContract: nd.MakerCoinSwapContract,
	}
}

func (m *TakerSwapStateMachine) confirmArgs(tx coin.Tx, until time.Time) coin.ConfirmArgs {
	return coin.ConfirmArgs{
		Tx:                   tx,
		Confirmations:        m.snap.MakerCoinConfs,
		RequiresNotarization: m.snap.MakerCoinNota,
		WaitUntil:            until,
		CheckEvery:           m.cfg.ConfirmationPollInterval,
	}
}

// whileBroadcasting repeats msg every MessageInterval while fn runs. The
// broadcast is cancelled as soon as fn returns.
func (m *TakerSwapStateMachine) whileBroadcasting(ctx context.Context, msg bus.Message, fn func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	broadcastCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		m.messenger.Broadcast(broadcastCtx, msg, m.cfg.MessageInterval)
		return nil
	})
	g.Go(func() error {
		defer stop()
		return fn(gctx)
	})
	return g.Wait()
}

// sendAndAwait repeats msg until a reply of kind arrives or deadline passes.
func (m *TakerSwapStateMachine) sendAndAwait(ctx context.Context, msg bus.Message, kind bus.Kind, deadline time.Time) (bus.Message, error) {
	var reply bus.Message
	err := m.whileBroadcasting(ctx, msg, func(ctx context.Context) error {
		var err error
		reply, err = m.messenger.Await(ctx, kind, deadline)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// waitRefundable polls the taker coin until locktime has passed. Adapter
// errors are retried every RefundRetryInterval; only cancellation ends the
// wait early.
func (m *TakerSwapStateMachine) waitRefundable(ctx context.Context, locktime uint64) error {
	for {
		wait := m.cfg.RefundRetryInterval
		ready, err := m.takerCoin.CanRefundNow(ctx, locktime)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn("Refund readiness check failed", "locktime", locktime, "error", err)
		case ready.Ready:
			return nil
		case ready.Wait > 0 && ready.Wait < wait:
			wait = ready.Wait
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
