package swap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingswap/internal/bus"
	"github.com/Klingon-tech/klingswap/internal/coin"
	"github.com/Klingon-tech/klingswap/internal/coin/cointest"
	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/internal/reentrancy"
	"github.com/Klingon-tech/klingswap/internal/statemachine"
	"github.com/Klingon-tech/klingswap/internal/storage"
)

const (
	testMakerVolume = 50_000_000
	testTakerVolume = 10_000_000
	testPremium     = 1_000
	waitTimeout     = 5 * time.Second
)

var happyPath = []EventType{
	EventInitialized,
	EventNegotiated,
	EventTakerFundingSent,
	EventMakerPaymentAndFundingSpendPreimgReceived,
	EventTakerPaymentSent,
	EventTakerPaymentSpent,
	EventMakerPaymentSpent,
	EventCompleted,
}

func newID(n byte) uuid.UUID {
	var id uuid.UUID
	id[15] = n
	return id
}

func testSwapConfig() config.SwapConfig {
	cfg := config.DefaultSwapConfig()
	cfg.MessageInterval = 10 * time.Millisecond
	cfg.NegotiationTimeout = 2 * time.Second
	cfg.ConfirmationPollInterval = 5 * time.Millisecond
	cfg.RefundRetryInterval = 5 * time.Millisecond
	cfg.RequireMakerPaymentConfirmBeforeFundingSpend = false
	return cfg
}

// eventRecorder is the status listener of the swaps under test.
type eventRecorder struct {
	mu      sync.Mutex
	events  []EventType
	onEvent func(EventType)
	ch      chan EventType
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan EventType, 64)}
}

func (r *eventRecorder) SwapStatusChanged(_ uuid.UUID, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev.Type())
	hook := r.onEvent
	r.mu.Unlock()

	if hook != nil {
		hook(ev.Type())
	}
	select {
	case r.ch <- ev.Type():
	default:
	}
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventType(nil), r.events...)
}

func (r *eventRecorder) setHook(fn func(EventType)) {
	r.mu.Lock()
	r.onEvent = fn
	r.mu.Unlock()
}

func (r *eventRecorder) waitFor(t *testing.T, want EventType) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case got := <-r.ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("event %s not seen", want)
		}
	}
}

type harness struct {
	t         *testing.T
	hub       *bus.MemoryHub
	db        storage.Store
	store     *Store
	locker    reentrancy.Locker
	makerCoin *cointest.Coin
	takerCoin *cointest.Coin
	cfg       config.SwapConfig
	rec       *eventRecorder
	mgr       *Manager
}

func newHarness(t *testing.T, cfg config.SwapConfig) *harness {
	t.Helper()
	db, err := storage.Open(&storage.Config{Driver: storage.DriverBolt, DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		t:         t,
		hub:       bus.NewMemoryHub(),
		db:        db,
		store:     NewStore(db),
		locker:    reentrancy.NewMemoryLocker(),
		makerCoin: cointest.New("BTC"),
		takerCoin: cointest.New("LTC"),
		cfg:       cfg,
	}
	h.mgr = h.newManager()
	return h
}

// newManager simulates a process start against the same database.
func (h *harness) newManager() *Manager {
	router := bus.NewRouter(h.hub.Endpoint())
	h.t.Cleanup(router.Close)
	h.rec = newEventRecorder()
	return NewManager(ManagerConfig{
		Store:  h.store,
		Router: router,
		Locker: h.locker,
		Coins:  []coin.Coin{h.makerCoin, h.takerCoin},
		Swap:   h.cfg,
		DexFee: config.DefaultDexFeeConfig(),
		Status: h.rec,
	})
}

func (h *harness) start(p StartParams) *TakerSwapStateMachine {
	h.t.Helper()
	if p.MakerCoin == "" {
		p.MakerCoin, p.TakerCoin = "BTC", "LTC"
	}
	if p.MakerVolume == 0 {
		p.MakerVolume, p.TakerVolume, p.TakerPremium = testMakerVolume, testTakerVolume, testPremium
	}
	m, err := h.mgr.Start(context.Background(), p)
	require.NoError(h.t, err)
	return m
}

func (h *harness) eventTypes(id uuid.UUID) []EventType {
	h.t.Helper()
	events, err := h.store.Events(context.Background(), id)
	require.NoError(h.t, err)
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type()
	}
	return types
}

// makerScript plays the maker side of a swap over its own bus endpoint.
type makerScript struct {
	id        uuid.UUID
	msgr      *bus.Messenger
	makerCoin *cointest.Coin
	takerCoin *cointest.Coin
	secret    []byte
	lock      uint64

	startedAtShift uint64
	ack            bus.NegotiationAck
	wrongPayment   bool
}

func (h *harness) newMaker(id uuid.UUID, key *btcec.PrivateKey) *makerScript {
	router := bus.NewRouter(h.hub.Endpoint())
	h.t.Cleanup(router.Close)
	return &makerScript{
		id:        id,
		msgr:      bus.NewMessenger(router, id, key, nil),
		makerCoin: h.makerCoin,
		takerCoin: h.takerCoin,
		secret:    []byte("maker secret maker secret maker!"),
		lock:      uint64(h.cfg.LockDuration / time.Second),
		ack:       bus.NegotiationAck{Negotiated: true},
	}
}

func (mk *makerScript) secretHash() []byte {
	h := sha256.Sum256(mk.secret)
	return h[:]
}

func (mk *makerScript) await(ctx context.Context, kind bus.Kind) (bus.Message, error) {
	return mk.msgr.Await(ctx, kind, time.Now().Add(waitTimeout))
}

func (mk *makerScript) negotiate(ctx context.Context) error {
	msg, err := mk.await(ctx, bus.KindNegotiationRequest)
	if err != nil {
		return err
	}
	req := msg.(bus.NegotiationRequest)
	startedAt := req.StartedAt + mk.startedAtShift

	makerUnique := []byte("maker")
	reply := bus.NegotiationReply{
		StartedAt:        startedAt,
		PaymentLocktime:  MakerPaymentLocktime(startedAt, mk.lock),
		SecretHash:       mk.secretHash(),
		MakerCoinHTLCPub: mk.makerCoin.DeriveHTLCPubKey(makerUnique).Bytes(),
		TakerCoinHTLCPub: mk.takerCoin.DeriveHTLCPubKey(makerUnique).Bytes(),
		TakerCoinAddress: "maker-ltc-address",
	}
	if err := mk.msgr.Send(ctx, reply); err != nil {
		return err
	}
	if _, err := mk.await(ctx, bus.KindNegotiationContinue); err != nil {
		return err
	}
	return mk.msgr.Send(ctx, mk.ack)
}

func (mk *makerScript) pay(ctx context.Context) error {
	msg, err := mk.await(ctx, bus.KindFundingInfo)
	if err != nil {
		return err
	}
	funding := cointest.NewTx(msg.(bus.FundingInfo).FundingTx)

	amount := uint64(testMakerVolume)
	if mk.wrongPayment {
		amount++
	}
	preimage := cointest.FundingSpendPreimageFor(funding)
	info := bus.PaymentInfo{
		MakerPaymentTx:     cointest.MakerPayment(mk.id[:], amount).TxHex(),
		FundingPreimage:    preimage,
		FundingPreimageSig: cointest.SignFake(preimage),
	}
	if err := mk.msgr.Send(ctx, info); err != nil {
		return err
	}
	if mk.wrongPayment {
		return nil
	}

	if !mk.takerCoin.SkipPaymentSpendPreimage() {
		if _, err := mk.await(ctx, bus.KindPaymentSpendPreimage); err != nil {
			return err
		}
	}
	mk.takerCoin.SpendPayment(cointest.PaymentFor(funding), mk.secret)
	return nil
}

func (mk *makerScript) run(ctx context.Context) error {
	if err := mk.negotiate(ctx); err != nil {
		return err
	}
	if !mk.ack.Negotiated {
		return nil
	}
	return mk.pay(ctx)
}

// goRun runs fn in the background and returns a channel with its result.
func goRun(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

func TestTakerSwapHappyPath(t *testing.T) {
	tests := []struct {
		name          string
		confirmBefore bool
		spendConfirm  bool
		skipPreimage  bool
		sign          bool
		want          []EventType
		confirmWaits  int
	}{
		{
			name:         "confirm after funding spend",
			want:         happyPath,
			confirmWaits: 1,
		},
		{
			name:          "confirm before funding spend",
			confirmBefore: true,
			want: []EventType{
				EventInitialized,
				EventNegotiated,
				EventTakerFundingSent,
				EventMakerPaymentAndFundingSpendPreimgReceived,
				EventMakerPaymentConfirmed,
				EventTakerPaymentSent,
				EventTakerPaymentSpent,
				EventMakerPaymentSpent,
				EventCompleted,
			},
			confirmWaits: 1,
		},
		{
			name:         "spend confirmation required",
			spendConfirm: true,
			sign:         true,
			want:         happyPath,
			confirmWaits: 2,
		},
		{
			name:         "preimage skipped",
			skipPreimage: true,
			want: []EventType{
				EventInitialized,
				EventNegotiated,
				EventTakerFundingSent,
				EventMakerPaymentAndFundingSpendPreimgReceived,
				EventTakerPaymentSentPreimageSkipped,
				EventTakerPaymentSpent,
				EventMakerPaymentSpent,
				EventCompleted,
			},
			confirmWaits: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testSwapConfig()
			cfg.RequireMakerPaymentConfirmBeforeFundingSpend = tt.confirmBefore
			cfg.RequireMakerPaymentSpendConfirm = tt.spendConfirm
			h := newHarness(t, cfg)
			h.takerCoin.SetSkipPaymentSpendPreimage(tt.skipPreimage)

			var makerKey *btcec.PrivateKey
			params := StartParams{SignMessages: tt.sign}
			if tt.sign {
				var err error
				makerKey, err = btcec.NewPrivateKey()
				require.NoError(t, err)
				params.MakerP2PPubKey = makerKey.PubKey().SerializeCompressed()
			}
			m := h.start(params)

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			makerDone := goRun(func() error { return h.newMaker(m.ID(), makerKey).run(ctx) })

			final, err := h.mgr.Run(ctx, m)
			require.NoError(t, err)
			require.NoError(t, <-makerDone)

			require.IsType(t, &Completed{}, final)
			assert.Equal(t, tt.want, h.eventTypes(m.ID()))
			assert.Equal(t, tt.want, h.rec.types())
			assert.Equal(t, tt.confirmWaits, h.makerCoin.Calls(cointest.MethodWaitForConfirmations))
			assert.Equal(t, 1, h.takerCoin.Calls(cointest.MethodSendFunding))
			assert.Equal(t, 1, h.makerCoin.Calls(cointest.MethodSpendMakerPayment))
			if tt.skipPreimage {
				assert.Zero(t, h.takerCoin.Calls(cointest.MethodSignPaymentSpendPreimage))
			}
			assert.Zero(t, h.mgr.LockedAmounts().Total("LTC"))

			unfinished, err := h.store.Unfinished(context.Background())
			require.NoError(t, err)
			assert.NotContains(t, unfinished, m.ID())
		})
	}
}

func TestTakerSwapMakerSilentAborts(t *testing.T) {
	cfg := testSwapConfig()
	cfg.NegotiationTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	m := h.start(StartParams{})

	final, err := h.mgr.Run(context.Background(), m)
	require.NoError(t, err)

	aborted, ok := final.(*Aborted)
	require.True(t, ok, "final state %s", final)
	assert.Equal(t, AbortDidNotReceiveNegotiation, aborted.Reason.Kind)
	assert.Equal(t, []EventType{EventInitialized, EventAborted}, h.eventTypes(m.ID()))
	assert.Zero(t, h.takerCoin.Calls(cointest.MethodSendFunding))
	assert.Zero(t, h.mgr.LockedAmounts().Total("LTC"))
}

func TestTakerSwapNegotiationAborts(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness, mk *makerScript)
		want  AbortKind
	}{
		{
			name: "maker rejects",
			setup: func(_ *harness, mk *makerScript) {
				mk.ack = bus.NegotiationAck{Negotiated: false, Reason: "price moved"}
			},
			want: AbortMakerAbortedNegotiation,
		},
		{
			name: "clock skew",
			setup: func(_ *harness, mk *makerScript) {
				mk.startedAtShift = 120
			},
			want: AbortTooLargeStartedAtDiff,
		},
		{
			name: "insufficient balance",
			setup: func(h *harness, _ *makerScript) {
				h.takerCoin.SetBalance(testTakerVolume)
			},
			want: AbortBalanceCheckFailure,
		},
		{
			name: "funding broadcast fails",
			setup: func(h *harness, _ *makerScript) {
				h.takerCoin.FailOn(cointest.MethodSendFunding, errors.New("mempool full"))
			},
			want: AbortFailedToSendTakerFunding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testSwapConfig())
			m := h.start(StartParams{})
			mk := h.newMaker(m.ID(), nil)
			tt.setup(h, mk)

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			makerCtx, stopMaker := context.WithCancel(ctx)
			makerDone := goRun(func() error { return mk.negotiate(makerCtx) })

			final, err := h.mgr.Run(ctx, m)
			require.NoError(t, err)
			stopMaker()
			<-makerDone

			aborted, ok := final.(*Aborted)
			require.True(t, ok, "final state %s", final)
			assert.Equal(t, tt.want, aborted.Reason.Kind)
			if tt.want == AbortMakerAbortedNegotiation {
				assert.Equal(t, "price moved", aborted.Reason.Details)
			}
			assert.Zero(t, h.mgr.LockedAmounts().Total("LTC"))
		})
	}
}

func TestTakerSwapInvalidMakerPaymentRefundsFunding(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	h.takerCoin.SetRefundNotReady(2, 1)
	m := h.start(StartParams{})

	mk := h.newMaker(m.ID(), nil)
	mk.wrongPayment = true

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	makerDone := goRun(func() error { return mk.run(ctx) })

	final, err := h.mgr.Run(ctx, m)
	require.NoError(t, err)
	require.NoError(t, <-makerDone)

	refunded, ok := final.(*TakerFundingRefunded)
	require.True(t, ok, "final state %s", final)
	assert.Equal(t, FundingRefundCounterpartyPaymentValidationFailed, refunded.Reason.Kind)
	assert.Equal(t, []EventType{
		EventInitialized,
		EventNegotiated,
		EventTakerFundingSent,
		EventMakerPaymentAndFundingSpendPreimgReceived,
		EventTakerFundingRefundRequired,
		EventTakerFundingRefunded,
	}, h.eventTypes(m.ID()))

	// One transient error, two not-ready answers, then ready.
	assert.Equal(t, 4, h.takerCoin.Calls(cointest.MethodCanRefundNow))
	assert.Equal(t, 1, h.takerCoin.Calls(cointest.MethodRefundFunding))
	assert.Zero(t, h.takerCoin.Calls(cointest.MethodSignAndBroadcastFundingSpend))
}

func TestTakerSwapMakerPaymentNotConfirmedRefundsPayment(t *testing.T) {
	cfg := testSwapConfig()
	cfg.RequireMakerPaymentConfirmBeforeFundingSpend = false
	h := newHarness(t, cfg)
	h.makerCoin.FailOn(cointest.MethodWaitForConfirmations, coin.ErrNotConfirmed)
	m := h.start(StartParams{})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	makerCtx, stopMaker := context.WithCancel(ctx)
	makerDone := goRun(func() error { return h.newMaker(m.ID(), nil).run(makerCtx) })

	final, err := h.mgr.Run(ctx, m)
	require.NoError(t, err)
	stopMaker()
	<-makerDone

	refunded, ok := final.(*TakerPaymentRefunded)
	require.True(t, ok, "final state %s", final)
	assert.Equal(t, PaymentRefundMakerPaymentNotConfirmedInTime, refunded.Reason.Kind)
	assert.Equal(t, []EventType{
		EventInitialized,
		EventNegotiated,
		EventTakerFundingSent,
		EventMakerPaymentAndFundingSpendPreimgReceived,
		EventTakerPaymentSent,
		EventTakerPaymentRefundRequired,
		EventTakerPaymentRefunded,
	}, h.eventTypes(m.ID()))
	assert.Zero(t, h.takerCoin.Calls(cointest.MethodSignPaymentSpendPreimage))
	assert.Equal(t, 1, h.takerCoin.Calls(cointest.MethodRefundPayment))
}

func TestTakerSwapFailedRefundAborts(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	h.takerCoin.FailOn(cointest.MethodRefundFunding, errors.New("backend down"))
	m := h.start(StartParams{})

	mk := h.newMaker(m.ID(), nil)
	mk.wrongPayment = true

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	makerDone := goRun(func() error { return mk.run(ctx) })

	final, err := h.mgr.Run(ctx, m)
	require.NoError(t, err)
	require.NoError(t, <-makerDone)

	aborted, ok := final.(*Aborted)
	require.True(t, ok, "final state %s", final)
	assert.Equal(t, AbortTakerFundingRefundFailed, aborted.Reason.Kind)
	assert.Contains(t, aborted.Reason.Details, "backend down")
}

func TestKickstartAfterRefundBroadcastCompletesRefund(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	h.takerCoin.SetRefundNotReady(1_000_000, 0)
	m := h.start(StartParams{})
	id := m.ID()

	mk := h.newMaker(id, nil)
	mk.wrongPayment = true

	ctx, cancel := context.WithCancel(context.Background())
	h.rec.setHook(func(ev EventType) {
		if ev == EventTakerFundingRefundRequired {
			cancel()
		}
	})
	makerDone := goRun(func() error { return mk.run(ctx) })

	_, err := h.mgr.Run(ctx, m)
	require.ErrorIs(t, err, context.Canceled)
	<-makerDone

	events, err := h.store.Events(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, events, 5)
	sent, ok := events[2].(TakerFundingSentEvent)
	require.True(t, ok)

	// The refund reached the network before the process stopped.
	broadcast, err := h.takerCoin.RefundFunding(context.Background(), cointest.NewTx(sent.TakerFunding.TxHex), coin.FundingParams{})
	require.NoError(t, err)

	h.takerCoin.SetRefundNotReady(0, 0)
	h.mgr = h.newManager()
	resumed, err := h.mgr.Kickstart(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, resumed.Count)
	require.NoError(t, resumed.Wait())

	events, err = h.store.Events(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, events, 6)
	refunded, ok := events[5].(TakerFundingRefundedEvent)
	require.True(t, ok, "last event %s", events[5].Type())
	assert.Equal(t, broadcast.TxHash(), []byte(refunded.TakerFundingRefund.TxHash))
	assert.Equal(t, FundingRefundCounterpartyPaymentValidationFailed, refunded.Reason.Kind)
}

func TestTakerSwapReentrancy(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	m := h.start(StartParams{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := goRun(func() error {
		_, err := h.mgr.Run(ctx, m)
		return err
	})
	h.rec.waitFor(t, EventInitialized)

	_, err := h.mgr.Run(context.Background(), m)
	require.ErrorIs(t, err, statemachine.ErrAlreadyRunning)
	assert.Equal(t, 1, h.makerCoin.Calls(cointest.MethodCurrentBlockHeight))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []EventType{EventInitialized}, h.eventTypes(m.ID()))
}

func TestRunRejectsStartedSwap(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	m := h.start(StartParams{})
	ctx := context.Background()
	require.NoError(t, h.store.StoreEvent(ctx, m.ID(), InitializedEvent{}))

	_, err := h.mgr.Run(ctx, m)
	require.ErrorIs(t, err, ErrSwapAlreadyStarted)
	assert.Equal(t, []EventType{EventInitialized}, h.eventTypes(m.ID()))
	assert.Zero(t, h.makerCoin.Calls(cointest.MethodCurrentBlockHeight))

	// The lease was released, so the swap can still be resumed.
	kickCtx, cancel := context.WithCancel(ctx)
	resumed, err := h.mgr.Kickstart(kickCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.Count)
	cancel()
	_ = resumed.Wait()
}

func TestTakerSwapKickstartResumesMidFlight(t *testing.T) {
	tests := []struct {
		name          string
		confirmBefore bool
		want          []EventType
	}{
		{name: "confirm after funding spend", want: happyPath},
		{
			name:          "confirm before funding spend",
			confirmBefore: true,
			want: []EventType{
				EventInitialized,
				EventNegotiated,
				EventTakerFundingSent,
				EventMakerPaymentAndFundingSpendPreimgReceived,
				EventMakerPaymentConfirmed,
				EventTakerPaymentSent,
				EventTakerPaymentSpent,
				EventMakerPaymentSpent,
				EventCompleted,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testSwapConfig()
			cfg.RequireMakerPaymentConfirmBeforeFundingSpend = tt.confirmBefore
			h := newHarness(t, cfg)
			m := h.start(StartParams{})
			id := m.ID()

			ctx, cancel := context.WithCancel(context.Background())
			h.rec.setHook(func(ev EventType) {
				if ev == EventTakerFundingSent {
					cancel()
				}
			})
			makerDone := goRun(func() error { return h.newMaker(id, nil).negotiate(ctx) })

			_, err := h.mgr.Run(ctx, m)
			require.ErrorIs(t, err, context.Canceled)
			require.NoError(t, <-makerDone)

			before, err := h.db.GetEvents(context.Background(), id)
			require.NoError(t, err)
			require.Len(t, before, 3)

			// Restart.
			h.mgr = h.newManager()
			ctx, cancel = context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			makerDone = goRun(func() error { return h.newMaker(id, nil).pay(ctx) })

			resumed, err := h.mgr.Kickstart(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, resumed.Count)
			require.NoError(t, resumed.Wait())
			require.NoError(t, <-makerDone)

			after, err := h.db.GetEvents(context.Background(), id)
			require.NoError(t, err)
			require.Len(t, after, len(tt.want))
			for i := range before {
				assert.Equal(t, before[i].Type, after[i].Type)
				assert.Equal(t, before[i].Data, after[i].Data, "event %d rewritten", i)
			}
			assert.Equal(t, tt.want, h.eventTypes(id))
			assert.Equal(t, 1, h.takerCoin.Calls(cointest.MethodSendFunding))
			assert.Zero(t, h.mgr.LockedAmounts().Total("LTC"))

			// A finished swap is not resumed again.
			resumed, err = h.mgr.Kickstart(context.Background())
			require.NoError(t, err)
			assert.Zero(t, resumed.Count)
		})
	}
}

func TestKickstartMarksTerminalLogFinished(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	m := h.start(StartParams{})
	ctx := context.Background()

	require.NoError(t, h.store.StoreEvent(ctx, m.ID(), AbortedEvent{Reason: AbortReason{Kind: AbortBalanceCheckFailure}}))

	resumed, err := h.mgr.Kickstart(ctx)
	require.NoError(t, err)
	assert.Zero(t, resumed.Count)

	unfinished, err := h.store.Unfinished(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)
}

func TestRecreateErrors(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	ctx := context.Background()

	fresh := h.start(StartParams{})
	_, _, _, err := h.mgr.Recreate(ctx, fresh.ID())
	require.ErrorIs(t, err, ErrReprEventsEmpty)

	terminal := []struct {
		ev   Event
		want error
	}{
		{AbortedEvent{}, ErrSwapAborted},
		{CompletedEvent{}, ErrSwapCompleted},
		{TakerFundingRefundedEvent{}, ErrSwapFundingRefunded},
		{TakerPaymentRefundedEvent{}, ErrSwapPaymentRefunded},
	}
	for _, tt := range terminal {
		m := h.start(StartParams{})
		require.NoError(t, h.store.StoreEvent(ctx, m.ID(), InitializedEvent{}))
		require.NoError(t, h.store.StoreEvent(ctx, m.ID(), tt.ev))

		_, _, _, err := h.mgr.Recreate(ctx, m.ID())
		require.ErrorIs(t, err, tt.want)
		require.ErrorIs(t, err, statemachine.ErrAlreadyFinished)
	}
}

func TestRebuildStateMatchesLog(t *testing.T) {
	for _, confirmBefore := range []bool{false, true} {
		cfg := testSwapConfig()
		cfg.RequireMakerPaymentConfirmBeforeFundingSpend = confirmBefore
		h := newHarness(t, cfg)
		m := h.start(StartParams{})

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		makerDone := goRun(func() error { return h.newMaker(m.ID(), nil).run(ctx) })
		_, err := h.mgr.Run(ctx, m)
		require.NoError(t, err)
		require.NoError(t, <-makerDone)
		cancel()

		events, err := h.store.Events(context.Background(), m.ID())
		require.NoError(t, err)

		for i := range events {
			state, err := RebuildState(events[:i+1], h.makerCoin, h.takerCoin)
			require.NoError(t, err, "prefix %d", i)

			ev, ok := state.Event()
			require.True(t, ok)
			want, err := MarshalEvent(events[i])
			require.NoError(t, err)
			got, err := MarshalEvent(ev)
			require.NoError(t, err)
			assert.JSONEq(t, string(want), string(got), "state %s", state)

			if sent, ok := state.(*TakerPaymentSent); ok {
				assert.Equal(t, confirmBefore, sent.makerPaymentConfirmed)
			}
		}
	}
}

func TestRebuildStateRejectsBrokenLog(t *testing.T) {
	maker, taker := cointest.New("BTC"), cointest.New("LTC")

	_, err := RebuildState(nil, maker, taker)
	require.ErrorIs(t, err, ErrReprEventsEmpty)

	_, err = RebuildState([]Event{NegotiatedEvent{}}, maker, taker)
	require.ErrorIs(t, err, ErrInvalidEventSequence)

	_, err = RebuildState([]Event{InitializedEvent{}, CompletedEvent{}}, maker, taker)
	require.ErrorIs(t, err, ErrInvalidEventSequence)

	// Valid sequence with an unparsable negotiation.
	_, err = RebuildState([]Event{InitializedEvent{}, NegotiatedEvent{}}, maker, taker)
	require.Error(t, err)
}

func TestOnEventLocksAndUnlocks(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	m := h.start(StartParams{})
	locked := h.mgr.LockedAmounts()

	m.OnEvent(InitializedEvent{TakerPaymentFee: SavedTradeFee{Coin: "LTC", Amount: 1_000}})
	got, ok := locked.Get(m.ID())
	require.True(t, ok)
	want := uint64(testTakerVolume) + m.Snapshot().DexFee.Total() + testPremium + 1_000
	assert.Equal(t, LockedAmount{Coin: "LTC", Amount: want}, got)

	m.OnEvent(TakerFundingSentEvent{})
	_, ok = locked.Get(m.ID())
	assert.False(t, ok)

	m.OnKickstartEvent(InitializedEvent{})
	_, ok = locked.Get(m.ID())
	assert.True(t, ok)
	m.OnEvent(AbortedEvent{})
	_, ok = locked.Get(m.ID())
	assert.False(t, ok)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	ctx := context.Background()

	_, err := h.mgr.Start(ctx, StartParams{MakerCoin: "BTC", TakerCoin: "BTC", MakerVolume: 1, TakerVolume: 1})
	require.ErrorIs(t, err, ErrSameCoin)
	_, err = h.mgr.Start(ctx, StartParams{MakerCoin: "BTC", TakerCoin: "DOGE", MakerVolume: 1, TakerVolume: 1})
	require.ErrorIs(t, err, ErrUnknownCoin)
	_, err = h.mgr.Start(ctx, StartParams{MakerCoin: "BTC", TakerCoin: "LTC"})
	require.ErrorIs(t, err, ErrInvalidVolume)

	m := h.start(StartParams{SignMessages: true})
	snap, err := h.store.Snapshot(ctx, m.ID())
	require.NoError(t, err)
	assert.Len(t, []byte(snap.Secret), SecretSize)
	assert.Equal(t, coin.SHA256, snap.SecretHashAlgo)
	assert.Len(t, []byte(snap.P2PPrivKey), 32)
	assert.Equal(t, uint8(CurrentSwapVersion), snap.SwapVersion)
	assert.Equal(t, uint64(testSwapConfig().LockDuration/time.Second), snap.LockDuration)
	assert.False(t, snap.DexFee.IsZero())
}

func TestStartCollectorPaysNoFee(t *testing.T) {
	h := newHarness(t, testSwapConfig())
	collector := config.DefaultDexFeeConfig().CollectorPubKey
	pub, err := hex.DecodeString(collector)
	require.NoError(t, err)
	h.takerCoin.SetPubKey(pub)

	m := h.start(StartParams{})
	assert.True(t, m.Snapshot().DexFee.IsZero())
}
