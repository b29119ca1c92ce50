package swap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingswap/internal/coin"
	"github.com/Klingon-tech/klingswap/internal/config"
)

func TestEventCodec(t *testing.T) {
	ev := TakerFundingRefundRequiredEvent{
		MakerCoinStartBlock: 800_000,
		TakerCoinStartBlock: 2_500_000,
		TakerFunding:        coin.TransactionIdentifier{TxHex: []byte{0x01, 0x02}, TxHash: []byte{0xaa}},
		NegotiationData: StoredNegotiationData{
			MakerPaymentLocktime:  1_700_015_600,
			MakerSecretHash:       make([]byte, 32),
			MakerCoinHTLCPub:      []byte{0x02, 0x01},
			TakerCoinHTLCPub:      []byte{0x03, 0x01},
			TakerCoinMakerAddress: "ltc1qmaker",
		},
		Reason: FundingRefundReason{Kind: FundingRefundDidNotReceiveMakerPayment, Details: "timed out"},
	}

	data, err := MarshalEvent(ev)
	require.NoError(t, err)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.JSONEq(t, `"TakerFundingRefundRequired"`, string(envelope["event_type"]))

	got, err := UnmarshalEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev, got)

	_, err = UnmarshalEvent([]byte(`{"event_type":"Teleported","event_data":{}}`))
	require.ErrorIs(t, err, ErrUnknownEventType)
}

func TestEveryEventRoundTrips(t *testing.T) {
	tx := func(b byte) coin.TransactionIdentifier {
		return coin.TransactionIdentifier{TxHex: []byte{b, b}, TxHash: []byte{b}}
	}
	nd := StoredNegotiationData{
		MakerPaymentLocktime:  1_700_015_600,
		MakerSecretHash:       make([]byte, 32),
		MakerCoinHTLCPub:      []byte{0x02, 0x01},
		TakerCoinHTLCPub:      []byte{0x03, 0x01},
		TakerCoinMakerAddress: "ltc1qmaker",
		TakerCoinSwapContract: []byte{0x0c},
	}
	fee := SavedTradeFee{Coin: "LTC", Amount: 1_000}
	received := MakerPaymentReceivedEvent{
		MakerCoinStartBlock:  800_000,
		TakerCoinStartBlock:  2_500_000,
		NegotiationData:      nd,
		TakerFunding:         tx(1),
		FundingSpendPreimage: StoredTxPreimage{Preimage: []byte{0x0a}, Signature: []byte{0x0b}},
		MakerPayment:         tx(2),
	}
	sent := TakerPaymentSentEvent{
		MakerCoinStartBlock: 800_000,
		TakerCoinStartBlock: 2_500_000,
		TakerPayment:        tx(3),
		MakerPayment:        tx(2),
		NegotiationData:     nd,
	}

	tests := []struct {
		ev   Event
		want EventType
	}{
		{InitializedEvent{MakerCoinStartBlock: 1, TakerCoinStartBlock: 2, TakerPaymentFee: fee, MakerPaymentSpendFee: fee}, EventInitialized},
		{NegotiatedEvent{MakerCoinStartBlock: 1, NegotiationData: nd, TakerPaymentFee: fee, MakerPaymentSpendFee: fee}, EventNegotiated},
		{TakerFundingSentEvent{MakerCoinStartBlock: 1, TakerFunding: tx(1), NegotiationData: nd}, EventTakerFundingSent},
		{TakerFundingRefundRequiredEvent{
			TakerFunding:    tx(1),
			NegotiationData: nd,
			Reason:          FundingRefundReason{Kind: FundingRefundCounterpartyPaymentValidationFailed, Details: "short"},
		}, EventTakerFundingRefundRequired},
		{MakerPaymentAndFundingSpendPreimgReceivedEvent{received}, EventMakerPaymentAndFundingSpendPreimgReceived},
		{MakerPaymentConfirmedEvent{received}, EventMakerPaymentConfirmed},
		{sent, EventTakerPaymentSent},
		{TakerPaymentSentPreimageSkippedEvent{sent}, EventTakerPaymentSentPreimageSkipped},
		{TakerPaymentRefundRequiredEvent{
			TakerPayment:    tx(3),
			NegotiationData: nd,
			Reason:          PaymentRefundReason{Kind: PaymentRefundMakerDidNotSpendInTime},
		}, EventTakerPaymentRefundRequired},
		{TakerPaymentSpentEvent{TakerPayment: tx(3), MakerPayment: tx(2), TakerPaymentSpend: tx(4), NegotiationData: nd}, EventTakerPaymentSpent},
		{MakerPaymentSpentEvent{
			TakerPayment:      tx(3),
			MakerPayment:      tx(2),
			TakerPaymentSpend: tx(4),
			MakerPaymentSpend: tx(5),
			NegotiationData:   nd,
		}, EventMakerPaymentSpent},
		{TakerFundingRefundedEvent{
			TakerFunding:       tx(1),
			TakerFundingRefund: tx(6),
			Reason:             FundingRefundReason{Kind: FundingRefundDidNotReceiveMakerPayment},
		}, EventTakerFundingRefunded},
		{TakerPaymentRefundedEvent{
			TakerPayment:       tx(3),
			TakerPaymentRefund: tx(7),
			Reason:             PaymentRefundReason{Kind: PaymentRefundMakerPaymentNotConfirmedInTime, Details: "timed out"},
		}, EventTakerPaymentRefunded},
		{AbortedEvent{Reason: AbortReason{Kind: AbortTakerFundingRefundFailed, Details: "backend down"}}, EventAborted},
		{CompletedEvent{MakerPaymentSpend: tx(5)}, EventCompleted},
	}

	seen := make(map[EventType]bool)
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.Type())

			data, err := MarshalEvent(tt.ev)
			require.NoError(t, err)
			got, err := UnmarshalEvent(data)
			require.NoError(t, err)
			assert.Equal(t, tt.ev, got)
		})
		seen[tt.want] = true
	}

	// Every type that can appear in a log is covered.
	for from, next := range validTransitions {
		if from != "" {
			assert.True(t, seen[from], "%s not round-tripped", from)
		}
		for _, to := range next {
			assert.True(t, seen[to], "%s not round-tripped", to)
		}
	}
}

func TestEventTypeTerminal(t *testing.T) {
	terminal := map[EventType]bool{
		EventTakerFundingRefunded: true,
		EventTakerPaymentRefunded: true,
		EventAborted:              true,
		EventCompleted:            true,
	}
	for from := range validTransitions {
		if from == "" {
			continue
		}
		assert.False(t, from.Terminal(), "%s has successors", from)
	}
	for typ := range terminal {
		assert.True(t, typ.Terminal())
		assert.Empty(t, validTransitions[typ])
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to EventType
		want     bool
	}{
		{"", EventInitialized, true},
		{"", EventAborted, true},
		{"", EventNegotiated, false},
		{EventNegotiated, EventTakerFundingRefundRequired, false},
		{EventTakerFundingSent, EventTakerFundingRefundRequired, true},
		{EventTakerFundingSent, EventAborted, false},
		{EventMakerPaymentConfirmed, EventMakerPaymentConfirmed, false},
		{EventTakerPaymentSentPreimageSkipped, EventTakerPaymentSpent, true},
		{EventTakerPaymentSpent, EventTakerPaymentRefundRequired, false},
		{EventMakerPaymentSpent, EventTakerPaymentRefundRequired, true},
		{EventTakerPaymentRefundRequired, EventAborted, true},
		{EventCompleted, EventAborted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%q -> %s", tt.from, tt.to)
	}
}

func TestSnapshotLegacyDefaults(t *testing.T) {
	legacy := `{
		"uuid": "00112233-4455-6677-8899-aabbccddeeff",
		"maker_coin": "BTC",
		"taker_coin": "LTC",
		"started_at": 1700000000,
		"secret": "0101010101010101010101010101010101010101010101010101010101010101",
		"maker_volume": 1000,
		"taker_volume": 2000,
		"lock_duration": 7800
	}`

	var snap SwapSnapshot
	require.NoError(t, json.Unmarshal([]byte(legacy), &snap))
	assert.Equal(t, uint8(LegacySwapVersion), snap.SwapVersion)
	assert.Equal(t, coin.DHASH160, snap.SecretHashAlgo)
	assert.Equal(t, config.RequiredConfirmations("BTC", config.Mainnet), snap.MakerCoinConfs)
	assert.Equal(t, config.RequiredConfirmations("LTC", config.Mainnet), snap.TakerCoinConfs)
	assert.Len(t, snap.SecretHash(), 20)

	explicit := `{"maker_coin":"BTC","taker_coin":"LTC","swap_version":2,"secret_hash_algo":2,"maker_coin_confs":0}`
	require.NoError(t, json.Unmarshal([]byte(explicit), &snap))
	assert.Equal(t, uint8(2), snap.SwapVersion)
	assert.Equal(t, coin.SHA256, snap.SecretHashAlgo)
	assert.Zero(t, snap.MakerCoinConfs)
}

func TestSnapshotRecordRoundTrip(t *testing.T) {
	snap := &SwapSnapshot{
		UUID:           newID(9),
		MakerCoin:      "BTC",
		TakerCoin:      "LTC",
		StartedAt:      1_700_000_000,
		Secret:         make([]byte, 32),
		SecretHashAlgo: coin.SHA256,
		MakerVolume:    1,
		TakerVolume:    2,
		TakerPremium:   3,
		DexFee:         coin.DexFee{Fee: 4, Burn: 5},
		LockDuration:   7_800,
		MakerCoinConfs: 1,
		TakerCoinConfs: 2,
		TakerCoinNota:  true,
		SwapVersion:    CurrentSwapVersion,
	}
	rec := snap.Record()
	assert.Equal(t, TakerSwapType, rec.SwapType)
	assert.Equal(t, snap.SecretHash(), rec.SecretHash)
	assert.Equal(t, snap, SnapshotFromRecord(rec))

	rec.SwapVersion = 0
	rec.SecretHashAlgo = 0
	old := SnapshotFromRecord(rec)
	assert.Equal(t, uint8(LegacySwapVersion), old.SwapVersion)
	assert.Equal(t, coin.DHASH160, old.SecretHashAlgo)
}
