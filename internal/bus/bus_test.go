package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return key
}

func TestTopic(t *testing.T) {
	id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	require.Equal(t, "swapv2/00112233445566778899aabbccddeeff", Topic(id))
	require.Equal(t, "swapv2.00112233445566778899aabbccddeeff", Subject(Topic(id)))
}

func TestEncodeDecodeSigned(t *testing.T) {
	id := uuid.New()
	key := newKey(t)
	msg := NegotiationAck{Negotiated: false, Reason: "price moved"}

	data, err := Encode(id, msg, key)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().SerializeCompressed(), got.Signer)
	require.Equal(t, KindNegotiationAck, got.Envelope.Kind)
	require.Equal(t, id[:], []byte(got.Envelope.SwapUUID))

	decoded, err := got.Message()
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestDecodeRejectsTamperedPayload(t *testing.T) {
	data, err := Encode(uuid.New(), FundingInfo{FundingTx: []byte{1, 2, 3}}, newKey(t))
	require.NoError(t, err)

	var signed SignedMessage
	require.NoError(t, json.Unmarshal(data, &signed))
	var env Envelope
	require.NoError(t, json.Unmarshal(signed.Message, &env))
	env.Payload = json.RawMessage(`{"funding_tx":"ffff"}`)
	signed.Message, err = json.Marshal(env)
	require.NoError(t, err)
	tampered, err := json.Marshal(signed)
	require.NoError(t, err)

	_, err = Decode(tampered)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestDecodeUnsigned(t *testing.T) {
	data, err := Encode(uuid.New(), FundingInfo{FundingTx: []byte{9}}, nil)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Nil(t, got.Signer)
}

func TestDecodePayloadUnknownKind(t *testing.T) {
	_, err := DecodePayload("bogus", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestRouterBuffersBeforeSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	taker := NewRouter(hub.Endpoint())
	maker := NewRouter(hub.Endpoint())
	defer taker.Close()
	defer maker.Close()

	id := uuid.New()
	takerSide := NewMessenger(taker, id, nil, nil)
	makerSide := NewMessenger(maker, id, nil, nil)

	ctx := context.Background()
	// Join the topic so the reply is buffered before anyone awaits it.
	require.NoError(t, takerSide.Send(ctx, NegotiationRequest{StartedAt: 1}))
	require.NoError(t, makerSide.Send(ctx, NegotiationReply{StartedAt: 2}))

	msg, err := takerSide.Await(ctx, KindNegotiationReply, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, uint64(2), msg.(NegotiationReply).StartedAt)
}

func TestRouterNoSelfDelivery(t *testing.T) {
	hub := NewMemoryHub()
	r := NewRouter(hub.Endpoint())
	defer r.Close()

	m := NewMessenger(r, uuid.New(), nil, nil)
	ctx := context.Background()
	require.NoError(t, m.Send(ctx, FundingInfo{}))

	_, err := m.Await(ctx, KindFundingInfo, time.Now().Add(20*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestMessengerFiltersKindSwapAndSigner(t *testing.T) {
	hub := NewMemoryHub()
	taker := NewRouter(hub.Endpoint())
	maker := NewRouter(hub.Endpoint())
	defer taker.Close()
	defer maker.Close()

	id := uuid.New()
	makerKey := newKey(t)
	impostorKey := newKey(t)

	takerSide := NewMessenger(taker, id, nil, makerKey.PubKey().SerializeCompressed())
	makerSide := NewMessenger(maker, id, makerKey, nil)
	impostor := NewMessenger(maker, id, impostorKey, nil)

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := takerSide.Await(ctx, KindPaymentInfo, deadline)
		done <- result{msg, err}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, impostor.Send(ctx, PaymentInfo{MakerPaymentTx: []byte{0xbb}}))
	require.NoError(t, makerSide.Send(ctx, FundingInfo{FundingTx: []byte{0xcc}}))
	require.NoError(t, makerSide.Send(ctx, PaymentInfo{MakerPaymentTx: []byte{0xaa}}))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, []byte{0xaa}, []byte(res.msg.(PaymentInfo).MakerPaymentTx))
	case <-time.After(3 * time.Second):
		t.Fatal("await did not return")
	}
}

func TestAwaitTimeoutAndCancel(t *testing.T) {
	hub := NewMemoryHub()
	r := NewRouter(hub.Endpoint())
	defer r.Close()
	m := NewMessenger(r, uuid.New(), nil, nil)

	_, err := m.Await(context.Background(), KindNegotiationAck, time.Now().Add(10*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Await(ctx, KindNegotiationAck, time.Now().Add(time.Minute))
	require.ErrorIs(t, err, context.Canceled)
}

func TestBroadcastRepeatsUntilCancelled(t *testing.T) {
	hub := NewMemoryHub()
	sender := NewRouter(hub.Endpoint())
	defer sender.Close()

	id := uuid.New()
	received := make(chan struct{}, 100)
	unsub, err := hub.Endpoint().Subscribe(Topic(id), func([]byte) { received <- struct{}{} })
	require.NoError(t, err)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		NewMessenger(sender, id, nil, nil).Broadcast(ctx, FundingInfo{}, 5*time.Millisecond)
		close(stopped)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("broadcast did not repeat")
		}
	}
	cancel()
	<-stopped
}

func TestNATSTransportRoundTrip(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)
	defer s.Shutdown()

	takerT, err := NewNATSTransport(s.ClientURL())
	require.NoError(t, err)
	defer takerT.Close()
	makerT, err := NewNATSTransport(s.ClientURL())
	require.NoError(t, err)
	defer makerT.Close()

	taker := NewRouter(takerT)
	maker := NewRouter(makerT)
	defer taker.Close()
	defer maker.Close()

	id := uuid.New()
	makerKey := newKey(t)
	takerSide := NewMessenger(taker, id, newKey(t), makerKey.PubKey().SerializeCompressed())
	makerSide := NewMessenger(maker, id, makerKey, nil)

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)

	// The maker answers the first request it sees.
	go func() {
		if _, err := makerSide.Await(ctx, KindNegotiationRequest, deadline); err == nil {
			_ = makerSide.Send(ctx, NegotiationReply{StartedAt: 42})
		}
	}()

	bctx, stop := context.WithCancel(ctx)
	go takerSide.Broadcast(bctx, NegotiationRequest{StartedAt: 41}, 20*time.Millisecond)
	msg, err := takerSide.Await(ctx, KindNegotiationReply, deadline)
	stop()
	require.NoError(t, err)
	require.Equal(t, uint64(42), msg.(NegotiationReply).StartedAt)
}
