// Package cointest provides a scripted in-memory coin.Coin for exercising
// the swap state machine without a ledger.
package cointest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingswap/internal/coin"
)

// Method names accepted by Coin.FailOn.
const (
	MethodCurrentBlockHeight           = "CurrentBlockHeight"
	MethodMyBalance                    = "MyBalance"
	MethodSenderTradeFee               = "SenderTradeFee"
	MethodReceiverTradeFee             = "ReceiverTradeFee"
	MethodSendFunding                  = "SendFunding"
	MethodValidateFundingSpendPreimage = "ValidateFundingSpendPreimage"
	MethodSignAndBroadcastFundingSpend = "SignAndBroadcastFundingSpend"
	MethodRefundFunding                = "RefundFunding"
	MethodSignPaymentSpendPreimage     = "SignPaymentSpendPreimage"
	MethodFindPaymentSpend             = "FindPaymentSpend"
	MethodExtractSecret                = "ExtractSecret"
	MethodRefundPayment                = "RefundPayment"
	MethodValidateMakerPayment         = "ValidateMakerPayment"
	MethodSpendMakerPayment            = "SpendMakerPayment"
	MethodWaitForConfirmations         = "WaitForConfirmations"
	MethodCanRefundNow                 = "CanRefundNow"
)

// Tx is a fake transaction. Its hash is sha256 of the raw bytes.
type Tx struct {
	raw []byte
}

// NewTx wraps raw bytes as a transaction.
func NewTx(raw []byte) *Tx {
	return &Tx{raw: append([]byte(nil), raw...)}
}

func (t *Tx) TxHex() []byte { return t.raw }

func (t *Tx) TxHash() []byte {
	h := sha256.Sum256(t.raw)
	return h[:]
}

type pubKey []byte

func (p pubKey) Bytes() []byte { return p }

type address string

func (a address) String() string { return string(a) }

type blob []byte

func (b blob) Bytes() []byte { return b }

// Coin is the fake adapter. Zero values are usable after New.
type Coin struct {
	ticker string

	mu sync.Mutex

	height      uint64
	balance     uint64
	senderFee   uint64
	receiverFee uint64
	skip        bool
	pubKey      []byte

	failures       map[string]error
	refundNotReady int
	refundErrors   int
	calls          map[string]int

	// autoSecret, when set, makes every taker payment spent by the
	// counterparty as soon as it is broadcast.
	autoSecret []byte

	spends  map[string]*Tx
	changed chan struct{}
}

// New returns a fake coin with a large balance and small fees.
func New(ticker string) *Coin {
	return &Coin{
		ticker:      ticker,
		height:      100,
		balance:     100_000_000_000,
		senderFee:   1000,
		receiverFee: 500,
		failures:    make(map[string]error),
		calls:       make(map[string]int),
		spends:      make(map[string]*Tx),
		changed:     make(chan struct{}),
	}
}

// FailOn makes method return err until cleared with a nil err.
func (c *Coin) FailOn(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, method)
		return
	}
	c.failures[method] = err
}

// SetBalance sets the spendable balance.
func (c *Coin) SetBalance(v uint64) {
	c.mu.Lock()
	c.balance = v
	c.mu.Unlock()
}

// SetFees sets the sender and receiver trade fees.
func (c *Coin) SetFees(sender, receiver uint64) {
	c.mu.Lock()
	c.senderFee, c.receiverFee = sender, receiver
	c.mu.Unlock()
}

// SetSkipPaymentSpendPreimage toggles SkipPaymentSpendPreimage.
func (c *Coin) SetSkipPaymentSpendPreimage(skip bool) {
	c.mu.Lock()
	c.skip = skip
	c.mu.Unlock()
}

// SetRefundNotReady makes the next n CanRefundNow calls report not ready,
// after failing errs times with a transient error.
func (c *Coin) SetRefundNotReady(n, errs int) {
	c.mu.Lock()
	c.refundNotReady, c.refundErrors = n, errs
	c.mu.Unlock()
}

// AutoSpendWithSecret makes the counterparty spend every taker payment with
// secret right after it is broadcast.
func (c *Coin) AutoSpendWithSecret(secret []byte) {
	c.mu.Lock()
	c.autoSecret = append([]byte(nil), secret...)
	c.mu.Unlock()
}

// Calls returns how many times method was invoked.
func (c *Coin) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// SpendPayment records the counterparty spending payment with secret and
// wakes FindPaymentSpend.
func (c *Coin) SpendPayment(payment coin.Tx, secret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spendLocked(payment.TxHash(), secret)
}

func (c *Coin) spendLocked(paymentHash, secret []byte) {
	c.spends[hex.EncodeToString(paymentHash)] = NewTx(append([]byte("payspent|"), secret...))
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Coin) enter(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
	return c.failures[method]
}

// Deterministic transaction shapes shared with scripted counterparties.

// FundingSpendPreimageFor is the preimage a maker offers for funding.
func FundingSpendPreimageFor(funding coin.Tx) []byte {
	return []byte("fundspend|" + hex.EncodeToString(funding.TxHash()))
}

// SignFake returns the signature the fake accepts for preimage.
func SignFake(preimage []byte) []byte {
	h := sha256.Sum256(append([]byte("sig|"), preimage...))
	return h[:]
}

// PaymentFor is the taker payment produced by spending funding.
func PaymentFor(funding coin.Tx) *Tx {
	return NewTx([]byte("payment|" + hex.EncodeToString(funding.TxHash())))
}

// MakerPayment builds a maker payment the fake validates.
func MakerPayment(unique []byte, amount uint64) *Tx {
	return NewTx([]byte(fmt.Sprintf("makerpay|%x|%d", unique, amount)))
}

func (c *Coin) Ticker() string { return c.ticker }

func (c *Coin) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	if err := c.enter(MethodCurrentBlockHeight); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *Coin) MyBalance(ctx context.Context) (uint64, error) {
	if err := c.enter(MethodMyBalance); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, nil
}

func (c *Coin) MyAddress() string { return "fake-" + c.ticker }

func (c *Coin) SenderTradeFee(ctx context.Context, value uint64) (uint64, error) {
	if err := c.enter(MethodSenderTradeFee); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senderFee, nil
}

func (c *Coin) ReceiverTradeFee(ctx context.Context) (uint64, error) {
	if err := c.enter(MethodReceiverTradeFee); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiverFee, nil
}

// DeriveHTLCPubKey returns a 33-byte key bound to the ticker and swap.
func (c *Coin) DeriveHTLCPubKey(uniqueData []byte) coin.PubKey {
	h := sha256.Sum256(append([]byte(c.ticker+"|"), uniqueData...))
	return pubKey(append([]byte{0x02}, h[:]...))
}

func (c *Coin) ParsePubKey(b []byte) (coin.PubKey, error) {
	if len(b) != 33 || (b[0] != 0x02 && b[0] != 0x03) {
		return nil, fmt.Errorf("%w: %d bytes", coin.ErrInvalidPubKey, len(b))
	}
	return pubKey(append([]byte(nil), b...)), nil
}

func (c *Coin) ParseAddress(s string) (coin.Address, error) {
	if s == "" || s == "bad" {
		return nil, fmt.Errorf("%w: %q", coin.ErrInvalidAddress, s)
	}
	return address(s), nil
}

func (c *Coin) ParseTx(b []byte) (coin.Tx, error) {
	if len(b) == 0 || bytes.HasPrefix(b, []byte("bad")) {
		return nil, coin.ErrInvalidTx
	}
	return NewTx(b), nil
}

func (c *Coin) ParsePreimage(b []byte) (coin.Preimage, error) {
	if len(b) == 0 {
		return nil, coin.ErrInvalidPreimage
	}
	return blob(append([]byte(nil), b...)), nil
}

func (c *Coin) ParseSignature(b []byte) (coin.Signature, error) {
	if len(b) == 0 {
		return nil, coin.ErrInvalidSignature
	}
	return blob(append([]byte(nil), b...)), nil
}

func (c *Coin) SendFunding(ctx context.Context, p coin.FundingParams) (coin.Tx, error) {
	if err := c.enter(MethodSendFunding); err != nil {
		return nil, err
	}
	raw := fmt.Sprintf("funding|%x|%d|%d|%d", p.SwapUnique, p.FundingTimeLock, p.TradingAmount, p.DexFee.Total())
	return NewTx([]byte(raw)), nil
}

func (c *Coin) ValidateFundingSpendPreimage(ctx context.Context, funding coin.Tx, p coin.FundingParams, preimage coin.Preimage, sig coin.Signature) error {
	if err := c.enter(MethodValidateFundingSpendPreimage); err != nil {
		return err
	}
	want := FundingSpendPreimageFor(funding)
	if !bytes.Equal(preimage.Bytes(), want) {
		return fmt.Errorf("%w: preimage does not spend the funding", coin.ErrValidationFailed)
	}
	if !bytes.Equal(sig.Bytes(), SignFake(want)) {
		return fmt.Errorf("%w: bad maker signature", coin.ErrValidationFailed)
	}
	return nil
}

func (c *Coin) SignAndBroadcastFundingSpend(ctx context.Context, funding coin.Tx, p coin.FundingParams, preimage coin.Preimage, sig coin.Signature) (coin.Tx, error) {
	if err := c.enter(MethodSignAndBroadcastFundingSpend); err != nil {
		return nil, err
	}
	payment := PaymentFor(funding)
	c.mu.Lock()
	if c.autoSecret != nil {
		c.spendLocked(payment.TxHash(), c.autoSecret)
	}
	c.mu.Unlock()
	return payment, nil
}

func (c *Coin) RefundFunding(ctx context.Context, funding coin.Tx, p coin.FundingParams) (coin.Tx, error) {
	if err := c.enter(MethodRefundFunding); err != nil {
		return nil, err
	}
	return NewTx([]byte("fundrefund|" + hex.EncodeToString(funding.TxHash()))), nil
}

func (c *Coin) SignPaymentSpendPreimage(ctx context.Context, payment coin.Tx, p coin.FundingParams, makerAddr coin.Address) (coin.Preimage, coin.Signature, error) {
	if err := c.enter(MethodSignPaymentSpendPreimage); err != nil {
		return nil, nil, err
	}
	pre := []byte("payspend|" + hex.EncodeToString(payment.TxHash()) + "|" + makerAddr.String())
	return blob(pre), blob(SignFake(pre)), nil
}

// FindPaymentSpend blocks until SpendPayment is called for payment, the
// deadline passes or ctx is done.
func (c *Coin) FindPaymentSpend(ctx context.Context, payment coin.Tx, fromHeight uint64, deadline time.Time) (coin.Tx, error) {
	if err := c.enter(MethodFindPaymentSpend); err != nil {
		return nil, err
	}
	key := hex.EncodeToString(payment.TxHash())
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		c.mu.Lock()
		spend, ok := c.spends[key]
		changed := c.changed
		c.mu.Unlock()
		if ok {
			return spend, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return nil, coin.ErrSpendNotFound
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Coin) ExtractSecret(ctx context.Context, secretHash []byte, spend coin.Tx) ([]byte, error) {
	if err := c.enter(MethodExtractSecret); err != nil {
		return nil, err
	}
	secret, ok := bytes.CutPrefix(spend.TxHex(), []byte("payspent|"))
	if !ok {
		return nil, coin.ErrSecretNotFound
	}
	algo, ok := coin.AlgoForHashLen(len(secretHash))
	if !ok || !bytes.Equal(algo.Hash(secret), secretHash) {
		return nil, coin.ErrSecretNotFound
	}
	return append([]byte(nil), secret...), nil
}

func (c *Coin) RefundPayment(ctx context.Context, payment coin.Tx, p coin.FundingParams) (coin.Tx, error) {
	if err := c.enter(MethodRefundPayment); err != nil {
		return nil, err
	}
	return NewTx([]byte("payrefund|" + hex.EncodeToString(payment.TxHash()))), nil
}

func (c *Coin) ValidateMakerPayment(ctx context.Context, payment coin.Tx, p coin.MakerPaymentParams) error {
	if err := c.enter(MethodValidateMakerPayment); err != nil {
		return err
	}
	if !bytes.Equal(payment.TxHex(), MakerPayment(p.SwapUnique, p.Amount).TxHex()) {
		return fmt.Errorf("%w: maker payment does not match the negotiated amount", coin.ErrValidationFailed)
	}
	return nil
}

func (c *Coin) SpendMakerPayment(ctx context.Context, payment coin.Tx, p coin.MakerPaymentParams, secret []byte) (coin.Tx, error) {
	if err := c.enter(MethodSpendMakerPayment); err != nil {
		return nil, err
	}
	if !bytes.Equal(p.HashAlgo.Hash(secret), p.SecretHash) {
		return nil, fmt.Errorf("%w: secret does not match hash", coin.ErrValidationFailed)
	}
	return NewTx([]byte("makerspend|" + hex.EncodeToString(payment.TxHash()))), nil
}

func (c *Coin) WaitForConfirmations(ctx context.Context, args coin.ConfirmArgs) error {
	if err := c.enter(MethodWaitForConfirmations); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Coin) CanRefundNow(ctx context.Context, locktime uint64) (coin.RefundReadiness, error) {
	if err := c.enter(MethodCanRefundNow); err != nil {
		return coin.RefundReadiness{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refundErrors > 0 {
		c.refundErrors--
		return coin.RefundReadiness{}, fmt.Errorf("%s: transient backend error", c.ticker)
	}
	if c.refundNotReady > 0 {
		c.refundNotReady--
		return coin.RefundReadiness{Wait: time.Millisecond}, nil
	}
	return coin.RefundReadiness{Ready: true}, nil
}

func (c *Coin) SkipPaymentSpendPreimage() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skip
}

var _ coin.Coin = (*Coin)(nil)

// MyPubKey returns the key set with SetPubKey.
func (c *Coin) MyPubKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pubKey
}

// SetPubKey sets the identity key reported by MyPubKey.
func (c *Coin) SetPubKey(pub []byte) {
	c.mu.Lock()
	c.pubKey = append([]byte(nil), pub...)
	c.mu.Unlock()
}
