// Package coin defines the ledger adapter contract the swap state machine
// drives, and the ledger-agnostic values that cross it.
package coin

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrInvalidPubKey     = errors.New("invalid public key")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidTx         = errors.New("invalid transaction")
	ErrInvalidPreimage   = errors.New("invalid preimage")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrValidationFailed  = errors.New("validation failed")
	ErrNotConfirmed      = errors.New("transaction not confirmed before deadline")
	ErrSpendNotFound     = errors.New("spend not found before deadline")
	ErrSecretNotFound    = errors.New("secret not found in spending transaction")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadySpent      = errors.New("output already spent by another transaction")
)

// Tx is a parsed ledger transaction.
type Tx interface {
	TxHex() []byte
	TxHash() []byte
}

// PubKey is a parsed ledger public key.
type PubKey interface {
	Bytes() []byte
}

// Address is a parsed ledger address.
type Address interface {
	String() string
}

// Preimage is an unsigned transaction the counterparty is asked to sign.
type Preimage interface {
	Bytes() []byte
}

// Signature is a counterparty signature over a Preimage.
type Signature interface {
	Bytes() []byte
}

// RefundReadiness is the answer of CanRefundNow. When Ready is false, Wait
// is the adapter's estimate of how long until the locktime passes.
type RefundReadiness struct {
	Ready bool
	Wait  time.Duration
}

// ConfirmArgs bounds a confirmation wait.
type ConfirmArgs struct {
	Tx                   Tx
	Confirmations        uint64
	RequiresNotarization bool
	WaitUntil            time.Time
	CheckEvery           time.Duration
}

// FundingParams describes the taker funding HTLC and the taker payment it is
// spent into. Both live on the taker coin.
type FundingParams struct {
	FundingTimeLock uint64
	PaymentTimeLock uint64

	// MakerPub is the maker's taker-coin HTLC key.
	MakerPub PubKey

	TakerSecretHash []byte
	MakerSecretHash []byte
	HashAlgo        SecretHashAlgo

	DexFee        DexFee
	Premium       uint64
	TradingAmount uint64

	SwapUnique   []byte
	SwapContract []byte
}

// MakerPaymentParams describes the maker payment HTLC on the maker coin.
type MakerPaymentParams struct {
	TimeLock uint64

	// MakerPub is the maker's maker-coin HTLC key.
	MakerPub PubKey

	SecretHash []byte
	HashAlgo   SecretHashAlgo
	Amount     uint64

	SwapUnique   []byte
	SwapContract []byte
}

// Coin is the per-ledger adapter. Every blocking method honors ctx.
type Coin interface {
	Ticker() string

	CurrentBlockHeight(ctx context.Context) (uint64, error)
	MyBalance(ctx context.Context) (uint64, error)
	MyAddress() string

	// SenderTradeFee is the network fee to lock value into the taker
	// funding and later spend it into the taker payment.
	SenderTradeFee(ctx context.Context, value uint64) (uint64, error)
	// ReceiverTradeFee is the network fee to spend a counterparty payment.
	ReceiverTradeFee(ctx context.Context) (uint64, error)

	// DeriveHTLCPubKey returns our HTLC key for the swap identified by uniqueData.
	DeriveHTLCPubKey(uniqueData []byte) PubKey

	ParsePubKey(b []byte) (PubKey, error)
	ParseAddress(s string) (Address, error)
	ParseTx(b []byte) (Tx, error)
	ParsePreimage(b []byte) (Preimage, error)
	ParseSignature(b []byte) (Signature, error)

	SendFunding(ctx context.Context, p FundingParams) (Tx, error)
	ValidateFundingSpendPreimage(ctx context.Context, funding Tx, p FundingParams, preimage Preimage, sig Signature) error
	SignAndBroadcastFundingSpend(ctx context.Context, funding Tx, p FundingParams, preimage Preimage, sig Signature) (Tx, error)
	RefundFunding(ctx context.Context, funding Tx, p FundingParams) (Tx, error)

	// SignPaymentSpendPreimage builds and signs the transaction paying the
	// taker payment to the maker address and the dex fee outputs.
	SignPaymentSpendPreimage(ctx context.Context, payment Tx, p FundingParams, makerAddr Address) (Preimage, Signature, error)
	FindPaymentSpend(ctx context.Context, payment Tx, fromHeight uint64, deadline time.Time) (Tx, error)
	ExtractSecret(ctx context.Context, secretHash []byte, spend Tx) ([]byte, error)
	RefundPayment(ctx context.Context, payment Tx, p FundingParams) (Tx, error)

	ValidateMakerPayment(ctx context.Context, payment Tx, p MakerPaymentParams) error
	SpendMakerPayment(ctx context.Context, payment Tx, p MakerPaymentParams, secret []byte) (Tx, error)

	WaitForConfirmations(ctx context.Context, args ConfirmArgs) error
	CanRefundNow(ctx context.Context, locktime uint64) (RefundReadiness, error)

	// SkipPaymentSpendPreimage is true for ledgers where the maker spends
	// the taker payment without a preimage from us.
	SkipPaymentSpendPreimage() bool
}

// IdentityKeyer is implemented by adapters that own a long-lived public key.
// The dex fee is waived when that key is the fee collector's.
type IdentityKeyer interface {
	MyPubKey() []byte
}
