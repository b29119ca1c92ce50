package swap

import "fmt"

// AbortKind classifies why a swap was aborted. Operators branch on these
// values; never rename one.
type AbortKind string

const (
	AbortFailedToGetMakerCoinBlock       AbortKind = "FailedToGetMakerCoinBlock"
	AbortFailedToGetTakerCoinBlock       AbortKind = "FailedToGetTakerCoinBlock"
	AbortFailedToGetTakerPaymentFee      AbortKind = "FailedToGetTakerPaymentFee"
	AbortFailedToGetMakerPaymentSpendFee AbortKind = "FailedToGetMakerPaymentSpendFee"
	AbortBalanceCheckFailure             AbortKind = "BalanceCheckFailure"
	AbortDidNotReceiveNegotiation        AbortKind = "DidNotReceiveNegotiation"
	AbortTooLargeStartedAtDiff           AbortKind = "TooLargeStartedAtDiff"
	AbortSecretHashUnexpectedLen         AbortKind = "SecretHashUnexpectedLen"
	AbortMakerProvidedInvalidLocktime    AbortKind = "MakerProvidedInvalidLocktime"
	AbortFailedToParsePubKey             AbortKind = "FailedToParsePubKey"
	AbortFailedToParseAddress            AbortKind = "FailedToParseAddress"
	AbortDidNotReceiveNegotiated         AbortKind = "DidNotReceiveNegotiated"
	AbortMakerAbortedNegotiation         AbortKind = "MakerAbortedNegotiation"
	AbortFailedToSendTakerFunding        AbortKind = "FailedToSendTakerFunding"
	AbortCouldNotExtractSecret           AbortKind = "CouldNotExtractSecret"
	AbortFailedToSpendMakerPayment       AbortKind = "FailedToSpendMakerPayment"
	AbortTakerFundingRefundFailed        AbortKind = "TakerFundingRefundFailed"
	AbortTakerPaymentRefundFailed        AbortKind = "TakerPaymentRefundFailed"
)

// AbortReason is recorded by Aborted.
type AbortReason struct {
	Kind    AbortKind `json:"kind"`
	Details string    `json:"details,omitempty"`
}

func (r AbortReason) String() string {
	if r.Details == "" {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Details)
}

// FundingRefundKind classifies why the taker funding must be refunded.
type FundingRefundKind string

const (
	FundingRefundDidNotReceiveMakerPayment            FundingRefundKind = "DidNotReceiveMakerPayment"
	FundingRefundFailedToParseMakerPayment            FundingRefundKind = "FailedToParseMakerPayment"
	FundingRefundFailedToParseFundingSpendPreimg      FundingRefundKind = "FailedToParseFundingSpendPreimg"
	FundingRefundFailedToParseFundingSpendSig         FundingRefundKind = "FailedToParseFundingSpendSig"
	FundingRefundCounterpartyPaymentValidationFailed  FundingRefundKind = "CounterpartyPaymentValidationFailed"
	FundingRefundFundingSpendPreimageValidationFailed FundingRefundKind = "FundingSpendPreimageValidationFailed"
	FundingRefundMakerPaymentNotConfirmedInTime       FundingRefundKind = "MakerPaymentNotConfirmedInTime"
	FundingRefundFailedToSendTakerPayment             FundingRefundKind = "FailedToSendTakerPayment"
)

// FundingRefundReason is recorded by TakerFundingRefundRequired.
type FundingRefundReason struct {
	Kind    FundingRefundKind `json:"kind"`
	Details string            `json:"details,omitempty"`
}

func (r FundingRefundReason) String() string {
	if r.Details == "" {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Details)
}

// PaymentRefundKind classifies why the taker payment must be refunded.
type PaymentRefundKind string

const (
	PaymentRefundMakerPaymentNotConfirmedInTime PaymentRefundKind = "MakerPaymentNotConfirmedInTime"
	PaymentRefundFailedToGenerateSpendPreimage  PaymentRefundKind = "FailedToGenerateSpendPreimage"
	PaymentRefundMakerDidNotSpendInTime         PaymentRefundKind = "MakerDidNotSpendInTime"
	PaymentRefundMakerPaymentSpendNotConfirmed  PaymentRefundKind = "MakerPaymentSpendNotConfirmed"
)

// PaymentRefundReason is recorded by TakerPaymentRefundRequired.
type PaymentRefundReason struct {
	Kind    PaymentRefundKind `json:"kind"`
	Details string            `json:"details,omitempty"`
}

func (r PaymentRefundReason) String() string {
	if r.Details == "" {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Details)
}

func errDetails(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
