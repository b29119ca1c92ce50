package swap

import "slices"

// validTransitions lists the events that may follow each event. The empty
// type stands for a swap with no events yet.
var validTransitions = map[EventType][]EventType{
	"":                    {EventInitialized, EventAborted},
	EventInitialized:      {EventNegotiated, EventAborted},
	EventNegotiated:       {EventTakerFundingSent, EventAborted},
	EventTakerFundingSent: {EventMakerPaymentAndFundingSpendPreimgReceived, EventTakerFundingRefundRequired},
	EventMakerPaymentAndFundingSpendPreimgReceived: {
		EventMakerPaymentConfirmed,
		EventTakerPaymentSent,
		EventTakerPaymentSentPreimageSkipped,
		EventTakerFundingRefundRequired,
	},
	EventMakerPaymentConfirmed: {
		EventTakerPaymentSent,
		EventTakerPaymentSentPreimageSkipped,
		EventTakerFundingRefundRequired,
	},
	EventTakerPaymentSent:                {EventTakerPaymentSpent, EventTakerPaymentRefundRequired},
	EventTakerPaymentSentPreimageSkipped: {EventTakerPaymentSpent, EventTakerPaymentRefundRequired},
	EventTakerPaymentSpent:               {EventMakerPaymentSpent, EventAborted},
	EventMakerPaymentSpent:               {EventCompleted, EventTakerPaymentRefundRequired},
	EventTakerFundingRefundRequired:      {EventTakerFundingRefunded, EventAborted},
	EventTakerPaymentRefundRequired:      {EventTakerPaymentRefunded, EventAborted},
}

// CanTransition reports whether to may directly follow from.
func CanTransition(from, to EventType) bool {
	return slices.Contains(validTransitions[from], to)
}
