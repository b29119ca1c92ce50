package swap

import "time"

// Locktimes are unix seconds. startedAt is the taker's start time and
// lockDuration the negotiated lock interval in seconds.

// TakerFundingLocktime is when the taker may reclaim its funding.
func TakerFundingLocktime(startedAt, lockDuration uint64) uint64 {
	return startedAt + 3*lockDuration
}

// TakerPaymentLocktime is when the taker may reclaim its payment.
func TakerPaymentLocktime(startedAt, lockDuration uint64) uint64 {
	return startedAt + lockDuration
}

// MakerPaymentLocktime is the locktime a maker that started at
// makerStartedAt must use for its payment.
func MakerPaymentLocktime(makerStartedAt, lockDuration uint64) uint64 {
	return makerStartedAt + 2*lockDuration
}

// MakerPaymentConfirmDeadline bounds waiting for the maker payment and for
// its confirmation.
func MakerPaymentConfirmDeadline(startedAt, lockDuration uint64) uint64 {
	return startedAt + lockDuration/3
}

func unixTime(sec uint64) time.Time {
	return time.Unix(int64(sec), 0)
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
