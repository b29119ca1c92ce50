// Package reentrancy provides lease-based per-key mutual exclusion used to
// keep a single driver per swap.
package reentrancy

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/Klingon-tech/klingswap/pkg/helpers"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// Common errors
var (
	ErrAlreadyLocked = errors.New("lease already held")
	ErrLeaseLost     = errors.New("lease no longer held")
)

// Locker hands out exclusive leases.
type Locker interface {
	// Acquire fails with ErrAlreadyLocked while an unexpired lease on key
	// exists, whoever holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Renew extends it by its original ttl.
type Lease interface {
	Key() string
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

func newToken() string {
	b, err := helpers.GenerateSecureRandom(16)
	if err != nil {
		// crypto/rand only fails when the OS has no entropy source.
		panic(err)
	}
	return hex.EncodeToString(b)
}

// KeepAlive renews lease every interval until ctx is done. Renewal failures
// are logged and retried on the next tick; the lease may lapse.
func KeepAlive(ctx context.Context, lease Lease, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Renew(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("Lease renewal failed", "key", lease.Key(), "error", err)
			}
		}
	}
}
