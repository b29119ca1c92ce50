package swap

import (
	"sync"

	"github.com/google/uuid"
)

// LockedAmount is the taker coin value a swap has reserved but not yet
// spent.
type LockedAmount struct {
	Coin   string
	Amount uint64
}

// LockedAmounts is the process-wide registry of reserved balances, shared
// by every swap and read by balance checks.
type LockedAmounts struct {
	mu     sync.Mutex
	bySwap map[uuid.UUID]LockedAmount
}

// NewLockedAmounts creates an empty registry.
func NewLockedAmounts() *LockedAmounts {
	return &LockedAmounts{bySwap: make(map[uuid.UUID]LockedAmount)}
}

// Lock reserves amount of coin for swap id, replacing any earlier entry.
func (l *LockedAmounts) Lock(id uuid.UUID, coin string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bySwap[id] = LockedAmount{Coin: coin, Amount: amount}
}

// Unlock releases the reservation of swap id. It is a no-op when none exists.
func (l *LockedAmounts) Unlock(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bySwap, id)
}

// Get returns the reservation of swap id.
func (l *LockedAmounts) Get(id uuid.UUID) (LockedAmount, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.bySwap[id]
	return a, ok
}

// Total sums every reservation of coin.
func (l *LockedAmounts) Total(coin string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total uint64
	for _, a := range l.bySwap {
		if a.Coin == coin {
			total += a.Amount
		}
	}
	return total
}
