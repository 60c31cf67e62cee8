package can

import (
	"context"
	"sync/atomic"
)

// Bridge task event bits
const (
	EventTxReady     uint32 = 1 << 0
	EventRxAvailable uint32 = 1 << 1
)

// Notifier multiplexes event bits onto one wait point. Signal never blocks;
// bits raised before the waiter runs coalesce into a single wake-up.
type Notifier struct {
	bits atomic.Uint32
	wake chan struct{}
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{wake: make(chan struct{}, 1)}
}

// Signal raises bits and wakes the waiter.
func (n *Notifier) Signal(bits uint32) {
	n.bits.Or(bits)
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one bit is set, then returns and clears all of
// them.
func (n *Notifier) Wait(ctx context.Context) (uint32, error) {
	for {
		if bits := n.bits.Swap(0); bits != 0 {
			return bits, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-n.wake:
		}
	}
}

// Pending returns the raised bits without clearing them.
func (n *Notifier) Pending() uint32 {
	return n.bits.Load()
}
