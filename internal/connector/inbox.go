package connector

import (
	"sync/atomic"

	"github.com/hivebot/orchestrator/internal/exchange"
)

// DefaultInboxSize is the default bounded-inbox capacity per strategy.
const DefaultInboxSize = 256

// inbox is a per-strategy bounded queue of adapter events. On overflow the
// oldest queued event is dropped (not the incoming one) and a gap is
// recorded, readable through Multiplexer.ConsumeGap; nothing on the tick
// path reads it. Grounded on the donor pack's
// tommy-ca-opensqt_market_maker orchestrator.SymbolManager price/order
// channels, generalized from symbol-keyed to strategy-keyed routing and
// changed from drop-newest to drop-oldest.
type inbox struct {
	ch  chan exchange.Event
	gap atomic.Bool
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &inbox{ch: make(chan exchange.Event, size)}
}

// deliver enqueues ev, dropping the oldest queued event and recording a gap
// if the inbox is full. Never blocks.
func (b *inbox) deliver(ev exchange.Event) {
	select {
	case b.ch <- ev:
		return
	default:
	}
	select {
	case <-b.ch:
		b.gap.Store(true)
	default:
	}
	select {
	case b.ch <- ev:
	default:
		b.gap.Store(true)
	}
}

// Events returns the channel a strategy's worker should drain.
func (b *inbox) Events() <-chan exchange.Event { return b.ch }

// ConsumeGap reports and clears whether this inbox dropped an update since
// the last call.
func (b *inbox) ConsumeGap() bool { return b.gap.Swap(false) }
