package session

import (
	"sync"

	"github.com/tickwatch/tickwatch/internal/model"
)

// mailbox is the conflating tick inbox between the feed dispatcher and a
// session loop. Each instrument holds a single slot: a tick arriving
// before the previous one was drained overwrites it. The feed can
// therefore never block or grow a backlog on a slow session; the loop
// always works on the freshest price per token.
type mailbox struct {
	mu    sync.Mutex
	slots map[model.InstrumentKey]model.Tick
	order []model.InstrumentKey // first-arrival order of pending keys
}

func newMailbox() *mailbox {
	return &mailbox{slots: make(map[model.InstrumentKey]model.Tick)}
}

// put stores the tick in its instrument slot, replacing any pending one.
func (mb *mailbox) put(t model.Tick) {
	key := t.Key()
	mb.mu.Lock()
	if _, pending := mb.slots[key]; !pending {
		mb.order = append(mb.order, key)
	}
	mb.slots[key] = t
	mb.mu.Unlock()
}

// drain removes and returns every pending tick in first-arrival order.
func (mb *mailbox) drain() []model.Tick {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if len(mb.order) == 0 {
		return nil
	}
	out := make([]model.Tick, 0, len(mb.order))
	for _, key := range mb.order {
		out = append(out, mb.slots[key])
	}
	clear(mb.slots)
	mb.order = mb.order[:0]
	return out
}

// pending returns the number of instruments with an undrained tick.
func (mb *mailbox) pending() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.order)
}
