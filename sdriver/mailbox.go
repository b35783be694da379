package sdriver

import (
	"context"
	"sync"

	"dptscreen/dpt"
)

type entry struct {
	frame *dpt.ScreenFrame
	gen   uint64
}

// Mailbox is a single-slot hand-off between the acquisition loop and its
// consumer. Neither side owns it; both hold a reference.
//
// Frames are tagged with the mailbox generation at Offer time. Advance starts
// a new generation when the source changes, and frames from older
// generations are never delivered or committed.
type Mailbox struct {
	slot chan entry

	mu  sync.Mutex
	gen uint64
}

func NewMailbox() *Mailbox {
	return &Mailbox{slot: make(chan entry, 1)}
}

func (m *Mailbox) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Advance drops any pending frame and starts a new generation.
func (m *Mailbox) Advance() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	select {
	case <-m.slot:
	default:
	}
	return m.gen
}

// Offer stores frame if the slot is empty. It never blocks.
func (m *Mailbox) Offer(frame *dpt.ScreenFrame) bool {
	select {
	case m.slot <- entry{frame: frame, gen: m.Generation()}:
		return true
	default:
		return false
	}
}

// Pending reports whether a frame is waiting to be taken.
func (m *Mailbox) Pending() bool {
	return len(m.slot) > 0
}

// Take blocks until a current frame is available or ctx is done.
func (m *Mailbox) Take(ctx context.Context) (*dpt.ScreenFrame, error) {
	f, _, err := m.TakeTagged(ctx)
	return f, err
}

// TakeTagged is Take that also returns the frame's generation, for use
// with IfCurrent.
func (m *Mailbox) TakeTagged(ctx context.Context) (*dpt.ScreenFrame, uint64, error) {
	for {
		select {
		case e := <-m.slot:
			if e.gen != m.Generation() {
				continue
			}
			return e.frame, e.gen, nil
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

func (m *Mailbox) TryTake() (*dpt.ScreenFrame, bool) {
	for {
		select {
		case e := <-m.slot:
			if e.gen != m.Generation() {
				continue
			}
			return e.frame, true
		default:
			return nil, false
		}
	}
}

// IfCurrent runs fn while no Advance can happen, provided gen is still the
// current generation. It reports whether fn ran.
func (m *Mailbox) IfCurrent(gen uint64, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	fn()
	return true
}
