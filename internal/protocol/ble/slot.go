package ble

import (
	"context"
	"fmt"
	"sync"
)

// replySlot correlates one outstanding command with the next notification.
// BLE gives no transaction ids, so the protocol here is strictly one
// command awaiting one reply; a second arm while armed is rejected.
type replySlot struct {
	mu    sync.Mutex
	ch    chan []byte
	armed bool
}

// arm reserves the slot for the next notification.
func (s *replySlot) arm() (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return nil, ErrReplyPending
	}
	s.armed = true
	s.ch = make(chan []byte, 1)
	return s.ch, nil
}

// disarm releases the slot without consuming a reply.
func (s *replySlot) disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = false
	s.ch = nil
}

// deliver hands a notification to the armed reader. Returns false when no
// reader is waiting, in which case the caller surfaces it as an event.
func (s *replySlot) deliver(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return false
	}
	s.armed = false
	ch := s.ch
	s.ch = nil
	ch <- data
	return true
}

// await blocks until the armed reply arrives or ctx ends.
func (s *replySlot) await(ctx context.Context, ch <-chan []byte) ([]byte, error) {
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		s.disarm()
		return nil, fmt.Errorf("awaiting reply: %w", ctx.Err())
	}
}
