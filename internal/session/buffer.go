package session

import (
	"sync"
	"sync/atomic"
)

// FrameBuffer is the bounded inbound frame queue between the transport and
// the stage dispatch loop. It preserves arrival order and bounds memory when
// a stage stalls: Enqueue never blocks, it fails with [ErrOverflow] once the
// configured depth is reached so the transport can throttle or shed.
//
// Enqueue and EvictOldest are called by the transport read loop; Frames is
// consumed by the machine loop. One producer, one consumer.
type FrameBuffer struct {
	ch        chan Frame
	closeOnce sync.Once

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// NewFrameBuffer creates a buffer holding at most depth frames.
func NewFrameBuffer(depth int) *FrameBuffer {
	if depth <= 0 {
		depth = 64
	}
	return &FrameBuffer{ch: make(chan Frame, depth)}
}

// Enqueue appends a frame in arrival order. Returns [ErrOverflow] when the
// buffer is full; the frame is not stored in that case.
func (b *FrameBuffer) Enqueue(f Frame) error {
	select {
	case b.ch <- f:
		b.enqueued.Add(1)
		return nil
	default:
		return ErrOverflow
	}
}

// EvictOldest discards the oldest buffered frame to make room, implementing
// the drop-oldest shedding policy. Reports whether a frame was evicted.
func (b *FrameBuffer) EvictOldest() bool {
	select {
	case <-b.ch:
		b.dropped.Add(1)
		return true
	default:
		return false
	}
}

// Frames returns the drain channel: frames in sequence-number order, finite
// for the session's lifetime, terminated by Close.
func (b *FrameBuffer) Frames() <-chan Frame {
	return b.ch
}

// Close marks end-of-session. Buffered frames remain drainable; the channel
// closes once empty of writers. Safe to call more than once.
func (b *FrameBuffer) Close() {
	b.closeOnce.Do(func() { close(b.ch) })
}

// Enqueued returns the number of frames accepted so far.
func (b *FrameBuffer) Enqueued() uint64 { return b.enqueued.Load() }

// Dropped returns the number of frames shed by EvictOldest.
func (b *FrameBuffer) Dropped() uint64 { return b.dropped.Load() }
