package stream

import "sync"

type replayEntry struct {
	Seq  int64
	Data []byte
}

// replayBuffer is a fixed-size ring of recent envelopes for one owner, used
// to backfill a reconnecting client.
type replayBuffer struct {
	mu   sync.RWMutex
	buf  []replayEntry
	pos  int // next write position
	full bool
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &replayBuffer{buf: make([]replayEntry, capacity)}
}

// push overwrites the oldest entry when full. data must not be mutated
// afterwards.
func (rb *replayBuffer) push(seq int64, data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.buf[rb.pos] = replayEntry{Seq: seq, Data: data}
	rb.pos = (rb.pos + 1) % len(rb.buf)
	if rb.pos == 0 {
		rb.full = true
	}
}

// after returns entries with Seq > seq, oldest first.
func (rb *replayBuffer) after(seq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n, start := rb.pos, 0
	if rb.full {
		n, start = len(rb.buf), rb.pos
	}
	var out []replayEntry
	for i := 0; i < n; i++ {
		e := rb.buf[(start+i)%len(rb.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
