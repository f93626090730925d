// Package ring implements the fixed-capacity circular sample store shared
// between the ingestion producer and the processing consumer. It is the only
// structure in the pipeline with two concurrent actors: a single writer
// pushing PCM samples and a single reader draining analysis windows out.
//
// The guard is a one-slot semaphore channel rather than a sync.Mutex so the
// reader can bound its wait: if the guard is not acquired within the
// configured window the reader skips its tick instead of stalling, keeping
// the producer live under contention.
package ring

import (
	"fmt"
	"time"
)

// Buffer is a fixed-length circular int16 sample buffer with drop-oldest
// overflow handling. Allocated once, never resized.
type Buffer struct {
	data []int16
	head int // next write index
	tail int // oldest occupied index
	size int // occupied samples, always <= cap(data)

	watermark int // occupancy above which the drop policy fires
	dropCount int // samples discarded per policy trigger

	sem chan struct{} // one-slot guard; a held slot means locked
}

// New allocates a buffer of the given sample capacity. The watermark is the
// occupancy fraction above which a push discards old samples; dropFraction is
// the fraction of capacity discarded each time. Both must lie in (0, 1].
func New(capacity int, watermark, dropFraction float64) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring: capacity %d must be positive", capacity)
	}
	if watermark <= 0 || watermark > 1 {
		return nil, fmt.Errorf("ring: watermark %.2f is outside (0, 1]", watermark)
	}
	if dropFraction <= 0 || dropFraction > 1 {
		return nil, fmt.Errorf("ring: drop fraction %.2f is outside (0, 1]", dropFraction)
	}

	drop := int(dropFraction * float64(capacity))
	if drop < 1 {
		drop = 1
	}
	return &Buffer{
		data:      make([]int16, capacity),
		watermark: int(watermark * float64(capacity)),
		dropCount: drop,
		sem:       make(chan struct{}, 1),
	}, nil
}

// Capacity returns the fixed sample capacity.
func (b *Buffer) Capacity() int { return len(b.data) }

// Occupied returns the current number of buffered samples.
func (b *Buffer) Occupied() int {
	b.lock()
	defer b.unlock()
	return b.size
}

// Push appends samples at the write cursor, wrapping modulo capacity, and
// returns the number of old samples discarded to make room. Two discard
// paths exist: the watermark policy (projected occupancy above the watermark
// drops a fixed fraction of capacity) and the hard bound (the incoming
// samples must always fit). The incoming frame itself is never truncated
// unless it alone exceeds the whole capacity. Push blocks on the guard; the
// critical section is a bounded copy.
func (b *Buffer) Push(samples []int16) (dropped int) {
	n := len(samples)
	if n == 0 {
		return 0
	}

	b.lock()
	defer b.unlock()

	capacity := len(b.data)

	// A frame larger than the ring keeps only its newest samples.
	if n > capacity {
		dropped += n - capacity
		samples = samples[n-capacity:]
		n = capacity
	}

	// Freshness over completeness: discard the oldest fraction when the
	// projected occupancy crosses the watermark.
	if b.size+n > b.watermark {
		dropped += b.discard(b.dropCount)
	}

	// The incoming samples must fit regardless of the policy outcome.
	if over := b.size + n - capacity; over > 0 {
		dropped += b.discard(over)
	}

	// Append at head, wrapping.
	first := min(n, capacity-b.head)
	copy(b.data[b.head:], samples[:first])
	copy(b.data, samples[first:])
	b.head = (b.head + n) % capacity
	b.size += n

	return dropped
}

// PopWindow copies the most recent min(len(dst), occupied) samples into dst
// in chronological order, empties the buffer, and returns the count copied.
// Samples older than the returned window are discarded with it, so the
// reader always works on fresh audio and never re-reads a window. It waits
// at most maxWait for the guard; on timeout it returns ok=false and the
// buffer is untouched, so the caller can skip its tick instead of blocking
// the writer. A maxWait of zero tries the guard exactly once.
func (b *Buffer) PopWindow(dst []int16, maxWait time.Duration) (n int, ok bool) {
	if !b.lockTimeout(maxWait) {
		return 0, false
	}
	defer b.unlock()

	n = min(len(dst), b.size)
	if n > 0 {
		capacity := len(b.data)
		start := (b.head - n + capacity) % capacity
		first := min(n, capacity-start)
		copy(dst, b.data[start:start+first])
		copy(dst[first:], b.data[:n-first])
	}

	b.tail = b.head
	b.size = 0
	return n, true
}

// discard advances the tail past up to n of the oldest samples and returns
// how many were discarded. Caller must hold the guard.
func (b *Buffer) discard(n int) int {
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return 0
	}
	b.tail = (b.tail + n) % len(b.data)
	b.size -= n
	return n
}

func (b *Buffer) lock()   { b.sem <- struct{}{} }
func (b *Buffer) unlock() { <-b.sem }

// lockTimeout acquires the guard, giving up after maxWait. A non-positive
// maxWait degenerates to a single non-blocking attempt.
func (b *Buffer) lockTimeout(maxWait time.Duration) bool {
	if maxWait <= 0 {
		select {
		case b.sem <- struct{}{}:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case b.sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}
