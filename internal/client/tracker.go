package client

import "sync"

// tracker holds per-chunk state and aggregate progress for one upload.
// Chunks upload concurrently, so every mutation takes the lock; the
// progress callback observes acknowledged bytes that only ever grow.
type tracker struct {
	mu         sync.Mutex
	states     []ChunkState
	ackedBytes int64
	ackedCount int
	totalBytes int64
	onProgress func(Progress)
}

func newTracker(totalChunks int, totalBytes int64, onProgress func(Progress)) *tracker {
	return &tracker{
		states:     make([]ChunkState, totalChunks),
		totalBytes: totalBytes,
		onProgress: onProgress,
	}
}

func (t *tracker) set(index int, state ChunkState) {
	t.mu.Lock()
	t.states[index] = state
	t.mu.Unlock()
}

// ack delivers the progress callback while still holding the lock; racing
// acknowledgements would otherwise hand observers snapshots out of order
// and aggregate progress could appear to move backwards.
func (t *tracker) ack(index int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[index] != ChunkAcknowledged {
		t.states[index] = ChunkAcknowledged
		t.ackedBytes += bytes
		t.ackedCount++
	}
	if t.onProgress != nil {
		t.onProgress(Progress{
			AcknowledgedBytes:  t.ackedBytes,
			TotalBytes:         t.totalBytes,
			AcknowledgedChunks: t.ackedCount,
			TotalChunks:        len(t.states),
		})
	}
}

func (t *tracker) snapshot() []ChunkState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ChunkState, len(t.states))
	copy(out, t.states)
	return out
}
