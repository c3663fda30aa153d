package stream

import (
	"sync"
	"sync/atomic"
)

// listenerBuffer holds about six seconds of per-frame PCM at 24fps.
const listenerBuffer = 150

// Broadcaster fans out the PCM the audio thread plays to N listeners.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	dropped   atomic.Uint64
}

// Listener receives PCM chunks from the broadcaster.
type Listener struct {
	C    chan []int16 // one chunk per played video frame
	done chan struct{}
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a new listener. Returns a Listener that receives chunks.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []int16, listenerBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop. Unsubscribing twice
// is a no-op.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	_, ok := b.listeners[l]
	delete(b.listeners, l)
	b.mu.Unlock()
	if ok {
		close(l.done)
	}
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Dropped returns how many chunks were dropped for slow listeners.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Publish hands samples to every listener without blocking. Slow listeners
// get the chunk dropped rather than stalling the audio thread.
func (b *Broadcaster) Publish(samples []int16) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		select {
		case l.C <- samples:
		default:
			b.dropped.Add(1)
		}
	}
}
