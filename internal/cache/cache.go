// Package cache implements a bounded, index-ordered frame store used to
// reassemble frames that finish out of order.
package cache

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/framesync/internal/frame"
)

var (
	// ErrCacheFull is returned by Add when eviction cannot make room.
	ErrCacheFull = errors.New("frame cache full")
	// ErrNilFrame is returned by Add for a nil frame.
	ErrNilFrame = errors.New("nil frame")
)

// Cache maps frame index to frame. The map, the sorted index list and the
// byte counter share one mutex so a frame is never counted without being
// retrievable.
type Cache struct {
	mu       sync.Mutex
	frames   map[int64]*frame.Frame
	order    []int64 // resident indexes, ascending
	bytes    int64
	maxBytes int64 // 0 = unbounded
}

// New creates a cache limited to maxBytes of resident frame data.
func New(maxBytes int64) *Cache {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &Cache{
		frames:   make(map[int64]*frame.Frame),
		maxBytes: maxBytes,
	}
}

// SetMaxBytes changes the eviction threshold. It is enforced on the next Add.
func (c *Cache) SetMaxBytes(n int64) {
	if n < 0 {
		n = 0
	}
	c.mu.Lock()
	c.maxBytes = n
	c.mu.Unlock()
}

// MaxBytes returns the configured threshold.
func (c *Cache) MaxBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBytes
}

// Add inserts f under its own index, replacing any frame already there.
// Lowest indexes are evicted until f fits. If f is itself the lowest
// candidate, or larger than the whole budget, it is dropped and ErrCacheFull
// is returned.
func (c *Cache) Add(f *frame.Frame) error {
	if f == nil {
		return ErrNilFrame
	}
	size := f.Bytes()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Decide before touching anything so a rejected replacement keeps the
	// resident version.
	var victims []int64
	if c.maxBytes > 0 {
		if size > c.maxBytes {
			return c.reject(f, "frame larger than cache")
		}
		need := c.bytes + size
		if old, ok := c.frames[f.Index]; ok {
			need -= old.Bytes()
		}
		for _, idx := range c.order {
			if need <= c.maxBytes {
				break
			}
			if idx == f.Index {
				continue
			}
			if f.Index < idx {
				return c.reject(f, "older than every resident frame")
			}
			need -= c.frames[idx].Bytes()
			victims = append(victims, idx)
		}
	}

	c.removeLocked(f.Index)
	for _, idx := range victims {
		c.removeLocked(idx)
		logrus.WithFields(logrus.Fields{
			"function": "Cache.Add",
			"evicted":  idx,
			"incoming": f.Index,
		}).Debug("Evicted frame to make room")
	}

	pos, _ := slices.BinarySearch(c.order, f.Index)
	c.order = slices.Insert(c.order, pos, f.Index)
	c.frames[f.Index] = f
	c.bytes += size
	return nil
}

func (c *Cache) reject(f *frame.Frame, reason string) error {
	logrus.WithFields(logrus.Fields{
		"function":  "Cache.Add",
		"index":     f.Index,
		"size":      f.Bytes(),
		"max_bytes": c.maxBytes,
		"reason":    reason,
	}).Warn("Dropping frame, cache at capacity")
	return fmt.Errorf("%w: index %d", ErrCacheFull, f.Index)
}

// Exists reports whether index is resident.
func (c *Cache) Exists(index int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.frames[index]
	return ok
}

// Get returns the frame at index, or nil if absent. The frame stays resident.
func (c *Cache) Get(index int64) *frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[index]
}

// Remove deletes index and reclaims its bytes. Absent indexes are ignored.
func (c *Cache) Remove(index int64) {
	c.mu.Lock()
	c.removeLocked(index)
	c.mu.Unlock()
}

// Take atomically returns and removes the frame at index. Ownership passes
// to the caller.
func (c *Cache) Take(index int64) (*frame.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.frames[index]
	if ok {
		c.removeLocked(index)
	}
	return f, ok
}

func (c *Cache) removeLocked(index int64) {
	f, ok := c.frames[index]
	if !ok {
		return
	}
	delete(c.frames, index)
	c.bytes -= f.Bytes()
	if pos, found := slices.BinarySearch(c.order, index); found {
		c.order = slices.Delete(c.order, pos, pos+1)
	}
}

// Len returns the number of resident frames.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Bytes returns the resident byte total.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Indexes returns a sorted copy of the resident indexes.
func (c *Cache) Indexes() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// Clear drops every frame.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.frames = make(map[int64]*frame.Frame)
	c.order = nil
	c.bytes = 0
	c.mu.Unlock()
}

// Display logs the resident indexes at debug level.
func (c *Cache) Display() {
	c.mu.Lock()
	fields := logrus.Fields{
		"function":  "Cache.Display",
		"count":     len(c.order),
		"bytes":     c.bytes,
		"max_bytes": c.maxBytes,
		"indexes":   slices.Clone(c.order),
	}
	c.mu.Unlock()
	logrus.WithFields(fields).Debug("Cache contents")
}
