package keylock

import (
	"context"
	"fmt"
)

// chunkSize is the fixed mapping granularity; the real engine maps files in
// 2^30-byte chunks, but that would make every test allocate a gigabyte, so
// it is a package variable tests can shrink rather than a compile-time
// constant mirroring the real exponent.
var chunkSize int64 = 1 << 30

// chunk is one fixed-size mapped region. Offsets beyond the mapped file's
// current length have no chunk (a hole, in sparse-file terms); reads there
// are simulated as zero-filled.
type chunk struct {
	data []byte
}

// MappedFile simulates the chunked memory-mapping layer the storage engine
// sits on, enough to exercise Latch as a real second caller rather than
// leaving it a lock manager exclusivity. No OS mmap syscall is ever issued;
// each chunk is backed by an ordinary byte slice.
type MappedFile struct {
	remapLatch *Latch // serializes structural changes: grow, truncate, remap
	accessLock *Latch // guards observation of the mappings slice itself

	mappings        []*chunk
	lastMappingSize int64

	syncLatch    *Latch
	syncStartNS  int64 // nanosecond timestamp a sync began, 0 if idle
}

// NewMappedFile returns an empty MappedFile (length 0, no chunks mapped).
func NewMappedFile() *MappedFile {
	return &MappedFile{
		remapLatch: NewLatch(),
		accessLock: NewLatch(),
		syncLatch:  NewLatch(),
	}
}

// Len reports the file's current simulated length in bytes.
func (m *MappedFile) Len() int64 {
	m.accessLock.AcquireShared(context.Background(), 0)
	defer m.accessLock.ReleaseShared()

	if len(m.mappings) == 0 {
		return 0
	}
	return int64(len(m.mappings)-1)*chunkSize + m.lastMappingSize
}

// Grow extends the file to newLen, mapping additional chunks as needed.
// newLen shorter than the current length is an error -- use Truncate, which
// enforces the unmap-before-shrink rule explicitly.
func (m *MappedFile) Grow(ctx context.Context, newLen int64) error {
	if newLen < 0 {
		return fmt.Errorf("keylock: negative length %d", newLen)
	}
	if err := m.remapLatch.AcquireExclusive(ctx, 0); err != nil {
		return err
	}
	defer m.remapLatch.ReleaseExclusive()

	m.accessLock.AcquireExclusive(ctx, 0)
	defer m.accessLock.ReleaseExclusive()

	cur := int64(0)
	if len(m.mappings) > 0 {
		cur = int64(len(m.mappings)-1)*chunkSize + m.lastMappingSize
	}
	if newLen < cur {
		return fmt.Errorf("keylock: Grow to %d is shorter than current length %d, use Truncate", newLen, cur)
	}

	// The existing last chunk is about to stop being the last one; pad it
	// up to a full chunk before any new chunk is appended after it.
	if len(m.mappings) > 0 && newLen > int64(len(m.mappings))*chunkSize {
		last := m.mappings[len(m.mappings)-1]
		if int64(len(last.data)) < chunkSize {
			full := make([]byte, chunkSize)
			copy(full, last.data)
			last.data = full
		}
	}

	for newLen > int64(len(m.mappings))*chunkSize {
		m.mappings = append(m.mappings, &chunk{data: make([]byte, chunkSize)})
	}

	if len(m.mappings) > 0 {
		lastLen := newLen - int64(len(m.mappings)-1)*chunkSize
		if lastLen > chunkSize {
			lastLen = chunkSize
		}
		last := m.mappings[len(m.mappings)-1]
		if int64(len(last.data)) != lastLen {
			resized := make([]byte, lastLen)
			copy(resized, last.data)
			last.data = resized
		}
		m.lastMappingSize = lastLen
	}
	return nil
}

// Truncate shrinks the file to newLen, first unmapping every chunk past the
// new boundary -- the OS requires unmapping before a length reduction, and
// this layer mirrors that ordering even though no real mapping exists.
func (m *MappedFile) Truncate(ctx context.Context, newLen int64) error {
	if newLen < 0 {
		return fmt.Errorf("keylock: negative length %d", newLen)
	}
	if err := m.remapLatch.AcquireExclusive(ctx, 0); err != nil {
		return err
	}
	defer m.remapLatch.ReleaseExclusive()

	m.accessLock.AcquireExclusive(ctx, 0)
	defer m.accessLock.ReleaseExclusive()

	keep := int((newLen + chunkSize - 1) / chunkSize)
	if keep > len(m.mappings) {
		return nil
	}
	for i := keep; i < len(m.mappings); i++ {
		m.mappings[i] = nil // unmap
	}
	m.mappings = m.mappings[:keep]
	if keep > 0 {
		m.lastMappingSize = newLen - int64(keep-1)*chunkSize
	} else {
		m.lastMappingSize = 0
	}
	return nil
}

// ReadAt copies len(p) bytes starting at off into p, zero-filling any
// portion that falls within a hole.
func (m *MappedFile) ReadAt(ctx context.Context, p []byte, off int64) error {
	if err := m.accessLock.AcquireShared(ctx, 0); err != nil {
		return err
	}
	defer m.accessLock.ReleaseShared()

	for i := range p {
		b, ok := m.byteAtLocked(off + int64(i))
		if ok {
			p[i] = b
		} else {
			p[i] = 0
		}
	}
	return nil
}

// WriteAt writes p into the file starting at off. The destination range
// must already be mapped (callers call Grow first), matching the real
// engine's page-store usage pattern.
func (m *MappedFile) WriteAt(ctx context.Context, p []byte, off int64) error {
	if err := m.accessLock.AcquireShared(ctx, 0); err != nil {
		return err
	}
	defer m.accessLock.ReleaseShared()

	for i := range p {
		idx := off + int64(i)
		c, within := m.chunkForLocked(idx)
		if !within {
			return fmt.Errorf("keylock: write at %d beyond mapped length", idx)
		}
		c.data[idx%chunkSize] = p[i]
	}
	return nil
}

func (m *MappedFile) chunkForLocked(off int64) (*chunk, bool) {
	idx := int(off / chunkSize)
	if idx < 0 || idx >= len(m.mappings) {
		return nil, false
	}
	c := m.mappings[idx]
	if c == nil {
		return nil, false
	}
	withinLast := idx < len(m.mappings)-1 || off%chunkSize < m.lastMappingSize
	if !withinLast {
		return nil, false
	}
	return c, true
}

func (m *MappedFile) byteAtLocked(off int64) (byte, bool) {
	c, ok := m.chunkForLocked(off)
	if !ok {
		return 0, false
	}
	return c.data[off%chunkSize], true
}

// BeginSync acquires the sync latch exclusively and records startNS so
// concurrent accessors can observe how long a sync has been running (the
// real engine uses this to throttle checkpoint I/O against page traffic).
// Callers must call EndSync when the sync completes.
func (m *MappedFile) BeginSync(ctx context.Context, startNS int64) error {
	if err := m.syncLatch.AcquireExclusive(ctx, 0); err != nil {
		return err
	}
	m.syncStartNS = startNS
	return nil
}

// EndSync releases the sync latch taken by BeginSync.
func (m *MappedFile) EndSync() {
	m.syncStartNS = 0
	m.syncLatch.ReleaseExclusive()
}

// SyncInProgress reports whether a sync is currently running and, if so,
// the nanosecond timestamp it began at.
func (m *MappedFile) SyncInProgress() (int64, bool) {
	if m.syncLatch.TryAcquireExclusive() {
		m.syncLatch.ReleaseExclusive()
		return 0, false
	}
	return m.syncStartNS, true
}
