// Package publisher holds the latest annotated frame and serves it to HTTP
// clients as an MJPEG stream.
package publisher

import (
	"sync/atomic"
	"time"
)

// Snapshot is one immutable slot value. Frame and Meta always come from the
// same write.
type Snapshot struct {
	Seq       uint64
	Frame     []byte // JPEG
	Meta      Metadata
	Annotated bool // Frame already carries the boxes
	Time      time.Time
}

// Slot is the single shared "latest" value. Writers replace it wholesale;
// readers get a consistent snapshot without locking.
type Slot struct {
	cur atomic.Pointer[Snapshot]
}

// Write replaces the slot contents. The caller must not modify frame or meta afterwards.
func (s *Slot) Write(frame []byte, meta Metadata) uint64 {
	return s.store(&Snapshot{Frame: frame, Meta: meta})
}

// WriteAnnotated stores a frame whose boxes are already drawn.
func (s *Slot) WriteAnnotated(frame []byte, meta Metadata) uint64 {
	return s.store(&Snapshot{Frame: frame, Meta: meta, Annotated: true})
}

func (s *Slot) store(snap *Snapshot) uint64 {
	snap.Time = time.Now()
	for {
		old := s.cur.Load()
		snap.Seq = 1
		if old != nil {
			snap.Seq = old.Seq + 1
		}
		if s.cur.CompareAndSwap(old, snap) {
			return snap.Seq
		}
	}
}

// Read returns the latest snapshot, or false if nothing was written yet.
func (s *Slot) Read() (Snapshot, bool) {
	snap := s.cur.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}
