// Package snapshot holds the most recently captured browser frame.
//
// A Snapshot is immutable once built. The Store is a single slot with
// last-value-wins semantics: one writer swaps the pointer, any number of
// readers load it. There is no history and no generation counter.
package snapshot

import (
	"sync/atomic"
	"time"
)

const (
	ContentTypePNG  = "image/png"
	ContentTypeJPEG = "image/jpeg"
)

// Snapshot is one captured frame. Treat every field as read-only once the
// value has been handed to Store.Replace.
type Snapshot struct {
	ID          string
	Data        []byte
	ContentType string
	CapturedAt  time.Time
	Duration    time.Duration // time spent in the driver call
}

// New builds a Snapshot that takes ownership of data.
func New(id string, data []byte, contentType string, capturedAt time.Time, took time.Duration) *Snapshot {
	if contentType == "" {
		contentType = ContentTypePNG
	}
	return &Snapshot{
		ID:          id,
		Data:        data,
		ContentType: contentType,
		CapturedAt:  capturedAt,
		Duration:    took,
	}
}

// Size returns the encoded image size in bytes.
func (s *Snapshot) Size() int { return len(s.Data) }

// Age reports how old the snapshot is relative to now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

// Store is the single-slot holder shared by the capture loop and the HTTP
// handlers. The zero value is an empty, ready-to-use store.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Replace publishes s, dropping the store's reference to the previous
// snapshot. Readers still holding the old pointer keep a valid value.
// A nil s is ignored: once published, the store never goes back to empty.
func (st *Store) Replace(s *Snapshot) {
	if s == nil {
		return
	}
	st.cur.Store(s)
}

// Read returns the current snapshot. ok is false until the first Replace.
func (st *Store) Read() (s *Snapshot, ok bool) {
	s = st.cur.Load()
	return s, s != nil
}
