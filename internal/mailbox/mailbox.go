// Package mailbox provides a single-slot, overwrite-on-put container used to
// hand the freshest value from a producer goroutine to the control loop.
//
// A new Put replaces any unread value, so the reader always observes the most
// recent data and never blocks waiting for the writer. An empty mailbox is
// meaningful input for the reader (no new data since the last tick), not an
// error.
package mailbox

import "sync"

// Mailbox holds at most one value of type T.
type Mailbox[T any] struct {
	mu    sync.Mutex
	value T
	full  bool
}

// New returns an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{}
}

// Put stores v, replacing any unread value.
func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = v
	m.full = true
}

// Take removes and returns the stored value. The second return is false when
// the mailbox is empty.
func (m *Mailbox[T]) Take() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		var zero T
		return zero, false
	}
	v := m.value
	var zero T
	m.value = zero
	m.full = false
	return v, true
}

// Peek returns the stored value without clearing the slot.
func (m *Mailbox[T]) Peek() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.full
}
