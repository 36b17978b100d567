// Package decode owns the mutable state of one incremental decoding session.
//
// During incremental generation each attention module caches its previously
// projected keys and values instead of recomputing them over the whole
// prefix. That cache does not belong to the module (a module serves many
// concurrent sessions); it belongs to the session. A Session is a keyed
// store of per-module buffers plus the fan-out point for beam reordering.
//
// Callers must serialize decode steps within one session. Distinct sessions
// are independent and may run concurrently.
package decode

import (
	"sync/atomic"

	"k8s.io/klog/v2"

	"mha-go/tensor"
)

// Buffer holds the cached tensors of a single module within a session.
// Entries are keyed semantically ("prev_key", "prev_value",
// "prev_key_padding_mask"); a missing entry means "not yet established"
// and is never an error.
type Buffer map[string]*tensor.Tensor

// Reorderable is implemented by modules whose session state must be
// permuted when the decoding beam set is re-ranked or pruned.
type Reorderable interface {
	ReorderIncrementalState(s *Session, newOrder []int)
}

// Session is the per-decoding-session state store.
type Session struct {
	ID      int64
	buffers map[uint64]Buffer
	modules []Reorderable
}

var sessionCounter int64

// NewSession creates an empty decoding session
func NewSession() *Session {
	id := atomic.AddInt64(&sessionCounter, 1) - 1
	klog.V(2).Infof("decode: new session %d", id)
	return &Session{
		ID:      id,
		buffers: make(map[uint64]Buffer),
	}
}

// Buffer returns the buffer stored under key, or (nil, false) if the
// module has not established state in this session yet.
func (s *Session) Buffer(key uint64) (Buffer, bool) {
	b, ok := s.buffers[key]
	return b, ok
}

// SetBuffer stores the buffer under key, replacing any previous buffer.
func (s *Session) SetBuffer(key uint64, b Buffer) {
	s.buffers[key] = b
}

// Register adds a module to the set whose state is permuted by Reorder.
// Registering the same module more than once is the caller's bug; the
// session does not dedupe.
func (s *Session) Register(m Reorderable) {
	s.modules = append(s.modules, m)
}

// Reorder permutes the batch axis of every registered module's cached
// state according to newOrder. Used when the beam set is re-ranked or
// pruned between decode steps. A no-op for modules without established
// state.
func (s *Session) Reorder(newOrder []int) {
	klog.V(2).Infof("decode: session %d reorder %v across %d modules", s.ID, newOrder, len(s.modules))
	for _, m := range s.modules {
		m.ReorderIncrementalState(s, newOrder)
	}
}
