package attn

import (
	"mha-go/decode"
	"mha-go/tensor"
)

// Cached-state buffer entry names.
const (
	prevKeyEntry        = "prev_key"
	prevValueEntry      = "prev_value"
	prevKeyPaddingEntry = "prev_key_padding_mask"
)

func (a *Attention) getInputBuffer(s *decode.Session) decode.Buffer {
	if s == nil {
		return nil
	}
	if buf, ok := s.Buffer(a.bufferKey); ok {
		return buf
	}
	return decode.Buffer{}
}

func (a *Attention) setInputBuffer(s *decode.Session, buf decode.Buffer) {
	s.SetBuffer(a.bufferKey, buf)
}

// ReorderIncrementalState permutes every cached tensor along its batch
// axis, matching a reordering of sequences across decode steps. In
// encoder-decoder mode the cached keys and values were computed from the
// encoder output; once their batch axis already matches the new order
// there is nothing left to reorder, so the loop stops early.
func (a *Attention) ReorderIncrementalState(s *decode.Session, newOrder []int) {
	buf := a.getInputBuffer(s)
	if len(buf) == 0 {
		return
	}
	for _, name := range []string{prevKeyEntry, prevValueEntry, prevKeyPaddingEntry} {
		t, ok := buf[name]
		if !ok || t == nil {
			continue
		}
		if a.encoderDecoder && t.Shape[0] == len(newOrder) {
			break
		}
		buf[name] = tensor.IndexSelect0(t, newOrder)
	}
	a.setInputBuffer(s, buf)
}
