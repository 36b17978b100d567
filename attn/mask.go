package attn

import (
	"fmt"
	"math"

	"mha-go/tensor"
)

var negInf = float32(math.Inf(-1))

// appendPrevKeyPaddingMask combines the padding mask of the current step
// with the mask accumulated over previous decode steps. Saved masks have
// shape (batch, seqLen); nonzero marks a padding position.
//
// Policy:
//  1. previous exists and static_kv: previous wins outright.
//  2. both exist: previous ++ current along the source axis.
//  3. only previous: right-pad with non-masked filler up to srcLen.
//  4. only current: left-pad with non-masked filler up to srcLen (the
//     earlier cached positions recorded no mask).
//  5. neither: nil.
//
// The left-vs-right filler asymmetry between branches 3 and 4 is
// deliberate; do not "fix" it without validating against reference
// outputs. As padding tokens enter and leave the frame during incremental
// decoding there are steps where only one of the two masks exists.
func appendPrevKeyPaddingMask(cur, prev *tensor.Tensor, batchSize, srcLen int, staticKV bool) *tensor.Tensor {
	switch {
	case prev != nil && staticKV:
		return prev
	case prev != nil && cur != nil:
		return tensor.Concat(prev, cur, 1)
	case prev != nil:
		if srcLen > prev.Shape[1] {
			filler := tensor.NewTensor(batchSize, srcLen-prev.Shape[1])
			return tensor.Concat(prev, filler, 1)
		}
		return prev
	case cur != nil:
		if srcLen > cur.Shape[1] {
			filler := tensor.NewTensor(batchSize, srcLen-cur.Shape[1])
			return tensor.Concat(filler, cur, 1)
		}
		return cur
	default:
		return nil
	}
}

// addAttnMask adds an additive (tgtLen, srcLen) mask to every batch-head
// slice of the scores, in place. Callers sanitize the scores first so a
// -Inf mask landing on an already-extreme score cannot produce NaN.
func addAttnMask(scores, mask *tensor.Tensor) {
	tgtLen, srcLen := scores.Shape[1], scores.Shape[2]
	if len(mask.Shape) != 2 || mask.Shape[0] != tgtLen || mask.Shape[1] != srcLen {
		panic(fmt.Sprintf("attn_mask shape %v does not match scores (%d, %d)", mask.Shape, tgtLen, srcLen))
	}

	plane := tgtLen * srcLen
	for b := 0; b < scores.Shape[0]; b++ {
		for i := 0; i < plane; i++ {
			scores.Data[b*plane+i] += mask.Data[i]
		}
	}
}

// applyKeyPaddingMask sets scores at padded key positions to -Inf, in
// place. Scores are (batch*heads, tgtLen, srcLen); the mask is
// (batch, srcLen) and broadcasts over heads and target positions.
func applyKeyPaddingMask(scores, mask *tensor.Tensor, batchSize int) {
	heads := scores.Shape[0] / batchSize
	tgtLen, srcLen := scores.Shape[1], scores.Shape[2]

	for b := 0; b < batchSize; b++ {
		for s := 0; s < srcLen; s++ {
			if mask.Data[b*srcLen+s] == 0 {
				continue
			}
			for h := 0; h < heads; h++ {
				base := ((b*heads+h)*tgtLen)*srcLen + s
				for t := 0; t < tgtLen; t++ {
					scores.Data[base+t*srcLen] = negInf
				}
			}
		}
	}
}

// extendMaskCols appends n non-masked columns to a (rows, cols) mask,
// used when bias tokens or the zero-attention position extend the
// effective source length.
func extendMaskCols(mask *tensor.Tensor, n int) *tensor.Tensor {
	filler := tensor.NewTensor(mask.Shape[0], n)
	return tensor.Concat(mask, filler, 1)
}
