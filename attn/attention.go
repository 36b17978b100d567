// Package attn implements multi-head scaled dot-product attention with
// support for self-attention, encoder-decoder attention, incremental
// decoding with cached key/value state, and model-parallel sharded
// projections.
package attn

import (
	"fmt"

	"k8s.io/klog/v2"

	"mha-go/decode"
	"mha-go/tensor"
)

// ForwardOptions carries the per-call knobs of Forward. The zero value is
// a plain full-sequence forward pass.
type ForwardOptions struct {
	// KeyPaddingMask is (batch, srcLen); nonzero entries mark padding
	// positions that no query may attend to.
	KeyPaddingMask *tensor.Tensor

	// AttnMask is an additive (tgtLen, srcLen) float mask, typically
	// -Inf above the diagonal for causal decoding.
	AttnMask *tensor.Tensor

	// State, when set, enables incremental decoding: keys and values
	// are appended to this module's cached buffers inside the session.
	State *decode.Session

	// StaticKV reuses the cached keys and values untouched instead of
	// reprojecting. Only valid for encoder-decoder attention.
	StaticKV bool

	// NeedWeights requests the softmax weights averaged over heads.
	NeedWeights bool

	// NeedHeadWeights requests the per-head softmax weights. Implies
	// NeedWeights.
	NeedHeadWeights bool

	// BeforeSoftmax short-circuits the pass after masking: Forward
	// returns the raw masked scores and the value tensor.
	BeforeSoftmax bool
}

// Forward computes attention over query (tgtLen, batch, embedDim) and
// key/value (srcLen, batch, kdim/vdim). In self-attention mode key and
// value are ignored in favor of query; in encoder-decoder mode value is
// ignored in favor of key, and key may be nil when the cached state
// already holds the projected encoder output.
//
// It returns the attention output (tgtLen, batch, embedDim) and, if
// requested, the attention weights: (batch, tgtLen, srcLen) averaged over
// heads, or (heads, batch, tgtLen, srcLen) with NeedHeadWeights.
func (a *Attention) Forward(query, key, value *tensor.Tensor, opts ForwardOptions) (*tensor.Tensor, *tensor.Tensor) {
	if len(query.Shape) != 3 || query.Shape[2] != a.embedDim {
		panic(fmt.Sprintf("query shape %v does not match embed_dim %d", query.Shape, a.embedDim))
	}
	tgtLen, bsz := query.Shape[0], query.Shape[1]
	if opts.NeedHeadWeights {
		opts.NeedWeights = true
	}

	if a.canUseKernel(opts) {
		return a.forwardKernel(query, key, value, opts, bsz)
	}

	ctx := newShardCtx(a.worldSize)
	w := a.worldSize

	var buf decode.Buffer
	if opts.State != nil {
		buf = a.getInputBuffer(opts.State)
		if _, ok := buf[prevKeyEntry]; ok && opts.StaticKV {
			if !a.encoderDecoder || a.selfAttention {
				panic("static_kv requires encoder-decoder attention")
			}
			key, value = nil, nil
		}
	}

	q, k, v := a.project(query, key, value, ctx)
	q = tensor.Scale(q, a.scaling)

	keyPaddingMask := opts.KeyPaddingMask
	attnMask := opts.AttnMask

	// Sharded execution stacks the per-rank sequence blocks, so masks
	// are tiled up front to the stacked geometry and everything below
	// sees consistent widths.
	if ctx.active {
		if keyPaddingMask != nil {
			keyPaddingMask = tensor.Tile2D(keyPaddingMask, 1, w)
		}
		if attnMask != nil {
			attnMask = tensor.Tile2D(attnMask, w, w)
		}
	}

	if a.BiasK != nil && k != nil {
		k = tensor.Concat(k, repeatBias(a.BiasK, bsz), 0)
		v = tensor.Concat(v, repeatBias(a.BiasV, bsz), 0)
		if attnMask != nil {
			attnMask = extendMaskCols(attnMask, 1)
		}
		if keyPaddingMask != nil {
			keyPaddingMask = extendMaskCols(keyPaddingMask, 1)
		}
	}

	bszHeads := bsz * a.numHeads / w

	q = a.splitHeads(q, bszHeads)
	ctx.rebind(1)
	if k != nil {
		k = a.splitHeads(k, bszHeads)
	}
	if v != nil {
		v = a.splitHeads(v, bszHeads)
	}

	if buf != nil {
		if pk, ok := buf[prevKeyEntry]; ok {
			prev := pk.Reshape(bszHeads, -1, a.headDim)
			if opts.StaticKV {
				k = prev
			} else {
				k = tensor.Concat(prev, k, 1)
			}
		}
		if pv, ok := buf[prevValueEntry]; ok {
			prev := pv.Reshape(bszHeads, -1, a.headDim)
			if opts.StaticKV {
				v = prev
			} else {
				v = tensor.Concat(prev, v, 1)
			}
		}
		if k == nil || v == nil {
			panic("attention requires keys and values: pass key input or cached state")
		}
		keyPaddingMask = appendPrevKeyPaddingMask(
			keyPaddingMask, buf[prevKeyPaddingEntry], bsz, k.Shape[1], opts.StaticKV)

		heads := bszHeads / bsz
		buf[prevKeyEntry] = k.Reshape(bsz, heads, -1, a.headDim)
		buf[prevValueEntry] = v.Reshape(bsz, heads, -1, a.headDim)
		if keyPaddingMask != nil {
			buf[prevKeyPaddingEntry] = keyPaddingMask
		} else {
			delete(buf, prevKeyPaddingEntry)
		}
		a.setInputBuffer(opts.State, buf)
		klog.V(2).Infof("attention %s cached %d source positions", a.instanceID, k.Shape[1])
	}

	if k == nil || v == nil {
		panic("attention requires keys and values: pass key input or cached state")
	}
	srcLen := k.Shape[1]

	if a.addZeroAttn {
		zk := tensor.NewTensor(k.Shape[0], 1, k.Shape[2])
		k = tensor.Concat(k, zk, 1)
		zv := tensor.NewTensor(v.Shape[0], 1, v.Shape[2])
		v = tensor.Concat(v, zv, 1)
		srcLen++
		if attnMask != nil {
			attnMask = extendMaskCols(attnMask, 1)
		}
		if keyPaddingMask != nil {
			keyPaddingMask = extendMaskCols(keyPaddingMask, 1)
		}
	}

	effTgt := tgtLen
	if ctx.active {
		effTgt *= w
	}

	scores := tensor.BMMTransB(q, k)
	zeroCrossRank(scores, ctx)
	if scores.Shape[0] != bszHeads || scores.Shape[1] != effTgt || scores.Shape[2] != srcLen {
		panic(fmt.Sprintf("attention scores shape %v, expected [%d %d %d]",
			scores.Shape, bszHeads, effTgt, srcLen))
	}

	if attnMask != nil {
		tensor.SanitizeNonFinite(scores)
		addAttnMask(scores, attnMask)
	}
	if keyPaddingMask != nil {
		if keyPaddingMask.Shape[0] != bsz || keyPaddingMask.Shape[1] != srcLen {
			panic(fmt.Sprintf("key_padding_mask shape %v, expected [%d %d]",
				keyPaddingMask.Shape, bsz, srcLen))
		}
		applyKeyPaddingMask(scores, keyPaddingMask, bsz)
	}

	if opts.BeforeSoftmax {
		return scores, v
	}

	negInfCrossRank(scores, ctx)
	weightsFloat := tensor.Softmax3(scores)
	weights := weightsFloat.AsDType(query.DType)
	probs := a.dropout.Apply(weights, a.training)

	attnOut := tensor.BMM(probs, v)
	if attnOut.Shape[0] != bszHeads || attnOut.Shape[1] != effTgt || attnOut.Shape[2] != a.headDim {
		panic(fmt.Sprintf("attention output shape %v, expected [%d %d %d]",
			attnOut.Shape, bszHeads, effTgt, a.headDim))
	}

	merged := tensor.Transpose01(attnOut)
	ctx.rebind(0)
	merged = merged.Reshape(effTgt, bsz, -1)

	var out *tensor.Tensor
	if ctx.active {
		out = shardOutProject(merged, a.OutProj, w)
	} else {
		out = a.OutProj.Forward(merged)
	}

	var reported *tensor.Tensor
	if opts.NeedWeights {
		reported = a.reportWeights(weightsFloat, bsz, effTgt, srcLen, opts.NeedHeadWeights)
	}
	return out, reported
}

// project runs the mode-appropriate input projections. Under sharding
// each projection is SPMD-gathered and the context is rebound to the
// stacked sequence axis.
func (a *Attention) project(query, key, value *tensor.Tensor, ctx shardCtx) (q, k, v *tensor.Tensor) {
	proj := func(x *tensor.Tensor, l *Linear) *tensor.Tensor {
		if x == nil {
			return nil
		}
		if ctx.active {
			return SPMDGatherProject(x, l, ctx.worldSize)
		}
		return l.Forward(x)
	}

	switch {
	case a.selfAttention:
		q = proj(query, a.QProj)
		k = proj(query, a.KProj)
		v = proj(query, a.VProj)
	case a.encoderDecoder:
		q = proj(query, a.QProj)
		k = proj(key, a.KProj)
		v = proj(key, a.VProj)
	default:
		q = proj(query, a.QProj)
		k = proj(key, a.KProj)
		v = proj(value, a.VProj)
	}
	return q, k, v
}

// splitHeads turns a (seqLen, batch, dim) projection into the
// (batch*heads, seqLen, headDim) layout batched matmuls operate on.
func (a *Attention) splitHeads(t *tensor.Tensor, bszHeads int) *tensor.Tensor {
	return tensor.Transpose01(t.Reshape(t.Shape[0], bszHeads, a.headDim))
}

func (a *Attention) forwardKernel(query, key, value *tensor.Tensor, opts ForwardOptions, bsz int) (*tensor.Tensor, *tensor.Tensor) {
	ctx := newShardCtx(1)
	q, k, v := a.project(query, key, value, ctx)
	if k == nil || v == nil {
		panic("attention requires keys and values: pass key input or cached state")
	}
	q = tensor.Scale(q, a.scaling)

	srcLen := k.Shape[0]
	if m := opts.KeyPaddingMask; m != nil && (m.Shape[0] != bsz || m.Shape[1] != srcLen) {
		panic(fmt.Sprintf("key_padding_mask shape %v, expected [%d %d]", m.Shape, bsz, srcLen))
	}

	bszHeads := bsz * a.numHeads
	tgtLen := q.Shape[0]
	q = a.splitHeads(q, bszHeads)
	k = a.splitHeads(k, bszHeads)
	v = a.splitHeads(v, bszHeads)

	out := a.kernel.Attend(q, k, v, opts.KeyPaddingMask, opts.AttnMask, bsz, a.dropout, a.training)
	merged := tensor.Transpose01(out).Reshape(tgtLen, bsz, -1)
	return a.OutProj.Forward(merged), nil
}

// reportWeights reshapes the float32 pre-dropout softmax weights for the
// caller: (heads, batch, tgtLen, srcLen) per head, or the mean over heads
// (batch, tgtLen, srcLen).
func (a *Attention) reportWeights(wf *tensor.Tensor, bsz, tgtLen, srcLen int, perHead bool) *tensor.Tensor {
	heads := wf.Shape[0] / bsz
	plane := tgtLen * srcLen

	if perHead {
		out := tensor.NewTensor(heads, bsz, tgtLen, srcLen)
		for b := 0; b < bsz; b++ {
			for h := 0; h < heads; h++ {
				src := wf.Data[(b*heads+h)*plane : (b*heads+h+1)*plane]
				copy(out.Data[(h*bsz+b)*plane:(h*bsz+b+1)*plane], src)
			}
		}
		return out
	}

	out := tensor.NewTensor(bsz, tgtLen, srcLen)
	inv := 1 / float32(heads)
	for b := 0; b < bsz; b++ {
		dst := out.Data[b*plane : (b+1)*plane]
		for h := 0; h < heads; h++ {
			src := wf.Data[(b*heads+h)*plane : (b*heads+h+1)*plane]
			for i, x := range src {
				dst[i] += x * inv
			}
		}
	}
	return out
}

// repeatBias expands a (1, 1, dim) bias token across the batch axis.
func repeatBias(bias *tensor.Tensor, bsz int) *tensor.Tensor {
	dim := bias.Shape[2]
	out := tensor.NewTensor(1, bsz, dim)
	for b := 0; b < bsz; b++ {
		copy(out.Data[b*dim:(b+1)*dim], bias.Data)
	}
	return out
}
