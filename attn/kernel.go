package attn

import (
	"mha-go/tensor"
)

// Kernel computes attention for the common unsharded, non-incremental
// case in one pass over already-projected q, k, v of shape
// (batch*heads, seqLen, headDim). Queries arrive pre-scaled. A kernel
// never reports weights; Forward falls back to the step-by-step path
// whenever weights, cached state, or any of the exotic options are in
// play.
type Kernel interface {
	Attend(q, k, v, keyPaddingMask, attnMask *tensor.Tensor, batchSize int, dropout *Dropout, training bool) *tensor.Tensor
}

// fusedKernel is the default kernel. It runs the same math as the
// fallback path without materializing intermediate copies between steps.
type fusedKernel struct{}

func (fusedKernel) Attend(q, k, v, keyPaddingMask, attnMask *tensor.Tensor, batchSize int, dropout *Dropout, training bool) *tensor.Tensor {
	scores := tensor.BMMTransB(q, k)
	if attnMask != nil {
		tensor.SanitizeNonFinite(scores)
		addAttnMask(scores, attnMask)
	}
	if keyPaddingMask != nil {
		applyKeyPaddingMask(scores, keyPaddingMask, batchSize)
	}
	weights := tensor.Softmax3(scores).AsDType(q.DType)
	weights = dropout.Apply(weights, training)
	return tensor.BMM(weights, v)
}

func (a *Attention) canUseKernel(opts ForwardOptions) bool {
	return a.kernel != nil &&
		opts.State == nil &&
		!opts.StaticKV &&
		!opts.NeedWeights &&
		!opts.NeedHeadWeights &&
		!opts.BeforeSoftmax &&
		a.worldSize == 1 &&
		!a.addBiasKV &&
		!a.addZeroAttn
}
