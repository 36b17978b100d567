package attn

import (
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"mha-go/tensor"
)

// Option is a functional option for Attention
type Option func(*Attention)

// WithKDim sets the input dimension of keys (defaults to embedDim)
func WithKDim(d int) Option {
	return func(a *Attention) { a.kdim = d }
}

// WithVDim sets the input dimension of values (defaults to embedDim)
func WithVDim(d int) Option {
	return func(a *Attention) { a.vdim = d }
}

// WithDropout sets the dropout rate applied to attention probabilities
func WithDropout(rate float32) Option {
	return func(a *Attention) { a.dropout.Rate = rate }
}

// WithBiasKV adds a learned bias key and bias value appended as one extra
// attendable position
func WithBiasKV() Option {
	return func(a *Attention) { a.addBiasKV = true }
}

// WithZeroAttn appends one all-zero key/value position so a query can
// attend to nothing
func WithZeroAttn() Option {
	return func(a *Attention) { a.addZeroAttn = true }
}

// WithSelfAttention configures the module so query, key and value are all
// projections of the query input
func WithSelfAttention() Option {
	return func(a *Attention) { a.selfAttention = true }
}

// WithEncoderDecoder configures the module for encoder-decoder attention:
// query projects the decoder input, key/value project the encoder output
// and may be cached across decode steps (static_kv)
func WithEncoderDecoder() Option {
	return func(a *Attention) { a.encoderDecoder = true }
}

// WithSharding marks the projection weights as partitioned across
// worldSize ranks. Forward then consumes rank-local SPMD-gathered
// projection outputs and adjusts its accounting accordingly.
func WithSharding(worldSize int) Option {
	return func(a *Attention) { a.worldSize = worldSize }
}

// WithDType sets the ambient compute precision. Softmax always runs in
// float32 and casts back to this dtype.
func WithDType(dt tensor.DType) Option {
	return func(a *Attention) { a.dtype = dt }
}

// WithKernel replaces the fused fast-path backend. It is consulted only
// when the call has no incremental state, no sharding and no feature the
// kernel cannot express; the observable contract is unchanged either way.
// Pass nil to force the step-by-step path.
func WithKernel(k Kernel) Option {
	return func(a *Attention) { a.kernel = k }
}

// Attention is a multi-head scaled dot-product attention module.
//
// Configuration is immutable after construction; the owned projection
// parameters are mutated only by an external training step.
type Attention struct {
	embedDim int
	kdim     int
	vdim     int
	numHeads int
	headDim  int
	scaling  float32

	selfAttention  bool
	encoderDecoder bool
	addBiasKV      bool
	addZeroAttn    bool
	worldSize      int
	dtype          tensor.DType
	kernel         Kernel
	training       bool

	dropout *Dropout

	QProj   *Linear
	KProj   *Linear
	VProj   *Linear
	OutProj *Linear
	BiasK   *tensor.Tensor // (1, 1, embedDim) or nil
	BiasV   *tensor.Tensor // (1, 1, embedDim) or nil

	// instanceID scopes this module's buffers inside a shared decoding
	// session; bufferKey is its precomputed hash.
	instanceID string
	bufferKey  uint64
}

// New creates an attention module. Invalid configurations panic: a module
// that cannot satisfy its shape invariants must not exist.
func New(embedDim, numHeads int, opts ...Option) *Attention {
	a := &Attention{
		embedDim:  embedDim,
		kdim:      embedDim,
		vdim:      embedDim,
		numHeads:  numHeads,
		worldSize: 1,
		dtype:     tensor.F32,
		dropout:   NewDropout(0),
		kernel:    fusedKernel{},
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.validate(); err != nil {
		panic(err)
	}

	a.headDim = embedDim / numHeads
	a.scaling = float32(math.Pow(float64(a.headDim), -0.5))

	a.QProj = NewLinear(embedDim, embedDim, true)
	a.KProj = NewLinear(a.kdim, embedDim, true)
	a.VProj = NewLinear(a.vdim, embedDim, true)
	a.OutProj = NewLinear(embedDim, embedDim, true)

	if a.addBiasKV {
		a.BiasK = tensor.NewTensor(1, 1, embedDim)
		a.BiasV = tensor.NewTensor(1, 1, embedDim)
	}

	for _, l := range []*Linear{a.QProj, a.KProj, a.VProj, a.OutProj} {
		l.Weight.DType = a.dtype
		if l.Bias != nil {
			l.Bias.DType = a.dtype
		}
	}

	a.instanceID = uuid.NewString()
	a.bufferKey = xxhash.Sum64String(a.instanceID + ".attn_state")

	return a
}

func (a *Attention) validate() error {
	if a.numHeads <= 0 {
		return errors.Errorf("num_heads must be positive, got %d", a.numHeads)
	}
	if a.embedDim%a.numHeads != 0 {
		return errors.Errorf("embed_dim (%d) must be divisible by num_heads (%d)", a.embedDim, a.numHeads)
	}
	if a.selfAttention && a.encoderDecoder {
		return errors.New("self-attention and encoder-decoder attention are mutually exclusive")
	}
	if a.selfAttention && (a.kdim != a.embedDim || a.vdim != a.embedDim) {
		return errors.New("self-attention requires query, key and value to be of the same size")
	}
	if a.dropout.Rate < 0 || a.dropout.Rate >= 1 {
		return errors.Errorf("dropout rate %v out of range [0, 1)", a.dropout.Rate)
	}
	if a.worldSize < 1 {
		return errors.Errorf("world size must be at least 1, got %d", a.worldSize)
	}
	if a.worldSize > 1 {
		if a.numHeads%a.worldSize != 0 {
			return errors.Errorf("num_heads (%d) must be divisible by world size (%d)", a.numHeads, a.worldSize)
		}
		if a.addBiasKV || a.addZeroAttn {
			return errors.New("bias-kv and zero-attention are not supported with sharded projections")
		}
	}
	return nil
}

// EmbedDim returns the embedding dimension
func (a *Attention) EmbedDim() int { return a.embedDim }

// NumHeads returns the number of attention heads
func (a *Attention) NumHeads() int { return a.numHeads }

// HeadDim returns the per-head subspace dimension
func (a *Attention) HeadDim() int { return a.headDim }

// BufferKey returns the key under which this module stores its state in a
// decoding session
func (a *Attention) BufferKey() uint64 { return a.bufferKey }

// SetTraining toggles training mode, which controls whether dropout fires
func (a *Attention) SetTraining(training bool) { a.training = training }
