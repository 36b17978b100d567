package attn

import (
	"math/rand"
	"time"

	"mha-go/tensor"
)

// Dropout randomly zeros activations with probability Rate, scaling the
// survivors by 1/(1-Rate). It fires only in training mode unless
// ApplyDuringInference forces it on.
type Dropout struct {
	Rate                 float32
	ApplyDuringInference bool

	rng *rand.Rand
}

// NewDropout creates a dropout primitive with the given rate
func NewDropout(rate float32) *Dropout {
	return &Dropout{
		Rate: rate,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed reseeds the generator, for reproducible runs
func (d *Dropout) Seed(seed int64) {
	d.rng = rand.New(rand.NewSource(seed))
}

// Apply returns the input with dropout applied, or the input itself when
// dropout is inactive
func (d *Dropout) Apply(t *tensor.Tensor, training bool) *tensor.Tensor {
	if d.Rate == 0 || !(training || d.ApplyDuringInference) {
		return t
	}

	result := tensor.NewTensor(t.Shape...)
	result.DType = t.DType
	scale := 1 / (1 - d.Rate)

	for i := range t.Data {
		if d.rng.Float32() >= d.Rate {
			result.Data[i] = t.Data[i] * scale
		}
	}
	return result
}
