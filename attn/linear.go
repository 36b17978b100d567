package attn

import (
	"fmt"

	"mha-go/tensor"
)

// Linear is the projection primitive: y = x W^T + b.
//
// Weight is stored (outDim, inDim) so a legacy combined q/k/v weight splits
// along its leading axis (see UpgradeStateDict). How the weight gets its
// values is external to this package; tests and demos fill it directly.
type Linear struct {
	Weight *tensor.Tensor // (outDim, inDim)
	Bias   *tensor.Tensor // (outDim) or nil
}

// NewLinear creates a zero-initialized projection
func NewLinear(inDim, outDim int, bias bool) *Linear {
	l := &Linear{
		Weight: tensor.NewTensor(outDim, inDim),
	}
	if bias {
		l.Bias = tensor.NewTensor(outDim)
	}
	return l
}

// InDim returns the input dimension
func (l *Linear) InDim() int { return l.Weight.Shape[1] }

// OutDim returns the output dimension
func (l *Linear) OutDim() int { return l.Weight.Shape[0] }

// Forward projects a (seqLen, batch, inDim) tensor to (seqLen, batch, outDim)
func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	if len(x.Shape) != 3 {
		panic(fmt.Sprintf("linear projection expects rank-3 input, got shape %v", x.Shape))
	}
	seqLen, batch, inDim := x.Shape[0], x.Shape[1], x.Shape[2]
	if inDim != l.InDim() {
		panic(fmt.Sprintf("linear projection input dim %d != weight input dim %d", inDim, l.InDim()))
	}

	rows := seqLen * batch
	outDim := l.OutDim()
	out := tensor.MatMulTransB(x.Reshape(rows, inDim), l.Weight).Reshape(seqLen, batch, outDim)

	if l.Bias != nil {
		for i := 0; i < rows; i++ {
			for j := 0; j < outDim; j++ {
				out.Data[i*outDim+j] += l.Bias.Data[j]
			}
		}
	}
	return out
}
