package attn

import (
	"fmt"

	"mha-go/tensor"
)

// shardCtx tracks whether the current forward call runs in model-parallel
// mode and which axis of the working activation carries the stacked
// per-rank blocks. The decision is made once at the top of Forward and
// carried through, so mid-call reshapes cannot flip the call in or out of
// sharded execution.
type shardCtx struct {
	active    bool
	worldSize int
	dim       int
}

func newShardCtx(worldSize int) shardCtx {
	return shardCtx{active: worldSize > 1, worldSize: worldSize}
}

// rebind records which axis holds the rank-stacked blocks after a layout
// change.
func (c *shardCtx) rebind(dim int) {
	if c.active {
		c.dim = dim
	}
}

// SPMDGatherProject runs a projection the way every rank would run it
// locally and stacks the per-rank outputs along the sequence axis. Rank r
// owns the r-th row block of the projection weight, so the result is
// (worldSize*seqLen, batch, outDim/worldSize).
func SPMDGatherProject(x *tensor.Tensor, l *Linear, worldSize int) *tensor.Tensor {
	outDim := l.OutDim()
	if outDim%worldSize != 0 {
		panic(fmt.Sprintf("projection dim %d not divisible by world size %d", outDim, worldSize))
	}
	local := outDim / worldSize

	var out *tensor.Tensor
	for r := 0; r < worldSize; r++ {
		w := l.Weight.Slice(r*local, (r+1)*local)
		part := &Linear{Weight: w}
		if l.Bias != nil {
			part.Bias = l.Bias.Slice(r*local, (r+1)*local)
		}
		y := part.Forward(x)
		if out == nil {
			out = y
		} else {
			out = tensor.Concat(out, y, 0)
		}
	}
	return out
}

// shardOutProject applies the output projection to a rank-stacked
// attention result. Rank r owns the r-th column block of the output
// weight; the full output is the sum of the per-rank partial products,
// which is what an all-reduce would produce.
func shardOutProject(x *tensor.Tensor, l *Linear, worldSize int) *tensor.Tensor {
	seqLen, local := x.Shape[0], x.Shape[2]
	inDim := local * worldSize
	if l.Weight.Shape[1] != inDim {
		panic(fmt.Sprintf("out projection expects input dim %d, got %d blocks of %d", l.Weight.Shape[1], worldSize, local))
	}
	if seqLen%worldSize != 0 {
		panic(fmt.Sprintf("stacked sequence length %d not divisible by world size %d", seqLen, worldSize))
	}
	localSeq := seqLen / worldSize

	var out *tensor.Tensor
	for r := 0; r < worldSize; r++ {
		block := x.Slice(r*localSeq, (r+1)*localSeq)
		wr := tensor.NewTensor(l.Weight.Shape[0], local)
		for o := 0; o < l.Weight.Shape[0]; o++ {
			copy(wr.Data[o*local:(o+1)*local], l.Weight.Data[o*inDim+r*local:o*inDim+(r+1)*local])
		}
		part := &Linear{Weight: wr}
		y := part.Forward(block)
		if out == nil {
			out = y
		} else {
			out = tensor.Add(out, y)
		}
	}
	if l.Bias != nil {
		outDim := l.Weight.Shape[0]
		for i := 0; i < len(out.Data); i++ {
			out.Data[i] += l.Bias.Data[i%outDim]
		}
	}
	return out
}

// zeroCrossRank zeroes the score blocks where query rank and key rank
// differ. Scores are (batch*heads/worldSize, worldSize*tgtLen,
// worldSize*srcLen); rank r's own block is the r-th diagonal (tgtLen,
// srcLen) tile.
func zeroCrossRank(scores *tensor.Tensor, c shardCtx) {
	fillCrossRank(scores, c, 0)
}

// negInfCrossRank marks the cross-rank score blocks with -Inf so the
// softmax assigns them zero probability.
func negInfCrossRank(scores *tensor.Tensor, c shardCtx) {
	fillCrossRank(scores, c, negInf)
}

func fillCrossRank(scores *tensor.Tensor, c shardCtx, v float32) {
	if !c.active {
		return
	}
	rows, cols := scores.Shape[1], scores.Shape[2]
	rBlock, cBlock := rows/c.worldSize, cols/c.worldSize
	for b := 0; b < scores.Shape[0]; b++ {
		base := b * rows * cols
		for i := 0; i < rows; i++ {
			qr := i / rBlock
			rowBase := base + i*cols
			for j := 0; j < cols; j++ {
				if j/cBlock != qr {
					scores.Data[rowBase+j] = v
				}
			}
		}
	}
}
