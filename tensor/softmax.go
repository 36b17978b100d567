package tensor

import "math"

// Softmax3 applies a numerically stable softmax over the last axis of a
// rank-3 tensor. The computation runs in at least 32-bit precision no
// matter the input dtype; the returned tensor is always F32 (callers cast
// back with AsDType when the ambient precision is lower).
//
// A row that is fully masked to -Inf produces all zeros rather than NaN:
// a query that may attend to nothing contributes nothing.
func Softmax3(t *Tensor) *Tensor {
	if len(t.Shape) != 3 {
		panic("Softmax3 requires a rank-3 tensor")
	}
	batch, rows, cols := t.Shape[0], t.Shape[1], t.Shape[2]
	result := NewTensor(batch, rows, cols)

	for b := 0; b < batch; b++ {
		for i := 0; i < rows; i++ {
			off := (b*rows + i) * cols

			maxVal := float32(math.Inf(-1))
			for j := 0; j < cols; j++ {
				if t.Data[off+j] > maxVal {
					maxVal = t.Data[off+j]
				}
			}
			if math.IsInf(float64(maxVal), -1) {
				// fully masked row; leave zeros
				continue
			}

			sum := float32(0)
			for j := 0; j < cols; j++ {
				val := float32(math.Exp(float64(t.Data[off+j] - maxVal)))
				result.Data[off+j] = val
				sum += val
			}
			for j := 0; j < cols; j++ {
				result.Data[off+j] /= sum
			}
		}
	}
	return result
}
