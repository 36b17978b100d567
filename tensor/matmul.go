package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMulTransB computes a x b^T: [m,k] x [n,k]^T -> [m,n]. Projection
// layers use this form directly since their weights are stored
// (outDim, inDim).
func MatMulTransB(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("MatMulTransB requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[1] {
		panic(fmt.Sprintf("incompatible shapes: [%d,%d] x [%d,%d]^T", a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1]))
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[0]
	result := NewTensor(m, n)
	result.DType = a.DType

	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a.Data},
		blas32.General{Rows: n, Cols: k, Stride: k, Data: b.Data},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: result.Data})

	return result
}

// BMM performs batched matrix multiplication over the leading dimension:
// [N,m,k] x [N,k,n] -> [N,m,n]
func BMM(a, b *Tensor) *Tensor {
	if len(a.Shape) != 3 || len(b.Shape) != 3 {
		panic("BMM requires rank-3 tensors")
	}
	if a.Shape[0] != b.Shape[0] || a.Shape[2] != b.Shape[1] {
		panic(fmt.Sprintf("incompatible batched shapes: %v x %v", a.Shape, b.Shape))
	}

	batch, m, k, n := a.Shape[0], a.Shape[1], a.Shape[2], b.Shape[2]
	result := NewTensor(batch, m, n)
	result.DType = a.DType

	for i := 0; i < batch; i++ {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: m, Cols: k, Stride: k, Data: a.Data[i*m*k : (i+1)*m*k]},
			blas32.General{Rows: k, Cols: n, Stride: n, Data: b.Data[i*k*n : (i+1)*k*n]},
			0,
			blas32.General{Rows: m, Cols: n, Stride: n, Data: result.Data[i*m*n : (i+1)*m*n]})
	}
	return result
}

// BMMTransB performs batched matrix multiplication with the second operand
// transposed per batch: [N,m,k] x [N,n,k]^T -> [N,m,n].
// This is the attention-score product q x k^T without materializing the
// transpose.
func BMMTransB(a, b *Tensor) *Tensor {
	if len(a.Shape) != 3 || len(b.Shape) != 3 {
		panic("BMMTransB requires rank-3 tensors")
	}
	if a.Shape[0] != b.Shape[0] || a.Shape[2] != b.Shape[2] {
		panic(fmt.Sprintf("incompatible batched shapes: %v x %v^T", a.Shape, b.Shape))
	}

	batch, m, k, n := a.Shape[0], a.Shape[1], a.Shape[2], b.Shape[1]
	result := NewTensor(batch, m, n)
	result.DType = a.DType

	for i := 0; i < batch; i++ {
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			blas32.General{Rows: m, Cols: k, Stride: k, Data: a.Data[i*m*k : (i+1)*m*k]},
			blas32.General{Rows: n, Cols: k, Stride: k, Data: b.Data[i*n*k : (i+1)*n*k]},
			0,
			blas32.General{Rows: m, Cols: n, Stride: n, Data: result.Data[i*m*n : (i+1)*m*n]})
	}
	return result
}
