package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType tags the ambient storage precision of a tensor. All data is held as
// float32 in memory; F16 marks a tensor whose values have been rounded to
// half precision, so downstream math sees exactly what a real fp16 buffer
// would hold.
type DType int

const (
	F32 DType = iota
	F16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "float32"
	case F16:
		return "float16"
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// Tensor represents a multi-dimensional array
type Tensor struct {
	Data  []float32
	Shape []int
	DType DType
}

// NewTensor creates a new zero-filled float32 tensor with the given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: shape,
		DType: F32,
	}
}

// Size returns total number of elements
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// At returns element at given indices
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.flatIndex(indices)]
}

// Set sets element at given indices
func (t *Tensor) Set(val float32, indices ...int) {
	t.Data[t.flatIndex(indices)] = val
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("wrong number of indices: got %d, want %d", len(indices), len(t.Shape)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Reshape returns a new tensor with different shape (same data).
// One dimension may be -1, in which case it is inferred from the rest.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	inferred := -1
	known := 1
	for i, dim := range shape {
		if dim == -1 {
			if inferred != -1 {
				panic("cannot infer more than one dimension")
			}
			inferred = i
		} else {
			known *= dim
		}
	}
	if inferred != -1 {
		if known == 0 || t.Size()%known != 0 {
			panic(fmt.Sprintf("cannot infer dimension: size %d not divisible by %d", t.Size(), known))
		}
		shape = append([]int(nil), shape...)
		shape[inferred] = t.Size() / known
		known *= shape[inferred]
	}
	if known != t.Size() {
		panic(fmt.Sprintf("cannot reshape: size mismatch %d vs %d", known, t.Size()))
	}
	return &Tensor{
		Data:  t.Data,
		Shape: shape,
		DType: t.DType,
	}
}

// Slice extracts a slice along the first dimension
func (t *Tensor) Slice(start, end int) *Tensor {
	if len(t.Shape) < 1 {
		panic("cannot slice scalar")
	}
	if start < 0 || end > t.Shape[0] || start > end {
		panic(fmt.Sprintf("slice [%d:%d] out of range for leading dimension %d", start, end, t.Shape[0]))
	}

	stride := 1
	for i := 1; i < len(t.Shape); i++ {
		stride *= t.Shape[i]
	}

	newShape := make([]int, len(t.Shape))
	newShape[0] = end - start
	copy(newShape[1:], t.Shape[1:])

	return &Tensor{
		Data:  t.Data[start*stride : end*stride],
		Shape: newShape,
		DType: t.DType,
	}
}

// Clone returns a deep copy of the tensor
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Data:  make([]float32, len(t.Data)),
		Shape: append([]int(nil), t.Shape...),
		DType: t.DType,
	}
	copy(out.Data, t.Data)
	return out
}

// Fill sets every element to val
func (t *Tensor) Fill(val float32) *Tensor {
	for i := range t.Data {
		t.Data[i] = val
	}
	return t
}

// AsDType returns the tensor re-tagged with the given dtype. Converting to
// F16 rounds every value through half precision; converting to F32 only
// changes the tag.
func (t *Tensor) AsDType(dt DType) *Tensor {
	if dt == t.DType {
		return t
	}
	out := t.Clone()
	out.DType = dt
	if dt == F16 {
		for i, v := range out.Data {
			out.Data[i] = float16.Fromfloat32(v).Float32()
		}
	}
	return out
}

// Scale multiplies all elements by a scalar
func Scale(t *Tensor, factor float32) *Tensor {
	result := NewTensor(t.Shape...)
	result.DType = t.DType
	for i := range t.Data {
		result.Data[i] = t.Data[i] * factor
	}
	return result
}

// Add performs element-wise addition
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := NewTensor(a.Shape...)
	result.DType = a.DType
	for i := range a.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return result
}

// Concat concatenates two tensors along the given dimension. All other
// dimensions must match.
func Concat(a, b *Tensor, dim int) *Tensor {
	if len(a.Shape) != len(b.Shape) {
		panic(fmt.Sprintf("concat rank mismatch: %v vs %v", a.Shape, b.Shape))
	}
	if dim < 0 || dim >= len(a.Shape) {
		panic(fmt.Sprintf("concat dim %d out of range for rank %d", dim, len(a.Shape)))
	}
	for i := range a.Shape {
		if i != dim && a.Shape[i] != b.Shape[i] {
			panic(fmt.Sprintf("concat shape mismatch on dim %d: %v vs %v", i, a.Shape, b.Shape))
		}
	}

	outShape := make([]int, len(a.Shape))
	copy(outShape, a.Shape)
	outShape[dim] += b.Shape[dim]
	result := NewTensor(outShape...)
	result.DType = a.DType

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= a.Shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(a.Shape); i++ {
		inner *= a.Shape[i]
	}

	aBlock := a.Shape[dim] * inner
	bBlock := b.Shape[dim] * inner
	outBlock := aBlock + bBlock

	for i := 0; i < outer; i++ {
		copy(result.Data[i*outBlock:i*outBlock+aBlock], a.Data[i*aBlock:(i+1)*aBlock])
		copy(result.Data[i*outBlock+aBlock:(i+1)*outBlock], b.Data[i*bBlock:(i+1)*bBlock])
	}

	return result
}

// Transpose01 swaps the first two dimensions of a rank-3 tensor:
// (a, b, c) -> (b, a, c)
func Transpose01(t *Tensor) *Tensor {
	if len(t.Shape) != 3 {
		panic("Transpose01 requires a rank-3 tensor")
	}
	a, b, c := t.Shape[0], t.Shape[1], t.Shape[2]
	result := NewTensor(b, a, c)
	result.DType = t.DType

	for i := 0; i < a; i++ {
		for j := 0; j < b; j++ {
			copy(result.Data[(j*a+i)*c:(j*a+i+1)*c], t.Data[(i*b+j)*c:(i*b+j+1)*c])
		}
	}
	return result
}

// IndexSelect0 gathers slices along the first dimension in the given order.
// Indices may repeat (a beam can be duplicated) but must be in range.
func IndexSelect0(t *Tensor, order []int) *Tensor {
	stride := 1
	for i := 1; i < len(t.Shape); i++ {
		stride *= t.Shape[i]
	}

	newShape := make([]int, len(t.Shape))
	newShape[0] = len(order)
	copy(newShape[1:], t.Shape[1:])
	result := NewTensor(newShape...)
	result.DType = t.DType

	for i, src := range order {
		if src < 0 || src >= t.Shape[0] {
			panic(fmt.Sprintf("index %d out of range for leading dimension %d", src, t.Shape[0]))
		}
		copy(result.Data[i*stride:(i+1)*stride], t.Data[src*stride:(src+1)*stride])
	}
	return result
}

// Tile2D repeats a rank-2 tensor rr times along rows and rc times along
// columns, producing a (rr*rows, rc*cols) grid of copies.
func Tile2D(t *Tensor, rr, rc int) *Tensor {
	if len(t.Shape) != 2 {
		panic("Tile2D requires a rank-2 tensor")
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result := NewTensor(rr*rows, rc*cols)
	result.DType = t.DType

	for i := 0; i < rr*rows; i++ {
		srcRow := i % rows
		for j := 0; j < rc; j++ {
			copy(result.Data[i*rc*cols+j*cols:i*rc*cols+(j+1)*cols], t.Data[srcRow*cols:(srcRow+1)*cols])
		}
	}
	return result
}

// SanitizeNonFinite replaces, in place, NaN with 0 and +/-Inf with the
// largest finite float32 of the same sign, then returns the tensor.
// Used to keep already-extreme scores from turning into NaN when an
// additive mask lands on top of them.
func SanitizeNonFinite(t *Tensor) *Tensor {
	for i, v := range t.Data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			t.Data[i] = 0
		case math.IsInf(f, 1):
			t.Data[i] = math.MaxFloat32
		case math.IsInf(f, -1):
			t.Data[i] = -math.MaxFloat32
		}
	}
	return t
}
