package attn

import (
	"math"
	"testing"

	"mha-go/tensor"
)

func boolMask(rows int, vals ...float32) *tensor.Tensor {
	m := &tensor.Tensor{Data: vals, Shape: []int{rows, len(vals) / rows}, DType: tensor.F32}
	return m
}

func TestAppendMaskStaticWins(t *testing.T) {
	prev := boolMask(1, 1, 0)
	cur := boolMask(1, 0, 1, 1)

	got := appendPrevKeyPaddingMask(cur, prev, 1, 5, true)
	if got != prev {
		t.Errorf("Expected previous mask to win under static kv")
	}
}

func TestAppendMaskConcatenatesBoth(t *testing.T) {
	prev := boolMask(1, 1, 1, 0)
	cur := boolMask(1, 0, 0)

	got := appendPrevKeyPaddingMask(cur, prev, 1, 5, false)
	if got.Shape[1] != 5 {
		t.Errorf("Expected combined length 5, got %d", got.Shape[1])
	}
	want := []float32{1, 1, 0, 0, 0}
	for i, w := range want {
		if got.Data[i] != w {
			t.Errorf("Expected %f at %d, got %f", w, i, got.Data[i])
		}
	}
}

func TestAppendMaskOnlyPreviousRightPads(t *testing.T) {
	prev := boolMask(2, 1, 0, 0, 1)

	got := appendPrevKeyPaddingMask(nil, prev, 2, 4, false)
	if got.Shape[0] != 2 || got.Shape[1] != 4 {
		t.Errorf("Expected shape [2 4], got %v", got.Shape)
	}
	want := []float32{1, 0, 0, 0, 0, 1, 0, 0}
	for i, w := range want {
		if got.Data[i] != w {
			t.Errorf("Expected %f at %d, got %f", w, i, got.Data[i])
		}
	}
}

func TestAppendMaskOnlyCurrentLeftPads(t *testing.T) {
	cur := boolMask(1, 1, 1)

	got := appendPrevKeyPaddingMask(cur, nil, 1, 4, false)
	if got.Shape[1] != 4 {
		t.Errorf("Expected length 4, got %d", got.Shape[1])
	}
	want := []float32{0, 0, 1, 1}
	for i, w := range want {
		if got.Data[i] != w {
			t.Errorf("Expected %f at %d, got %f", w, i, got.Data[i])
		}
	}
}

func TestAppendMaskExactLengthPassthrough(t *testing.T) {
	cur := boolMask(1, 0, 1)
	if got := appendPrevKeyPaddingMask(cur, nil, 1, 2, false); got != cur {
		t.Errorf("Expected current mask returned as-is at full length")
	}

	prev := boolMask(1, 1, 0)
	if got := appendPrevKeyPaddingMask(nil, prev, 1, 2, false); got != prev {
		t.Errorf("Expected previous mask returned as-is at full length")
	}
}

func TestAppendMaskNeither(t *testing.T) {
	if got := appendPrevKeyPaddingMask(nil, nil, 2, 3, false); got != nil {
		t.Errorf("Expected nil when no mask exists, got %v", got)
	}
}

func TestApplyKeyPaddingMask(t *testing.T) {
	// 2 batches, 2 heads, 1 query, 3 keys
	scores := tensor.NewTensor(4, 1, 3).Fill(1)
	mask := boolMask(2, 0, 1, 0, 0, 0, 1)

	applyKeyPaddingMask(scores, mask, 2)

	for bh := 0; bh < 4; bh++ {
		b := bh / 2
		for s := 0; s < 3; s++ {
			masked := mask.At(b, s) != 0
			v := float64(scores.At(bh, 0, s))
			if masked && !math.IsInf(v, -1) {
				t.Errorf("Expected -Inf at batch-head %d col %d, got %f", bh, s, v)
			}
			if !masked && v != 1 {
				t.Errorf("Expected untouched score at batch-head %d col %d, got %f", bh, s, v)
			}
		}
	}
}

func TestAddAttnMask(t *testing.T) {
	scores := tensor.NewTensor(2, 2, 2).Fill(1)
	mask := boolMask(2, 0, negInf, 0, 0)

	addAttnMask(scores, mask)

	for bh := 0; bh < 2; bh++ {
		if !math.IsInf(float64(scores.At(bh, 0, 1)), -1) {
			t.Errorf("Expected -Inf at (%d,0,1)", bh)
		}
		if scores.At(bh, 0, 0) != 1 || scores.At(bh, 1, 1) != 1 {
			t.Errorf("Expected unmasked scores untouched in batch-head %d", bh)
		}
	}
}

func TestExtendMaskCols(t *testing.T) {
	m := boolMask(2, 1, 0, 0, 1)
	got := extendMaskCols(m, 1)
	if got.Shape[0] != 2 || got.Shape[1] != 3 {
		t.Errorf("Expected shape [2 3], got %v", got.Shape)
	}
	if got.At(0, 2) != 0 || got.At(1, 2) != 0 {
		t.Errorf("Expected appended columns to be unmasked")
	}
}
