package attn

import (
	"testing"

	"mha-go/tensor"
)

func legacyStateDict(dim int) map[string]*tensor.Tensor {
	combined := tensor.NewTensor(3*dim, dim)
	for i := range combined.Data {
		combined.Data[i] = float32(i)
	}
	bias := tensor.NewTensor(3 * dim)
	for i := range bias.Data {
		bias.Data[i] = float32(i)
	}
	return map[string]*tensor.Tensor{
		"layer.attn.in_proj_weight": combined,
		"layer.attn.in_proj_bias":   bias,
	}
}

func TestUpgradeSplitsCombinedProjection(t *testing.T) {
	dim := 4
	sd := legacyStateDict(dim)

	if err := UpgradeStateDict(sd, "layer.attn."); err != nil {
		t.Fatalf("Unexpected upgrade error: %v", err)
	}

	if _, ok := sd["layer.attn.in_proj_weight"]; ok {
		t.Errorf("Expected legacy weight key removed")
	}
	if _, ok := sd["layer.attn.in_proj_bias"]; ok {
		t.Errorf("Expected legacy bias key removed")
	}

	for i, name := range []string{"q_proj", "k_proj", "v_proj"} {
		w, ok := sd["layer.attn."+name+".weight"]
		if !ok {
			t.Fatalf("Expected %s.weight after upgrade", name)
		}
		if w.Shape[0] != dim || w.Shape[1] != dim {
			t.Errorf("Expected %s.weight shape [%d %d], got %v", name, dim, dim, w.Shape)
		}
		if w.At(0, 0) != float32(i*dim*dim) {
			t.Errorf("Expected %s.weight to start at row %d of the combined tensor", name, i*dim)
		}

		b, ok := sd["layer.attn."+name+".bias"]
		if !ok {
			t.Fatalf("Expected %s.bias after upgrade", name)
		}
		if b.Shape[0] != dim {
			t.Errorf("Expected %s.bias length %d, got %v", name, dim, b.Shape)
		}
		if b.Data[0] != float32(i*dim) {
			t.Errorf("Expected %s.bias to start at %d, got %f", name, i*dim, b.Data[0])
		}
	}
}

func TestUpgradeRejectsBadRowCount(t *testing.T) {
	sd := map[string]*tensor.Tensor{
		"in_proj_weight": tensor.NewTensor(7, 4),
	}
	if err := UpgradeStateDict(sd, ""); err == nil {
		t.Errorf("Expected error for row count not divisible by 3")
	}
}

func TestUpgradeNoopOnNewLayout(t *testing.T) {
	sd := map[string]*tensor.Tensor{
		"q_proj.weight": tensor.NewTensor(4, 4),
	}
	if err := UpgradeStateDict(sd, ""); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(sd) != 1 {
		t.Errorf("Expected new-layout dict untouched, got %d entries", len(sd))
	}
}

func TestLoadStateDictAppliesWeights(t *testing.T) {
	a := New(4, 2, WithSelfAttention())
	sd := legacyStateDict(4)
	out := tensor.NewTensor(4, 4).Fill(0.5)
	sd["layer.attn.out_proj.weight"] = out

	if err := a.LoadStateDict(sd, "layer.attn."); err != nil {
		t.Fatalf("Unexpected load error: %v", err)
	}

	if a.QProj.Weight.At(0, 0) != 0 {
		t.Errorf("Expected q_proj loaded from combined rows 0..3")
	}
	if a.KProj.Weight.At(0, 0) != 16 {
		t.Errorf("Expected k_proj loaded from combined row 4, got %f", a.KProj.Weight.At(0, 0))
	}
	if a.VProj.Weight.At(0, 0) != 32 {
		t.Errorf("Expected v_proj loaded from combined row 8, got %f", a.VProj.Weight.At(0, 0))
	}
	if a.OutProj.Weight.At(0, 0) != 0.5 {
		t.Errorf("Expected out_proj loaded, got %f", a.OutProj.Weight.At(0, 0))
	}
}

func TestLoadStateDictShapeMismatch(t *testing.T) {
	a := New(4, 2, WithSelfAttention())
	sd := map[string]*tensor.Tensor{
		"q_proj.weight": tensor.NewTensor(2, 2),
	}
	if err := a.LoadStateDict(sd, ""); err == nil {
		t.Errorf("Expected error for mismatched weight size")
	}
}
