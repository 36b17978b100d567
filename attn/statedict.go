package attn

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"mha-go/tensor"
)

// UpgradeStateDict rewrites a legacy checkpoint in place. Old checkpoints
// stored the query, key and value projections as one combined
// "in_proj_weight" of shape (3*embedDim, embedDim); the combined tensor is
// split along its leading axis into the three per-projection entries and
// the legacy keys removed. Checkpoints that are already in the new layout
// pass through untouched.
func UpgradeStateDict(sd map[string]*tensor.Tensor, prefix string) error {
	combined, ok := sd[prefix+"in_proj_weight"]
	if !ok {
		return nil
	}
	rows := combined.Shape[0]
	if rows%3 != 0 {
		return errors.Errorf("in_proj_weight has %d rows, not divisible by 3", rows)
	}
	dim := rows / 3

	sd[prefix+"q_proj.weight"] = combined.Slice(0, dim)
	sd[prefix+"k_proj.weight"] = combined.Slice(dim, 2*dim)
	sd[prefix+"v_proj.weight"] = combined.Slice(2*dim, 3*dim)
	delete(sd, prefix+"in_proj_weight")

	if bias, ok := sd[prefix+"in_proj_bias"]; ok {
		if bias.Shape[0] != rows {
			return errors.Errorf("in_proj_bias has %d rows, in_proj_weight has %d", bias.Shape[0], rows)
		}
		sd[prefix+"q_proj.bias"] = bias.Slice(0, dim)
		sd[prefix+"k_proj.bias"] = bias.Slice(dim, 2*dim)
		sd[prefix+"v_proj.bias"] = bias.Slice(2*dim, 3*dim)
		delete(sd, prefix+"in_proj_bias")
	}

	klog.V(1).Infof("upgraded combined in-projection %q into per-projection entries", prefix)
	return nil
}

// LoadStateDict copies projection parameters from a state dict into the
// module. Missing entries are left at their current values; shape
// mismatches are errors.
func (a *Attention) LoadStateDict(sd map[string]*tensor.Tensor, prefix string) error {
	if err := UpgradeStateDict(sd, prefix); err != nil {
		return err
	}

	assign := func(dst *tensor.Tensor, name string) error {
		src, ok := sd[prefix+name]
		if !ok {
			return nil
		}
		if src.Size() != dst.Size() {
			return errors.Errorf("%s%s has %d elements, module expects %d", prefix, name, src.Size(), dst.Size())
		}
		copy(dst.Data, src.Data)
		return nil
	}

	for _, p := range []struct {
		l    *Linear
		name string
	}{
		{a.QProj, "q_proj"},
		{a.KProj, "k_proj"},
		{a.VProj, "v_proj"},
		{a.OutProj, "out_proj"},
	} {
		if err := assign(p.l.Weight, p.name+".weight"); err != nil {
			return err
		}
		if p.l.Bias != nil {
			if err := assign(p.l.Bias, p.name+".bias"); err != nil {
				return err
			}
		}
	}

	if a.BiasK != nil {
		if err := assign(a.BiasK, "bias_k"); err != nil {
			return err
		}
		if err := assign(a.BiasV, "bias_v"); err != nil {
			return err
		}
	}
	return nil
}
