package nets

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/ml"
)

// The static networks are deterministic reference implementations: they
// predict a learnable constant everywhere (mid-range disparity, zero
// flow, zero appearance correction, near-identity pose). They exercise
// the full pipeline, optimizer and checkpoint plumbing in tests and smoke
// runs without a real inference backend.

type staticBase struct {
	scales []int
	params []*Parameter
}

func (s *staticBase) Parameters() []*Parameter { return s.params }

func (s *staticBase) ZeroGrad() {
	for _, p := range s.params {
		data := ml.Data(p.Grad)
		for i := range data {
			data[i] = 0
		}
	}
}

// Backward is a no-op: the static nets have no gradient signal of their
// own; a real backend replaces this with its autodiff.
func (s *staticBase) Backward(float64) error { return nil }

func (s *staticBase) StateDict() StateDict {
	out := StateDict{}
	for _, p := range s.params {
		out[p.Name] = ml.Clone(p.Data)
	}
	return out
}

func (s *staticBase) LoadStateDict(saved StateDict) int {
	current := StateDict{}
	for _, p := range s.params {
		current[p.Name] = p.Data
	}
	return MergeStateDict(current, saved)
}

func (s *staticBase) scaleDims(h, w, scale int) (int, int) {
	div := 1 << scale
	return h / div, w / div
}

// StaticDepthNet predicts a constant disparity at every scale.
type StaticDepthNet struct {
	staticBase
}

// NewStaticDepthNet creates a depth net predicting 0.5+bias disparity.
func NewStaticDepthNet(scales []int) *StaticDepthNet {
	n := &StaticDepthNet{staticBase{scales: scales}}
	n.params = []*Parameter{NewParameter("disp_bias", ml.Zeros(1))}
	return n
}

// Forward implements DepthNet.
func (n *StaticDepthNet) Forward(color *tensor.Dense) (PerScale, error) {
	b, _, h, w, err := ml.Dims4(color)
	if err != nil {
		return nil, err
	}
	bias := ml.Data(n.params[0].Data)[0]
	v := float32(0.5) + bias
	if v < 0.01 {
		v = 0.01
	} else if v > 0.99 {
		v = 0.99
	}
	out := make(PerScale, len(n.scales))
	for i, s := range n.scales {
		hs, ws := n.scaleDims(h, w, s)
		out[i] = ml.Full(v, b, 1, hs, ws)
	}
	return out, nil
}

// StaticFlowNet predicts a constant displacement at every scale.
type StaticFlowNet struct {
	staticBase
}

// NewStaticFlowNet creates a flow net predicting the bias displacement.
func NewStaticFlowNet(scales []int) *StaticFlowNet {
	n := &StaticFlowNet{staticBase{scales: scales}}
	n.params = []*Parameter{NewParameter("flow_bias", ml.Zeros(2))}
	return n
}

// Forward implements FlowNet.
func (n *StaticFlowNet) Forward(src, dst *tensor.Dense) (PerScale, error) {
	if !src.Shape().Eq(dst.Shape()) {
		return nil, errors.Errorf("frame shapes differ: %v vs %v", src.Shape(), dst.Shape())
	}
	b, _, h, w, err := ml.Dims4(src)
	if err != nil {
		return nil, err
	}
	bias := ml.Data(n.params[0].Data)
	out := make(PerScale, len(n.scales))
	for i, s := range n.scales {
		hs, ws := n.scaleDims(h, w, s)
		t := ml.Zeros(b, 2, hs, ws)
		data := ml.Data(t)
		plane := hs * ws
		for bi := 0; bi < b; bi++ {
			for j := 0; j < plane; j++ {
				data[bi*2*plane+j] = bias[0]
				data[bi*2*plane+plane+j] = bias[1]
			}
		}
		out[i] = t
	}
	return out, nil
}

// StaticTransformNet predicts a constant appearance correction.
type StaticTransformNet struct {
	staticBase
}

// NewStaticTransformNet creates a transform net predicting the bias value.
func NewStaticTransformNet(scales []int) *StaticTransformNet {
	n := &StaticTransformNet{staticBase{scales: scales}}
	n.params = []*Parameter{NewParameter("bright_bias", ml.Zeros(1))}
	return n
}

// Forward implements TransformNet.
func (n *StaticTransformNet) Forward(registered, reference *tensor.Dense) (PerScale, error) {
	b, c, h, w, err := ml.Dims4(reference)
	if err != nil {
		return nil, err
	}
	bias := ml.Data(n.params[0].Data)[0]
	out := make(PerScale, len(n.scales))
	for i, s := range n.scales {
		hs, ws := n.scaleDims(h, w, s)
		out[i] = ml.Full(bias, b, c, hs, ws)
	}
	return out, nil
}

// StaticPoseNet predicts a constant axis-angle and translation.
type StaticPoseNet struct {
	staticBase
}

// NewStaticPoseNet creates a pose net predicting its bias pose.
func NewStaticPoseNet() *StaticPoseNet {
	n := &StaticPoseNet{}
	n.params = []*Parameter{
		NewParameter("axisangle_bias", ml.Zeros(3)),
		NewParameter("translation_bias", ml.Zeros(3)),
	}
	return n
}

// Forward implements PoseNet.
func (n *StaticPoseNet) Forward(src, dst *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	b, _, _, _, err := ml.Dims4(src)
	if err != nil {
		return nil, nil, err
	}
	aa := ml.Zeros(b, 3)
	tr := ml.Zeros(b, 3)
	aaBias := ml.Data(n.params[0].Data)
	trBias := ml.Data(n.params[1].Data)
	aaData := ml.Data(aa)
	trData := ml.Data(tr)
	for bi := 0; bi < b; bi++ {
		copy(aaData[bi*3:bi*3+3], aaBias)
		copy(trData[bi*3:bi*3+3], trBias)
	}
	return aa, tr, nil
}

// NewStaticEnsemble bundles static versions of all four sub-networks.
func NewStaticEnsemble(scales []int) *Ensemble {
	return &Ensemble{
		Depth:     NewStaticDepthNet(scales),
		Flow:      NewStaticFlowNet(scales),
		Transform: NewStaticTransformNet(scales),
		Pose:      NewStaticPoseNet(),
	}
}
