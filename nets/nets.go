// Package nets defines the contracts of the learned sub-networks. The
// training core treats each network as a pure function from image tensors
// to per-scale prediction tensors; architectures and gradient computation
// belong to the backend implementing these interfaces.
package nets

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/ml"
)

// PerScale holds one prediction tensor per pyramid scale, aligned with
// the configured scale list (entry 0 is the list's first scale).
type PerScale []*tensor.Dense

// DepthNet predicts per-scale sigmoid disparity maps [B,1,h_s,w_s] from
// the reference frame [B,3,H,W] only.
type DepthNet interface {
	Forward(color *tensor.Dense) (PerScale, error)
}

// FlowNet predicts per-scale dense 2D displacement fields [B,2,h_s,w_s]
// between an ordered pair of frames. It is invoked once per direction to
// support bidirectional occlusion checks.
type FlowNet interface {
	Forward(src, dst *tensor.Dense) (PerScale, error)
}

// TransformNet predicts per-scale residual appearance corrections
// [B,3,h_s,w_s] from the registered neighbor frame concatenated with the
// reference frame, compensating illumination differences before the
// reprojection loss.
type TransformNet interface {
	Forward(registered, reference *tensor.Dense) (PerScale, error)
}

// PoseNet predicts an axis-angle rotation and a translation (each [B,3])
// between an ordered pair of frames.
type PoseNet interface {
	Forward(src, dst *tensor.Dense) (axisangle, translation *tensor.Dense, err error)
}

// Parameter is one learned tensor with its gradient accumulator.
type Parameter struct {
	Name string
	Data *tensor.Dense
	Grad *tensor.Dense
}

// NewParameter allocates a parameter with a zero gradient of the same shape.
func NewParameter(name string, data *tensor.Dense) *Parameter {
	return &Parameter{
		Name: name,
		Data: data,
		Grad: ml.Zeros(data.Shape()...),
	}
}

// Trainable is implemented by networks whose parameters the optimizer
// updates.
type Trainable interface {
	Parameters() []*Parameter
	ZeroGrad()
}

// Backprop is implemented by backends able to accumulate parameter
// gradients from the scalar batch loss. The core never computes gradients
// itself; it delegates exactly as the original pipeline delegates to its
// tensor runtime.
type Backprop interface {
	Backward(loss float64) error
}

// StateDict is a named snapshot of a component's learned tensors.
type StateDict map[string]*tensor.Dense

// Stater exposes checkpointable state.
type Stater interface {
	StateDict() StateDict
	LoadStateDict(StateDict) int
}

// MergeStateDict copies saved tensors into current wherever both the key
// and the shape match, leaving every other entry untouched, and returns
// the number of merged keys. Saved supersets and subsets are both fine;
// this is what makes checkpoints forward and backward compatible.
func MergeStateDict(current, saved StateDict) int {
	merged := 0
	for name, cur := range current {
		sv, ok := saved[name]
		if !ok || !cur.Shape().Eq(sv.Shape()) {
			continue
		}
		copy(ml.Data(cur), ml.Data(sv))
		merged++
	}
	return merged
}

// Ensemble bundles the four sub-networks of the pipeline.
type Ensemble struct {
	Depth     DepthNet
	Flow      FlowNet
	Transform TransformNet
	Pose      PoseNet
}

// Validate checks that every collaborator is present.
func (e *Ensemble) Validate() error {
	if e.Depth == nil || e.Flow == nil || e.Transform == nil || e.Pose == nil {
		return errors.New("ensemble requires depth, flow, transform and pose networks")
	}
	return nil
}

// Parameters gathers the trainable parameters of every sub-network that
// exposes them.
func (e *Ensemble) Parameters() []*Parameter {
	var out []*Parameter
	for _, n := range []interface{}{e.Depth, e.Flow, e.Transform, e.Pose} {
		if t, ok := n.(Trainable); ok {
			out = append(out, t.Parameters()...)
		}
	}
	return out
}

// ZeroGrad clears the gradient accumulators of every trainable sub-network.
func (e *Ensemble) ZeroGrad() {
	for _, n := range []interface{}{e.Depth, e.Flow, e.Transform, e.Pose} {
		if t, ok := n.(Trainable); ok {
			t.ZeroGrad()
		}
	}
}

// Backward propagates the scalar loss through every sub-network that
// supports it.
func (e *Ensemble) Backward(loss float64) error {
	for _, n := range []interface{}{e.Depth, e.Flow, e.Transform, e.Pose} {
		if bp, ok := n.(Backprop); ok {
			if err := bp.Backward(loss); err != nil {
				return err
			}
		}
	}
	return nil
}

// StateDicts snapshots every sub-network that exposes state, keyed by
// component name.
func (e *Ensemble) StateDicts() map[string]StateDict {
	out := map[string]StateDict{}
	for name, n := range e.components() {
		if s, ok := n.(Stater); ok {
			out[name] = s.StateDict()
		}
	}
	return out
}

// LoadStateDicts merges saved snapshots into the matching components and
// returns the number of merged tensors per component.
func (e *Ensemble) LoadStateDicts(saved map[string]StateDict) map[string]int {
	merged := map[string]int{}
	for name, n := range e.components() {
		sd, ok := saved[name]
		if !ok {
			continue
		}
		if s, ok := n.(Stater); ok {
			merged[name] = s.LoadStateDict(sd)
		}
	}
	return merged
}

func (e *Ensemble) components() map[string]interface{} {
	return map[string]interface{}{
		"depth":     e.Depth,
		"flow":      e.Flow,
		"transform": e.Transform,
		"pose":      e.Pose,
	}
}
