// Package optim implements the parameter update rules of the trainer:
// Adam with bias correction and a step learning-rate schedule.
package optim

import (
	"math"

	"github.com/pkg/errors"

	"github.com/endovislab/sfmtrain/ml"
	"github.com/endovislab/sfmtrain/nets"
)

// Adam holds the optimizer state for a fixed parameter set. Parameter
// tensors are mutated exactly once per Step; the first and second moment
// estimates persist for the process lifetime and are checkpointable.
type Adam struct {
	params []*nets.Parameter
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	step   int
	m      [][]float32
	v      [][]float32
}

// NewAdam creates an Adam optimizer with the standard moment coefficients.
func NewAdam(params []*nets.Parameter, lr float64) *Adam {
	m := make([][]float32, len(params))
	v := make([][]float32, len(params))
	for i, p := range params {
		n := len(ml.Data(p.Data))
		m[i] = make([]float32, n)
		v[i] = make([]float32, n)
	}
	return &Adam{
		params: params,
		lr:     lr,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		m:      m,
		v:      v,
	}
}

// LearningRate returns the current learning rate.
func (a *Adam) LearningRate() float64 { return a.lr }

// SetLearningRate replaces the learning rate (used by schedulers).
func (a *Adam) SetLearningRate(lr float64) { a.lr = lr }

// Step applies one Adam update from the accumulated gradients.
func (a *Adam) Step() error {
	a.step++
	bc1 := 1 - math.Pow(a.beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.beta2, float64(a.step))
	for i, p := range a.params {
		data := ml.Data(p.Data)
		grad := ml.Data(p.Grad)
		if len(grad) != len(data) {
			return errors.Errorf("parameter %q: gradient size %d != data size %d",
				p.Name, len(grad), len(data))
		}
		m := a.m[i]
		v := a.v[i]
		for j := range data {
			g := float64(grad[j])
			mj := a.beta1*float64(m[j]) + (1-a.beta1)*g
			vj := a.beta2*float64(v[j]) + (1-a.beta2)*g*g
			m[j] = float32(mj)
			v[j] = float32(vj)
			mHat := mj / bc1
			vHat := vj / bc2
			data[j] -= float32(a.lr * mHat / (math.Sqrt(vHat) + a.eps))
		}
	}
	return nil
}

// StateDict snapshots the moment estimates and step counter so optimizer
// state survives checkpointing.
func (a *Adam) StateDict() nets.StateDict {
	out := nets.StateDict{"step": ml.Full(float32(a.step), 1)}
	for i, p := range a.params {
		mT := ml.Zeros(len(a.m[i]))
		copy(ml.Data(mT), a.m[i])
		vT := ml.Zeros(len(a.v[i]))
		copy(ml.Data(vT), a.v[i])
		out["m/"+p.Name] = mT
		out["v/"+p.Name] = vT
	}
	return out
}

// LoadStateDict merges a saved optimizer snapshot, key by key.
func (a *Adam) LoadStateDict(saved nets.StateDict) int {
	merged := 0
	if s, ok := saved["step"]; ok && len(ml.Data(s)) == 1 {
		a.step = int(ml.Data(s)[0])
		merged++
	}
	for i, p := range a.params {
		if mT, ok := saved["m/"+p.Name]; ok && len(ml.Data(mT)) == len(a.m[i]) {
			copy(a.m[i], ml.Data(mT))
			merged++
		}
		if vT, ok := saved["v/"+p.Name]; ok && len(ml.Data(vT)) == len(a.v[i]) {
			copy(a.v[i], ml.Data(vT))
			merged++
		}
	}
	return merged
}

// StepLR decays the learning rate by Gamma every StepSize epochs.
type StepLR struct {
	opt      *Adam
	stepSize int
	gamma    float64
	epoch    int
}

// NewStepLR wraps opt with a step schedule.
func NewStepLR(opt *Adam, stepSize int, gamma float64) *StepLR {
	return &StepLR{opt: opt, stepSize: stepSize, gamma: gamma}
}

// Step advances one epoch, decaying the learning rate on schedule.
func (s *StepLR) Step() {
	s.epoch++
	if s.stepSize > 0 && s.epoch%s.stepSize == 0 {
		s.opt.SetLearningRate(s.opt.LearningRate() * s.gamma)
	}
}
