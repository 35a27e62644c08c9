// Package checkpoint persists component state dicts to disk. Each epoch
// snapshot is a folder of gob-encoded files, one per component, so that
// single components can be reloaded independently and partial loads merge
// only the keys both sides know about.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/ml"
	"github.com/endovislab/sfmtrain/nets"
)

const fileExt = ".ckpt"

// savedTensor is the on-disk form of one tensor.
type savedTensor struct {
	Shape []int
	Data  []float32
}

// savedState is the on-disk form of one component.
type savedState map[string]savedTensor

// Save writes every component's state dict under
// dir/weights_<epoch>/<component>.ckpt, creating directories as needed.
// Component failures are combined rather than short-circuited so a bad
// tensor in one network does not lose the others.
func Save(dir string, epoch int, states map[string]nets.StateDict) (string, error) {
	folder := filepath.Join(dir, fmt.Sprintf("weights_%d", epoch))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", errors.Wrap(err, "cannot create checkpoint folder")
	}
	var result error
	for name, sd := range states {
		if err := saveComponent(folder, name, sd); err != nil {
			result = multierr.Combine(result, errors.Wrapf(err, "component %q", name))
		}
	}
	return folder, result
}

func saveComponent(folder, name string, sd nets.StateDict) error {
	out := savedState{}
	for key, t := range sd {
		data := make([]float32, len(ml.Data(t)))
		copy(data, ml.Data(t))
		out[key] = savedTensor{Shape: append([]int{}, t.Shape()...), Data: data}
	}
	//nolint:gosec
	f, err := os.Create(filepath.Join(folder, name+fileExt))
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	return gob.NewEncoder(f).Encode(out)
}

// Load reads every component state dict from a checkpoint folder, keyed
// by component name.
func Load(folder string) (map[string]nets.StateDict, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read checkpoint folder")
	}
	out := map[string]nets.StateDict{}
	var result error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), fileExt)
		sd, err := loadComponent(filepath.Join(folder, entry.Name()))
		if err != nil {
			result = multierr.Combine(result, errors.Wrapf(err, "component %q", name))
			continue
		}
		out[name] = sd
	}
	if len(out) == 0 && result == nil {
		return nil, errors.Errorf("no checkpoint files in %q", folder)
	}
	return out, result
}

func loadComponent(path string) (nets.StateDict, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	var saved savedState
	if err := gob.NewDecoder(f).Decode(&saved); err != nil {
		return nil, err
	}
	out := nets.StateDict{}
	for key, st := range saved {
		backing := make([]float32, len(st.Data))
		copy(backing, st.Data)
		out[key] = tensor.New(tensor.WithShape(st.Shape...), tensor.WithBacking(backing))
	}
	return out, nil
}
