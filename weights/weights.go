// Package weights - NumPy parameter storage.
//
// A parameter directory holds one .npy file per tensor, named by its
// state-dict key (for example "fc1.weight.npy").
package weights

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nvr-ai/kuzushiji/head"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Extension is the file extension of stored parameters.
const Extension = ".npy"

// Path returns the file path of a parameter key inside dir.
func Path(dir, key string) string {
	return filepath.Join(dir, key+Extension)
}

// Load reads parameters from dir.
//
// Arguments:
//   - dir: The parameter directory.
//   - keys: Keys to load. When empty, every .npy file in dir is loaded.
//
// Returns:
//   - map[string]*tensor.Dense: The tensors keyed by state-dict name.
//   - error: If a file is missing or malformed.
func Load(dir string, keys ...string) (map[string]*tensor.Dense, error) {
	if len(keys) == 0 {
		var err error
		if keys, err = List(dir); err != nil {
			return nil, err
		}
	}

	out := make(map[string]*tensor.Dense, len(keys))
	for _, key := range keys {
		t, err := LoadTensor(Path(dir, key))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load parameter %q", key)
		}
		out[key] = t
	}
	return out, nil
}

// LoadTensor reads a single .npy file.
func LoadTensor(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := new(tensor.Dense)
	if err := t.ReadNpy(f); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return t, nil
}

// List returns the parameter keys stored in dir, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read parameter directory")
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Extension {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), Extension))
	}
	sort.Strings(keys)
	return keys, nil
}

// Save writes every tensor of params into dir, creating it if needed.
func Save(dir string, params map[string]*tensor.Dense) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create parameter directory")
	}
	for key, t := range params {
		if err := SaveTensor(Path(dir, key), t); err != nil {
			return errors.Wrapf(err, "failed to save parameter %q", key)
		}
	}
	return nil
}

// SaveTensor writes a single tensor as a .npy file.
func SaveTensor(path string, t *tensor.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteNpy(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadHead reads the classification head parameters from dir.
//
// Each key is read from its bare file first ("fc1.weight.npy") and then from
// the file exported with the full model state dict ("head.fc1.weight.npy").
func LoadHead(dir string) (*head.Params, error) {
	m := make(map[string]*tensor.Dense, len(head.Keys))
	for _, key := range head.Keys {
		t, err := LoadTensor(Path(dir, key))
		if errors.Is(err, os.ErrNotExist) {
			t, err = LoadTensor(Path(dir, head.StateKeyPrefix+key))
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load parameter %q", key)
		}
		m[key] = t
	}
	return head.FromMap(m)
}

// SaveHead writes the classification head parameters into dir.
func SaveHead(dir string, p *head.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return Save(dir, p.Map())
}
