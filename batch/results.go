package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Prediction is one entry in the preds.json result index.
type Prediction struct {
	ModelNameOrPath string `json:"model_name_or_path"`
	InstanceID      string `json:"instance_id"`
	ModelPatch      string `json:"model_patch"`
}

// resultFiles serializes writes to the two shared files of a batch run:
// preds.json (instance id to prediction) and exit_statuses.yaml (instance
// id to exit status). Both are rewritten in full under the lock so that
// crashed workers never leave a torn file.
type resultFiles struct {
	mu       sync.Mutex
	dir      string
	statuses map[string]string
}

func newResultFiles(dir string) *resultFiles {
	return &resultFiles{dir: dir, statuses: map[string]string{}}
}

func (r *resultFiles) predsPath() string    { return filepath.Join(r.dir, "preds.json") }
func (r *resultFiles) statusesPath() string { return filepath.Join(r.dir, "exit_statuses.yaml") }

// AddPrediction read-modify-writes preds.json.
func (r *resultFiles) AddPrediction(p Prediction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	preds := map[string]Prediction{}
	if data, err := os.ReadFile(r.predsPath()); err == nil {
		if err := json.Unmarshal(data, &preds); err != nil {
			return fmt.Errorf("parse %s: %w", r.predsPath(), err)
		}
	}
	preds[p.InstanceID] = p

	data, err := json.MarshalIndent(preds, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(r.predsPath(), append(data, '\n'))
}

// SetStatus records an instance's exit status and rewrites the YAML file.
func (r *resultFiles) SetStatus(id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses[id] = status
	data, err := yaml.Marshal(map[string]map[string]string{"instances": r.statuses})
	if err != nil {
		return err
	}
	return writeFileAtomic(r.statusesPath(), data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
