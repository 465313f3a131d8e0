package skiff

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TrajectoryFormat is the on-disk format stamp.
const TrajectoryFormat = "mini-swe-agent-1"

// RecursiveMerge deep-merges src into dst: later values win, nested maps
// merge recursively. dst may be nil; the merged map is returned.
func RecursiveMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			dv, _ := dst[k].(map[string]any)
			dst[k] = RecursiveMerge(dv, sv)
			continue
		}
		dst[k] = v
	}
	return dst
}

// SaveTrajectory merges the serialized views of the run's components with
// any extra parts (later parts win on collision), stamps the format and
// version, and writes pretty-printed JSON atomically (temp file + rename).
// Parent directories are created. The merged trajectory is returned.
func SaveTrajectory(path string, parts ...map[string]any) (map[string]any, error) {
	merged := map[string]any{}
	for _, p := range parts {
		merged = RecursiveMerge(merged, p)
	}
	merged = RecursiveMerge(merged, map[string]any{
		"info":              map[string]any{"mini_version": Version},
		"trajectory_format": TrajectoryFormat,
	})

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal trajectory: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trajectory dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".trajectory-*.json")
	if err != nil {
		return nil, fmt.Errorf("create temp trajectory: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write trajectory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("close trajectory: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("rename trajectory: %w", err)
	}
	return merged, nil
}

// LoadTrajectory reads a trajectory file back into its map form.
func LoadTrajectory(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse trajectory %s: %w", path, err)
	}
	return m, nil
}

// WellFormedTrajectory reports whether path exists, parses as JSON, and
// carries the v1 format stamp. Batch resume uses it to decide skips.
func WellFormedTrajectory(path string) bool {
	m, err := LoadTrajectory(path)
	if err != nil {
		return false
	}
	format, _ := m["trajectory_format"].(string)
	return format == TrajectoryFormat
}

// ToMap converts a struct to its JSON map form, the shape used by the
// serialized trajectory views.
func ToMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}
