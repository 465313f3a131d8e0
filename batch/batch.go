// Package batch runs many task instances concurrently with bounded
// parallelism, idempotent resume, and a shared result index.
package batch

import (
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Instance is one unit of work: a task id, its problem statement, and the
// optional container image it runs in.
type Instance struct {
	ID               string `json:"instance_id" yaml:"instance_id"`
	ProblemStatement string `json:"problem_statement" yaml:"problem_statement"`
	Image            string `json:"image,omitempty" yaml:"image,omitempty"`
}

// Config controls one batch run.
type Config struct {
	// Workers bounds the number of in-flight instances. Defaults to 1.
	Workers int `json:"workers" toml:"workers"`

	// OutputDir holds one <id>.traj.json per instance plus the shared
	// preds.json and exit_statuses.yaml.
	OutputDir string `json:"output_dir" toml:"output_dir"`

	// FilterRegex keeps only instances whose id matches.
	FilterRegex string `json:"filter_regex,omitempty" toml:"filter_regex"`

	// Slice is a "start:end" range applied after filtering, python style
	// with either bound optional.
	Slice string `json:"slice,omitempty" toml:"slice"`

	// Shuffle randomizes the order deterministically from Seed.
	Shuffle bool  `json:"shuffle" toml:"shuffle"`
	Seed    int64 `json:"seed" toml:"seed"`

	// RedoExisting reruns instances whose trajectory file already exists
	// and is well formed. Off by default, which makes reruns resume.
	RedoExisting bool `json:"redo_existing" toml:"redo_existing"`

	// ModelNameOrPath is recorded in the preds.json result index.
	ModelNameOrPath string `json:"model_name_or_path,omitempty" toml:"model_name_or_path"`
}

// Select applies filter, slice, and shuffle to instances, in that order.
// The input is sorted by id first so a fixed seed yields a fixed order.
func Select(instances []Instance, cfg Config) ([]Instance, error) {
	out := make([]Instance, len(instances))
	copy(out, instances)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if cfg.FilterRegex != "" {
		re, err := regexp.Compile(cfg.FilterRegex)
		if err != nil {
			return nil, fmt.Errorf("compile filter_regex: %w", err)
		}
		kept := out[:0]
		for _, inst := range out {
			if re.MatchString(inst.ID) {
				kept = append(kept, inst)
			}
		}
		out = kept
	}

	if cfg.Slice != "" {
		start, end, err := parseSlice(cfg.Slice, len(out))
		if err != nil {
			return nil, err
		}
		out = out[start:end]
	}

	if cfg.Shuffle {
		rng := rand.New(rand.NewSource(cfg.Seed))
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out, nil
}

// parseSlice parses "start:end" with either bound optional and clamps both
// to [0, n].
func parseSlice(s string, n int) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("slice %q: want start:end", s)
	}
	start, end := 0, n
	var err error
	if parts[0] != "" {
		if start, err = strconv.Atoi(parts[0]); err != nil {
			return 0, 0, fmt.Errorf("slice %q: bad start: %w", s, err)
		}
	}
	if parts[1] != "" {
		if end, err = strconv.Atoi(parts[1]); err != nil {
			return 0, 0, fmt.Errorf("slice %q: bad end: %w", s, err)
		}
	}
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start > end {
		start = end
	}
	return start, end, nil
}
