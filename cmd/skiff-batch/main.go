// Command skiff-batch runs an agent over a list of task instances with
// bounded parallelism, writing one trajectory per instance plus a shared
// preds.json and exit_statuses.yaml into the output directory.
//
// Instances are read from a JSON or YAML file holding a list of
// {instance_id, problem_statement, image?} records. Reruns skip instances
// whose trajectory already exists unless --redo-existing is set.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	skiff "github.com/nevindra/skiff"
	"github.com/nevindra/skiff/batch"
	envresolve "github.com/nevindra/skiff/environment/resolve"
	"github.com/nevindra/skiff/internal/config"
	"github.com/nevindra/skiff/memory"
	mempostgres "github.com/nevindra/skiff/memory/postgres"
	memsqlite "github.com/nevindra/skiff/memory/sqlite"
	"github.com/nevindra/skiff/model/litellm"
	modelresolve "github.com/nevindra/skiff/model/resolve"
	"github.com/nevindra/skiff/observer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath    string
		instancesPath string
		modelName     string
		output        string
		workers       int
		filter        string
		sliceSpec     string
		shuffle       bool
		seed          int64
		redoExisting  bool
	)

	cmd := &cobra.Command{
		Use:   "skiff-batch",
		Short: "Run an agent over a list of task instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if modelName != "" {
				cfg.Model.ModelName = modelName
			}
			if output != "" {
				cfg.Batch.OutputDir = output
			}
			if workers > 0 {
				cfg.Batch.Workers = workers
			}
			if filter != "" {
				cfg.Batch.FilterRegex = filter
			}
			if sliceSpec != "" {
				cfg.Batch.Slice = sliceSpec
			}
			if shuffle {
				cfg.Batch.Shuffle = true
			}
			if cmd.Flags().Changed("seed") {
				cfg.Batch.Seed = seed
			}
			if redoExisting {
				cfg.Batch.RedoExisting = true
			}
			if cfg.Batch.ModelNameOrPath == "" {
				cfg.Batch.ModelNameOrPath = cfg.Model.ModelName
			}

			instances, err := loadInstances(instancesPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, instances)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to skiff.toml")
	cmd.Flags().StringVarP(&instancesPath, "instances", "i", "", "JSON or YAML instance list (required)")
	cmd.Flags().StringVarP(&modelName, "model", "m", "", "model name")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "parallel workers")
	cmd.Flags().StringVar(&filter, "filter", "", "regex on instance id")
	cmd.Flags().StringVar(&sliceSpec, "slice", "", "start:end range after filtering")
	cmd.Flags().BoolVar(&shuffle, "shuffle", false, "shuffle instance order")
	cmd.Flags().Int64Var(&seed, "seed", 0, "shuffle seed")
	cmd.Flags().BoolVar(&redoExisting, "redo-existing", false, "rerun instances with existing trajectories")
	cmd.MarkFlagRequired("instances")
	return cmd
}

func run(ctx context.Context, cfg config.Config, instances []batch.Instance) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var tracer skiff.Tracer
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		in, shutdown, err := observer.Init(ctx, cfg.Model.ModelPricing())
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer shutdown(context.WithoutCancel(ctx))
		inst = in
		tracer = observer.NewTracer()
	}

	var store memory.ExperienceStore
	if cfg.Memory.Enabled {
		st, err := newExperienceStore(ctx, cfg.Memory)
		if err != nil {
			return err
		}
		if err := st.Init(ctx); err != nil {
			logger.Warn("experience store unavailable", "error", err)
		} else {
			store = st
			defer store.Close()
		}
	}

	factory := func(ctx context.Context, taskInst batch.Instance, outputPath string) (*skiff.Agent, error) {
		model, err := modelresolve.New(cfg.Model.Class, modelresolve.Settings{
			ModelConfig: cfg.Model.ModelConfig,
			APIKey:      cfg.Model.APIKey,
			BaseURL:     cfg.Model.BaseURL,
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxTokens,
			Streaming:   cfg.Model.Streaming,
			Pricing:     cfg.Model.ModelPricing(),
			Instruments: inst,
		}, logger)
		if err != nil {
			return nil, err
		}

		envCfg := cfg.Environment.EnvironmentConfig
		envClass := cfg.Environment.Class
		if taskInst.Image != "" {
			envCfg.Image = taskInst.Image
			envClass = "docker"
		}
		env, err := envresolve.New(ctx, envClass, envCfg, logger)
		if err != nil {
			return nil, err
		}
		env = observer.WrapEnvironment(env, inst)

		agentCfg := cfg.Agent
		agentCfg.OutputPath = outputPath

		opts := []skiff.AgentOption{skiff.WithLogger(logger), skiff.WithTracer(tracer)}
		if hooks, vars := memoryHooks(ctx, cfg, model, store, taskInst, logger); hooks != nil {
			opts = append(opts, skiff.WithHooks(*hooks))
			if len(vars) > 0 {
				opts = append(opts, skiff.WithTemplateVars(vars))
			}
		}
		return skiff.NewAgent(model, env, agentCfg, opts...), nil
	}

	runner, err := batch.NewRunner(cfg.Batch, factory,
		batch.WithLogger(logger), batch.WithTracer(tracer), batch.WithInstruments(inst))
	if err != nil {
		return err
	}
	return runner.Run(ctx, instances)
}

// newExperienceStore constructs the configured experience store backend.
func newExperienceStore(ctx context.Context, cfg config.MemoryConfig) (memory.ExperienceStore, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return memsqlite.New(cfg.Path), nil
	case "postgres":
		return mempostgres.New(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown memory backend %q (want sqlite or postgres)", cfg.Backend)
	}
}

// memoryHooks wires history compaction into the query path when memory is
// enabled and the backend supports raw completions. Prior experiences
// matching the instance are exposed to the prompt templates; a successful
// submission is written back to the store as a new experience.
func memoryHooks(ctx context.Context, cfg config.Config, model skiff.Model, store memory.ExperienceStore, inst batch.Instance, logger *slog.Logger) (*skiff.Hooks, map[string]any) {
	if !cfg.Memory.Enabled {
		return nil, nil
	}

	hooks := &skiff.Hooks{}
	if lm, ok := model.(*litellm.Model); ok {
		sumOpts := []memory.SummarizerOption{memory.WithLogger(logger)}
		if cfg.Memory.KeepLast > 0 {
			sumOpts = append(sumOpts, memory.WithKeepLast(cfg.Memory.KeepLast))
		}
		if cfg.Memory.Trigger > 0 {
			sumOpts = append(sumOpts, memory.WithTrigger(cfg.Memory.Trigger))
		}
		summarizer := memory.NewSummarizer(lm.Complete, sumOpts...)
		hooks.Query = func(ctx context.Context, messages []skiff.Message) (skiff.Message, bool, error) {
			msg, err := model.Query(ctx, summarizer.Compact(ctx, messages))
			return msg, true, err
		}
	}

	var vars map[string]any
	if store != nil {
		if found, err := store.Search(ctx, inst.ProblemStatement, 3); err == nil && len(found) > 0 {
			notes := make([]string, 0, len(found))
			for _, exp := range found {
				notes = append(notes, exp.Content)
			}
			vars = map[string]any{"experiences": strings.Join(notes, "\n---\n")}
		}
		hooks.Recover = func(ctx context.Context, err error) error {
			var sub *skiff.Submitted
			if errors.As(err, &sub) {
				exp := memory.Experience{
					Task:    inst.ProblemStatement,
					Tags:    []string{inst.ID},
					Content: sub.Submission,
				}
				if aerr := store.Add(context.WithoutCancel(ctx), exp); aerr != nil {
					logger.Warn("experience write failed", "instance_id", inst.ID, "error", aerr)
				}
			}
			return err
		}
	}
	if hooks.Query == nil && hooks.Recover == nil {
		return nil, vars
	}
	return hooks, vars
}

// loadInstances reads the instance list from a JSON or YAML file.
func loadInstances(path string) ([]batch.Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var instances []batch.Instance
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &instances)
	default:
		err = json.Unmarshal(data, &instances)
	}
	if err != nil {
		return nil, fmt.Errorf("parse instances %s: %w", path, err)
	}
	return instances, nil
}
