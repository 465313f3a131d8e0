// Command skiff runs one task interactively: the model proposes shell
// commands, the operator confirms, rejects, or takes over.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	skiff "github.com/nevindra/skiff"
	envresolve "github.com/nevindra/skiff/environment/resolve"
	"github.com/nevindra/skiff/interactive"
	"github.com/nevindra/skiff/internal/config"
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
		configPath string
		modelName  string
		envClass   string
		image      string
		cwd        string
		output     string
		costLimit  float64
		stepLimit  int
		yolo       bool
		exitNow    bool
	)

	cmd := &cobra.Command{
		Use:   "skiff [task]",
		Short: "Run a software engineering agent on one task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if modelName != "" {
				cfg.Model.ModelName = modelName
			}
			if envClass != "" {
				cfg.Environment.Class = envClass
			}
			if image != "" {
				cfg.Environment.Image = image
				if cfg.Environment.Class == "" || cfg.Environment.Class == "local" {
					cfg.Environment.Class = "docker"
				}
			}
			if cwd != "" {
				cfg.Environment.Cwd = cwd
			}
			if output != "" {
				cfg.Agent.OutputPath = output
			}
			if cmd.Flags().Changed("cost-limit") {
				cfg.Agent.CostLimit = costLimit
			}
			if cmd.Flags().Changed("step-limit") {
				cfg.Agent.StepLimit = stepLimit
			}
			if yolo {
				cfg.Interactive.Mode = interactive.ModeYolo
			}
			if exitNow {
				cfg.Interactive.ConfirmExit = false
			}

			task := ""
			if len(args) == 1 {
				task = args[0]
			}
			return run(cmd.Context(), cfg, task)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to skiff.toml")
	cmd.Flags().StringVarP(&modelName, "model", "m", "", "model name")
	cmd.Flags().StringVar(&envClass, "env", "", "environment class (local or docker)")
	cmd.Flags().StringVar(&image, "image", "", "container image (implies docker)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for commands")
	cmd.Flags().StringVarP(&output, "output", "o", "", "trajectory output path")
	cmd.Flags().Float64Var(&costLimit, "cost-limit", 0, "stop after this much model spend")
	cmd.Flags().IntVar(&stepLimit, "step-limit", 0, "stop after this many model queries")
	cmd.Flags().BoolVarP(&yolo, "yolo", "y", false, "execute without confirmation")
	cmd.Flags().BoolVar(&exitNow, "exit-immediately", false, "accept the submission without a prompt")
	return cmd
}

func run(ctx context.Context, cfg config.Config, task string) error {
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
		return err
	}

	env, err := envresolve.New(ctx, cfg.Environment.Class, cfg.Environment.EnvironmentConfig, logger)
	if err != nil {
		return err
	}
	env = observer.WrapEnvironment(env, inst)
	defer func() {
		if cerr := env.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("environment cleanup failed", "error", cerr)
		}
	}()

	runner, err := interactive.New(model, env, cfg.Agent, cfg.Interactive,
		skiff.WithLogger(logger), skiff.WithTracer(tracer))
	if err != nil {
		return err
	}

	if task == "" {
		task, err = promptTask()
		if err != nil {
			return err
		}
	}

	result, err := runner.Run(ctx, task)
	if err != nil {
		return err
	}
	fmt.Printf("exit status: %s\n", result.ExitStatus)
	if result.Submission != "" {
		fmt.Println(result.Submission)
	}
	return nil
}

func promptTask() (string, error) {
	fmt.Print("task> ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read task: %w", err)
	}
	task := strings.TrimSpace(line)
	if task == "" {
		return "", fmt.Errorf("empty task")
	}
	return task, nil
}
