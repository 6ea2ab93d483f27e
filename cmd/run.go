// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/internal/agent"
	"github.com/xkilldash9x/flagrunner/internal/config"
	"github.com/xkilldash9x/flagrunner/internal/llmclient"
	"github.com/xkilldash9x/flagrunner/internal/network"
	"github.com/xkilldash9x/flagrunner/internal/observability"
	"github.com/xkilldash9x/flagrunner/internal/reporting"
	"github.com/xkilldash9x/flagrunner/internal/sandbox"
)

// agentFactory builds the two oracles for a run. The returned cleanup
// releases the model clients.
type agentFactory interface {
	Create(ctx context.Context, cfg *config.Config, tools *agent.ToolRegistry, logger *zap.Logger) (agent.Planner, agent.Executor, func(), error)
}

type defaultAgentFactory struct{}

// NewAgentFactory returns the factory backed by the configured LLM router.
func NewAgentFactory() agentFactory {
	return &defaultAgentFactory{}
}

func (f *defaultAgentFactory) Create(ctx context.Context, cfg *config.Config, tools *agent.ToolRegistry, logger *zap.Logger) (agent.Planner, agent.Executor, func(), error) {
	router, err := llmclient.NewRouterFromConfig(ctx, cfg.Agent.LLM, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize LLM router: %w", err)
	}
	planner := agent.NewLLMPlanner(router, cfg.Agent.Planner.MaxTodos, logger)
	executor := agent.NewLLMExecutor(router, tools, cfg.Agent.Executor, logger)
	cleanup := func() {
		if err := router.Close(); err != nil {
			logger.Warn("Failed to close LLM router", zap.Error(err))
		}
	}
	return planner, executor, cleanup, nil
}

// sandboxProvider builds the sandbox registry the command tools resolve
// containers from.
type sandboxProvider interface {
	Create(cfg config.SandboxConfig, logger *zap.Logger) *sandbox.Registry
}

type defaultSandboxProvider struct{}

// NewSandboxProvider returns the provider that drives the local docker CLI.
func NewSandboxProvider() sandboxProvider {
	return &defaultSandboxProvider{}
}

func (p *defaultSandboxProvider) Create(cfg config.SandboxConfig, logger *zap.Logger) *sandbox.Registry {
	return sandbox.NewRegistry(cfg, logger)
}

type runOptions struct {
	goal          string
	goalFile      string
	target        string
	sandboxID     string
	maxIterations int
	output        string
	format        string
	noStore       bool
}

func newRunCmd(deps dependencies) *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Drive the agent against a target until the flag is captured",
		Long: `Runs the coordination loop: plan a todo list, execute each todo with the
tool-using model, fold every report into the session state and findings
ledger, and replan until a flag is captured or a bound is hit.

The goal comes from the positional argument, --goal or --goal-file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if len(args) == 1 && opts.goal == "" {
				opts.goal = args[0]
			}
			return runAgent(ctx, logger, cfg, opts, deps, cmd.OutOrStdout())
		},
	}

	runCmd.Flags().StringVarP(&opts.goal, "goal", "g", "", "The goal handed to the planner")
	runCmd.Flags().StringVar(&opts.goalFile, "goal-file", "", "Read the goal from a file")
	runCmd.Flags().StringVarP(&opts.target, "target", "t", "", "Target base URL; relative tool URLs resolve against it")
	runCmd.Flags().StringVar(&opts.sandboxID, "sandbox-id", "", "Container id of the preset sandbox (overrides SANDBOX_ID)")
	runCmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "Override engine.max_iterations")
	runCmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write the run report to this file instead of stdout")
	runCmd.Flags().StringVarP(&opts.format, "format", "f", "", "Report format: text, json or sarif (default from report.format)")
	runCmd.Flags().BoolVar(&opts.noStore, "no-store", false, "Do not record the run even when database.url is set")
	return runCmd
}

// runAgent contains the testable core of the run command.
func runAgent(ctx context.Context, logger *zap.Logger, cfg *config.Config, opts runOptions, deps dependencies, stdout io.Writer) error {
	goal, err := resolveGoal(opts)
	if err != nil {
		return err
	}
	applyRunOverrides(cfg, opts)

	prober, err := network.NewProber(cfg.Network, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP prober: %w", err)
	}
	defer prober.Close()

	sandboxes := deps.sandbox.Create(cfg.Sandbox, logger)
	provider := agent.RegistrySandboxes(sandboxes)
	tools := agent.NewToolRegistry(logger,
		agent.NewHTTPRequestTool(prober),
		agent.NewRunCommandTool(provider),
		agent.NewWriteFileTool(provider),
	)

	planner, executor, cleanup, err := deps.agents.Create(ctx, cfg, tools, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	engineOpts := []agent.Option{
		agent.WithTargetBase(cfg.Network.Target),
		agent.WithBootstrapTask(cfg.Agent.Planner.BootstrapTask),
	}
	if cfg.Database.URL != "" && !opts.noStore {
		recorder, closeStore, err := openRecorder(ctx, logger, cfg, deps.stores)
		if err != nil {
			logger.Warn("Run history disabled", zap.Error(err))
		} else {
			defer closeStore()
			engineOpts = append(engineOpts, agent.WithRecorder(recorder))
		}
	}

	engine, err := agent.NewEngine(planner, executor, cfg.Engine, logger, engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	report, err := engine.Run(ctx, goal)
	if err != nil {
		return err
	}
	logger.Info("Run finished",
		zap.String("run_id", report.RunID),
		zap.String("outcome", string(report.Outcome)),
		zap.Bool("flag_captured", report.Succeeded()))

	if err := emitReport(logger, report, cfg.Report, stdout); err != nil {
		return err
	}
	if report.Outcome == agent.OutcomeInterrupted {
		return context.Canceled
	}
	return nil
}

// openRecorder connects the audit store and makes sure its tables exist.
func openRecorder(ctx context.Context, logger *zap.Logger, cfg *config.Config, provider storeProvider) (agent.Recorder, func(), error) {
	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cleanup == nil {
		cleanup = func() {}
	}
	if err := st.Migrate(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to migrate run store: %w", err)
	}
	logger.Debug("Recording run history to the database")
	return st, cleanup, nil
}

func resolveGoal(opts runOptions) (string, error) {
	goal := opts.goal
	if goal == "" && opts.goalFile != "" {
		path, err := homedir.Expand(opts.goalFile)
		if err != nil {
			return "", fmt.Errorf("failed to expand goal file path: %w", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read goal file: %w", err)
		}
		goal = string(data)
	}
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", fmt.Errorf("a goal is required (argument, --goal or --goal-file)")
	}
	return goal, nil
}

func applyRunOverrides(cfg *config.Config, opts runOptions) {
	if opts.target != "" {
		cfg.Network.Target = opts.target
	}
	if opts.sandboxID != "" {
		cfg.Sandbox.ID = opts.sandboxID
	}
	if opts.maxIterations > 0 {
		cfg.Engine.MaxIterations = opts.maxIterations
	}
	if opts.output != "" {
		cfg.Report.Output = opts.output
		if path, err := homedir.Expand(opts.output); err == nil {
			cfg.Report.Output = path
		}
	}
	if opts.format != "" {
		cfg.Report.Format = opts.format
	}
}

// emitReport writes the run report to the configured file, or to stdout
// when no output path is set.
func emitReport(logger *zap.Logger, report *agent.RunReport, cfg config.ReportConfig, stdout io.Writer) error {
	var (
		reporter reporting.Reporter
		err      error
	)
	if cfg.Output == "" {
		reporter, err = reporting.NewWriter(cfg.Format, stdout, Version)
	} else {
		reporter, err = reporting.New(cfg.Format, cfg.Output, Version)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}

	if err := reporter.Write(report); err != nil {
		_ = reporter.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := reporter.Close(); err != nil {
		return fmt.Errorf("failed to finalize report: %w", err)
	}
	if cfg.Output != "" {
		logger.Info("Report successfully written to file", zap.String("path", cfg.Output))
	}
	return nil
}
