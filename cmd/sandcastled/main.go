// Command sandcastled runs the Sandcastle workflow execution worker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gizmax/sandcastle/internal/config"
	"github.com/gizmax/sandcastle/internal/log"
	"github.com/gizmax/sandcastle/internal/store"
	"github.com/gizmax/sandcastle/pkg/approval"
	"github.com/gizmax/sandcastle/pkg/autopilot"
	"github.com/gizmax/sandcastle/pkg/events"
	"github.com/gizmax/sandcastle/pkg/observability"
	"github.com/gizmax/sandcastle/pkg/optimizer"
	"github.com/gizmax/sandcastle/pkg/providers"
	"github.com/gizmax/sandcastle/pkg/sandbox"
	"github.com/gizmax/sandcastle/pkg/storage"
	"github.com/gizmax/sandcastle/pkg/webhook"
	"github.com/gizmax/sandcastle/pkg/workflow"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var workflowFile string
	var inputJSON string
	var maxCost float64

	root := &cobra.Command{
		Use:          "sandcastled",
		Short:        "Sandcastle workflow execution worker",
		SilenceUsage: true,
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Execute a single workflow file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), workflowFile, inputJSON, maxCost)
		},
	}
	run.Flags().StringVarP(&workflowFile, "workflow", "w", "", "workflow YAML file")
	run.Flags().StringVarP(&inputJSON, "input", "i", "{}", "input payload JSON")
	run.Flags().Float64Var(&maxCost, "max-cost", 0, "budget cap in USD (0 = unlimited)")
	_ = run.MarkFlagRequired("workflow")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker loop (registry watch + approval timeout sweeper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveLoop(cmd.Context())
		},
	}

	root.AddCommand(run, serve)
	return root
}

// buildCore wires the execution core from settings.
func buildCore(ctx context.Context, settings *config.Settings) (*workflow.Executor, *workflow.Registry, *approval.Gate, func(), error) {
	logger := log.Setup(&log.Config{Level: settings.LogLevel})

	st, err := store.Open(settings.DatabasePath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var blobs storage.Backend
	if settings.StorageBucket != "" {
		blobs, err = storage.NewS3(ctx, storage.S3Options{Bucket: settings.StorageBucket})
	} else {
		blobs, err = storage.NewLocal(settings.StorageDir)
	}
	if err != nil {
		st.Close()
		return nil, nil, nil, nil, err
	}

	backend, err := sandbox.NewBackend(settings.SandboxBackend, sandbox.BackendOptions{
		CloudAPIKey:    os.Getenv("SANDCASTLE_CLOUD_API_KEY"),
		CloudBaseURL:   os.Getenv("SANDCASTLE_CLOUD_BASE_URL"),
		ContainerImage: settings.SandboxImage,
		EdgeWorkerURL:  settings.EdgeWorkerURL,
	})
	if err != nil {
		st.Close()
		return nil, nil, nil, nil, err
	}

	failover := providers.NewFailover(settings.FailoverCooldown)
	runtime := sandbox.NewRuntime(backend, failover, sandbox.Options{
		MaxConcurrent:         settings.MaxConcurrentSandboxes,
		AnthropicAPIKey:       settings.AnthropicAPIKey,
		DefaultTimeoutSeconds: int(settings.DefaultStepTimeout.Seconds()),
		Logger:                logger,
	})

	bus := events.NewBus(logger)
	gate := approval.NewGate(st, bus, logger)
	optim := optimizer.New(st, logger)
	judge := func(ctx context.Context, prompt string) (string, error) {
		result, _, err := runtime.Query(ctx, sandbox.Request{
			Prompt: prompt, Model: "haiku", MaxTurns: 1, Timeout: 30,
		}, nil)
		if err != nil {
			return "", err
		}
		return result.Text, nil
	}
	pilot := autopilot.New(st, judge, logger)
	steps := workflow.NewStepExecutor(st, blobs, runtime, optim, pilot, logger)
	dispatcher := webhook.NewDispatcher(settings.WebhookSecret, 3, logger)

	registry, err := workflow.NewRegistry(settings.WorkflowDir, st, logger)
	if err != nil {
		st.Close()
		return nil, nil, nil, nil, err
	}

	executor := workflow.NewExecutor(workflow.ExecutorOptions{
		Store:      st,
		Steps:      steps,
		Bus:        bus,
		Gate:       gate,
		Dispatcher: dispatcher,
		Loader:     registry,
		Logger:     logger,
		Metrics:    observability.Default(),
		MaxDepth:   settings.MaxWorkflowDepth,
	})

	cleanup := func() {
		registry.Close()
		runtime.Close()
		st.Close()
	}
	return executor, registry, gate, cleanup, nil
}

func runOnce(ctx context.Context, workflowFile, inputJSON string, maxCost float64) error {
	settings := config.Load()
	executor, _, _, cleanup, err := buildCore(ctx, settings)
	if err != nil {
		return err
	}
	defer cleanup()

	def, err := workflow.ParseFile(workflowFile)
	if err != nil {
		return err
	}
	input, err := parseInput(inputJSON)
	if err != nil {
		return err
	}

	result, err := executor.Execute(ctx, def, input, workflow.RunOptions{MaxCostUSD: maxCost})
	if err != nil {
		return err
	}
	fmt.Printf("run %s finished: %s (cost %.4f USD)\n",
		result.RunID, result.Outcome, result.TotalCostUSD)
	if result.Error != "" {
		fmt.Printf("error: %s\n", result.Error)
	}
	return nil
}

func serveLoop(ctx context.Context) error {
	settings := config.Load()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	executor, registry, gate, cleanup, err := buildCore(ctx, settings)
	if err != nil {
		return err
	}
	defer cleanup()
	_ = executor

	if err := registry.Watch(ctx); err != nil {
		return err
	}

	// Approval timeout sweeper.
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := gate.SweepTimeouts(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "approval sweep: %v\n", err)
			}
		}
	}
}

func parseInput(raw string) (map[string]any, error) {
	input := map[string]any{}
	if raw == "" {
		return input, nil
	}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("parsing input JSON: %w", err)
	}
	return input, nil
}
