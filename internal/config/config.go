// Package config loads runtime settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Settings holds all runtime configuration for the execution core.
type Settings struct {
	// DatabasePath is the sqlite database file location.
	DatabasePath string

	// StorageDir is the base directory for the local storage backend.
	StorageDir string

	// StorageBucket selects the S3 storage backend when non-empty.
	StorageBucket string

	// WebhookSecret signs outgoing webhook payloads.
	WebhookSecret string

	// AnthropicAPIKey authenticates Claude runners.
	AnthropicAPIKey string

	// SandboxBackend selects the sandbox implementation
	// (cloud, container, host, edge).
	SandboxBackend string

	// SandboxImage is the container image for the container backend.
	SandboxImage string

	// EdgeWorkerURL is the endpoint for the edge backend.
	EdgeWorkerURL string

	// MaxConcurrentSandboxes caps simultaneous sandbox executions per process.
	MaxConcurrentSandboxes int

	// FailoverCooldown is how long a rate-limited API key stays off rotation.
	FailoverCooldown time.Duration

	// MaxWorkflowDepth bounds sub-workflow recursion.
	MaxWorkflowDepth int

	// DefaultStepTimeout applies when a step declares no timeout.
	DefaultStepTimeout time.Duration

	// WorkflowDir is where the registry loads workflow YAML files from.
	WorkflowDir string

	// LogLevel sets the minimum log level.
	LogLevel string
}

// Load builds Settings from environment variables with defaults.
func Load() *Settings {
	return &Settings{
		DatabasePath:           envOr("SANDCASTLE_DB_PATH", "./data/sandcastle.db"),
		StorageDir:             envOr("SANDCASTLE_STORAGE_DIR", "./data/storage"),
		StorageBucket:          os.Getenv("SANDCASTLE_STORAGE_BUCKET"),
		WebhookSecret:          envOr("SANDCASTLE_WEBHOOK_SECRET", "sandcastle-dev-secret"),
		AnthropicAPIKey:        os.Getenv("ANTHROPIC_API_KEY"),
		SandboxBackend:         envOr("SANDCASTLE_SANDBOX_BACKEND", "cloud"),
		SandboxImage:           envOr("SANDCASTLE_SANDBOX_IMAGE", "sandcastle-runner:latest"),
		EdgeWorkerURL:          os.Getenv("SANDCASTLE_EDGE_WORKER_URL"),
		MaxConcurrentSandboxes: envInt("SANDCASTLE_MAX_CONCURRENT", 5),
		FailoverCooldown:       time.Duration(envInt("SANDCASTLE_FAILOVER_COOLDOWN_SECONDS", 300)) * time.Second,
		MaxWorkflowDepth:       envInt("SANDCASTLE_MAX_WORKFLOW_DEPTH", 3),
		DefaultStepTimeout:     time.Duration(envInt("SANDCASTLE_DEFAULT_TIMEOUT_SECONDS", 300)) * time.Second,
		WorkflowDir:            envOr("SANDCASTLE_WORKFLOW_DIR", "./workflows"),
		LogLevel:               envOr("SANDCASTLE_LOG_LEVEL", "info"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
