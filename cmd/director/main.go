package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/deepnoodle-ai/director"
	"github.com/deepnoodle-ai/director/session"
	"github.com/fatih/color"
)

// CLI configuration
type Config struct {
	WorkflowFile string
	Inputs       map[string]any
	LogsDir      string
	MaxSessions  int
	Timeout      time.Duration
	Verbose      bool
	JSON         bool
}

func main() {
	config := parseFlags()

	if config.WorkflowFile == "" {
		color.Red("Error: workflow file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(config.WorkflowFile); os.IsNotExist(err) {
		color.Red("Error: workflow file '%s' not found", config.WorkflowFile)
		os.Exit(1)
	}

	logger := setupLogger(config.Verbose)

	color.Blue("Loading workflow from: %s", config.WorkflowFile)
	definition, err := director.LoadFile(config.WorkflowFile)
	if err != nil {
		log.Fatalf("Failed to load workflow: %v", err)
	}
	color.Cyan("Workflow: %s", definition.Name())
	if definition.Description() != "" {
		color.White("Description: %s", definition.Description())
	}

	var actionLog director.ActionLog
	if config.LogsDir != "" {
		actionLog = director.NewFileActionLog(config.LogsDir)
		color.Blue("Action logs: %s", config.LogsDir)
	} else {
		actionLog = director.NewNullActionLog()
	}

	registry := director.NewRegistry()
	orchestrator, err := director.New(director.Options{
		Dispatcher:      demoActions(logger),
		SessionProvider: session.NewLocalProvider(),
		Registry:        registry,
		ActionLog:       actionLog,
		Logger:          logger,
		MaxSessions:     config.MaxSessions,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}
	if err := orchestrator.Start(); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}
	defer orchestrator.Stop()

	workflowID, err := orchestrator.CreateWorkflow(director.WorkflowOptions{
		Name:                definition.Name(),
		Description:         definition.Description(),
		Steps:               definition.Steps(),
		SessionRequirements: definition.SessionRequirements(),
		ParallelExecution:   definition.ParallelExecution(),
		MaxConcurrentSteps:  definition.MaxConcurrentSteps(),
		Timeout:             definition.Timeout(),
		Priority:            definition.Priority(),
		Metadata:            definition.Metadata(),
	})
	if err != nil {
		log.Fatalf("Failed to register workflow: %v", err)
	}

	executionID, err := orchestrator.ExecuteWorkflow(workflowID, director.ExecuteOptions{
		Inputs: config.Inputs,
	})
	if err != nil {
		log.Fatalf("Failed to enqueue execution: %v", err)
	}
	color.Blue("Execution: %s", executionID)

	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", config.Timeout)
	}

	snapshot := awaitTerminal(ctx, orchestrator, executionID)
	if snapshot == nil {
		color.Red("Timed out waiting for execution %s", executionID)
		orchestrator.Cancel(executionID)
		os.Exit(1)
	}

	if config.JSON {
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal snapshot: %v", err)
		}
		fmt.Println(string(data))
		return
	}

	switch snapshot.Status {
	case director.ExecutionStatusCompleted:
		color.Green("Execution completed (progress %.0f%%)", snapshot.Progress*100)
	default:
		color.Red("Execution %s", snapshot.Status)
		for _, message := range snapshot.ErrorLog {
			color.Red("  %s", message)
		}
	}
	for stepID, result := range snapshot.Result {
		color.White("  %s: %v", stepID, result)
	}

	metrics := orchestrator.Metrics()
	color.Cyan("Sessions: %d in use / %d total", metrics.SessionsInUse, metrics.SessionsTotal)
}

func awaitTerminal(ctx context.Context, orchestrator *director.Orchestrator, executionID string) *director.ExecutionSnapshot {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snapshot, err := orchestrator.Status(executionID)
			if err != nil {
				continue
			}
			if snapshot.Status.Terminal() {
				return snapshot
			}
		}
	}
}

// demoActions returns a registry of stand-in actions so workflows can be
// exercised without the real browser automation layer.
func demoActions(logger *slog.Logger) *director.ActionRegistry {
	stub := func(name string, delay time.Duration) director.Action {
		return director.NewActionFunc(name, func(ctx context.Context, inv *director.Invocation) (any, error) {
			logger.Info("demo action", "action", name, "step", inv.StepID, "session_id", inv.SessionID)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			return map[string]any{"action": name, "parameters": inv.Parameters}, nil
		})
	}
	return director.NewActionRegistry(
		stub("navigate", 50*time.Millisecond),
		stub("search_jobs", 150*time.Millisecond),
		stub("extract_jobs", 100*time.Millisecond),
		stub("open_job", 50*time.Millisecond),
		stub("fill_form", 100*time.Millisecond),
		stub("submit_proposal", 150*time.Millisecond),
		stub("screenshot", 30*time.Millisecond),
		stub("rank_jobs", 20*time.Millisecond),
		stub("generate_proposal", 80*time.Millisecond),
		stub("notify", 10*time.Millisecond),
	)
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return director.NewLogger(director.LoggerOptions{
		Level:  level,
		Output: os.Stderr,
	})
}

func parseFlags() Config {
	config := Config{Inputs: map[string]any{}}
	var inputsFlag string

	flag.StringVar(&config.WorkflowFile, "workflow", "", "Path to workflow YAML file")
	flag.StringVar(&inputsFlag, "inputs", "", "Comma-separated key=value execution inputs")
	flag.StringVar(&config.LogsDir, "logs-dir", "", "Directory for action logs (disabled if empty)")
	flag.IntVar(&config.MaxSessions, "max-sessions", 3, "Maximum size of the session pool")
	flag.DurationVar(&config.Timeout, "timeout", 5*time.Minute, "Overall execution timeout")
	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.JSON, "json", false, "Print the final execution snapshot as JSON")
	flag.Parse()

	if inputsFlag != "" {
		for _, pair := range strings.Split(inputsFlag, ",") {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				color.Red("Error: invalid input %q (expected key=value)", pair)
				os.Exit(1)
			}
			config.Inputs[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return config
}
