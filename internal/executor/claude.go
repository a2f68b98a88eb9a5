// Package executor runs the agent CLI that performs each stage's work
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/conveyor/internal/config"
	"github.com/cloud-shuttle/conveyor/pkg/telemetry"
)

// ErrNotInstalled is returned when the agent CLI cannot be started
var ErrNotInstalled = errors.New("worker CLI not found")

// Request is one worker invocation
type Request struct {
	Persona      string
	Prompt       string
	SystemPrompt string
	WorkDir      string
	MaxTurns     int           // 0 uses the configured default
	Timeout      time.Duration // 0 uses the configured default
}

// Result contains the result of a worker invocation. Output carries the
// agent's answer on success and a diagnostic on failure.
type Result struct {
	Success  bool
	Output   string
	Duration time.Duration
	Turns    int
	CostUSD  float64
	Err      error
}

// Executor runs the agent CLI as a subprocess
type Executor struct {
	path         string
	model        string
	timeout      time.Duration
	maxTurns     int
	outputFormat string
	extraArgs    []string
	logger       *log.Logger
}

// NewExecutor creates an executor from worker configuration
func NewExecutor(cfg config.WorkerConfig, logger *log.Logger) *Executor {
	return &Executor{
		path:         cfg.Path,
		model:        cfg.Model,
		timeout:      cfg.Timeout,
		maxTurns:     cfg.MaxTurns,
		outputFormat: cfg.OutputFormat,
		extraArgs:    cfg.ExtraArgs,
		logger:       logger.WithPrefix("worker"),
	}
}

// args builds the CLI arguments. The prompt is always last.
func (e *Executor) args(req Request, turns int) []string {
	args := []string{"--dangerously-skip-permissions", "--print"}
	if e.model != "" {
		args = append(args, "--model", e.model)
	}
	if turns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(turns))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if e.outputFormat == "json" {
		args = append(args, "--output-format", "json")
	}
	args = append(args, e.extraArgs...)
	return append(args, req.Prompt)
}

// Invoke runs the agent in req.WorkDir and waits for it to finish
func (e *Executor) Invoke(ctx context.Context, req Request) Result {
	ctx, span := telemetry.StartWorkerSpan(ctx, req.Persona, e.model)
	defer span.End()

	res := e.invoke(ctx, req)
	span.SetAttributes(
		attribute.Int(telemetry.KeyWorkerTurns, res.Turns),
		attribute.Float64(telemetry.KeyWorkerCostUSD, res.CostUSD),
	)
	category := telemetry.ErrorCategoryWorker
	if errors.Is(res.Err, context.DeadlineExceeded) {
		category = telemetry.ErrorCategoryTimeout
	}
	telemetry.RecordError(span, res.Err, category)
	return res
}

func (e *Executor) invoke(ctx context.Context, req Request) Result {
	turns := req.MaxTurns
	if turns == 0 {
		turns = e.maxTurns
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.timeout
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.path, e.args(req, turns)...)
	cmd.Dir = req.WorkDir
	// Children that outlive the agent must not hold the pipes open forever
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := e.logger.With("persona", req.Persona)
	logger.Info("invoking worker", "dir", req.WorkDir, "model", e.model, "max_turns", turns, "timeout", timeout)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Error("worker timed out", "after", duration)
			return Result{
				Output:   fmt.Sprintf("worker timed out after %v", timeout),
				Duration: duration,
				Err:      fmt.Errorf("worker timed out after %v: %w", timeout, ctx.Err()),
			}
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			logger.Error("worker CLI not found", "path", e.path)
			return Result{
				Output:   fmt.Sprintf("worker CLI not found at %s", e.path),
				Duration: duration,
				Err:      fmt.Errorf("%w: %s", ErrNotInstalled, e.path),
			}
		}

		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		logger.Error("worker failed", "exit_code", exitCode, "after", duration, "stderr", truncateString(stderr.String(), 1000))

		out := stderr.String()
		if strings.TrimSpace(out) == "" {
			out = "worker failed with no output"
		}
		return Result{
			Output:   out,
			Duration: duration,
			Err:      fmt.Errorf("worker failed after %v: %w", duration, err),
		}
	}

	res := Result{Success: true, Output: stdout.String(), Duration: duration}
	if e.outputFormat == "json" {
		res = parseJSONResult(stdout.String(), duration)
	}
	if res.Success {
		logger.Info("worker completed", "duration", duration, "turns", res.Turns)
	} else {
		logger.Error("worker reported an error", "duration", duration)
	}
	return res
}

// parseJSONResult reads the single result object printed with
// --output-format json. Output that is not JSON is kept as text.
func parseJSONResult(out string, duration time.Duration) Result {
	trimmed := strings.TrimSpace(out)
	if !gjson.Valid(trimmed) {
		return Result{Success: true, Output: out, Duration: duration}
	}

	doc := gjson.Parse(trimmed)
	// stream-json style arrays end with the result event
	if doc.IsArray() {
		arr := doc.Array()
		if len(arr) == 0 {
			return Result{Success: true, Output: out, Duration: duration}
		}
		doc = arr[len(arr)-1]
	}

	res := Result{
		Success:  !doc.Get("is_error").Bool(),
		Output:   doc.Get("result").String(),
		Duration: duration,
		Turns:    int(doc.Get("num_turns").Int()),
		CostUSD:  doc.Get("total_cost_usd").Float(),
	}
	if !res.Success {
		if res.Output == "" {
			res.Output = doc.Get("subtype").String()
		}
		res.Err = fmt.Errorf("worker reported an error: %s", truncateString(res.Output, 200))
	}
	return res
}

// truncateString truncates a string to a maximum length for logging
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// CheckInstalled verifies the agent CLI is available
func CheckInstalled(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, path, "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w at %s: %v\n%s", ErrNotInstalled, path, err, output)
	}
	return nil
}
