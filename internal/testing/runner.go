// Package testing runs a repository's own test suites for the QA stage
package testing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// tailSize is how much of each output stream a summary keeps
const tailSize = 500

// NoSuites is the summary when nothing in the worktree looks testable
const NoSuites = "No test framework detected."

// Suite is one test command detected in a worktree
type Suite struct {
	Name    string
	Command string
	Args    []string
}

// Config configures suite execution
type Config struct {
	Timeout time.Duration // per suite
	Command string        // custom command, replaces detection
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout: 5 * time.Minute,
	}
}

// Result is the outcome of one suite
type Result struct {
	Suite    string
	Passed   bool
	TimedOut bool
	NotFound bool
	Err      error
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner detects and runs test suites
type Runner struct {
	config *Config
	logger *log.Logger
}

// NewRunner creates a new test runner
func NewRunner(config *Config, logger *log.Logger) *Runner {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		config: config,
		logger: logger.WithPrefix("tests"),
	}
}

// Run runs every detected suite in dir and returns a markdown summary
// suitable for a QA prompt
func (r *Runner) Run(ctx context.Context, dir string) string {
	results := r.RunSuites(ctx, dir)
	if len(results) == 0 {
		return NoSuites
	}
	return Summarize(results, r.config.Timeout)
}

// RunSuites runs every detected suite in dir, one after the other
func (r *Runner) RunSuites(ctx context.Context, dir string) []Result {
	suites := r.Detect(dir)
	results := make([]Result, 0, len(suites))
	for _, s := range suites {
		res := r.runSuite(ctx, dir, s)
		if res.Passed {
			r.logger.Info("suite passed", "suite", s.Name, "duration", res.Duration.Round(time.Millisecond))
		} else {
			r.logger.Warn("suite failed", "suite", s.Name, "duration", res.Duration.Round(time.Millisecond), "error", res.Err)
		}
		results = append(results, res)
	}
	return results
}

// Detect returns the suites a worktree supports. A configured command
// replaces detection.
func (r *Runner) Detect(dir string) []Suite {
	if r.config.Command != "" {
		parts := strings.Fields(r.config.Command)
		if len(parts) == 0 {
			return nil
		}
		return []Suite{{Name: r.config.Command, Command: parts[0], Args: parts[1:]}}
	}

	var suites []Suite
	if hasFile(dir, "package.json") {
		suites = append(suites, Suite{Name: "npm test", Command: "npm", Args: []string{"test", "--", "--passWithNoTests"}})
	}
	if hasFile(dir, "pytest.ini") || hasFile(dir, "pyproject.toml") || hasFile(dir, "setup.py") {
		suites = append(suites, Suite{Name: "pytest", Command: "python", Args: []string{"-m", "pytest", "-v", "--tb=short"}})
	}
	if hasFile(dir, "Cargo.toml") {
		suites = append(suites, Suite{Name: "cargo test", Command: "cargo", Args: []string{"test"}})
	}
	if hasFile(dir, "go.mod") {
		suites = append(suites, Suite{Name: "go test", Command: "go", Args: []string{"test", "./..."}})
	}
	return suites
}

func hasFile(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func (r *Runner) runSuite(ctx context.Context, dir string, s Suite) Result {
	res := Result{Suite: s.Name}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	switch {
	case err == nil:
		res.Passed = true
	case errors.Is(err, exec.ErrNotFound):
		res.NotFound = true
		res.Err = err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.Err = ctx.Err()
	default:
		res.Err = err
	}
	return res
}

// Summarize renders results as markdown, one block per suite
func Summarize(results []Result, timeout time.Duration) string {
	blocks := make([]string, 0, len(results))
	for _, res := range results {
		switch {
		case res.NotFound:
			blocks = append(blocks, fmt.Sprintf("**%s**: ⚠️ Command not found", res.Suite))
		case res.TimedOut:
			blocks = append(blocks, fmt.Sprintf("**%s**: ⏰ Timed out after %s", res.Suite, timeout))
		default:
			status := "❌ FAILED"
			if res.Passed {
				status = "✅ PASSED"
			}
			blocks = append(blocks, fmt.Sprintf("**%s**: %s\n```\n%s\n%s\n```",
				res.Suite, status, tail(res.Stdout, tailSize), tail(res.Stderr, tailSize)))
		}
	}
	return strings.Join(blocks, "\n\n")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
