package testing

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0755); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
}

// fakeBin puts executable shell scripts on an otherwise empty PATH
func fakeBin(t *testing.T, scripts map[string]string) {
	t.Helper()
	bin := t.TempDir()
	for name, body := range scripts {
		writeFile(t, bin, name, "#!/bin/sh\n"+body+"\n")
	}
	t.Setenv("PATH", bin)
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Timeout != 5*time.Minute {
		t.Errorf("Expected default timeout to be 5 minutes, got %v", config.Timeout)
	}
	if config.Command != "" {
		t.Errorf("Expected no default command, got %q", config.Command)
	}
}

func TestNewRunnerNilConfig(t *testing.T) {
	runner := NewRunner(nil, nil)
	if runner.config == nil {
		t.Error("Expected runner to have default config when nil is passed")
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  []string
	}{
		{"go", []string{"go.mod"}, []string{"go test"}},
		{"node", []string{"package.json"}, []string{"npm test"}},
		{"cargo", []string{"Cargo.toml"}, []string{"cargo test"}},
		{"pyproject", []string{"pyproject.toml"}, []string{"pytest"}},
		{"setup.py", []string{"setup.py"}, []string{"pytest"}},
		{"pytest.ini", []string{"pytest.ini"}, []string{"pytest"}},
		{"mixed", []string{"go.mod", "package.json"}, []string{"npm test", "go test"}},
		{"unknown", []string{"README.md"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tt.files {
				writeFile(t, dir, f, "")
			}

			var got []string
			for _, s := range NewRunner(nil, quietLogger()).Detect(dir) {
				got = append(got, s.Name)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Detect() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestDetectCustomCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module test\n")

	suites := NewRunner(&Config{Command: "make check -j2"}, quietLogger()).Detect(dir)
	if len(suites) != 1 {
		t.Fatalf("Expected one suite, got %d", len(suites))
	}
	if suites[0].Command != "make" || strings.Join(suites[0].Args, " ") != "check -j2" {
		t.Errorf("Unexpected suite: %+v", suites[0])
	}
}

func TestRunNoSuites(t *testing.T) {
	got := NewRunner(nil, quietLogger()).Run(context.Background(), t.TempDir())
	if got != NoSuites {
		t.Errorf("Run() = %q; want %q", got, NoSuites)
	}
}

func TestRunPassingAndFailing(t *testing.T) {
	fakeBin(t, map[string]string{
		"go":    `echo "ok  example.com/app 0.01s"`,
		"cargo": `echo "test result: FAILED. 1 passed; 1 failed"; echo "panicked at src/lib.rs" >&2; exit 101`,
	})
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module test\n")
	writeFile(t, dir, "Cargo.toml", "")

	got := NewRunner(nil, quietLogger()).Run(context.Background(), dir)

	if !strings.Contains(got, "**go test**: ✅ PASSED") {
		t.Errorf("Expected go suite to pass:\n%s", got)
	}
	if !strings.Contains(got, "**cargo test**: ❌ FAILED") {
		t.Errorf("Expected cargo suite to fail:\n%s", got)
	}
	if !strings.Contains(got, "panicked at src/lib.rs") {
		t.Errorf("Expected stderr in summary:\n%s", got)
	}
	if strings.Index(got, "**cargo test**") > strings.Index(got, "**go test**") {
		t.Error("Expected suites in detection order")
	}
}

func TestRunCommandNotFound(t *testing.T) {
	fakeBin(t, nil)
	dir := t.TempDir()
	writeFile(t, dir, "Cargo.toml", "")

	got := NewRunner(nil, quietLogger()).Run(context.Background(), dir)
	if got != "**cargo test**: ⚠️ Command not found" {
		t.Errorf("Run() = %q", got)
	}
}

func TestRunTimeout(t *testing.T) {
	fakeBin(t, map[string]string{"slow": "exec /bin/sleep 5"})

	runner := NewRunner(&Config{Timeout: 100 * time.Millisecond, Command: "slow"}, quietLogger())
	results := runner.RunSuites(context.Background(), t.TempDir())
	if len(results) != 1 {
		t.Fatalf("Expected one result, got %d", len(results))
	}
	if !results[0].TimedOut {
		t.Errorf("Expected a timeout, got %+v", results[0])
	}
	if results[0].Duration > 4*time.Second {
		t.Errorf("Timeout did not stop the suite (took %v)", results[0].Duration)
	}

	summary := Summarize(results, 100*time.Millisecond)
	if !strings.Contains(summary, "⏰ Timed out after 100ms") {
		t.Errorf("Summarize() = %q", summary)
	}
}

func TestSummarizeKeepsTail(t *testing.T) {
	long := strings.Repeat("x", 1000) + "END"
	got := Summarize([]Result{{Suite: "go test", Passed: true, Stdout: long}}, time.Minute)

	if strings.Contains(got, strings.Repeat("x", 600)) {
		t.Error("Expected stdout to be cut to its tail")
	}
	if !strings.Contains(got, "END") {
		t.Error("Expected the end of stdout to survive")
	}
}

func TestTail(t *testing.T) {
	if got := tail("abc", 5); got != "abc" {
		t.Errorf("tail(abc, 5) = %q", got)
	}
	if got := tail("abcdef", 3); got != "def" {
		t.Errorf("tail(abcdef, 3) = %q", got)
	}
}
