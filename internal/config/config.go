// Package config handles Conveyor configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"github.com/cloud-shuttle/conveyor/internal/taskdef"
	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// Config holds Conveyor configuration
type Config struct {
	// Root directory for mirrors, worktrees and local state
	WorkDir string `mapstructure:"work_dir"`

	// Time between polling cycles
	PollInterval time.Duration `mapstructure:"poll_interval"`

	GitHub   GitHubConfig   `mapstructure:"github"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Git      GitConfig      `mapstructure:"git"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	State    StateConfig    `mapstructure:"state"`
	DBOS     DBOSConfig     `mapstructure:"dbos"`
	Webhooks WebhookConfig  `mapstructure:"webhooks"`
	Log      LogConfig      `mapstructure:"log"`

	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GitHubConfig configures the issue store and remote URLs
type GitHubConfig struct {
	Token         string `mapstructure:"token"`
	TaskRepo      string `mapstructure:"task_repo"`      // owner/name holding task issues
	HumanUsername string `mapstructure:"human_username"` // tagged on escalations
	APIURL        string `mapstructure:"api_url"`        // empty for github.com
	RemoteBase    string `mapstructure:"remote_base"`    // clone URL base
	MergeMethod   string `mapstructure:"merge_method"`
}

// WorkerConfig configures the agent CLI
type WorkerConfig struct {
	Path         string        `mapstructure:"path"`
	Model        string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxTurns     int           `mapstructure:"max_turns"`
	OutputFormat string        `mapstructure:"output_format"` // text or json
	ExtraArgs    []string      `mapstructure:"extra_args"`
}

// GitConfig configures git subprocesses
type GitConfig struct {
	AuthorName     string        `mapstructure:"author_name"`
	AuthorEmail    string        `mapstructure:"author_email"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	BranchPrefix   string        `mapstructure:"branch_prefix"`
}

// LimitsConfig bounds loops and daily throughput
type LimitsConfig struct {
	MaxIterations   int `mapstructure:"max_iterations"`
	MaxReviewCycles int `mapstructure:"max_review_cycles"`
	MaxQACycles     int `mapstructure:"max_qa_cycles"`
	MaxTasksPerDay  int `mapstructure:"max_tasks_per_day"`
}

// ScheduleConfig defines the night window and the quota calendar
type ScheduleConfig struct {
	Timezone   string `mapstructure:"timezone"`
	NightStart int    `mapstructure:"night_start"`
	NightEnd   int    `mapstructure:"night_end"`
}

// PipelineConfig toggles optional stages
type PipelineConfig struct {
	QAEnabled   bool          `mapstructure:"qa_enabled"`
	AutoMerge   bool          `mapstructure:"auto_merge"`
	TestTimeout time.Duration `mapstructure:"test_timeout"`
	TestCommand string        `mapstructure:"test_command"` // overrides suite detection
}

// StateConfig selects where recurrence records and run history live
type StateConfig struct {
	Backend string `mapstructure:"backend"` // json or sqlite
	Dir     string `mapstructure:"dir"`
}

// DBOSConfig enables durable task runs when DatabaseURL is set
type DBOSConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	AppName     string `mapstructure:"app_name"`
}

// WebhookConfig lists outcome notification endpoints
type WebhookConfig struct {
	Endpoints []WebhookEndpoint `mapstructure:"endpoints"`
	Workers   int               `mapstructure:"workers"`
}

// WebhookEndpoint is one notification target
type WebhookEndpoint struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"`
}

// TelemetryConfig enables span export. Spans are dropped when TraceFile
// is empty.
type TelemetryConfig struct {
	TraceFile   string `mapstructure:"trace_file"`
	ServiceName string `mapstructure:"service_name"`
}

// LogConfig configures the root logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text, json or logfmt
	File   string `mapstructure:"file"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		WorkDir:      defaultWorkDir(),
		PollInterval: 5 * time.Minute,
		GitHub: GitHubConfig{
			RemoteBase:  "https://github.com",
			MergeMethod: "squash",
		},
		Worker: WorkerConfig{
			Path:         "claude",
			Model:        "sonnet",
			Timeout:      30 * time.Minute,
			MaxTurns:     50,
			OutputFormat: "text",
		},
		Git: GitConfig{
			AuthorName:     "Claude Worker",
			AuthorEmail:    "claude-worker@noreply.github.com",
			CommandTimeout: 2 * time.Minute,
			BranchPrefix:   taskdef.DefaultBranchPrefix,
		},
		Limits: LimitsConfig{
			MaxIterations:   20,
			MaxReviewCycles: 3,
			MaxQACycles:     2,
			MaxTasksPerDay:  10,
		},
		Schedule: ScheduleConfig{
			Timezone:   "UTC",
			NightStart: 2,
			NightEnd:   8,
		},
		Pipeline: PipelineConfig{
			QAEnabled:   false,
			AutoMerge:   true,
			TestTimeout: 10 * time.Minute,
		},
		State: StateConfig{
			Backend: "json",
		},
		DBOS: DBOSConfig{
			AppName: "conveyor",
		},
		Webhooks: WebhookConfig{
			Workers: 2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "conveyor",
		},
	}
}

// defaultWorkDir returns .conveyor in the working directory
func defaultWorkDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ".conveyor"
	}
	return filepath.Join(dir, ".conveyor")
}

// Load reads configuration from an optional YAML file and CONVEYOR_*
// environment variables. An empty path searches for conveyor.yaml in the
// working directory and $CONVEYOR_HOME.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("CONVEYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("conveyor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home := os.Getenv("CONVEYOR_HOME"); home != "" {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.expandEnv()
	if cfg.GitHub.Token == "" {
		cfg.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = filepath.Join(cfg.WorkDir, "data")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("work_dir", d.WorkDir)
	v.SetDefault("poll_interval", d.PollInterval)

	v.SetDefault("github.token", "")
	v.SetDefault("github.task_repo", "")
	v.SetDefault("github.human_username", "")
	v.SetDefault("github.api_url", "")
	v.SetDefault("github.remote_base", d.GitHub.RemoteBase)
	v.SetDefault("github.merge_method", d.GitHub.MergeMethod)

	v.SetDefault("worker.path", d.Worker.Path)
	v.SetDefault("worker.model", d.Worker.Model)
	v.SetDefault("worker.timeout", d.Worker.Timeout)
	v.SetDefault("worker.max_turns", d.Worker.MaxTurns)
	v.SetDefault("worker.output_format", d.Worker.OutputFormat)
	v.SetDefault("worker.extra_args", []string{})

	v.SetDefault("git.author_name", d.Git.AuthorName)
	v.SetDefault("git.author_email", d.Git.AuthorEmail)
	v.SetDefault("git.command_timeout", d.Git.CommandTimeout)
	v.SetDefault("git.branch_prefix", d.Git.BranchPrefix)

	v.SetDefault("limits.max_iterations", d.Limits.MaxIterations)
	v.SetDefault("limits.max_review_cycles", d.Limits.MaxReviewCycles)
	v.SetDefault("limits.max_qa_cycles", d.Limits.MaxQACycles)
	v.SetDefault("limits.max_tasks_per_day", d.Limits.MaxTasksPerDay)

	v.SetDefault("schedule.timezone", d.Schedule.Timezone)
	v.SetDefault("schedule.night_start", d.Schedule.NightStart)
	v.SetDefault("schedule.night_end", d.Schedule.NightEnd)

	v.SetDefault("pipeline.qa_enabled", d.Pipeline.QAEnabled)
	v.SetDefault("pipeline.auto_merge", d.Pipeline.AutoMerge)
	v.SetDefault("pipeline.test_timeout", d.Pipeline.TestTimeout)
	v.SetDefault("pipeline.test_command", "")

	v.SetDefault("state.backend", d.State.Backend)
	v.SetDefault("state.dir", "")

	v.SetDefault("dbos.database_url", "")
	v.SetDefault("dbos.app_name", d.DBOS.AppName)

	v.SetDefault("webhooks.workers", d.Webhooks.Workers)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", "")

	v.SetDefault("telemetry.trace_file", "")
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
}

// expandEnv resolves ${VAR} references in secret-bearing fields
func (c *Config) expandEnv() {
	c.GitHub.Token = os.ExpandEnv(c.GitHub.Token)
	c.GitHub.TaskRepo = os.ExpandEnv(c.GitHub.TaskRepo)
	c.GitHub.HumanUsername = os.ExpandEnv(c.GitHub.HumanUsername)
	c.DBOS.DatabaseURL = os.ExpandEnv(c.DBOS.DatabaseURL)
	c.WorkDir = os.ExpandEnv(c.WorkDir)
	c.Telemetry.TraceFile = os.ExpandEnv(c.Telemetry.TraceFile)
	for i := range c.Webhooks.Endpoints {
		c.Webhooks.Endpoints[i].URL = os.ExpandEnv(c.Webhooks.Endpoints[i].URL)
		c.Webhooks.Endpoints[i].Secret = os.ExpandEnv(c.Webhooks.Endpoints[i].Secret)
	}
}

// Validate checks the configuration once at startup
func (c *Config) Validate() error {
	var errs []error

	if c.GitHub.Token == "" {
		errs = append(errs, errors.New("github.token is required"))
	}
	if _, _, err := types.SplitRepo(c.GitHub.TaskRepo); err != nil {
		errs = append(errs, fmt.Errorf("github.task_repo: %w", err))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("work_dir is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.Worker.Timeout <= 0 {
		errs = append(errs, errors.New("worker.timeout must be positive"))
	}
	if c.Worker.OutputFormat != "text" && c.Worker.OutputFormat != "json" {
		errs = append(errs, fmt.Errorf("worker.output_format %q: want text or json", c.Worker.OutputFormat))
	}
	if c.Git.CommandTimeout <= 0 {
		errs = append(errs, errors.New("git.command_timeout must be positive"))
	}
	if c.Limits.MaxIterations < 1 {
		errs = append(errs, errors.New("limits.max_iterations must be at least 1"))
	}
	if c.Limits.MaxReviewCycles < 1 || c.Limits.MaxQACycles < 1 {
		errs = append(errs, errors.New("limits.max_review_cycles and limits.max_qa_cycles must be at least 1"))
	}
	if c.Limits.MaxTasksPerDay < 1 {
		errs = append(errs, errors.New("limits.max_tasks_per_day must be at least 1"))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}
	if !validHour(c.Schedule.NightStart) || !validHour(c.Schedule.NightEnd) {
		errs = append(errs, errors.New("schedule.night_start and schedule.night_end must be hours 0-23"))
	}
	switch c.State.Backend {
	case "json", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("state.backend %q: want json or sqlite", c.State.Backend))
	}
	switch c.GitHub.MergeMethod {
	case "merge", "squash", "rebase":
	default:
		errs = append(errs, fmt.Errorf("github.merge_method %q: want merge, squash or rebase", c.GitHub.MergeMethod))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			errs = append(errs, fmt.Errorf("webhooks.endpoints[%d].url is required", i))
		}
	}

	return errors.Join(errs...)
}

func validHour(h int) bool {
	return h >= 0 && h <= 23
}

// Location returns the configured schedule timezone, falling back to UTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MirrorsDir is where repository mirrors live
func (c *Config) MirrorsDir() string {
	return filepath.Join(c.WorkDir, "repos")
}

// WorktreesDir is where per-task worktrees live
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.WorkDir, "worktrees")
}
