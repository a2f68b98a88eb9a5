// Package types defines core data structures for Conveyor
package types

import (
	"fmt"
	"strings"
	"time"
)

// Stage is a step of the pipeline, persisted as an issue label
type Stage string

const (
	StageReady         Stage = "ready"
	StageTriage        Stage = "triage"
	StageDesign        Stage = "design"
	StageDevelopment   Stage = "development"
	StageCodeReview    Stage = "code-review"
	StageQA            Stage = "qa"
	StageAwaitingHuman Stage = "awaiting-human"
	StageDone          Stage = "done"
	StageFailed        Stage = "failed"
)

// StageLabels lists every stage label. At most one of them is present on an
// issue at any time.
var StageLabels = []Stage{
	StageReady,
	StageTriage,
	StageDesign,
	StageDevelopment,
	StageCodeReview,
	StageQA,
	StageAwaitingHuman,
	StageDone,
	StageFailed,
}

// resumeOrder is the precedence used when re-deriving a stage from labels
var resumeOrder = []Stage{
	StageTriage,
	StageDesign,
	StageDevelopment,
	StageCodeReview,
	StageQA,
	StageAwaitingHuman,
	StageDone,
	StageFailed,
}

// IsTerminal reports whether a run stops when it reaches this stage
func (s Stage) IsTerminal() bool {
	switch s {
	case StageAwaitingHuman, StageDone, StageFailed:
		return true
	}
	return false
}

// IsStageLabel reports whether a label name belongs to the stage vocabulary
func IsStageLabel(name string) bool {
	for _, s := range StageLabels {
		if string(s) == name {
			return true
		}
	}
	return false
}

// StageFromLabels re-derives the current stage from an issue's label set.
// A ready label, or no stage label at all, means the task starts at triage.
func StageFromLabels(labels []string) Stage {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	for _, s := range resumeOrder {
		if set[string(s)] {
			return s
		}
	}
	return StageTriage
}

// Priority orders candidate tasks
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the sort position of a priority (high first).
// Unknown values sort as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	}
	return 1
}

// IsValid checks if the priority is known
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Schedule is how often a task runs
type Schedule string

const (
	ScheduleOnce    Schedule = "once"
	ScheduleDaily   Schedule = "daily"
	ScheduleWeekly  Schedule = "weekly"
	ScheduleMonthly Schedule = "monthly"
)

// IsValid checks if the schedule is known
func (s Schedule) IsValid() bool {
	switch s {
	case ScheduleOnce, ScheduleDaily, ScheduleWeekly, ScheduleMonthly:
		return true
	}
	return false
}

// IsRecurring reports whether the schedule repeats
func (s Schedule) IsRecurring() bool {
	return s == ScheduleDaily || s == ScheduleWeekly || s == ScheduleMonthly
}

// Interval returns the minimum time between two runs of a recurring
// schedule. Monthly is a fixed 30 days, not a calendar month.
func (s Schedule) Interval() time.Duration {
	switch s {
	case ScheduleDaily:
		return 24 * time.Hour
	case ScheduleWeekly:
		return 7 * 24 * time.Hour
	case ScheduleMonthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

// Outcome is the result of driving a task for one run
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeFailed  Outcome = "failed"
	OutcomeBlocked Outcome = "blocked"
)

// OutcomeForStage maps a terminal stage to the run outcome
func OutcomeForStage(s Stage) Outcome {
	switch s {
	case StageDone:
		return OutcomeDone
	case StageAwaitingHuman:
		return OutcomeBlocked
	}
	return OutcomeFailed
}

// Task represents one issue moving through the pipeline
type Task struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Body  string `json:"-"`

	Priority    Priority `json:"priority"`
	Schedule    Schedule `json:"schedule"`
	NightOnly   bool     `json:"night_only"`
	HumanReview bool     `json:"human_review"`

	Repo            string `json:"repo"`                       // owner/name
	NewRepo         bool   `json:"new_repo"`                   // create the repository before design
	RepoDescription string `json:"repo_description,omitempty"` // used with NewRepo
	PrivateRepo     bool   `json:"private_repo,omitempty"`
	BranchPrefix    string `json:"branch_prefix"`
	Branch          string `json:"branch"`

	DependsOn []int  `json:"depends_on,omitempty"`
	Persona   string `json:"persona,omitempty"`
	Group     string `json:"group,omitempty"`

	Description        string `json:"description"`
	Context            string `json:"context,omitempty"`
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`

	Labels []string `json:"labels,omitempty"`

	// Runtime state, never persisted outside labels and comments
	Stage        Stage  `json:"stage"`
	ReviewCycles int    `json:"-"`
	QACycles     int    `json:"-"`
	PRNumber     int    `json:"-"`
	PRURL        string `json:"-"`
}

// BranchName derives the task branch. It must stay stable across resumptions.
func BranchName(prefix string, id int) string {
	return fmt.Sprintf("%s/%d", prefix, id)
}

// SplitRepo splits an owner/name coordinate
func SplitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository %q: want owner/name", repo)
	}
	return parts[0], parts[1], nil
}

// FullPrompt joins the narrative sections for worker prompts, falling back to
// the raw body when the issue has no recognised sections.
func (t *Task) FullPrompt() string {
	var parts []string
	if t.Description != "" {
		parts = append(parts, "## Task\n"+t.Description)
	}
	if t.Context != "" {
		parts = append(parts, "## Context\n"+t.Context)
	}
	if t.AcceptanceCriteria != "" {
		parts = append(parts, "## Acceptance Criteria\n"+t.AcceptanceCriteria)
	}
	if len(parts) == 0 {
		return t.Body
	}
	return strings.Join(parts, "\n\n")
}

// HasLabel reports whether the task carried a label when it was read
func (t *Task) HasLabel(name string) bool {
	for _, l := range t.Labels {
		if l == name {
			return true
		}
	}
	return false
}
