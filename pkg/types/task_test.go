package types

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestStageFromLabels(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   Stage
	}{
		{"no labels", nil, StageTriage},
		{"ready only", []string{"claude", "ready"}, StageTriage},
		{"design", []string{"claude", "design"}, StageDesign},
		{"code review", []string{"code-review", "bug"}, StageCodeReview},
		{"qa", []string{"qa"}, StageQA},
		{"awaiting human", []string{"awaiting-human"}, StageAwaitingHuman},
		{"earlier stage wins", []string{"failed", "development"}, StageDevelopment},
		{"unrelated labels", []string{"enhancement", "night-only"}, StageTriage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StageFromLabels(tt.labels); got != tt.want {
				t.Errorf("StageFromLabels(%v) = %s; want %s", tt.labels, got, tt.want)
			}
		})
	}
}

func TestStage_IsTerminal(t *testing.T) {
	terminal := map[Stage]bool{StageAwaitingHuman: true, StageDone: true, StageFailed: true}
	for _, s := range StageLabels {
		if s.IsTerminal() != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v", s, s.IsTerminal())
		}
	}
}

func TestPriority_Rank(t *testing.T) {
	if !(PriorityHigh.Rank() < PriorityMedium.Rank() && PriorityMedium.Rank() < PriorityLow.Rank()) {
		t.Error("expected high < medium < low")
	}
	if Priority("urgent").Rank() != PriorityMedium.Rank() {
		t.Error("unknown priority should rank as medium")
	}
}

func TestSchedule_Interval(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		schedule Schedule
		want     time.Duration
	}{
		{ScheduleOnce, 0},
		{ScheduleDaily, day},
		{ScheduleWeekly, 7 * day},
		{ScheduleMonthly, 30 * day},
	}
	for _, tt := range tests {
		if got := tt.schedule.Interval(); got != tt.want {
			t.Errorf("%s.Interval() = %v; want %v", tt.schedule, got, tt.want)
		}
	}
}

func TestBranchName_Stable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[a-z][a-z0-9-]{0,10}`).Draw(t, "prefix")
		id := rapid.IntRange(1, 1_000_000).Draw(t, "id")
		a := BranchName(prefix, id)
		b := BranchName(prefix, id)
		if a != b {
			t.Fatalf("branch changed between calls: %q vs %q", a, b)
		}
	})
}

func TestSplitRepo(t *testing.T) {
	owner, name, err := SplitRepo("acme/widgets")
	if err != nil || owner != "acme" || name != "widgets" {
		t.Fatalf("SplitRepo = %q %q %v", owner, name, err)
	}
	for _, bad := range []string{"", "acme", "acme/", "/widgets", "a/b/c"} {
		if _, _, err := SplitRepo(bad); err == nil {
			t.Errorf("SplitRepo(%q) should fail", bad)
		}
	}
}

func TestTask_FullPrompt(t *testing.T) {
	task := &Task{Body: "raw body"}
	if task.FullPrompt() != "raw body" {
		t.Errorf("expected raw body fallback, got %q", task.FullPrompt())
	}

	task.Description = "Add a flag"
	task.AcceptanceCriteria = "- flag works"
	want := "## Task\nAdd a flag\n\n## Acceptance Criteria\n- flag works"
	if got := task.FullPrompt(); got != want {
		t.Errorf("FullPrompt() = %q; want %q", got, want)
	}
}
