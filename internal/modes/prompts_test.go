package modes

import (
	"strings"
	"testing"

	"github.com/cloud-shuttle/conveyor/pkg/types"
)

func sampleTask() *types.Task {
	return &types.Task{
		ID:                 42,
		Title:              "Add health endpoint",
		Repo:               "acme/api",
		Priority:           types.PriorityHigh,
		Description:        "Expose GET /healthz",
		Context:            "Used by the load balancer",
		AcceptanceCriteria: "- returns 200",
		PRNumber:           7,
	}
}

func TestRenderTriage(t *testing.T) {
	prompt, err := Render(types.StageTriage, StageData{Task: sampleTask(), Discussion: "**alice:**\nplease hurry"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	required := []string{
		"# Task Triage: Add health endpoint",
		"## Issue #42",
		"**Target Repo:** acme/api",
		"**New Repo:** false",
		"**Priority:** high",
		"## Task Description\nExpose GET /healthz",
		"## Context\nUsed by the load balancer",
		"## Acceptance Criteria\n- returns 200",
		"## Previous Discussion\n**alice:**\nplease hurry",
		"Output your VERDICT and analysis.",
	}
	for _, s := range required {
		if !strings.Contains(prompt, s) {
			t.Errorf("triage prompt should contain %q\n%s", s, prompt)
		}
	}
}

func TestRenderTriage_OmitsEmptySections(t *testing.T) {
	prompt, err := Render(types.StageTriage, StageData{Task: &types.Task{ID: 1, Title: "t"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"## Context", "## Acceptance Criteria", "## Previous Discussion"} {
		if strings.Contains(prompt, s) {
			t.Errorf("unexpected section %q", s)
		}
	}
}

func TestRenderDesign_TruncatesTree(t *testing.T) {
	tree := strings.Repeat("x", 2500)
	prompt, err := Render(types.StageDesign, StageData{Task: sampleTask(), Tree: tree})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt, "```\n"+strings.Repeat("x", 2000)+"\n```") {
		t.Error("tree should be truncated to 2000 characters")
	}
	if !strings.Contains(prompt, "## Original Task\n## Task\nExpose GET /healthz") {
		t.Errorf("design prompt should embed the full task\n%s", prompt)
	}
}

func TestRenderDevelopment(t *testing.T) {
	first, err := Render(types.StageDevelopment, StageData{Task: sampleTask()})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(first, "# Implementation: Add health endpoint") {
		t.Errorf("unexpected heading: %q", strings.SplitN(first, "\n", 2)[0])
	}
	if strings.Contains(first, "**IMPORTANT:**") {
		t.Error("first pass should not carry the revision notice")
	}

	revision, err := Render(types.StageDevelopment, StageData{Task: sampleTask(), Revision: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(revision, "# Revision: Add health endpoint") || !strings.Contains(revision, "**IMPORTANT:**") {
		t.Errorf("revision prompt missing revision framing\n%s", revision)
	}
	if !strings.Contains(revision, "Do not commit") {
		t.Error("development prompt must forbid committing")
	}
}

func TestRenderReview_ClipsDiff(t *testing.T) {
	diff := strings.Repeat("d", MaxDiffChars+5)
	prompt, err := Render(types.StageCodeReview, StageData{Task: sampleTask(), Diff: diff})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt, "## Issue #42, PR #7") {
		t.Error("review prompt should name the issue and change request")
	}
	if !strings.Contains(prompt, "(diff truncated, 5 chars omitted)") {
		t.Error("review prompt should note the omitted diff")
	}
}

func TestRenderQA(t *testing.T) {
	files := []types.ChangedFile{{Filename: "main.go", Additions: 3, Deletions: 1}}
	prompt, err := Render(types.StageQA, StageData{
		Task:        sampleTask(),
		Diff:        "+x",
		Files:       files,
		TestResults: "**go test**: ✅ PASSED",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"## Files Changed\n- `main.go` (+3/-1)", "## Test Results\n**go test**", "QA_VERDICT: PASS"} {
		if !strings.Contains(prompt, s) {
			t.Errorf("qa prompt should contain %q", s)
		}
	}
}

func TestRenderErrors(t *testing.T) {
	if _, err := Render(types.StageDone, StageData{Task: sampleTask()}); err == nil {
		t.Error("expected error for a stage without a prompt")
	}
	if _, err := Render(types.StageTriage, StageData{}); err == nil {
		t.Error("expected error for a nil task")
	}
}

func TestPersonaFor(t *testing.T) {
	tests := []struct {
		stage types.Stage
		want  Persona
	}{
		{types.StageTriage, ProductOwner},
		{types.StageDesign, Architect},
		{types.StageDevelopment, Developer},
		{types.StageCodeReview, Architect},
		{types.StageQA, QA},
		{types.StageFailed, System},
	}
	for _, tt := range tests {
		if got := PersonaFor(tt.stage); got != tt.want {
			t.Errorf("PersonaFor(%s) = %s, want %s", tt.stage, got, tt.want)
		}
	}
}

func TestMaxTurns(t *testing.T) {
	if MaxTurns(types.StageTriage) != 5 || MaxTurns(types.StageDesign) != 10 {
		t.Error("unexpected turn budgets")
	}
	if MaxTurns(types.StageDevelopment) != 0 {
		t.Error("development should use the worker default")
	}
}
