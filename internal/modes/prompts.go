package modes

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/cloud-shuttle/conveyor/pkg/types"
)

const (
	// MaxDiffChars caps the diff embedded in review and QA prompts
	MaxDiffChars = 10000
	// MaxChangedFiles caps the changed-file summary in QA prompts
	MaxChangedFiles = 30
)

// DefaultProductOwnerPrompt returns the system prompt for triage
func DefaultProductOwnerPrompt() string {
	return "You are an experienced Product Owner. Your job is to triage incoming tasks and ensure they are well-defined before development begins.\n\n" +
		"Your responsibilities:\n" +
		"1. Read the task description, context, and acceptance criteria\n" +
		"2. Determine if the requirements are clear, specific, and actionable\n" +
		"3. If requirements are clear: produce a refined summary with clear deliverables\n" +
		"4. If requirements are unclear: list specific questions that need answering\n\n" +
		"When producing your output:\n" +
		"- Be concise and structured\n" +
		"- List clear, testable acceptance criteria\n" +
		"- Identify any risks or edge cases\n" +
		"- Note any dependencies on other systems or tasks\n" +
		"- If the task is large, suggest breaking it into smaller tasks\n" +
		"- Be pragmatic. For simple, well-defined tasks, approve them without over-analysing\n" +
		"- Don't block on trivial ambiguities like encoding, trailing newlines, or minor formatting details\n" +
		"- If the intent is clear, approve it and note any minor assumptions in your summary\n\n" +
		"Output format:\n" +
		"If the task is READY for development, output:\n" +
		"VERDICT: READY\n" +
		"Then provide your refined requirements summary.\n\n" +
		"If the task NEEDS CLARIFICATION, output:\n" +
		"VERDICT: NEEDS_CLARIFICATION\n" +
		"Then list your specific questions.\n\n" +
		"Do not write any code. Focus only on requirements clarity."
}

// DefaultArchitectPrompt returns the system prompt for design and code review
func DefaultArchitectPrompt() string {
	return "You are a senior software architect. You have two modes of operation:\n\n" +
		"MODE 1 - DESIGN:\n" +
		"When given a task to design, you:\n" +
		"1. Analyze the requirements and the existing codebase structure\n" +
		"2. Produce a clear, actionable implementation plan\n" +
		"3. Specify which files to create, modify, or delete\n" +
		"4. Define the approach, patterns, and conventions to follow\n" +
		"5. Note any risks, trade-offs, or prerequisites\n\n" +
		"Your design output should be specific enough that a developer can implement it without ambiguity.\n\n" +
		"Output format for design:\n" +
		"DESIGN_PLAN:\n" +
		"Then provide your structured plan.\n\n" +
		"MODE 2 - CODE REVIEW:\n" +
		"When reviewing a pull request diff, you:\n" +
		"1. Check the code against the original requirements and design plan\n" +
		"2. Verify correctness, readability, and maintainability\n" +
		"3. Check for bugs, security issues, and edge cases\n" +
		"4. Verify tests are adequate\n" +
		"5. Ensure conventions and patterns are followed\n\n" +
		"Output format for code review:\n" +
		"If the code is APPROVED:\n" +
		"REVIEW_VERDICT: APPROVED\n" +
		"Then provide any minor notes.\n\n" +
		"If changes are REQUIRED:\n" +
		"REVIEW_VERDICT: CHANGES_REQUIRED\n" +
		"Then list specific, actionable changes needed.\n\n" +
		"Be thorough but pragmatic. Don't block on style nitpicks."
}

// DefaultDeveloperPrompt returns the system prompt for development
func DefaultDeveloperPrompt() string {
	return "You are an expert software developer. You write clean, well-tested, production-quality code.\n\n" +
		"Your responsibilities:\n" +
		"1. Follow the architect's implementation plan exactly\n" +
		"2. Write clean, readable code following project conventions\n" +
		"3. Write or update tests for your changes\n" +
		"4. Handle edge cases and error conditions\n" +
		"5. Ensure the code builds and tests pass\n\n" +
		"Guidelines:\n" +
		"- Follow existing project conventions and patterns\n" +
		"- Don't introduce unnecessary dependencies\n" +
		"- Add comments for complex logic only\n" +
		"- Make sure all tests pass before considering the work done\n" +
		"- If tests exist, run them. If no test framework is set up, note it but don't block on it.\n\n" +
		"If you encounter a blocker that prevents completion, clearly describe what's blocking you."
}

// DefaultQAPrompt returns the system prompt for QA validation
func DefaultQAPrompt() string {
	return "You are a thorough QA engineer. Your job is to validate that implemented work meets the requirements.\n\n" +
		"Your responsibilities:\n" +
		"1. Verify every acceptance criterion is met\n" +
		"2. Check for obvious bugs, regressions, or missing functionality\n" +
		"3. Verify tests exist and are meaningful\n" +
		"4. Check for security issues, error handling, and edge cases\n" +
		"5. Validate the PR diff makes sense as a coherent change\n\n" +
		"You are the last gate before code is merged. Be thorough but fair.\n\n" +
		"Output format:\n" +
		"If the work PASSES QA:\n" +
		"QA_VERDICT: PASS\n" +
		"Then note what was verified.\n\n" +
		"If the work FAILS QA:\n" +
		"QA_VERDICT: FAIL\n" +
		"Then list specific, actionable issues that must be fixed.\n\n" +
		"Be specific. Reference file names and line numbers where possible."
}

const triageTemplate = "# Task Triage: {{.Task.Title}}\n\n" +
	"## Issue #{{.Task.ID}}\n" +
	"**Target Repo:** {{.Task.Repo}}\n" +
	"**New Repo:** {{.Task.NewRepo}}\n" +
	"**Priority:** {{.Task.Priority}}\n" +
	"{{if .Task.Description}}\n## Task Description\n{{.Task.Description}}\n{{end}}" +
	"{{if .Task.Context}}\n## Context\n{{.Task.Context}}\n{{end}}" +
	"{{if .Task.AcceptanceCriteria}}\n## Acceptance Criteria\n{{.Task.AcceptanceCriteria}}\n{{end}}" +
	"{{if .Discussion}}\n## Previous Discussion\n{{.Discussion}}\n{{end}}" +
	"\n## Your Task\n" +
	"Review the above and determine if the requirements are clear enough " +
	"for an architect to design a solution and a developer to implement it. " +
	"Output your VERDICT and analysis."

const designTemplate = "# Architecture Design: {{.Task.Title}}\n\n" +
	"## Issue #{{.Task.ID}}\n" +
	"**Target Repo:** {{.Task.Repo}}\n" +
	"**New Repo:** {{.Task.NewRepo}}\n" +
	"{{if .Discussion}}\n## Requirements & Discussion\n{{.Discussion}}\n{{end}}" +
	"{{with .Task.FullPrompt}}\n## Original Task\n{{.}}\n{{end}}" +
	"{{if .Tree}}\n## Codebase Structure\n```\n{{truncate .Tree 2000}}\n```\n{{end}}" +
	"\n## Your Task\n" +
	"Review the codebase and requirements. Produce a detailed " +
	"implementation plan that a developer can follow. " +
	"Be specific about files, functions, and patterns.\n" +
	"Output DESIGN_PLAN: followed by your plan."

const developmentTemplate = "# {{if .Revision}}Revision{{else}}Implementation{{end}}: {{.Task.Title}}\n" +
	"{{if .Revision}}\n**IMPORTANT:** This is a revision based on review feedback. " +
	"Read the review comments carefully and address ALL requested changes. " +
	"Focus only on what was asked. Don't refactor unrelated code.\n{{end}}" +
	"\n## Issue #{{.Task.ID}}\n" +
	"{{with .Task.FullPrompt}}\n## Original Task\n{{.}}\n{{end}}" +
	"{{if .Discussion}}\n## Conversation History (includes design plan and review feedback)\n{{truncate .Discussion 4000}}\n{{end}}" +
	"\n## Instructions\n" +
	"You are working in a git worktree. Make all necessary code changes " +
	"to implement the task. Follow the architect's plan. " +
	"Run tests if they exist. Do not commit; commits are handled externally.\n\n" +
	"Focus on:\n" +
	"- Writing clean, working code\n" +
	"- Following project conventions\n" +
	"- Writing/updating tests\n" +
	"- Handling edge cases"

const reviewTemplate = "# Code Review: {{.Task.Title}}\n\n" +
	"## Issue #{{.Task.ID}}, PR #{{.Task.PRNumber}}\n" +
	"{{if .Task.AcceptanceCriteria}}\n## Acceptance Criteria\n{{.Task.AcceptanceCriteria}}\n{{end}}" +
	"{{if .Discussion}}\n## Design Plan & Discussion\n{{truncate .Discussion 3000}}\n{{end}}" +
	"\n## Pull Request Diff\n```diff\n{{clipDiff .Diff}}\n```\n" +
	"\n## Your Task\n" +
	"Review this pull request against the requirements and design plan. " +
	"Check for correctness, bugs, security issues, and test coverage.\n" +
	"Output REVIEW_VERDICT: APPROVED or REVIEW_VERDICT: CHANGES_REQUIRED " +
	"followed by your notes."

const qaTemplate = "# QA Validation: {{.Task.Title}}\n\n" +
	"## Issue #{{.Task.ID}}, PR #{{.Task.PRNumber}}\n" +
	"{{if .Task.AcceptanceCriteria}}\n## Acceptance Criteria\n{{.Task.AcceptanceCriteria}}\n{{end}}" +
	"{{if .Discussion}}\n## Discussion & History\n{{truncate .Discussion 2000}}\n{{end}}" +
	"{{if .TestResults}}\n## Test Results\n{{.TestResults}}\n{{end}}" +
	"\n## Files Changed\n{{fileSummary .Files}}\n" +
	"\n## Diff\n```diff\n{{clipDiff .Diff}}\n```\n" +
	"\n## Your Task\n" +
	"Validate this PR against the acceptance criteria. " +
	"Check for bugs, security issues, missing tests, and edge cases. " +
	"Output QA_VERDICT: PASS or QA_VERDICT: FAIL followed by your notes."

// StageData is everything a stage prompt may embed
type StageData struct {
	Task        *types.Task
	Discussion  string
	Tree        string
	Diff        string
	Files       []types.ChangedFile
	TestResults string
	Revision    bool
}

var funcs = template.FuncMap{
	"truncate":    Truncate,
	"clipDiff":    func(diff string) string { return ClipDiff(diff, MaxDiffChars) },
	"fileSummary": FileSummary,
}

var stageTemplates = map[types.Stage]*template.Template{
	types.StageTriage:      template.Must(template.New("triage").Funcs(funcs).Parse(triageTemplate)),
	types.StageDesign:      template.Must(template.New("design").Funcs(funcs).Parse(designTemplate)),
	types.StageDevelopment: template.Must(template.New("development").Funcs(funcs).Parse(developmentTemplate)),
	types.StageCodeReview:  template.Must(template.New("code-review").Funcs(funcs).Parse(reviewTemplate)),
	types.StageQA:          template.Must(template.New("qa").Funcs(funcs).Parse(qaTemplate)),
}

// Render builds the worker prompt for a stage
func Render(stage types.Stage, data StageData) (string, error) {
	tmpl, ok := stageTemplates[stage]
	if !ok {
		return "", fmt.Errorf("no prompt for stage %q", stage)
	}
	if data.Task == nil {
		return "", fmt.Errorf("rendering %s prompt: nil task", stage)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", stage, err)
	}
	return b.String(), nil
}

// PersonaFor returns the persona that works a stage
func PersonaFor(stage types.Stage) Persona {
	switch stage {
	case types.StageTriage:
		return ProductOwner
	case types.StageDesign, types.StageCodeReview:
		return Architect
	case types.StageDevelopment:
		return Developer
	case types.StageQA:
		return QA
	}
	return System
}

// Turn budgets per stage. Zero means the worker's configured default.
var stageTurns = map[types.Stage]int{
	types.StageTriage:     5,
	types.StageDesign:     10,
	types.StageCodeReview: 5,
	types.StageQA:         10,
}

// MaxTurns returns the turn budget for a stage, or 0 for the default
func MaxTurns(stage types.Stage) int {
	return stageTurns[stage]
}
