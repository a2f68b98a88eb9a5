package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloud-shuttle/conveyor/internal/executor"
	"github.com/cloud-shuttle/conveyor/internal/git"
	"github.com/cloud-shuttle/conveyor/internal/modes"
	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// invoke renders the stage prompt and runs the stage's persona
func (r *run) invoke(ctx context.Context, data modes.StageData, workDir string) (executor.Result, error) {
	stage := r.task.Stage
	persona := modes.PersonaFor(stage)

	data.Task = r.task
	prompt, err := modes.Render(stage, data)
	if err != nil {
		return executor.Result{}, err
	}
	if workDir == "" {
		workDir = r.d.opts.ScratchDir
	}

	return r.d.worker.Invoke(ctx, executor.Request{
		Persona:      persona.String(),
		Prompt:       prompt,
		SystemPrompt: persona.SystemPrompt(),
		WorkDir:      workDir,
		MaxTurns:     modes.MaxTurns(stage),
	}), nil
}

func workerFailure(persona modes.Persona, what string, res executor.Result) error {
	return failf(persona, "%s failed:\n```\n%s\n```", what, modes.Truncate(res.Output, 500))
}

func (r *run) triage(ctx context.Context) (types.Stage, error) {
	discussion, err := r.discussion(ctx)
	if err != nil {
		return "", err
	}

	res, err := r.invoke(ctx, modes.StageData{Discussion: discussion}, "")
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", workerFailure(modes.ProductOwner, "Product Owner triage", res)
	}

	v := modes.ParseTriage(res.Output)
	switch v.Kind {
	case modes.Accepted:
		return types.StageDesign, r.comment(ctx, modes.ProductOwner, "✅ **Requirements Approved**\n\n"+v.Body)
	case modes.Rejected:
		return r.escalate(ctx, modes.ProductOwner, "Requirements need clarification:\n\n"+v.Body)
	}

	r.logger.Warn("triage verdict missing, passing notes to design")
	return types.StageDesign, r.comment(ctx, modes.ProductOwner, "**Triage Notes:**\n\n"+modes.Truncate(res.Output, 2000))
}

// ensureWorktree provisions the task checkout once per run, creating the
// target repository first when the task asks for it
func (r *run) ensureWorktree(ctx context.Context) (string, error) {
	if r.worktree != "" {
		return r.worktree, nil
	}

	path, err := r.provision(ctx)
	if err != nil {
		return "", failf(modes.System, "Failed to set up working environment:\n```\n%s\n```", modes.Truncate(err.Error(), 500))
	}
	r.worktree = path
	return path, nil
}

func (r *run) provision(ctx context.Context) (string, error) {
	issues, task := r.d.issues, r.task

	if task.NewRepo {
		exists, err := issues.RepoExists(ctx, task.Repo)
		if err != nil {
			return "", fmt.Errorf("checking repository %s: %w", task.Repo, err)
		}
		if !exists {
			r.logger.Info("creating repository", "repo", task.Repo)
			if err := issues.CreateRepo(ctx, task.Repo, task.RepoDescription, task.PrivateRepo); err != nil {
				return "", fmt.Errorf("creating repository %s: %w", task.Repo, err)
			}
		}
	}

	base, err := issues.GetDefaultBranch(ctx, task.Repo)
	if err != nil || base == "" {
		r.logger.Warn("default branch unknown, using fallback", "repo", task.Repo, "fallback", r.d.opts.FallbackBranch, "error", err)
		base = r.d.opts.FallbackBranch
	}

	return r.d.workspace.EnsureWorktree(ctx, task.Repo, task.Branch, base, task.ID)
}

func (r *run) design(ctx context.Context) (types.Stage, error) {
	path, err := r.ensureWorktree(ctx)
	if err != nil {
		return "", err
	}
	discussion, err := r.discussion(ctx)
	if err != nil {
		return "", err
	}

	res, err := r.invoke(ctx, modes.StageData{
		Discussion: discussion,
		Tree:       git.TreeSummary(path, r.d.opts.TreeDepth),
	}, path)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", workerFailure(modes.Architect, "Architecture design", res)
	}

	plan := modes.ExtractDesignPlan(res.Output)
	return types.StageDevelopment, r.comment(ctx, modes.Architect, "📐 **Implementation Plan**\n\n"+modes.Truncate(plan, 3000))
}

func (r *run) development(ctx context.Context) (types.Stage, error) {
	task := r.task
	path, err := r.ensureWorktree(ctx)
	if err != nil {
		return "", err
	}
	discussion, err := r.discussion(ctx)
	if err != nil {
		return "", err
	}

	revision := task.ReviewCycles > 0 || task.QACycles > 0
	res, err := r.invoke(ctx, modes.StageData{Discussion: discussion, Revision: revision}, path)
	if err != nil {
		return "", err
	}
	if !res.Success {
		what := "Development implementation"
		if revision {
			what = "Development revision"
		}
		return "", workerFailure(modes.Developer, what, res)
	}

	kind := "feat"
	if revision {
		kind = "fix"
	}
	changed, err := r.d.workspace.CommitAndPush(ctx, path, fmt.Sprintf("%s: %s (#%d)", kind, task.Title, task.ID))
	if err != nil {
		return "", failf(modes.Developer, "Pushing changes failed:\n```\n%s\n```", modes.Truncate(err.Error(), 500))
	}

	heading := "🚀 **Implementation pushed**"
	switch {
	case !changed && !revision:
		return "", failf(modes.Developer, "Developer produced no changes to the codebase.")
	case !changed:
		heading = "No additional changes needed based on review feedback."
	case revision:
		heading = "🔧 **Revision pushed**"
	}
	if err := r.comment(ctx, modes.Developer, heading+"\n\n"+modes.Summary(res.Output, 1500)); err != nil {
		return "", err
	}

	if err := r.ensureChangeRequest(ctx); err != nil {
		return "", err
	}
	return types.StageCodeReview, nil
}

// ensureChangeRequest reuses an open change request for the task branch or
// opens one
func (r *run) ensureChangeRequest(ctx context.Context) error {
	task := r.task
	if task.PRNumber != 0 {
		return nil
	}

	found, err := r.findChangeRequest(ctx)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	base, err := r.d.issues.GetDefaultBranch(ctx, task.Repo)
	if err != nil || base == "" {
		base = r.d.opts.FallbackBranch
	}

	body := fmt.Sprintf("## Task #%d\n\n**Task:** %s\n\n"+
		"This change request was opened by conveyor.\n"+
		"See the [task issue](%s) for full context and discussion.", task.ID, task.Title, task.URL)
	cr, err := r.d.issues.OpenChangeRequest(ctx, task.Repo, task.Branch, base, fmt.Sprintf("%s (#%d)", task.Title, task.ID), body)
	if err != nil {
		return failf(modes.Developer, "Failed to open a pull request:\n```\n%s\n```", modes.Truncate(err.Error(), 500))
	}

	task.PRNumber, task.PRURL = cr.Number, cr.URL
	r.logger.Info("opened change request", "number", cr.Number, "url", cr.URL)
	return r.comment(ctx, modes.Developer, "📬 **PR opened:** "+cr.URL)
}

func (r *run) findChangeRequest(ctx context.Context) (bool, error) {
	cr, err := r.d.issues.FindChangeRequest(ctx, r.task.Repo, r.task.Branch)
	if err != nil {
		return false, fmt.Errorf("looking up pull request for %s: %w", r.task.Branch, err)
	}
	if cr == nil {
		return false, nil
	}
	r.task.PRNumber, r.task.PRURL = cr.Number, cr.URL
	return true, nil
}

func (r *run) prReference() string {
	if r.task.PRURL != "" {
		return r.task.PRURL
	}
	return fmt.Sprintf("#%d", r.task.PRNumber)
}

func (r *run) requireChangeRequest(ctx context.Context, persona modes.Persona) error {
	if r.task.PRNumber != 0 {
		return nil
	}
	found, err := r.findChangeRequest(ctx)
	if err != nil {
		return err
	}
	if !found {
		return failf(persona, "Cannot find a pull request for branch `%s`.", r.task.Branch)
	}
	return nil
}

func (r *run) codeReview(ctx context.Context) (types.Stage, error) {
	task := r.task
	if err := r.requireChangeRequest(ctx, modes.System); err != nil {
		return "", err
	}

	diff, err := r.d.issues.GetChangeRequestDiff(ctx, task.Repo, task.PRNumber)
	if err != nil || strings.TrimSpace(diff) == "" {
		r.logger.Warn("pull request diff unavailable", "number", task.PRNumber, "error", err)
		return "", failf(modes.Architect, "Could not retrieve PR diff for review.")
	}
	discussion, err := r.discussion(ctx)
	if err != nil {
		return "", err
	}

	res, err := r.invoke(ctx, modes.StageData{Discussion: discussion, Diff: diff}, r.worktree)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", workerFailure(modes.Architect, "Code review", res)
	}

	v := modes.ParseReview(res.Output)
	if v.Kind == modes.Accepted {
		if err := r.comment(ctx, modes.Architect, "✅ **Code Review: Approved**\n\n"+modes.Truncate(v.Body, 2000)); err != nil {
			return "", err
		}
		if r.d.opts.QAEnabled {
			return types.StageQA, nil
		}
		return r.escalate(ctx, modes.Architect, "Code review passed. PR is ready for your review.\n\n**PR:** "+r.prReference())
	}

	// Missing verdicts count as a review cycle so they cannot loop forever
	task.ReviewCycles++
	limit := r.d.opts.MaxReviewCycles
	if v.Kind == modes.Ambiguous {
		r.logger.Warn("review verdict missing, treating as changes required", "cycle", task.ReviewCycles)
	}
	if task.ReviewCycles >= limit {
		return r.escalate(ctx, modes.Architect, fmt.Sprintf(
			"Code review has gone through %d cycles without resolution. Latest feedback:\n\n%s",
			task.ReviewCycles, modes.Truncate(v.Body, 1500)))
	}

	note := fmt.Sprintf("🔄 **Code Review: Changes Required** (cycle %d/%d)\n\n%s", task.ReviewCycles, limit, modes.Truncate(v.Body, 2000))
	if v.Kind == modes.Ambiguous {
		note = "**Review Notes:**\n\n" + modes.Truncate(res.Output, 2000)
	}
	return types.StageDevelopment, r.comment(ctx, modes.Architect, note)
}

func (r *run) qa(ctx context.Context) (types.Stage, error) {
	task := r.task
	if err := r.requireChangeRequest(ctx, modes.QA); err != nil {
		return "", err
	}
	path, err := r.ensureWorktree(ctx)
	if err != nil {
		return "", err
	}

	var results string
	if r.d.tests != nil {
		results = r.d.tests.Run(ctx, path)
	}

	diff, err := r.d.issues.GetChangeRequestDiff(ctx, task.Repo, task.PRNumber)
	if err != nil || strings.TrimSpace(diff) == "" {
		r.logger.Warn("pull request diff unavailable", "number", task.PRNumber, "error", err)
		return "", failf(modes.QA, "Could not retrieve PR diff for QA.")
	}
	files, err := r.d.issues.GetChangeRequestFiles(ctx, task.Repo, task.PRNumber)
	if err != nil {
		r.logger.Warn("listing changed files", "number", task.PRNumber, "error", err)
	}
	discussion, err := r.discussion(ctx)
	if err != nil {
		return "", err
	}

	res, err := r.invoke(ctx, modes.StageData{
		Discussion:  discussion,
		Diff:        diff,
		Files:       files,
		TestResults: results,
	}, path)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", workerFailure(modes.QA, "QA validation", res)
	}

	v := modes.ParseQA(res.Output)
	switch v.Kind {
	case modes.Accepted:
		if err := r.comment(ctx, modes.QA, "✅ **QA: Passed**\n\n"+modes.Truncate(v.Body, 1500)); err != nil {
			return "", err
		}
		return r.merge(ctx)

	case modes.Rejected:
		task.QACycles++
		limit := r.d.opts.MaxQACycles
		if task.QACycles >= limit {
			return r.escalate(ctx, modes.QA, fmt.Sprintf(
				"QA has rejected this %d times. Latest issues:\n\n%s", task.QACycles, modes.Truncate(v.Body, 1500)))
		}
		return types.StageDevelopment, r.comment(ctx, modes.QA,
			fmt.Sprintf("❌ **QA: Failed** (cycle %d/%d)\n\n%s", task.QACycles, limit, modes.Truncate(v.Body, 2000)))
	}

	r.logger.Warn("qa verdict missing, returning to code review")
	return types.StageCodeReview, r.comment(ctx, modes.QA, "**QA Notes:**\n\n"+modes.Truncate(res.Output, 2000))
}

// merge is the gate after QA passes
func (r *run) merge(ctx context.Context) (types.Stage, error) {
	task := r.task
	if task.HumanReview || !r.d.opts.AutoMerge {
		return r.escalate(ctx, modes.QA, "This task requires human review before merge. PR: "+r.prReference())
	}

	if err := r.d.issues.MergeChangeRequest(ctx, task.Repo, task.PRNumber); err != nil {
		return "", failf(modes.QA, "Failed to merge PR #%d:\n```\n%s\n```", task.PRNumber, modes.Truncate(err.Error(), 500))
	}
	r.logger.Info("merged change request", "number", task.PRNumber)
	return types.StageDone, r.comment(ctx, modes.QA, fmt.Sprintf("🎉 **Merged!** PR #%d has been merged.", task.PRNumber))
}
