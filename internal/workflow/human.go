package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/cloud-shuttle/conveyor/internal/modes"
	"github.com/cloud-shuttle/conveyor/internal/recurring"
	"github.com/cloud-shuttle/conveyor/internal/taskdef"
	"github.com/cloud-shuttle/conveyor/pkg/types"
)

var (
	approveKeywords = []string{"approved", "approve", "lgtm", "merge", "looks good", "ship it"}
	changeKeywords  = []string{"changes", "fix", "update", "revise"}
)

// Reply is what a human asked for on a blocked task
type Reply int

const (
	ReplyNone Reply = iota
	ReplyApprove
	ReplyChanges
)

// ClassifyReply matches a comment against the approval and change keywords.
// Approval wins when both appear.
func ClassifyReply(body string) Reply {
	lower := strings.ToLower(body)
	for _, kw := range approveKeywords {
		if strings.Contains(lower, kw) {
			return ReplyApprove
		}
	}
	for _, kw := range changeKeywords {
		if strings.Contains(lower, kw) {
			return ReplyChanges
		}
	}
	return ReplyNone
}

// HumanResponder acts on replies to tasks waiting for a human
type HumanResponder struct {
	issues     IssueStore
	recurrence recurring.Store
	human      string
	parse      taskdef.Options
	logger     *log.Logger
}

// NewHumanResponder creates a responder. An empty human accepts replies
// from any author.
func NewHumanResponder(issues IssueStore, recurrence recurring.Store, human string, parse taskdef.Options, logger *log.Logger) *HumanResponder {
	if logger == nil {
		logger = log.Default()
	}
	return &HumanResponder{
		issues:     issues,
		recurrence: recurrence,
		human:      human,
		parse:      parse,
		logger:     logger.WithPrefix("human"),
	}
}

// Check looks at every blocked task once and returns how many it acted on
func (h *HumanResponder) Check(ctx context.Context) (int, error) {
	blocked, err := h.issues.ListCandidates(ctx, types.LabelClaude, string(types.StageAwaitingHuman))
	if err != nil {
		return 0, fmt.Errorf("listing blocked tasks: %w", err)
	}

	acted := 0
	for _, issue := range blocked {
		ok, err := h.respond(ctx, issue)
		if err != nil {
			h.logger.Warn("handling human reply", "issue", issue.Number, "error", err)
			continue
		}
		if ok {
			acted++
		}
	}
	return acted, nil
}

func (h *HumanResponder) respond(ctx context.Context, issue types.IssueRef) (bool, error) {
	comments, err := h.issues.GetComments(ctx, issue.Number)
	if err != nil {
		return false, err
	}
	if len(comments) == 0 {
		return false, nil
	}

	latest := comments[len(comments)-1]
	if pipelineNote(latest.Body) {
		return false, nil
	}
	if h.human != "" && !strings.EqualFold(latest.Author, h.human) {
		return false, nil
	}

	switch ClassifyReply(latest.Body) {
	case ReplyApprove:
		return true, h.approve(ctx, issue)
	case ReplyChanges:
		return true, h.requestChanges(ctx, issue)
	}
	return false, nil
}

// pipelineNote reports whether a comment was posted by the pipeline itself.
// Escalation notes can contain reply keywords.
func pipelineNote(body string) bool {
	for _, p := range []modes.Persona{modes.ProductOwner, modes.Architect, modes.Developer, modes.QA, modes.System} {
		if strings.HasPrefix(body, p.Header()) {
			return true
		}
	}
	return false
}

func (h *HumanResponder) approve(ctx context.Context, issue types.IssueRef) error {
	task, err := taskdef.Parse(issue, h.parse)
	if err != nil {
		return fmt.Errorf("parsing #%d: %w", issue.Number, err)
	}
	h.logger.Info("human approved", "issue", task.ID)

	note := "⚠️ Could not find a PR to merge."
	cr, err := h.issues.FindChangeRequest(ctx, task.Repo, task.Branch)
	if err != nil {
		h.logger.Warn("looking up pull request", "issue", task.ID, "error", err)
	}
	if cr != nil {
		note = fmt.Sprintf("✅ PR #%d merged.", cr.Number)
		if err := h.issues.MergeChangeRequest(ctx, task.Repo, cr.Number); err != nil {
			h.logger.Warn("merging pull request", "issue", task.ID, "number", cr.Number, "error", err)
			note = fmt.Sprintf("⚠️ Failed to merge PR #%d. Please merge manually.", cr.Number)
		}
	}
	if err := h.issues.PostComment(ctx, task.ID, modes.System.Comment(note)); err != nil {
		return err
	}

	if err := h.issues.SetStageLabel(ctx, task.ID, types.StageDone); err != nil {
		return err
	}
	task.Stage = types.StageDone
	return Complete(ctx, h.issues, h.recurrence, task, h.logger)
}

func (h *HumanResponder) requestChanges(ctx context.Context, issue types.IssueRef) error {
	h.logger.Info("human requested changes", "issue", issue.Number)
	if err := h.issues.PostComment(ctx, issue.Number,
		modes.System.Comment("🔄 Human requested changes. Moving back to **ready** for re-processing.")); err != nil {
		return err
	}
	return h.issues.SetStageLabel(ctx, issue.Number, types.StageReady)
}
