// Package taskdef parses issue bodies into tasks.
//
// An issue body may start with a YAML header block fenced by "---" lines,
// followed by markdown sections titled Task, Context and Acceptance Criteria.
// Section headers are matched case-insensitively; any other section is ignored.
package taskdef

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// DefaultBranchPrefix is used when neither the header nor the caller sets one
const DefaultBranchPrefix = "claude"

// Options carries defaults applied to fields the header block leaves empty
type Options struct {
	BranchPrefix string
	Priority     types.Priority
	Persona      string
}

// header mirrors the YAML header block
type header struct {
	Repo         string    `yaml:"repo"`
	NewRepo      bool      `yaml:"new_repo"`
	Description  string    `yaml:"description"`
	Private      bool      `yaml:"private"`
	BranchPrefix string    `yaml:"branch_prefix"`
	Priority     string    `yaml:"priority"`
	Schedule     string    `yaml:"schedule"`
	NightOnly    bool      `yaml:"night_only"`
	Persona      string    `yaml:"persona"`
	Group        string    `yaml:"group"`
	DependsOn    issueList `yaml:"depends_on"`
	HumanReview  bool      `yaml:"human_review"`
}

// issueList accepts a single issue number or a list of them. Entries may be
// written as 12 or "#12".
type issueList []int

func (l *issueList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		n, err := parseIssueNumber(node.Value)
		if err != nil {
			return err
		}
		*l = issueList{n}
		return nil
	case yaml.SequenceNode:
		out := make(issueList, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: depends_on entries must be issue numbers", item.Line)
			}
			n, err := parseIssueNumber(item.Value)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		*l = out
		return nil
	}
	return fmt.Errorf("line %d: depends_on must be a number or a list", node.Line)
}

func parseIssueNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid issue reference %q", s)
	}
	return n, nil
}

// Parse builds a task from an issue. The stage is re-derived from the issue
// labels and the branch from the prefix and issue number.
func Parse(issue types.IssueRef, opts Options) (*types.Task, error) {
	meta, content := splitHeader(issue.Body)

	var h header
	if meta != "" {
		if err := yaml.Unmarshal([]byte(meta), &h); err != nil {
			return nil, fmt.Errorf("issue #%d: parsing header block: %w", issue.Number, err)
		}
	}

	task := &types.Task{
		ID:              issue.Number,
		Title:           issue.Title,
		URL:             issue.URL,
		Body:            issue.Body,
		Repo:            strings.TrimSpace(h.Repo),
		NewRepo:         h.NewRepo,
		RepoDescription: h.Description,
		PrivateRepo:     h.Private,
		NightOnly:       h.NightOnly,
		HumanReview:     h.HumanReview,
		DependsOn:       []int(h.DependsOn),
		Group:           h.Group,
		Labels:          append([]string(nil), issue.Labels...),
	}

	if task.Repo != "" {
		if _, _, err := types.SplitRepo(task.Repo); err != nil {
			return nil, fmt.Errorf("issue #%d: %w", issue.Number, err)
		}
	}

	task.Priority = types.Priority(strings.ToLower(strings.TrimSpace(h.Priority)))
	if !task.Priority.IsValid() {
		task.Priority = opts.Priority
		if !task.Priority.IsValid() {
			task.Priority = types.PriorityMedium
		}
	}

	task.Schedule = types.Schedule(strings.ToLower(strings.TrimSpace(h.Schedule)))
	if !task.Schedule.IsValid() {
		task.Schedule = types.ScheduleOnce
	}

	task.Persona = h.Persona
	if task.Persona == "" {
		task.Persona = opts.Persona
	}

	task.BranchPrefix = strings.Trim(strings.TrimSpace(h.BranchPrefix), "/")
	if task.BranchPrefix == "" {
		task.BranchPrefix = opts.BranchPrefix
	}
	if task.BranchPrefix == "" {
		task.BranchPrefix = DefaultBranchPrefix
	}
	task.Branch = types.BranchName(task.BranchPrefix, task.ID)

	// The night-only label is an alternative to the header flag
	if task.HasLabel(types.LabelNightOnly) {
		task.NightOnly = true
	}

	task.Description, task.Context, task.AcceptanceCriteria = parseSections(content)
	task.Stage = types.StageFromLabels(issue.Labels)

	return task, nil
}

// splitHeader separates a leading "---" fenced block from the rest of the body.
// A body without a closed header returns an empty meta string.
func splitHeader(body string) (meta, content string) {
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	trimmed := strings.TrimLeft(normalized, "\ufeff \t\n")
	if !strings.HasPrefix(trimmed, "---\n") {
		return "", normalized
	}

	rest := trimmed[len("---\n"):]
	lines := strings.Split(rest, "\n")
	for i, line := range lines {
		if strings.TrimRight(line, " \t") == "---" {
			return strings.Join(lines[:i], "\n"), strings.Join(lines[i+1:], "\n")
		}
	}
	return "", normalized
}

// parseSections extracts the Task, Context and Acceptance Criteria sections
func parseSections(content string) (task, context, criteria string) {
	sections := map[string]string{}
	current := ""
	var buf []string

	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
	}

	for _, line := range strings.Split(content, "\n") {
		stripped := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(stripped, "## ") {
			flush()
			current = strings.TrimSpace(stripped[3:])
			buf = nil
			continue
		}
		buf = append(buf, line)
	}
	flush()

	return sections["task"], sections["context"], sections["acceptance criteria"]
}
