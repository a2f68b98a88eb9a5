package modes

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// VerdictKind classifies a worker's answer
type VerdictKind int

const (
	// Ambiguous means neither marker was found
	Ambiguous VerdictKind = iota
	// Accepted is READY, APPROVED or PASS
	Accepted
	// Rejected is NEEDS_CLARIFICATION, CHANGES_REQUIRED or FAIL
	Rejected
)

func (k VerdictKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return "ambiguous"
}

// Verdict is a parsed worker answer. Body is the text following the marker,
// or the whole output when the verdict is ambiguous.
type Verdict struct {
	Kind VerdictKind
	Body string
}

// Verdict markers written by the personas
const (
	MarkerReady              = "VERDICT: READY"
	MarkerNeedsClarification = "VERDICT: NEEDS_CLARIFICATION"
	MarkerApproved           = "REVIEW_VERDICT: APPROVED"
	MarkerChangesRequired    = "REVIEW_VERDICT: CHANGES_REQUIRED"
	MarkerPass               = "QA_VERDICT: PASS"
	MarkerFail               = "QA_VERDICT: FAIL"
	MarkerDesignPlan         = "DESIGN_PLAN:"
)

// ParseTriage reads a product owner answer
func ParseTriage(output string) Verdict {
	return parse(output, MarkerReady, MarkerNeedsClarification)
}

// ParseReview reads an architect code review
func ParseReview(output string) Verdict {
	return parse(output, MarkerApproved, MarkerChangesRequired)
}

// ParseQA reads a QA answer
func ParseQA(output string) Verdict {
	return parse(output, MarkerPass, MarkerFail)
}

// The accept marker wins when both appear
func parse(output, accept, reject string) Verdict {
	if body, ok := after(output, accept); ok {
		return Verdict{Kind: Accepted, Body: body}
	}
	if body, ok := after(output, reject); ok {
		return Verdict{Kind: Rejected, Body: body}
	}
	return Verdict{Kind: Ambiguous, Body: output}
}

func after(output, marker string) (string, bool) {
	_, rest, found := strings.Cut(output, marker)
	if !found {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// ExtractDesignPlan returns the text after DESIGN_PLAN:, or the whole
// trimmed output when the marker is missing
func ExtractDesignPlan(output string) string {
	if plan, ok := after(output, MarkerDesignPlan); ok {
		return plan
	}
	return strings.TrimSpace(output)
}

// Truncate returns at most n characters of s
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// ClipDiff truncates a diff and notes how much was left out
func ClipDiff(diff string, max int) string {
	total := utf8.RuneCountInString(diff)
	if total <= max {
		return diff
	}
	return Truncate(diff, max) + fmt.Sprintf("\n\n... (diff truncated, %d chars omitted)", total-max)
}

// Summary returns the tail of a worker's output, where agents usually
// summarise what they did. A cut inside the first line of the tail is moved
// to the next line break.
func Summary(output string, max int) string {
	total := utf8.RuneCountInString(output)
	if total <= max {
		return output
	}
	runes := []rune(output)
	tail := string(runes[total-max:])
	if nl := strings.IndexByte(tail, '\n'); nl > 0 && nl < 200 {
		tail = tail[nl+1:]
	}
	return "...\n" + tail
}

// FileSummary lists changed files with their line counts
func FileSummary(files []types.ChangedFile) string {
	if len(files) > MaxChangedFiles {
		files = files[:MaxChangedFiles]
	}
	lines := make([]string, 0, len(files))
	for _, f := range files {
		lines = append(lines, fmt.Sprintf("- `%s` (+%d/-%d)", f.Filename, f.Additions, f.Deletions))
	}
	return strings.Join(lines, "\n")
}

// Discussion joins an issue's comments into the shared history every
// persona reads
func Discussion(comments []types.Comment) string {
	parts := make([]string, 0, len(comments))
	for _, c := range comments {
		author := c.Author
		if author == "" {
			author = "unknown"
		}
		parts = append(parts, fmt.Sprintf("**%s:**\n%s", author, c.Body))
	}
	return strings.Join(parts, "\n\n---\n\n")
}
