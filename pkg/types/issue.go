package types

import "time"

// Non-stage labels understood by the pipeline
const (
	LabelClaude    = "claude"
	LabelNightOnly = "night-only"
	LabelRecurring = "recurring"
)

// IssueRef is an issue as read from the issue store
type IssueRef struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	URL       string    `json:"url"`
	State     string    `json:"state"` // open or closed
	Labels    []string  `json:"labels"`
	CreatedAt time.Time `json:"created_at"`
}

// Comment is one comment on an issue
type Comment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ChangeRequest is a pull request opened for a task branch
type ChangeRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// ChangedFile is a file touched by a change request
type ChangedFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// LabelSpec describes a label that must exist in the task repository
type LabelSpec struct {
	Name        string
	Color       string
	Description string
}

// LabelVocabulary is every label the pipeline reads or writes
var LabelVocabulary = []LabelSpec{
	{LabelClaude, "0e8a16", "Task for the automated pipeline"},
	{string(StageReady), "c5def5", "Ready for pickup"},
	{LabelNightOnly, "1d76db", "Only run during the night window"},
	{LabelRecurring, "5319e7", "Recurring task"},
	{string(StageTriage), "fbca04", "Being triaged"},
	{string(StageDesign), "f9d0c4", "In design"},
	{string(StageDevelopment), "bfd4f2", "In development"},
	{string(StageCodeReview), "d4c5f9", "In code review"},
	{string(StageQA), "c2e0c6", "In QA"},
	{string(StageAwaitingHuman), "e4e669", "Waiting for a human"},
	{string(StageDone), "0e8a16", "Completed"},
	{string(StageFailed), "d73a4a", "Failed"},
}
