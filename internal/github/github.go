// Package github binds the issue store to the GitHub REST API: task issues,
// their labels and comments, and the pull requests opened for task branches.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	gh "github.com/google/go-github/v66/github"

	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// Options configures a Client
type Options struct {
	Token string
	// TaskRepo holds the task issues, as owner/name
	TaskRepo string
	// Human is mentioned when a task needs a person; may be empty
	Human string
	// APIURL overrides the API endpoint, for GitHub Enterprise or tests
	APIURL      string
	MergeMethod string
	// RequestTimeout bounds every API call
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *log.Logger
}

// Client implements the workflow issue store on GitHub
type Client struct {
	gh          *gh.Client
	owner, repo string
	human       string
	mergeMethod string
	timeout     time.Duration
	logger      *log.Logger
}

// New creates a client for the task repository
func New(opts Options) (*Client, error) {
	owner, repo, err := types.SplitRepo(opts.TaskRepo)
	if err != nil {
		return nil, err
	}

	client := gh.NewClient(opts.HTTPClient)
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.APIURL != "" {
		base, err := url.Parse(strings.TrimSuffix(opts.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing api url: %w", err)
		}
		client.BaseURL = base
	}

	if opts.MergeMethod == "" {
		opts.MergeMethod = "squash"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Client{
		gh:          client,
		owner:       owner,
		repo:        repo,
		human:       opts.Human,
		mergeMethod: opts.MergeMethod,
		timeout:     opts.RequestTimeout,
		logger:      opts.Logger.WithPrefix("github"),
	}, nil
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func isNotFound(err error) bool {
	var ghErr *gh.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}

// ListCandidates returns open issues carrying every label, oldest first.
// Pull requests are skipped.
func (c *Client) ListCandidates(ctx context.Context, labels ...string) ([]types.IssueRef, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		Labels:      labels,
		Sort:        "created",
		Direction:   "asc",
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var out []types.IssueRef
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing issues %v: %w", labels, err)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			out = append(out, issueRef(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func issueRef(issue *gh.Issue) types.IssueRef {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return types.IssueRef{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		URL:       issue.GetHTMLURL(),
		State:     issue.GetState(),
		Labels:    labels,
		CreatedAt: issue.GetCreatedAt().Time,
	}
}

// GetIssue reads one issue with its current labels
func (c *Client) GetIssue(ctx context.Context, number int) (*types.IssueRef, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	issue, _, err := c.gh.Issues.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, fmt.Errorf("getting issue #%d: %w", number, err)
	}
	ref := issueRef(issue)
	return &ref, nil
}

// IsClosed reports whether an issue is closed
func (c *Client) IsClosed(ctx context.Context, number int) (bool, error) {
	issue, err := c.GetIssue(ctx, number)
	if err != nil {
		return false, err
	}
	return issue.State == "closed", nil
}

// GetComments returns every comment on an issue, oldest first
func (c *Client) GetComments(ctx context.Context, number int) ([]types.Comment, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	opts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	var out []types.Comment
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing comments of #%d: %w", number, err)
		}
		for _, cm := range comments {
			out = append(out, types.Comment{
				ID:        cm.GetID(),
				Author:    cm.GetUser().GetLogin(),
				Body:      cm.GetBody(),
				CreatedAt: cm.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// PostComment adds a comment to an issue
func (c *Client) PostComment(ctx context.Context, number int, body string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if _, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &gh.IssueComment{Body: gh.String(body)}); err != nil {
		return fmt.Errorf("commenting on #%d: %w", number, err)
	}
	return nil
}

// SetStageLabel replaces whatever stage label the issue carries with stage
// in a single write. Other labels are kept.
func (c *Client) SetStageLabel(ctx context.Context, number int, stage types.Stage) error {
	issue, err := c.GetIssue(ctx, number)
	if err != nil {
		return err
	}

	labels := []string{string(stage)}
	for _, l := range issue.Labels {
		if !types.IsStageLabel(l) {
			labels = append(labels, l)
		}
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()
	if _, _, err := c.gh.Issues.ReplaceLabelsForIssue(ctx, c.owner, c.repo, number, labels); err != nil {
		return fmt.Errorf("setting stage %s on #%d: %w", stage, number, err)
	}
	c.logger.Debug("stage label set", "issue", number, "stage", stage)
	return nil
}

// AddLabel adds a label to an issue
func (c *Client) AddLabel(ctx context.Context, number int, label string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if _, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, []string{label}); err != nil {
		return fmt.Errorf("adding label %s to #%d: %w", label, number, err)
	}
	return nil
}

// RemoveLabel removes a label. A label the issue does not carry is ignored.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if _, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, number, label); err != nil && !isNotFound(err) {
		return fmt.Errorf("removing label %s from #%d: %w", label, number, err)
	}
	return nil
}

// CloseIssue closes an issue
func (c *Client) CloseIssue(ctx context.Context, number int) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if _, _, err := c.gh.Issues.Edit(ctx, c.owner, c.repo, number, &gh.IssueRequest{State: gh.String("closed")}); err != nil {
		return fmt.Errorf("closing #%d: %w", number, err)
	}
	return nil
}

// TagHuman posts a note asking the configured human for input
func (c *Client) TagHuman(ctx context.Context, number int, header, reason string) error {
	mention := "Human input needed."
	if c.human != "" {
		mention = "@" + c.human + ": requesting human input."
	}
	return c.PostComment(ctx, number, fmt.Sprintf("%s\n\n%s\n\n**Reason:** %s", header, mention, reason))
}

// EnsureLabels creates any label of the pipeline vocabulary the task
// repository is missing
func (c *Client) EnsureLabels(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	existing := make(map[string]bool)
	opts := &gh.ListOptions{PerPage: 100}
	for {
		labels, resp, err := c.gh.Issues.ListLabels(ctx, c.owner, c.repo, opts)
		if err != nil {
			return fmt.Errorf("listing labels: %w", err)
		}
		for _, l := range labels {
			existing[strings.ToLower(l.GetName())] = true
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	for _, spec := range types.LabelVocabulary {
		if existing[strings.ToLower(spec.Name)] {
			continue
		}
		label := &gh.Label{Name: gh.String(spec.Name), Color: gh.String(spec.Color), Description: gh.String(spec.Description)}
		if _, _, err := c.gh.Issues.CreateLabel(ctx, c.owner, c.repo, label); err != nil {
			return fmt.Errorf("creating label %s: %w", spec.Name, err)
		}
		c.logger.Info("created label", "name", spec.Name)
	}
	return nil
}

// OpenChangeRequest opens a pull request from head into base
func (c *Client) OpenChangeRequest(ctx context.Context, repo, head, base, title, body string) (*types.ChangeRequest, error) {
	owner, name, err := types.SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	pr, _, err := c.gh.PullRequests.Create(ctx, owner, name, &gh.NewPullRequest{
		Title: gh.String(title),
		Head:  gh.String(head),
		Base:  gh.String(base),
		Body:  gh.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("opening pull request %s -> %s in %s: %w", head, base, repo, err)
	}
	return &types.ChangeRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

// FindChangeRequest returns the open pull request for head, or nil
func (c *Client) FindChangeRequest(ctx context.Context, repo, head string) (*types.ChangeRequest, error) {
	owner, name, err := types.SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	prs, _, err := c.gh.PullRequests.List(ctx, owner, name, &gh.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + head,
	})
	if err != nil {
		return nil, fmt.Errorf("listing pull requests for %s in %s: %w", head, repo, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &types.ChangeRequest{Number: prs[0].GetNumber(), URL: prs[0].GetHTMLURL()}, nil
}

// MergeChangeRequest merges a pull request with the configured method
func (c *Client) MergeChangeRequest(ctx context.Context, repo string, number int) error {
	owner, name, err := types.SplitRepo(repo)
	if err != nil {
		return err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	res, _, err := c.gh.PullRequests.Merge(ctx, owner, name, number, "", &gh.PullRequestOptions{MergeMethod: c.mergeMethod})
	if err != nil {
		return fmt.Errorf("merging %s#%d: %w", repo, number, err)
	}
	if !res.GetMerged() {
		return fmt.Errorf("merging %s#%d: %s", repo, number, res.GetMessage())
	}
	return nil
}

// GetChangeRequestDiff returns the unified diff of a pull request
func (c *Client) GetChangeRequestDiff(ctx context.Context, repo string, number int) (string, error) {
	owner, name, err := types.SplitRepo(repo)
	if err != nil {
		return "", err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	diff, _, err := c.gh.PullRequests.GetRaw(ctx, owner, name, number, gh.RawOptions{Type: gh.Diff})
	if err != nil {
		return "", fmt.Errorf("getting diff of %s#%d: %w", repo, number, err)
	}
	return diff, nil
}

// GetChangeRequestFiles lists the files a pull request touches
func (c *Client) GetChangeRequestFiles(ctx context.Context, repo string, number int) ([]types.ChangedFile, error) {
	owner, name, err := types.SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	opts := &gh.ListOptions{PerPage: 100}
	var out []types.ChangedFile
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, name, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing files of %s#%d: %w", repo, number, err)
		}
		for _, f := range files {
			out = append(out, types.ChangedFile{
				Filename:  f.GetFilename(),
				Status:    f.GetStatus(),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetDefaultBranch returns a repository's default branch
func (c *Client) GetDefaultBranch(ctx context.Context, repo string) (string, error) {
	owner, name, err := types.SplitRepo(repo)
	if err != nil {
		return "", err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	r, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return "", fmt.Errorf("getting repository %s: %w", repo, err)
	}
	return r.GetDefaultBranch(), nil
}

// RepoExists reports whether a repository is visible to the token
func (c *Client) RepoExists(ctx context.Context, repo string) (bool, error) {
	owner, name, err := types.SplitRepo(repo)
	if err != nil {
		return false, err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if _, _, err := c.gh.Repositories.Get(ctx, owner, name); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("getting repository %s: %w", repo, err)
	}
	return true, nil
}

// CreateRepo creates a repository with an initial commit. Repositories owned
// by the authenticated user are created under the user, others under the
// owning organization.
func (c *Client) CreateRepo(ctx context.Context, repo, description string, private bool) error {
	owner, name, err := types.SplitRepo(repo)
	if err != nil {
		return err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	user, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("getting authenticated user: %w", err)
	}
	org := owner
	if strings.EqualFold(user.GetLogin(), owner) {
		org = ""
	}

	_, _, err = c.gh.Repositories.Create(ctx, org, &gh.Repository{
		Name:        gh.String(name),
		Description: gh.String(description),
		Private:     gh.Bool(private),
		AutoInit:    gh.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("creating repository %s: %w", repo, err)
	}
	c.logger.Info("created repository", "repo", repo, "private", private)
	return nil
}
