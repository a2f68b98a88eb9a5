package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloud-shuttle/conveyor/internal/executor"
	"github.com/cloud-shuttle/conveyor/internal/git"
	"github.com/cloud-shuttle/conveyor/internal/logging"
	"github.com/cloud-shuttle/conveyor/internal/modes"
	"github.com/cloud-shuttle/conveyor/internal/recurring"
	"github.com/cloud-shuttle/conveyor/pkg/types"
)

const (
	testRepo  = "acme/app"
	testDiff  = "diff --git a/feature.txt b/feature.txt\n+change\n"
	testHuman = "octo"
)

// memStore is an in-memory IssueStore. It records every mutation so tests
// can check ordering, and rejects label states with more than one stage.
type memStore struct {
	mu sync.Mutex
	t  errorer

	issues   map[int]*types.IssueRef
	comments map[int][]types.Comment
	ops      []string

	prs       map[string]*types.ChangeRequest
	prOpened  int
	merged    []int
	mergeErr  error
	diff      string
	repos     map[string]bool
	createdOK []string
}

// errorer is satisfied by *testing.T and *rapid.T
type errorer interface {
	Errorf(format string, args ...any)
}

func newMemStore(t errorer) *memStore {
	return &memStore{
		t:        t,
		issues:   make(map[int]*types.IssueRef),
		comments: make(map[int][]types.Comment),
		prs:      make(map[string]*types.ChangeRequest),
		diff:     testDiff,
		repos:    map[string]bool{testRepo: true},
	}
}

// addIssue files an issue targeting testRepo with the given labels
func (s *memStore) addIssue(number int, header string, labels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body := "---\nrepo: " + testRepo + "\n" + header + "---\n\n## Task\nAdd a feature file.\n"
	s.issues[number] = &types.IssueRef{
		Number:    number,
		Title:     fmt.Sprintf("Task %d", number),
		Body:      body,
		URL:       fmt.Sprintf("https://example.test/issues/%d", number),
		State:     "open",
		Labels:    append([]string{types.LabelClaude}, labels...),
		CreatedAt: time.Date(2026, 1, 1, 0, number, 0, 0, time.UTC),
	}
}

func (s *memStore) record(op string) {
	s.ops = append(s.ops, op)
}

func (s *memStore) checkLabels(number int) {
	stages := 0
	for _, l := range s.issues[number].Labels {
		if types.IsStageLabel(l) {
			stages++
		}
	}
	if stages > 1 {
		s.t.Errorf("issue #%d carries %d stage labels: %v", number, stages, s.issues[number].Labels)
	}
}

func (s *memStore) labels(number int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.issues[number].Labels...)
}

func (s *memStore) stage(number int) types.Stage {
	return types.StageFromLabels(s.labels(number))
}

func (s *memStore) bodies(number int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.comments[number] {
		out = append(out, c.Body)
	}
	return out
}

func (s *memStore) operations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// reply posts a comment as a human
func (s *memStore) reply(number int, author, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[number] = append(s.comments[number], types.Comment{Author: author, Body: body})
}

func (s *memStore) ListCandidates(_ context.Context, labels ...string) ([]types.IssueRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.IssueRef
	for _, issue := range s.issues {
		if issue.State != "open" {
			continue
		}
		ok := true
		for _, want := range labels {
			if !contains(issue.Labels, want) {
				ok = false
			}
		}
		if ok {
			cp := *issue
			cp.Labels = append([]string(nil), issue.Labels...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) GetIssue(_ context.Context, number int) (*types.IssueRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d not found", number)
	}
	cp := *issue
	cp.Labels = append([]string(nil), issue.Labels...)
	return &cp, nil
}

func (s *memStore) IsClosed(_ context.Context, number int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[number]
	if !ok {
		return false, fmt.Errorf("issue #%d not found", number)
	}
	return issue.State == "closed", nil
}

func (s *memStore) GetComments(_ context.Context, number int) ([]types.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Comment(nil), s.comments[number]...), nil
}

func (s *memStore) PostComment(_ context.Context, number int, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[number] = append(s.comments[number], types.Comment{Author: "conveyor-bot", Body: body})
	s.record("comment")
	return nil
}

func (s *memStore) SetStageLabel(_ context.Context, number int, stage types.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue := s.issues[number]
	kept := issue.Labels[:0:0]
	for _, l := range issue.Labels {
		if !types.IsStageLabel(l) {
			kept = append(kept, l)
		}
	}
	issue.Labels = append(kept, string(stage))
	s.checkLabels(number)
	s.record("label:" + string(stage))
	return nil
}

func (s *memStore) AddLabel(_ context.Context, number int, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue := s.issues[number]
	if !contains(issue.Labels, label) {
		issue.Labels = append(issue.Labels, label)
	}
	s.checkLabels(number)
	s.record("add:" + label)
	return nil
}

func (s *memStore) RemoveLabel(_ context.Context, number int, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue := s.issues[number]
	kept := issue.Labels[:0:0]
	for _, l := range issue.Labels {
		if l != label {
			kept = append(kept, l)
		}
	}
	issue.Labels = kept
	s.record("remove:" + label)
	return nil
}

func (s *memStore) CloseIssue(_ context.Context, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[number].State = "closed"
	s.record("close")
	return nil
}

func (s *memStore) TagHuman(_ context.Context, number int, header, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	body := fmt.Sprintf("%s\n\n@%s: requesting human input.\n\n**Reason:** %s", header, testHuman, reason)
	s.comments[number] = append(s.comments[number], types.Comment{Author: "conveyor-bot", Body: body})
	s.record("tag")
	return nil
}

func (s *memStore) EnsureLabels(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ensure-labels")
	return nil
}

func (s *memStore) OpenChangeRequest(_ context.Context, repo, head, base, title, body string) (*types.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prOpened++
	cr := &types.ChangeRequest{Number: 100 + s.prOpened, URL: fmt.Sprintf("https://example.test/%s/pull/%d", repo, 100+s.prOpened)}
	s.prs[repo+":"+head] = cr
	s.record("open-pr")
	return cr, nil
}

func (s *memStore) FindChangeRequest(_ context.Context, repo, head string) (*types.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prs[repo+":"+head], nil
}

func (s *memStore) MergeChangeRequest(_ context.Context, _ string, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mergeErr != nil {
		return s.mergeErr
	}
	s.merged = append(s.merged, number)
	s.record("merge")
	return nil
}

func (s *memStore) GetChangeRequestDiff(context.Context, string, int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diff, nil
}

func (s *memStore) GetChangeRequestFiles(context.Context, string, int) ([]types.ChangedFile, error) {
	return []types.ChangedFile{{Filename: "feature.txt", Status: "added", Additions: 1}}, nil
}

func (s *memStore) GetDefaultBranch(context.Context, string) (string, error) {
	return "main", nil
}

func (s *memStore) RepoExists(_ context.Context, repo string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repos[repo], nil
}

func (s *memStore) CreateRepo(_ context.Context, repo, _ string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[repo] = true
	s.createdOK = append(s.createdOK, repo)
	s.record("create-repo")
	return nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// scriptWorker answers each step from a script keyed by step name
// (triage, design, development, review, qa). The last answer of a script
// repeats. The developer writes a file into its working directory unless
// idle is set, or only on its first call with writeOnce.
type scriptWorker struct {
	mu      sync.Mutex
	scripts map[string][]string
	calls   map[string]int
	fail    map[string]bool
	idle      bool
	writeOnce bool
	dirs      []string
	panicOn string
}

func newScriptWorker() *scriptWorker {
	return &scriptWorker{
		scripts: map[string][]string{
			"triage":      {"Looks clear.\n" + modes.MarkerReady + "\nScope is small."},
			"design":      {"thinking\n" + modes.MarkerDesignPlan + "\n1. Add feature.txt"},
			"development": {"Implemented the feature."},
			"review":      {modes.MarkerApproved + "\nClean change."},
			"qa":          {modes.MarkerPass + "\nAll criteria met."},
		},
		calls: make(map[string]int),
		fail:  make(map[string]bool),
	}
}

// step names the pipeline step a request belongs to
func step(req executor.Request) string {
	switch modes.Persona(req.Persona) {
	case modes.ProductOwner:
		return "triage"
	case modes.Developer:
		return "development"
	case modes.QA:
		return "qa"
	case modes.Architect:
		if req.MaxTurns == modes.MaxTurns(types.StageDesign) {
			return "design"
		}
		return "review"
	}
	return req.Persona
}

// script replaces one step's answers
func (w *scriptWorker) script(step string, answers ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scripts[step] = answers
}

func (w *scriptWorker) count(step string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[step]
}

func (w *scriptWorker) Invoke(_ context.Context, req executor.Request) executor.Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := step(req)
	if name == w.panicOn {
		panic("worker exploded")
	}
	n := w.calls[name]
	w.calls[name]++
	w.dirs = append(w.dirs, req.WorkDir)

	if w.fail[name] {
		return executor.Result{Success: false, Output: "worker crashed", Err: errors.New("exit status 1")}
	}

	script := w.scripts[name]
	out := script[min(n, len(script)-1)]

	if name == "development" && !w.idle && (!w.writeOnce || n == 0) {
		file := filepath.Join(req.WorkDir, "feature.txt")
		if err := os.WriteFile(file, []byte(fmt.Sprintf("revision %d\n", n)), 0644); err != nil {
			return executor.Result{Success: false, Output: err.Error()}
		}
	}
	return executor.Result{Success: true, Output: out}
}

// runGit runs git in dir and fails the test on error
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	args = append([]string{"-c", "user.name=Test User", "-c", "user.email=test@example.com"}, args...)
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// setupRemote creates a seeded bare remote for testRepo and returns the
// directory holding it
func setupRemote(t *testing.T) string {
	t.Helper()
	remotes := filepath.Join(t.TempDir(), "remotes")
	bare := filepath.Join(remotes, testRepo+".git")
	if err := os.MkdirAll(filepath.Dir(bare), 0755); err != nil {
		t.Fatal(err)
	}

	seed := t.TempDir()
	runGit(t, seed, "init")
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("# App\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, seed, "add", "README.md")
	runGit(t, seed, "commit", "-m", "Initial commit")
	runGit(t, seed, "branch", "-M", "main")
	runGit(t, remotes, "clone", "--bare", seed, bare)
	return remotes
}

func newWorkspace(t *testing.T, remotes string) *git.WorktreeManager {
	t.Helper()
	work := t.TempDir()
	return git.NewWorktreeManager(git.Options{
		MirrorsDir:     filepath.Join(work, "repos"),
		WorktreesDir:   filepath.Join(work, "worktrees"),
		RemoteBase:     remotes,
		AuthorName:     "Claude Worker",
		AuthorEmail:    "claude-worker@noreply.github.com",
		CommandTimeout: 30 * time.Second,
		Logger:         logging.Discard(),
	})
}

// fakeWorkspace hands out plain directories and always reports changes
type fakeWorkspace struct {
	mu      sync.Mutex
	root    string
	torn    []int
	sweeps  int
	ensured int
}

func (f *fakeWorkspace) EnsureWorktree(_ context.Context, _, _, _ string, taskID int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	dir := filepath.Join(f.root, fmt.Sprint(taskID))
	return dir, os.MkdirAll(dir, 0755)
}

func (f *fakeWorkspace) CommitAndPush(context.Context, string, string) (bool, error) {
	return true, nil
}

func (f *fakeWorkspace) Teardown(_ context.Context, _ string, taskID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torn = append(f.torn, taskID)
	return nil
}

func (f *fakeWorkspace) TeardownAll(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 0, nil
}

func (f *fakeWorkspace) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

// fakeTests reports a fixed result
type fakeTests struct{ calls int }

func (f *fakeTests) Run(context.Context, string) string {
	f.calls++
	return "✅ PASSED: go test ./..."
}

// memRecurrence is an in-memory recurring.Store
type memRecurrence struct {
	mu   sync.Mutex
	runs map[int]int
}

func newMemRecurrence() *memRecurrence {
	return &memRecurrence{runs: make(map[int]int)}
}

func (m *memRecurrence) IsDue(taskID int, _ types.Schedule) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[taskID] == 0, nil
}

func (m *memRecurrence) RecordRun(taskID int, _ types.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[taskID]++
	return nil
}

func (m *memRecurrence) Records() ([]recurring.Record, error) {
	return nil, nil
}

func (m *memRecurrence) count(taskID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[taskID]
}
