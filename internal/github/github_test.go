package github_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/cloud-shuttle/conveyor/internal/github"
	"github.com/cloud-shuttle/conveyor/internal/logging"
	"github.com/cloud-shuttle/conveyor/internal/selector"
	"github.com/cloud-shuttle/conveyor/internal/workflow"
	"github.com/cloud-shuttle/conveyor/pkg/types"
)

var (
	_ workflow.IssueStore        = (*github.Client)(nil)
	_ selector.DependencyChecker = (*github.Client)(nil)
)

// api is a minimal fake of the GitHub REST endpoints the client uses
type api struct {
	mu       sync.Mutex
	labels   map[int][]string
	comments []string
	requests []string
	created  []string
	closed   []int
	merge    map[string]any
	repoOrg  string
}

func newAPI(t *testing.T) (*api, *github.Client) {
	t.Helper()
	a := &api{labels: map[int][]string{1: {"claude", "design", "night-only"}}}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)

	c, err := github.New(github.Options{
		Token:       "secret",
		TaskRepo:    "acme/tasks",
		Human:       "octo",
		APIURL:      srv.URL,
		MergeMethod: "rebase",
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a, c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func labelObjects(names []string) []map[string]string {
	out := make([]map[string]string, 0, len(names))
	for _, n := range names {
		out = append(out, map[string]string{"name": n})
	}
	return out
}

func (a *api) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, r.Method+" "+r.URL.Path)
	body, _ := io.ReadAll(r.Body)

	if r.Header.Get("Authorization") != "Bearer secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == "GET" && r.URL.Path == "/repos/acme/tasks/issues":
		if r.URL.Query().Get("labels") != "claude,ready" {
			http.Error(w, "unexpected labels "+r.URL.Query().Get("labels"), http.StatusBadRequest)
			return
		}
		writeJSON(w, []map[string]any{
			{"number": 3, "title": "newer", "state": "open", "created_at": "2026-02-02T00:00:00Z", "labels": labelObjects([]string{"claude", "ready"})},
			{"number": 2, "title": "older", "state": "open", "created_at": "2026-01-01T00:00:00Z", "labels": labelObjects([]string{"claude", "ready"})},
			{"number": 4, "title": "a pr", "state": "open", "created_at": "2026-01-01T00:00:00Z", "pull_request": map[string]string{"url": "x"}},
		})

	case r.Method == "GET" && r.URL.Path == "/repos/acme/tasks/issues/1":
		writeJSON(w, map[string]any{"number": 1, "title": "Task", "state": "open", "labels": labelObjects(a.labels[1])})

	case r.Method == "GET" && r.URL.Path == "/repos/acme/tasks/issues/9":
		writeJSON(w, map[string]any{"number": 9, "state": "closed"})

	case r.Method == "PUT" && r.URL.Path == "/repos/acme/tasks/issues/1/labels":
		var names []string
		if err := json.Unmarshal(body, &names); err != nil {
			var wrapped struct {
				Labels []string `json:"labels"`
			}
			_ = json.Unmarshal(body, &wrapped)
			names = wrapped.Labels
		}
		a.labels[1] = names
		writeJSON(w, labelObjects(names))

	case r.Method == "DELETE" && strings.HasPrefix(r.URL.Path, "/repos/acme/tasks/issues/1/labels/"):
		http.Error(w, `{"message":"Label does not exist"}`, http.StatusNotFound)

	case r.Method == "GET" && r.URL.Path == "/repos/acme/tasks/issues/1/comments":
		writeJSON(w, []map[string]any{
			{"id": 10, "body": "first", "user": map[string]string{"login": "octo"}},
			{"id": 11, "body": "second", "user": map[string]string{"login": "bot"}},
		})

	case r.Method == "POST" && r.URL.Path == "/repos/acme/tasks/issues/1/comments":
		var c struct {
			Body string `json:"body"`
		}
		_ = json.Unmarshal(body, &c)
		a.comments = append(a.comments, c.Body)
		writeJSON(w, map[string]any{"id": 12, "body": c.Body})

	case r.Method == "PATCH" && r.URL.Path == "/repos/acme/tasks/issues/1":
		a.closed = append(a.closed, 1)
		writeJSON(w, map[string]any{"number": 1, "state": "closed"})

	case r.Method == "GET" && r.URL.Path == "/repos/acme/tasks/labels":
		writeJSON(w, labelObjects([]string{"claude", "Ready"}))

	case r.Method == "POST" && r.URL.Path == "/repos/acme/tasks/labels":
		var l struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(body, &l)
		a.created = append(a.created, l.Name)
		writeJSON(w, map[string]any{"name": l.Name})

	case r.Method == "GET" && r.URL.Path == "/repos/acme/app/pulls":
		if r.URL.Query().Get("head") != "acme:claude/1" {
			writeJSON(w, []any{})
			return
		}
		writeJSON(w, []map[string]any{{"number": 7, "html_url": "https://github.test/acme/app/pull/7"}})

	case r.Method == "POST" && r.URL.Path == "/repos/acme/app/pulls":
		writeJSON(w, map[string]any{"number": 8, "html_url": "https://github.test/acme/app/pull/8"})

	case r.Method == "PUT" && r.URL.Path == "/repos/acme/app/pulls/7/merge":
		_ = json.Unmarshal(body, &a.merge)
		writeJSON(w, map[string]any{"merged": true, "sha": "abc"})

	case r.Method == "PUT" && r.URL.Path == "/repos/acme/app/pulls/6/merge":
		writeJSON(w, map[string]any{"merged": false, "message": "not mergeable"})

	case r.Method == "GET" && r.URL.Path == "/repos/acme/app/pulls/7":
		if !strings.Contains(r.Header.Get("Accept"), "diff") {
			http.Error(w, "want diff", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "diff --git a/x b/x\n+y\n")

	case r.Method == "GET" && r.URL.Path == "/repos/acme/app/pulls/7/files":
		writeJSON(w, []map[string]any{{"filename": "x", "status": "modified", "additions": 3, "deletions": 1}})

	case r.Method == "GET" && r.URL.Path == "/repos/acme/app":
		writeJSON(w, map[string]any{"name": "app", "default_branch": "trunk"})

	case r.Method == "GET" && r.URL.Path == "/repos/acme/missing":
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"message": "Not Found"})

	case r.Method == "GET" && r.URL.Path == "/user":
		writeJSON(w, map[string]any{"login": "acme-bot"})

	case r.Method == "POST" && r.URL.Path == "/orgs/acme/repos":
		a.repoOrg = "acme"
		writeJSON(w, map[string]any{"name": "missing"})

	case r.Method == "POST" && r.URL.Path == "/user/repos":
		a.repoOrg = "user"
		writeJSON(w, map[string]any{"name": "missing"})

	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusNotImplemented)
	}
}

func TestClient_ListCandidates(t *testing.T) {
	_, c := newAPI(t)

	issues, err := c.ListCandidates(context.Background(), "claude", "ready")
	if err != nil {
		t.Fatalf("ListCandidates failed: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("got %d issues; want 2 (pull requests skipped)", len(issues))
	}
	if issues[0].Number != 2 || issues[1].Number != 3 {
		t.Errorf("order = #%d, #%d; want oldest first", issues[0].Number, issues[1].Number)
	}
}

func TestClient_SetStageLabel(t *testing.T) {
	a, c := newAPI(t)

	if err := c.SetStageLabel(context.Background(), 1, types.StageDevelopment); err != nil {
		t.Fatalf("SetStageLabel failed: %v", err)
	}
	got := append([]string(nil), a.labels[1]...)
	sort.Strings(got)
	want := []string{"claude", "development", "night-only"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("labels = %v; want %v", got, want)
	}
}

func TestClient_IsClosed(t *testing.T) {
	_, c := newAPI(t)

	closed, err := c.IsClosed(context.Background(), 9)
	if err != nil || !closed {
		t.Errorf("IsClosed(9) = %v, %v; want true", closed, err)
	}
	closed, err = c.IsClosed(context.Background(), 1)
	if err != nil || closed {
		t.Errorf("IsClosed(1) = %v, %v; want false", closed, err)
	}
}

func TestClient_Comments(t *testing.T) {
	a, c := newAPI(t)
	ctx := context.Background()

	comments, err := c.GetComments(ctx, 1)
	if err != nil {
		t.Fatalf("GetComments failed: %v", err)
	}
	if len(comments) != 2 || comments[0].Author != "octo" || comments[1].Body != "second" {
		t.Errorf("comments = %+v", comments)
	}

	if err := c.TagHuman(ctx, 1, "🏗️ **Architect**", "please look"); err != nil {
		t.Fatalf("TagHuman failed: %v", err)
	}
	want := "🏗️ **Architect**\n\n@octo: requesting human input.\n\n**Reason:** please look"
	if len(a.comments) != 1 || a.comments[0] != want {
		t.Errorf("posted %q; want %q", a.comments, want)
	}
}

func TestClient_RemoveMissingLabelIsIgnored(t *testing.T) {
	_, c := newAPI(t)
	if err := c.RemoveLabel(context.Background(), 1, "ready"); err != nil {
		t.Errorf("RemoveLabel failed: %v", err)
	}
}

func TestClient_CloseIssue(t *testing.T) {
	a, c := newAPI(t)
	if err := c.CloseIssue(context.Background(), 1); err != nil {
		t.Fatalf("CloseIssue failed: %v", err)
	}
	if len(a.closed) != 1 {
		t.Error("issue was not closed")
	}
}

func TestClient_EnsureLabels(t *testing.T) {
	a, c := newAPI(t)
	if err := c.EnsureLabels(context.Background()); err != nil {
		t.Fatalf("EnsureLabels failed: %v", err)
	}
	if len(a.created) != len(types.LabelVocabulary)-2 {
		t.Errorf("created %d labels; want %d", len(a.created), len(types.LabelVocabulary)-2)
	}
	for _, name := range a.created {
		if name == "claude" || name == "ready" {
			t.Errorf("existing label %s re-created", name)
		}
	}
}

func TestClient_ChangeRequests(t *testing.T) {
	a, c := newAPI(t)
	ctx := context.Background()

	cr, err := c.FindChangeRequest(ctx, "acme/app", "claude/1")
	if err != nil || cr == nil || cr.Number != 7 {
		t.Fatalf("FindChangeRequest = %+v, %v; want #7", cr, err)
	}
	none, err := c.FindChangeRequest(ctx, "acme/app", "claude/2")
	if err != nil || none != nil {
		t.Errorf("FindChangeRequest(claude/2) = %+v, %v; want nil", none, err)
	}

	opened, err := c.OpenChangeRequest(ctx, "acme/app", "claude/2", "trunk", "Title", "Body")
	if err != nil || opened.Number != 8 || opened.URL == "" {
		t.Errorf("OpenChangeRequest = %+v, %v", opened, err)
	}

	if err := c.MergeChangeRequest(ctx, "acme/app", 7); err != nil {
		t.Fatalf("MergeChangeRequest failed: %v", err)
	}
	if a.merge["merge_method"] != "rebase" {
		t.Errorf("merge request = %v; want merge_method rebase", a.merge)
	}
	if err := c.MergeChangeRequest(ctx, "acme/app", 6); err == nil {
		t.Error("expected an error for an unmerged pull request")
	}

	diff, err := c.GetChangeRequestDiff(ctx, "acme/app", 7)
	if err != nil || !strings.HasPrefix(diff, "diff --git") {
		t.Errorf("GetChangeRequestDiff = %q, %v", diff, err)
	}

	files, err := c.GetChangeRequestFiles(ctx, "acme/app", 7)
	if err != nil || len(files) != 1 || files[0].Additions != 3 || files[0].Deletions != 1 {
		t.Errorf("GetChangeRequestFiles = %+v, %v", files, err)
	}
}

func TestClient_Repositories(t *testing.T) {
	a, c := newAPI(t)
	ctx := context.Background()

	branch, err := c.GetDefaultBranch(ctx, "acme/app")
	if err != nil || branch != "trunk" {
		t.Errorf("GetDefaultBranch = %q, %v; want trunk", branch, err)
	}

	exists, err := c.RepoExists(ctx, "acme/app")
	if err != nil || !exists {
		t.Errorf("RepoExists(acme/app) = %v, %v", exists, err)
	}
	exists, err = c.RepoExists(ctx, "acme/missing")
	if err != nil || exists {
		t.Errorf("RepoExists(acme/missing) = %v, %v; want false", exists, err)
	}

	if err := c.CreateRepo(ctx, "acme/missing", "new", true); err != nil {
		t.Fatalf("CreateRepo failed: %v", err)
	}
	if a.repoOrg != "acme" {
		t.Errorf("repository created under %q; want the acme organization", a.repoOrg)
	}
}

func TestNew_RejectsBadTaskRepo(t *testing.T) {
	if _, err := github.New(github.Options{TaskRepo: "tasks"}); err == nil {
		t.Error("expected an error for a task repo without owner")
	}
}
