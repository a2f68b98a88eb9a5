// Package git manages repository mirrors and per-task worktrees
package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ErrPushRejected is returned when a push is still rejected after the
// lease-protected retry
var ErrPushRejected = errors.New("push rejected")

// Options configures a WorktreeManager
type Options struct {
	MirrorsDir     string // one bare mirror per repository
	WorktreesDir   string // one worktree per task
	RemoteBase     string // https://github.com, or a local directory of bare repos
	Token          string // write credential inserted into http(s) remotes
	AuthorName     string
	AuthorEmail    string
	CommandTimeout time.Duration
	Logger         *log.Logger
}

// WorktreeManager creates and tears down task worktrees off local mirrors
type WorktreeManager struct {
	mirrorsDir   string
	worktreesDir string
	remoteBase   string
	token        string
	authorName   string
	authorEmail  string
	timeout      time.Duration
	logger       *log.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex // per repository coordinate
	observed map[string]string      // worktree path -> remote branch head, "" when absent
}

// NewWorktreeManager creates a new worktree manager
func NewWorktreeManager(opts Options) *WorktreeManager {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &WorktreeManager{
		mirrorsDir:   opts.MirrorsDir,
		worktreesDir: opts.WorktreesDir,
		remoteBase:   strings.TrimRight(opts.RemoteBase, "/"),
		token:        opts.Token,
		authorName:   opts.AuthorName,
		authorEmail:  opts.AuthorEmail,
		timeout:      opts.CommandTimeout,
		logger:       opts.Logger.WithPrefix("git"),
		locks:        make(map[string]*sync.Mutex),
		observed:     make(map[string]string),
	}
}

// repoLock serializes mirror refresh and worktree creation per repository
func (wm *WorktreeManager) repoLock(repo string) *sync.Mutex {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	l, ok := wm.locks[repo]
	if !ok {
		l = &sync.Mutex{}
		wm.locks[repo] = l
	}
	return l
}

// RemoteURL returns the credential-free remote location of a repository
func (wm *WorktreeManager) RemoteURL(repo string) string {
	if strings.Contains(wm.remoteBase, "://") {
		return wm.remoteBase + "/" + repo + ".git"
	}
	return filepath.Join(wm.remoteBase, repo+".git")
}

// authURL returns the remote URL with the write credential for http(s) remotes
func (wm *WorktreeManager) authURL(repo string) string {
	raw := wm.RemoteURL(repo)
	if wm.token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return raw
	}
	u.User = url.UserPassword("x-access-token", wm.token)
	return u.String()
}

// MirrorPath returns where the mirror of a repository lives
func (wm *WorktreeManager) MirrorPath(repo string) string {
	return filepath.Join(wm.mirrorsDir, dirName(repo))
}

// WorktreePath returns where a task's worktree lives
func (wm *WorktreeManager) WorktreePath(repo string, taskID int) string {
	return filepath.Join(wm.worktreesDir, fmt.Sprintf("%s_%d", dirName(repo), taskID))
}

func dirName(repo string) string {
	return strings.ReplaceAll(repo, "/", "_")
}

// git runs a git command with the configured timeout and no terminal prompts
func (wm *WorktreeManager) git(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, wm.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("git %s timed out after %v", args[0], wm.timeout)
		}
		return out, fmt.Errorf("git %s: %w\n%s", wm.redact(strings.Join(args, " ")), err, wm.redact(out))
	}
	return out, nil
}

func (wm *WorktreeManager) redact(s string) string {
	if wm.token == "" {
		return s
	}
	return strings.ReplaceAll(s, wm.token, "***")
}

// EnsureMirror creates the mirror of a repository or refreshes an existing one.
// A remote with no commits yields an empty mirror rather than an error.
func (wm *WorktreeManager) EnsureMirror(ctx context.Context, repo string) (string, error) {
	lock := wm.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()
	return wm.ensureMirror(ctx, repo)
}

func (wm *WorktreeManager) ensureMirror(ctx context.Context, repo string) (string, error) {
	path := wm.MirrorPath(repo)

	if _, err := os.Stat(filepath.Join(path, "HEAD")); err == nil {
		// Credentials may have rotated since the mirror was created
		if _, err := wm.git(ctx, path, "remote", "set-url", "origin", wm.authURL(repo)); err != nil {
			return "", fmt.Errorf("updating mirror remote: %w", err)
		}
		if _, err := wm.git(ctx, path, "fetch", "--prune", "origin"); err != nil {
			wm.logger.Warn("mirror refresh failed, continuing with local state", "repo", repo, "error", err)
		}
		return path, nil
	}

	wm.logger.Info("creating mirror", "repo", repo, "path", path)
	if err := os.MkdirAll(wm.mirrorsDir, 0755); err != nil {
		return "", fmt.Errorf("creating mirrors directory: %w", err)
	}
	_ = os.RemoveAll(path)

	if _, err := wm.git(ctx, wm.mirrorsDir, "init", "--bare", path); err != nil {
		return "", fmt.Errorf("initializing mirror: %w", err)
	}
	if _, err := wm.git(ctx, path, "remote", "add", "origin", wm.authURL(repo)); err != nil {
		_ = os.RemoveAll(path)
		return "", fmt.Errorf("adding mirror remote: %w", err)
	}
	if _, err := wm.git(ctx, path, "config", "remote.origin.fetch", "+refs/heads/*:refs/remotes/origin/*"); err != nil {
		_ = os.RemoveAll(path)
		return "", fmt.Errorf("configuring mirror refspec: %w", err)
	}

	if _, err := wm.git(ctx, path, "fetch", "origin"); err != nil {
		// An empty remote is fine; an unreachable one is not
		if _, lsErr := wm.git(ctx, path, "ls-remote", "origin"); lsErr != nil {
			_ = os.RemoveAll(path)
			return "", fmt.Errorf("cloning %s: %w", repo, err)
		}
		wm.logger.Warn("initial fetch failed on reachable remote, using empty mirror", "repo", repo, "error", err)
	}

	return path, nil
}

// EnsureWorktree produces a worktree for the task branch. Any existing
// worktree for the task is removed first, so the call is idempotent.
func (wm *WorktreeManager) EnsureWorktree(ctx context.Context, repo, branch, baseBranch string, taskID int) (string, error) {
	lock := wm.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	path := wm.WorktreePath(repo, taskID)
	mirror := wm.MirrorPath(repo)

	wm.removeWorktree(ctx, mirror, path)

	if _, err := wm.ensureMirror(ctx, repo); err != nil {
		return "", err
	}
	if err := os.MkdirAll(wm.worktreesDir, 0755); err != nil {
		return "", fmt.Errorf("creating worktrees directory: %w", err)
	}

	base := wm.resolveRef(ctx, mirror, "refs/remotes/origin/"+baseBranch, "refs/heads/"+baseBranch)
	remoteBranch := wm.resolveRef(ctx, mirror, "refs/remotes/origin/"+branch)
	localBranch := wm.resolveRef(ctx, mirror, "refs/heads/"+branch)

	var (
		err      error
		observed string
	)
	switch {
	case remoteBranch != "":
		// The remote copy is authoritative across runs
		observed, err = wm.git(ctx, mirror, "rev-parse", remoteBranch)
		if err == nil {
			_, err = wm.git(ctx, mirror, "worktree", "add", "-B", branch, path, remoteBranch)
		}
	case localBranch != "":
		_, err = wm.git(ctx, mirror, "worktree", "add", path, branch)
	case base != "":
		_, err = wm.git(ctx, mirror, "worktree", "add", "-b", branch, path, base)
	default:
		wm.logger.Info("repository has no commits, creating root branch", "repo", repo, "branch", branch)
		err = wm.initOrphan(ctx, repo, branch, path)
		if err == nil {
			observed, err = wm.lsRemote(ctx, path, branch)
		}
	}
	if err != nil {
		_ = os.RemoveAll(path)
		return "", fmt.Errorf("creating worktree for %s: %w", branch, err)
	}

	// The worktree remote must authenticate independently of the mirror
	if _, err := wm.git(ctx, path, "remote", "set-url", "origin", wm.authURL(repo)); err != nil {
		return "", fmt.Errorf("setting worktree remote: %w", err)
	}

	wm.setObserved(path, observed)
	wm.logger.Debug("worktree ready", "repo", repo, "branch", branch, "path", path, "remote_head", observed)
	return path, nil
}

// lsRemote returns the remote head of branch, or "" when the remote has no
// such branch
func (wm *WorktreeManager) lsRemote(ctx context.Context, dir, branch string) (string, error) {
	out, err := wm.git(ctx, dir, "ls-remote", "origin", "refs/heads/"+branch)
	if err != nil {
		return "", fmt.Errorf("reading remote head of %s: %w", branch, err)
	}
	if fields := strings.Fields(out); len(fields) > 0 {
		return fields[0], nil
	}
	return "", nil
}

func (wm *WorktreeManager) setObserved(path, sha string) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.observed[path] = sha
}

func (wm *WorktreeManager) forget(path string) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	delete(wm.observed, path)
}

// ObservedHead returns the remote branch head last seen for a worktree.
// An empty string means the branch did not exist on the remote.
func (wm *WorktreeManager) ObservedHead(path string) string {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.observed[path]
}

// resolveRef returns the first ref that names a commit, or ""
func (wm *WorktreeManager) resolveRef(ctx context.Context, dir string, refs ...string) string {
	for _, ref := range refs {
		if _, err := wm.git(ctx, dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}"); err == nil {
			return ref
		}
	}
	return ""
}

// initOrphan creates a standalone repository whose branch has no parent
func (wm *WorktreeManager) initOrphan(ctx context.Context, repo, branch, path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("creating worktree directory: %w", err)
	}
	if _, err := wm.git(ctx, path, "init"); err != nil {
		return err
	}
	if _, err := wm.git(ctx, path, "remote", "add", "origin", wm.authURL(repo)); err != nil {
		return err
	}
	if _, err := wm.git(ctx, path, "checkout", "--orphan", branch); err != nil {
		return err
	}
	return nil
}

// CommitAndPush stages everything in the worktree and, when something is
// staged, commits and pushes the current branch. It reports whether a
// commit was made.
func (wm *WorktreeManager) CommitAndPush(ctx context.Context, path, message string) (bool, error) {
	if _, err := wm.git(ctx, path, "add", "-A"); err != nil {
		return false, fmt.Errorf("staging changes: %w", err)
	}

	staged, err := wm.git(ctx, path, "diff", "--cached", "--name-only")
	if err != nil {
		return false, fmt.Errorf("checking staged changes: %w", err)
	}
	if staged == "" {
		wm.logger.Info("no changes to commit", "path", path)
		return false, nil
	}

	if _, err := wm.git(ctx, path,
		"-c", "user.name="+wm.authorName,
		"-c", "user.email="+wm.authorEmail,
		"commit", "-m", message); err != nil {
		return false, fmt.Errorf("committing: %w", err)
	}

	branch, err := wm.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return true, fmt.Errorf("resolving branch: %w", err)
	}

	if err := wm.push(ctx, path, branch); err != nil {
		return true, err
	}
	return true, nil
}

// push pushes the branch. A non-fast-forward rejection is retried once with
// a lease on the remote head observed when the worktree was created or last
// pushed, so a branch that moved since then is never overwritten.
func (wm *WorktreeManager) push(ctx context.Context, path, branch string) error {
	out, err := wm.git(ctx, path, "push", "-u", "origin", branch)
	if err != nil {
		if !isRejection(out) {
			return fmt.Errorf("pushing %s: %w", branch, err)
		}

		expect := wm.ObservedHead(path)
		wm.logger.Warn("push rejected, retrying with lease", "branch", branch, "expect", expect)
		lease := fmt.Sprintf("--force-with-lease=refs/heads/%s:%s", branch, expect)
		if _, err := wm.git(ctx, path, "push", lease, "-u", "origin", branch); err != nil {
			return fmt.Errorf("%w: %s moved since %s: %v", ErrPushRejected, branch, shortSHA(expect), err)
		}
	}

	if head, err := wm.git(ctx, path, "rev-parse", "HEAD"); err == nil {
		wm.setObserved(path, head)
	}
	return nil
}

func shortSHA(sha string) string {
	if sha == "" {
		return "(absent)"
	}
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func isRejection(output string) bool {
	return strings.Contains(output, "[rejected]") ||
		strings.Contains(output, "non-fast-forward") ||
		strings.Contains(output, "fetch first")
}

// Teardown removes a task's worktree and prunes the mirror's bookkeeping
func (wm *WorktreeManager) Teardown(ctx context.Context, repo string, taskID int) error {
	lock := wm.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	path := wm.WorktreePath(repo, taskID)
	wm.removeWorktree(ctx, wm.MirrorPath(repo), path)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("worktree %s still present after teardown", path)
	}
	return nil
}

// removeWorktree unregisters and deletes a worktree, ignoring missing state
func (wm *WorktreeManager) removeWorktree(ctx context.Context, mirror, path string) {
	hasMirror := false
	if _, err := os.Stat(filepath.Join(mirror, "HEAD")); err == nil {
		hasMirror = true
	}

	if hasMirror {
		_, _ = wm.git(ctx, mirror, "worktree", "remove", "--force", path)
	}
	if _, err := os.Stat(path); err == nil {
		_ = os.RemoveAll(path)
	}
	if hasMirror {
		_, _ = wm.git(ctx, mirror, "worktree", "prune")
	}
	wm.forget(path)
}

// TeardownAll removes every worktree on disk and prunes every mirror. It runs
// at startup and between polling cycles.
func (wm *WorktreeManager) TeardownAll(ctx context.Context) (int, error) {
	worktrees, err := wm.ListWorktrees()
	if err != nil {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, name := range worktrees {
		if err := os.RemoveAll(filepath.Join(wm.worktreesDir, name)); err != nil {
			errs = append(errs, fmt.Errorf("removing worktree %s: %w", name, err))
			continue
		}
		wm.forget(filepath.Join(wm.worktreesDir, name))
		removed++
	}

	mirrors, err := os.ReadDir(wm.mirrorsDir)
	if err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("reading mirrors directory: %w", err))
	}
	for _, m := range mirrors {
		if m.IsDir() {
			_, _ = wm.git(ctx, filepath.Join(wm.mirrorsDir, m.Name()), "worktree", "prune")
		}
	}

	if removed > 0 {
		wm.logger.Info("removed leftover worktrees", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// ListWorktrees returns the worktree directory names currently on disk
func (wm *WorktreeManager) ListWorktrees() ([]string, error) {
	entries, err := os.ReadDir(wm.worktreesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading worktrees directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
