// Package git drives the safety machinery around an agent's working
// tree: transient snapshots, checkpoint branches, remote
// synchronization, history squashing, and the escalation path taken
// when autonomous recovery runs out.
package git

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// snapshotPrefix marks transient safety commits. Commits carrying it
// are fair game for rewriting; everything else is preserved verbatim.
const snapshotPrefix = "[harvest-snapshot]"

const defaultRemote = "origin"

// Repo wraps git operations on a single working tree. All mutation
// goes through the CLI so the behavior matches what a developer would
// see running the same commands by hand.
type Repo struct {
	path   string
	branch string

	// Diff caching
	cachedDiffStats   *DiffStats
	diffCacheTime     time.Time
	diffCacheDuration time.Duration
}

func NewRepo(path, branch string) *Repo {
	return &Repo{path: path, branch: branch}
}

func (r *Repo) Path() string   { return r.path }
func (r *Repo) Branch() string { return r.branch }

// runGitCommand executes a git command in the given directory and
// returns its combined output.
func (r *Repo) runGitCommand(path string, args ...string) (string, error) {
	baseArgs := []string{"-C", path}
	cmd := exec.Command("git", append(baseArgs, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git command failed: %s (%w)", strings.TrimSpace(string(output)), err)
	}
	return strings.TrimSpace(string(output)), nil
}

// git runs a command in the working tree.
func (r *Repo) git(args ...string) (string, error) {
	return r.runGitCommand(r.path, args...)
}

// IsDirty reports whether the working tree has uncommitted changes,
// including untracked files.
func (r *Repo) IsDirty() (bool, error) {
	output, err := r.git("status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check worktree status: %w", err)
	}
	return output != "", nil
}

// Snapshot commits the entire working tree, untracked files included,
// as a transient snapshot commit. Returns the new HEAD SHA and whether
// a commit was actually created; a clean tree is not an error.
func (r *Repo) Snapshot(reason string) (sha string, created bool, err error) {
	dirty, err := r.IsDirty()
	if err != nil {
		return "", false, err
	}
	if !dirty {
		return "", false, nil
	}
	if _, err := r.git("add", "-A"); err != nil {
		return "", false, fmt.Errorf("failed to stage snapshot: %w", err)
	}
	msg := fmt.Sprintf("%s %s", snapshotPrefix, reason)
	if _, err := r.git("commit", "-m", msg, "--no-verify"); err != nil {
		return "", false, fmt.Errorf("failed to create snapshot commit: %w", err)
	}
	head, err := r.Head()
	if err != nil {
		return "", false, err
	}
	return head, true, nil
}

// Head returns the SHA of the current HEAD commit.
func (r *Repo) Head() (string, error) {
	sha, err := r.git("rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return sha, nil
}

// Fetch updates the remote tracking ref for the session branch.
func (r *Repo) Fetch() error {
	if _, err := r.git("fetch", defaultRemote); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", defaultRemote, err)
	}
	return nil
}

// RemoteHead returns the SHA the remote branch points at, or "" when
// the branch has never been pushed.
func (r *Repo) RemoteHead() (string, error) {
	sha, err := r.git("rev-parse", "--verify", "--quiet", defaultRemote+"/"+r.branch)
	if err != nil {
		// rev-parse --verify fails when the ref does not exist; treat
		// that as an unpublished branch.
		return "", nil
	}
	return sha, nil
}

// Divergence reports how many commits the local branch is ahead of and
// behind the remote branch.
func (r *Repo) Divergence() (ahead, behind int, err error) {
	remote, err := r.RemoteHead()
	if err != nil {
		return 0, 0, err
	}
	if remote == "" {
		count, err := r.git("rev-list", "--count", "HEAD")
		if err != nil {
			return 0, 0, fmt.Errorf("failed to count local commits: %w", err)
		}
		ahead, _ = strconv.Atoi(count)
		return ahead, 0, nil
	}
	output, err := r.git("rev-list", "--left-right", "--count", "HEAD..."+defaultRemote+"/"+r.branch)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute divergence: %w", err)
	}
	fields := strings.Fields(output)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", output)
	}
	ahead, _ = strconv.Atoi(fields[0])
	behind, _ = strconv.Atoi(fields[1])
	return ahead, behind, nil
}

// Rebase replays local commits onto the remote branch. The returned
// conflict flag distinguishes a merge conflict, which the caller can
// hand to the agent, from operational failure.
func (r *Repo) Rebase() (conflict bool, err error) {
	output, err := r.git("rebase", defaultRemote+"/"+r.branch)
	if err != nil {
		if strings.Contains(err.Error(), "CONFLICT") || strings.Contains(err.Error(), "could not apply") {
			return true, nil
		}
		return false, fmt.Errorf("rebase failed: %w", err)
	}
	_ = output
	return false, nil
}

// RebaseInProgress reports whether a rebase was left mid-flight.
func (r *Repo) RebaseInProgress() bool {
	_, err := r.git("rev-parse", "--verify", "--quiet", "REBASE_HEAD")
	return err == nil
}

// ContinueRebase resumes a conflicted rebase after the tree has been
// fixed up. Conflicted paths are staged first.
func (r *Repo) ContinueRebase() (conflict bool, err error) {
	if _, err := r.git("add", "-A"); err != nil {
		return false, fmt.Errorf("failed to stage resolution: %w", err)
	}
	_, err = r.runGitCommand(r.path, "-c", "core.editor=true", "rebase", "--continue")
	if err != nil {
		if strings.Contains(err.Error(), "CONFLICT") || strings.Contains(err.Error(), "could not apply") {
			return true, nil
		}
		return false, fmt.Errorf("failed to continue rebase: %w", err)
	}
	return false, nil
}

// AbortRebase restores the branch to its pre-rebase state.
func (r *Repo) AbortRebase() error {
	if _, err := r.git("rebase", "--abort"); err != nil {
		return fmt.Errorf("failed to abort rebase: %w", err)
	}
	return nil
}

// ConflictDiagnostic describes the current conflict state for the
// agent: conflicted paths plus the marker regions.
func (r *Repo) ConflictDiagnostic() string {
	paths, err := r.git("diff", "--name-only", "--diff-filter=U")
	if err != nil || paths == "" {
		return "rebase conflict (unable to enumerate conflicted paths)"
	}
	return "rebase conflict in:\n" + paths
}

// PlainPush publishes the branch without overwriting remote history.
func (r *Repo) PlainPush() error {
	if _, err := r.git("push", defaultRemote, r.branch); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	return nil
}

// PushWithLease force-pushes guarded by the expected remote SHA, so a
// concurrent remote update fails the push instead of being clobbered.
func (r *Repo) PushWithLease(expectedRemote string) error {
	lease := "--force-with-lease=" + r.branch
	if expectedRemote != "" {
		lease += ":" + expectedRemote
	}
	if _, err := r.git("push", lease, defaultRemote, r.branch); err != nil {
		return fmt.Errorf("lease push failed: %w", err)
	}
	return nil
}

// ResetHard moves the branch to the given commit, discarding local
// state. Used only for checkpoint restoration.
func (r *Repo) ResetHard(ref string) error {
	if _, err := r.git("reset", "--hard", ref); err != nil {
		return fmt.Errorf("failed to reset to %s: %w", ref, err)
	}
	return nil
}

// MergeBase returns the common ancestor of HEAD and the remote branch,
// or "" when the branch is unpublished.
func (r *Repo) MergeBase() (string, error) {
	remote, err := r.RemoteHead()
	if err != nil {
		return "", err
	}
	if remote == "" {
		return "", nil
	}
	base, err := r.git("merge-base", "HEAD", defaultRemote+"/"+r.branch)
	if err != nil {
		return "", fmt.Errorf("failed to compute merge base: %w", err)
	}
	return base, nil
}

// CommitsSince lists commits after base up to HEAD, oldest first. An
// empty base lists the whole branch.
func (r *Repo) CommitsSince(base string) ([]Commit, error) {
	args := []string{"log", "--reverse", "--format=%H%x00%s"}
	if base != "" {
		args = append(args, base+"..HEAD")
	}
	output, err := r.git(args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	if output == "" {
		return nil, nil
	}
	var commits []Commit
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, "\x00", 2)
		if len(parts) != 2 {
			continue
		}
		commits = append(commits, Commit{SHA: parts[0], Subject: parts[1]})
	}
	return commits, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Repo) IsAncestor(ancestor, descendant string) bool {
	_, err := r.git("merge-base", "--is-ancestor", ancestor, descendant)
	return err == nil
}

// UntrackedFiles lists paths present in the tree but unknown to git.
func (r *Repo) UntrackedFiles() ([]string, error) {
	output, err := r.git("ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("failed to list untracked files: %w", err)
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}

// checkpointTimestamp is split out so tests can pin it.
var checkpointTimestamp = func() int64 { return time.Now().Unix() }
