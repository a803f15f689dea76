package git

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"harvest/config"
	"harvest/log"
)

// OpenRepo resolves the repository containing path and prepares the
// session branch: the branch is created from the current HEAD when it
// does not exist yet, then checked out. The branch name is derived
// from the session name and the configured prefix.
func OpenRepo(path, sessionName string) (*Repo, error) {
	cfg := config.LoadConfig()
	branchName := sanitizeBranchName(cfg.BranchPrefix + sessionName)

	absPath, err := filepath.Abs(path)
	if err != nil {
		log.ErrorLog.Printf("repo path abs error, falling back to %s: %s", path, err)
		absPath = path
	}
	root, err := findGitRepoRoot(absPath)
	if err != nil {
		return nil, err
	}

	r := &Repo{path: root, branch: branchName}
	if _, err := r.git("rev-parse", "--verify", "--quiet", "refs/heads/"+branchName); err != nil {
		if _, err := r.git("checkout", "-b", branchName); err != nil {
			return nil, fmt.Errorf("failed to create branch %s: %w", branchName, err)
		}
		return r, nil
	}
	if _, err := r.git("checkout", branchName); err != nil {
		return nil, fmt.Errorf("failed to check out branch %s: %w", branchName, err)
	}
	return r, nil
}

// findGitRepoRoot returns the top-level directory of the repository
// containing path.
func findGitRepoRoot(path string) (string, error) {
	cmd := exec.Command("git", "-C", path, "rev-parse", "--show-toplevel")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s is not inside a git repository: %s (%w)",
			path, strings.TrimSpace(string(output)), err)
	}
	return strings.TrimSpace(string(output)), nil
}

// sanitizeBranchName replaces characters git refuses in ref names
// (e.g. backslashes from Windows domain usernames like DOMAIN\user).
func sanitizeBranchName(name string) string {
	replacer := strings.NewReplacer(
		"\\", "-",
		" ", "-",
		"~", "-",
		"^", "-",
		":", "-",
		"?", "-",
		"*", "-",
		"[", "-",
		"]", "-",
		"..", "-",
		"@{", "-",
	)
	sanitized := replacer.Replace(name)
	sanitized = strings.Trim(sanitized, "./")
	if sanitized == "" {
		sanitized = "session"
	}
	return sanitized
}
