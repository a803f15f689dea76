package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// requireGit skips tests that need a real git binary.
func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, output)
	}
	return strings.TrimSpace(string(output))
}

// initTestRepo creates a repository on branch main with a committed
// identity, ready for test commits.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	runGit(t, dir, "config", "user.name", "Test Agent (Harvest)")
	runGit(t, dir, "config", "user.email", "agent@harvest.dev")
	runGit(t, dir, "config", "commit.gpgsign", "false")
	return dir
}

func writeTestFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func commitTestFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	writeTestFile(t, dir, name, content)
	runGit(t, dir, "add", name)
	runGit(t, dir, "commit", "-m", message, "--no-verify")
}

// initTestRemote wires a bare repository as origin and publishes main.
func initTestRemote(t *testing.T, dir string) string {
	t.Helper()
	bare := t.TempDir()
	cmd := exec.Command("git", "init", "--bare", bare)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init --bare failed: %v\n%s", err, output)
	}
	// Pin the bare HEAD so clones check out main regardless of the
	// machine's init.defaultBranch.
	runGit(t, bare, "symbolic-ref", "HEAD", "refs/heads/main")
	runGit(t, dir, "remote", "add", "origin", bare)
	runGit(t, dir, "push", "origin", "main")
	return bare
}

func subjectsSince(t *testing.T, dir, base string) []string {
	t.Helper()
	output := runGit(t, dir, "log", "--reverse", "--format=%s", base+"..HEAD")
	if output == "" {
		return nil
	}
	return strings.Split(output, "\n")
}
