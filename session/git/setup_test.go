package git

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeBranchName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"harvest/brave_otter", "harvest/brave_otter"},
		{"harvest/DOMAIN\\user", "harvest/DOMAIN-user"},
		{"has space", "has-space"},
		{"weird~^:?*[]", "weird-------"},
		{"../escape", "-/escape"},
		{"", "session"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, sanitizeBranchName(tt.in), "input %q", tt.in)
	}
}

func TestOpenRepoCreatesBranch(t *testing.T) {
	requireGit(t)
	dir := initTestRepo(t)
	commitTestFile(t, dir, "base.txt", "base", "Initial commit")

	t.Setenv("HARVEST_STATE_DIR", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	repo, err := OpenRepo(dir, "brave_otter")
	require.NoError(t, err)
	require.Contains(t, repo.Branch(), "brave_otter")
	require.Equal(t, repo.Branch(), runGit(t, dir, "rev-parse", "--abbrev-ref", "HEAD"))

	// Reopening is idempotent.
	again, err := OpenRepo(dir, "brave_otter")
	require.NoError(t, err)
	require.Equal(t, repo.Branch(), again.Branch())
}

func TestOpenRepoResolvesSubdirectory(t *testing.T) {
	requireGit(t)
	dir := initTestRepo(t)
	commitTestFile(t, dir, "pkg/lib.txt", "lib", "Initial commit")

	t.Setenv("HARVEST_STATE_DIR", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	repo, err := OpenRepo(filepath.Join(dir, "pkg"), "brave_otter")
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(repo.Path())
	require.NoError(t, err)
	expected, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, expected, resolved)
}

func TestOpenRepoOutsideRepository(t *testing.T) {
	requireGit(t)
	t.Setenv("HOME", t.TempDir())
	_, err := OpenRepo(t.TempDir(), "brave_otter")
	require.Error(t, err)
}
