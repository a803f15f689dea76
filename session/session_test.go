//go:build !windows

package session

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"harvest/session/git"
)

// fakeAgentScript behaves like the agent CLI: announces itself, then
// answers every prompt line with a tool invocation, a text chunk, and
// the completion sentinel. Received input is appended to $CAPTURE.
const fakeAgentScript = `#!/bin/sh
echo '{"type":"init","session_token":"tok-test","capabilities":["tools"]}'
while IFS= read -r line; do
  if [ -n "$CAPTURE" ]; then
    printf '%s\n' "$line" >> "$CAPTURE"
  fi
  echo '{"type":"tool_invocation","tool_name":"write_file","input":{"file_path":"health.go"}}'
  echo '{"type":"text_chunk","text":"done"}'
  echo '<<HARVEST_TURN_DONE>>'
done
`

func requireTestDeps(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func setupSessionEnv(t *testing.T) (repoDir, capture string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("HARVEST_STATE_DIR", t.TempDir())

	repoDir = t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", repoDir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	run("symbolic-ref", "HEAD", "refs/heads/main")
	run("config", "user.name", "Test")
	run("config", "user.email", "agent@harvest.dev")
	if err := os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "README.md")
	run("commit", "-m", "Initial commit", "--no-verify")

	capture = filepath.Join(t.TempDir(), "capture.txt")
	return repoDir, capture
}

func writeFakeAgent(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte(fakeAgentScript), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSessionTurnRoundTrip(t *testing.T) {
	requireTestDeps(t)
	repoDir, capture := setupSessionEnv(t)

	s, err := New(context.Background(), Options{
		RepoPath:  repoDir,
		RepoOwner: "acme",
		RepoName:  "payments",
		Name:      "brave_otter",
		Identity:  git.Identity{Name: "Test Agent", Email: "agent@harvest.dev"},
		Program:   writeFakeAgent(t),
		Env:       map[string]string{"CAPTURE": capture},
	})
	require.NoError(t, err)
	defer s.End()

	require.True(t, s.Alive())
	require.Contains(t, s.Branch(), "brave_otter")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	turn, err := s.SendPrompt(ctx, "add a health check endpoint")
	require.NoError(t, err)
	require.Equal(t, 0, turn.Index)
	require.True(t, turn.Completed)
	require.Equal(t, "done", turn.Response)
	require.Equal(t, []string{"health.go"}, turn.FilesTouched)

	// The prompt reached the agent verbatim (no prior context on the
	// first turn).
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(capture)
		return err == nil && strings.Contains(string(data), "add a health check endpoint")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSessionContextRebuiltAcrossTurns(t *testing.T) {
	requireTestDeps(t)
	repoDir, capture := setupSessionEnv(t)

	s, err := New(context.Background(), Options{
		RepoPath:  repoDir,
		RepoOwner: "acme",
		RepoName:  "payments",
		Name:      "calm_finch",
		Identity:  git.Identity{Name: "Test Agent", Email: "agent@harvest.dev"},
		Program:   writeFakeAgent(t),
		Env:       map[string]string{"CAPTURE": capture},
	})
	require.NoError(t, err)
	defer s.End()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = s.SendPrompt(ctx, "first request")
	require.NoError(t, err)
	_, err = s.SendPrompt(ctx, "second request")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(capture)
		if err != nil {
			return false
		}
		text := string(data)
		return strings.Contains(text, "Previous conversation:") &&
			strings.Contains(text, "user: first request") &&
			strings.Contains(text, "User: second request")
	}, 10*time.Second, 100*time.Millisecond)
}

func TestSessionEndIdempotent(t *testing.T) {
	requireTestDeps(t)
	repoDir, capture := setupSessionEnv(t)

	s, err := New(context.Background(), Options{
		RepoPath:  repoDir,
		RepoOwner: "acme",
		RepoName:  "payments",
		Name:      "tidy_heron",
		Identity:  git.Identity{Name: "Test Agent", Email: "agent@harvest.dev"},
		Program:   writeFakeAgent(t),
		Env:       map[string]string{"CAPTURE": capture},
	})
	require.NoError(t, err)

	require.NoError(t, s.End())
	require.NoError(t, s.End())
	require.False(t, s.Alive())

	_, err = s.SendPrompt(context.Background(), "too late")
	require.ErrorIs(t, err, ErrSessionTerminated)
}

func TestManagerLifecycle(t *testing.T) {
	requireTestDeps(t)
	repoDir, capture := setupSessionEnv(t)

	m := NewManager(nil)
	s, err := m.Create(context.Background(), Options{
		RepoPath:  repoDir,
		RepoOwner: "acme",
		RepoName:  "payments",
		Name:      "warm_lark",
		Identity:  git.Identity{Name: "Test Agent", Email: "agent@harvest.dev"},
		Program:   writeFakeAgent(t),
		Env:       map[string]string{"CAPTURE": capture},
	})
	require.NoError(t, err)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	require.Equal(t, s, got)
	require.Len(t, m.List(), 1)

	require.NoError(t, m.End(s.ID))
	_, ok = m.Get(s.ID)
	require.False(t, ok)

	// Ending an unknown session is not an error.
	require.NoError(t, m.End("ghost"))
	require.NoError(t, m.EndAll())
}

func TestSessionRequiresOptions(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)

	_, err = New(context.Background(), Options{RepoPath: "/tmp", RepoOwner: "a", RepoName: "b"})
	require.Error(t, err, "identity is required")
}
