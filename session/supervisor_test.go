//go:build !windows

package session

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// writeScript drops an executable shell script into a temp dir and
// returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// readUntil scans the supervisor output until a line containing want
// appears.
func readUntil(t *testing.T, s *Supervisor, want string) string {
	t.Helper()
	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(s.Output())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before %q appeared", want)
			}
			if strings.Contains(line, want) {
				return line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestSupervisorStartMissingWorkdir(t *testing.T) {
	s := NewSupervisor("/bin/sh")
	err := s.Start(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Start with missing workdir = %v, want SpawnError", err)
	}
}

func TestSupervisorStartMissingProgram(t *testing.T) {
	s := NewSupervisor("/no/such/agent-binary")
	err := s.Start(t.TempDir(), nil)
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Start with missing program = %v, want SpawnError", err)
	}
}

func TestSupervisorMirror(t *testing.T) {
	script := writeScript(t, `while IFS= read -r line; do echo "got:$line"; done`)
	s := NewSupervisor(script)
	if err := s.Start(t.TempDir(), nil); err != nil {
		t.Fatal(err)
	}
	defer s.Terminate(time.Second)

	var mirror safeBuffer
	s.SetMirror(&mirror)

	// One reader for the whole test; a second scanner on the same PTY
	// would steal bytes.
	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(s.Output())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	waitLine := func(want string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q appeared", want)
				}
				if strings.Contains(line, want) {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	if _, err := s.Write([]byte("tee\n")); err != nil {
		t.Fatal(err)
	}
	waitLine("got:tee")
	if !strings.Contains(mirror.String(), "got:tee") {
		t.Fatalf("mirror = %q, want it to contain the echoed line", mirror.String())
	}

	s.SetMirror(nil)
	if _, err := s.Write([]byte("after\n")); err != nil {
		t.Fatal(err)
	}
	waitLine("got:after")
	if strings.Contains(mirror.String(), "got:after") {
		t.Fatal("mirror received output after it was cleared")
	}
}

// safeBuffer is a mutex-guarded buffer; the mirror is written from the
// output reader goroutine.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSupervisorRoundTrip(t *testing.T) {
	script := writeScript(t, `while IFS= read -r line; do echo "got:$line"; done`)
	s := NewSupervisor(script)
	if err := s.Start(t.TempDir(), nil); err != nil {
		t.Fatal(err)
	}
	defer s.Terminate(time.Second)

	if !s.Alive() {
		t.Fatal("supervisor not alive after Start")
	}
	if _, err := s.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, s, "got:hello")
}

func TestSupervisorEnvReplacement(t *testing.T) {
	script := writeScript(t, `echo "var:${HARVEST_TEST_VAR:-unset} path:${PATH:-empty}"`)
	s := NewSupervisor(script)
	err := s.Start(t.TempDir(), map[string]string{"HARVEST_TEST_VAR": "injected"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Terminate(time.Second)

	// The injected variable is present; the parent's PATH is not.
	line := readUntil(t, s, "var:injected")
	if !strings.Contains(line, "path:empty") {
		t.Errorf("subprocess inherited environment: %q", line)
	}
}

func TestSupervisorExitDetection(t *testing.T) {
	script := writeScript(t, `exit 3`)
	s := NewSupervisor(script)
	if err := s.Start(t.TempDir(), nil); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done never closed")
	}

	if s.Alive() {
		t.Error("Alive() true after exit")
	}
	if code := s.ExitCode(); code != 3 {
		t.Errorf("ExitCode() = %d, want 3", code)
	}
	if _, err := s.Write([]byte("late\n")); !errors.Is(err, ErrProcessDead) {
		t.Errorf("Write after exit = %v, want ErrProcessDead", err)
	}
}

func TestSupervisorTerminate(t *testing.T) {
	script := writeScript(t, `trap '' INT
sleep 60`)
	s := NewSupervisor(script)
	if err := s.Start(t.TempDir(), nil); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := s.Terminate(200 * time.Millisecond); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Terminate took %v", elapsed)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("subprocess still running after Terminate")
	}

	// Idempotent.
	if err := s.Terminate(time.Second); err != nil {
		t.Errorf("second Terminate = %v", err)
	}
}

func TestSupervisorTerminateNeverStarted(t *testing.T) {
	s := NewSupervisor("/bin/sh")
	if err := s.Terminate(time.Second); err != nil {
		t.Errorf("Terminate on unstarted supervisor = %v", err)
	}
}

func TestSupervisorResize(t *testing.T) {
	script := writeScript(t, `sleep 60`)
	s := NewSupervisor(script)
	if err := s.Start(t.TempDir(), nil); err != nil {
		t.Fatal(err)
	}
	defer s.Terminate(time.Second)

	if err := s.Resize(120, 40); err != nil {
		t.Errorf("Resize failed: %v", err)
	}
}
