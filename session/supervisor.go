package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"harvest/log"
)

// Supervisor owns exactly one agent subprocess attached to a
// pseudo-terminal. It is never reused across sessions: End a session,
// throw the supervisor away, build a new one.
type Supervisor struct {
	program string
	args    []string

	mu      sync.Mutex
	ptmx    *os.File
	execCmd *exec.Cmd
	mirror  io.Writer

	done     chan struct{}
	exitCode int
	exitErr  error

	terminateOnce sync.Once
}

// NewSupervisor prepares a supervisor for the given agent program. The
// program string may carry arguments ("claude --print ..."); it is
// split on whitespace.
func NewSupervisor(program string) *Supervisor {
	fields := strings.Fields(program)
	var args []string
	name := ""
	if len(fields) > 0 {
		name = fields[0]
		args = fields[1:]
	}
	return &Supervisor{
		program: name,
		args:    args,
		done:    make(chan struct{}),
	}
}

// Start spawns the subprocess on a PTY. The working directory must
// exist and be writable. env replaces the process environment entirely:
// the subprocess sees exactly the credential and locale variables the
// caller supplies, nothing inherited.
func (s *Supervisor) Start(workDir string, env map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ptmx != nil {
		return fmt.Errorf("supervisor already started")
	}

	info, err := os.Stat(workDir)
	if err != nil {
		return &SpawnError{Program: s.program, Err: fmt.Errorf("working directory: %w", err)}
	}
	if !info.IsDir() {
		return &SpawnError{Program: s.program, Err: fmt.Errorf("working directory %s is not a directory", workDir)}
	}
	// Writability check via a probe file; os.Stat mode bits lie under
	// ACLs and mounted volumes.
	probe, err := os.CreateTemp(workDir, ".harvest-probe-*")
	if err != nil {
		return &SpawnError{Program: s.program, Err: fmt.Errorf("working directory not writable: %w", err)}
	}
	probeName := probe.Name()
	_ = probe.Close()
	_ = os.Remove(probeName)

	cmd := exec.Command(s.program, s.args...)
	cmd.Dir = workDir
	cmd.Env = flattenEnv(env)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return &SpawnError{Program: s.program, Err: err}
	}

	s.ptmx = ptmx
	s.execCmd = cmd

	go s.wait()
	return nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// wait reaps the subprocess and records its exit code.
func (s *Supervisor) wait() {
	err := s.execCmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	s.exitCode = s.execCmd.ProcessState.ExitCode()
	s.mu.Unlock()

	if err != nil {
		log.WarningLog.Printf("agent subprocess exited: %v", err)
	}
	close(s.done)
}

// Write sends bytes to the PTY's input side. Returns ErrProcessDead if
// the subprocess has already exited rather than blocking.
func (s *Supervisor) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, ErrProcessDead
	default:
	}

	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()

	if ptmx == nil {
		return 0, fmt.Errorf("supervisor not started")
	}
	n, err := ptmx.Write(p)
	if err != nil {
		// The PTY closes when the child exits; normalize to the typed error.
		select {
		case <-s.done:
			return n, ErrProcessDead
		default:
		}
		return n, fmt.Errorf("pty write: %w", err)
	}
	return n, nil
}

// Output returns the raw byte stream from the PTY's output side. The
// reader yields io.EOF when the subprocess exits.
func (s *Supervisor) Output() io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &ptyReader{s: s}
}

// SetMirror tees subsequent PTY output to w in addition to the normal
// reader. Pass nil to stop mirroring. Mirror write failures are
// ignored; the demultiplexer remains the authoritative consumer.
func (s *Supervisor) SetMirror(w io.Writer) {
	s.mu.Lock()
	s.mirror = w
	s.mu.Unlock()
}

// ptyReader wraps PTY reads, mapping the EIO a Linux PTY returns after
// child exit to a clean EOF.
type ptyReader struct {
	s *Supervisor
}

func (r *ptyReader) Read(p []byte) (int, error) {
	r.s.mu.Lock()
	ptmx := r.s.ptmx
	r.s.mu.Unlock()

	if ptmx == nil {
		return 0, io.EOF
	}
	n, err := ptmx.Read(p)
	if n > 0 {
		r.s.mu.Lock()
		mirror := r.s.mirror
		r.s.mu.Unlock()
		if mirror != nil {
			_, _ = mirror.Write(p[:n])
		}
	}
	if err != nil && err != io.EOF {
		select {
		case <-r.s.done:
			return n, io.EOF
		default:
		}
	}
	return n, err
}

// Resize sets the PTY window size.
func (s *Supervisor) Resize(cols, rows uint16) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()

	if ptmx == nil {
		return fmt.Errorf("supervisor not started")
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Alive reports whether the subprocess is still running.
func (s *Supervisor) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ptmx != nil
	}
}

// Done returns a channel closed when the subprocess exits.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// ExitCode returns the subprocess exit code. Only meaningful after
// Done() is closed.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Terminate sends SIGINT, waits up to grace for a clean exit, then
// SIGKILLs. Idempotent; safe to call on a never-started supervisor.
func (s *Supervisor) Terminate(grace time.Duration) error {
	var termErr error
	s.terminateOnce.Do(func() {
		s.mu.Lock()
		cmd := s.execCmd
		ptmx := s.ptmx
		s.mu.Unlock()

		if cmd == nil || cmd.Process == nil {
			return
		}

		select {
		case <-s.done:
			// Already exited; just release the PTY.
		default:
			if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
				log.WarningLog.Printf("failed to interrupt subprocess: %v", err)
			}
			select {
			case <-s.done:
			case <-time.After(grace):
				log.WarningLog.Printf("subprocess did not exit within %v, killing", grace)
				if err := cmd.Process.Kill(); err != nil {
					termErr = fmt.Errorf("failed to kill subprocess: %w", err)
				}
				<-s.done
			}
		}

		if ptmx != nil {
			_ = ptmx.Close()
		}
	})
	return termErr
}
