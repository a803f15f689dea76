// Package app wires a single interactive session: prompts come from
// stdin, turn responses go to stdout, and a small command vocabulary
// drives publishing and inspection. It is the local, headless front end
// for the executor; orchestrators embed the session package directly.
package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"harvest/log"
	"harvest/session"
	"harvest/session/git"
)

// detachByte ends an attach passthrough (ctrl-q).
const detachByte = 0x11

// Options carries everything Run needs to provision the session.
type Options struct {
	RepoPath    string
	RepoOwner   string
	RepoName    string
	SessionName string
	Program     string
	Identity    git.Identity

	// ValidateCmd, when non-empty, is run with `sh -c` in the repository
	// before every publish.
	ValidateCmd string
}

// Run provisions one session and serves the stdin REPL until EOF, a
// quit command, or a termination signal.
func Run(ctx context.Context, opts Options) error {
	manager := session.NewManager(nil)

	var validate git.ValidateFunc
	if opts.ValidateCmd != "" {
		repoPath := opts.RepoPath
		cmdStr := opts.ValidateCmd
		validate = func(vctx context.Context) error {
			cmd := exec.CommandContext(vctx, "sh", "-c", cmdStr)
			cmd.Dir = repoPath
			output, err := cmd.CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s: %s", err, strings.TrimSpace(string(output)))
			}
			return nil
		}
	}

	s, err := manager.Create(ctx, session.Options{
		RepoPath:  opts.RepoPath,
		RepoOwner: opts.RepoOwner,
		RepoName:  opts.RepoName,
		Name:      opts.SessionName,
		Identity:  opts.Identity,
		Program:   opts.Program,
		Env:       agentEnv(),
		Validate:  validate,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.EndAll(); err != nil {
			log.ErrorLog.Printf("teardown: %v", err)
		}
	}()

	fmt.Printf("session %s on branch %s (agent: %s)\n", s.Name, s.Branch(), opts.Program)
	fmt.Println(`type a prompt, or :publish / :diff / :status / :attach / :quit`)

	// Signals tear the session down cleanly; a SIGKILLed executor
	// leaves the durable store intact for the next incarnation.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Printf("\nreceived %s, shutting down\n", sig)
			cancel()
		case <-runCtx.Done():
		}
	}()

	// One goroutine owns stdin. The REPL assembles its chunks into
	// lines; attach mode consumes them raw.
	input := make(chan []byte)
	go func() {
		defer close(input)
		for {
			buf := make([]byte, 4096)
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				input <- buf[:n]
			}
			if err != nil {
				return
			}
		}
	}()

	var lineBuf bytes.Buffer
	for {
		select {
		case <-runCtx.Done():
			return nil
		case chunk, ok := <-input:
			if !ok {
				return nil
			}
			lineBuf.Write(chunk)
			for {
				raw, err := lineBuf.ReadString('\n')
				if err != nil {
					// Partial line, wait for the rest.
					lineBuf.WriteString(raw)
					break
				}
				quit, err := dispatch(runCtx, s, input, strings.TrimRight(raw, "\r\n"))
				if err != nil {
					fmt.Printf("error: %v\n", err)
				}
				if quit {
					return nil
				}
			}
		}
	}
}

// agentEnvKeys are the variables forwarded from the executor's
// environment into the agent subprocess. The supervisor replaces the
// environment wholesale, so this allowlist is everything the agent
// sees: path/home/locale basics plus the credential variables the
// agent CLIs authenticate with.
var agentEnvKeys = []string{
	"HOME", "PATH", "LANG", "LC_ALL",
	"GITHUB_TOKEN", "CLAUDE_CODE_OAUTH_TOKEN", "ANTHROPIC_API_KEY",
}

func agentEnv() map[string]string {
	env := map[string]string{
		"TERM": "xterm-256color",
	}
	for _, key := range agentEnvKeys {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	return env
}

// dispatch handles one REPL line. Lines starting with ':' are commands;
// everything else is a prompt.
func dispatch(ctx context.Context, s *session.Session, input <-chan []byte, line string) (quit bool, err error) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return false, nil

	case trimmed == ":quit" || trimmed == ":q":
		return true, nil

	case trimmed == ":status":
		fmt.Printf("alive=%v queued=%d branch=%s\n", s.Alive(), s.QueueDepth(), s.Branch())
		if token, caps := s.InitInfo(); token != "" {
			fmt.Printf("agent capabilities: %s\n", strings.Join(caps, ", "))
		}
		if stats := s.Stats(); stats != "" {
			fmt.Println(stats)
		}
		return false, nil

	case trimmed == ":diff":
		stats := s.Diff()
		if stats.Error != nil {
			return false, stats.Error
		}
		fmt.Printf("+%d -%d\n%s\n", stats.Added, stats.Removed, stats.Content)
		return false, nil

	case trimmed == ":publish":
		outcome, err := s.Publish(ctx)
		if err != nil {
			return false, err
		}
		printOutcome(outcome)
		return false, nil

	case trimmed == ":attach":
		return false, attach(ctx, s, input)

	case strings.HasPrefix(trimmed, ":"):
		return false, fmt.Errorf("unknown command %s", trimmed)

	default:
		turn, err := s.SendPrompt(ctx, trimmed)
		if err != nil {
			return false, err
		}
		fmt.Println(turn.Response)
		if len(turn.FilesTouched) > 0 {
			fmt.Printf("[files: %s]\n", strings.Join(turn.FilesTouched, ", "))
		}
		return false, nil
	}
}

// attach switches the terminal to raw mode and passes keystrokes
// straight to the agent until ctrl-q.
func attach(ctx context.Context, s *session.Session, input <-chan []byte) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("attach requires an interactive terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("failed to enter raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, oldState)
		fmt.Println("\ndetached")
	}()

	fmt.Print("attached, ctrl-q to detach\r\n")
	return s.Attach(ctx, &chanReader{ctx: ctx, ch: input}, os.Stdout, detachByte)
}

// chanReader adapts the stdin pump channel to io.Reader for the
// duration of an attach.
type chanReader struct {
	ctx     context.Context
	ch      <-chan []byte
	pending []byte
}

func (r *chanReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		select {
		case <-r.ctx.Done():
			return 0, io.EOF
		case chunk, ok := <-r.ch:
			if !ok {
				return 0, io.EOF
			}
			r.pending = chunk
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func printOutcome(out *git.Outcome) {
	switch {
	case out.Pushed && out.Leased:
		fmt.Println("published (history squashed, lease push)")
	case out.Pushed:
		fmt.Println("published (plain push, shared branch)")
	case out.Escalation != nil:
		fmt.Printf("escalated: %s\n", out.Escalation)
		if out.Checkpoint != "" {
			fmt.Printf("recovery checkpoint: %s\n", out.Checkpoint)
		}
	default:
		fmt.Printf("finished in state %s without publishing\n", out.State)
	}
}
