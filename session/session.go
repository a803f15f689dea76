// Package session implements the sandboxed agent session: a PTY
// supervised agent subprocess, the stream demultiplexer that reassembles
// its output into turns, the FIFO prompt queue, and the git safety
// engine that publishes the session's work.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"harvest/config"
	"harvest/log"
	"harvest/session/git"
	"harvest/session/store"
	"harvest/session/wordgen"

	"github.com/google/uuid"
)

// Status values persisted on the session row.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Options configures a new session. RepoPath, RepoOwner, RepoName and
// Identity are required; everything else has a sensible default.
type Options struct {
	RepoPath  string
	RepoOwner string
	RepoName  string

	// Name seeds the branch name; generated when empty.
	Name string

	Identity git.Identity

	// Program overrides the configured agent CLI.
	Program string

	// Env is the subprocess environment. It replaces the executor's
	// environment wholesale; callers own what the agent can see.
	Env map[string]string

	// Validate runs the repository's verification suite before publish.
	Validate git.ValidateFunc

	// Notifier receives escalations and milestones. Defaults to the log.
	Notifier git.Notifier
}

// Session is one sandboxed agent conversation bound to a repository
// branch. All prompt execution is serialized through the queue; the
// session is safe for concurrent use.
type Session struct {
	ID   string
	Name string

	cfg      *config.Config
	repo     *git.Repo
	store    *store.Store
	sup      *Supervisor
	demux    *Demux
	queue    *PromptQueue
	engine   *git.Engine
	notifier git.Notifier
	profiler *log.TurnProfiler

	endOnce sync.Once
	endErr  error
}

// New provisions a session: branch checkout, durable record, agent
// subprocess, stream demultiplexer, and prompt queue. The session is
// ready for SendPrompt when New returns.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.RepoPath == "" || opts.RepoOwner == "" || opts.RepoName == "" {
		return nil, fmt.Errorf("repo path, owner and name are required")
	}
	if opts.Identity.Email == "" {
		return nil, fmt.Errorf("acting identity is required")
	}

	cfg := config.LoadConfig()
	name := opts.Name
	if name == "" {
		name = wordgen.Generate()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = git.LogNotifier{}
	}

	repo, err := git.OpenRepo(opts.RepoPath, name)
	if err != nil {
		return nil, err
	}
	if err := repo.ConfigureIdentity(opts.Identity); err != nil {
		return nil, err
	}

	stateDir, err := config.GetStateDir()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stateDir, opts.RepoOwner, opts.RepoName)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:       uuid.NewString(),
		Name:     name,
		cfg:      cfg,
		repo:     repo,
		store:    st,
		notifier: notifier,
		profiler: log.GetProfiler(),
	}

	now := time.Now().UTC()
	if err := st.SaveSession(ctx, store.SessionRecord{
		ID:           s.ID,
		RepoOwner:    opts.RepoOwner,
		RepoName:     opts.RepoName,
		Branch:       repo.Branch(),
		Status:       StatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}); err != nil {
		st.Close()
		return nil, err
	}

	// Stale checkpoints are reported, never deleted here.
	if expired, err := st.SweepExpiredCheckpoints(ctx, now); err != nil {
		log.WarningLog.Printf("checkpoint sweep failed: %v", err)
	} else {
		for _, cp := range expired {
			log.WarningLog.Printf("checkpoint %s (branch %s) expired and awaits maintenance", cp.Name, cp.Branch)
		}
	}

	program := opts.Program
	if program == "" {
		program = cfg.DefaultProgram
	}
	if ver := probeAgentVersion(ctx, program); ver != "" {
		log.InfoLog.Printf("agent %q reports version %s", program, ver)
	} else {
		log.WarningLog.Printf("agent %q did not answer a version probe, proceeding anyway", program)
	}
	s.sup = NewSupervisor(program)
	if err := s.sup.Start(repo.Path(), opts.Env); err != nil {
		st.Close()
		return nil, err
	}

	s.demux = NewDemux()
	go s.demux.Run(s.sup.Output())

	retention := time.Duration(cfg.CheckpointRetentionDays) * 24 * time.Hour
	s.engine = git.NewEngine(repo, opts.Identity, s.ID, notifier,
		&checkpointLedger{store: st, retention: retention},
		opts.Validate, s.repairViaAgent, cfg.ValidationTimeout())

	s.queue = NewPromptQueue(cfg.QueueDepth, s.executeTurn)

	log.InfoLog.Printf("session %s (%s) started on branch %s", s.ID, s.Name, repo.Branch())
	return s, nil
}

// SendPrompt enqueues a prompt and blocks until its turn completes, the
// context is cancelled, or the queue refuses it.
func (s *Session) SendPrompt(ctx context.Context, prompt string) (*store.Turn, error) {
	return s.queue.Submit(ctx, prompt)
}

// QueueDepth reports how many prompts are waiting behind the in-flight
// turn.
func (s *Session) QueueDepth() int {
	return s.queue.Depth()
}

// Alive reports whether the agent subprocess is still running.
func (s *Session) Alive() bool {
	return s.sup.Alive()
}

// Diff returns the current working tree diff statistics.
func (s *Session) Diff() *git.DiffStats {
	return s.repo.Diff()
}

// Branch returns the session's git branch name.
func (s *Session) Branch() string {
	return s.repo.Branch()
}

// InitInfo returns the token and capabilities the agent declared at
// startup, if an init record was seen.
func (s *Session) InitInfo() (token string, capabilities []string) {
	return s.demux.InitInfo()
}

// Stats returns the turn latency profile.
func (s *Session) Stats() string {
	return s.profiler.GetStats()
}

// Publish runs the sync-and-publish lifecycle on the session branch.
// Escalation is reported through the returned Outcome, not as an error.
func (s *Session) Publish(ctx context.Context) (*git.Outcome, error) {
	s.repo.InvalidateDiffCache()
	return s.engine.SyncAndPublish(ctx)
}

// Attach mirrors the raw agent terminal to out and forwards bytes from
// in until the detach byte appears, in reaches EOF, or the subprocess
// dies. Turn processing keeps running underneath; anything typed here
// reaches the agent directly, outside the queue.
func (s *Session) Attach(ctx context.Context, in io.Reader, out io.Writer, detach byte) error {
	s.sup.SetMirror(out)
	defer s.sup.SetMirror(nil)

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.sup.Done():
			return ErrProcessDead
		default:
		}
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detach); i >= 0 {
				if i > 0 {
					if _, werr := s.sup.Write(chunk[:i]); werr != nil {
						return werr
					}
				}
				return nil
			}
			if _, werr := s.sup.Write(chunk); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("attach read: %w", err)
		}
	}
}

// probeAgentVersion asks the agent CLI for its version before the real
// session starts. A silent or failing probe is not fatal; some agents
// do not implement --version.
func probeAgentVersion(ctx context.Context, program string) string {
	fields := strings.Fields(program)
	if len(fields) == 0 {
		return ""
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(pctx, fields[0], "--version").Output()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line)
}

// executeTurn is the queue's executor: it rebuilds the context prompt,
// writes it to the agent, waits for the completion sentinel, and
// persists the turn. Exactly one execution is in flight at a time.
func (s *Session) executeTurn(ctx context.Context, prompt string) (*store.Turn, error) {
	defer s.profiler.StartOp("session.turn")()

	index, err := s.store.NextTurnIndex(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	full, err := s.store.BuildContextPrompt(ctx, s.ID, prompt, s.cfg.RecentTurnWindow)
	if err != nil {
		return nil, err
	}

	ticket := s.demux.BeginTurn(index)
	if _, err := s.sup.Write([]byte(full + "\n")); err != nil {
		return nil, err
	}

	timeout := s.cfg.TurnTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	started := time.Now()
	select {
	case result := <-ticket.Done:
		turn := store.Turn{
			SessionID:    s.ID,
			Index:        index,
			Prompt:       prompt,
			Response:     result.Response,
			FilesTouched: result.FilesTouched,
			Completed:    true,
			CreatedAt:    time.Now().UTC(),
		}
		if result.ErrorText != "" {
			log.WarningLog.Printf("session %s turn %d reported errors: %s", s.ID, index, result.ErrorText)
		}
		if err := s.store.AppendTurn(ctx, turn); err != nil {
			return nil, err
		}
		if err := s.store.TouchSession(ctx, s.ID, StatusActive); err != nil {
			log.WarningLog.Printf("session %s: failed to touch session row: %v", s.ID, err)
		}
		s.profiler.RecordTurn(time.Since(started))
		return &turn, nil

	case <-timer.C:
		s.demux.AbandonTurn(index)
		s.recordIncompleteTurn(index, prompt)
		return nil, &TurnTimeoutError{TurnIndex: index, Timeout: timeout}

	case <-ctx.Done():
		s.demux.AbandonTurn(index)
		s.recordIncompleteTurn(index, prompt)
		return nil, ctx.Err()

	case <-s.sup.Done():
		s.demux.AbandonTurn(index)
		s.recordIncompleteTurn(index, prompt)
		return nil, fmt.Errorf("turn %d: agent exited with code %d: %w", index, s.sup.ExitCode(), ErrProcessDead)
	}
}

// recordIncompleteTurn persists a turn that never saw its sentinel, so
// a rebuilt context shows the gap instead of silently dropping it.
func (s *Session) recordIncompleteTurn(index int, prompt string) {
	turn := store.Turn{
		SessionID: s.ID,
		Index:     index,
		Prompt:    prompt,
		Completed: false,
		CreatedAt: time.Now().UTC(),
	}
	// The session context may already be cancelled; persistence gets
	// its own brief deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.AppendTurn(ctx, turn); err != nil {
		log.ErrorLog.Printf("session %s: failed to record incomplete turn %d: %v", s.ID, index, err)
	}
}

// repairViaAgent is the safety engine's repair channel: the diagnostic
// goes through the normal prompt pipeline so the repair is just another
// recorded turn.
func (s *Session) repairViaAgent(ctx context.Context, diagnostic string) error {
	_, err := s.queue.Submit(ctx, fmt.Sprintf(
		"The repository needs repair before your work can be published. Fix the following and make the verification pass:\n\n%s", diagnostic))
	return err
}

// End terminates the session: pending prompts are rejected, the agent
// is stopped, and the durable record is closed out. Idempotent.
func (s *Session) End() error {
	s.endOnce.Do(func() {
		var errs []error
		s.queue.Close()
		if err := s.sup.Terminate(5 * time.Second); err != nil {
			errs = append(errs, err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.TouchSession(ctx, s.ID, StatusEnded); err != nil {
			errs = append(errs, err)
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
		s.endErr = combineErrors(errs)
		log.InfoLog.Printf("session %s (%s) ended", s.ID, s.Name)
	})
	return s.endErr
}

// checkpointLedger adapts the store to the safety engine's recorder
// interface.
type checkpointLedger struct {
	store     *store.Store
	retention time.Duration
}

func (l *checkpointLedger) RecordCheckpoint(sessionID, name, branch, sha, reason string) error {
	now := time.Now().UTC()
	log.GitTrace("session %s: checkpoint %s at %s: %s", sessionID, name, sha, reason)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.store.RecordCheckpoint(ctx, store.Checkpoint{
		SessionID: sessionID,
		Name:      name,
		Branch:    branch,
		CreatedAt: now,
		ExpiresAt: now.Add(l.retention),
	})
}

func (l *checkpointLedger) ResolveCheckpoint(sessionID, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.store.ResolveCheckpoint(ctx, sessionID, name)
}
