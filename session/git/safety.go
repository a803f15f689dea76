package git

import (
	"context"
	"fmt"
	"strings"
	"time"

	"harvest/log"
)

// State is a phase of the sync-and-publish lifecycle.
type State string

const (
	StateClean       State = "clean"
	StateSnapshotted State = "snapshotted"
	StateSyncing     State = "syncing"
	StateRebasing    State = "rebasing"
	StateConflicted  State = "conflicted"
	StateValidating  State = "validating"
	StateSquashing   State = "squashing"
	StatePushed      State = "pushed"
	StateEscalated   State = "escalated"
)

// Condition is an observation the engine feeds into the state machine.
type Condition string

const (
	CondDirtyTree          Condition = "dirty-tree"
	CondCleanTree          Condition = "clean-tree"
	CondUpToDate           Condition = "up-to-date"
	CondBehindRemote       Condition = "behind-remote"
	CondRebaseClean        Condition = "rebase-clean"
	CondRebaseConflict     Condition = "rebase-conflict"
	CondConflictResolved   Condition = "conflict-resolved"
	CondValidationPassed   Condition = "validation-passed"
	CondValidationFailed   Condition = "validation-failed"
	CondAttemptsExhausted  Condition = "attempts-exhausted"
	CondHistoryRewritten   Condition = "history-rewritten"
	CondPushAccepted       Condition = "push-accepted"
	CondPushRejected       Condition = "push-rejected"
	CondEnvironmentFailure Condition = "environment-failure"
)

// Action is what the engine must do next after a transition.
type Action string

const (
	ActionNone       Action = "none"
	ActionSnapshot   Action = "snapshot"
	ActionFetch      Action = "fetch"
	ActionCheckpoint Action = "checkpoint"
	ActionRebase     Action = "rebase"
	ActionFix        Action = "fix"
	ActionValidate   Action = "validate"
	ActionSquash     Action = "squash"
	ActionPush       Action = "push"
	ActionEscalate   Action = "escalate"
)

type transition struct {
	next   State
	action Action
}

// transitions is the complete lifecycle. Any (state, condition) pair
// absent from the table is a protocol violation and resolves to
// escalation, so an unforeseen sequence can never silently continue.
var transitions = map[State]map[Condition]transition{
	StateClean: {
		CondDirtyTree:          {StateSnapshotted, ActionSnapshot},
		CondCleanTree:          {StateSyncing, ActionFetch},
		CondEnvironmentFailure: {StateEscalated, ActionEscalate},
	},
	StateSnapshotted: {
		CondCleanTree:          {StateSyncing, ActionFetch},
		CondEnvironmentFailure: {StateEscalated, ActionEscalate},
	},
	StateSyncing: {
		CondUpToDate:           {StateValidating, ActionValidate},
		CondBehindRemote:       {StateRebasing, ActionCheckpoint},
		CondHistoryRewritten:   {StateEscalated, ActionEscalate},
		CondEnvironmentFailure: {StateEscalated, ActionEscalate},
	},
	StateRebasing: {
		CondRebaseClean:        {StateValidating, ActionValidate},
		CondRebaseConflict:     {StateConflicted, ActionFix},
		CondEnvironmentFailure: {StateEscalated, ActionEscalate},
	},
	StateConflicted: {
		CondConflictResolved:   {StateValidating, ActionValidate},
		CondRebaseConflict:     {StateConflicted, ActionFix},
		CondAttemptsExhausted:  {StateEscalated, ActionEscalate},
		CondEnvironmentFailure: {StateEscalated, ActionEscalate},
	},
	StateValidating: {
		CondValidationPassed:   {StateSquashing, ActionSquash},
		CondValidationFailed:   {StateValidating, ActionFix},
		CondAttemptsExhausted:  {StateEscalated, ActionEscalate},
		CondEnvironmentFailure: {StateEscalated, ActionEscalate},
	},
	StateSquashing: {
		CondHistoryRewritten:   {StateSquashing, ActionPush},
		CondUpToDate:           {StateSquashing, ActionPush},
		CondPushAccepted:       {StatePushed, ActionNone},
		CondPushRejected:       {StateEscalated, ActionEscalate},
		CondEnvironmentFailure: {StateEscalated, ActionEscalate},
	},
}

// Decide resolves one step of the lifecycle. Terminal states accept no
// further conditions.
func Decide(state State, cond Condition) (State, Action) {
	if byCond, ok := transitions[state]; ok {
		if t, ok := byCond[cond]; ok {
			return t.next, t.action
		}
	}
	return StateEscalated, ActionEscalate
}

// Terminal reports whether the lifecycle has finished.
func (s State) Terminal() bool {
	return s == StatePushed || s == StateEscalated
}

// maxValidationAttempts bounds every agent-driven repair loop. The
// bound is fixed; it is not configuration.
const maxValidationAttempts = 3

// ValidateFunc runs the repository's verification suite. A nil error
// means the tree is publishable.
type ValidateFunc func(ctx context.Context) error

// FixFunc asks the agent to repair the working tree given a
// diagnostic. The engine re-checks after every fix; it never trusts
// the fix blindly.
type FixFunc func(ctx context.Context, diagnostic string) error

// Outcome summarizes a completed SyncAndPublish run.
type Outcome struct {
	State      State
	Pushed     bool
	Leased     bool
	Squashed   bool
	Checkpoint string
	Escalation *EscalationRecord
}

// Engine drives a working tree through snapshot, sync, validation,
// squash and publish. One engine per session branch.
type Engine struct {
	repo      *Repo
	identity  Identity
	sessionID string

	notifier Notifier
	recorder CheckpointRecorder
	validate ValidateFunc
	fix      FixFunc

	validationTimeout time.Duration
}

func NewEngine(repo *Repo, identity Identity, sessionID string, notifier Notifier,
	recorder CheckpointRecorder, validate ValidateFunc, fix FixFunc,
	validationTimeout time.Duration) *Engine {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Engine{
		repo:              repo,
		identity:          identity,
		sessionID:         sessionID,
		notifier:          notifier,
		recorder:          recorder,
		validate:          validate,
		fix:               fix,
		validationTimeout: validationTimeout,
	}
}

// SyncAndPublish runs the full lifecycle: snapshot any dirty work,
// rebase onto the remote, validate (with bounded agent-driven repair),
// squash transient snapshots when the branch is exclusively owned, and
// publish. The returned error covers operational failure only;
// escalation is a successful outcome of the safety protocol and is
// reported through the Outcome.
func (e *Engine) SyncAndPublish(ctx context.Context) (*Outcome, error) {
	out := &Outcome{State: StateClean}
	defer func() { log.GitTrace("session %s: sync finished in state %s", e.sessionID, out.State) }()

	// Snapshot.
	dirty, err := e.repo.IsDirty()
	if err != nil {
		return e.escalate(out, classifyError(err), "snapshot", 0, err.Error()), nil
	}
	if dirty {
		out.State, _ = Decide(out.State, CondDirtyTree)
		if _, _, err := e.repo.Snapshot("pre-sync working tree"); err != nil {
			return e.escalate(out, classifyError(err), "snapshot", 0, err.Error()), nil
		}
	}
	out.State, _ = Decide(out.State, CondCleanTree)

	// Fetch, detecting remote history rewrites against the previously
	// known remote head.
	priorRemote, err := e.repo.RemoteHead()
	if err != nil {
		return e.escalate(out, classifyError(err), "fetch", 0, err.Error()), nil
	}
	if err := e.repo.Fetch(); err != nil {
		return e.escalate(out, classifyError(err), "fetch", 0, err.Error()), nil
	}
	newRemote, err := e.repo.RemoteHead()
	if err != nil {
		return e.escalate(out, classifyError(err), "fetch", 0, err.Error()), nil
	}
	if priorRemote != "" && newRemote != priorRemote && !e.repo.IsAncestor(priorRemote, newRemote) {
		out.State, _ = Decide(out.State, CondHistoryRewritten)
		return e.escalate(out, CategoryRemoteHistoryRewrite, "fetch", 0,
			fmt.Sprintf("remote branch moved from %s to %s without preserving history", priorRemote, newRemote)), nil
	}

	_, behind, err := e.repo.Divergence()
	if err != nil {
		return e.escalate(out, classifyError(err), "fetch", 0, err.Error()), nil
	}

	// Rebase behind a checkpoint.
	if behind > 0 {
		out.State, _ = Decide(out.State, CondBehindRemote)
		if err := e.ensureCheckpoint(out, "pre-rebase"); err != nil {
			return e.escalate(out, classifyError(err), "checkpoint", 0, err.Error()), nil
		}
		conflict, err := e.repo.Rebase()
		if err != nil {
			return e.escalate(out, classifyError(err), "rebase", 0, err.Error()), nil
		}
		if conflict {
			out.State, _ = Decide(out.State, CondRebaseConflict)
			resolved, attempts, err := e.resolveConflicts(ctx)
			if err != nil {
				e.restoreOrWarn(out)
				return e.escalate(out, classifyError(err), "rebase", attempts, err.Error()), nil
			}
			if !resolved {
				out.State, _ = Decide(out.State, CondAttemptsExhausted)
				e.restoreOrWarn(out)
				return e.escalate(out, CategoryVerificationFailed, "rebase", attempts,
					"rebase conflicts unresolved after repeated repair attempts"), nil
			}
			out.State, _ = Decide(StateConflicted, CondConflictResolved)
		} else {
			out.State, _ = Decide(out.State, CondRebaseClean)
		}
	} else {
		out.State, _ = Decide(out.State, CondUpToDate)
	}

	// Validate with bounded repair.
	if e.validate != nil {
		passed, attempts, err := e.validateLoop(ctx)
		if err != nil {
			return e.escalate(out, classifyError(err), "validate", attempts, err.Error()), nil
		}
		if !passed {
			out.State, _ = Decide(out.State, CondAttemptsExhausted)
			return e.escalate(out, CategoryVerificationFailed, "validate", attempts,
				fmt.Sprintf("verification still failing after %d attempts", attempts)), nil
		}
	}
	out.State, _ = Decide(StateValidating, CondValidationPassed)

	// Squash and publish.
	base, err := e.repo.MergeBase()
	if err != nil {
		return e.escalate(out, classifyError(err), "squash", 0, err.Error()), nil
	}
	authorized := false
	if base != "" {
		authorized, err = e.repo.AuthorizeRewrite(base, e.identity)
		if err != nil {
			return e.escalate(out, CategoryOwnershipCheckFailed, "push", 0, err.Error()), nil
		}
	}

	if authorized {
		if err := e.ensureCheckpoint(out, "pre-squash"); err != nil {
			return e.escalate(out, classifyError(err), "checkpoint", 0, err.Error()), nil
		}
		changed, err := e.repo.SquashSnapshots(base)
		if err != nil {
			e.restoreOrWarn(out)
			return e.escalate(out, classifyError(err), "squash", 0, err.Error()), nil
		}
		out.Squashed = changed
		out.State, _ = Decide(out.State, CondHistoryRewritten)
		if err := e.repo.PushWithLease(newRemote); err != nil {
			out.State, _ = Decide(out.State, CondPushRejected)
			e.restoreOrWarn(out)
			return e.escalate(out, classifyError(err), "push", 0, err.Error()), nil
		}
		out.Leased = true
	} else {
		// Shared branch: history is preserved verbatim, snapshots
		// included, and published without force.
		out.State, _ = Decide(out.State, CondUpToDate)
		if err := e.repo.PlainPush(); err != nil {
			out.State, _ = Decide(out.State, CondPushRejected)
			return e.escalate(out, classifyError(err), "push", 0, err.Error()), nil
		}
		e.notifier.Milestone(e.sessionID,
			fmt.Sprintf("branch %s is shared; snapshot commits were pushed without squashing", e.repo.Branch()))
	}

	out.Pushed = true
	out.State, _ = Decide(out.State, CondPushAccepted)
	e.finishCheckpoint(out)
	e.notifier.Milestone(e.sessionID, fmt.Sprintf("published %s", e.repo.Branch()))
	return out, nil
}

// ensureCheckpoint creates and records a checkpoint once per run.
func (e *Engine) ensureCheckpoint(out *Outcome, reason string) error {
	if out.Checkpoint != "" {
		return nil
	}
	name, sha, err := e.repo.CreateCheckpoint()
	if err != nil {
		return err
	}
	out.Checkpoint = name
	if e.recorder != nil {
		if err := e.recorder.RecordCheckpoint(e.sessionID, name, e.repo.Branch(), sha, reason); err != nil {
			log.WarningLog.Printf("session %s: checkpoint %s created but not recorded: %v", e.sessionID, name, err)
		}
	}
	log.GitTrace("session %s: checkpoint %s at %s (%s)", e.sessionID, name, sha, reason)
	return nil
}

// finishCheckpoint resolves and deletes the checkpoint after a
// confirmed publish.
func (e *Engine) finishCheckpoint(out *Outcome) {
	if out.Checkpoint == "" {
		return
	}
	if err := e.repo.DeleteCheckpoint(out.Checkpoint); err != nil {
		log.WarningLog.Printf("session %s: failed to delete checkpoint %s: %v", e.sessionID, out.Checkpoint, err)
	}
	if e.recorder != nil {
		if err := e.recorder.ResolveCheckpoint(e.sessionID, out.Checkpoint); err != nil {
			log.WarningLog.Printf("session %s: failed to resolve checkpoint %s: %v", e.sessionID, out.Checkpoint, err)
		}
	}
	out.Checkpoint = ""
}

// restoreOrWarn rolls the branch back to its checkpoint. Restoration
// is refused when untracked files would be destroyed by it; losing
// work is worse than leaving the branch for a human.
func (e *Engine) restoreOrWarn(out *Outcome) {
	if out.Checkpoint == "" {
		return
	}
	untracked, err := e.repo.UntrackedFiles()
	if err == nil && len(untracked) > 0 {
		log.WarningLog.Printf("session %s: not restoring checkpoint %s, untracked files present: %s",
			e.sessionID, out.Checkpoint, strings.Join(untracked, ", "))
		return
	}
	if err := e.repo.RestoreCheckpoint(out.Checkpoint); err != nil {
		log.WarningLog.Printf("session %s: failed to restore checkpoint %s: %v", e.sessionID, out.Checkpoint, err)
	}
}

// resolveConflicts hands the current rebase conflict to the agent and
// retries, up to the attempt bound.
func (e *Engine) resolveConflicts(ctx context.Context) (resolved bool, attempts int, err error) {
	for attempts = 1; attempts <= maxValidationAttempts; attempts++ {
		if e.fix == nil {
			return false, attempts - 1, fmt.Errorf("rebase conflict with no repair channel available")
		}
		if err := e.fix(ctx, e.repo.ConflictDiagnostic()); err != nil {
			return false, attempts, fmt.Errorf("conflict repair attempt %d failed: %w", attempts, err)
		}
		conflict, err := e.repo.ContinueRebase()
		if err != nil {
			return false, attempts, err
		}
		if !conflict {
			return true, attempts, nil
		}
		log.GitTrace("session %s: conflict persists after repair attempt %d", e.sessionID, attempts)
	}
	if err := e.repo.AbortRebase(); err != nil {
		log.WarningLog.Printf("session %s: failed to abort conflicted rebase: %v", e.sessionID, err)
	}
	return false, maxValidationAttempts, nil
}

// validateLoop runs verification up to the attempt bound, asking the
// agent to repair between failures. Each attempt gets its own timeout.
func (e *Engine) validateLoop(ctx context.Context) (passed bool, attempts int, err error) {
	for attempts = 1; attempts <= maxValidationAttempts; attempts++ {
		vctx := ctx
		var cancel context.CancelFunc
		if e.validationTimeout > 0 {
			vctx, cancel = context.WithTimeout(ctx, e.validationTimeout)
		}
		verr := e.validate(vctx)
		if cancel != nil {
			cancel()
		}
		if verr == nil {
			return true, attempts, nil
		}
		if cat := classifyError(verr); cat != CategoryUnrecognizedError && cat != CategoryVerificationFailed {
			// Environmental failures are not code problems; repairing
			// the tree cannot help.
			return false, attempts, verr
		}
		log.GitTrace("session %s: validation attempt %d failed: %v", e.sessionID, attempts, verr)
		if attempts == maxValidationAttempts || e.fix == nil {
			continue
		}
		if ferr := e.fix(ctx, fmt.Sprintf("verification failed:\n%v", verr)); ferr != nil {
			return false, attempts, fmt.Errorf("repair attempt %d failed: %w", attempts, ferr)
		}
		if _, _, serr := e.repo.Snapshot(fmt.Sprintf("repair attempt %d", attempts)); serr != nil {
			return false, attempts, serr
		}
	}
	return false, maxValidationAttempts, nil
}

// escalate builds the terminal record, notifies, and finalizes the
// outcome. The checkpoint, if any, is left in place and unresolved so
// the state stays recoverable.
func (e *Engine) escalate(out *Outcome, cat Category, op string, attempts int, diagnostic string) *Outcome {
	out.State = StateEscalated
	rec := EscalationRecord{
		SessionID:  e.sessionID,
		Category:   cat,
		Diagnostic: diagnostic,
		Operation:  op,
		Attempts:   attempts,
		Checkpoint: out.Checkpoint,
		CreatedAt:  time.Now().UTC(),
	}
	out.Escalation = &rec
	e.notifier.Escalate(rec)
	return out
}

// classifyError maps an operational failure onto the escalation
// taxonomy by inspecting its text, since git surfaces everything as
// exit status plus stderr.
func classifyError(err error) Category {
	if err == nil {
		return CategoryUnrecognizedError
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "operation not permitted"):
		return CategoryPermissionDenied
	case strings.Contains(msg, "no space left on device") || strings.Contains(msg, "disk quota exceeded"):
		return CategoryStorageExhausted
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "context deadline exceeded"):
		return CategoryNetworkTimeout
	case strings.Contains(msg, "cannot allocate memory") || strings.Contains(msg, "out of memory"):
		return CategoryMemoryExhausted
	case strings.Contains(msg, "object file") && strings.Contains(msg, "empty"),
		strings.Contains(msg, "corrupt") || strings.Contains(msg, "bad object"):
		return CategoryRepoCorrupted
	case strings.Contains(msg, "authentication failed") || strings.Contains(msg, "401") ||
		strings.Contains(msg, "invalid credentials") || strings.Contains(msg, "denied to"):
		return CategoryCredentialsExpired
	case strings.Contains(msg, "command not found") || strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "no such file or directory"):
		return CategoryDependencyMissing
	case strings.Contains(msg, "could not resolve host") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "503"):
		return CategoryServiceUnreachable
	default:
		return CategoryUnrecognizedError
	}
}
