package git

import (
	"fmt"
	"strings"
	"time"
)

// CheckpointRecorder is the durable ledger a checkpoint is registered
// with the moment the branch exists, so a crash between creation and
// resolution still leaves a record pointing at recoverable state.
type CheckpointRecorder interface {
	RecordCheckpoint(sessionID, name, branch, sha, reason string) error
	ResolveCheckpoint(sessionID, name string) error
}

// CreateCheckpoint snapshots the current HEAD onto a uniquely named
// branch before a history-altering operation. The branch is never
// checked out; it exists purely as a recovery anchor.
func (r *Repo) CreateCheckpoint() (name, sha string, err error) {
	sha, err = r.Head()
	if err != nil {
		return "", "", err
	}
	name = fmt.Sprintf("%s-checkpoint-%d", r.branch, checkpointTimestamp())
	if _, err := r.git("branch", name, sha); err != nil {
		return "", "", fmt.Errorf("failed to create checkpoint branch %s: %w", name, err)
	}
	return name, sha, nil
}

// RestoreCheckpoint hard-resets the session branch to the checkpoint.
// Any rebase left mid-flight is aborted first.
func (r *Repo) RestoreCheckpoint(name string) error {
	if r.RebaseInProgress() {
		if err := r.AbortRebase(); err != nil {
			return err
		}
	}
	if _, err := r.git("rev-parse", "--verify", "--quiet", name); err != nil {
		return fmt.Errorf("checkpoint branch %s does not exist: %w", name, err)
	}
	return r.ResetHard(name)
}

// DeleteCheckpoint removes a checkpoint branch once its operation has
// been confirmed successful.
func (r *Repo) DeleteCheckpoint(name string) error {
	if _, err := r.git("branch", "-D", name); err != nil {
		return fmt.Errorf("failed to delete checkpoint branch %s: %w", name, err)
	}
	return nil
}

// ListCheckpoints returns the checkpoint branches derived from the
// session branch.
func (r *Repo) ListCheckpoints() ([]string, error) {
	output, err := r.git("branch", "--list", "--format=%(refname:short)", r.branch+"-checkpoint-*")
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint branches: %w", err)
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}

// CheckpointAge extracts the creation time encoded in a checkpoint
// branch name.
func CheckpointAge(name string, now time.Time) (time.Duration, bool) {
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return 0, false
	}
	var unix int64
	if _, err := fmt.Sscanf(name[idx+1:], "%d", &unix); err != nil {
		return 0, false
	}
	return now.Sub(time.Unix(unix, 0)), true
}
