package git

import (
	"fmt"
	"strings"
)

// Commit is a single entry in the branch history.
type Commit struct {
	SHA     string
	Subject string
}

// IsSnapshot reports whether the commit is a transient safety snapshot
// eligible for rewriting.
func (c Commit) IsSnapshot() bool {
	return strings.HasPrefix(c.Subject, snapshotPrefix)
}

// SquashUnit is one commit in the rewritten history: a run of snapshot
// commits folded into the non-snapshot commit that follows them. A
// trailing run with no following commit becomes a unit of its own.
type SquashUnit struct {
	Commits []Commit
	// Anchor is the SHA whose message and authorship the rewritten
	// commit reuses; empty for a trailing snapshot-only unit.
	Anchor string
}

// trailingSubject is the message used when a trailing snapshot run has
// no non-snapshot commit to fold into.
const trailingSubject = "Collected session changes"

// PlanSquash maps a linear history, oldest first, onto the rewritten
// history. Snapshot runs fold forward into the next non-snapshot
// commit; non-snapshot commits survive one to one, in order and with
// their messages intact. The plan for a snapshot-free history is the
// identity.
func PlanSquash(commits []Commit) []SquashUnit {
	var units []SquashUnit
	var run []Commit
	for _, c := range commits {
		if c.IsSnapshot() {
			run = append(run, c)
			continue
		}
		units = append(units, SquashUnit{
			Commits: append(run, c),
			Anchor:  c.SHA,
		})
		run = nil
	}
	if len(run) > 0 {
		units = append(units, SquashUnit{Commits: run})
	}
	return units
}

// planChangesHistory reports whether applying the plan would rewrite
// anything.
func planChangesHistory(units []SquashUnit) bool {
	for _, u := range units {
		if len(u.Commits) > 1 || u.Anchor == "" {
			return true
		}
	}
	return false
}

// SquashSnapshots rewrites the history after base so no snapshot
// commits remain, per PlanSquash. The branch is rebuilt by replaying
// each unit onto base; any failure restores the original HEAD. Returns
// whether history actually changed.
func (r *Repo) SquashSnapshots(base string) (changed bool, err error) {
	if base == "" {
		return false, fmt.Errorf("refusing to squash without a base commit")
	}
	commits, err := r.CommitsSince(base)
	if err != nil {
		return false, err
	}
	plan := PlanSquash(commits)
	if !planChangesHistory(plan) {
		return false, nil
	}

	savedHead, err := r.Head()
	if err != nil {
		return false, err
	}
	restore := func(cause error) (bool, error) {
		if resetErr := r.ResetHard(savedHead); resetErr != nil {
			return false, combineErrors(cause, fmt.Errorf("failed to restore HEAD %s: %w", savedHead, resetErr))
		}
		return false, cause
	}

	if err := r.ResetHard(base); err != nil {
		return false, err
	}
	for _, unit := range plan {
		for _, c := range unit.Commits {
			if _, err := r.git("cherry-pick", "--no-commit", c.SHA); err != nil {
				return restore(fmt.Errorf("failed to replay %s: %w", c.SHA, err))
			}
		}
		if unit.Anchor != "" {
			if _, err := r.git("commit", "-C", unit.Anchor, "--allow-empty", "--no-verify"); err != nil {
				return restore(fmt.Errorf("failed to rewrite commit %s: %w", unit.Anchor, err))
			}
			continue
		}
		// A trailing run can net out to nothing when snapshots undo
		// each other; skip the empty commit.
		if _, err := r.git("diff", "--cached", "--quiet"); err == nil {
			continue
		}
		if _, err := r.git("commit", "-m", trailingSubject, "--no-verify"); err != nil {
			return restore(fmt.Errorf("failed to commit trailing snapshots: %w", err))
		}
	}
	return true, nil
}

func combineErrors(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		strs := make([]string, len(nonNil))
		for i, err := range nonNil {
			strs[i] = err.Error()
		}
		return fmt.Errorf("multiple errors: %s", strings.Join(strs, "; "))
	}
}
