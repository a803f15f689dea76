package git

import (
	"errors"
	"strings"
	"testing"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		state      State
		cond       Condition
		wantState  State
		wantAction Action
	}{
		{StateClean, CondDirtyTree, StateSnapshotted, ActionSnapshot},
		{StateClean, CondCleanTree, StateSyncing, ActionFetch},
		{StateSnapshotted, CondCleanTree, StateSyncing, ActionFetch},
		{StateSyncing, CondUpToDate, StateValidating, ActionValidate},
		{StateSyncing, CondBehindRemote, StateRebasing, ActionCheckpoint},
		{StateSyncing, CondHistoryRewritten, StateEscalated, ActionEscalate},
		{StateRebasing, CondRebaseClean, StateValidating, ActionValidate},
		{StateRebasing, CondRebaseConflict, StateConflicted, ActionFix},
		{StateConflicted, CondConflictResolved, StateValidating, ActionValidate},
		{StateConflicted, CondAttemptsExhausted, StateEscalated, ActionEscalate},
		{StateValidating, CondValidationPassed, StateSquashing, ActionSquash},
		{StateValidating, CondValidationFailed, StateValidating, ActionFix},
		{StateValidating, CondAttemptsExhausted, StateEscalated, ActionEscalate},
		{StateSquashing, CondPushAccepted, StatePushed, ActionNone},
		{StateSquashing, CondPushRejected, StateEscalated, ActionEscalate},
	}

	for _, tt := range tests {
		gotState, gotAction := Decide(tt.state, tt.cond)
		if gotState != tt.wantState || gotAction != tt.wantAction {
			t.Errorf("Decide(%s, %s) = (%s, %s), want (%s, %s)",
				tt.state, tt.cond, gotState, gotAction, tt.wantState, tt.wantAction)
		}
	}
}

func TestDecideUnknownPairEscalates(t *testing.T) {
	// A sequence the protocol never produces must not continue.
	state, action := Decide(StateClean, CondPushAccepted)
	if state != StateEscalated || action != ActionEscalate {
		t.Errorf("Decide(clean, push-accepted) = (%s, %s), want escalation", state, action)
	}

	state, action = Decide(StatePushed, CondDirtyTree)
	if state != StateEscalated || action != ActionEscalate {
		t.Errorf("Decide on terminal state = (%s, %s), want escalation", state, action)
	}
}

func TestTerminal(t *testing.T) {
	if !StatePushed.Terminal() || !StateEscalated.Terminal() {
		t.Error("pushed and escalated must be terminal")
	}
	for _, s := range []State{StateClean, StateSnapshotted, StateSyncing, StateRebasing, StateConflicted, StateValidating, StateSquashing} {
		if s.Terminal() {
			t.Errorf("state %s must not be terminal", s)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want Category
	}{
		{"open /repo/.git/index.lock: permission denied", CategoryPermissionDenied},
		{"fatal: write error: No space left on device", CategoryStorageExhausted},
		{"fatal: unable to access remote: Connection timed out", CategoryNetworkTimeout},
		{"context deadline exceeded", CategoryNetworkTimeout},
		{"fork/exec git: cannot allocate memory", CategoryMemoryExhausted},
		{"error: object file .git/objects/ab/cd is empty", CategoryRepoCorrupted},
		{"fatal: bad object HEAD", CategoryRepoCorrupted},
		{"remote: Invalid username or password. fatal: Authentication failed", CategoryCredentialsExpired},
		{"bash: go: command not found", CategoryDependencyMissing},
		{"fatal: unable to access: Could not resolve host: github.com", CategoryServiceUnreachable},
		{"dial tcp: connection refused", CategoryServiceUnreachable},
		{"something entirely novel", CategoryUnrecognizedError},
	}

	for _, tt := range tests {
		if got := classifyError(errors.New(tt.msg)); got != tt.want {
			t.Errorf("classifyError(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestEscalationRecordString(t *testing.T) {
	rec := EscalationRecord{
		SessionID:  "abc",
		Category:   CategoryVerificationFailed,
		Diagnostic: "tests failing",
		Operation:  "validate",
		Attempts:   3,
		Checkpoint: "feature-checkpoint-1700000000",
	}
	s := rec.String()
	for _, want := range []string{"verification-failed", "validate", "attempts=3", "feature-checkpoint-1700000000", "tests failing"} {
		if !strings.Contains(s, want) {
			t.Errorf("EscalationRecord.String() = %q, missing %q", s, want)
		}
	}
}
