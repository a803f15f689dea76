package git

import (
	"fmt"
	"time"

	"harvest/log"
)

// Category classifies why autonomous recovery stopped. The set is
// fixed; each category is independently triggerable without going
// through retries first when detected directly.
type Category string

const (
	// Structural: retries were attempted and exhausted.
	CategoryVerificationFailed Category = "verification-failed"

	// Structural: no retry is attempted for these.
	CategoryUntrackedFileLoss    Category = "untracked-file-loss"
	CategoryRemoteHistoryRewrite Category = "remote-history-rewrite"
	CategoryUnrecognizedError    Category = "unrecognized-error"
	CategoryOwnershipCheckFailed Category = "ownership-check-failed"

	// Environmental: never treated as code-level bugs to fix.
	CategoryPermissionDenied   Category = "permission-denied"
	CategoryStorageExhausted   Category = "storage-exhausted"
	CategoryNetworkTimeout     Category = "network-timeout"
	CategoryMemoryExhausted    Category = "memory-exhausted"
	CategoryRepoCorrupted      Category = "repo-corrupted"
	CategoryCredentialsExpired Category = "credentials-expired"
	CategoryDependencyMissing  Category = "dependency-missing"
	CategoryServiceUnreachable Category = "service-unreachable"
)

// EscalationRecord is the terminal artifact of a failed risky
// operation. Immutable once created; consumed by the external
// notification sink. Carries enough structured context for a human to
// act without re-deriving it from logs. Never contains credential
// material.
type EscalationRecord struct {
	SessionID  string    `json:"session_id"`
	Category   Category  `json:"category"`
	Diagnostic string    `json:"diagnostic"`
	Operation  string    `json:"operation"`
	Attempts   int       `json:"attempts"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r EscalationRecord) String() string {
	cp := r.Checkpoint
	if cp == "" {
		cp = "none"
	}
	return fmt.Sprintf("escalation[%s] op=%s attempts=%d checkpoint=%s: %s",
		r.Category, r.Operation, r.Attempts, cp, r.Diagnostic)
}

// Notifier receives escalation records and milestone events. The
// implementation is an external collaborator (chat, issue tracker); no
// response is required.
type Notifier interface {
	Escalate(record EscalationRecord)
	Milestone(sessionID, message string)
}

// LogNotifier is the default sink: escalations and milestones go to the
// executor log only.
type LogNotifier struct{}

func (LogNotifier) Escalate(record EscalationRecord) {
	log.ErrorLog.Printf("%s", record)
}

func (LogNotifier) Milestone(sessionID, message string) {
	log.InfoLog.Printf("session %s: %s", sessionID, message)
}
