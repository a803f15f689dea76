package store

import (
	"context"
	"fmt"
	"strings"
)

// BuildContextPrompt prefixes a new prompt with the session's recent
// conversation so a freshly recreated sandbox resumes mid-conversation.
// Only the most recent `window` turns are replayed verbatim; older
// turns remain in storage but are not included.
func (s *Store) BuildContextPrompt(ctx context.Context, sessionID, newPrompt string, window int) (string, error) {
	turns, err := s.LoadRecentTurns(ctx, sessionID, window)
	if err != nil {
		return "", err
	}
	if len(turns) == 0 {
		return newPrompt, nil
	}

	var sb strings.Builder
	sb.WriteString("Previous conversation:\n")
	for _, turn := range turns {
		if !turn.Completed {
			// A cancelled turn is part of the record but its partial
			// response must not masquerade as an answer.
			fmt.Fprintf(&sb, "user: %s\nassistant: [turn cancelled before completion]\n", turn.Prompt)
			continue
		}
		fmt.Fprintf(&sb, "user: %s\nassistant: %s\n", turn.Prompt, turn.Response)
	}
	fmt.Fprintf(&sb, "\nUser: %s\n", newPrompt)
	return sb.String(), nil
}
