package git

import (
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// maxRewriteContributors is the largest number of distinct contributors
// (acting identity included) for which history rewriting is considered
// safe. Beyond it the branch counts as shared and is never
// force-pushed.
const maxRewriteContributors = 2

// Contributors collects the distinct contributor emails on commits
// after base, counting both commit authors and Co-authored-by trailer
// credits. An empty base scans the whole branch.
func (r *Repo) Contributors(base string) (map[string]struct{}, error) {
	repo, err := gogit.PlainOpen(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	iter, err := repo.Log(&gogit.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to walk commit log: %w", err)
	}
	defer iter.Close()

	stop := plumbing.NewHash(base)
	seen := make(map[string]struct{})
	err = iter.ForEach(func(c *object.Commit) error {
		if base != "" && c.Hash == stop {
			return storer.ErrStop
		}
		if email := strings.ToLower(strings.TrimSpace(c.Author.Email)); email != "" {
			seen[email] = struct{}{}
		}
		for _, email := range coAuthorEmails(c.Message) {
			seen[email] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate contributors: %w", err)
	}
	return seen, nil
}

// coAuthorEmails extracts the email addresses credited through
// Co-authored-by trailers in a commit message.
func coAuthorEmails(message string) []string {
	var emails []string
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(line), "co-authored-by:") {
			continue
		}
		openIdx := strings.LastIndex(line, "<")
		closeIdx := strings.LastIndex(line, ">")
		if openIdx < 0 || closeIdx <= openIdx+1 {
			continue
		}
		emails = append(emails, strings.ToLower(strings.TrimSpace(line[openIdx+1:closeIdx])))
	}
	return emails
}

// AuthorizeRewrite decides whether force-with-lease is permitted for
// the commits after base. It is safe only when the acting identity is
// among the observed contributors and at most one other party is; a
// branch carrying only somebody else's work, or more than two parties,
// is published with a plain push instead.
func (r *Repo) AuthorizeRewrite(base string, acting Identity) (bool, error) {
	contributors, err := r.Contributors(base)
	if err != nil {
		return false, err
	}
	if len(contributors) == 0 {
		// Nothing after base, so there is no history to rewrite.
		return true, nil
	}
	email := strings.ToLower(strings.TrimSpace(acting.Email))
	if _, ok := contributors[email]; !ok {
		return false, nil
	}
	return len(contributors) <= maxRewriteContributors, nil
}
