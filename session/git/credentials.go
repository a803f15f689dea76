package git

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"harvest/config"
)

// Credential holds a secret token. Every formatting path is overridden
// so the raw value cannot reach logs, error strings, or serialized
// state by accident; only Reveal hands it back, and only the credential
// store writer calls that.
type Credential string

const redacted = "[REDACTED]"

func (Credential) String() string   { return redacted }
func (Credential) GoString() string { return redacted }

func (Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (c Credential) Empty() bool { return len(c) == 0 }

// Reveal returns the underlying secret. Callers must not place the
// result in argv, URLs, or anything that outlives the write it was
// revealed for.
func (c Credential) Reveal() string { return string(c) }

// Identity is the commit authorship the executor acts under. The
// display name carries a fixed suffix so history reads as
// executor-authored at a glance.
type Identity struct {
	Name  string
	Email string
}

const identitySuffix = " (Harvest)"

// DisplayName returns the authoring name with the executor suffix
// applied exactly once.
func (id Identity) DisplayName() string {
	if strings.HasSuffix(id.Name, identitySuffix) {
		return id.Name
	}
	return id.Name + identitySuffix
}

// ConfigureIdentity sets repo-local authorship and push behavior. The
// credential helper is pointed at the plain-text store so tokens never
// appear on a command line or in a remote URL.
func (r *Repo) ConfigureIdentity(id Identity) error {
	pairs := [][2]string{
		{"user.name", id.DisplayName()},
		{"user.email", id.Email},
		{"credential.helper", "store"},
		{"push.autoSetupRemote", "true"},
	}
	for _, kv := range pairs {
		if _, err := r.git("config", kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to set %s: %w", kv[0], err)
		}
	}
	return nil
}

// WriteCredentialStore writes the git credential store entry for host
// using token. The file is created with owner-only permissions and the
// write is serialized across processes with a file lock; concurrent
// sessions on one machine share the store.
func WriteCredentialStore(host, user string, token Credential) error {
	if token.Empty() {
		return fmt.Errorf("refusing to write empty credential for %s", host)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to resolve home directory: %w", err)
	}
	path := filepath.Join(home, ".git-credentials")

	lock := config.GetCredentialsLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock credential store: %w", err)
	}
	defer lock.Unlock()

	entry := fmt.Sprintf("https://%s:%s@%s\n",
		url.QueryEscape(user), url.QueryEscape(token.Reveal()), host)

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read credential store: %w", err)
	}

	// Replace any prior entry for the same host rather than appending
	// duplicates.
	var lines []string
	for _, line := range strings.Split(string(existing), "\n") {
		if line == "" || strings.HasSuffix(line, "@"+host) {
			continue
		}
		lines = append(lines, line)
	}
	lines = append(lines, strings.TrimSuffix(entry, "\n"))

	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	// An existing file keeps its old mode through WriteFile.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to restrict credential store permissions: %w", err)
	}
	return nil
}
