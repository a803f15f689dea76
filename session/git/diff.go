package git

import (
	"strings"
	"time"
)

// Default cache duration for diff stats
const defaultDiffCacheDuration = 5 * time.Second

// DiffStats holds statistics about the changes on the session branch
type DiffStats struct {
	// Content is the full diff content
	Content string
	// Added is the number of added lines
	Added int
	// Removed is the number of removed lines
	Removed int
	// Error holds any error that occurred during diff computation
	// This allows propagating setup errors (like a missing remote) without breaking the flow
	Error error
}

func (d *DiffStats) IsEmpty() bool {
	return d.Added == 0 && d.Removed == 0 && d.Content == ""
}

// Diff returns the diff between the working tree and the point the
// branch diverged from the remote, along with statistics. Results are
// cached for up to 5 seconds to reduce expensive git operations.
func (r *Repo) Diff() *DiffStats {
	if r.diffCacheDuration == 0 {
		r.diffCacheDuration = defaultDiffCacheDuration
	}

	if r.cachedDiffStats != nil && time.Since(r.diffCacheTime) < r.diffCacheDuration {
		// Quick dirty check - if no changes, return cached empty stats
		if r.cachedDiffStats.IsEmpty() {
			dirty, err := r.IsDirty()
			if err == nil && !dirty {
				return r.cachedDiffStats
			}
		} else {
			return r.cachedDiffStats
		}
	}

	stats := r.diffUncached()
	r.cachedDiffStats = stats
	r.diffCacheTime = time.Now()
	return stats
}

// diffUncached performs the actual git diff operation without caching
func (r *Repo) diffUncached() *DiffStats {
	stats := &DiffStats{}

	// -N stages untracked files (intent to add), including them in the diff
	if _, err := r.git("add", "-N", "."); err != nil {
		stats.Error = err
		return stats
	}

	base, err := r.MergeBase()
	if err != nil {
		stats.Error = err
		return stats
	}
	if base == "" {
		base = "HEAD"
	}

	content, err := r.git("--no-pager", "diff", base)
	if err != nil {
		stats.Error = err
		return stats
	}
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			stats.Added++
		} else if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
			stats.Removed++
		}
	}
	stats.Content = content
	return stats
}

// InvalidateDiffCache clears the cached diff stats, forcing the next
// Diff() call to perform a fresh git diff operation. Call this after
// the agent has been running.
func (r *Repo) InvalidateDiffCache() {
	r.cachedDiffStats = nil
	r.diffCacheTime = time.Time{}
}
