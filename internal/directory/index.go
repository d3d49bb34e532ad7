package directory

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/horizon/dm-app/internal/metrics"
)

// DefaultRefreshInterval bounds how stale a search can be relative to the
// directory when no change notification arrives.
const DefaultRefreshInterval = 5 * time.Second

// SearchResult is the part of a profile needed to pick a conversation
// partner.
type SearchResult struct {
	ID              string `json:"id"`
	FullName        string `json:"full_name"`
	ProfilePicture  string `json:"profile_picture"`
	PassoutYear     int    `json:"passout_year"`
	CurrentCompany  string `json:"current_company"`
	CurrentLocation string `json:"current_location"`
	Online          bool   `json:"online"`
}

func toResult(u User) SearchResult {
	return SearchResult{
		ID:              u.ID,
		FullName:        u.FullName,
		ProfilePicture:  u.ProfilePicture,
		PassoutYear:     u.PassoutYear,
		CurrentCompany:  u.CurrentCompany,
		CurrentLocation: u.CurrentLocation,
	}
}

// entry is a snapshot row with its match keys lowered once at load time.
type entry struct {
	user    User
	name    string
	company string
}

// Index is an eventually consistent, in-memory copy of the directory that
// answers ranked substring searches. The snapshot is replaced wholesale on
// every refresh, so searches never observe a partially loaded directory.
type Index struct {
	dir      Directory
	interval time.Duration

	mu       sync.RWMutex
	entries  []entry
	loadedAt time.Time

	invalidate chan struct{}
}

// NewIndex creates an index over dir. Call Refresh once before serving and
// Run to keep the snapshot fresh.
func NewIndex(dir Directory, interval time.Duration) *Index {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Index{
		dir:        dir,
		interval:   interval,
		invalidate: make(chan struct{}, 1),
	}
}

// Refresh reloads the snapshot from the directory. On error the previous
// snapshot stays in place.
func (ix *Index) Refresh(ctx context.Context) error {
	users, err := ix.dir.All(ctx)
	if err != nil {
		return err
	}

	entries := lo.Map(users, func(u User, _ int) entry {
		return entry{
			user:    u,
			name:    strings.ToLower(u.FullName),
			company: strings.ToLower(u.CurrentCompany),
		}
	})

	ix.mu.Lock()
	ix.entries = entries
	ix.loadedAt = time.Now()
	ix.mu.Unlock()

	metrics.IndexSize.Set(float64(len(entries)))
	return nil
}

// Invalidate asks the refresh loop to reload as soon as possible. It never
// blocks; repeated calls before the reload collapse into one.
func (ix *Index) Invalidate() {
	select {
	case ix.invalidate <- struct{}{}:
	default:
	}
}

// Run refreshes the snapshot every interval and whenever Invalidate is
// called. It returns when ctx is cancelled.
func (ix *Index) Run(ctx context.Context) {
	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[index] refresh loop stopped")
			return
		case <-ticker.C:
		case <-ix.invalidate:
		}

		if err := ix.Refresh(ctx); err != nil {
			log.Printf("[index] refresh failed, serving snapshot from %s: %v",
				ix.LoadedAt().Format(time.RFC3339), err)
		}
	}
}

// Search returns up to limit users matching query, case-insensitively:
// names starting with query first, then names containing it, then companies
// containing it. Each tier keeps the snapshot's alphabetical order. The user
// identified by exclude (the caller) is never returned.
func (ix *Index) Search(query string, limit int, exclude string) []SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return []SearchResult{}
	}

	ix.mu.RLock()
	entries := ix.entries
	ix.mu.RUnlock()

	var prefix, inName, inCompany []User
	for _, e := range entries {
		if e.user.ID == exclude {
			continue
		}
		switch {
		case strings.HasPrefix(e.name, q):
			prefix = append(prefix, e.user)
		case strings.Contains(e.name, q):
			inName = append(inName, e.user)
		case strings.Contains(e.company, q):
			inCompany = append(inCompany, e.user)
		}
		// The top tier alone fills the page; lower tiers cannot displace it.
		if len(prefix) >= limit {
			break
		}
	}

	ranked := lo.Flatten([][]User{prefix, inName, inCompany})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return lo.Map(ranked, func(u User, _ int) SearchResult { return toResult(u) })
}

// Size returns the number of users in the current snapshot.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// LoadedAt returns when the current snapshot was loaded.
func (ix *Index) LoadedAt() time.Time {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.loadedAt
}
