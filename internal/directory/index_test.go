package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed() *MemoryDirectory {
	return NewMemoryDirectory(
		User{ID: "1", FullName: "Alice Walker", CurrentCompany: "Initech"},
		User{ID: "2", FullName: "Bob Stone", CurrentCompany: "Global Analytics"},
		User{ID: "3", FullName: "Albert Young", CurrentCompany: "Acme"},
		User{ID: "4", FullName: "Sally Ross", CurrentCompany: "Acme"},
		User{ID: "5", FullName: "Carl Dean", CurrentCompany: "Altavista"},
		User{ID: "6", FullName: "Zed Quinn", CurrentCompany: "Nothing"},
	)
}

func ids(results []SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func loadedIndex(t *testing.T, dir Directory) *Index {
	t.Helper()
	ix := NewIndex(dir, time.Hour)
	require.NoError(t, ix.Refresh(context.Background()))
	return ix
}

func TestSearchRanksPrefixThenNameThenCompany(t *testing.T) {
	ix := loadedIndex(t, seed())

	got := ix.Search("al", 10, "")
	// Prefix on name: Albert, Alice. Substring on name: Sally. Company: Bob (Global Analytics), Carl (Altavista).
	assert.Equal(t, []string{"3", "1", "4", "2", "5"}, ids(got))
}

func TestSearchIsCaseInsensitive(t *testing.T) {
	ix := loadedIndex(t, seed())

	assert.Equal(t, ids(ix.Search("al", 10, "")), ids(ix.Search("AL", 10, "")))
	assert.Equal(t, []string{"6"}, ids(ix.Search("QUINN", 10, "")))
}

func TestSearchRespectsLimit(t *testing.T) {
	ix := loadedIndex(t, seed())

	assert.Equal(t, []string{"3", "1", "4"}, ids(ix.Search("al", 3, "")))
	assert.Equal(t, []string{"3"}, ids(ix.Search("al", 1, "")))
	assert.Empty(t, ix.Search("al", 0, ""))
}

func TestSearchExcludesCaller(t *testing.T) {
	ix := loadedIndex(t, seed())

	assert.Equal(t, []string{"3", "4", "2", "5"}, ids(ix.Search("al", 10, "1")))
}

func TestSearchNoMatch(t *testing.T) {
	ix := loadedIndex(t, seed())

	got := ix.Search("xyz", 10, "")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSearchProjectsProfile(t *testing.T) {
	dir := NewMemoryDirectory(User{
		ID: "9", FullName: "Dana Scully", ProfilePicture: "https://img/9.png",
		PassoutYear: 2012, CurrentCompany: "FBI", CurrentLocation: "Washington",
	})
	ix := loadedIndex(t, dir)

	got := ix.Search("dana", 10, "")
	require.Len(t, got, 1)
	assert.Equal(t, SearchResult{
		ID: "9", FullName: "Dana Scully", ProfilePicture: "https://img/9.png",
		PassoutYear: 2012, CurrentCompany: "FBI", CurrentLocation: "Washington",
	}, got[0])
}

func TestRefreshPicksUpDirectoryChanges(t *testing.T) {
	dir := seed()
	ix := loadedIndex(t, dir)
	assert.Empty(t, ix.Search("mulder", 10, ""))

	dir.Put(User{ID: "7", FullName: "Fox Mulder"})
	assert.Empty(t, ix.Search("mulder", 10, ""), "snapshot must not change before a refresh")

	require.NoError(t, ix.Refresh(context.Background()))
	assert.Equal(t, []string{"7"}, ids(ix.Search("mulder", 10, "")))
	assert.Equal(t, 7, ix.Size())
}

func TestRunRefreshesOnInvalidate(t *testing.T) {
	dir := seed()
	ix := loadedIndex(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ix.Run(ctx)

	dir.Put(User{ID: "8", FullName: "Walter Skinner"})
	ix.Invalidate()

	assert.Eventually(t, func() bool {
		return len(ix.Search("skinner", 10, "")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

type failingDirectory struct{ *MemoryDirectory }

func (failingDirectory) All(context.Context) ([]User, error) {
	return nil, errors.New("directory down")
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	dir := seed()
	ix := loadedIndex(t, dir)

	broken := &Index{dir: failingDirectory{dir}, interval: time.Hour, entries: ix.entries, invalidate: make(chan struct{}, 1)}
	assert.Error(t, broken.Refresh(context.Background()))
	assert.Len(t, broken.Search("al", 10, ""), 5)
}
