// Package directory reads the externally owned user directory and answers
// recipient searches over it. Nothing in this package writes user records.
package directory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrUserNotFound is returned when a user id does not resolve.
var ErrUserNotFound = errors.New("directory: user not found")

// User is a profile as maintained by the profile service.
type User struct {
	ID              string `json:"id"`
	FullName        string `json:"full_name"`
	ProfilePicture  string `json:"profile_picture"`
	PassoutYear     int    `json:"passout_year"`
	CurrentCompany  string `json:"current_company"`
	CurrentLocation string `json:"current_location"`
}

// Directory is the read-only view of user records.
type Directory interface {
	// Get returns the user with the given id or ErrUserNotFound.
	Get(ctx context.Context, id string) (User, error)

	// All returns every user, ordered by name.
	All(ctx context.Context) ([]User, error)
}

// byName orders users alphabetically by name, case-insensitively, then by id.
func byName(users []User) {
	sort.SliceStable(users, func(i, j int) bool {
		a, b := strings.ToLower(users[i].FullName), strings.ToLower(users[j].FullName)
		if a != b {
			return a < b
		}
		return users[i].ID < users[j].ID
	})
}

// MemoryDirectory is an in-process Directory used in development and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryDirectory creates a directory seeded with users.
func NewMemoryDirectory(users ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Put inserts or replaces a user, standing in for the profile service.
func (d *MemoryDirectory) Put(u User) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

// Get implements Directory.
func (d *MemoryDirectory) Get(_ context.Context, id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// All implements Directory.
func (d *MemoryDirectory) All(_ context.Context) ([]User, error) {
	d.mu.RLock()
	users := make([]User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	d.mu.RUnlock()

	byName(users)
	return users, nil
}
