// Package users is the principal profile store: a flat users.json file
// written by atomic replace, holding each tenant's enabled flag, language
// allow-list, and resource-limit overrides. The transport layer resolves an
// authenticated caller to one of these profiles before any core operation
// runs.
package users

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"sandboxd/pkg/types"
)

// User is one stored principal profile.
type User struct {
	ID               string               `json:"id"`
	Username         string               `json:"username"`
	Enabled          bool                 `json:"enabled"`
	IsAdmin          bool                 `json:"is_admin"`
	AllowedLanguages []string             `json:"allowed_languages"`
	Limits           types.ResourceLimits `json:"limits"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// Principal converts the stored profile into the core's Principal view.
func (u User) Principal() types.Principal {
	var allowed map[string]bool
	if len(u.AllowedLanguages) > 0 {
		allowed = make(map[string]bool, len(u.AllowedLanguages))
		for _, l := range u.AllowedLanguages {
			allowed[l] = true
		}
	}
	return types.Principal{
		ID:            u.ID,
		Enabled:       u.Enabled,
		AllowedLangs:  allowed,
		LimitOverride: u.Limits,
		IsAdmin:       u.IsAdmin,
	}
}

// Store holds every profile in memory and persists the whole set to
// users.json on every mutation.
type Store struct {
	path string

	mu    sync.RWMutex
	users map[string]User
}

// Open loads (or initializes) the store backed by path.
func Open(path string) (*Store, error) {
	s := &Store{path: path, users: make(map[string]User)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read user store: %w", err)
	}
	var list []User
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse user store: %w", err)
	}
	for _, u := range list {
		s.users[u.ID] = u
	}
	return s, nil
}

// persist writes the full user set to a temp file and renames it over
// users.json so readers never observe a torn write.
func (s *Store) persist() error {
	list := make([]User, 0, len(s.users))
	for _, u := range s.users {
		list = append(list, u)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Create adds a new profile. The ID must be unique.
func (s *Store) Create(u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		return User{}, types.NewError(types.KindInternal, "user id is required", nil)
	}
	if _, exists := s.users[u.ID]; exists {
		return User{}, types.NewError(types.KindInternal, fmt.Sprintf("user %q already exists", u.ID), nil)
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = u
	if err := s.persist(); err != nil {
		delete(s.users, u.ID)
		return User{}, types.NewError(types.KindInternal, "persist user store", err)
	}
	return u, nil
}

// Get looks up a profile by ID.
func (s *Store) Get(id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, types.NewError(types.KindNotFound, fmt.Sprintf("user %q not found", id), nil)
	}
	return u, nil
}

// Update replaces an existing profile, preserving its creation time.
func (s *Store) Update(u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.users[u.ID]
	if !ok {
		return User{}, types.NewError(types.KindNotFound, fmt.Sprintf("user %q not found", u.ID), nil)
	}
	u.CreatedAt = prev.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	s.users[u.ID] = u
	if err := s.persist(); err != nil {
		s.users[u.ID] = prev
		return User{}, types.NewError(types.KindInternal, "persist user store", err)
	}
	return u, nil
}

// Delete removes a profile.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.users[id]
	if !ok {
		return types.NewError(types.KindNotFound, fmt.Sprintf("user %q not found", id), nil)
	}
	delete(s.users, id)
	if err := s.persist(); err != nil {
		s.users[id] = prev
		return types.NewError(types.KindInternal, "persist user store", err)
	}
	return nil
}

// List returns every stored profile, sorted by ID.
func (s *Store) List() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
