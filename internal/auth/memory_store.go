package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryStore provides an in-memory implementation of the Store interface,
// intended for development and testing scenarios.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*User
	principals map[string]*Principal
	nextID     int64
}

// NewMemoryStore initialises the store with the provided seed principals.
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		users:      make(map[string]*User),
		principals: make(map[string]*Principal),
		nextID:     1,
	}
	for _, seed := range seeds {
		if strings.TrimSpace(seed.Username) == "" {
			continue
		}
		if _, exists := store.users[seed.Username]; exists {
			continue
		}
		if err := store.ApplySeed(context.Background(), seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed implements the SeedWriter interface.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]*User)
	}
	if s.principals == nil {
		s.principals = make(map[string]*Principal)
	}
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}
	user, ok := s.users[username]
	if !ok {
		if s.nextID == 0 {
			s.nextID = 1
		}
		user = &User{ID: s.nextID}
		s.nextID++
	}
	user.Username = username
	user.PasswordHash = hashed
	user.Disabled = seed.Disabled
	s.users[username] = user
	principal := &Principal{
		ID:           username,
		Roles:        dedupeStrings(seed.Roles),
		Capabilities: dedupeCapabilities(seed.Capabilities),
		Disabled:     seed.Disabled,
	}
	principal.normalise()
	s.principals[username] = principal
	return nil
}

// FindUserByUsername retrieves the user record.
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if user, ok := s.users[strings.TrimSpace(username)]; ok {
		clone := *user
		return &clone, nil
	}
	return nil, errors.New("user not found")
}

// LoadPrincipal returns the principal with roles and capabilities.
func (s *MemoryStore) LoadPrincipal(_ context.Context, username string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if principal, ok := s.principals[strings.TrimSpace(username)]; ok {
		return principal.Clone(), nil
	}
	return nil, errors.New("principal not found")
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[strings.ToLower(value)] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}

func dedupeCapabilities(values []Capability) []Capability {
	raw := make([]string, 0, len(values))
	for _, value := range values {
		raw = append(raw, string(value))
	}
	deduped := dedupeStrings(raw)
	result := make([]Capability, 0, len(deduped))
	for _, value := range deduped {
		result = append(result, Capability(value))
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
var _ SeedWriter = (*MemoryStore)(nil)
