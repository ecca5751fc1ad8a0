// Package controlauth manages password authentication and scoped bearer
// tokens for the engine's control API: a read-only token for status/stream
// endpoints and a control token additionally required for start/stop and
// rule mutation.
package controlauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"splitrouted/internal/statestore"
)

const defaultPassword = "splitrouted"

// bcryptCost is the work factor used when hashing passwords.
// Lowered in tests via the package-level variable below.
var bcryptCost = bcrypt.DefaultCost

// Scope names a capability a bearer token can be validated against. The
// control scope is a superset of read: any token that satisfies Control
// also satisfies Read, but a read-only token never satisfies Control.
type Scope int

const (
	// ScopeRead covers status and event-stream endpoints.
	ScopeRead Scope = iota
	// ScopeControl covers start/stop and rule mutation, and subsumes ScopeRead.
	ScopeControl
)

// Manager handles password authentication and control-token management.
// Auth state is persisted inside the engine's State struct.
type Manager struct {
	store *statestore.Manager
}

// NewManager creates an auth manager backed by the provided state manager.
func NewManager(store *statestore.Manager) *Manager {
	return &Manager{store: store}
}

// EnsureDefaults initialises auth credentials on first run. If no password
// hash is stored, the default password is hashed and saved. If either
// token is missing, a fresh random token is generated for it.
func (m *Manager) EnsureDefaults() error {
	s, err := m.store.Get()
	if err != nil {
		return err
	}
	changed := false

	if s.AuthPasswordHash == "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(defaultPassword), bcryptCost)
		if err != nil {
			return err
		}
		s.AuthPasswordHash = string(hash)
		changed = true
	}

	if s.AuthToken == "" {
		token, err := generateToken()
		if err != nil {
			return err
		}
		s.AuthToken = token
		changed = true
	}

	if s.AuthReadToken == "" {
		token, err := generateToken()
		if err != nil {
			return err
		}
		s.AuthReadToken = token
		changed = true
	}

	if changed {
		return m.store.Save(s)
	}
	return nil
}

// CheckPassword returns true if plain matches the stored password hash.
// Falls back to comparing against the default password if no hash is
// stored yet.
func (m *Manager) CheckPassword(plain string) bool {
	s, err := m.store.Get()
	if err != nil {
		return false
	}
	if s.AuthPasswordHash == "" {
		return plain == defaultPassword
	}
	return bcrypt.CompareHashAndPassword([]byte(s.AuthPasswordHash), []byte(plain)) == nil
}

// SetPassword hashes plain and persists the new hash.
func (m *Manager) SetPassword(plain string) error {
	if plain == "" {
		return errors.New("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcryptCost)
	if err != nil {
		return err
	}
	s, err := m.store.Get()
	if err != nil {
		return err
	}
	s.AuthPasswordHash = string(hash)
	return m.store.Save(s)
}

// ValidateToken reports whether token authorizes the given scope, using a
// constant-time comparison against every token that could satisfy that
// scope to avoid timing side channels.
func (m *Manager) ValidateToken(token string, scope Scope) bool {
	if token == "" {
		return false
	}
	s, err := m.store.Get()
	if err != nil {
		return false
	}
	if s.AuthToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.AuthToken)) == 1 {
		return true
	}
	if scope == ScopeRead && s.AuthReadToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.AuthReadToken)) == 1 {
		return true
	}
	return false
}

// GetToken returns the current token for the given scope.
func (m *Manager) GetToken(scope Scope) (string, error) {
	s, err := m.store.Get()
	if err != nil {
		return "", err
	}
	if scope == ScopeRead {
		return s.AuthReadToken, nil
	}
	return s.AuthToken, nil
}

// RegenerateToken creates and persists a new random token for the given
// scope. Only sessions using that scope's token are invalidated; the other
// scope's token is left untouched.
func (m *Manager) RegenerateToken(scope Scope) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	s, err := m.store.Get()
	if err != nil {
		return "", err
	}
	if scope == ScopeRead {
		s.AuthReadToken = token
	} else {
		s.AuthToken = token
	}
	if err := m.store.Save(s); err != nil {
		return "", err
	}
	return token, nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
