package config

import (
	"os"
	"strings"
	"sync"
)

// SecretStore holds secrets resolved at runtime. The vault middleware writes
// to it; request handlers read from it.
type SecretStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewSecretStore creates an empty store.
func NewSecretStore() *SecretStore {
	return &SecretStore{values: make(map[string]string)}
}

// Get returns the secret stored under name. When nothing is stored it falls
// back to the ACCOUNTS_<NAME> environment variable.
func (s *SecretStore) Get(name string) (string, bool) {
	s.mu.RLock()
	value, ok := s.values[name]
	s.mu.RUnlock()
	if ok {
		return value, true
	}

	envKey := "ACCOUNTS_" + strings.ToUpper(name)
	if value := os.Getenv(envKey); value != "" {
		return value, true
	}
	return "", false
}

// Set stores a single secret.
func (s *SecretStore) Set(name, value string) {
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()
}

// SetAll stores every entry of values in one critical section.
func (s *SecretStore) SetAll(values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range values {
		s.values[name] = value
	}
}

// Names returns the names of the stored secrets.
func (s *SecretStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	return names
}
