// Package config holds the environment collaborator the managers delegate
// process-environment mutation to, the capability flags computed from it,
// and the per-kind connection settings resolved through it.
package config

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// Environment is the test-environment collaborator. The core never reads or
// writes process environment state directly; everything goes through an
// implementation of this interface so isolation and restoration stay in one
// place.
type Environment interface {
	// SetupTestEnvironment snapshots and prepares process-level state.
	SetupTestEnvironment() error
	// TeardownTestEnvironment restores the snapshot taken by setup.
	TeardownTestEnvironment() error
	// Lookup resolves a configuration key, reporting whether it is set.
	Lookup(key string) (string, bool)
}

// ErrNotSetUp is returned when teardown runs without a prior setup.
var ErrNotSetUp = errors.New("test environment was not set up")

// ProcessEnvironment is the default collaborator: it snapshots the real
// process environment on setup and restores it verbatim on teardown.
type ProcessEnvironment struct {
	mu       sync.Mutex
	snapshot map[string]string
	active   bool
}

// NewProcessEnvironment returns a collaborator backed by the real process
// environment.
func NewProcessEnvironment() *ProcessEnvironment {
	return &ProcessEnvironment{}
}

// SetupTestEnvironment snapshots every current environment variable.
func (p *ProcessEnvironment) SetupTestEnvironment() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.snapshot = make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			p.snapshot[kv[:i]] = kv[i+1:]
		}
	}
	p.active = true
	return nil
}

// TeardownTestEnvironment restores the snapshot, removing variables added
// since setup and reinstating any that were changed or unset.
func (p *ProcessEnvironment) TeardownTestEnvironment() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return ErrNotSetUp
	}
	for _, kv := range os.Environ() {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}
		key := kv[:i]
		if _, ok := p.snapshot[key]; !ok {
			os.Unsetenv(key)
		}
	}
	for key, val := range p.snapshot {
		os.Setenv(key, val)
	}
	p.snapshot = nil
	p.active = false
	return nil
}

// Lookup resolves a key from the process environment.
func (p *ProcessEnvironment) Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// StaticEnvironment is a map-backed collaborator for tests and embedded use.
type StaticEnvironment struct {
	mu     sync.RWMutex
	values map[string]string
	active bool
}

// NewStaticEnvironment returns a collaborator serving the given fixed values.
func NewStaticEnvironment(values map[string]string) *StaticEnvironment {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticEnvironment{values: copied}
}

func (s *StaticEnvironment) SetupTestEnvironment() error {
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	return nil
}

func (s *StaticEnvironment) TeardownTestEnvironment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotSetUp
	}
	s.active = false
	return nil
}

func (s *StaticEnvironment) Lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}
