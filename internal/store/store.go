// Package store holds the few values the panel persists between runs: the
// known host list, the selected host and the API token.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// Well-known keys.
const (
	KeyDevices  = "devices"
	KeySelected = "selected_device"
	KeyToken    = "api_token"
)

// Store is a string key-value store.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// File is a Store backed by a YAML file. Every operation takes an exclusive
// lock on a sibling ".lock" file so a CLI invocation and a running panel
// server do not clobber each other.
type File struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFile returns a File store at path. The file is created on first write.
func NewFile(path string) *File {
	return &File{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

func (f *File) Get(key string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	err := f.withLock(func() error {
		values, err := f.read()
		if err != nil {
			return err
		}
		v, ok = values[key]
		return nil
	})
	return v, ok, err
}

func (f *File) Set(key, value string) error {
	return f.withLock(func() error {
		values, err := f.read()
		if err != nil {
			return err
		}
		values[key] = value
		return f.write(values)
	})
}

func (f *File) Remove(key string) error {
	return f.withLock(func() error {
		values, err := f.read()
		if err != nil {
			return err
		}
		if _, ok := values[key]; !ok {
			return nil
		}
		delete(values, key)
		return f.write(values)
	})
}

func (f *File) withLock(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock state file: %w", err)
	}
	defer f.lock.Unlock()

	return fn()
}

func (f *File) read() (map[string]string, error) {
	values := make(map[string]string)

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if values == nil {
		values = make(map[string]string)
	}
	return values, nil
}

func (f *File) write(values map[string]string) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	// Write atomically by writing to temp file first
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist state file: %w", err)
	}
	return nil
}
