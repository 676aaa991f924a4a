// Package machine persists per-machine metadata and the active machine
// selection as YAML files, one file per machine.
package machine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/john/printlink/appctx"
	"github.com/john/printlink/logger"
)

const activeFile = "active.yaml"

type machineFile struct {
	Key      string            `yaml:"key"`
	Metadata map[string]string `yaml:"metadata"`
}

type activeState struct {
	Key string `yaml:"key"`
}

// Store is a YAML-file backed metadata store keyed by device id.
type Store struct {
	mu     sync.RWMutex
	dir    string
	log    *logger.Logger
	cache  map[string]map[string]string
	active string

	observers []func(key string)
}

// Open loads every machine file under dir, creating dir when needed.
func Open(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating machine directory: %w", err)
	}

	s := &Store{
		dir:   dir,
		log:   log,
		cache: make(map[string]map[string]string),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading machine directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		if name == activeFile {
			if err := s.loadActive(); err != nil {
				log.Warnw("failed to load active machine", "err", err)
			}
			continue
		}
		if err := s.loadMachine(filepath.Join(dir, name)); err != nil {
			// A corrupted file is recreated on the next write.
			log.Warnw("failed to load machine file", "file", name, "err", err)
		}
	}
	return s, nil
}

func (s *Store) loadMachine(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var mf machineFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return err
	}
	if mf.Key == "" {
		return fmt.Errorf("missing key")
	}
	if mf.Metadata == nil {
		mf.Metadata = make(map[string]string)
	}
	s.cache[mf.Key] = mf.Metadata
	return nil
}

func (s *Store) loadActive() error {
	data, err := os.ReadFile(filepath.Join(s.dir, activeFile))
	if err != nil {
		return err
	}
	var st activeState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return err
	}
	s.active = st.Key
	return nil
}

// fileName maps a device id onto a safe file name. The real key is stored
// inside the file.
func fileName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return "machine-" + b.String() + ".yaml"
}

// save writes one machine. Caller holds the write lock.
func (s *Store) save(key string) error {
	data, err := yaml.Marshal(machineFile{Key: key, Metadata: s.cache[key]})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, fileName(key)), data, 0o644)
}

// Key returns the active machine key.
func (s *Store) Key() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive selects the active machine, persists the choice and notifies
// observers when it changed.
func (s *Store) SetActive(key string) error {
	s.mu.Lock()
	if s.active == key {
		s.mu.Unlock()
		return nil
	}
	s.active = key
	data, err := yaml.Marshal(activeState{Key: key})
	if err == nil {
		err = os.WriteFile(filepath.Join(s.dir, activeFile), data, 0o644)
	}
	observers := append([]func(string){}, s.observers...)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("saving active machine: %w", err)
	}
	for _, fn := range observers {
		fn(key)
	}
	return nil
}

// OnActiveChanged registers fn to be called after SetActive changes the key.
func (s *Store) OnActiveChanged(fn func(key string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Machines lists every key with stored metadata.
func (s *Store) Machines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MetadataFor returns the metadata view of one machine.
func (s *Store) MetadataFor(key string) appctx.Metadata {
	return &Metadata{store: s, key: key}
}

// Metadata is the view of one machine's entries.
type Metadata struct {
	store *Store
	key   string
}

// Get returns the value for k.
func (m *Metadata) Get(k string) (string, bool) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	v, ok := m.store.cache[m.key][k]
	return v, ok
}

// Set stores v under k and writes the machine file.
func (m *Metadata) Set(k, v string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	ns, ok := m.store.cache[m.key]
	if !ok {
		ns = make(map[string]string)
		m.store.cache[m.key] = ns
	}
	ns[k] = v
	if err := m.store.save(m.key); err != nil {
		return fmt.Errorf("saving machine %s: %w", m.key, err)
	}
	return nil
}

// Remove deletes k and writes the machine file.
func (m *Metadata) Remove(k string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	ns, ok := m.store.cache[m.key]
	if !ok {
		return nil
	}
	if _, ok := ns[k]; !ok {
		return nil
	}
	delete(ns, k)
	if err := m.store.save(m.key); err != nil {
		return fmt.Errorf("saving machine %s: %w", m.key, err)
	}
	return nil
}
