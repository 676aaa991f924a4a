package appctx

import (
	"sync"

	"github.com/john/printlink/printer"
)

// The fakes below back tests in this module and are also used by the daemon
// when a collaborator is not configured.

// MemoryMetadata is an in-memory Metadata.
type MemoryMetadata struct {
	mu     sync.Mutex
	values map[string]string
	Writes int
}

// NewMemoryMetadata returns an empty store.
func NewMemoryMetadata() *MemoryMetadata {
	return &MemoryMetadata{values: make(map[string]string)}
}

func (m *MemoryMetadata) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryMetadata) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.Writes++
	return nil
}

func (m *MemoryMetadata) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// StaticMachine is an ActiveMachine with a fixed key and per-key memory stores.
type StaticMachine struct {
	mu        sync.Mutex
	ActiveKey string
	stores    map[string]*MemoryMetadata
}

func (s *StaticMachine) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ActiveKey
}

// SetKey changes the active key.
func (s *StaticMachine) SetKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ActiveKey = key
}

func (s *StaticMachine) MetadataFor(key string) Metadata {
	return s.Store(key)
}

// Store returns the concrete store for key.
func (s *StaticMachine) Store(key string) *MemoryMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stores == nil {
		s.stores = make(map[string]*MemoryMetadata)
	}
	st, ok := s.stores[key]
	if !ok {
		st = NewMemoryMetadata()
		s.stores[key] = st
	}
	return st
}

// MapPreferences is a Preferences backed by a map.
type MapPreferences map[string]string

func (p MapPreferences) Get(key string) string { return p[key] }

// MapMaterials is a MaterialLookup backed by a map.
type MapMaterials map[string]printer.Material

func (m MapMaterials) LookupMaterial(guid string) (printer.Material, bool) {
	v, ok := m[guid]
	return v, ok
}

// RecordingUI records messages and answers prompts with fixed values.
type RecordingUI struct {
	mu       sync.Mutex
	Messages []*RecordedMessage
	Confirms []Confirmation
	Renames  []RenameRequest
	Stages   []string

	ConfirmAnswer bool
	RenameAnswer  string
}

// RecordedMessage is a message shown through RecordingUI.
type RecordedMessage struct {
	mu       sync.Mutex
	Message  Message
	hidden   bool
	progress float64
}

func (r *RecordedMessage) SetProgress(p float64) {
	r.mu.Lock()
	r.progress = p
	r.mu.Unlock()
}

func (r *RecordedMessage) SetText(text string) {
	r.mu.Lock()
	r.Message.Text = text
	r.mu.Unlock()
}

func (r *RecordedMessage) Hide() {
	r.mu.Lock()
	r.hidden = true
	r.mu.Unlock()
}

// Hidden reports whether Hide was called.
func (r *RecordedMessage) Hidden() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hidden
}

func (u *RecordingUI) ShowMessage(m Message) MessageHandle {
	u.mu.Lock()
	defer u.mu.Unlock()
	rm := &RecordedMessage{Message: m}
	u.Messages = append(u.Messages, rm)
	return rm
}

func (u *RecordingUI) Confirm(c Confirmation) <-chan bool {
	u.mu.Lock()
	u.Confirms = append(u.Confirms, c)
	answer := u.ConfirmAnswer
	u.mu.Unlock()
	ch := make(chan bool, 1)
	ch <- answer
	return ch
}

func (u *RecordingUI) Rename(r RenameRequest) <-chan string {
	u.mu.Lock()
	u.Renames = append(u.Renames, r)
	answer := u.RenameAnswer
	u.mu.Unlock()
	ch := make(chan string, 1)
	ch <- answer
	return ch
}

func (u *RecordingUI) SetStage(name string) {
	u.mu.Lock()
	u.Stages = append(u.Stages, name)
	u.mu.Unlock()
}

// Find returns the messages whose title matches.
func (u *RecordingUI) Find(title string) []*RecordedMessage {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []*RecordedMessage
	for _, m := range u.Messages {
		if m.Message.Title == title {
			out = append(out, m)
		}
	}
	return out
}

// StageList returns a copy of the recorded stages.
func (u *RecordingUI) StageList() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.Stages...)
}

// ConfirmList returns a copy of the recorded confirmations.
func (u *RecordingUI) ConfirmList() []Confirmation {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Confirmation(nil), u.Confirms...)
}

// RenameList returns a copy of the recorded rename requests.
func (u *RecordingUI) RenameList() []RenameRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]RenameRequest(nil), u.Renames...)
}
