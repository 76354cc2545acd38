package sink

import (
	"fmt"
	"sync"
)

// StoredFrame is one frame retained by a Memory sink
type StoredFrame struct {
	Meta Meta
	Data []byte
}

// Memory is an in-process sink retaining everything it is given, keyed by
// the file name it was opened with.  It is used by tests and as a staging
// area when no writer daemon is configured.
type Memory struct {
	mu      sync.Mutex
	mode    Mode
	current string
	files   map[string][]StoredFrame
	closed  map[string]bool
	stopped bool
}

// NewMemory returns an empty Memory sink in append mode
func NewMemory() *Memory {
	return &Memory{
		mode:   ModeAppend,
		files:  map[string][]StoredFrame{},
		closed: map[string]bool{},
	}
}

// Open begins collecting frames under name
func (m *Memory) Open(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	m.current = name
	if _, ok := m.files[name]; !ok {
		m.files[name] = nil
	}
	return nil
}

// Store retains one frame under the most recently opened name
func (m *Memory) Store(meta Meta, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.current == "" {
		return fmt.Errorf("store before open")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.files[m.current] = append(m.files[m.current], StoredFrame{Meta: meta, Data: cp})
	return nil
}

// Close finalizes name
func (m *Memory) Close(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[name] = true
	if m.current == name {
		m.current = ""
	}
	return nil
}

// SetMode records the grouping mode
func (m *Memory) SetMode(mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

// Mode returns the recorded grouping mode
func (m *Memory) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Stop makes all further commands error
func (m *Memory) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

// Frames returns the frames stored under name
func (m *Memory) Frames(name string) []StoredFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[name]
}

// Closed returns true if name has been finalized
func (m *Memory) Closed(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[name]
}

// Names returns all names opened on the sink
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for k := range m.files {
		out = append(out, k)
	}
	return out
}
