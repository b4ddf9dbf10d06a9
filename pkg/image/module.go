package image

import (
	"path"
	"strings"
	"sync"
)

// Module is a loaded binary image that owns a set of top-level sections.
type Module struct {
	path string

	mu       sync.Mutex
	sections []*Section
	released bool
}

func NewModule(path string) *Module {
	return &Module{path: path}
}

// NewFlatModule builds a module with a single ".image" section spanning size
// bytes, for images whose section table is not available.
func NewFlatModule(path string, size uint64) *Module {
	m := NewModule(path)
	m.AddSection(".image", 0, size)
	return m
}

func (m *Module) Path() string {
	return m.path
}

// Filename is the base name of the module's path, as in "kernel32.dll".
func (m *Module) Filename() string {
	return BaseName(m.path)
}

// BaseName returns the last element of p, honoring Windows separators on
// every host.
func BaseName(p string) string {
	return path.Base(strings.ReplaceAll(p, `\`, "/"))
}

// AddSection adds a top-level section at offset from the module's base.
func (m *Module) AddSection(name string, offset, size uint64) *Section {
	s := newSection(name, offset, size)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.released {
		s.module.Store(m)
	}
	m.sections = append(m.sections, s)
	return s
}

// Sections returns the module's top-level sections in insertion order.
func (m *Module) Sections() []*Section {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Section(nil), m.sections...)
}

func (m *Module) Section(name string) *Section {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sections {
		if s.name == name {
			return s
		}
	}
	return nil
}

// Release tears the module down. Its sections stay valid objects but are
// detached: Section.Module returns nil from now on.
func (m *Module) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	for _, s := range m.sections {
		s.detach()
	}
}
