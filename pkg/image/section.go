package image

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// SectionID identifies a section for as long as the process runs. Two
// handles to the same section always carry the same ID.
type SectionID uint64

var lastSectionID uint64

func nextSectionID() SectionID {
	return SectionID(atomic.AddUint64(&lastSectionID, 1))
}

type Symbol struct {
	Name   string
	Offset uint64
	Size   uint64
}

func (sym *Symbol) contains(offset uint64) bool {
	if sym.Size == 0 {
		return offset == sym.Offset
	}
	return offset >= sym.Offset && offset-sym.Offset < sym.Size
}

// Section is a contiguous named range of a module. Children and symbols are
// expected to be added while the module is being built, before the section is
// shared with other goroutines.
type Section struct {
	id     SectionID
	name   string
	offset uint64
	size   uint64

	module atomic.Pointer[Module]
	parent *Section

	children []*Section
	symbols  []*Symbol
}

func newSection(name string, offset, size uint64) *Section {
	return &Section{
		id:     nextSectionID(),
		name:   name,
		offset: offset,
		size:   size,
	}
}

func (s *Section) ID() SectionID {
	return s.id
}

func (s *Section) Name() string {
	return s.name
}

// Offset of the section from its parent, or from the module base for
// top-level sections.
func (s *Section) Offset() uint64 {
	return s.offset
}

func (s *Section) ByteSize() uint64 {
	return s.size
}

func (s *Section) Parent() *Section {
	return s.parent
}

// Module returns the owning module, or nil once it has been released.
func (s *Section) Module() *Module {
	return s.module.Load()
}

func (s *Section) detach() {
	s.module.Store(nil)
	for _, c := range s.children {
		c.detach()
	}
}

// AddChild nests a sub-range inside s. The child must lie within s.
func (s *Section) AddChild(name string, offset, size uint64) (*Section, error) {
	if offset > s.size || size > s.size-offset {
		return nil, fmt.Errorf("child %s [0x%x, 0x%x) exceeds section %s of size 0x%x",
			name, offset, offset+size, s.name, s.size)
	}

	c := newSection(name, offset, size)
	c.parent = s
	c.module.Store(s.Module())

	i := sort.Search(len(s.children), func(i int) bool {
		return s.children[i].offset > offset
	})
	s.children = append(s.children, nil)
	copy(s.children[i+1:], s.children[i:])
	s.children[i] = c
	return c, nil
}

func (s *Section) AddSymbol(name string, offset, size uint64) {
	sym := &Symbol{Name: name, Offset: offset, Size: size}
	i := sort.Search(len(s.symbols), func(i int) bool {
		return s.symbols[i].Offset > offset
	})
	s.symbols = append(s.symbols, nil)
	copy(s.symbols[i+1:], s.symbols[i:])
	s.symbols[i] = sym
}

func (s *Section) Children() []*Section {
	return s.children
}

// ResolveContainedAddress turns an offset within s into the deepest section
// that contains it, plus the symbol covering it if there is one.
func (s *Section) ResolveContainedAddress(offset uint64) (Address, bool) {
	if offset >= s.size {
		return Address{}, false
	}

	sect := s
	for {
		child := sect.childAt(offset)
		if child == nil {
			break
		}
		offset -= child.offset
		sect = child
	}

	addr := Address{Section: sect, Offset: offset}
	if sym := sect.symbolAt(offset); sym != nil {
		addr.Symbol = sym
		addr.SymbolOffset = offset - sym.Offset
	}
	return addr, true
}

func (s *Section) childAt(offset uint64) *Section {
	i := sort.Search(len(s.children), func(i int) bool {
		return s.children[i].offset > offset
	})
	// Siblings may share a start offset; the last added one wins.
	for i--; i >= 0; i-- {
		c := s.children[i]
		if offset-c.offset < c.size {
			return c
		}
	}
	return nil
}

func (s *Section) symbolAt(offset uint64) *Symbol {
	i := sort.Search(len(s.symbols), func(i int) bool {
		return s.symbols[i].Offset > offset
	})
	for i--; i >= 0; i-- {
		if s.symbols[i].contains(offset) {
			return s.symbols[i]
		}
	}
	return nil
}

// QualifiedName is "module.section", with nested sections joined by dots.
func (s *Section) QualifiedName() string {
	name := s.name
	for p := s.parent; p != nil; p = p.parent {
		name = p.name + "." + name
	}
	if m := s.Module(); m != nil {
		return m.Filename() + "." + name
	}
	return name
}

// Describe is the one-line form used by load list dumps.
func (s *Section) Describe() string {
	return fmt.Sprintf("%s size=0x%x children=%d symbols=%d",
		s.QualifiedName(), s.size, len(s.children), len(s.symbols))
}

func (s *Section) String() string {
	return s.QualifiedName()
}
