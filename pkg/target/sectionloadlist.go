package target

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/codecat/loadlist/pkg/image"
)

// InvalidAddress is returned for sections that are not loaded.
const InvalidAddress = ^uint64(0)

type loadEntry struct {
	addr    uint64
	section *image.Section
}

func entryLess(a, b loadEntry) bool {
	return a.addr < b.addr
}

var lastListSeq uint64

// SectionLoadList records where the sections of loaded modules currently
// reside in a target's address space, and maps runtime addresses back to
// sections.
//
// The list keeps two indices over the same pairs: addrToSect, ordered by
// address, and sectToAddr, keyed by section identity. A section has at most
// one load address. An address holds at most one section; when a second
// section is loaded at the same address it replaces the first in addrToSect
// while the first keeps its sectToAddr entry.
//
// All methods are safe for concurrent use. None of them calls another
// exported method while holding the lock.
type SectionLoadList struct {
	seq  uint64
	sink Sink

	mu         sync.RWMutex
	addrToSect *btree.BTreeG[loadEntry]
	sectToAddr map[image.SectionID]uint64
}

type Option func(*SectionLoadList)

// WithSink routes diagnostics to s instead of discarding them.
func WithSink(s Sink) Option {
	return func(l *SectionLoadList) {
		if s != nil {
			l.sink = s
		}
	}
}

func New(opts ...Option) *SectionLoadList {
	l := &SectionLoadList{
		seq:        atomic.AddUint64(&lastListSeq, 1),
		sink:       NopSink{},
		addrToSect: btree.NewG[loadEntry](16, entryLess),
		sectToAddr: make(map[image.SectionID]uint64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Clone returns an independent copy of l that shares l's sink.
func (l *SectionLoadList) Clone() *SectionLoadList {
	// Cloning the tree marks its nodes copy-on-write, which writes to l.
	l.mu.Lock()
	defer l.mu.Unlock()

	ret := &SectionLoadList{
		seq:        atomic.AddUint64(&lastListSeq, 1),
		sink:       l.sink,
		addrToSect: l.addrToSect.Clone(),
		sectToAddr: make(map[image.SectionID]uint64, len(l.sectToAddr)),
	}
	for id, addr := range l.sectToAddr {
		ret.sectToAddr[id] = addr
	}
	return ret
}

// CopyFrom replaces the contents of l with those of other. Both lists are
// locked in creation order, so concurrent copies in opposite directions
// cannot deadlock.
func (l *SectionLoadList) CopyFrom(other *SectionLoadList) {
	if other == l {
		return
	}

	first, second := l, other
	if other.seq < l.seq {
		first, second = other, l
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	l.addrToSect = other.addrToSect.Clone()
	l.sectToAddr = make(map[image.SectionID]uint64, len(other.sectToAddr))
	for id, addr := range other.sectToAddr {
		l.sectToAddr[id] = addr
	}
}

func (l *SectionLoadList) IsEmpty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.addrToSect.Len() == 0
}

// Len is the number of occupied load addresses.
func (l *SectionLoadList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.addrToSect.Len()
}

func (l *SectionLoadList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addrToSect.Clear(false)
	l.sectToAddr = make(map[image.SectionID]uint64)
}

// GetSectionLoadAddress returns the address section was last loaded at, or
// InvalidAddress.
func (l *SectionLoadList) GetSectionLoadAddress(section *image.Section) uint64 {
	if section == nil {
		return InvalidAddress
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if addr, ok := l.sectToAddr[section.ID()]; ok {
		return addr
	}
	return InvalidAddress
}

// SetSectionLoadAddress records section as loaded at addr and reports whether
// anything changed.
//
// Moving a section to a new address leaves the entry at its old address in
// place; call SetSectionUnloaded first to drop it. If another section is
// already loaded at addr it is replaced, and warnMultiple asks for a warning
// about the overlap.
func (l *SectionLoadList) SetSectionLoadAddress(section *image.Section, addr uint64, warnMultiple bool) bool {
	if section == nil {
		l.sink.Trace("SetSectionLoadAddress (section = <nil>, load_addr = 0x%016x) error: no section", addr)
		return false
	}

	module := section.Module()
	if module == nil {
		l.sink.Trace("SetSectionLoadAddress (section = %d (%s), load_addr = 0x%016x) error: module has been deleted",
			section.ID(), section.Name(), addr)
		return false
	}

	l.sink.Trace("SetSectionLoadAddress (section = %d (%s.%s), load_addr = 0x%016x)",
		section.ID(), module.Path(), section.Name(), addr)

	if section.ByteSize() == 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.sectToAddr[section.ID()]; ok && cur == addr {
		return false
	}
	l.sectToAddr[section.ID()] = addr

	prev, replaced := l.addrToSect.ReplaceOrInsert(loadEntry{addr: addr, section: section})
	if replaced && warnMultiple && prev.section.ID() != section.ID() {
		l.warnOverlap(addr, section, module, prev.section)
	}
	return true
}

func (l *SectionLoadList) warnOverlap(addr uint64, section *image.Section, module *image.Module, prev *image.Section) {
	prevModule := prev.Module()
	if prevModule == nil {
		return
	}
	l.sink.Warn("%s: address 0x%016x maps to more than one section: %s.%s and %s.%s",
		module.Path(), addr,
		module.Filename(), section.Name(),
		prevModule.Filename(), prev.Name())
}

// SetSectionUnloaded forgets section and the entry at the address it was
// loaded at. It returns the number of load addresses removed, 0 or 1.
func (l *SectionLoadList) SetSectionUnloaded(section *image.Section) int {
	if section == nil {
		return 0
	}

	l.sink.Trace("SetSectionUnloaded (section = %d (%s))", section.ID(), l.describe(section))

	l.mu.Lock()
	defer l.mu.Unlock()

	addr, ok := l.sectToAddr[section.ID()]
	if !ok {
		return 0
	}
	delete(l.sectToAddr, section.ID())
	l.addrToSect.Delete(loadEntry{addr: addr})
	return 1
}

// SetSectionUnloadedAt forgets section, wherever it is loaded, and
// independently clears the entry at addr, whichever section holds it. After an
// overlap these can be two different entries.
func (l *SectionLoadList) SetSectionUnloadedAt(section *image.Section, addr uint64) bool {
	if section != nil {
		l.sink.Trace("SetSectionUnloadedAt (section = %d (%s), load_addr = 0x%016x)",
			section.ID(), l.describe(section), addr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	erased := false
	if section != nil {
		if _, ok := l.sectToAddr[section.ID()]; ok {
			delete(l.sectToAddr, section.ID())
			erased = true
		}
	}
	if _, ok := l.addrToSect.Delete(loadEntry{addr: addr}); ok {
		erased = true
	}
	return erased
}

func (l *SectionLoadList) describe(section *image.Section) string {
	if module := section.Module(); module != nil {
		return module.Path() + "." + section.Name()
	}
	return section.Name() + ", module has been deleted"
}

// ResolveLoadAddress finds the section loaded at or nearest below addr and,
// if addr falls within it, resolves the offset down to the deepest contained
// section.
func (l *SectionLoadList) ResolveLoadAddress(addr uint64) (image.Address, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var found loadEntry
	ok := false
	l.addrToSect.DescendLessOrEqual(loadEntry{addr: addr}, func(e loadEntry) bool {
		found, ok = e, true
		return false
	})
	if !ok {
		return image.Address{}, false
	}

	offset := addr - found.addr
	if offset >= found.section.ByteSize() {
		return image.Address{}, false
	}

	ret, ok := found.section.ResolveContainedAddress(offset)
	if !ok {
		ret.Clear()
	}
	return ret, ok
}

// Dump writes every occupied load address in ascending order.
func (l *SectionLoadList) Dump(w io.Writer) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var err error
	l.addrToSect.Ascend(func(e loadEntry) bool {
		_, err = fmt.Fprintf(w, "addr = 0x%016x, section = %d: %s\n", e.addr, e.section.ID(), e.section.Describe())
		return err == nil
	})
	return err
}
