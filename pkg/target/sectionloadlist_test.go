package target

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/codecat/loadlist/pkg/image"
)

type recordSink struct {
	mu     sync.Mutex
	traces []string
	warns  []string
}

func (s *recordSink) Trace(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, fmt.Sprintf(format, args...))
}

func (s *recordSink) Warn(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warns = append(s.warns, fmt.Sprintf(format, args...))
}

// checkConsistent verifies what holds after any mix of operations: every
// forward entry holds a known, non-empty section and every reverse entry
// belongs to a known section. Reverse entries are not required to point at an
// occupied slot, since unloading a section whose address was taken over by
// another one empties the slot while the other section keeps its reverse
// entry, and SetSectionUnloadedAt clears a slot independently of its holder.
func checkConsistent(t *testing.T, l *SectionLoadList, sections []*image.Section) {
	t.Helper()
	l.mu.RLock()
	defer l.mu.RUnlock()

	known := make(map[image.SectionID]bool, len(sections))
	for _, s := range sections {
		known[s.ID()] = true
	}
	for id := range l.sectToAddr {
		if !known[id] {
			t.Errorf("reverse entry for unknown section %d", id)
		}
	}
	l.addrToSect.Ascend(func(e loadEntry) bool {
		if e.section == nil || e.section.ByteSize() == 0 {
			t.Errorf("bad entry at 0x%x", e.addr)
		} else if !known[e.section.ID()] {
			t.Errorf("entry at 0x%x holds unknown section %d", e.addr, e.section.ID())
		}
		return true
	})
}

// checkPaired verifies that the two indices describe the same pairs, which
// holds as long as no section moves and no two sections share an address.
func checkPaired(t *testing.T, l *SectionLoadList) {
	t.Helper()
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.addrToSect.Len() != len(l.sectToAddr) {
		t.Errorf("%d forward entries, %d reverse entries", l.addrToSect.Len(), len(l.sectToAddr))
	}
	for id, addr := range l.sectToAddr {
		e, ok := l.addrToSect.Get(loadEntry{addr: addr})
		if !ok {
			t.Errorf("section %d: slot 0x%x is empty", id, addr)
		} else if e.section.ID() != id {
			t.Errorf("section %d: slot 0x%x holds section %d", id, addr, e.section.ID())
		}
	}
}

func newSections(n int, size uint64) (*image.Module, []*image.Section) {
	m := image.NewModule(`C:\Game\game.exe`)
	var ret []*image.Section
	for i := 0; i < n; i++ {
		ret = append(ret, m.AddSection(fmt.Sprintf(".s%d", i), uint64(i)*size, size))
	}
	return m, ret
}

func TestSetSectionLoadAddress(t *testing.T) {
	_, s := newSections(1, 0x100)
	l := New()

	if !l.SetSectionLoadAddress(s[0], 0x1000, true) {
		t.Fatal("first load reported no change")
	}
	if got := l.GetSectionLoadAddress(s[0]); got != 0x1000 {
		t.Errorf("GetSectionLoadAddress = 0x%x", got)
	}
	var before, after bytes.Buffer
	l.Dump(&before)
	if l.SetSectionLoadAddress(s[0], 0x1000, true) {
		t.Error("reloading at the same address reported a change")
	}
	l.Dump(&after)
	if before.String() != after.String() {
		t.Errorf("reloading changed the list:\n%s\nbecame\n%s", before.String(), after.String())
	}
	if got := l.GetSectionLoadAddress(s[0]); got != 0x1000 {
		t.Errorf("GetSectionLoadAddress after reload = 0x%x", got)
	}
	if l.Len() != 1 || l.IsEmpty() {
		t.Errorf("Len = %d", l.Len())
	}
	checkPaired(t, l)
}

func TestSetSectionLoadAddressRejects(t *testing.T) {
	sink := &recordSink{}
	l := New(WithSink(sink))

	if l.SetSectionLoadAddress(nil, 0x1000, true) {
		t.Error("nil section reported a change")
	}

	m := image.NewModule("empty.dll")
	zero := m.AddSection(".bss", 0, 0)
	if l.SetSectionLoadAddress(zero, 0x1000, true) {
		t.Error("zero sized section reported a change")
	}
	if !l.IsEmpty() {
		t.Error("list not empty after rejected loads")
	}

	gone := image.NewModule("gone.dll")
	s := gone.AddSection(".text", 0, 0x10)
	gone.Release()
	if l.SetSectionLoadAddress(s, 0x2000, true) {
		t.Error("detached section reported a change")
	}
	if !l.IsEmpty() {
		t.Error("list not empty after loading a detached section")
	}
	if len(sink.traces) != 3 || !strings.Contains(sink.traces[2], "module has been deleted") {
		t.Errorf("traces = %q", sink.traces)
	}
}

func TestMoveKeepsOldEntry(t *testing.T) {
	_, s := newSections(1, 0x100)
	l := New()

	l.SetSectionLoadAddress(s[0], 0x1000, true)
	if !l.SetSectionLoadAddress(s[0], 0x5000, true) {
		t.Fatal("move reported no change")
	}
	if got := l.GetSectionLoadAddress(s[0]); got != 0x5000 {
		t.Errorf("GetSectionLoadAddress = 0x%x", got)
	}
	if l.Len() != 2 {
		t.Errorf("Len = %d, want stale entry kept", l.Len())
	}
	if _, ok := l.ResolveLoadAddress(0x1010); !ok {
		t.Error("stale entry at the old address no longer resolves")
	}

	if n := l.SetSectionUnloaded(s[0]); n != 1 {
		t.Errorf("SetSectionUnloaded = %d", n)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d after unload", l.Len())
	}
	checkConsistent(t, l, s)
}

func TestOverlap(t *testing.T) {
	sink := &recordSink{}
	l := New(WithSink(sink))

	a := image.NewModule(`C:\libs\a.dll`).AddSection("__LINKEDIT", 0, 0x100)
	b := image.NewModule(`C:\libs\b.dll`).AddSection("__LINKEDIT", 0, 0x80)

	l.SetSectionLoadAddress(a, 0x7000, true)
	if !l.SetSectionLoadAddress(b, 0x7000, true) {
		t.Fatal("overlapping load reported no change")
	}

	addr, ok := l.ResolveLoadAddress(0x7000)
	if !ok || addr.Section != b {
		t.Errorf("resolved to %v, want the second section", addr)
	}
	if _, ok := l.ResolveLoadAddress(0x7090); ok {
		t.Error("resolution used the replaced section's size")
	}
	if got := l.GetSectionLoadAddress(a); got != 0x7000 {
		t.Errorf("first section's load address = 0x%x", got)
	}

	want := "address 0x0000000000007000 maps to more than one section: b.dll.__LINKEDIT and a.dll.__LINKEDIT"
	if len(sink.warns) != 1 || !strings.HasSuffix(sink.warns[0], want) {
		t.Errorf("warns = %q", sink.warns)
	}
	checkConsistent(t, l, []*image.Section{a, b})
}

func TestOverlapSilent(t *testing.T) {
	sink := &recordSink{}
	l := New(WithSink(sink))

	a := image.NewModule("a.dll").AddSection(".x", 0, 0x10)
	b := image.NewModule("b.dll").AddSection(".x", 0, 0x10)
	l.SetSectionLoadAddress(a, 0x100, false)
	l.SetSectionLoadAddress(b, 0x100, false)
	if len(sink.warns) != 0 {
		t.Errorf("warns = %q", sink.warns)
	}

	gone := image.NewModule("gone.dll")
	c := gone.AddSection(".x", 0, 0x10)
	l.SetSectionLoadAddress(c, 0x200, true)
	gone.Release()
	l.SetSectionLoadAddress(a, 0x200, true)
	if len(sink.warns) != 0 {
		t.Errorf("warned about a deleted module: %q", sink.warns)
	}
}

func TestSetSectionUnloaded(t *testing.T) {
	_, s := newSections(2, 0x100)
	l := New()

	if n := l.SetSectionUnloaded(s[0]); n != 0 {
		t.Errorf("unloading an unknown section = %d", n)
	}
	if n := l.SetSectionUnloaded(nil); n != 0 {
		t.Errorf("unloading nil = %d", n)
	}

	l.SetSectionLoadAddress(s[0], 0x1000, true)
	l.SetSectionLoadAddress(s[1], 0x1100, true)
	if n := l.SetSectionUnloaded(s[0]); n != 1 {
		t.Errorf("SetSectionUnloaded = %d", n)
	}
	if got := l.GetSectionLoadAddress(s[0]); got != InvalidAddress {
		t.Errorf("GetSectionLoadAddress = 0x%x", got)
	}
	if _, ok := l.ResolveLoadAddress(0x1000); ok {
		t.Error("unloaded address still resolves")
	}
	if _, ok := l.ResolveLoadAddress(0x1100); !ok {
		t.Error("neighbour no longer resolves")
	}
}

func TestSetSectionUnloadedAfterOverlap(t *testing.T) {
	a := image.NewModule("a.dll").AddSection(".x", 0, 0x10)
	b := image.NewModule("b.dll").AddSection(".x", 0, 0x10)
	l := New()

	l.SetSectionLoadAddress(a, 0x100, false)
	l.SetSectionLoadAddress(b, 0x100, false)

	// a's recorded address is now held by b; unloading a clears it too.
	if n := l.SetSectionUnloaded(a); n != 1 {
		t.Errorf("SetSectionUnloaded = %d", n)
	}
	if !l.IsEmpty() {
		t.Error("address slot survived the unload")
	}
	if got := l.GetSectionLoadAddress(b); got != 0x100 {
		t.Errorf("b lost its reverse entry: 0x%x", got)
	}
}

func TestSetSectionUnloadedAt(t *testing.T) {
	a := image.NewModule("a.dll").AddSection(".x", 0, 0x10)
	b := image.NewModule("b.dll").AddSection(".x", 0, 0x10)
	l := New()

	l.SetSectionLoadAddress(a, 0x100, false)
	l.SetSectionLoadAddress(b, 0x200, false)

	// The two keys refer to different entries and are removed independently.
	if !l.SetSectionUnloadedAt(a, 0x200) {
		t.Fatal("nothing erased")
	}
	if got := l.GetSectionLoadAddress(a); got != InvalidAddress {
		t.Errorf("a still loaded at 0x%x", got)
	}
	if got := l.GetSectionLoadAddress(b); got != 0x200 {
		t.Errorf("b's reverse entry touched: 0x%x", got)
	}
	if _, ok := l.ResolveLoadAddress(0x200); ok {
		t.Error("address slot 0x200 still resolves")
	}
	addr, ok := l.ResolveLoadAddress(0x105)
	if !ok || addr.Section != a {
		t.Error("a's forward entry at 0x100 should remain")
	}

	if l.SetSectionUnloadedAt(a, 0x300) {
		t.Error("erasing missing keys reported a change")
	}
	if !l.SetSectionUnloadedAt(nil, 0x100) {
		t.Error("address-only unload erased nothing")
	}
	if !l.IsEmpty() {
		t.Error("list not empty")
	}
}

func TestResolveLoadAddress(t *testing.T) {
	m := image.NewModule("x.dll")
	x := m.AddSection(".text", 0, 0x100)
	y := m.AddSection(".data", 0x200, 0x100)
	l := New()
	l.SetSectionLoadAddress(x, 0x1000, true)
	l.SetSectionLoadAddress(y, 0x1200, true)

	tests := []struct {
		addr    uint64
		section *image.Section
		offset  uint64
	}{
		{0x0fff, nil, 0},
		{0x1000, x, 0},
		{0x1050, x, 0x50},
		{0x10ff, x, 0xff},
		{0x1100, nil, 0},
		{0x11ff, nil, 0},
		{0x1200, y, 0},
		{0x12ff, y, 0xff},
		{0x1300, nil, 0},
		{InvalidAddress, nil, 0},
	}
	for _, tt := range tests {
		addr, ok := l.ResolveLoadAddress(tt.addr)
		if ok != (tt.section != nil) {
			t.Errorf("0x%x: ok = %v", tt.addr, ok)
			continue
		}
		if !ok {
			if addr.IsValid() {
				t.Errorf("0x%x: failed resolution left %v", tt.addr, addr)
			}
			continue
		}
		if addr.Section != tt.section || addr.Offset != tt.offset {
			t.Errorf("0x%x: got %v, want %v+0x%x", tt.addr, addr, tt.section, tt.offset)
		}
	}

	empty := New()
	if _, ok := empty.ResolveLoadAddress(0x1000); ok {
		t.Error("empty list resolved an address")
	}
}

func TestResolveNested(t *testing.T) {
	m := image.NewModule("engine.dll")
	text := m.AddSection(".text", 0x1000, 0x1000)
	fn, _ := text.AddChild("Update", 0x200, 0x40)
	fn.AddSymbol("Update::inner", 0x10, 0x8)

	l := New()
	l.SetSectionLoadAddress(text, 0x401000, true)

	addr, ok := l.ResolveLoadAddress(0x401214)
	if !ok {
		t.Fatal("nested address did not resolve")
	}
	if addr.Section != fn || addr.Offset != 0x14 || addr.Symbol == nil || addr.SymbolOffset != 4 {
		t.Errorf("got %v", addr)
	}
}

func TestClear(t *testing.T) {
	_, s := newSections(4, 0x10)
	l := New()
	for i, sect := range s {
		l.SetSectionLoadAddress(sect, uint64(i+1)*0x1000, true)
	}
	l.Clear()
	if !l.IsEmpty() {
		t.Error("not empty after Clear")
	}
	for _, sect := range s {
		if got := l.GetSectionLoadAddress(sect); got != InvalidAddress {
			t.Errorf("%v still loaded at 0x%x", sect, got)
		}
	}
}

func TestCloneAndCopyFrom(t *testing.T) {
	_, s := newSections(2, 0x10)
	a := New()
	a.SetSectionLoadAddress(s[0], 0x1000, true)

	b := a.Clone()
	b.SetSectionLoadAddress(s[1], 0x2000, true)
	if a.Len() != 1 || b.Len() != 2 {
		t.Errorf("clone not independent: %d %d", a.Len(), b.Len())
	}
	if got := a.GetSectionLoadAddress(s[1]); got != InvalidAddress {
		t.Errorf("clone wrote through to the source: 0x%x", got)
	}

	a.CopyFrom(b)
	if got := a.GetSectionLoadAddress(s[1]); got != 0x2000 {
		t.Errorf("CopyFrom: 0x%x", got)
	}
	a.CopyFrom(a)
	if a.Len() != 2 {
		t.Errorf("self copy changed contents: %d", a.Len())
	}

	b.Clear()
	if a.Len() != 2 {
		t.Error("clearing the copy source changed the copy")
	}
}

func TestCopyFromConcurrent(t *testing.T) {
	_, s := newSections(2, 0x10)
	a, b := New(), New()
	a.SetSectionLoadAddress(s[0], 0x1000, true)
	b.SetSectionLoadAddress(s[1], 0x2000, true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.CopyFrom(b)
		}()
		go func() {
			defer wg.Done()
			b.CopyFrom(a)
		}()
	}
	wg.Wait()
	checkConsistent(t, a, s)
	checkConsistent(t, b, s)
	checkPaired(t, a)
	checkPaired(t, b)
}

func TestDump(t *testing.T) {
	m := image.NewModule("x.dll")
	hi := m.AddSection(".data", 0x100, 0x10)
	lo := m.AddSection(".text", 0, 0x10)
	l := New()
	l.SetSectionLoadAddress(hi, 0x2000, true)
	l.SetSectionLoadAddress(lo, 0x1000, true)

	var buf bytes.Buffer
	if err := l.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("dump = %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "addr = 0x0000000000001000") || !strings.Contains(lines[0], "x.dll..text") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "addr = 0x0000000000002000") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestConcurrentMutation(t *testing.T) {
	_, s := newSections(32, 0x100)
	l := New(WithSink(&recordSink{}))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 2000; i++ {
				sect := s[r.Intn(len(s))]
				addr := uint64(r.Intn(64)) * 0x80
				switch r.Intn(6) {
				case 0, 1:
					l.SetSectionLoadAddress(sect, addr, r.Intn(2) == 0)
				case 2:
					l.SetSectionUnloaded(sect)
				case 3:
					l.SetSectionUnloadedAt(sect, addr)
				case 4:
					if a, ok := l.ResolveLoadAddress(addr + uint64(r.Intn(0x100))); ok && !a.IsValid() {
						t.Error("successful resolution returned an invalid address")
					}
				case 5:
					l.GetSectionLoadAddress(sect)
				}
			}
		}(int64(w))
	}
	wg.Wait()
	checkConsistent(t, l, s)

	for _, sect := range s {
		l.SetSectionUnloaded(sect)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.sectToAddr) != 0 {
		t.Errorf("%d reverse entries left", len(l.sectToAddr))
	}
}

func TestConcurrentLoadUnloadPaired(t *testing.T) {
	const workers, perWorker = 8, 4
	_, s := newSections(workers*perWorker, 0x100)
	home := func(i int) uint64 { return 0x10000 + uint64(i)*0x1000 }
	l := New()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 2000; i++ {
				n := w*perWorker + r.Intn(perWorker)
				switch r.Intn(4) {
				case 0, 1:
					l.SetSectionLoadAddress(s[n], home(n), true)
				case 2:
					l.SetSectionUnloaded(s[n])
				case 3:
					addr, ok := l.ResolveLoadAddress(home(n) + 0x10)
					if ok && addr.Section != s[n] {
						t.Errorf("0x%x resolved to %v", home(n)+0x10, addr)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	checkConsistent(t, l, s)
	checkPaired(t, l)
}

func ExampleSectionLoadList_ResolveLoadAddress() {
	x := image.NewModule("game.exe").AddSection(".text", 0, 0x100)

	l := New()
	l.SetSectionLoadAddress(x, 0x1000, true)

	for _, addr := range []uint64{0x1050, 0x1100, 0x0fff} {
		a, ok := l.ResolveLoadAddress(addr)
		fmt.Printf("0x%x %v %v\n", addr, ok, a)
	}
	// Output:
	// 0x1050 true game.exe[.text]+0x50
	// 0x1100 false <invalid>
	// 0xfff false <invalid>
}
