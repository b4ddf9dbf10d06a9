package image

import (
	"debug/pe"
	"fmt"
	"io"
	"sort"
)

// LoadPE builds a module from a PE image's section table. Section offsets are
// relative virtual addresses, so a section loads at base+Offset().
func LoadPE(path string, r io.ReaderAt) (*Module, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", path, err)
	}
	defer f.Close()

	m := NewModule(path)
	var sects []*Section
	for _, ps := range f.Sections {
		size := uint64(ps.VirtualSize)
		if size == 0 {
			size = uint64(ps.Size)
		}
		sects = append(sects, m.AddSection(ps.Name, uint64(ps.VirtualAddress), size))
	}

	// COFF symbols carry no size; each one runs up to the next symbol in its
	// section, or to the section's end.
	type coffSym struct {
		name   string
		offset uint64
	}
	bySection := make([][]coffSym, len(sects))
	for _, sym := range f.Symbols {
		// Section numbers are 1-based; anything else is absolute, debug or undefined.
		if sym.SectionNumber <= 0 || int(sym.SectionNumber) > len(sects) {
			continue
		}
		i := sym.SectionNumber - 1
		bySection[i] = append(bySection[i], coffSym{sym.Name, uint64(sym.Value)})
	}
	for i, syms := range bySection {
		sort.Slice(syms, func(a, b int) bool { return syms[a].offset < syms[b].offset })
		for j, sym := range syms {
			end := sects[i].ByteSize()
			if j+1 < len(syms) {
				end = syms[j+1].offset
			}
			if sym.offset >= end {
				continue
			}
			sects[i].AddSymbol(sym.name, sym.offset, end-sym.offset)
		}
	}
	return m, nil
}
