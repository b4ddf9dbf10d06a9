package image

import "fmt"

// Address is a location resolved down to the deepest section containing it.
// The zero value is the invalid address.
type Address struct {
	Section *Section
	Offset  uint64

	Symbol       *Symbol
	SymbolOffset uint64
}

func (a *Address) Clear() {
	*a = Address{}
}

func (a Address) IsValid() bool {
	return a.Section != nil
}

func (a Address) String() string {
	if a.Section == nil {
		return "<invalid>"
	}

	var ret string
	if m := a.Section.Module(); m != nil {
		ret = m.Filename()
	} else {
		ret = "<deleted>"
	}
	ret += fmt.Sprintf("[%s]+0x%X", a.sectionPath(), a.Offset)
	if a.Symbol != nil {
		ret += fmt.Sprintf(" (%s+0x%X)", a.Symbol.Name, a.SymbolOffset)
	}
	return ret
}

func (a Address) sectionPath() string {
	name := a.Section.name
	for p := a.Section.parent; p != nil; p = p.parent {
		name = p.name + "/" + name
	}
	return name
}

// ModuleOffset is the offset of the address from its module's base.
func (a Address) ModuleOffset() uint64 {
	off := a.Offset
	for s := a.Section; s != nil; s = s.parent {
		off += s.offset
	}
	return off
}
