package crashlog

import (
	"os"
	"path/filepath"

	"github.com/codecat/go-libs/log"

	"github.com/codecat/loadlist/pkg/image"
	"github.com/codecat/loadlist/pkg/target"
)

// Log is the decoded exception block of a crash log.
type Log struct {
	BitSize int

	CrashAddress uint64

	ByteCodeStart uint64
	ByteCode      []byte

	Modules []*ModuleInfo
}

// ModuleAt returns the module line whose range contains addr.
func (l *Log) ModuleAt(addr uint64) *ModuleInfo {
	for _, m := range l.Modules {
		if m.Contains(addr) {
			return m
		}
	}
	return nil
}

// Images builds an image for every module line. When imageDir holds a PE
// file with the module's name its section table is used, otherwise the module
// becomes a single section covering its whole range.
func (l *Log) Images(imageDir string) []*image.Module {
	ret := make([]*image.Module, 0, len(l.Modules))
	for _, mi := range l.Modules {
		ret = append(ret, mi.Image(imageDir))
	}
	return ret
}

// LoadList loads the top-level sections of every image at the base its module
// line reports. The returned images are in module line order.
func (l *Log) LoadList(imageDir string, sink target.Sink) (*target.SectionLoadList, []*image.Module) {
	list := target.New(target.WithSink(sink))
	images := l.Images(imageDir)
	for i, img := range images {
		base := l.Modules[i].Start
		for _, s := range img.Sections() {
			list.SetSectionLoadAddress(s, base+s.Offset(), true)
		}
	}
	return list, images
}

type ModuleInfo struct {
	Start uint64
	End   uint64
	Name  string
}

func (mi *ModuleInfo) Contains(addr uint64) bool {
	return addr >= mi.Start && addr < mi.End
}

func (mi *ModuleInfo) OffsetOf(addr uint64) uint64 {
	return addr - mi.Start
}

func (mi *ModuleInfo) Size() uint64 {
	return mi.End - mi.Start
}

// Image builds the module's image, preferring the PE file found in imageDir.
// The image keeps the path the crash log reported.
func (mi *ModuleInfo) Image(imageDir string) *image.Module {
	if imageDir != "" {
		img, err := loadPE(filepath.Join(imageDir, image.BaseName(mi.Name)), mi.Name)
		if err == nil {
			return img
		}
		if !os.IsNotExist(err) {
			log.Warn("Unable to load sections of %s: %s", mi.Name, err.Error())
		}
	}
	return image.NewFlatModule(mi.Name, mi.Size())
}

func loadPE(fnm, name string) (*image.Module, error) {
	fh, err := os.Open(fnm)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return image.LoadPE(name, fh)
}
