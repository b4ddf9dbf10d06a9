package remote

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/codecat/go-libs/log"
	"github.com/fasthttp/websocket"

	"github.com/codecat/loadlist/pkg/image"
	"github.com/codecat/loadlist/pkg/target"
)

// Server exposes a section load list to remote tools over websockets.
// Sections are addressed by their SectionID and must be registered with
// AddModule before they can be loaded.
type Server struct {
	list     *target.SectionLoadList
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sections map[image.SectionID]*image.Section
}

func NewServer(list *target.SectionLoadList, modules ...*image.Module) *Server {
	s := &Server{
		list:     list,
		sections: make(map[image.SectionID]*image.Section),
	}
	for _, m := range modules {
		s.AddModule(m)
	}
	return s
}

// AddModule registers every section of m, nested ones included.
func (s *Server) AddModule(m *image.Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var add func(sect *image.Section)
	add = func(sect *image.Section) {
		s.sections[sect.ID()] = sect
		for _, c := range sect.Children() {
			add(c)
		}
	}
	for _, sect := range m.Sections() {
		add(sect)
	}
}

func (s *Server) section(id uint64) *image.Section {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sections[image.SectionID(id)]
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Unable to upgrade connection from %s: %s", r.RemoteAddr, err.Error())
		return
	}
	defer ws.Close()

	log.Info("Client connected: %s", r.RemoteAddr)
	for {
		var req msg
		if err := req.read(ws); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error("Unable to read from %s: %s", r.RemoteAddr, err.Error())
			}
			return
		}

		resp := s.handle(&req)
		if err := resp.write(ws); err != nil {
			log.Error("Unable to write to %s: %s", r.RemoteAddr, err.Error())
			return
		}
	}
}

func errorMsg(format string, args ...interface{}) *msg {
	return &msg{typ: Error, data: []byte(fmt.Sprintf(format, args...))}
}

func (s *Server) handle(req *msg) *msg {
	resp := &msg{typ: req.typ}

	switch req.typ {
	case Load, Unload, UnloadAt, Lookup:
		sect := s.section(req.a)
		if sect == nil {
			return errorMsg("unknown section %d", req.a)
		}
		resp.a = req.a
		switch req.typ {
		case Load:
			resp.setOK(s.list.SetSectionLoadAddress(sect, req.b, req.flags&flagWarn != 0))
		case Unload:
			resp.b = uint64(s.list.SetSectionUnloaded(sect))
		case UnloadAt:
			resp.setOK(s.list.SetSectionUnloadedAt(sect, req.b))
		case Lookup:
			resp.b = s.list.GetSectionLoadAddress(sect)
			resp.setOK(resp.b != target.InvalidAddress)
		}

	case Resolve:
		addr, ok := s.list.ResolveLoadAddress(req.a)
		resp.setOK(ok)
		if ok {
			resp.a = uint64(addr.Section.ID())
			resp.b = addr.Offset
			resp.data = []byte(addr.String())
		}

	case Dump:
		var buf bytes.Buffer
		if err := s.list.Dump(&buf); err != nil {
			return errorMsg("dump failed: %s", err.Error())
		}
		resp.data = buf.Bytes()

	case Clear:
		s.list.Clear()
		resp.setOK(true)

	case Sections:
		resp.data = s.listSections()

	default:
		return errorMsg("unknown message type %v", req.typ)
	}
	return resp
}

func (s *Server) listSections() []byte {
	s.mu.RLock()
	ids := make([]image.SectionID, 0, len(s.sections))
	for id := range s.sections {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	for _, id := range ids {
		sect := s.section(uint64(id))
		fmt.Fprintf(&buf, "%d\t%s\t0x%x\n", id, sect.QualifiedName(), sect.ByteSize())
	}
	return buf.Bytes()
}
