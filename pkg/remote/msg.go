package remote

import (
	"encoding/binary"
	"fmt"

	"github.com/fasthttp/websocket"
)

type MsgType uint8

const (
	Load     MsgType = 1
	Unload   MsgType = 2
	UnloadAt MsgType = 3
	Lookup   MsgType = 4
	Resolve  MsgType = 5
	Dump     MsgType = 6
	Clear    MsgType = 7
	Sections MsgType = 8
	Error    MsgType = 0xff
)

func (t MsgType) String() string {
	switch t {
	case Load:
		return "Load"
	case Unload:
		return "Unload"
	case UnloadAt:
		return "UnloadAt"
	case Lookup:
		return "Lookup"
	case Resolve:
		return "Resolve"
	case Dump:
		return "Dump"
	case Clear:
		return "Clear"
	case Sections:
		return "Sections"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

const (
	flagWarn = 1 << 0
	flagOK   = 1 << 0
)

const headerSize = 1 + 8 + 8 + 1

// msg is the single frame format used in both directions:
//
//	[0]     type
//	[1:9]   a, little endian
//	[9:17]  b, little endian
//	[17]    flags
//	[18:]   text payload
type msg struct {
	typ   MsgType
	a     uint64
	b     uint64
	flags uint8
	data  []byte
}

func (m *msg) ok() bool {
	return m.flags&flagOK != 0
}

func (m *msg) setOK(ok bool) {
	if ok {
		m.flags |= flagOK
	}
}

func (m *msg) unmarshal(d []byte) error {
	if len(d) < headerSize {
		return fmt.Errorf("short message: %d bytes", len(d))
	}
	m.typ = MsgType(d[0])
	m.a = binary.LittleEndian.Uint64(d[1:])
	m.b = binary.LittleEndian.Uint64(d[1+8:])
	m.flags = d[1+8+8]
	m.data = d[headerSize:]
	return nil
}

func (m *msg) marshal() []byte {
	d := make([]byte, headerSize+len(m.data))
	d[0] = byte(m.typ)
	binary.LittleEndian.PutUint64(d[1:], m.a)
	binary.LittleEndian.PutUint64(d[1+8:], m.b)
	d[1+8+8] = m.flags
	copy(d[headerSize:], m.data)
	return d
}

func (m *msg) read(ws *websocket.Conn) error {
	typ, d, err := ws.ReadMessage()
	if err != nil {
		return err
	}
	if typ != websocket.BinaryMessage {
		return fmt.Errorf("unexpected websocket message type %d", typ)
	}
	return m.unmarshal(d)
}

func (m *msg) write(ws *websocket.Conn) error {
	return ws.WriteMessage(websocket.BinaryMessage, m.marshal())
}
