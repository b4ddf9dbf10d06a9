package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fasthttp/websocket"

	"github.com/codecat/loadlist/pkg/image"
)

// Client talks to a Server. Requests are serialized; a Client may be shared
// between goroutines.
type Client struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// Resolved is the answer to a Resolve request.
type Resolved struct {
	Section image.SectionID
	Offset  uint64
	Text    string
}

func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", url, err)
	}
	return &Client{ws: ws}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	return c.ws.Close()
}

func (c *Client) roundTrip(req *msg) (*msg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := req.write(c.ws); err != nil {
		return nil, err
	}
	var resp msg
	if err := resp.read(c.ws); err != nil {
		return nil, err
	}
	if resp.typ == Error {
		return nil, errors.New(string(resp.data))
	}
	if resp.typ != req.typ {
		return nil, fmt.Errorf("reply type %v does not match request %v", resp.typ, req.typ)
	}
	return &resp, nil
}

func (c *Client) Load(id image.SectionID, addr uint64, warnMultiple bool) (bool, error) {
	req := &msg{typ: Load, a: uint64(id), b: addr}
	if warnMultiple {
		req.flags |= flagWarn
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return false, err
	}
	return resp.ok(), nil
}

func (c *Client) Unload(id image.SectionID) (int, error) {
	resp, err := c.roundTrip(&msg{typ: Unload, a: uint64(id)})
	if err != nil {
		return 0, err
	}
	return int(resp.b), nil
}

func (c *Client) UnloadAt(id image.SectionID, addr uint64) (bool, error) {
	resp, err := c.roundTrip(&msg{typ: UnloadAt, a: uint64(id), b: addr})
	if err != nil {
		return false, err
	}
	return resp.ok(), nil
}

// Lookup returns the section's load address, or target.InvalidAddress.
func (c *Client) Lookup(id image.SectionID) (uint64, error) {
	resp, err := c.roundTrip(&msg{typ: Lookup, a: uint64(id)})
	if err != nil {
		return 0, err
	}
	return resp.b, nil
}

func (c *Client) Resolve(addr uint64) (Resolved, bool, error) {
	resp, err := c.roundTrip(&msg{typ: Resolve, a: addr})
	if err != nil {
		return Resolved{}, false, err
	}
	if !resp.ok() {
		return Resolved{}, false, nil
	}
	return Resolved{
		Section: image.SectionID(resp.a),
		Offset:  resp.b,
		Text:    string(resp.data),
	}, true, nil
}

func (c *Client) Dump() (string, error) {
	resp, err := c.roundTrip(&msg{typ: Dump})
	if err != nil {
		return "", err
	}
	return string(resp.data), nil
}

func (c *Client) Clear() error {
	_, err := c.roundTrip(&msg{typ: Clear})
	return err
}

// Sections lists the server's registered sections, one
// "id<TAB>name<TAB>size" line each.
func (c *Client) Sections() (string, error) {
	resp, err := c.roundTrip(&msg{typ: Sections})
	if err != nil {
		return "", err
	}
	return string(resp.data), nil
}
