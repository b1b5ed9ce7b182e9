package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/freehandle/ledger/wire"
)

// ErrRefused wraps a MsgPushError sent by the server.
var ErrRefused = errors.New("notify: request refused")

// Client is a push subscriber over websocket.
type Client struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

// Dial connects to a push server, url is ws://host:port/path.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &Client{ws: ws}, nil
}

func (c *Client) Subscribe(filter Filter) error {
	return c.send(wire.MsgPushSubscribe, filter)
}

func (c *Client) Unsubscribe(filter Filter) error {
	return c.send(wire.MsgPushUnsubscribe, filter)
}

func (c *Client) send(kind byte, filter Filter) error {
	data, err := wire.Default.EncodeEnvelope(kind, filter.Encode)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Next blocks until the next event arrives. A refusal from the server is
// returned as an error wrapping ErrRefused; the client stays usable.
func (c *Client) Next() (Event, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Event{}, err
	}
	envelope, err := wire.ParseEnvelope(data)
	if err != nil {
		return Event{}, err
	}
	switch envelope.Kind {
	case wire.MsgPush:
		return ParseEvent(envelope.Payload)
	case wire.MsgPushError:
		r := envelope.Reader()
		reason := r.Text()
		if err := r.Done(); err != nil {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("%w: %s", ErrRefused, reason)
	default:
		return Event{}, fmt.Errorf("%w: unexpected envelope kind %d", wire.ErrCorrupt, envelope.Kind)
	}
}

func (c *Client) Close() error {
	return c.ws.Close()
}
