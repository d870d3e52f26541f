package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"bustrack-svr/internal/broker"
	"bustrack-svr/internal/bus"
)

// Reply is an ack or error addressed to this client.
type Reply struct {
	Event string
	Ref   string
	Ack   Ack
	Err   ErrorReply
}

// Client is the consumer side of the WebSocket protocol. It keeps the latest
// snapshot as its whole local view and replaces it on every push.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	// deliverMu runs handlers one at a time, in snapshot order. It is held
	// from the view update through the handler calls, so a handler must not
	// call Subscribe.
	deliverMu sync.Mutex

	mu       sync.Mutex
	view     []bus.Record
	event    broker.Event
	haveView bool
	handlers []func(broker.Snapshot)

	replies chan Reply
	done    chan struct{}
	err     error
}

// Dial connects to a /ws endpoint, e.g. ws://localhost:3000/ws.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return newClient(conn), nil
}

// DialAs connects with the role declared in the handshake, so the first
// initial_buses is already filtered for it. ownID is only used by the
// driver role.
func DialAs(ctx context.Context, endpoint, role, ownID string) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("role", role)
	if ownID != "" {
		q.Set("id", ownID)
	}
	u.RawQuery = q.Encode()
	return Dial(ctx, u.String())
}

func newClient(conn *websocket.Conn) *Client {
	c := &Client{
		conn:    conn,
		replies: make(chan Reply, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Subscribe registers h for every snapshot. If a snapshot was already
// received, h is called with it before Subscribe returns.
func (c *Client) Subscribe(h func(broker.Snapshot)) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	have := c.haveView
	snap := broker.Snapshot{Event: c.event, Records: append([]bus.Record{}, c.view...)}
	c.mu.Unlock()

	if have {
		h(snap)
	}
}

// Buses returns a copy of the current local view.
func (c *Client) Buses() []bus.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Record{}, c.view...)
}

// Replies yields acks and errors. Replies that nobody reads are dropped once
// the buffer is full.
func (c *Client) Replies() <-chan Reply {
	return c.replies
}

// Done is closed when the connection ends; Err then reports why.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	<-c.done
	return c.err
}

// DeclareRole sets this connection's visibility. ownID is only used by the
// driver role.
func (c *Client) DeclareRole(role, ownID string) error {
	if ownID == "" {
		return c.send(EventRole, role, "")
	}
	return c.send(EventRole, map[string]string{"role": role, "id": ownID}, "")
}

func (c *Client) SubmitUpdate(rec bus.Record, ref string) error {
	return c.send(EventUpdate, rec, ref)
}

func (c *Client) SubmitDelete(id, ref string) error {
	return c.send(EventDelete, id, ref)
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) send(event string, data any, ref string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(Envelope{Event: event, Data: raw, Ref: ref})
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				c.err = err
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		switch ev := broker.Event(env.Event); ev {
		case broker.EventInitial, broker.EventUpdated, broker.EventDeleted:
			var recs []bus.Record
			if err := json.Unmarshal(env.Data, &recs); err != nil {
				continue
			}
			c.replace(ev, recs)
		default:
			c.pushReply(env)
		}
	}
}

func (c *Client) replace(ev broker.Event, recs []bus.Record) {
	if recs == nil {
		recs = []bus.Record{}
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.view, c.event, c.haveView = recs, ev, true
	handlers := append([]func(broker.Snapshot){}, c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(broker.Snapshot{Event: ev, Records: append([]bus.Record{}, recs...)})
	}
}

func (c *Client) pushReply(env Envelope) {
	r := Reply{Event: env.Event, Ref: env.Ref}
	switch env.Event {
	case EventAck:
		_ = json.Unmarshal(env.Data, &r.Ack)
	case EventError:
		_ = json.Unmarshal(env.Data, &r.Err)
	default:
		return
	}
	select {
	case c.replies <- r:
	default:
	}
}
