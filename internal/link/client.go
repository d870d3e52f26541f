// Package link mirrors every broker snapshot to an upstream socket proxy as
// NDJSON over a long-lived TCP connection.
package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"bustrack-svr/internal/broker"
	"bustrack-svr/internal/bus"
	"bustrack-svr/internal/observability"
)

// snapshotLine is one NDJSON line sent upstream.
type snapshotLine struct {
	Event string       `json:"event"`
	Buses []bus.Record `json:"buses"`
}

// Client keeps only the newest pending snapshot: every snapshot replaces the
// whole view, so older unsent ones carry nothing the proxy still needs.
type Client struct {
	addr   string
	logger *slog.Logger

	dialRetry      time.Duration
	reconnectDelay time.Duration

	pending chan []byte

	mu   sync.Mutex
	conn net.Conn
}

func New(addr string, lg *slog.Logger) *Client {
	return &Client{
		addr:           addr,
		logger:         lg.With("component", "link"),
		dialRetry:      5 * time.Second,
		reconnectDelay: 2 * time.Second,
		pending:        make(chan []byte, 1),
	}
}

// Handle is a broker.Handler. It never blocks.
func (c *Client) Handle(snap broker.Snapshot) {
	b, err := json.Marshal(snapshotLine{Event: string(snap.Event), Buses: snap.Records})
	if err != nil {
		c.logger.Error("link: encode snapshot", "err", err)
		return
	}
	b = append(b, '\n')

	for {
		select {
		case c.pending <- b:
			return
		default:
		}
		select {
		case <-c.pending:
		default:
		}
	}
}

// Run dials the proxy and forwards snapshots until ctx is done, reconnecting
// whenever the connection drops.
func (c *Client) Run(ctx context.Context) error {
	for {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("link: dial failed", "addr", c.addr, "err", err)
			if !sleep(ctx, c.dialRetry) {
				return nil
			}
			continue
		}

		c.setConn(conn)
		c.logger.Info("link: connected", "remote", conn.RemoteAddr().String())

		err = c.serve(ctx, conn)
		c.clearConn(conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("link: connection closed, reconnecting...", "err", err)
		if !sleep(ctx, c.reconnectDelay) {
			return nil
		}
	}
}

func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-c.pending:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if _, err := conn.Write(line); err != nil {
				observability.RelayErrors.WithLabelValues("link").Inc()
				c.requeue(line)
				return err
			}
		}
	}
}

// requeue puts line back unless a newer snapshot is already waiting.
func (c *Client) requeue(line []byte) {
	select {
	case c.pending <- line:
	default:
	}
}

// readLoop only logs what the proxy sends back.
func (c *Client) readLoop(conn net.Conn) error {
	r := bufio.NewScanner(conn)
	for r.Scan() {
		c.logger.Info("link: incoming line", "line", r.Text())
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return io.EOF
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Connected reports whether a proxy connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
