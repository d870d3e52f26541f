package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bustrack-svr/internal/broker"
	"bustrack-svr/internal/bus"
	"bustrack-svr/internal/filter"
	"bustrack-svr/internal/gateway"
	"bustrack-svr/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// session is one WebSocket client. Its scope lives in its broker
// subscription; nothing about it is global.
type session struct {
	id     string
	conn   *websocket.Conn
	srv    *Server
	logger *slog.Logger

	out  chan []byte
	done chan struct{}
	once sync.Once

	sub *broker.Subscription
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		conn:   conn,
		srv:    srv,
		logger: srv.logger.With("session", id, "remote", conn.RemoteAddr().String()),
		out:    make(chan []byte, srv.outboxSize),
		done:   make(chan struct{}),
	}
}

// run blocks until the client goes away or the server closes the session.
// scope is the role declared at the handshake. When the store cannot be read
// the client gets an error and stays connected; its next role declaration
// subscribes again.
func (s *session) run(ctx context.Context, scope filter.Scope) {
	go s.writePump()
	defer s.close()
	defer func() {
		if s.sub != nil {
			s.sub.Close()
		}
	}()

	if err := s.subscribe(ctx, scope); err != nil {
		s.logger.Error("subscribe failed", "err", err)
		s.reply(outbound{Event: EventError, Data: errorReply(EventRole, err)})
	}

	s.readPump(gateway.WithOrigin(ctx, "ws:"+s.id))
}

// subscribe registers the session with the broker, or re-scopes the existing
// subscription. Either way an initial_buses snapshot follows on success.
// Only the read goroutine calls it.
func (s *session) subscribe(ctx context.Context, scope filter.Scope) error {
	if s.sub != nil {
		return s.sub.Declare(ctx, scope)
	}
	sub, err := s.srv.broker.Subscribe(ctx, scope, s.deliver)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("read error", "err", err)
			}
			return
		}
		s.handle(ctx, msg)
	}
}

func (s *session) handle(ctx context.Context, msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.reply(outbound{Event: EventError, Data: errorReply("", &bus.ValidationError{Field: "message", Reason: "malformed json"})})
		return
	}

	switch env.Event {
	case EventRole:
		scope, err := decodeScope(env.Data)
		if err == nil {
			err = s.subscribe(ctx, scope)
		}
		if err != nil {
			s.reply(outbound{Event: EventError, Data: errorReply(env.Event, err), Ref: env.Ref})
			return
		}
		s.logger.Info("role declared", "role", string(scope.Role), "own_id", scope.OwnID)

	case EventUpdate:
		rec, err := bus.Decode(env.Data)
		if err == nil {
			_, err = s.srv.gateway.ApplyUpdate(ctx, rec)
		}
		s.finish(env, rec.ID, err)

	case EventDelete:
		id, err := decodeDeleteID(env.Data)
		if err == nil {
			err = s.srv.gateway.ApplyDelete(ctx, id)
		}
		s.finish(env, id, err)

	default:
		s.reply(outbound{
			Event: EventError,
			Data:  errorReply(env.Event, &bus.ValidationError{Field: "event", Reason: "unknown event " + env.Event}),
			Ref:   env.Ref,
		})
	}
}

func (s *session) finish(env Envelope, id string, err error) {
	if err != nil {
		s.logger.Debug("mutation rejected", "op", env.Event, "id", id, "err", err)
		s.reply(outbound{Event: EventError, Data: errorReply(env.Event, err), Ref: env.Ref})
		return
	}
	s.reply(outbound{Event: EventAck, Data: Ack{Op: env.Event, ID: id}, Ref: env.Ref})
}

// deliver is the broker handler; it only queues.
func (s *session) deliver(snap broker.Snapshot) {
	s.reply(outbound{Event: string(snap.Event), Data: snap.Records})
}

func (s *session) reply(m outbound) {
	b, err := json.Marshal(m)
	if err != nil {
		s.logger.Error("encode message", "event", m.Event, "err", err)
		return
	}
	s.enqueue(b)
}

func (s *session) enqueue(b []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- b:
	default:
		observability.SlowConsumers.Inc()
		s.logger.Warn("outbox full, dropping session", "size", cap(s.out))
		s.close()
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			s.drain()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes what is already queued, best effort.
func (s *session) drain() {
	for {
		select {
		case msg := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

func errorReply(op string, err error) ErrorReply {
	return ErrorReply{Op: op, Kind: bus.Kind(err), Message: err.Error()}
}
