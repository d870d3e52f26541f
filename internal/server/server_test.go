package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack-svr/internal/broker"
	"bustrack-svr/internal/bus"
	"bustrack-svr/internal/filter"
	"bustrack-svr/internal/gateway"
	"bustrack-svr/internal/store"
)

const waitFor = 2 * time.Second

type harness struct {
	store store.Store
	srv   *Server
	ts    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, store.NewMemory(), 32)
}

func newHarnessWith(t *testing.T, st store.Store, outbox int) *harness {
	t.Helper()
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(st, filter.NewPolicy(filter.IDPrefix("driver")), lg)
	gw := gateway.New(st, b, nil, lg)
	srv := New(gw, b, Options{OutboxSize: outbox}, lg)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = srv.Close(ctx)
		ts.Close()
	})
	return &harness{store: st, srv: srv, ts: ts}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
}

func (h *harness) dial(t *testing.T) (*Client, <-chan broker.Snapshot) {
	t.Helper()
	c, err := Dial(context.Background(), h.wsURL())
	require.NoError(t, err)
	return watch(t, c)
}

func (h *harness) dialAs(t *testing.T, role, ownID string) (*Client, <-chan broker.Snapshot) {
	t.Helper()
	c, err := DialAs(context.Background(), h.wsURL(), role, ownID)
	require.NoError(t, err)
	return watch(t, c)
}

func watch(t *testing.T, c *Client) (*Client, <-chan broker.Snapshot) {
	t.Helper()
	t.Cleanup(func() { _ = c.Close() })
	ch := make(chan broker.Snapshot, 128)
	c.Subscribe(func(s broker.Snapshot) { ch <- s })
	return c, ch
}

// flakyStore fails List while down is set.
type flakyStore struct {
	*store.Memory
	down atomic.Bool
}

func (f *flakyStore) List(ctx context.Context) ([]bus.Record, error) {
	if f.down.Load() {
		return nil, &bus.StoreUnavailableError{Op: "list", Err: errors.New("connection refused")}
	}
	return f.Memory.List(ctx)
}

func next(t *testing.T, ch <-chan broker.Snapshot) broker.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(waitFor):
		t.Fatal("no snapshot received")
		return broker.Snapshot{}
	}
}

func reply(t *testing.T, c *Client) Reply {
	t.Helper()
	select {
	case r := <-c.Replies():
		return r
	case <-time.After(waitFor):
		t.Fatal("no reply received")
		return Reply{}
	}
}

func driverRecord() bus.Record {
	return bus.Record{ID: "driver", Lat: 10.0, Lng: 20.0, DriverName: "X", BusNumberPlate: "N/A", InchargeName: "N/A", ArrivalTime: 0}
}

func TestScenario_OperatorOnEmptyStore(t *testing.T) {
	h := newHarness(t)
	a, snaps := h.dial(t)

	first := next(t, snaps)
	assert.Equal(t, broker.EventInitial, first.Event)
	assert.Empty(t, first.Records)

	require.NoError(t, a.DeclareRole("operator", ""))
	s := next(t, snaps)
	assert.Equal(t, broker.EventInitial, s.Event)
	assert.Empty(t, s.Records)
}

func TestScenario_UpdateReachesEveryone(t *testing.T) {
	h := newHarness(t)
	a, aSnaps := h.dial(t)
	next(t, aSnaps)
	require.NoError(t, a.DeclareRole("operator", ""))
	next(t, aSnaps)

	b, bSnaps := h.dial(t)
	next(t, bSnaps)

	require.NoError(t, b.SubmitUpdate(driverRecord(), "u1"))

	for _, ch := range []<-chan broker.Snapshot{aSnaps, bSnaps} {
		s := next(t, ch)
		assert.Equal(t, broker.EventUpdated, s.Event)
		assert.Equal(t, []bus.Record{driverRecord()}, s.Records)
	}

	r := reply(t, b)
	assert.Equal(t, EventAck, r.Event)
	assert.Equal(t, "u1", r.Ref)
	assert.Equal(t, Ack{Op: EventUpdate, ID: "driver"}, r.Ack)
}

func TestScenario_DriverSeesOnlyItself(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.Upsert(ctx, driverRecord())
	require.NoError(t, err)

	op, opSnaps := h.dial(t)
	next(t, opSnaps)
	require.NoError(t, op.DeclareRole("operator", ""))
	assert.Len(t, next(t, opSnaps).Records, 1)

	c, cSnaps := h.dialAs(t, "driver", "driver2")
	initial := next(t, cSnaps)
	assert.Equal(t, broker.EventInitial, initial.Event)
	assert.Empty(t, initial.Records)

	own := bus.Record{ID: "driver2", Lat: 1, Lng: 2, DriverName: "Y", InchargeName: "N/A"}
	require.NoError(t, c.SubmitUpdate(own, ""))

	got := next(t, cSnaps)
	assert.Equal(t, []bus.Record{own}, got.Records)

	opView := next(t, opSnaps)
	require.Len(t, opView.Records, 2)
	assert.Equal(t, "driver", opView.Records[0].ID)
	assert.Equal(t, "driver2", opView.Records[1].ID)
}

func TestScenario_MissingLatRejected(t *testing.T) {
	h := newHarness(t)
	c, snaps := h.dial(t)
	next(t, snaps)

	require.NoError(t, c.send(EventUpdate, map[string]any{
		"id": "driver", "lng": 20.0, "driverName": "X", "inchargeName": "N/A",
	}, "bad"))

	r := reply(t, c)
	assert.Equal(t, EventError, r.Event)
	assert.Equal(t, "bad", r.Ref)
	assert.Equal(t, bus.KindValidation, r.Err.Kind)
	assert.Equal(t, EventUpdate, r.Err.Op)

	// a broadcast would have been queued ahead of the reply
	assert.Len(t, snaps, 0)
	recs, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestScenario_ConcurrentWritersConverge(t *testing.T) {
	h := newHarness(t)
	c1, s1 := h.dial(t)
	c2, s2 := h.dial(t)
	next(t, s1)
	next(t, s2)

	r1 := driverRecord()
	r1.Lat, r1.Lng = 1, 1
	r2 := driverRecord()
	r2.Lat, r2.Lng = 2, 2

	var wg sync.WaitGroup
	for _, p := range []struct {
		c   *Client
		rec bus.Record
	}{{c1, r1}, {c2, r2}} {
		wg.Add(1)
		go func(c *Client, rec bus.Record) {
			defer wg.Done()
			assert.NoError(t, c.SubmitUpdate(rec, ""))
		}(p.c, p.rec)
	}
	wg.Wait()
	assert.Equal(t, EventAck, reply(t, c1).Event)
	assert.Equal(t, EventAck, reply(t, c2).Event)

	final, err := h.store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, final, 1)
	assert.Contains(t, []bus.Record{r1, r2}, final[0])

	for _, c := range []*Client{c1, c2} {
		assert.Eventually(t, func() bool {
			v := c.Buses()
			return len(v) == 1 && v[0] == final[0]
		}, waitFor, 10*time.Millisecond)
	}
}

func TestDeleteBroadcastsRemainingSet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.store.Upsert(ctx, driverRecord())
	other := bus.Record{ID: "7", Lat: 1, Lng: 1, DriverName: "A", InchargeName: "B"}
	_, _ = h.store.Upsert(ctx, other)

	c, snaps := h.dial(t)
	assert.Len(t, next(t, snaps).Records, 2)

	require.NoError(t, c.send(EventDelete, 7, ""))
	s := next(t, snaps)
	assert.Equal(t, broker.EventDeleted, s.Event)
	assert.Equal(t, []bus.Record{driverRecord()}, s.Records)
	assert.Equal(t, Ack{Op: EventDelete, ID: "7"}, reply(t, c).Ack)

	// absent id: no error, same set again
	require.NoError(t, c.SubmitDelete("ghost", ""))
	assert.Equal(t, []bus.Record{driverRecord()}, next(t, snaps).Records)
	assert.Equal(t, EventAck, reply(t, c).Event)
}

func TestBadMessagesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t)
	c, snaps := h.dial(t)
	next(t, snaps)

	require.NoError(t, c.DeclareRole("superuser", ""))
	assert.Equal(t, bus.KindValidation, reply(t, c).Err.Kind)

	require.NoError(t, c.DeclareRole("driver", ""))
	assert.Equal(t, bus.KindValidation, reply(t, c).Err.Kind)

	require.NoError(t, c.send("launch_rocket", nil, ""))
	assert.Equal(t, bus.KindValidation, reply(t, c).Err.Kind)

	c.writeMu.Lock()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	c.writeMu.Unlock()
	assert.Equal(t, bus.KindValidation, reply(t, c).Err.Kind)

	require.NoError(t, c.SubmitUpdate(driverRecord(), ""))
	assert.Equal(t, broker.EventUpdated, next(t, snaps).Event)
}

func TestPlateConflictOverWebSocket(t *testing.T) {
	h := newHarness(t)
	_, _ = h.store.Upsert(context.Background(), bus.Record{ID: "1", DriverName: "A", InchargeName: "B", BusNumberPlate: "TS 09", Lat: 1, Lng: 1})

	c, snaps := h.dial(t)
	next(t, snaps)
	require.NoError(t, c.SubmitUpdate(bus.Record{ID: "2", DriverName: "A", InchargeName: "B", BusNumberPlate: "TS 09", Lat: 1, Lng: 1}, ""))

	r := reply(t, c)
	assert.Equal(t, bus.KindConflict, r.Err.Kind)
	assert.Len(t, snaps, 0)
}

func TestSubscribeAfterHandshakeReplaysLatest(t *testing.T) {
	h := newHarness(t)
	_, _ = h.store.Upsert(context.Background(), driverRecord())

	c, snaps := h.dial(t)
	next(t, snaps)

	late := make(chan broker.Snapshot, 1)
	c.Subscribe(func(s broker.Snapshot) {
		select {
		case late <- s:
		default:
		}
	})
	s := next(t, late)
	assert.Equal(t, []bus.Record{driverRecord()}, s.Records)
}

func TestCloseDisconnectsSessions(t *testing.T) {
	h := newHarness(t)
	c, snaps := h.dial(t)
	next(t, snaps)
	assert.Eventually(t, func() bool { return h.srv.Sessions() == 1 }, waitFor, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.srv.Close(ctx))

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client still connected")
	}
	assert.Equal(t, 0, h.srv.Sessions())
	assert.Equal(t, 0, h.srv.broker.Subscribers())
}

func TestHandshakeRoleScopesFirstSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.store.Upsert(ctx, driverRecord())
	_, _ = h.store.Upsert(ctx, bus.Record{ID: "7", Lat: 1, Lng: 1, DriverName: "A", InchargeName: "B"})

	_, all := h.dial(t)
	assert.Len(t, next(t, all).Records, 2)

	u, uSnaps := h.dialAs(t, "user", "")
	first := next(t, uSnaps)
	assert.Equal(t, broker.EventInitial, first.Event)
	assert.Equal(t, []bus.Record{driverRecord()}, first.Records)
	assert.Len(t, uSnaps, 0, "exactly one initial_buses per connection")

	// a later role message still re-scopes
	require.NoError(t, u.DeclareRole("driver", "7"))
	again := next(t, uSnaps)
	require.Len(t, again.Records, 1)
	assert.Equal(t, "7", again.Records[0].ID)
}

func TestHandshakeRejectsBadRole(t *testing.T) {
	h := newHarness(t)
	for _, tc := range []struct{ role, id string }{
		{"superuser", ""},
		{"driver", ""},
	} {
		_, err := DialAs(context.Background(), h.wsURL(), tc.role, tc.id)
		assert.ErrorIs(t, err, websocket.ErrBadHandshake, tc.role)
	}
	assert.Equal(t, 0, h.srv.Sessions())
}

func TestStoreDownAtConnectKeepsSessionOpen(t *testing.T) {
	fs := &flakyStore{Memory: store.NewMemory()}
	fs.down.Store(true)
	h := newHarnessWith(t, fs, 32)

	c, snaps := h.dial(t)
	r := reply(t, c)
	assert.Equal(t, EventError, r.Event)
	assert.Equal(t, bus.KindStoreUnavailable, r.Err.Kind)
	assert.Len(t, snaps, 0)
	assert.Equal(t, 0, h.srv.broker.Subscribers())

	fs.down.Store(false)
	require.NoError(t, c.DeclareRole("operator", ""))
	s := next(t, snaps)
	assert.Equal(t, broker.EventInitial, s.Event)
	assert.Empty(t, s.Records)
	assert.Equal(t, 1, h.srv.broker.Subscribers())

	require.NoError(t, c.SubmitUpdate(driverRecord(), ""))
	assert.Equal(t, []bus.Record{driverRecord()}, next(t, snaps).Records)
	assert.Equal(t, EventAck, reply(t, c).Event)
}

// lastView remembers the newest snapshot a handler saw and whether it was
// ever entered twice at once.
type lastView struct {
	mu      sync.Mutex
	records []bus.Record
	busy    atomic.Int32
	overlap atomic.Bool
}

func (v *lastView) handle(s broker.Snapshot) {
	if v.busy.Add(1) > 1 {
		v.overlap.Store(true)
	}
	v.mu.Lock()
	v.records = s.Records
	v.mu.Unlock()
	v.busy.Add(-1)
}

func (v *lastView) get() []bus.Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.records
}

func TestClientSubscribeDuringBroadcasts(t *testing.T) {
	const updates = 100
	h := newHarnessWith(t, store.NewMemory(), 4*updates)
	c, snaps := h.dial(t)
	next(t, snaps)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; i < updates; i++ {
			rec := driverRecord()
			rec.Lat = float64(i)
			if _, err := h.srv.gateway.ApplyUpdate(context.Background(), rec); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	var views []*lastView
subscribing:
	for len(views) < 500 {
		select {
		case <-writerDone:
			break subscribing
		default:
		}
		v := &lastView{}
		c.Subscribe(v.handle)
		views = append(views, v)
	}
	<-writerDone

	final := driverRecord()
	final.Lat = updates - 1
	want := []bus.Record{final}
	assert.Eventually(t, func() bool {
		if !assert.ObjectsAreEqual(want, c.Buses()) {
			return false
		}
		for _, v := range views {
			if !assert.ObjectsAreEqual(want, v.get()) {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)

	for i, v := range views {
		assert.False(t, v.overlap.Load(), "handler %d ran concurrently", i)
	}
}

func TestEnqueueDropsSlowSession(t *testing.T) {
	s := &session{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		out:    make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	s.enqueue([]byte("a"))
	s.enqueue([]byte("b"))

	select {
	case <-s.done:
	default:
		t.Fatal("session not closed on overflow")
	}
	s.enqueue([]byte("c"))
	assert.Len(t, s.out, 1)
}
