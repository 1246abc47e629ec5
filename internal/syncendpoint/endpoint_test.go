package syncendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/slotsync/internal/journal"
	"github.com/agentworkforce/slotsync/internal/protocol"
	"github.com/agentworkforce/slotsync/internal/slotstate"
)

type fakeConn struct {
	inbound chan []byte
	writes  chan []byte
	closed  chan struct{}

	mu        sync.Mutex
	writeErr  error
	closeOnce sync.Once
	closeCode websocket.StatusCode
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		writes:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	case data, ok := <-c.inbound:
		if !ok {
			return 0, nil, errors.New("peer went away")
		}
		return websocket.MessageText, data, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.writes <- append([]byte(nil), p...)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) nextWrite(t *testing.T) string {
	t.Helper()
	select {
	case raw := <-c.writes:
		return string(raw)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound frame")
		return ""
	}
}

func (c *fakeConn) expectNoWrite(t *testing.T) {
	t.Helper()
	select {
	case raw := <-c.writes:
		t.Fatalf("expected no outbound frame, got %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials []string
	err   error
}

func (d *fakeDialer) dial(ctx context.Context, address string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, address)
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type testLogger struct {
	t *testing.T
}

func (l testLogger) Printf(format string, args ...any) {
	l.t.Helper()
	l.t.Logf(format, args...)
}

func newTestEndpoint(t *testing.T, mutate func(*Options)) (*Endpoint, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	opts := Options{
		Store:          slotstate.NewStore(slotstate.DefaultLayout()),
		Dialer:         dialer.dial,
		Logger:         testLogger{t: t},
		RequestTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, dialer
}

func openTestEndpoint(t *testing.T, mutate func(*Options)) (*Endpoint, *fakeConn) {
	t.Helper()
	e, dialer := newTestEndpoint(t, mutate)
	if err := e.Open(context.Background(), "ws://peer.test/sync"); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return e, dialer.conn(0)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPartSyncRepliesWithKnownSubset(t *testing.T) {
	e, conn := openTestEndpoint(t, nil)
	if err := e.Store().SetMany(map[string]slotstate.Status{"1": slotstate.Occupied, "9": slotstate.Reserved}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	if err := e.HandleFrame([]byte(`{"action":"part_sync","id":"x1","data":["1","5","9"]}`)); err != nil {
		t.Fatalf("handle part_sync: %v", err)
	}
	got := conn.nextWrite(t)
	want := `{"action":"part_sync","id":"x1","status":"ok","data":{"1":1,"9":2}}`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestFullSyncRepliesWithWholeStore(t *testing.T) {
	e, conn := openTestEndpoint(t, nil)
	if err := e.Store().SetMany(map[string]slotstate.Status{"1": slotstate.Occupied, "2": slotstate.Empty}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	conn.inbound <- []byte(`{"action":"full_sync","id":"abc"}`)
	got := conn.nextWrite(t)
	want := `{"action":"full_sync","id":"abc","status":"ok","data":{"1":1,"2":0}}`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestReplyEchoesLiteralActionSpelling(t *testing.T) {
	e, conn := openTestEndpoint(t, nil)
	if err := e.HandleFrame([]byte(`{"action":"full-sync","id":"q"}`)); err != nil {
		t.Fatalf("handle full-sync: %v", err)
	}
	got := conn.nextWrite(t)
	if !strings.HasPrefix(got, `{"action":"full-sync","id":"q"`) {
		t.Fatalf("expected reply to reuse inbound action, got %s", got)
	}
}

func TestRequestWithoutIDGetsNoReply(t *testing.T) {
	e, conn := openTestEndpoint(t, nil)
	if err := e.HandleFrame([]byte(`{"action":"full_sync"}`)); err != nil {
		t.Fatalf("handle full_sync: %v", err)
	}
	conn.expectNoWrite(t)
}

func TestUpdatePlaceStatusMergesWithoutReply(t *testing.T) {
	e, conn := openTestEndpoint(t, nil)
	var changes []slotstate.Change
	var mu sync.Mutex
	e.Store().Subscribe(func(c slotstate.Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	if err := e.HandleFrame([]byte(`{"action":"update_place_status","id":"u1","data":{"3":2}}`)); err != nil {
		t.Fatalf("handle update: %v", err)
	}
	if got := e.Store().Get("3"); got != slotstate.Reserved {
		t.Fatalf("expected slot 3 reserved, got %v", got)
	}
	mu.Lock()
	if len(changes) != 1 {
		t.Fatalf("expected exactly one change notification, got %d", len(changes))
	}
	mu.Unlock()
	conn.expectNoWrite(t)
}

func TestMalformedFrameLeavesStoreUntouched(t *testing.T) {
	mem := journal.NewInMemoryJournal(8)
	e, conn := openTestEndpoint(t, func(o *Options) { o.Journal = mem })
	before := e.Store().All()

	for _, raw := range []string{"{not json", `{"data":{"1":1}}`, `{"action":"update_place_status","data":{"1":7}}`} {
		err := e.HandleFrame([]byte(raw))
		if !errors.Is(err, protocol.ErrMalformedFrame) {
			t.Fatalf("expected malformed frame error for %s, got %v", raw, err)
		}
	}
	after := e.Store().All()
	if len(after) != len(before) {
		t.Fatalf("expected store unchanged, got %v", after)
	}
	conn.expectNoWrite(t)

	entries, err := mem.Recent(0)
	if err != nil {
		t.Fatalf("journal recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 journal entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Direction != journal.DirectionDropped {
			t.Fatalf("expected dropped entry, got %+v", entry)
		}
	}
	if entries[0].Session == "" {
		t.Fatalf("expected session id on journal entry")
	}
}

func TestUnknownActionIsDropped(t *testing.T) {
	e, conn := openTestEndpoint(t, nil)
	err := e.HandleFrame([]byte(`{"action":"reboot_all","id":"r"}`))
	if !errors.Is(err, protocol.ErrUnknownAction) {
		t.Fatalf("expected unknown action error, got %v", err)
	}
	var unknown *protocol.UnknownActionError
	if !errors.As(err, &unknown) || unknown.Handler != "rebootAll" {
		t.Fatalf("expected handler name rebootAll, got %v", err)
	}
	conn.expectNoWrite(t)
}

func TestDoubleOpenKeepsOneLiveChannel(t *testing.T) {
	e, dialer := newTestEndpoint(t, nil)
	if err := e.Open(context.Background(), "ws://a.test"); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := e.Open(context.Background(), "ws://b.test"); err != nil {
		t.Fatalf("second open: %v", err)
	}
	first, second := dialer.conn(0), dialer.conn(1)
	if !first.isClosed() {
		t.Fatalf("expected first channel closed by second open")
	}
	if second.isClosed() {
		t.Fatalf("expected second channel live")
	}
	if e.State() != StateOpen || e.Address() != "ws://b.test" {
		t.Fatalf("expected open to b.test, got %v %s", e.State(), e.Address())
	}
	if _, err := e.Send(context.Background(), protocol.ActionFullSync, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	second.nextWrite(t)
	first.expectNoWrite(t)
}

func TestCloseOnClosedEndpointIsNoop(t *testing.T) {
	e, dialer := newTestEndpoint(t, nil)
	var transitions []State
	e.OnStateChange(func(s State) { transitions = append(transitions, s) })

	if err := e.Close(); err != nil {
		t.Fatalf("close on never-opened endpoint: %v", err)
	}
	if len(transitions) != 0 || dialer.dialCount() != 0 {
		t.Fatalf("expected no transitions or dials, got %v %d", transitions, dialer.dialCount())
	}

	if err := e.Open(context.Background(), "ws://peer.test"); err != nil {
		t.Fatalf("open: %v", err)
	}
	conn := dialer.conn(0)
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	conn.expectNoWrite(t)
	want := []State{StateConnecting, StateOpen, StateClosed}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
}

func TestOperationsRequireOpenChannel(t *testing.T) {
	e, _ := newTestEndpoint(t, nil)
	ctx := context.Background()
	if _, err := e.Send(ctx, protocol.ActionFullSync, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from send, got %v", err)
	}
	if err := e.Push(ctx, map[string]slotstate.Status{"1": 1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from push, got %v", err)
	}
	if _, err := e.Request(ctx, protocol.ActionFullSync, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from request, got %v", err)
	}
	if err := e.Update(ctx, "4", slotstate.Occupied); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from update, got %v", err)
	}
	if got := e.Store().Get("4"); got != slotstate.Occupied {
		t.Fatalf("expected local update kept while disconnected, got %v", got)
	}
	if err := e.Open(ctx, "  "); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestSendAttachesFreshIDAndPushDoesNot(t *testing.T) {
	ids := []string{"id-1", "id-2"}
	e, conn := openTestEndpoint(t, func(o *Options) {
		var mu sync.Mutex
		o.NewID = func() string {
			mu.Lock()
			defer mu.Unlock()
			id := ids[0]
			ids = ids[1:]
			return id
		}
	})

	id, err := e.Send(context.Background(), protocol.ActionPartSync, []string{"1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "id-1" {
		t.Fatalf("expected id-1, got %s", id)
	}
	if got := conn.nextWrite(t); got != `{"action":"part_sync","id":"id-1","status":"ok","data":["1"]}` {
		t.Fatalf("unexpected send frame %s", got)
	}

	if err := e.Update(context.Background(), "3", slotstate.Reserved); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := conn.nextWrite(t); got != `{"action":"update_place_status","status":"ok","data":{"3":2}}` {
		t.Fatalf("unexpected push frame %s", got)
	}
	if e.Store().Get("3") != slotstate.Reserved {
		t.Fatalf("expected local store updated")
	}
	if err := e.Update(context.Background(), "99", slotstate.Reserved); !errors.Is(err, slotstate.ErrUnknownSlot) {
		t.Fatalf("expected ErrUnknownSlot, got %v", err)
	}
	conn.expectNoWrite(t)
}

// answer replies to the next outbound request on conn with data.
func answer(t *testing.T, conn *fakeConn, status string, data string) {
	t.Helper()
	go func() {
		raw := <-conn.writes
		var req protocol.Packet
		if err := json.Unmarshal(raw, &req); err != nil {
			return
		}
		resp := fmt.Sprintf(`{"action":%q,"id":%q,"status":%q,"data":%s}`, req.Action, req.ID, status, data)
		conn.inbound <- []byte(resp)
	}()
}

func TestSyncFullAppliesResponse(t *testing.T) {
	e, conn := openTestEndpoint(t, nil)
	answer(t, conn, "ok", `{"1":1,"2":2,"16":0}`)

	if err := e.SyncFull(context.Background()); err != nil {
		t.Fatalf("sync full: %v", err)
	}
	if e.Store().Get("1") != slotstate.Occupied || e.Store().Get("2") != slotstate.Reserved {
		t.Fatalf("expected response merged, got %v", e.Store().All())
	}
	if _, ok := e.Store().Lookup("16"); !ok {
		t.Fatalf("expected slot 16 known after sync")
	}
}

func TestSyncPartialAppliesResponse(t *testing.T) {
	e, conn := openTestEndpoint(t, nil)
	go func() {
		raw := <-conn.writes
		var req protocol.Packet
		_ = json.Unmarshal(raw, &req)
		if string(req.Data) != `["5","6"]` {
			conn.inbound <- []byte(`{"action":"part_sync","id":"wrong"}`)
			return
		}
		conn.inbound <- []byte(fmt.Sprintf(`{"action":"part_sync","id":%q,"status":"ok","data":{"5":1}}`, req.ID))
	}()
	if err := e.SyncPartial(context.Background(), []string{"5", "6"}); err != nil {
		t.Fatalf("sync partial: %v", err)
	}
	if e.Store().Get("5") != slotstate.Occupied {
		t.Fatalf("expected slot 5 occupied")
	}
	if _, ok := e.Store().Lookup("6"); ok {
		t.Fatalf("expected slot 6 untouched")
	}
}

func TestRequestReportsPeerError(t *testing.T) {
	e, conn := openTestEndpoint(t, nil)
	answer(t, conn, "error", `"busy"`)
	_, err := e.Request(context.Background(), protocol.ActionFullSync, nil)
	if !errors.Is(err, ErrPeer) {
		t.Fatalf("expected peer error, got %v", err)
	}
}

func TestRequestTimesOut(t *testing.T) {
	e, _ := openTestEndpoint(t, func(o *Options) { o.RequestTimeout = 20 * time.Millisecond })
	_, err := e.Request(context.Background(), protocol.ActionFullSync, nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	e.mu.Lock()
	pending := len(e.pending)
	e.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected pending table drained, got %d", pending)
	}
}

func requestID(t *testing.T, raw string) string {
	t.Helper()
	var req protocol.Packet
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("decode outbound frame %s: %v", raw, err)
	}
	return req.ID
}

func expectLastJournalReason(t *testing.T, frames journal.Journal, reason string) {
	t.Helper()
	entries, err := frames.Recent(1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected a journal entry, got %v (%v)", entries, err)
	}
	if entries[0].Direction != journal.DirectionDropped || entries[0].Reason != reason {
		t.Fatalf("expected dropped entry with reason %s, got %+v", reason, entries[0])
	}
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	frames := journal.NewInMemoryJournal(16)
	e, conn := openTestEndpoint(t, func(o *Options) {
		o.RequestTimeout = 20 * time.Millisecond
		o.Journal = frames
	})
	_ = e.Store().Set("1", slotstate.Occupied)

	if _, err := e.Request(context.Background(), protocol.ActionFullSync, nil); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	id := requestID(t, conn.nextWrite(t))

	late := fmt.Sprintf(`{"action":"full_sync","id":%q,"status":"ok","data":{"2":1}}`, id)
	if err := e.HandleFrame([]byte(late)); err != nil {
		t.Fatalf("expected late response dropped quietly, got %v", err)
	}
	conn.expectNoWrite(t)
	if _, ok := e.Store().Lookup("2"); ok {
		t.Fatalf("expected late response not applied")
	}
	expectLastJournalReason(t, frames, "late_response")
}

func TestLateResponseAfterCancelIsDropped(t *testing.T) {
	frames := journal.NewInMemoryJournal(16)
	e, conn := openTestEndpoint(t, func(o *Options) { o.Journal = frames })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Request(ctx, protocol.ActionPartSync, []string{"1"})
		errCh <- err
	}()
	id := requestID(t, conn.nextWrite(t))
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	late := fmt.Sprintf(`{"action":"part_sync","id":%q,"status":"ok","data":{"1":1}}`, id)
	if err := e.HandleFrame([]byte(late)); err != nil {
		t.Fatalf("expected late response dropped quietly, got %v", err)
	}
	conn.expectNoWrite(t)
	expectLastJournalReason(t, frames, "late_response")
}

func TestUncorrelatedErrorResponseIsNotDispatched(t *testing.T) {
	frames := journal.NewInMemoryJournal(16)
	e, conn := openTestEndpoint(t, func(o *Options) { o.Journal = frames })

	if err := e.HandleFrame([]byte(`{"action":"full_sync","id":"zz9","status":"error","data":"busy"}`)); err != nil {
		t.Fatalf("expected uncorrelated error dropped quietly, got %v", err)
	}
	conn.expectNoWrite(t)
	expectLastJournalReason(t, frames, "unsolicited_error")
}

func TestRequestGivesUpOnCollidingIDs(t *testing.T) {
	e, conn := openTestEndpoint(t, func(o *Options) {
		o.NewID = func() string { return "fixed" }
	})
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Request(context.Background(), protocol.ActionFullSync, nil)
		errCh <- err
	}()
	conn.nextWrite(t)

	done := make(chan error, 1)
	go func() {
		_, err := e.Request(context.Background(), protocol.ActionFullSync, nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "no unused correlation id") {
			t.Fatalf("expected id exhaustion error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request with colliding ids did not return")
	}
	if e.State() != StateOpen {
		t.Fatalf("expected endpoint still usable, got %s", e.State())
	}

	conn.inbound <- []byte(`{"action":"full_sync","id":"fixed","status":"ok","data":{}}`)
	if err := <-errCh; err != nil {
		t.Fatalf("expected first request answered, got %v", err)
	}
}

func TestCloseAbandonsPendingRequests(t *testing.T) {
	e, conn := openTestEndpoint(t, nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Request(context.Background(), protocol.ActionFullSync, nil)
		errCh <- err
	}()
	conn.nextWrite(t)
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRequestAbandoned) {
			t.Fatalf("expected ErrRequestAbandoned, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request not released by close")
	}
}

func TestDialFailureReturnsChannelError(t *testing.T) {
	e, dialer := newTestEndpoint(t, nil)
	dialer.err = errors.New("connection refused")
	var transitions []State
	e.OnStateChange(func(s State) { transitions = append(transitions, s) })

	err := e.Open(context.Background(), "ws://down.test")
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("expected channel error, got %v", err)
	}
	var chErr *ChannelError
	if !errors.As(err, &chErr) || chErr.Op != "dial" || chErr.Address != "ws://down.test" {
		t.Fatalf("unexpected channel error detail: %v", err)
	}
	if e.State() != StateClosed {
		t.Fatalf("expected closed after dial failure, got %v", e.State())
	}
	want := []State{StateConnecting, StateClosed}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
}

func TestReadFailureClosesAndRedials(t *testing.T) {
	e, dialer := newTestEndpoint(t, func(o *Options) {
		o.Reconnect = ReconnectPolicy{Enabled: true, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	})
	if err := e.Open(context.Background(), "ws://flaky.test"); err != nil {
		t.Fatalf("open: %v", err)
	}
	close(dialer.conn(0).inbound)

	waitFor(t, "redial", func() bool { return dialer.dialCount() == 2 })
	waitFor(t, "reopen", func() bool { return e.State() == StateOpen })

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != 2 {
		t.Fatalf("expected no redial after explicit close, got %d dials", dialer.dialCount())
	}
}

func TestWriteFailureClosesChannel(t *testing.T) {
	e, conn := openTestEndpoint(t, nil)
	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()

	_, err := e.Send(context.Background(), protocol.ActionFullSync, nil)
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("expected channel error, got %v", err)
	}
	if e.State() != StateClosed {
		t.Fatalf("expected closed after write failure, got %v", e.State())
	}
}

func TestFramesFromSupersededChannelAreIgnored(t *testing.T) {
	e, dialer := newTestEndpoint(t, nil)
	if err := e.Open(context.Background(), "ws://a.test"); err != nil {
		t.Fatalf("open: %v", err)
	}
	e.mu.Lock()
	staleGen := e.generation
	e.mu.Unlock()
	if err := e.Open(context.Background(), "ws://b.test"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := e.handleFrame(staleGen, []byte(`{"action":"update_place_status","data":{"7":1}}`)); err != nil {
		t.Fatalf("stale frame: %v", err)
	}
	if _, ok := e.Store().Lookup("7"); ok {
		t.Fatalf("expected stale frame not dispatched")
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("expected two dials, got %d", dialer.dialCount())
	}
}

func TestSyncOnOpenRequestsFullState(t *testing.T) {
	_, conn := openTestEndpoint(t, func(o *Options) { o.SyncOnOpen = true })
	got := conn.nextWrite(t)
	var packet protocol.Packet
	if err := json.Unmarshal([]byte(got), &packet); err != nil {
		t.Fatalf("decode sync frame: %v", err)
	}
	if packet.Action != protocol.ActionFullSync || packet.ID == "" {
		t.Fatalf("expected full_sync request with id, got %s", got)
	}
}

func TestRegistryLookupNormalizesSpelling(t *testing.T) {
	store := slotstate.NewStore(slotstate.DefaultLayout())
	r := NewDefaultRegistry(nil, store)
	for _, action := range []string{"full_sync", "full-sync", "full sync", "fullSync"} {
		if _, ok := r.Lookup(action); !ok {
			t.Fatalf("expected %q to resolve", action)
		}
	}
	if err := r.Register("ping", true, func(protocol.Packet) (any, error) { return "pong", nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	reply, err := r.Dispatch(protocol.Packet{Action: "ping", ID: "p"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reply == nil || string(reply.Data) != `"pong"` || reply.ID != "p" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if err := r.Register("", true, func(protocol.Packet) (any, error) { return nil, nil }); err == nil {
		t.Fatalf("expected empty action to be rejected")
	}
	if got := strings.Join(r.Actions(), ","); got != "full_sync,part_sync,ping,update_place_status" {
		t.Fatalf("unexpected actions %s", got)
	}
}

func TestMetricsCountFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(MetricsConfig{Registry: reg})
	e, conn := openTestEndpoint(t, func(o *Options) { o.Metrics = metrics })

	_ = e.HandleFrame([]byte(`{"action":"full_sync","id":"m"}`))
	conn.nextWrite(t)
	_ = e.HandleFrame([]byte(`garbage`))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			key := family.GetName()
			for _, label := range metric.GetLabel() {
				key += "/" + label.GetValue()
			}
			if c := metric.GetCounter(); c != nil {
				values[key] = c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				values[key] = g.GetValue()
			}
		}
	}
	if values["slotsync_endpoint_frames_received_total/full_sync"] != 1 {
		t.Fatalf("expected one received full_sync, got %v", values)
	}
	if values["slotsync_endpoint_frames_sent_total/full_sync"] != 1 {
		t.Fatalf("expected one sent full_sync, got %v", values)
	}
	if values["slotsync_endpoint_frames_dropped_total/malformed"] != 1 {
		t.Fatalf("expected one malformed drop, got %v", values)
	}
	if values["slotsync_endpoint_connection_state"] != float64(StateOpen) {
		t.Fatalf("expected open state gauge, got %v", values)
	}
}

func TestReconnectDelayBacksOff(t *testing.T) {
	p := ReconnectPolicy{MinDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt, 0.5); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
	p.Jitter = 0.5
	if got := p.Delay(1, 0); got != 50*time.Millisecond {
		t.Fatalf("expected low jitter bound 50ms, got %s", got)
	}
	if got := p.Delay(1, 1); got != 150*time.Millisecond {
		t.Fatalf("expected high jitter bound 150ms, got %s", got)
	}
}

func TestWebSocketPeerRoundTrip(t *testing.T) {
	replies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"action":"part_sync","id":"srv-1","data":["2"]}`)); err != nil {
			return
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		replies <- string(data)
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	store := slotstate.NewStore(slotstate.DefaultLayout())
	if err := store.Set("2", slotstate.Occupied); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e, err := New(Options{Store: store, Dialer: WebSocketDialer(nil, 1<<16), Logger: testLogger{t: t}})
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Open(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")); err != nil {
		t.Fatalf("open: %v", err)
	}
	select {
	case got := <-replies:
		want := `{"action":"part_sync","id":"srv-1","status":"ok","data":{"2":1}}`
		if got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for reply over websocket")
	}
}
