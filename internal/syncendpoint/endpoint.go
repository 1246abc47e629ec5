package syncendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/slotsync/internal/journal"
	"github.com/agentworkforce/slotsync/internal/protocol"
	"github.com/agentworkforce/slotsync/internal/slotstate"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultFrameLimit     = 512

	// expiredIDLimit bounds how many timed-out or cancelled request ids are
	// remembered so their late responses can be recognised.
	expiredIDLimit = 256
	idAttempts     = 8
)

type Options struct {
	Store *slotstate.Store
	// Codec defaults to protocol.NewCodec().
	Codec *protocol.Codec
	// Registry defaults to the built-in handlers bound to Store.
	Registry *Registry
	// Dialer defaults to WebSocketDialer(nil, 0).
	Dialer  Dialer
	Journal journal.Journal
	Metrics *Metrics
	Logger  Logger

	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	// DialTimeout bounds redials; Open uses the caller's context.
	DialTimeout time.Duration
	Reconnect   ReconnectPolicy
	// SyncOnOpen issues a full_sync request each time the channel opens.
	SyncOnOpen bool
	// JournalFrameLimit truncates frames copied into the journal.
	JournalFrameLimit int
	// NewID overrides correlation id generation.
	NewID func() string
}

type pendingResult struct {
	packet protocol.Packet
	err    error
}

// Endpoint owns one channel to a peer and keeps the local store in step with
// it. Handlers and local mutations never interleave.
type Endpoint struct {
	store    *slotstate.Store
	codec    *protocol.Codec
	registry *Registry
	dialer   Dialer
	journal  journal.Journal
	metrics  *Metrics
	logger   Logger
	newID    func() string

	requestTimeout time.Duration
	writeTimeout   time.Duration
	dialTimeout    time.Duration
	reconnect      ReconnectPolicy
	syncOnOpen     bool
	frameLimit     int

	dispatchMu sync.Mutex
	writeMu    sync.Mutex

	mu             sync.Mutex
	state          State
	generation     uint64
	conn           Conn
	connCancel     context.CancelFunc
	dialCancel     context.CancelFunc
	session        string
	address        string
	wantOpen       bool
	attempts       int
	reconnectTimer *time.Timer
	rng            *rand.Rand
	pending        map[string]chan pendingResult
	expired        map[string]struct{}
	expiredOrder   []string
	observers      map[int]func(State)
	nextObserver   int
}

func New(opts Options) (*Endpoint, error) {
	if opts.Store == nil {
		return nil, errors.New("syncendpoint: store is required")
	}
	codec := opts.Codec
	if codec == nil {
		var err error
		codec, err = protocol.NewCodec()
		if err != nil {
			return nil, err
		}
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewDefaultRegistry(codec, opts.Store)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebSocketDialer(nil, 0)
	}
	newID := opts.NewID
	if newID == nil {
		newID = protocol.NewCorrelationID
	}
	e := &Endpoint{
		store:          opts.Store,
		codec:          codec,
		registry:       registry,
		dialer:         dialer,
		journal:        opts.Journal,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		newID:          newID,
		requestTimeout: opts.RequestTimeout,
		writeTimeout:   opts.WriteTimeout,
		dialTimeout:    opts.DialTimeout,
		reconnect:      opts.Reconnect,
		syncOnOpen:     opts.SyncOnOpen,
		frameLimit:     opts.JournalFrameLimit,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		pending:        map[string]chan pendingResult{},
		expired:        map[string]struct{}{},
		observers:      map[int]func(State){},
	}
	if e.requestTimeout <= 0 {
		e.requestTimeout = defaultRequestTimeout
	}
	if e.writeTimeout <= 0 {
		e.writeTimeout = defaultWriteTimeout
	}
	if e.dialTimeout <= 0 {
		e.dialTimeout = defaultDialTimeout
	}
	if e.frameLimit <= 0 {
		e.frameLimit = defaultFrameLimit
	}
	e.metrics.state(StateClosed)
	return e, nil
}

func (e *Endpoint) Store() *slotstate.Store {
	return e.store
}

func (e *Endpoint) Registry() *Registry {
	return e.registry
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Address is the last address passed to Open.
func (e *Endpoint) Address() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.address
}

// Session identifies the current channel in journal entries. Empty while
// closed.
func (e *Endpoint) Session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// OnStateChange registers fn for lifecycle transitions and returns a func
// that removes it.
func (e *Endpoint) OnStateChange(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	id := e.nextObserver
	e.nextObserver++
	e.observers[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// Open tears down any existing channel, then dials address. It returns once
// the channel is Open or the dial has failed.
func (e *Endpoint) Open(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	_ = e.Close()

	e.mu.Lock()
	e.wantOpen = true
	e.address = address
	e.attempts = 0
	e.mu.Unlock()

	return e.connect(ctx, address)
}

// Close releases the channel and abandons pending requests. Closing a closed
// endpoint does nothing.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.wantOpen = false
	e.stopReconnectLocked()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	conn, notify := e.teardownLocked()
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}
	notify()
	e.logf("channel closed")
	return nil
}

func (e *Endpoint) connect(ctx context.Context, address string) error {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.dialCancel = cancel
	notify := e.setStateLocked(StateConnecting)
	e.mu.Unlock()
	notify()

	conn, err := e.dialer(dialCtx, address)

	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return ErrSuperseded
	}
	e.dialCancel = nil
	if err != nil {
		notify = e.setStateLocked(StateClosed)
		e.scheduleReconnectLocked()
		e.mu.Unlock()
		notify()
		chErr := &ChannelError{Op: "dial", Address: address, Err: err}
		e.logf("%v", chErr)
		return chErr
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	e.conn = conn
	e.connCancel = connCancel
	e.session = uuid.NewString()
	e.attempts = 0
	session := e.session
	notify = e.setStateLocked(StateOpen)
	e.mu.Unlock()
	notify()

	e.logf("channel open to %s (session %s)", address, session)
	go e.readLoop(connCtx, gen, conn)
	if e.syncOnOpen {
		go e.syncAfterOpen(connCtx)
	}
	return nil
}

func (e *Endpoint) syncAfterOpen(ctx context.Context) {
	if err := e.SyncFull(ctx); err != nil && ctx.Err() == nil {
		e.logf("full sync after open failed: %v", err)
	}
}

func (e *Endpoint) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.fail(gen, &ChannelError{Op: "read", Err: err})
			return
		}
		_ = e.handleFrame(gen, data)
	}
}

// HandleFrame decodes and dispatches one inbound frame as if it had arrived
// on the current channel. Replies are written to the channel when it is
// open.
func (e *Endpoint) HandleFrame(raw []byte) error {
	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()
	return e.handleFrame(gen, raw)
}

func (e *Endpoint) handleFrame(gen uint64, raw []byte) error {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	if !e.isCurrent(gen) {
		e.metrics.dropped("stale")
		return nil
	}
	packet, err := e.codec.Decode(raw)
	if err != nil {
		e.metrics.dropped("malformed")
		e.record(journal.DirectionDropped, "", "", err.Error(), raw)
		e.logf("dropping frame: %v", err)
		return err
	}
	if packet.ID != "" && e.resolvePending(packet) {
		e.metrics.received(e.metricAction(packet.Action))
		e.record(journal.DirectionInbound, packet.Action, packet.ID, "response", raw)
		return nil
	}
	if packet.ID != "" && e.isExpired(packet.ID) {
		e.metrics.dropped("late_response")
		e.record(journal.DirectionDropped, packet.Action, packet.ID, "late_response", raw)
		e.logf("dropping late response to %s (%s)", packet.Action, packet.ID)
		return nil
	}
	if packet.Status == protocol.StatusError {
		// error responses never start a request of their own
		e.metrics.dropped("unsolicited_error")
		e.record(journal.DirectionDropped, packet.Action, packet.ID, "unsolicited_error", raw)
		e.logf("dropping uncorrelated error response %s (%s)", packet.Action, packet.ID)
		return nil
	}

	reply, err := e.registry.Dispatch(packet)
	if err != nil {
		reason := "handler_error"
		switch {
		case errors.Is(err, protocol.ErrUnknownAction):
			reason = "unknown_action"
		case errors.Is(err, protocol.ErrMalformedFrame):
			reason = "malformed"
		}
		if reason != "handler_error" {
			e.metrics.dropped(reason)
			e.record(journal.DirectionDropped, packet.Action, packet.ID, err.Error(), raw)
			e.logf("dropping frame: %v", err)
			return err
		}
		e.metrics.received(e.metricAction(packet.Action))
		e.record(journal.DirectionInbound, packet.Action, packet.ID, err.Error(), raw)
		e.logf("%v", err)
		return err
	}
	e.metrics.received(e.metricAction(packet.Action))
	e.record(journal.DirectionInbound, packet.Action, packet.ID, "", raw)
	if reply == nil {
		return nil
	}
	if err := e.write(context.Background(), gen, *reply); err != nil {
		e.logf("reply to %s (%s) failed: %v", packet.Action, packet.ID, err)
		return err
	}
	return nil
}

// Send writes an action with a fresh correlation id and does not wait for a
// response. It returns the id used.
func (e *Endpoint) Send(ctx context.Context, action string, data any) (string, error) {
	payload, err := marshalPayload(data)
	if err != nil {
		return "", err
	}
	id := e.newID()
	packet := protocol.Packet{Action: action, ID: id, Status: protocol.StatusOK, Data: payload}
	if err := e.write(ctx, 0, packet); err != nil {
		return "", err
	}
	return id, nil
}

// Push writes an update_place_status notification. Pushes carry no id and
// expect no response.
func (e *Endpoint) Push(ctx context.Context, updates map[string]slotstate.Status) error {
	payload, err := json.Marshal(updates)
	if err != nil {
		return err
	}
	packet := protocol.Packet{
		Action: protocol.ActionUpdatePlaceStatus,
		Status: protocol.StatusOK,
		Data:   payload,
	}
	return e.write(ctx, 0, packet)
}

// Request sends action and waits for the packet carrying the same id. It
// fails with ErrRequestTimeout, ErrRequestAbandoned when the channel goes
// away first, or *PeerError when the response has status "error".
func (e *Endpoint) Request(ctx context.Context, action string, data any) (protocol.Packet, error) {
	payload, err := marshalPayload(data)
	if err != nil {
		return protocol.Packet{}, err
	}

	e.mu.Lock()
	if e.state != StateOpen {
		e.mu.Unlock()
		return protocol.Packet{}, ErrNotConnected
	}
	id, ok := e.unusedIDLocked()
	if !ok {
		e.mu.Unlock()
		return protocol.Packet{}, fmt.Errorf("request %s: no unused correlation id after %d attempts", action, idAttempts)
	}
	ch := make(chan pendingResult, 1)
	e.pending[id] = ch
	gen := e.generation
	pendingCount := len(e.pending)
	e.mu.Unlock()
	e.metrics.pending(pendingCount)

	started := time.Now()
	packet := protocol.Packet{Action: action, ID: id, Status: protocol.StatusOK, Data: payload}
	if err := e.write(ctx, gen, packet); err != nil {
		e.removePending(id)
		e.metrics.request(action, "write_error", time.Since(started).Seconds())
		return protocol.Packet{}, err
	}

	timer := time.NewTimer(e.requestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			e.metrics.request(action, "abandoned", time.Since(started).Seconds())
			return protocol.Packet{}, res.err
		}
		if res.packet.Status == protocol.StatusError {
			e.metrics.request(action, "peer_error", time.Since(started).Seconds())
			return res.packet, &PeerError{Action: res.packet.Action, ID: id, Data: string(res.packet.Data)}
		}
		e.metrics.request(action, "ok", time.Since(started).Seconds())
		return res.packet, nil
	case <-timer.C:
		e.expirePending(id)
		e.metrics.request(action, "timeout", time.Since(started).Seconds())
		return protocol.Packet{}, fmt.Errorf("%w: %s %s after %s", ErrRequestTimeout, action, id, e.requestTimeout)
	case <-ctx.Done():
		e.expirePending(id)
		e.metrics.request(action, "canceled", time.Since(started).Seconds())
		return protocol.Packet{}, ctx.Err()
	}
}

// SyncFull asks the peer for its whole state and merges it into the store.
func (e *Endpoint) SyncFull(ctx context.Context) error {
	resp, err := e.Request(ctx, protocol.ActionFullSync, nil)
	if err != nil {
		return err
	}
	return e.applyResponse(resp)
}

// SyncPartial asks the peer for the listed slots and merges the answer.
func (e *Endpoint) SyncPartial(ctx context.Context, slots []string) error {
	if len(slots) == 0 {
		return nil
	}
	resp, err := e.Request(ctx, protocol.ActionPartSync, slots)
	if err != nil {
		return err
	}
	return e.applyResponse(resp)
}

// Update sets slot locally and pushes the change. The store keeps the new
// value even when the push fails.
func (e *Endpoint) Update(ctx context.Context, slot string, status slotstate.Status) error {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	if err := e.store.Set(slot, status); err != nil {
		return err
	}
	return e.Push(ctx, map[string]slotstate.Status{slot: status})
}

func (e *Endpoint) applyResponse(resp protocol.Packet) error {
	updates := map[string]slotstate.Status{}
	if len(resp.Data) > 0 && string(resp.Data) != "null" {
		if err := json.Unmarshal(resp.Data, &updates); err != nil {
			return &protocol.MalformedFrameError{Action: resp.Action, Reason: "response payload", Err: err}
		}
	}
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	return e.store.SetMany(updates)
}

// write encodes packet and sends it on the channel of generation gen, or on
// the current channel when gen is zero.
func (e *Endpoint) write(ctx context.Context, gen uint64, packet protocol.Packet) error {
	raw, err := e.codec.Encode(packet)
	if err != nil {
		return err
	}
	e.mu.Lock()
	conn := e.conn
	current := e.generation
	open := e.state == StateOpen
	e.mu.Unlock()
	if !open || conn == nil || (gen != 0 && gen != current) {
		return ErrNotConnected
	}

	writeCtx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()
	e.writeMu.Lock()
	err = conn.Write(writeCtx, websocket.MessageText, raw)
	e.writeMu.Unlock()
	if err != nil {
		chErr := &ChannelError{Op: "write", Err: err}
		e.fail(current, chErr)
		return chErr
	}
	e.metrics.sent(e.metricAction(packet.Action))
	e.record(journal.DirectionOutbound, packet.Action, packet.ID, "", raw)
	return nil
}

// fail tears down the channel of generation gen after a transport error.
func (e *Endpoint) fail(gen uint64, cause error) {
	e.mu.Lock()
	if gen != e.generation || e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	conn, notify := e.teardownLocked()
	e.scheduleReconnectLocked()
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusInternalError, "channel failure")
	}
	notify()
	e.logf("channel failed: %v", cause)
}

// teardownLocked moves to Closed and returns the released conn plus a func
// that notifies observers. Callers must not hold e.mu when running it.
func (e *Endpoint) teardownLocked() (Conn, func()) {
	e.generation++
	if e.dialCancel != nil {
		e.dialCancel()
		e.dialCancel = nil
	}
	if e.connCancel != nil {
		e.connCancel()
		e.connCancel = nil
	}
	conn := e.conn
	e.conn = nil
	e.session = ""
	for id, ch := range e.pending {
		ch <- pendingResult{err: fmt.Errorf("%w: %s", ErrRequestAbandoned, id)}
		delete(e.pending, id)
	}
	e.metrics.pending(0)
	return conn, e.setStateLocked(StateClosed)
}

func (e *Endpoint) setStateLocked(next State) func() {
	if e.state == next {
		return func() {}
	}
	e.state = next
	e.metrics.state(next)
	ids := make([]int, 0, len(e.observers))
	for id := range e.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.observers[id])
	}
	return func() {
		for _, fn := range fns {
			fn(next)
		}
	}
}

func (e *Endpoint) scheduleReconnectLocked() {
	if !e.wantOpen || !e.reconnect.Enabled || e.address == "" {
		return
	}
	e.stopReconnectLocked()
	e.attempts++
	delay := e.reconnect.Delay(e.attempts, e.rng.Float64())
	gen := e.generation
	address := e.address
	e.reconnectTimer = time.AfterFunc(delay, func() {
		e.redial(gen, address)
	})
	e.logf("redialing %s in %s (attempt %d)", address, delay, e.attempts)
}

func (e *Endpoint) stopReconnectLocked() {
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
}

func (e *Endpoint) redial(gen uint64, address string) {
	e.mu.Lock()
	if !e.wantOpen || e.generation != gen || e.state != StateClosed {
		e.mu.Unlock()
		return
	}
	e.reconnectTimer = nil
	e.mu.Unlock()

	e.metrics.reconnectAttempt()
	ctx, cancel := context.WithTimeout(context.Background(), e.dialTimeout)
	defer cancel()
	if err := e.connect(ctx, address); err != nil && !errors.Is(err, ErrSuperseded) {
		e.logf("redial %s failed: %v", address, err)
	}
}

func (e *Endpoint) resolvePending(packet protocol.Packet) bool {
	e.mu.Lock()
	ch, ok := e.pending[packet.ID]
	if ok {
		delete(e.pending, packet.ID)
	}
	pendingCount := len(e.pending)
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.metrics.pending(pendingCount)
	ch <- pendingResult{packet: packet}
	return true
}

func (e *Endpoint) removePending(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	pendingCount := len(e.pending)
	e.mu.Unlock()
	e.metrics.pending(pendingCount)
}

// unusedIDLocked draws ids until one is neither pending nor remembered as
// expired.
func (e *Endpoint) unusedIDLocked() (string, bool) {
	for i := 0; i < idAttempts; i++ {
		id := e.newID()
		if _, taken := e.pending[id]; taken {
			continue
		}
		if _, taken := e.expired[id]; taken {
			continue
		}
		return id, true
	}
	return "", false
}

// expirePending forgets a request nobody waits for any more and remembers
// its id so a late response is dropped instead of dispatched.
func (e *Endpoint) expirePending(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	pendingCount := len(e.pending)
	if _, ok := e.expired[id]; !ok {
		e.expired[id] = struct{}{}
		e.expiredOrder = append(e.expiredOrder, id)
		if len(e.expiredOrder) > expiredIDLimit {
			delete(e.expired, e.expiredOrder[0])
			e.expiredOrder = e.expiredOrder[1:]
		}
	}
	e.mu.Unlock()
	e.metrics.pending(pendingCount)
}

func (e *Endpoint) isExpired(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.expired[id]
	return ok
}

func (e *Endpoint) isCurrent(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen == e.generation
}

func (e *Endpoint) metricAction(action string) string {
	if h, ok := e.registry.Lookup(action); ok {
		return h.Action
	}
	return "unknown"
}

func (e *Endpoint) record(direction journal.Direction, action, id, reason string, raw []byte) {
	if e.journal == nil {
		return
	}
	entry := journal.Entry{
		Session:       e.Session(),
		Direction:     direction,
		Action:        action,
		CorrelationID: id,
		Reason:        reason,
		Frame:         journal.TruncateFrame(raw, e.frameLimit),
	}
	if err := e.journal.Record(entry); err != nil {
		e.logf("journal record failed: %v", err)
	}
}

func (e *Endpoint) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func marshalPayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return payload, nil
}
