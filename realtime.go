package tably

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime connection automaton.
type RealtimeConfig struct {
	// ReconnectDelay is the fixed pause between a lost connection and the
	// next dial attempt.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed reconnects. Once spent
	// the automaton parks in StateClosed until the next explicit Connect.
	// Each successful connect resets the budget.
	MaxReconnectAttempts int

	// HeartbeatInterval is the period between outbound liveness probes.
	HeartbeatInterval time.Duration

	// Logger receives connection lifecycle and frame-drop events. Defaults
	// to the owning Client's logger.
	Logger *slog.Logger

	// Notifier, if set, receives every domain event after handler dispatch.
	Notifier NotificationSink
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// liveMaxMissedPongs is how many consecutive unanswered PING probes force a
// transport close. The close funnels into the ordinary reconnect path, so a
// half-open connection heals the same way a dropped one does.
const liveMaxMissedPongs = 3

// RealtimeState represents the connection automaton's state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
	StateClosed       RealtimeState = "closed"
)

// StateChange describes one automaton transition. Reason is non-nil when
// the transition was caused by a failure: ErrTransportClosed wrapping the
// read error, ErrReconnectExhausted entering StateClosed, ErrSessionExpired
// when a session teardown forced the disconnect.
type StateChange struct {
	Previous RealtimeState
	Current  RealtimeState
	Reason   error
}

type stateWatcher struct {
	id int
	fn func(StateChange)
}

type stateWatchers struct {
	mu   sync.Mutex
	next int
	fns  []stateWatcher
}

func (w *stateWatchers) add(fn func(StateChange)) (remove func()) {
	w.mu.Lock()
	id := w.next
	w.next++
	w.fns = append(w.fns, stateWatcher{id: id, fn: fn})
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, sw := range w.fns {
			if sw.id == id {
				w.fns = append(w.fns[:i], w.fns[i+1:]...)
				return
			}
		}
	}
}

func (w *stateWatchers) notify(change StateChange) {
	w.mu.Lock()
	snapshot := make([]stateWatcher, len(w.fns))
	copy(snapshot, w.fns)
	w.mu.Unlock()

	for _, sw := range snapshot {
		sw.fn(change)
	}
}

// ============================================================================
// Realtime Client
// ============================================================================

// RealtimeClient maintains a single self-healing push connection. It dials
// with the session's current access token, replays channel subscriptions
// after every reconnect, and fans inbound events out to handlers registered
// with On in arrival order. Connection failures are broadcast as state
// changes, not returned as errors, since no single caller owns the
// connection.
//
// A generation counter stamps every connection attempt. Async continuations
// (dial results, retry timers, read-loop exits) carry the stamp they were
// started under and are discarded if the automaton has moved on, so a slow
// dial can never resurrect a connection the caller already tore down.
type RealtimeClient struct {
	wsURL       string
	store       CredentialStore
	config      RealtimeConfig
	dialClient  *http.Client
	dialTimeout time.Duration
	log         *slog.Logger

	dispatcher *eventDispatcher
	registry   *subscriptionRegistry
	watchers   stateWatchers
	pongs      atomic.Uint64

	mu         sync.Mutex
	state      RealtimeState
	generation uint64
	attempts   int
	conn       *websocket.Conn
	connID     string
	connCtx    context.Context
	connCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelFunc
	retryTimer *time.Timer
}

func newRealtimeClient(wsURL string, store CredentialStore, dialClient *http.Client, dialTimeout time.Duration, cfg RealtimeConfig) *RealtimeClient {
	cfg.defaults()
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rt := &RealtimeClient{
		wsURL:       wsURL,
		store:       store,
		config:      cfg,
		dialClient:  dialClient,
		dialTimeout: dialTimeout,
		log:         log,
		state:       StateDisconnected,
		registry:    &subscriptionRegistry{},
	}
	rt.dispatcher = newEventDispatcher(log, cfg.Notifier)

	// Liveness replies are transport plumbing: counted here, never
	// forwarded to consumers or the notifier.
	rt.dispatcher.on(FramePong, func(json.RawMessage) {
		rt.pongs.Add(1)
	})

	// Session teardown (logout, failed refresh) kills the connection no
	// matter which caller triggered it.
	store.OnChange(func(s *Session) {
		if s == nil {
			rt.sessionCleared()
		}
	})
	return rt
}

// State returns the automaton's current state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// OnStateChange registers a watcher for automaton transitions and returns
// its removal closure. Watchers run synchronously on the transitioning
// goroutine; keep them fast.
func (rt *RealtimeClient) OnStateChange(fn func(StateChange)) (off func()) {
	return rt.watchers.add(fn)
}

// On registers a handler for a push event kind and returns its removal
// closure. Handlers for one frame run in registration order and finish
// before the next frame is dispatched.
func (rt *RealtimeClient) On(kind string, h EventHandler) (off func()) {
	return rt.dispatcher.on(kind, h)
}

// Connect starts the automaton. It returns once the first dial is underway;
// progress is announced through OnStateChange, ending in StateConnected or,
// after the reconnect budget is spent, StateClosed. ctx bounds the whole
// connection lifetime including reconnects: cancelling it behaves like
// Disconnect. Calling Connect while the automaton is active is a no-op.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	if rt.store.Session() == nil {
		return fmt.Errorf("realtime connect: no session: %w", ErrSessionExpired)
	}

	rt.mu.Lock()
	switch rt.state {
	case StateConnecting, StateConnected, StateReconnecting:
		rt.mu.Unlock()
		return nil
	}
	prev := rt.state
	rt.state = StateConnecting
	rt.attempts = 0
	rt.generation++
	gen := rt.generation
	rt.runCtx, rt.runCancel = context.WithCancel(ctx)
	runCtx := rt.runCtx
	rt.mu.Unlock()

	rt.notifyState(prev, StateConnecting, nil)
	go rt.dial(runCtx, gen)
	return nil
}

// Disconnect tears the connection down from any state and cancels pending
// reconnects. The automaton ends in StateDisconnected; a later Connect
// starts fresh.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	if rt.state == StateDisconnected {
		rt.mu.Unlock()
		return nil
	}
	rt.mu.Unlock()

	rt.log.Info("realtime.disconnect")
	return rt.shutdown(nil, "client disconnect")
}

// Subscribe adds a channel to the subscription set and, when connected,
// sends the join immediately. Membership survives the connection: every
// reconnect replays all subscriptions in addition order, so a send that
// fails here only means the join happens on the next connect. payload, if
// non-nil, must marshal to a JSON object; its fields ride along in the
// SUBSCRIBE frame.
func (rt *RealtimeClient) Subscribe(ctx context.Context, channel string, payload any) error {
	if channel == "" {
		return errors.New("subscribe: empty channel")
	}
	// Build the frame before tracking the channel, so a bad payload fails
	// here once instead of poisoning every future replay.
	f, err := subscribeFrame(channel, payload)
	if err != nil {
		return err
	}
	rt.registry.add(channel, payload)

	conn := rt.currentConn()
	if conn == nil {
		return nil
	}
	return rt.writeFrame(ctx, conn, f)
}

// Unsubscribe removes a channel from the subscription set and, when
// connected, tells the server to stop sending its events.
func (rt *RealtimeClient) Unsubscribe(ctx context.Context, channel string) error {
	rt.registry.remove(channel)

	conn := rt.currentConn()
	if conn == nil {
		return nil
	}
	return rt.writeFrame(ctx, conn, unsubscribeFrame(channel))
}

// ============================================================================
// Connection Automaton
// ============================================================================

// dial performs one connection attempt for generation gen. The session's
// access token is read at dial time, so a refresh that landed between
// attempts is picked up automatically.
func (rt *RealtimeClient) dial(runCtx context.Context, gen uint64) {
	sess := rt.store.Session()
	if sess == nil {
		rt.dialFailed(gen, fmt.Errorf("no session: %w", ErrSessionExpired))
		return
	}

	dialCtx, cancel := context.WithTimeout(runCtx, rt.dialTimeout)
	defer cancel()

	u := rt.wsURL + "?token=" + url.QueryEscape(sess.AccessToken)
	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{HTTPClient: rt.dialClient})
	if err != nil {
		rt.dialFailed(gen, fmt.Errorf("websocket dial: %w", err))
		return
	}
	rt.dialSucceeded(runCtx, gen, conn)
}

func (rt *RealtimeClient) dialSucceeded(runCtx context.Context, gen uint64, conn *websocket.Conn) {
	rt.mu.Lock()
	if gen != rt.generation || rt.state != StateConnecting {
		rt.mu.Unlock()
		// A disconnect or newer attempt won the race while this dial was in
		// flight; a stale open must not resurrect the connection.
		_ = conn.Close(websocket.StatusGoingAway, "superseded")
		return
	}
	prev := rt.state
	rt.state = StateConnected
	rt.attempts = 0
	rt.conn = conn
	rt.connID = uuid.NewString()
	connID := rt.connID
	rt.connCtx, rt.connCancel = context.WithCancel(runCtx)
	connCtx := rt.connCtx
	rt.mu.Unlock()

	rt.log.Info("realtime.connected", "conn", connID)
	rt.notifyState(prev, StateConnected, nil)

	// Join every tracked channel before consuming events, so the server
	// never emits on a channel the client has not re-joined.
	rt.replaySubscriptions(connCtx, gen, conn)

	go rt.readLoop(connCtx, gen, conn)
	go rt.heartbeatLoop(connCtx, conn, connID)
}

func (rt *RealtimeClient) dialFailed(gen uint64, cause error) {
	rt.mu.Lock()
	if gen != rt.generation || rt.state != StateConnecting {
		rt.mu.Unlock()
		return
	}
	prev, next, reason := rt.scheduleRetryLocked(cause)
	rt.mu.Unlock()

	rt.log.Warn("realtime.dial.fail", "error", cause, "next", string(next))
	rt.notifyState(prev, next, reason)
}

// connectionLost handles a read-loop exit for generation gen. Exits from a
// connection that was already replaced or shut down are ignored.
func (rt *RealtimeClient) connectionLost(gen uint64, cause error) {
	rt.mu.Lock()
	if gen != rt.generation || rt.state != StateConnected {
		rt.mu.Unlock()
		return
	}
	if rt.connCancel != nil {
		rt.connCancel()
		rt.connCancel = nil
	}
	conn := rt.conn
	rt.conn = nil
	connID := rt.connID
	prev, next, reason := rt.scheduleRetryLocked(fmt.Errorf("%w: %v", ErrTransportClosed, cause))
	rt.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "connection lost")
	}
	rt.log.Warn("realtime.connection.lost", "conn", connID, "error", cause, "next", string(next))
	rt.notifyState(prev, next, reason)
}

// scheduleRetryLocked decides what follows a failed attempt or a lost
// connection: StateReconnecting with a pending timer, StateClosed once the
// budget is spent, or StateDisconnected when the Connect context has ended.
// Called with rt.mu held; the caller delivers the returned notification
// after unlocking.
func (rt *RealtimeClient) scheduleRetryLocked(cause error) (prev, next RealtimeState, reason error) {
	prev = rt.state
	if rt.runCtx == nil || rt.runCtx.Err() != nil {
		rt.state = StateDisconnected
		rt.releaseRunLocked()
		return prev, StateDisconnected, cause
	}
	if rt.attempts >= rt.config.MaxReconnectAttempts {
		rt.state = StateClosed
		rt.releaseRunLocked()
		rt.log.Warn("realtime.closed", "attempts", rt.attempts)
		return prev, StateClosed, ErrReconnectExhausted
	}
	rt.state = StateReconnecting
	gen := rt.generation
	rt.retryTimer = time.AfterFunc(rt.config.ReconnectDelay, func() { rt.retryFire(gen) })
	return prev, StateReconnecting, cause
}

// retryFire runs when the reconnect timer lands. prevGen identifies the
// failure the timer was scheduled for; a bump since then means a disconnect
// or explicit connect won the race and this retry is void.
func (rt *RealtimeClient) retryFire(prevGen uint64) {
	rt.mu.Lock()
	if prevGen != rt.generation || rt.state != StateReconnecting {
		rt.mu.Unlock()
		return
	}
	rt.retryTimer = nil
	if err := rt.runCtx.Err(); err != nil {
		prev := rt.state
		rt.state = StateDisconnected
		rt.releaseRunLocked()
		rt.mu.Unlock()
		rt.notifyState(prev, StateDisconnected, err)
		return
	}
	rt.attempts++
	attempt := rt.attempts
	rt.generation++
	gen := rt.generation
	prev := rt.state
	rt.state = StateConnecting
	runCtx := rt.runCtx
	rt.mu.Unlock()

	rt.log.Info("realtime.reconnect", "attempt", attempt, "max", rt.config.MaxReconnectAttempts)
	rt.notifyState(prev, StateConnecting, nil)
	go rt.dial(runCtx, gen)
}

// shutdown forces the automaton into StateDisconnected from any state,
// invalidating in-flight dials, pending retries and the live connection.
func (rt *RealtimeClient) shutdown(reason error, closeMsg string) error {
	rt.mu.Lock()
	prev := rt.state
	rt.generation++
	rt.attempts = 0
	if rt.retryTimer != nil {
		rt.retryTimer.Stop()
		rt.retryTimer = nil
	}
	if rt.connCancel != nil {
		rt.connCancel()
		rt.connCancel = nil
	}
	rt.releaseRunLocked()
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, closeMsg)
	}
	rt.notifyState(prev, StateDisconnected, reason)
	return err
}

// sessionCleared reacts to logout or refresh teardown: an active automaton
// collapses to StateDisconnected with ErrSessionExpired as the reason.
// StateClosed stays put, it already requires an explicit Connect.
func (rt *RealtimeClient) sessionCleared() {
	rt.mu.Lock()
	state := rt.state
	rt.mu.Unlock()

	switch state {
	case StateDisconnected, StateClosed:
		return
	}
	rt.log.Info("realtime.session.ended")
	_ = rt.shutdown(ErrSessionExpired, "session ended")
}

// releaseRunLocked cancels and drops the Connect context. Called with rt.mu
// held whenever the automaton leaves its active states.
func (rt *RealtimeClient) releaseRunLocked() {
	if rt.runCancel != nil {
		rt.runCancel()
		rt.runCancel = nil
	}
}

func (rt *RealtimeClient) notifyState(prev, cur RealtimeState, reason error) {
	if prev == cur {
		return
	}
	rt.watchers.notify(StateChange{Previous: prev, Current: cur, Reason: reason})
}

// ============================================================================
// Connection Loops
// ============================================================================

// readLoop consumes inbound frames for one connection and feeds them to the
// dispatcher in arrival order. Dispatch is synchronous, so every handler
// for a frame finishes before the next frame is read.
func (rt *RealtimeClient) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.connectionLost(gen, err)
			return
		}
		rt.dispatcher.handleFrame(data)
	}
}

// heartbeatLoop probes liveness while connected. A PING goes out every
// HeartbeatInterval; after liveMaxMissedPongs consecutive probes without a
// PONG the transport is force-closed, which the read loop observes and
// routes through the ordinary reconnect path.
func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn, connID string) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	seen := rt.pongs.Load()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if cur := rt.pongs.Load(); cur != seen {
			seen = cur
			missed = 0
		}
		if missed >= liveMaxMissedPongs {
			rt.log.Warn("realtime.heartbeat.timeout", "conn", connID, "missed", missed)
			_ = conn.Close(websocket.StatusGoingAway, "liveness timeout")
			return
		}

		if err := rt.writeFrame(ctx, conn, pingFrame()); err != nil {
			_ = conn.Close(websocket.StatusGoingAway, "heartbeat write failed")
			return
		}
		missed++
	}
}

// replaySubscriptions joins every tracked channel on a fresh connection, in
// addition order. Each send re-checks the generation so a replay that lost
// a race with disconnect stops quietly instead of writing to a transport
// the automaton no longer owns.
func (rt *RealtimeClient) replaySubscriptions(ctx context.Context, gen uint64, conn *websocket.Conn) {
	err := rt.registry.replayAll(func(f Frame) error {
		rt.mu.Lock()
		stale := gen != rt.generation
		rt.mu.Unlock()
		if stale {
			return ErrNotConnected
		}
		return rt.writeFrame(ctx, conn, f)
	})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		rt.log.Warn("realtime.replay.abort", "error", err)
	}
}

func (rt *RealtimeClient) writeFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	data, err := f.encode()
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// currentConn returns the live connection, or nil when not connected.
func (rt *RealtimeClient) currentConn() *websocket.Conn {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state != StateConnected {
		return nil
	}
	return rt.conn
}
