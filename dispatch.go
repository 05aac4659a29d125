package tably

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the consumer callback for one push event delivery.
type EventHandler func(payload json.RawMessage)

// NotificationSink receives each domain event after handler dispatch, for
// user-facing side effects outside the core contract (desktop alerts, a
// terminal bell). A nil sink disables forwarding.
type NotificationSink interface {
	Notify(kind string, payload json.RawMessage)
}

type handlerEntry struct {
	id int
	fn EventHandler
}

// eventDispatcher routes inbound frames to registered consumers. Dispatch
// is synchronous and sequential per frame: all handlers for a frame's kind
// run in registration order before the caller reads the next frame, which
// is what guarantees in-order delivery within one connection.
type eventDispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string][]handlerEntry
	log      *slog.Logger
	sink     NotificationSink
}

func newEventDispatcher(log *slog.Logger, sink NotificationSink) *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string][]handlerEntry),
		log:      log,
		sink:     sink,
	}
}

// on registers a handler for an event kind and returns its removal closure.
// Removal is idempotent.
func (d *eventDispatcher) on(kind string, h EventHandler) (off func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers[kind] = append(d.handlers[kind], handlerEntry{id: id, fn: h})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		entries := d.handlers[kind]
		for i, e := range entries {
			if e.id == id {
				d.handlers[kind] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// handleFrame parses and dispatches one raw inbound frame. Unparseable
// frames are dropped and logged; they never stop the read loop.
func (d *eventDispatcher) handleFrame(raw []byte) {
	f, err := parseFrame(raw)
	if err != nil {
		d.log.Warn("realtime.frame.drop", "error", err)
		return
	}
	d.dispatch(f)
}

func (d *eventDispatcher) dispatch(f Frame) {
	d.mu.RLock()
	entries := d.handlers[f.Type]
	snapshot := make([]handlerEntry, len(entries))
	copy(snapshot, entries)
	d.mu.RUnlock()

	for _, e := range snapshot {
		e.fn(f.Data)
	}

	if d.sink != nil && f.Type != FramePong {
		d.sink.Notify(f.Type, f.Data)
	}
}

// ============================================================================
// Subscription Registry
// ============================================================================

type subscription struct {
	channel string
	payload any
}

// subscriptionRegistry tracks the channels the automaton joins after every
// successful connect. Membership is idempotent and keyed by channel name;
// replay order is addition order. Re-adding a channel keeps its position
// and updates the join payload.
type subscriptionRegistry struct {
	mu   sync.Mutex
	subs []subscription
}

func (r *subscriptionRegistry) add(channel string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.channel == channel {
			r.subs[i].payload = payload
			return
		}
	}
	r.subs = append(r.subs, subscription{channel: channel, payload: payload})
}

func (r *subscriptionRegistry) remove(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.channel == channel {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

func (r *subscriptionRegistry) snapshot() []subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]subscription, len(r.subs))
	copy(out, r.subs)
	return out
}

// replayAll sends a SUBSCRIBE frame per tracked channel in addition order.
// send returns an error to stop the replay early; the automaton uses that
// to abandon a replay whose connection generation has been superseded.
func (r *subscriptionRegistry) replayAll(send func(Frame) error) error {
	for _, sub := range r.snapshot() {
		f, err := subscribeFrame(sub.channel, sub.payload)
		if err != nil {
			return err
		}
		if err := send(f); err != nil {
			return err
		}
	}
	return nil
}
