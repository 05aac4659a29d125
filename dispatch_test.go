package tably

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// testLogger returns a logger for SDK internals under test.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink collects the kinds forwarded to the notification sink.
type recordingSink struct {
	mu    sync.Mutex
	kinds []string
}

func (s *recordingSink) Notify(kind string, payload json.RawMessage) {
	s.mu.Lock()
	s.kinds = append(s.kinds, kind)
	s.mu.Unlock()
}

func (s *recordingSink) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.kinds))
	copy(out, s.kinds)
	return out
}

func eventFrame(kind, id string) []byte {
	return []byte(fmt.Sprintf(`{"type":%q,"data":{"id":%q}}`, kind, id))
}

// ============================================================================
// eventDispatcher
// ============================================================================

func TestDispatcherDelivery(t *testing.T) {
	t.Run("frames deliver in arrival order across kinds", func(t *testing.T) {
		d := newEventDispatcher(testLogger(), nil)

		var got []string
		record := func(kind string) EventHandler {
			return func(payload json.RawMessage) {
				var p struct {
					ID string `json:"id"`
				}
				_ = json.Unmarshal(payload, &p)
				got = append(got, kind+":"+p.ID)
			}
		}
		d.on(EventNewOrder, record(EventNewOrder))
		d.on(EventStatusUpdate, record(EventStatusUpdate))

		d.handleFrame(eventFrame(EventNewOrder, "o1"))
		d.handleFrame(eventFrame(EventStatusUpdate, "o1"))
		d.handleFrame(eventFrame(EventNewOrder, "o2"))

		want := []string{"new-order:o1", "status-update:o1", "new-order:o2"}
		if len(got) != len(want) {
			t.Fatalf("expected %d deliveries, got %d: %v", len(want), len(got), got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("delivery %d: expected %s, got %s", i, want[i], got[i])
			}
		}
	})

	t.Run("handlers run in registration order", func(t *testing.T) {
		d := newEventDispatcher(testLogger(), nil)

		var order []string
		d.on(EventNewOrder, func(json.RawMessage) { order = append(order, "first") })
		d.on(EventNewOrder, func(json.RawMessage) { order = append(order, "second") })

		d.handleFrame(eventFrame(EventNewOrder, "o1"))

		if len(order) != 2 || order[0] != "first" || order[1] != "second" {
			t.Fatalf("unexpected order: %v", order)
		}
	})

	t.Run("unknown kinds are ignored", func(t *testing.T) {
		d := newEventDispatcher(testLogger(), nil)
		calls := 0
		d.on(EventNewOrder, func(json.RawMessage) { calls++ })

		d.handleFrame(eventFrame("table-moved", "t1"))

		if calls != 0 {
			t.Fatalf("expected no deliveries, got %d", calls)
		}
	})

	t.Run("malformed frames are dropped not fatal", func(t *testing.T) {
		d := newEventDispatcher(testLogger(), nil)
		var got []string
		d.on(EventNewOrder, func(payload json.RawMessage) {
			var p struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(payload, &p)
			got = append(got, p.ID)
		})

		d.handleFrame(eventFrame(EventNewOrder, "o1"))
		d.handleFrame([]byte(`{"type":`))            // invalid JSON
		d.handleFrame([]byte(`{"data":{"id":"x"}}`)) // no type
		d.handleFrame(eventFrame(EventNewOrder, "o2"))

		if len(got) != 2 || got[0] != "o1" || got[1] != "o2" {
			t.Fatalf("expected o1,o2 got %v", got)
		}
	})

	t.Run("off removes exactly one handler", func(t *testing.T) {
		d := newEventDispatcher(testLogger(), nil)
		var got []string
		offA := d.on(EventNewOrder, func(json.RawMessage) { got = append(got, "a") })
		d.on(EventNewOrder, func(json.RawMessage) { got = append(got, "b") })

		offA()
		offA() // idempotent
		d.handleFrame(eventFrame(EventNewOrder, "o1"))

		if len(got) != 1 || got[0] != "b" {
			t.Fatalf("expected only b, got %v", got)
		}
	})

	t.Run("handler may register another handler", func(t *testing.T) {
		d := newEventDispatcher(testLogger(), nil)
		calls := 0
		var once sync.Once
		d.on(EventNewOrder, func(json.RawMessage) {
			once.Do(func() {
				d.on(EventNewOrder, func(json.RawMessage) { calls++ })
			})
		})

		// The handler added mid-dispatch must not see the frame that
		// triggered its registration, only later ones.
		d.handleFrame(eventFrame(EventNewOrder, "o1"))
		if calls != 0 {
			t.Fatalf("late handler saw its own trigger frame: %d", calls)
		}
		d.handleFrame(eventFrame(EventNewOrder, "o2"))
		if calls != 1 {
			t.Fatalf("expected 1 call, got %d", calls)
		}
	})
}

func TestDispatcherSink(t *testing.T) {
	t.Run("sink sees events after handlers", func(t *testing.T) {
		sink := &recordingSink{}
		d := newEventDispatcher(testLogger(), sink)

		var sinkLen int
		d.on(EventNewOrder, func(json.RawMessage) { sinkLen = len(sink.seen()) })

		d.handleFrame(eventFrame(EventNewOrder, "o1"))

		if sinkLen != 0 {
			t.Fatal("sink ran before the handler")
		}
		if got := sink.seen(); len(got) != 1 || got[0] != EventNewOrder {
			t.Fatalf("unexpected sink kinds: %v", got)
		}
	})

	t.Run("sink sees events with no handlers", func(t *testing.T) {
		sink := &recordingSink{}
		d := newEventDispatcher(testLogger(), sink)

		d.handleFrame(eventFrame(EventChatMessage, "m1"))

		if got := sink.seen(); len(got) != 1 || got[0] != EventChatMessage {
			t.Fatalf("unexpected sink kinds: %v", got)
		}
	})

	t.Run("sink never sees PONG", func(t *testing.T) {
		sink := &recordingSink{}
		d := newEventDispatcher(testLogger(), sink)

		d.handleFrame([]byte(`{"type":"PONG"}`))
		d.handleFrame(eventFrame(EventNewOrder, "o1"))

		if got := sink.seen(); len(got) != 1 || got[0] != EventNewOrder {
			t.Fatalf("PONG leaked to sink: %v", got)
		}
	})
}

// ============================================================================
// subscriptionRegistry
// ============================================================================

func TestSubscriptionRegistry(t *testing.T) {
	t.Run("add is idempotent and keeps position", func(t *testing.T) {
		r := &subscriptionRegistry{}
		r.add("orders", nil)
		r.add("inventory", nil)
		r.add("orders", map[string]string{"companyId": "c1"})

		subs := r.snapshot()
		if len(subs) != 2 {
			t.Fatalf("expected 2 subscriptions, got %d", len(subs))
		}
		if subs[0].channel != "orders" || subs[1].channel != "inventory" {
			t.Fatalf("unexpected order: %v", subs)
		}
		if subs[0].payload == nil {
			t.Fatal("re-add must update the payload")
		}
	})

	t.Run("remove", func(t *testing.T) {
		r := &subscriptionRegistry{}
		r.add("orders", nil)
		r.add("inventory", nil)
		r.remove("orders")
		r.remove("orders") // unknown channel is a no-op

		subs := r.snapshot()
		if len(subs) != 1 || subs[0].channel != "inventory" {
			t.Fatalf("unexpected subscriptions: %v", subs)
		}
	})

	t.Run("replay sends in addition order", func(t *testing.T) {
		r := &subscriptionRegistry{}
		r.add("orders", map[string]string{"companyId": "c1"})
		r.add("inventory", nil)
		r.add("chat:kitchen", nil)

		var sent []string
		err := r.replayAll(func(f Frame) error {
			if f.Type != FrameSubscribe {
				t.Fatalf("expected SUBSCRIBE, got %s", f.Type)
			}
			var data struct {
				Channel string `json:"channel"`
			}
			_ = json.Unmarshal(f.Data, &data)
			sent = append(sent, data.Channel)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := []string{"orders", "inventory", "chat:kitchen"}
		for i := range want {
			if sent[i] != want[i] {
				t.Fatalf("replay %d: expected %s, got %s", i, want[i], sent[i])
			}
		}
	})

	t.Run("replay stops at first send error", func(t *testing.T) {
		r := &subscriptionRegistry{}
		r.add("orders", nil)
		r.add("inventory", nil)
		r.add("chat:kitchen", nil)

		boom := errors.New("write failed")
		var sent int
		err := r.replayAll(func(f Frame) error {
			sent++
			if sent == 2 {
				return boom
			}
			return nil
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected write error, got %v", err)
		}
		if sent != 2 {
			t.Fatalf("expected replay to stop after 2 sends, got %d", sent)
		}
	})
}
