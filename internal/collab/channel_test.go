package collab

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRelay(t *testing.T) *RedisRelay {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRelayWithClient(client)
}

func newTestChannel(t *testing.T, relay *RedisRelay, userID string, cb Callbacks) *Channel {
	t.Helper()
	ch, err := NewChannel(Options{
		ProjectID:   "proj-1",
		DocumentID:  "doc-1",
		UserID:      userID,
		DisplayName: "User " + userID,
		Relay:       relay,
		Heartbeat:   30 * time.Millisecond,
		PresenceTTL: 500 * time.Millisecond,
		Callbacks:   cb,
	})
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	t.Cleanup(ch.Destroy)
	return ch
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestRoomIDIsStable(t *testing.T) {
	a := RoomID("p1", "d1")
	b := RoomID("p1", "d1")
	if a != b {
		t.Errorf("room ids differ: %s vs %s", a, b)
	}
	if a == RoomID("p1", "d2") {
		t.Error("different documents must map to different rooms")
	}
}

func TestEditPropagatesToPeer(t *testing.T) {
	relay := setupRelay(t)
	ch1 := newTestChannel(t, relay, "alice", Callbacks{})
	ch2 := newTestChannel(t, relay, "bob", Callbacks{})

	waitFor(t, 2*time.Second, func() bool { return ch1.Connected() && ch2.Connected() })

	ch1.SetData(Data{
		Content: json.RawMessage(`[{"type":"hero","props":{"title":"hi"}}]`),
		Root:    json.RawMessage(`{"theme":"dark"}`),
	})

	waitFor(t, 2*time.Second, func() bool {
		data := ch2.GetData()
		return data != nil && bytes.Contains(data.Content, []byte("hero"))
	})

	if !reflect.DeepEqual(ch1.GetData(), ch2.GetData()) {
		t.Errorf("replicas differ: %s vs %s", mustJSON(ch1.GetData()), mustJSON(ch2.GetData()))
	}
}

func TestConcurrentEditsConverge(t *testing.T) {
	relay := setupRelay(t)
	ch1 := newTestChannel(t, relay, "alice", Callbacks{})
	ch2 := newTestChannel(t, relay, "bob", Callbacks{})

	waitFor(t, 2*time.Second, func() bool { return ch1.Connected() && ch2.Connected() })

	ch1.SetData(Data{Content: json.RawMessage(`[{"v":1}]`), Root: json.RawMessage(`{}`)})
	ch2.SetData(Data{Content: json.RawMessage(`[{"v":2}]`), Root: json.RawMessage(`{}`)})

	waitFor(t, 2*time.Second, func() bool {
		d1, d2 := ch1.GetData(), ch2.GetData()
		return d1 != nil && d2 != nil && reflect.DeepEqual(d1, d2)
	})
}

func TestLateJoinerConverges(t *testing.T) {
	relay := setupRelay(t)
	ch1 := newTestChannel(t, relay, "alice", Callbacks{})
	waitFor(t, 2*time.Second, func() bool { return ch1.Connected() })

	ch1.SetData(Data{Content: json.RawMessage(`[{"type":"text"}]`), Root: json.RawMessage(`{}`)})

	// Joins after the room already has state; the hello exchange replays it.
	ch2 := newTestChannel(t, relay, "bob", Callbacks{})
	waitFor(t, 2*time.Second, func() bool {
		data := ch2.GetData()
		return data != nil && bytes.Contains(data.Content, []byte("text"))
	})
}

func TestInitializeIfEmptySeedsOnce(t *testing.T) {
	relay := setupRelay(t)
	ch := newTestChannel(t, relay, "alice", Callbacks{})
	waitFor(t, 2*time.Second, func() bool { return ch.Connected() })

	first := Data{Content: json.RawMessage(`[{"type":"hero"}]`), Root: json.RawMessage(`{}`)}
	if !ch.InitializeIfEmpty(first) {
		t.Fatal("expected empty replica to be seeded")
	}
	data := ch.GetData()
	if data == nil || !bytes.Equal(data.Content, first.Content) {
		t.Fatalf("seed did not apply: %s", mustJSON(data))
	}

	// A second snapshot must not clobber existing content.
	second := Data{Content: json.RawMessage(`[{"type":"other"}]`), Root: json.RawMessage(`{"x":1}`)}
	if ch.InitializeIfEmpty(second) {
		t.Error("expected second initialize to be a no-op")
	}
	data = ch.GetData()
	if !bytes.Equal(data.Content, first.Content) {
		t.Errorf("replica clobbered: %s", data.Content)
	}
}

func TestInitializeIfEmptyReplacesEmptyContent(t *testing.T) {
	relay := setupRelay(t)
	ch := newTestChannel(t, relay, "alice", Callbacks{})
	waitFor(t, 2*time.Second, func() bool { return ch.Connected() })

	// A fresh client wrote an empty document before the snapshot arrived.
	ch.SetData(Data{Content: json.RawMessage(`[]`), Root: json.RawMessage(`{}`)})

	snapshot := Data{Content: json.RawMessage(`[{"type":"saved"}]`), Root: json.RawMessage(`{}`)}
	if !ch.InitializeIfEmpty(snapshot) {
		t.Fatal("expected snapshot to replace empty content")
	}
	data := ch.GetData()
	if !bytes.Contains(data.Content, []byte("saved")) {
		t.Errorf("snapshot not applied: %s", data.Content)
	}
}

func TestUsersExcludesSelf(t *testing.T) {
	relay := setupRelay(t)
	ch1 := newTestChannel(t, relay, "alice", Callbacks{})
	ch2 := newTestChannel(t, relay, "bob", Callbacks{})

	waitFor(t, 2*time.Second, func() bool { return len(ch1.Users()) == 1 })

	users := ch1.Users()
	if users[0].UserID != "bob" {
		t.Errorf("expected bob, got %+v", users)
	}
	if users[0].Color == "" || users[0].ColorLight == "" {
		t.Errorf("expected assigned colors, got %+v", users[0])
	}
	_ = ch2

	waitFor(t, 2*time.Second, func() bool { return len(ch2.Users()) == 1 })
	if ch2.Users()[0].UserID != "alice" {
		t.Errorf("expected alice, got %+v", ch2.Users())
	}
}

func TestCursorUpdatePropagates(t *testing.T) {
	relay := setupRelay(t)
	ch1 := newTestChannel(t, relay, "alice", Callbacks{})
	ch2 := newTestChannel(t, relay, "bob", Callbacks{})

	waitFor(t, 2*time.Second, func() bool { return len(ch1.Users()) == 1 })

	ch2.UpdateCursor(json.RawMessage(`{"x":10,"y":20}`))
	waitFor(t, 2*time.Second, func() bool {
		users := ch1.Users()
		return len(users) == 1 && bytes.Contains(users[0].Cursor, []byte(`"x":10`))
	})
}

func TestDestroyRemovesPresence(t *testing.T) {
	relay := setupRelay(t)
	ch1 := newTestChannel(t, relay, "alice", Callbacks{})
	ch2 := newTestChannel(t, relay, "bob", Callbacks{})

	waitFor(t, 2*time.Second, func() bool { return len(ch1.Users()) == 1 })

	ch2.Destroy()
	if ch2.Connected() {
		t.Error("expected destroyed channel to be disconnected")
	}
	waitFor(t, 2*time.Second, func() bool { return len(ch1.Users()) == 0 })
}

func TestContentChangeCallbackFires(t *testing.T) {
	relay := setupRelay(t)
	changed := make(chan *Data, 8)
	ch1 := newTestChannel(t, relay, "alice", Callbacks{
		OnContentChange: func(data *Data) { changed <- data },
	})
	ch2 := newTestChannel(t, relay, "bob", Callbacks{})

	waitFor(t, 2*time.Second, func() bool { return ch1.Connected() && ch2.Connected() })

	ch2.SetData(Data{Content: json.RawMessage(`[{"type":"cta"}]`), Root: json.RawMessage(`{}`)})

	select {
	case data := <-changed:
		if data == nil || !bytes.Contains(data.Content, []byte("cta")) {
			t.Errorf("unexpected change payload: %s", mustJSON(data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnContentChange never fired")
	}
}
