package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
)

// fakeConn records written frames and blocks reads until closed.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	types   []int
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}
func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("closed")
}

func (f *fakeConn) WriteMessage(typ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, typ)
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for i, d := range f.written {
		if f.types[i] == websocket.TextMessage {
			out = append(out, d)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New("test")
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	waitFor(t, "hub running", h.IsRunning)
	t.Cleanup(cancel)
	return h, cancel
}

func TestBroadcastReachesClients(t *testing.T) {
	h, _ := startHub(t)

	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	for _, fc := range conns {
		c := NewClient(h, fc)
		if c == nil {
			t.Fatal("NewClient returned nil on a running hub")
		}
		go c.Run()
	}
	waitFor(t, "two clients", func() bool { return h.ClientCount() == 2 })

	if err := h.BroadcastJSON(TypeStatus, map[string]bool{"armed": true}); err != nil {
		t.Fatal(err)
	}

	for i, fc := range conns {
		waitFor(t, "frame", func() bool { return len(fc.frames()) == 1 })
		var env struct {
			Type string          `json:"type"`
			Data map[string]bool `json:"data"`
		}
		if err := json.Unmarshal(fc.frames()[0], &env); err != nil {
			t.Fatalf("client %d: %v", i, err)
		}
		if env.Type != TypeStatus || !env.Data["armed"] {
			t.Errorf("client %d got %+v", i, env)
		}
	}
}

func TestInitialMessagesSentFirst(t *testing.T) {
	h, _ := startHub(t)
	first, err := Encode(TypeStatus, "hello")
	if err != nil {
		t.Fatal(err)
	}
	fc := newFakeConn()
	c := NewClient(h, fc, first)
	go c.Run()
	waitFor(t, "initial frame", func() bool { return len(fc.frames()) == 1 })
	if string(fc.frames()[0]) != string(first.Data) {
		t.Errorf("first frame = %s", fc.frames()[0])
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	h, _ := startHub(t)
	fc := newFakeConn()
	c := NewClient(h, fc)
	go c.Run()
	waitFor(t, "client", func() bool { return h.ClientCount() == 1 })

	fc.Close()
	waitFor(t, "unregister", func() bool { return h.ClientCount() == 0 })
}

func TestStoppedHubRejectsClients(t *testing.T) {
	h, cancel := startHub(t)
	cancel()
	waitFor(t, "hub stop", func() bool { return !h.IsRunning() })

	if c := NewClient(h, newFakeConn()); c != nil {
		t.Error("NewClient on a stopped hub returned a client")
	}
}

func TestBroadcastNeverBlocks(t *testing.T) {
	h := New("idle") // not running
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Broadcast(Message{Data: []byte("{}")})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked")
	}
	if s := h.Stats(); s.Dropped == 0 || s.Broadcasts+s.Dropped != 1000 {
		t.Errorf("stats = %+v", s)
	}
}
