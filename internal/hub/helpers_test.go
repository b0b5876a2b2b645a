package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/telecall-signaling/internal/identity"
	"github.com/mossy-p/telecall-signaling/internal/models"
)

var errFakeClosed = errors.New("fake channel closed")

// fakeChannel is an in-memory Channel; ReadMessage blocks until Close.
type fakeChannel struct {
	mu         sync.Mutex
	pingErr    error
	pings      int
	closeCodes []int
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{closed: make(chan struct{})}
}

func (f *fakeChannel) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errFakeClosed
}

func (f *fakeChannel) WriteMessage(int, []byte) error { return nil }

func (f *fakeChannel) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.PingMessage:
		f.pings++
		return f.pingErr
	case websocket.CloseMessage:
		code := websocket.CloseNoStatusReceived
		if len(data) >= 2 {
			code = int(data[0])<<8 | int(data[1])
		}
		f.closeCodes = append(f.closeCodes, code)
	}
	return nil
}

func (f *fakeChannel) SetReadDeadline(time.Time) error { return nil }

func (f *fakeChannel) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeChannel) SetPongHandler(func(appData string) error) {}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeChannel) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeChannel) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// recordingObserver counts observer callbacks
type recordingObserver struct {
	mu         sync.Mutex
	registered []string
	removed    []string
	created    []string
	destroyed  []string

	// events is the combined sequence: "+user", "-user", "room+", "room-"
	events []string
}

func (o *recordingObserver) ConnectionRegistered(p models.Profile) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registered = append(o.registered, p.UserID)
	o.events = append(o.events, "+"+p.UserID)
}

func (o *recordingObserver) ConnectionRemoved(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, userID)
	o.events = append(o.events, "-"+userID)
}

func (o *recordingObserver) RoomCreated(r models.RoomInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, r.ID)
	o.events = append(o.events, "room+")
}

func (o *recordingObserver) RoomDestroyed(r models.RoomInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.destroyed = append(o.destroyed, r.ID)
	o.events = append(o.events, "room-")
}

func (o *recordingObserver) destroyedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.destroyed)
}

// testClock is a settable clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testDirectory() *identity.MemoryDirectory {
	return identity.NewMemoryDirectory(
		models.Profile{UserID: "alice", Name: "Dr. Alice", Role: models.RoleDoctor},
		models.Profile{UserID: "bob", Name: "Bob", Role: models.RolePatient},
		models.Profile{UserID: "carol", Name: "Carol", Role: models.RolePharmacist},
	)
}

func newTestHub(t *testing.T, mutate func(*Config)) (*Hub, *testClock, *recordingObserver) {
	t.Helper()
	clock := newTestClock()
	obs := &recordingObserver{}
	cfg := Config{
		Directory: testDirectory(),
		Observer:  obs,
		Now:       clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), clock, obs
}

// attach registers a client with the hub without starting its pumps
func attach(h *Hub) (*Client, *fakeChannel) {
	ch := newFakeChannel()
	c := newClient(h, ch)
	h.mu.Lock()
	h.channels[c] = struct{}{}
	h.mu.Unlock()
	return c, ch
}

func envelope(t *testing.T, msg models.SignalMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func authenticate(t *testing.T, h *Hub, c *Client, userID string) {
	t.Helper()
	out := h.HandleMessage(c, envelope(t, models.SignalMessage{
		Type:      models.SignalTypeAuth,
		MessageID: "auth-" + userID,
		Data:      models.MustData(models.AuthData{UserID: userID}),
	}))
	if out.ReplyErr != nil {
		t.Fatalf("auth reply for %s: %v", userID, out.ReplyErr)
	}
	if got := next(t, c); got.Type != models.SignalTypeAuthSuccess {
		t.Fatalf("auth %s: got %s, want %s", userID, got.Type, models.SignalTypeAuthSuccess)
	}
}

// next pops the next queued outbound message of c
func next(t *testing.T, c *Client) models.SignalMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode outbound message: %v", err)
		}
		return msg
	default:
		t.Fatalf("expected a queued message for %q, got none", c.UserID())
		return models.SignalMessage{}
	}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected message for %q: %s", c.UserID(), data)
	default:
	}
}

func errorText(t *testing.T, msg models.SignalMessage) string {
	t.Helper()
	if msg.Type != models.SignalTypeError {
		t.Fatalf("got %s, want error envelope", msg.Type)
	}
	var data models.ErrorData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	return data.Error
}

func ackData(t *testing.T, msg models.SignalMessage) models.AckData {
	t.Helper()
	if !msg.Type.IsAck() {
		t.Fatalf("got %s, want an acknowledgement", msg.Type)
	}
	var data models.AckData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode ack data: %v", err)
	}
	return data
}
