package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/telecall-signaling/internal/models"
	"github.com/pion/transport/v3/test"
)

type fakeSignaler struct {
	mu   sync.Mutex
	sent []models.SignalMessage
	fail map[models.SignalType]error
	seq  int
}

func (f *fakeSignaler) Send(msg models.SignalMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[msg.Type]; err != nil {
		return "", err
	}
	f.seq++
	msg.MessageID = fmt.Sprintf("m%d", f.seq)
	f.sent = append(f.sent, msg)
	return msg.MessageID, nil
}

func (f *fakeSignaler) types() []models.SignalType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.SignalType, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeSignaler) last() models.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return models.SignalMessage{}
	}
	return f.sent[len(f.sent)-1]
}

type fakeNegotiation struct {
	params  NegotiationParams
	ctx     context.Context
	mu      sync.Mutex
	signals []models.SignalMessage
	audio   bool
	closed  bool
}

func (n *fakeNegotiation) HandleSignal(msg models.SignalMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, msg)
	return nil
}

func (n *fakeNegotiation) SetAudioEnabled(enabled bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.audio = enabled
	return nil
}

func (n *fakeNegotiation) SetVideoEnabled(bool) error { return nil }

func (n *fakeNegotiation) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *fakeNegotiation) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

type recordingObserver struct {
	states chan Session
	ticks  chan time.Duration
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		states: make(chan Session, 64),
		ticks:  make(chan time.Duration, 64),
	}
}

func (o *recordingObserver) StateChanged(s Session) { o.states <- s }

func (o *recordingObserver) RingTick(_ Session, elapsed time.Duration) {
	select {
	case o.ticks <- elapsed:
	default:
	}
}

func (o *recordingObserver) QualityChanged(Session, string) {}

// waitState returns the first published session in state want
func (o *recordingObserver) waitState(t *testing.T, want State) Session {
	t.Helper()
	for {
		select {
		case s := <-o.states:
			if s.State == want {
				return s
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
			return Session{}
		}
	}
}

type harness struct {
	ctrl  *Controller
	sig   *fakeSignaler
	obs   *recordingObserver
	negs  chan *fakeNegotiation
	clock *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newHarness(t *testing.T, mutate func(*ControllerConfig)) *harness {
	t.Helper()
	h := &harness{
		sig:   &fakeSignaler{fail: map[models.SignalType]error{}},
		obs:   newRecordingObserver(),
		negs:  make(chan *fakeNegotiation, 4),
		clock: &clock{now: t0},
	}
	cfg := ControllerConfig{
		Signaler: h.sig,
		Observer: h.obs,
		Now:      h.clock.Now,
		Negotiate: func(ctx context.Context, p NegotiationParams) (Negotiation, error) {
			n := &fakeNegotiation{params: p, ctx: ctx, audio: true}
			h.negs <- n
			return n, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.ctrl = NewController(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) negotiation(t *testing.T) *fakeNegotiation {
	t.Helper()
	select {
	case n := <-h.negs:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("negotiation not started")
		return nil
	}
}

func ack(msg models.SignalMessage, roomID string) models.SignalMessage {
	return models.SignalMessage{
		Type:      msg.Type.Ack(),
		To:        msg.To,
		RoomID:    roomID,
		MessageID: msg.MessageID,
		Data:      models.MustData(models.AckData{OriginalMessageID: msg.MessageID, Delivered: true}),
	}
}

func TestController_OutgoingCall(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.ctrl.Dial(ctx, "bob"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	initiation := h.sig.last()
	if initiation.Type != models.SignalTypeCallInitiation || initiation.To != "bob" {
		t.Fatalf("sent %+v", initiation)
	}

	h.ctrl.HandleSignal(ack(initiation, "room-1"))
	h.ctrl.HandleSignal(models.SignalMessage{Type: models.SignalTypeCallAnswer, From: "bob", RoomID: "room-1"})

	n := h.negotiation(t)
	if !n.params.Initiator || n.params.PeerID != "bob" || n.params.RoomID != "room-1" {
		t.Errorf("negotiation params = %+v", n.params)
	}
	h.obs.waitState(t, StateConnecting)

	h.ctrl.HandleSignal(models.SignalMessage{Type: models.SignalTypeAnswer, From: "bob", Data: []byte(`{"sdp":"x"}`)})
	n.params.OnConnected()
	h.obs.waitState(t, StateConnected)

	h.clock.Advance(42 * time.Second)
	if err := h.ctrl.Hangup(ctx); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	ended := h.obs.waitState(t, StateEnded)
	if ended.DurationSeconds() != 42 {
		t.Errorf("duration = %ds, want 42", ended.DurationSeconds())
	}
	h.obs.waitState(t, StateIdle)

	if !n.isClosed() {
		t.Error("negotiation not closed on hangup")
	}
	if len(n.signals) != 1 || n.signals[0].Type != models.SignalTypeAnswer {
		t.Errorf("negotiation got %+v", n.signals)
	}
	if got := h.sig.last(); got.Type != models.SignalTypeCallEnd || got.RoomID != "room-1" {
		t.Errorf("last sent %+v, want call-end in room-1", got)
	}
}

func TestController_DialWhileBusySendsNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.ctrl.Dial(ctx, "bob"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := h.ctrl.Dial(ctx, "carol"); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second Dial error = %v, want %v", err, ErrCallInProgress)
	}
	if got := h.sig.types(); len(got) != 1 {
		t.Errorf("sent %v, want only the first call-initiation", got)
	}
	if s := h.ctrl.Session(); s.PeerID != "bob" {
		t.Errorf("session peer = %q", s.PeerID)
	}
}

func TestController_IncomingCall(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	h := newHarness(t, nil)
	ctx := context.Background()

	h.ctrl.HandleSignal(models.SignalMessage{Type: models.SignalTypeCallInitiation, From: "alice", RoomID: "room-7"})
	ringing := h.obs.waitState(t, StateRingingIncoming)
	if ringing.PeerID != "alice" || ringing.RoomID != "room-7" {
		t.Fatalf("ringing session = %+v", ringing)
	}

	if err := h.ctrl.SetAudioEnabled(ctx, false); err != nil {
		t.Fatalf("SetAudioEnabled: %v", err)
	}
	if err := h.ctrl.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got := h.sig.last(); got.Type != models.SignalTypeCallAnswer || got.To != "alice" || got.RoomID != "room-7" {
		t.Errorf("sent %+v, want call-answer", got)
	}

	n := h.negotiation(t)
	if n.params.Initiator {
		t.Error("callee started as initiator")
	}
	n.mu.Lock()
	audio := n.audio
	n.mu.Unlock()
	if audio {
		t.Error("muted audio not applied to the new negotiation")
	}

	h.ctrl.HandleSignal(models.SignalMessage{Type: models.SignalTypeParticipantDisconnected, From: "alice"})
	h.obs.waitState(t, StateEnded)
	h.obs.waitState(t, StateIdle)
	if !n.isClosed() {
		t.Error("negotiation not closed after peer disconnected")
	}
}

func TestController_TransportFailure(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	h := newHarness(t, nil)
	h.ctrl.HandleSignal(models.SignalMessage{Type: models.SignalTypeCallInitiation, From: "alice", RoomID: "room-7"})
	h.obs.waitState(t, StateRingingIncoming)
	if err := h.ctrl.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	n := h.negotiation(t)

	n.params.OnFailed(errors.New("ice restarts exhausted"))
	failed := h.obs.waitState(t, StateFailed)
	if failed.LastError != "ice restarts exhausted" {
		t.Errorf("LastError = %q", failed.LastError)
	}
	h.obs.waitState(t, StateIdle)

	if got := h.sig.last(); got.Type != models.SignalTypeCallEnd || got.To != "alice" {
		t.Errorf("sent %+v, want call-end to alice", got)
	}
	if n.ctx.Err() == nil {
		t.Error("negotiation context not cancelled")
	}
	if err := n.params.Send(models.SignalTypeOffer, map[string]string{"sdp": "late"}); err == nil {
		t.Error("stale negotiation could still send")
	}
}

func TestController_DiscardsStaleCompletion(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.ctrl.Dial(ctx, "bob"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.ctrl.HandleSignal(models.SignalMessage{Type: models.SignalTypeCallAnswer, From: "bob"})
	old := h.negotiation(t)
	if err := h.ctrl.Hangup(ctx); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	h.obs.waitState(t, StateIdle)

	// A new call starts before the old negotiation reports back.
	if err := h.ctrl.Dial(ctx, "carol"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.ctrl.HandleSignal(models.SignalMessage{Type: models.SignalTypeCallAnswer, From: "carol"})
	current := h.negotiation(t)
	h.obs.waitState(t, StateConnecting)

	old.params.OnConnected()
	old.params.OnFailed(errors.New("late failure"))

	// Round-trip through the loop so the stale callbacks have been handled.
	if err := h.ctrl.SetVideoEnabled(ctx, true); err != nil {
		t.Fatalf("SetVideoEnabled: %v", err)
	}
	if s := h.ctrl.Session(); s.State != StateConnecting || s.PeerID != "carol" {
		t.Fatalf("stale completion changed the session: %+v", s)
	}

	current.params.OnConnected()
	h.obs.waitState(t, StateConnected)
}

func TestController_RoutingErrorFailsDial(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Dial(context.Background(), "ghost"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	initiation := h.sig.last()

	// Errors for messages this session never sent are not routing errors.
	h.ctrl.HandleSignal(models.SignalMessage{
		Type: models.SignalTypeError,
		Data: models.MustData(models.ErrorData{Error: "unknown message type", OriginalMessageID: "other"}),
	})
	h.ctrl.HandleSignal(models.SignalMessage{
		Type:      models.SignalTypeError,
		MessageID: initiation.MessageID,
		Data:      models.MustData(models.ErrorData{Error: "target not found or offline", OriginalMessageID: initiation.MessageID}),
	})

	failed := h.obs.waitState(t, StateFailed)
	if failed.LastError != "target not found or offline" {
		t.Errorf("LastError = %q", failed.LastError)
	}
	h.obs.waitState(t, StateIdle)
}

func TestController_SendFailureFailsDial(t *testing.T) {
	h := newHarness(t, nil)
	h.sig.fail[models.SignalTypeCallInitiation] = errors.New("signaling channel closed")

	if err := h.ctrl.Dial(context.Background(), "bob"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.obs.waitState(t, StateFailed)
	h.obs.waitState(t, StateIdle)
}

func TestController_RingTimeout(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	h := newHarness(t, func(cfg *ControllerConfig) {
		cfg.RingTimeout = 80 * time.Millisecond
		cfg.RingTickInterval = 10 * time.Millisecond
	})
	if err := h.ctrl.Dial(context.Background(), "bob"); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case <-h.obs.ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("no ring tick")
	}

	ended := h.obs.waitState(t, StateEnded)
	if ended.LastError != errTextNoAnswer {
		t.Errorf("LastError = %q, want %q", ended.LastError, errTextNoAnswer)
	}
	if got := h.sig.last(); got.Type != models.SignalTypeCallEnd {
		t.Errorf("sent %s, want call-end", got.Type)
	}
}

func TestController_BusyRejectsSecondCaller(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Dial(context.Background(), "bob"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.ctrl.HandleSignal(models.SignalMessage{Type: models.SignalTypeCallInitiation, From: "carol", RoomID: "room-2"})

	// Dial fails while busy, which also proves the loop handled carol first.
	if err := h.ctrl.Dial(context.Background(), "dave"); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("Dial error = %v", err)
	}
	if got := h.sig.last(); got.Type != models.SignalTypeCallRejection || got.To != "carol" {
		t.Errorf("sent %+v, want call-rejection to carol", got)
	}
	if s := h.ctrl.Session(); s.PeerID != "bob" || s.State != StateRingingOutgoing {
		t.Errorf("session = %+v", s)
	}
}
