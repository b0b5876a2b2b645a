package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/mossy-p/telecall-signaling/internal/models"
	"github.com/pion/logging"
)

const (
	// DefaultRingTickInterval is how often ring ticks reach the observer
	DefaultRingTickInterval = time.Second

	inboxSize = 64
)

// ErrStopped is returned by controller actions once Run has returned
var ErrStopped = errors.New("call controller stopped")

// Signaler is the only surface the controller needs from the hub channel.
// Send fills in the message id and returns it.
type Signaler interface {
	Send(msg models.SignalMessage) (string, error)
}

// Negotiation is one media negotiation attempt for a session
type Negotiation interface {
	HandleSignal(msg models.SignalMessage) error
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	Close() error
}

// NegotiationParams is passed to a NegotiateFunc. The callbacks may be
// called from any goroutine; calls made after the negotiation was stopped
// are discarded.
type NegotiationParams struct {
	PeerID    string
	RoomID    string
	Initiator bool

	Send        func(signal models.SignalType, data any) error
	OnConnected func()
	OnFailed    func(err error)
	OnQuality   func(level string)
}

// NegotiateFunc starts a negotiation. ctx is cancelled when the session
// leaves connecting/connected.
type NegotiateFunc func(ctx context.Context, p NegotiationParams) (Negotiation, error)

// Observer receives session updates for the UI layer. Calls are made from
// the controller goroutine and must not block.
type Observer interface {
	StateChanged(s Session)
	RingTick(s Session, elapsed time.Duration)
	QualityChanged(s Session, level string)
}

// ControllerConfig configures a Controller
type ControllerConfig struct {
	Signaler  Signaler
	Negotiate NegotiateFunc
	Observer  Observer

	// RingTimeout ends unanswered calls. 0 disables it.
	RingTimeout time.Duration

	// RingTickInterval defaults to DefaultRingTickInterval if 0
	RingTickInterval time.Duration

	LoggerFactory logging.LoggerFactory
	Now           func() time.Time
}

type callRequest struct {
	CallType string `json:"callType"`
}

// Controller owns the local call session. All state lives on the goroutine
// running Run; the exported methods hand work to it.
type Controller struct {
	cfg      ControllerConfig
	log      logging.LeveledLogger
	observer Observer
	now      func() time.Time

	inbox chan func()
	done  chan struct{}

	snapMu   sync.RWMutex
	snapshot Session

	// owned by the Run goroutine
	runCtx      context.Context
	session     Session
	followUps   []Event
	sentIDs     map[string]struct{}
	negGen      uint64
	negotiation Negotiation
	cancelNeg   context.CancelFunc
	ringGen     uint64
	ringStop    chan struct{}
	audioOff    bool
	videoOff    bool
}

// NewController creates a controller; call Run to start it
func NewController(cfg ControllerConfig) *Controller {
	if cfg.RingTickInterval == 0 {
		cfg.RingTickInterval = DefaultRingTickInterval
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	c := &Controller{
		cfg:      cfg,
		log:      cfg.LoggerFactory.NewLogger("call"),
		observer: cfg.Observer,
		now:      cfg.Now,
		inbox:    make(chan func(), inboxSize),
		done:     make(chan struct{}),
		sentIDs:  make(map[string]struct{}),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	return c
}

// Run processes actions and events until ctx is done. An active call is
// hung up on the way out.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			if c.session.State.Active() {
				c.applyLogged(Event{Kind: EventHangup})
			}
			c.stopRing()
			c.stopNegotiation()
			return ctx.Err()
		case fn := <-c.inbox:
			fn()
		}
	}
}

// Session returns the current session
func (c *Controller) Session() Session {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot
}

// Dial starts an outgoing call to peerID. It fails without sending anything
// if another call is active.
func (c *Controller) Dial(ctx context.Context, peerID string) error {
	return c.do(ctx, func() error {
		return c.apply(Event{Kind: EventDial, Peer: peerID})
	})
}

// Accept answers the ringing incoming call
func (c *Controller) Accept(ctx context.Context) error {
	return c.do(ctx, func() error { return c.apply(Event{Kind: EventAccept}) })
}

// Reject declines the ringing incoming call
func (c *Controller) Reject(ctx context.Context) error {
	return c.do(ctx, func() error { return c.apply(Event{Kind: EventReject}) })
}

// Hangup ends the current call
func (c *Controller) Hangup(ctx context.Context) error {
	return c.do(ctx, func() error { return c.apply(Event{Kind: EventHangup}) })
}

// SetAudioEnabled toggles the local audio track for this and later calls
func (c *Controller) SetAudioEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, func() error {
		c.audioOff = !enabled
		if c.negotiation == nil {
			return nil
		}
		return c.negotiation.SetAudioEnabled(enabled)
	})
}

// SetVideoEnabled toggles the local video track for this and later calls
func (c *Controller) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, func() error {
		c.videoOff = !enabled
		if c.negotiation == nil {
			return nil
		}
		return c.negotiation.SetVideoEnabled(enabled)
	})
}

// HandleSignal feeds an envelope received from the hub to the controller
func (c *Controller) HandleSignal(msg models.SignalMessage) {
	c.post(func() { c.handleSignal(msg) })
}

func (c *Controller) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !c.post(func() { result <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Controller) handleSignal(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeCallInitiation:
		c.applyLogged(Event{Kind: EventIncoming, Peer: msg.From, RoomID: msg.RoomID})
	case models.SignalTypeCallInitiation.Ack():
		c.handleDialAck(msg)
	case models.SignalTypeCallAnswer:
		c.applyLogged(Event{Kind: EventCallAnswered, Peer: msg.From, RoomID: msg.RoomID})
	case models.SignalTypeCallRejection:
		c.applyLogged(Event{Kind: EventRemoteRejected, Peer: msg.From})
	case models.SignalTypeCallEnd:
		c.applyLogged(Event{Kind: EventRemoteEnded, Peer: msg.From})
	case models.SignalTypeParticipantDisconnected:
		c.applyLogged(Event{Kind: EventPeerDisconnected, Peer: msg.From})
	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		if c.negotiation == nil || msg.From != c.session.PeerID {
			c.log.Debugf("dropping %s from %s: no negotiation for that peer", msg.Type, msg.From)
			return
		}
		if err := c.negotiation.HandleSignal(msg); err != nil {
			c.log.Warnf("failed to apply %s from %s: %v", msg.Type, msg.From, err)
		}
	case models.SignalTypeError:
		var data models.ErrorData
		_ = json.Unmarshal(msg.Data, &data)
		if _, ours := c.sentIDs[data.OriginalMessageID]; !ours {
			c.log.Warnf("hub error: %s", data.Error)
			return
		}
		c.applyLogged(Event{Kind: EventRoutingError, Err: data.Error})
	default:
		if !msg.Type.IsAck() {
			c.log.Debugf("ignoring %s", msg.Type)
		}
	}
}

func (c *Controller) handleDialAck(msg models.SignalMessage) {
	if _, ours := c.sentIDs[msg.MessageID]; !ours {
		return
	}
	var data models.AckData
	_ = json.Unmarshal(msg.Data, &data)
	if !data.Delivered {
		reason := data.Reason
		if reason == "" {
			reason = "call could not be delivered"
		}
		c.applyLogged(Event{Kind: EventRoutingError, Err: reason})
		return
	}
	c.applyLogged(Event{Kind: EventDialAcked, Peer: msg.To, RoomID: msg.RoomID})
}

func (c *Controller) applyLogged(ev Event) {
	if err := c.apply(ev); err != nil {
		c.log.Debugf("%s ignored in %s: %v", ev.Kind, c.session.State, err)
	}
}

// apply runs ev and then any events its effects produced
func (c *Controller) apply(ev Event) error {
	if err := c.step(ev); err != nil {
		return err
	}
	for len(c.followUps) > 0 {
		next := c.followUps[0]
		c.followUps = c.followUps[1:]
		if err := c.step(next); err != nil {
			c.log.Debugf("%s ignored in %s: %v", next.Kind, c.session.State, err)
		}
	}
	return nil
}

func (c *Controller) step(ev Event) error {
	ev.At = c.now()
	prev := c.session
	next, effects, err := Transition(prev, ev)
	if err != nil {
		return err
	}
	c.session = next
	if !prev.State.Active() && next.State.Active() {
		c.sentIDs = make(map[string]struct{})
	}
	if next != prev {
		c.publish(next)
		if next.State != prev.State {
			c.log.Infof("call %s -> %s (%s)", prev.State, next.State, ev.Kind)
		}
	}

	for _, e := range effects {
		c.execute(e)
	}
	if next.State.Terminal() {
		c.followUps = append(c.followUps, Event{Kind: EventReset})
	}
	return nil
}

func (c *Controller) publish(s Session) {
	c.snapMu.Lock()
	c.snapshot = s
	c.snapMu.Unlock()
	c.observer.StateChanged(s)
}

func (c *Controller) execute(e Effect) {
	switch e.Kind {
	case EffectSend:
		c.sendSignal(e)
	case EffectStartRingTimer:
		c.startRing()
	case EffectStopRingTimer:
		c.stopRing()
	case EffectStartNegotiation:
		c.startNegotiation(e.Initiator)
	case EffectStopNegotiation:
		c.stopNegotiation()
	}
}

func (c *Controller) sendSignal(e Effect) {
	msg := models.SignalMessage{Type: e.Signal, To: e.To}
	if e.To == c.session.PeerID {
		msg.RoomID = c.session.RoomID
	}
	if e.Signal == models.SignalTypeCallInitiation {
		msg.Data = models.MustData(callRequest{CallType: "video"})
	}

	id, err := c.cfg.Signaler.Send(msg)
	if err != nil {
		c.log.Warnf("failed to send %s to %s: %v", e.Signal, e.To, err)
		if e.Signal == models.SignalTypeCallInitiation || e.Signal == models.SignalTypeCallAnswer {
			c.followUps = append(c.followUps, Event{Kind: EventRoutingError, Err: err.Error()})
		}
		return
	}
	c.sentIDs[id] = struct{}{}
}

func (c *Controller) startRing() {
	c.stopRing()
	gen := c.ringGen
	stop := make(chan struct{})
	c.ringStop = stop
	started := c.now()

	go func() {
		ticker := time.NewTicker(c.cfg.RingTickInterval)
		defer ticker.Stop()

		var timeout <-chan time.Time
		if c.cfg.RingTimeout > 0 {
			timer := time.NewTimer(c.cfg.RingTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.post(func() {
					if c.ringGen == gen {
						c.observer.RingTick(c.session, c.now().Sub(started))
					}
				})
			case <-timeout:
				c.post(func() {
					if c.ringGen == gen {
						c.applyLogged(Event{Kind: EventRingTimeout})
					}
				})
				return
			}
		}
	}()
}

func (c *Controller) stopRing() {
	if c.ringStop != nil {
		close(c.ringStop)
		c.ringStop = nil
	}
	c.ringGen++
}

func (c *Controller) startNegotiation(initiator bool) {
	c.stopNegotiation()
	if c.cfg.Negotiate == nil {
		c.followUps = append(c.followUps, Event{Kind: EventTransportFailed, Err: "no media negotiator"})
		return
	}

	gen := c.negGen
	s := c.session
	ctx, cancel := context.WithCancel(c.runCtx)

	// guard drops callbacks from a negotiation that has since been stopped
	guard := func(fn func()) {
		c.post(func() {
			if c.negGen == gen {
				fn()
			}
		})
	}

	n, err := c.cfg.Negotiate(ctx, NegotiationParams{
		PeerID:    s.PeerID,
		RoomID:    s.RoomID,
		Initiator: initiator,
		Send: func(signal models.SignalType, data any) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, err := json.Marshal(data)
			if err != nil {
				return err
			}
			_, err = c.cfg.Signaler.Send(models.SignalMessage{
				Type:   signal,
				To:     s.PeerID,
				RoomID: s.RoomID,
				Data:   raw,
			})
			return err
		},
		OnConnected: func() {
			guard(func() { c.applyLogged(Event{Kind: EventTransportConnected}) })
		},
		OnFailed: func(err error) {
			guard(func() { c.applyLogged(Event{Kind: EventTransportFailed, Err: err.Error()}) })
		},
		OnQuality: func(level string) {
			guard(func() { c.observer.QualityChanged(c.session, level) })
		},
	})
	if err != nil {
		cancel()
		c.followUps = append(c.followUps, Event{Kind: EventTransportFailed, Err: err.Error()})
		return
	}
	c.negotiation = n
	c.cancelNeg = cancel

	if c.audioOff {
		_ = n.SetAudioEnabled(false)
	}
	if c.videoOff {
		_ = n.SetVideoEnabled(false)
	}
}

func (c *Controller) stopNegotiation() {
	c.negGen++
	if c.negotiation == nil {
		return
	}
	c.cancelNeg()
	if err := c.negotiation.Close(); err != nil {
		c.log.Warnf("failed to close negotiation: %v", err)
	}
	c.negotiation = nil
	c.cancelNeg = nil
}

type nopObserver struct{}

func (nopObserver) StateChanged(Session)            {}
func (nopObserver) RingTick(Session, time.Duration) {}
func (nopObserver) QualityChanged(Session, string)  {}
