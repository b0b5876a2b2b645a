// Package call implements the participant's call session: an explicit state
// machine driven by user actions, hub signals and transport events, plus the
// Controller that executes its effects on a single timeline.
package call

import (
	"errors"
	"time"

	"github.com/mossy-p/telecall-signaling/internal/models"
)

var (
	// ErrCallInProgress is returned when dialing while another call is active
	ErrCallInProgress = errors.New("a call is already in progress")
	// ErrNoPeer is returned when dialing without a target
	ErrNoPeer = errors.New("no peer to call")
	// ErrInvalidTransition is returned for user actions the current state does not allow
	ErrInvalidTransition = errors.New("action not allowed in current call state")
)

// State is the lifecycle state of a call session
type State int

const (
	StateIdle State = iota
	StateRingingOutgoing
	StateRingingIncoming
	StateConnecting
	StateConnected
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRingingOutgoing:
		return "ringing-outgoing"
	case StateRingingIncoming:
		return "ringing-incoming"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether s blocks starting another call
func (s State) Active() bool {
	switch s {
	case StateRingingOutgoing, StateRingingIncoming, StateConnecting, StateConnected:
		return true
	}
	return false
}

// Terminal reports whether s is ended or failed
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Session is one participant's view of one call attempt
type Session struct {
	State     State
	PeerID    string
	RoomID    string
	Initiator bool

	// StartedAt is set on entry into connected; zero before that
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	LastError string
}

// DurationSeconds returns the connected time in whole seconds
func (s Session) DurationSeconds() int {
	return int(s.Duration / time.Second)
}

// Elapsed returns the connected time as of now
func (s Session) Elapsed(now time.Time) time.Duration {
	switch {
	case s.StartedAt.IsZero():
		return 0
	case s.State == StateConnected:
		return now.Sub(s.StartedAt)
	default:
		return s.Duration
	}
}

// EventKind enumerates what can happen to a session
type EventKind int

const (
	// User actions
	EventDial EventKind = iota
	EventAccept
	EventReject
	EventHangup
	EventRingTimeout

	// Hub signals
	EventIncoming
	EventDialAcked
	EventCallAnswered
	EventRemoteRejected
	EventRemoteEnded
	EventPeerDisconnected
	EventRoutingError

	// Transport
	EventTransportConnected
	EventTransportFailed

	EventReset
)

var eventNames = map[EventKind]string{
	EventDial:               "dial",
	EventAccept:             "accept",
	EventReject:             "reject",
	EventHangup:             "hangup",
	EventRingTimeout:        "ring-timeout",
	EventIncoming:           "incoming",
	EventDialAcked:          "dial-acked",
	EventCallAnswered:       "call-answered",
	EventRemoteRejected:     "remote-rejected",
	EventRemoteEnded:        "remote-ended",
	EventPeerDisconnected:   "peer-disconnected",
	EventRoutingError:       "routing-error",
	EventTransportConnected: "transport-connected",
	EventTransportFailed:    "transport-failed",
	EventReset:              "reset",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// fromPeer reports whether k originates from the remote participant
func (k EventKind) fromPeer() bool {
	switch k {
	case EventIncoming, EventDialAcked, EventCallAnswered, EventRemoteRejected, EventRemoteEnded, EventPeerDisconnected:
		return true
	}
	return false
}

// Event is an input to Transition
type Event struct {
	Kind   EventKind
	Peer   string
	RoomID string
	Err    string
	At     time.Time
}

// EffectKind enumerates what the controller must do after a transition
type EffectKind int

const (
	EffectSend EffectKind = iota
	EffectStartRingTimer
	EffectStopRingTimer
	EffectStartNegotiation
	EffectStopNegotiation
)

// Effect is an instruction produced by Transition
type Effect struct {
	Kind EffectKind

	// Signal and To are set for EffectSend
	Signal models.SignalType
	To     string

	// Initiator is set for EffectStartNegotiation
	Initiator bool
}

func send(signal models.SignalType, to string) Effect {
	return Effect{Kind: EffectSend, Signal: signal, To: to}
}

var (
	startRing = Effect{Kind: EffectStartRingTimer}
	stopRing  = Effect{Kind: EffectStopRingTimer}
	stopNeg   = Effect{Kind: EffectStopNegotiation}
)
