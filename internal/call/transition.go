package call

import "github.com/mossy-p/telecall-signaling/internal/models"

const (
	errTextNoAnswer         = "no answer"
	errTextMissed           = "missed call"
	errTextConnectionFailed = "connection failed"
)

// Transition applies ev to s and returns the resulting session and the
// effects the caller must execute, in order. s is not modified. Peer events
// that do not belong to the current session are ignored; user actions the
// current state does not allow return an error and leave s unchanged.
func Transition(s Session, ev Event) (Session, []Effect, error) {
	switch ev.Kind {
	case EventDial:
		return dial(s, ev)
	case EventIncoming:
		return incoming(s, ev)
	case EventReset:
		if s.State.Terminal() {
			return Session{}, nil, nil
		}
		return s, nil, nil
	}

	if ev.Kind.fromPeer() && ev.Peer != s.PeerID {
		return s, nil, nil
	}

	switch s.State {
	case StateRingingOutgoing:
		return ringingOutgoing(s, ev)
	case StateRingingIncoming:
		return ringingIncoming(s, ev)
	case StateConnecting, StateConnected:
		return inCall(s, ev)
	}

	if userAction(ev.Kind) {
		return s, nil, ErrInvalidTransition
	}
	return s, nil, nil
}

func dial(s Session, ev Event) (Session, []Effect, error) {
	if s.State.Active() {
		return s, nil, ErrCallInProgress
	}
	if ev.Peer == "" {
		return s, nil, ErrNoPeer
	}
	next := Session{State: StateRingingOutgoing, PeerID: ev.Peer, Initiator: true}
	return next, []Effect{send(models.SignalTypeCallInitiation, ev.Peer), startRing}, nil
}

func incoming(s Session, ev Event) (Session, []Effect, error) {
	if s.State.Active() {
		if ev.Peer == s.PeerID {
			return s, nil, nil
		}
		// Busy: turn the second caller away without touching this call.
		return s, []Effect{send(models.SignalTypeCallRejection, ev.Peer)}, nil
	}
	next := Session{State: StateRingingIncoming, PeerID: ev.Peer, RoomID: ev.RoomID}
	return next, []Effect{startRing}, nil
}

func ringingOutgoing(s Session, ev Event) (Session, []Effect, error) {
	switch ev.Kind {
	case EventDialAcked:
		if ev.RoomID != "" {
			s.RoomID = ev.RoomID
		}
		return s, nil, nil
	case EventCallAnswered:
		s.State = StateConnecting
		if ev.RoomID != "" {
			s.RoomID = ev.RoomID
		}
		return s, []Effect{stopRing, {Kind: EffectStartNegotiation, Initiator: true}}, nil
	case EventHangup:
		return end(s, ev, ""), []Effect{stopRing, send(models.SignalTypeCallEnd, s.PeerID)}, nil
	case EventRingTimeout:
		return end(s, ev, errTextNoAnswer), []Effect{stopRing, send(models.SignalTypeCallEnd, s.PeerID)}, nil
	case EventRemoteRejected, EventRemoteEnded, EventPeerDisconnected:
		return end(s, ev, ""), []Effect{stopRing}, nil
	case EventRoutingError:
		return fail(s, ev), []Effect{stopRing}, nil
	case EventAccept, EventReject:
		return s, nil, ErrInvalidTransition
	}
	return s, nil, nil
}

func ringingIncoming(s Session, ev Event) (Session, []Effect, error) {
	switch ev.Kind {
	case EventAccept:
		s.State = StateConnecting
		return s, []Effect{
			stopRing,
			send(models.SignalTypeCallAnswer, s.PeerID),
			{Kind: EffectStartNegotiation, Initiator: false},
		}, nil
	case EventReject, EventHangup:
		return end(s, ev, ""), []Effect{stopRing, send(models.SignalTypeCallRejection, s.PeerID)}, nil
	case EventRingTimeout:
		return end(s, ev, errTextMissed), []Effect{stopRing, send(models.SignalTypeCallRejection, s.PeerID)}, nil
	case EventRemoteRejected, EventRemoteEnded, EventPeerDisconnected:
		return end(s, ev, ""), []Effect{stopRing}, nil
	}
	return s, nil, nil
}

func inCall(s Session, ev Event) (Session, []Effect, error) {
	switch ev.Kind {
	case EventTransportConnected:
		if s.State == StateConnecting {
			s.State = StateConnected
			s.StartedAt = ev.At
		}
		return s, nil, nil
	case EventHangup:
		return end(s, ev, ""), []Effect{stopNeg, send(models.SignalTypeCallEnd, s.PeerID)}, nil
	case EventRemoteRejected, EventRemoteEnded, EventPeerDisconnected:
		return end(s, ev, ""), []Effect{stopNeg}, nil
	case EventTransportFailed:
		if ev.Err == "" {
			ev.Err = errTextConnectionFailed
		}
		return fail(s, ev), []Effect{stopNeg, send(models.SignalTypeCallEnd, s.PeerID)}, nil
	case EventRoutingError:
		if s.State == StateConnecting {
			return fail(s, ev), []Effect{stopNeg}, nil
		}
		return s, nil, nil
	case EventAccept, EventReject:
		return s, nil, ErrInvalidTransition
	}
	return s, nil, nil
}

func end(s Session, ev Event, reason string) Session {
	s.State = StateEnded
	s.LastError = reason
	return closeOut(s, ev)
}

func fail(s Session, ev Event) Session {
	s.State = StateFailed
	s.LastError = ev.Err
	return closeOut(s, ev)
}

func closeOut(s Session, ev Event) Session {
	s.EndedAt = ev.At
	if !s.StartedAt.IsZero() {
		s.Duration = ev.At.Sub(s.StartedAt)
	}
	return s
}

func userAction(k EventKind) bool {
	switch k {
	case EventAccept, EventReject, EventHangup:
		return true
	}
	return false
}
