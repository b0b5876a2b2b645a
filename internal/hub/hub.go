// Package hub implements the call signaling hub: it authenticates channels,
// pairs two participants into a room, relays negotiation messages between
// them and tears state down when a channel goes away.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/telecall-signaling/internal/identity"
	"github.com/mossy-p/telecall-signaling/internal/models"
	"github.com/pion/logging"
)

const (
	// DefaultHeartbeatInterval is how often the liveness sweep runs
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTimeout is how long a channel may stay silent
	DefaultHeartbeatTimeout = 60 * time.Second
	// DefaultSendBuffer is the per-client outbound queue length
	DefaultSendBuffer = 256

	lookupTimeout = 5 * time.Second
)

// TokenVerifier validates an auth token and returns the user id it carries
type TokenVerifier interface {
	VerifyToken(token string) (userID string, err error)
}

// Observer is notified of registry and room changes. Calls are made
// synchronously, in mutation order, while the hub holds its lock; they must
// not block or call back into the hub.
type Observer interface {
	ConnectionRegistered(profile models.Profile)
	ConnectionRemoved(userID string)
	RoomCreated(room models.RoomInfo)
	RoomDestroyed(room models.RoomInfo)
}

// Config configures a Hub.
type Config struct {
	// Directory resolves user ids during auth. Required.
	Directory identity.Directory

	// Tokens verifies auth tokens. Optional.
	Tokens TokenVerifier

	// RequireToken rejects auth envelopes without a valid token.
	RequireToken bool

	// HeartbeatInterval is the liveness sweep period.
	// Defaults to DefaultHeartbeatInterval if 0.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is the silence after which a channel is dropped.
	// Defaults to DefaultHeartbeatTimeout if 0.
	HeartbeatTimeout time.Duration

	// SendBuffer is the per-client outbound queue length.
	// Defaults to DefaultSendBuffer if 0.
	SendBuffer int

	// Observer receives registry and room events. Optional.
	Observer Observer

	// LoggerFactory is the factory for creating loggers.
	// Defaults to the pion default factory if nil.
	LoggerFactory logging.LoggerFactory

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Hub is the signaling hub
type Hub struct {
	cfg      Config
	registry *Registry
	rooms    *RoomManager
	observer Observer
	log      logging.LeveledLogger
	now      func() time.Time

	// mu serializes compound registry/room mutations
	mu       sync.Mutex
	channels map[*Client]struct{}
}

// Outcome reports the two independent results of handling one inbound
// message: the relay to the peer and the reply to the originator.
type Outcome struct {
	Relayed  bool
	RelayErr error
	ReplyErr error
}

// New creates a hub
func New(cfg Config) *Hub {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	h := &Hub{
		cfg:      cfg,
		registry: NewRegistry(),
		rooms:    NewRoomManager(),
		observer: cfg.Observer,
		log:      cfg.LoggerFactory.NewLogger("hub"),
		now:      cfg.Now,
		channels: make(map[*Client]struct{}),
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.observer == nil {
		h.observer = nopObserver{}
	}
	h.rooms.now = h.now
	return h
}

// Registry exposes the connection registry
func (h *Hub) Registry() *Registry { return h.registry }

// Rooms exposes the room manager
func (h *Hub) Rooms() *RoomManager { return h.rooms }

// Serve takes ownership of ch and starts its read and write pumps
func (h *Hub) Serve(ch Channel) *Client {
	c := newClient(h, ch)

	h.mu.Lock()
	h.channels[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) readTimeout() time.Duration {
	return h.cfg.HeartbeatTimeout + h.cfg.HeartbeatInterval
}

// HandleMessage interprets one inbound envelope from c
func (h *Hub) HandleMessage(c *Client, raw []byte) Outcome {
	c.touch(h.now())

	var msg models.SignalMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		return Outcome{ReplyErr: h.replyError(c, recoverMessageID(raw), errTextInvalidMessage)}
	}

	switch msg.Type {
	case models.SignalTypeHeartbeat:
		return h.handleHeartbeat(c, msg)
	case models.SignalTypeAuth:
		return h.handleAuth(c, msg)
	}

	if !c.Authenticated() {
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextAuthRequired)}
	}

	switch msg.Type {
	case models.SignalTypeCallInitiation:
		return h.handleCallInitiation(c, msg)
	case models.SignalTypeCallAnswer:
		return h.handleCallAnswer(c, msg)
	case models.SignalTypeCallRejection, models.SignalTypeCallEnd:
		return h.handleCallTeardown(c, msg)
	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		return h.handleRelay(c, msg)
	default:
		h.log.Debugf("unknown message type %q from %s", msg.Type, c.UserID())
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextUnknownType)}
	}
}

func (h *Hub) handleHeartbeat(c *Client, msg models.SignalMessage) Outcome {
	return Outcome{ReplyErr: h.send(c, models.SignalMessage{
		Type:      models.SignalTypeHeartbeatResponse,
		MessageID: msg.MessageID,
		Data:      models.MustData(models.HeartbeatData{ServerTime: models.Timestamp(h.now())}),
	})}
}

func (h *Hub) handleAuth(c *Client, msg models.SignalMessage) Outcome {
	var data models.AuthData
	if len(msg.Data) == 0 || json.Unmarshal(msg.Data, &data) != nil {
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextInvalidMessage)}
	}

	userID := data.UserID
	if data.Token != "" || h.cfg.RequireToken {
		if h.cfg.Tokens == nil {
			h.log.Error("token presented but no token verifier configured")
			return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextAuthFailed)}
		}
		tokenUser, err := h.cfg.Tokens.VerifyToken(data.Token)
		if err != nil || (userID != "" && userID != tokenUser) {
			h.log.Infof("rejected token for %q: %v", userID, err)
			return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextAuthFailed)}
		}
		userID = tokenUser
	}
	if userID == "" {
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextInvalidMessage)}
	}
	if current := c.UserID(); c.Authenticated() && current != userID {
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextAlreadyAuthed)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	profile, err := h.cfg.Directory.Lookup(ctx, userID)
	cancel()
	if errors.Is(err, identity.ErrUnknownUser) {
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextUserNotFound)}
	}
	if err != nil {
		h.log.Errorf("identity lookup for %q failed: %v", userID, err)
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextInternal)}
	}

	h.mu.Lock()
	if c.closed() {
		h.mu.Unlock()
		return Outcome{ReplyErr: ErrClientClosed}
	}
	c.setProfile(profile)
	previous := h.registry.Register(c)
	var room *Room
	var peer *Client
	if previous != nil {
		// The new channel starts idle, so the call held by the old one ends.
		room, peer = h.leaveRoomLocked(userID)
	}
	h.observer.ConnectionRegistered(profile)
	h.mu.Unlock()

	if previous != nil {
		h.log.Infof("superseding previous channel of %s", userID)
		previous.close(websocket.CloseNormalClosure, closeReasonSuperseded)
	}
	if room != nil {
		h.log.Infof("room %s destroyed after %s reconnected", room.ID, userID)
		h.notifyPeerLeft(peer, userID, room)
	}
	h.log.Infof("%s authenticated as %s", userID, profile.Role)

	return Outcome{ReplyErr: h.send(c, models.SignalMessage{
		Type:      models.SignalTypeAuthSuccess,
		To:        userID,
		MessageID: msg.MessageID,
		Data:      models.MustData(profile),
	})}
}

func (h *Hub) handleCallInitiation(c *Client, msg models.SignalMessage) Outcome {
	caller := c.UserID()
	if errText := checkTarget(caller, msg.To); errText != "" {
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errText)}
	}

	h.mu.Lock()
	target, online := h.registry.Get(msg.To)
	var room *Room
	var err error
	if self, _ := h.registry.Get(caller); online && self == c {
		room, err = h.rooms.Create(caller, msg.To)
	}
	if room != nil {
		h.observer.RoomCreated(room.Info())
	}
	h.mu.Unlock()

	if !online {
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextTargetOffline)}
	}
	if room == nil && err == nil {
		return Outcome{ReplyErr: ErrClientClosed}
	}
	if err != nil {
		h.log.Infof("call from %s to %s refused: %v", caller, msg.To, err)
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextBusy)}
	}
	h.log.Infof("room %s created for %s -> %s", room.ID, caller, msg.To)

	forward := msg
	forward.From = caller
	forward.RoomID = room.ID
	relayErr := h.send(target, forward)

	return Outcome{
		Relayed:  true,
		RelayErr: relayErr,
		ReplyErr: h.ack(c, msg, room.ID, relayErr == nil, ""),
	}
}

func (h *Hub) handleCallAnswer(c *Client, msg models.SignalMessage) Outcome {
	sender := c.UserID()
	if errText := checkTarget(sender, msg.To); errText != "" {
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errText)}
	}

	room, shared := h.rooms.Shared(sender, msg.To)
	if !shared {
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextNoActiveCall)}
	}
	return h.relayBestEffort(c, msg, room.ID)
}

// handleCallTeardown covers call-rejection and call-end. The room is
// destroyed before the sender is acknowledged; repeating the message after
// the room is gone is acknowledged without relaying.
func (h *Hub) handleCallTeardown(c *Client, msg models.SignalMessage) Outcome {
	sender := c.UserID()
	if errText := checkTarget(sender, msg.To); errText != "" {
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errText)}
	}

	h.mu.Lock()
	if self, _ := h.registry.Get(sender); self != c {
		h.mu.Unlock()
		return Outcome{ReplyErr: ErrClientClosed}
	}
	room, shared := h.rooms.Shared(sender, msg.To)
	if shared && h.rooms.Destroy(room.ID) {
		h.observer.RoomDestroyed(room.Info())
	}
	_, online := h.registry.Get(msg.To)
	h.mu.Unlock()

	if !shared {
		reason := reasonNoSharedRoom
		if !online {
			reason = reasonPeerUnreachable
		}
		h.log.Debugf("%s from %s to %s ignored: %s", msg.Type, sender, msg.To, reason)
		return Outcome{ReplyErr: h.ack(c, msg, "", false, reason)}
	}

	h.log.Infof("room %s closed by %s (%s)", room.ID, sender, msg.Type)
	return h.relayBestEffort(c, msg, room.ID)
}

func (h *Hub) handleRelay(c *Client, msg models.SignalMessage) Outcome {
	sender := c.UserID()
	if errText := checkTarget(sender, msg.To); errText != "" {
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errText)}
	}

	target, online := h.registry.Get(msg.To)
	if !online {
		return Outcome{ReplyErr: h.replyError(c, msg.MessageID, errTextTargetOffline)}
	}

	forward := msg
	forward.From = sender
	relayErr := h.send(target, forward)
	return Outcome{
		Relayed:  true,
		RelayErr: relayErr,
		ReplyErr: h.ack(c, msg, msg.RoomID, relayErr == nil, ""),
	}
}

// relayBestEffort forwards msg to its target if still connected and always
// acknowledges the sender.
func (h *Hub) relayBestEffort(c *Client, msg models.SignalMessage, roomID string) Outcome {
	target, online := h.registry.Get(msg.To)
	if !online {
		return Outcome{ReplyErr: h.ack(c, msg, roomID, false, reasonPeerUnreachable)}
	}

	forward := msg
	forward.From = c.UserID()
	forward.RoomID = roomID
	relayErr := h.send(target, forward)
	return Outcome{
		Relayed:  true,
		RelayErr: relayErr,
		ReplyErr: h.ack(c, msg, roomID, relayErr == nil, ""),
	}
}

// disconnect runs the cleanup path for c exactly once, whatever triggered it
func (h *Hub) disconnect(c *Client, code int, reason string) {
	c.cleanupOnce.Do(func() {
		c.close(code, reason)

		h.mu.Lock()
		delete(h.channels, c)
		removed := c.Authenticated() && h.registry.Remove(c)
		userID := c.UserID()
		var room *Room
		var peer *Client
		if removed {
			room, peer = h.leaveRoomLocked(userID)
			h.observer.ConnectionRemoved(userID)
		}
		h.mu.Unlock()

		if !removed {
			return
		}
		h.log.Infof("%s disconnected", userID)
		if room != nil {
			h.log.Infof("room %s destroyed after %s disconnected", room.ID, userID)
			h.notifyPeerLeft(peer, userID, room)
		}
	})
}

// leaveRoomLocked destroys the room userID is in and returns it with the
// other participant's live client. h.mu must be held.
func (h *Hub) leaveRoomLocked(userID string) (*Room, *Client) {
	room, ok := h.rooms.DestroyForUser(userID)
	if !ok {
		return nil, nil
	}
	h.observer.RoomDestroyed(room.Info())
	peer, _ := h.registry.Get(room.Other(userID))
	return room, peer
}

func (h *Hub) notifyPeerLeft(peer *Client, userID string, room *Room) {
	if peer == nil {
		return
	}
	if err := h.send(peer, models.SignalMessage{
		Type:   models.SignalTypeParticipantDisconnected,
		From:   userID,
		To:     peer.UserID(),
		RoomID: room.ID,
		Data:   models.MustData(models.DisconnectData{UserID: userID, RoomID: room.ID}),
	}); err != nil {
		h.log.Warnf("failed to notify %s of disconnect: %v", peer.UserID(), err)
	}
}

// Shutdown closes every channel through the regular cleanup path
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.channels))
	for c := range h.channels {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.disconnect(c, websocket.CloseGoingAway, closeReasonHubShutdown)
	}
}

func (h *Hub) send(c *Client, msg models.SignalMessage) error {
	msg.Timestamp = models.Timestamp(h.now())
	data, err := msg.Encode()
	if err != nil {
		h.log.Errorf("failed to marshal %s: %v", msg.Type, err)
		return err
	}
	if err := c.enqueue(data); err != nil {
		h.log.Warnf("failed to send %s to %q: %v", msg.Type, c.UserID(), err)
		return err
	}
	return nil
}

func (h *Hub) ack(c *Client, msg models.SignalMessage, roomID string, delivered bool, reason string) error {
	return h.send(c, models.SignalMessage{
		Type:      msg.Type.Ack(),
		To:        msg.To,
		RoomID:    roomID,
		MessageID: msg.MessageID,
		Data: models.MustData(models.AckData{
			OriginalMessageID: msg.MessageID,
			Delivered:         delivered,
			Reason:            reason,
		}),
	})
}

func (h *Hub) replyError(c *Client, originalID, text string) error {
	return h.send(c, models.SignalMessage{
		Type:      models.SignalTypeError,
		MessageID: originalID,
		Data:      models.MustData(models.ErrorData{Error: text, OriginalMessageID: originalID}),
	})
}

func checkTarget(sender, target string) string {
	switch target {
	case "":
		return errTextMissingTarget
	case sender:
		return errTextSelfTarget
	}
	return ""
}

// recoverMessageID recovers the messageId of an envelope that failed to decode
func recoverMessageID(raw []byte) string {
	var partial struct {
		MessageID string `json:"messageId"`
	}
	_ = json.Unmarshal(raw, &partial)
	return partial.MessageID
}

type nopObserver struct{}

func (nopObserver) ConnectionRegistered(models.Profile) {}
func (nopObserver) ConnectionRemoved(string)            {}
func (nopObserver) RoomCreated(models.RoomInfo)         {}
func (nopObserver) RoomDestroyed(models.RoomInfo)       {}
