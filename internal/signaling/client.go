// Package signaling is the participant side of the hub channel: it dials
// the hub, authenticates, keeps the channel alive with heartbeats and
// exchanges envelopes.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/telecall-signaling/internal/models"
	"github.com/pion/logging"
)

const (
	// DefaultHeartbeatInterval is how often the client sends a heartbeat.
	// It stays well under the hub's default timeout.
	DefaultHeartbeatInterval = 25 * time.Second

	writeWait   = 10 * time.Second
	eventBuffer = 64
)

var (
	// ErrClosed is returned when sending on a closed client
	ErrClosed = errors.New("signaling channel closed")
	// ErrAuthRejected is returned by Dial when the hub refuses the auth envelope
	ErrAuthRejected = errors.New("authentication rejected")
)

// Config configures Dial
type Config struct {
	URL    string
	UserID string
	Token  string

	// HeartbeatInterval defaults to DefaultHeartbeatInterval if 0
	HeartbeatInterval time.Duration

	// Dialer defaults to websocket.DefaultDialer if nil
	Dialer *websocket.Dialer
	Header http.Header

	LoggerFactory logging.LoggerFactory
}

// Client is an authenticated channel to the hub
type Client struct {
	conn    *websocket.Conn
	profile models.Profile
	events  chan models.SignalMessage
	log     logging.LeveledLogger

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to the hub and authenticates as cfg.UserID. It returns once
// the hub has answered the auth envelope.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	conn, _, err := cfg.Dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:   conn,
		events: make(chan models.SignalMessage, eventBuffer),
		log:    cfg.LoggerFactory.NewLogger("signaling"),
		done:   make(chan struct{}),
	}

	profile, err := c.authenticate(ctx, cfg.UserID, cfg.Token)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.profile = profile

	go c.readLoop()
	go c.heartbeatLoop(cfg.HeartbeatInterval)
	return c, nil
}

func (c *Client) authenticate(ctx context.Context, userID, token string) (models.Profile, error) {
	authID, err := c.Send(models.SignalMessage{
		Type: models.SignalTypeAuth,
		Data: models.MustData(models.AuthData{UserID: userID, Token: token}),
	})
	if err != nil {
		return models.Profile{}, fmt.Errorf("send auth: %w", err)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	for {
		var msg models.SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return models.Profile{}, fmt.Errorf("await auth reply: %w", err)
		}
		if msg.MessageID != authID {
			continue
		}

		switch msg.Type {
		case models.SignalTypeAuthSuccess:
			var profile models.Profile
			if err := json.Unmarshal(msg.Data, &profile); err != nil {
				return models.Profile{}, fmt.Errorf("decode profile: %w", err)
			}
			return profile, nil
		case models.SignalTypeError:
			var data models.ErrorData
			_ = json.Unmarshal(msg.Data, &data)
			return models.Profile{}, fmt.Errorf("%w: %s", ErrAuthRejected, data.Error)
		}
	}
}

// Profile is the public profile the hub returned on auth
func (c *Client) Profile() models.Profile { return c.profile }

// Events delivers inbound envelopes other than heartbeat responses. It is
// closed when the channel goes away.
func (c *Client) Events() <-chan models.SignalMessage { return c.events }

// Done is closed when the channel goes away
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the channel went away, if it has
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes msg to the hub. An empty MessageID is filled with a fresh
// one, which is returned for correlating the acknowledgement.
func (c *Client) Send(msg models.SignalMessage) (string, error) {
	select {
	case <-c.done:
		return "", ErrClosed
	default:
	}

	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.From == "" {
		msg.From = c.profile.UserID
	}
	msg.Timestamp = models.Timestamp(time.Now())

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.shutdown(err)
		return "", fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return msg.MessageID, nil
}

// Close sends a close frame and tears down the channel
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		var msg models.SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warnf("channel closed unexpectedly: %v", err)
			}
			c.shutdown(err)
			return
		}
		if msg.Type == models.SignalTypeHeartbeatResponse {
			continue
		}

		select {
		case c.events <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, err := c.Send(models.SignalMessage{Type: models.SignalTypeHeartbeat}); err != nil {
				c.log.Warnf("heartbeat failed: %v", err)
				return
			}
		}
	}
}
