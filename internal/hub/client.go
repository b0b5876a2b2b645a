package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/telecall-signaling/internal/models"
)

const (
	writeWait = 10 * time.Second
)

// Channel is the bidirectional transport a Client exclusively owns.
// *websocket.Conn satisfies it.
type Channel interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client represents one participant's channel to the hub
type Client struct {
	hub  *Hub
	ch   Channel
	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	cleanupOnce sync.Once

	mu            sync.RWMutex
	profile       models.Profile
	authenticated bool

	lastHeartbeat atomic.Int64
}

func newClient(h *Hub, ch Channel) *Client {
	c := &Client{
		hub:  h,
		ch:   ch,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	c.touch(h.now())
	return c
}

// UserID returns the authenticated user id, or "" before auth
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile.UserID
}

// Profile returns the authenticated participant's public profile
func (c *Client) Profile() models.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

// Authenticated reports whether the channel completed auth
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// LastHeartbeat returns the time of the last inbound message
func (c *Client) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// Done is closed once the channel has been shut down
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) setProfile(p models.Profile) {
	c.mu.Lock()
	c.profile = p
	c.authenticated = true
	c.mu.Unlock()
}

func (c *Client) touch(t time.Time) {
	c.lastHeartbeat.Store(t.UnixNano())
}

// enqueue hands data to the write pump without blocking
func (c *Client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// ping issues a transport-level ping, distinct from the heartbeat envelope
func (c *Client) ping() error {
	return c.ch.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close shuts the channel down once, sending a close frame with reason
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ch.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ch.Close()
	})
}

func (c *Client) readPump() {
	defer c.hub.disconnect(c, websocket.CloseNormalClosure, "")

	readTimeout := c.hub.readTimeout()
	_ = c.ch.SetReadDeadline(time.Now().Add(readTimeout))
	c.ch.SetPongHandler(func(string) error {
		return c.ch.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, message, err := c.ch.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Warnf("channel error for %q: %v", c.UserID(), err)
			}
			return
		}
		_ = c.ch.SetReadDeadline(time.Now().Add(readTimeout))

		c.hub.HandleMessage(c, message)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.ch.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ch.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Warnf("failed to write to %q: %v", c.UserID(), err)
				c.close(websocket.CloseInternalServerErr, "")
				return
			}
		}
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
