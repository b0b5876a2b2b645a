// Package media negotiates the media transport of a call over a pion peer
// connection: it exchanges descriptions and candidates through the hub,
// recovers failed transports with bounded ICE restarts and samples
// connection quality.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/telecall-signaling/internal/models"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const (
	// DefaultMaxRestarts bounds ICE restarts per failure episode
	DefaultMaxRestarts = 3
	// DefaultRestartBackoff is the backoff unit; attempt n waits n units
	DefaultRestartBackoff = 2 * time.Second
	// DefaultRestartTimeout bounds how long a restart may stall
	DefaultRestartTimeout = 15 * time.Second
	// DefaultQualityInterval is the quality sampling period
	DefaultQualityInterval = 2 * time.Second
)

var (
	// ErrRestartsExhausted is reported through OnFailed when the transport
	// is still failed after the last allowed ICE restart
	ErrRestartsExhausted = errors.New("ice restarts exhausted")
	// ErrClosed is returned by an adapter after Close
	ErrClosed = errors.New("negotiation closed")
)

// Config configures an Adapter
type Config struct {
	// Initiator creates the offers, including the ones after ICE restarts
	Initiator bool

	// MaxRestarts defaults to DefaultMaxRestarts if 0
	MaxRestarts int

	// RestartBackoff defaults to DefaultRestartBackoff if 0
	RestartBackoff time.Duration

	// RestartTimeout is how long a restart attempt may go without any
	// connection state change before it counts as failed. Defaults to
	// DefaultRestartTimeout if 0.
	RestartTimeout time.Duration

	// QualityInterval defaults to DefaultQualityInterval if 0
	QualityInterval time.Duration

	// Send delivers a negotiation message to the peer. Required.
	Send func(signal models.SignalType, data any) error

	OnConnected   func()
	OnFailed      func(err error)
	OnQuality     func(sample QualitySample)
	OnRemoteTrack func(track *webrtc.TrackRemote)

	// After overrides time.After for restart backoff, for tests
	After func(d time.Duration) <-chan time.Time

	LoggerFactory logging.LoggerFactory
}

// Adapter drives one peer connection for one call
type Adapter struct {
	pc     PeerConnection
	stream Stream
	cfg    Config
	log    logging.LeveledLogger

	ctx    context.Context
	cancel context.CancelFunc

	// sigMu serializes description changes
	sigMu sync.Mutex

	mu             sync.Mutex
	remoteSet      bool
	pending        []webrtc.ICECandidateInit
	restarts       int
	restartPending bool
	failed         bool
	stateChanges   uint64
	stopQuality    context.CancelFunc
}

// NewAdapter wraps pc. stream may be nil for a receive-only call. The
// adapter stops when ctx is done or Close is called.
func NewAdapter(ctx context.Context, pc PeerConnection, stream Stream, cfg Config) *Adapter {
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.RestartBackoff == 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if cfg.RestartTimeout == 0 {
		cfg.RestartTimeout = DefaultRestartTimeout
	}
	if cfg.QualityInterval == 0 {
		cfg.QualityInterval = DefaultQualityInterval
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	a := &Adapter{
		pc:     pc,
		stream: stream,
		cfg:    cfg,
		log:    cfg.LoggerFactory.NewLogger("media"),
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	pc.OnICECandidate(a.onICECandidate)
	pc.OnConnectionStateChange(a.onConnectionStateChange)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if a.cfg.OnRemoteTrack != nil {
			a.cfg.OnRemoteTrack(track)
		}
	})
	return a
}

// Start publishes the local tracks and, for the initiator, sends the first
// offer
func (a *Adapter) Start() error {
	if a.stream != nil {
		for _, track := range a.stream.Tracks() {
			if _, err := a.pc.AddTrack(track); err != nil {
				return fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
		}
	}
	if !a.cfg.Initiator {
		return nil
	}

	a.sigMu.Lock()
	defer a.sigMu.Unlock()
	return a.sendOffer(false)
}

// HandleSignal applies a negotiation message from the peer
func (a *Adapter) HandleSignal(msg models.SignalMessage) error {
	a.sigMu.Lock()
	defer a.sigMu.Unlock()

	if a.ctx.Err() != nil {
		return ErrClosed
	}

	switch msg.Type {
	case models.SignalTypeOffer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &desc); err != nil {
			return fmt.Errorf("decode offer: %w", err)
		}
		return a.answer(desc)
	case models.SignalTypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &desc); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		return a.setRemote(desc)
	case models.SignalTypeCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Data, &candidate); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		return a.addCandidate(candidate)
	default:
		return fmt.Errorf("unexpected negotiation message %s", msg.Type)
	}
}

// SetAudioEnabled toggles the local audio track
func (a *Adapter) SetAudioEnabled(enabled bool) error {
	if a.stream != nil {
		a.stream.SetAudioEnabled(enabled)
	}
	return nil
}

// SetVideoEnabled toggles the local video track
func (a *Adapter) SetVideoEnabled(enabled bool) error {
	if a.stream != nil {
		a.stream.SetVideoEnabled(enabled)
	}
	return nil
}

// Restarts returns the ICE restarts made in the current failure episode
func (a *Adapter) Restarts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restarts
}

// Close cancels pending restarts and sampling and closes the peer connection
func (a *Adapter) Close() error {
	a.cancel()
	return a.pc.Close()
}

// sendOffer must be called with sigMu held
func (a *Adapter) sendOffer(iceRestart bool) error {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := a.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := a.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return a.cfg.Send(models.SignalTypeOffer, offer)
}

// answer must be called with sigMu held
func (a *Adapter) answer(offer webrtc.SessionDescription) error {
	if err := a.setRemote(offer); err != nil {
		return err
	}
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return a.cfg.Send(models.SignalTypeAnswer, answer)
}

// setRemote applies desc and flushes queued candidates in arrival order.
// It must be called with sigMu held.
func (a *Adapter) setRemote(desc webrtc.SessionDescription) error {
	if err := a.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	a.mu.Lock()
	a.remoteSet = true
	queued := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(queued) > 0 {
		a.log.Debugf("applying %d queued candidates", len(queued))
	}
	for _, candidate := range queued {
		if err := a.pc.AddICECandidate(candidate); err != nil {
			a.log.Warnf("failed to add queued candidate: %v", err)
		}
	}
	return nil
}

// addCandidate must be called with sigMu held
func (a *Adapter) addCandidate(candidate webrtc.ICECandidateInit) error {
	a.mu.Lock()
	if !a.remoteSet {
		a.pending = append(a.pending, candidate)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (a *Adapter) onICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if c == nil || a.ctx.Err() != nil {
		return
	}
	if err := a.cfg.Send(models.SignalTypeCandidate, c.ToJSON()); err != nil {
		a.log.Warnf("failed to send candidate: %v", err)
	}
}

func (a *Adapter) onConnectionStateChange(state webrtc.PeerConnectionState) {
	if a.ctx.Err() != nil {
		return
	}
	a.log.Infof("connection state %s", state)

	a.mu.Lock()
	a.stateChanges++
	a.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		a.mu.Lock()
		a.restarts = 0
		a.startQualityLocked()
		a.mu.Unlock()
		if a.cfg.OnConnected != nil {
			a.cfg.OnConnected()
		}
	case webrtc.PeerConnectionStateDisconnected:
		a.mu.Lock()
		a.stopQualityLocked()
		a.mu.Unlock()
	case webrtc.PeerConnectionStateFailed:
		a.mu.Lock()
		a.stopQualityLocked()
		a.mu.Unlock()
		a.handleFailure()
	}
}

// handleFailure schedules the next ICE restart, or gives up once
// MaxRestarts restarts have not brought the transport back
func (a *Adapter) handleFailure() {
	a.mu.Lock()
	if a.failed || a.restartPending || a.ctx.Err() != nil {
		a.mu.Unlock()
		return
	}
	if a.restarts >= a.cfg.MaxRestarts {
		a.failed = true
		a.mu.Unlock()
		a.log.Warnf("transport failed after %d ICE restarts", a.cfg.MaxRestarts)
		if a.cfg.OnFailed != nil {
			a.cfg.OnFailed(ErrRestartsExhausted)
		}
		return
	}
	a.restarts++
	attempt := a.restarts
	a.restartPending = true
	a.mu.Unlock()

	delay := time.Duration(attempt) * a.cfg.RestartBackoff
	a.log.Infof("ICE restart %d/%d in %s", attempt, a.cfg.MaxRestarts, delay)

	wait := a.cfg.After(delay)
	go func() {
		select {
		case <-a.ctx.Done():
			return
		case <-wait:
		}
		a.restartICE(attempt)
	}()
}

func (a *Adapter) restartICE(attempt int) {
	a.mu.Lock()
	a.restartPending = false
	seen := a.stateChanges
	a.mu.Unlock()

	if a.ctx.Err() != nil {
		return
	}
	// The answerer recovers when the initiator's restart offer arrives.
	if a.cfg.Initiator {
		a.sigMu.Lock()
		err := a.sendOffer(true)
		a.sigMu.Unlock()
		if err != nil {
			a.log.Warnf("ICE restart %d failed: %v", attempt, err)
			a.handleFailure()
			return
		}
	}
	a.watchRestart(attempt, seen)
}

// watchRestart counts attempt as failed when the connection state has not
// moved within RestartTimeout, e.g. because the restart offer never arrived.
func (a *Adapter) watchRestart(attempt int, seen uint64) {
	wait := a.cfg.After(a.cfg.RestartTimeout)
	go func() {
		select {
		case <-a.ctx.Done():
			return
		case <-wait:
		}

		a.mu.Lock()
		stalled := a.stateChanges == seen && a.restarts == attempt
		a.mu.Unlock()
		if !stalled {
			return
		}
		a.log.Warnf("ICE restart %d stalled for %s", attempt, a.cfg.RestartTimeout)
		a.handleFailure()
	}()
}

func (a *Adapter) startQualityLocked() {
	if a.stopQuality != nil {
		return
	}
	ctx, cancel := context.WithCancel(a.ctx)
	a.stopQuality = cancel
	go a.sampleQuality(ctx)
}

func (a *Adapter) stopQualityLocked() {
	if a.stopQuality != nil {
		a.stopQuality()
		a.stopQuality = nil
	}
}

func (a *Adapter) sampleQuality(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.QualityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := SampleQuality(a.pc.GetStats())
			a.log.Tracef("quality %s (rtt %s, loss %.3f)", sample.Level, sample.RTT, sample.LossRatio)
			if a.cfg.OnQuality != nil {
				a.cfg.OnQuality(sample)
			}
		}
	}
}
