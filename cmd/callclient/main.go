// Command callclient is a headless participant: it connects to the hub,
// places or answers one call and negotiates media with pion.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/telecall-signaling/config"
	"github.com/mossy-p/telecall-signaling/internal/call"
	"github.com/mossy-p/telecall-signaling/internal/media"
	"github.com/mossy-p/telecall-signaling/internal/signaling"
	"github.com/pion/logging"
)

func main() {
	cfg := config.LoadClient()
	if cfg.UserID == "" && cfg.AuthToken == "" {
		log.Fatal("USER_ID or AUTH_TOKEN is required")
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	logger := loggerFactory.NewLogger("callclient")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	client, err := signaling.Dial(dialCtx, signaling.Config{
		URL:               cfg.HubURL,
		UserID:            cfg.UserID,
		Token:             cfg.AuthToken,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LoggerFactory:     loggerFactory,
	})
	cancelDial()
	if err != nil {
		log.Fatalf("Failed to connect to hub: %v", err)
	}
	defer client.Close()

	profile := client.Profile()
	logger.Infof("connected as %s (%s, %s)", profile.UserID, profile.Name, profile.Role)

	obs := &consoleObserver{log: logger, autoAccept: cfg.AutoAccept, ctx: ctx}
	ctrl := call.NewController(call.ControllerConfig{
		Signaler:      client,
		Negotiate:     negotiator(cfg, media.NullSource{}, media.NewDrainSink(loggerFactory), loggerFactory),
		Observer:      obs,
		RingTimeout:   cfg.RingTimeout,
		LoggerFactory: loggerFactory,
	})
	obs.ctrl = ctrl

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(runCtx)
	}()

	go func() {
		for msg := range client.Events() {
			ctrl.HandleSignal(msg)
		}
		logger.Warnf("hub channel closed: %v", client.Err())
		cancelRun()
	}()

	if cfg.CallPeer != "" {
		if err := ctrl.Dial(ctx, cfg.CallPeer); err != nil {
			logger.Errorf("dial %s: %v", cfg.CallPeer, err)
		}
	}

	<-runCtx.Done()
	<-done
}

// negotiator builds a pion peer connection and media adapter per call
func negotiator(cfg *config.ClientConfig, source media.Source, sink media.Sink, loggerFactory logging.LoggerFactory) call.NegotiateFunc {
	return func(ctx context.Context, p call.NegotiationParams) (call.Negotiation, error) {
		pc, err := media.NewPeerConnection(media.PeerConfig{
			STUNURLs:      cfg.STUNURLs,
			LoggerFactory: loggerFactory,
		})
		if err != nil {
			return nil, err
		}
		stream, err := source.Acquire(ctx)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}

		adapter := media.NewAdapter(ctx, pc, stream, media.Config{
			Initiator:       p.Initiator,
			MaxRestarts:     cfg.MaxICERestarts,
			RestartBackoff:  cfg.ICERestartBackoff,
			RestartTimeout:  cfg.ICERestartTimeout,
			QualityInterval: cfg.QualityInterval,
			Send:            p.Send,
			OnConnected:     p.OnConnected,
			OnFailed:        p.OnFailed,
			OnQuality:       func(s media.QualitySample) { p.OnQuality(string(s.Level)) },
			OnRemoteTrack:   sink.Attach,
			LoggerFactory:   loggerFactory,
		})
		if err := adapter.Start(); err != nil {
			_ = adapter.Close()
			_ = stream.Close()
			return nil, err
		}
		return &negotiation{Adapter: adapter, stream: stream}, nil
	}
}

type negotiation struct {
	*media.Adapter
	stream media.Stream
}

func (n *negotiation) Close() error {
	err := n.Adapter.Close()
	_ = n.stream.Close()
	return err
}

type consoleObserver struct {
	log        logging.LeveledLogger
	autoAccept bool
	ctx        context.Context
	ctrl       *call.Controller
}

func (o *consoleObserver) StateChanged(s call.Session) {
	switch s.State {
	case call.StateRingingIncoming:
		o.log.Infof("incoming call from %s", s.PeerID)
		if o.autoAccept {
			// Observer calls run on the controller goroutine
			go func() {
				if err := o.ctrl.Accept(o.ctx); err != nil {
					o.log.Warnf("accept: %v", err)
				}
			}()
		}
	case call.StateConnected:
		o.log.Infof("connected to %s in room %s", s.PeerID, s.RoomID)
	case call.StateEnded:
		o.log.Infof("call with %s ended after %ds", s.PeerID, s.DurationSeconds())
	case call.StateFailed:
		o.log.Warnf("call with %s failed: %s", s.PeerID, s.LastError)
	default:
		o.log.Debugf("call state %s", s.State)
	}
}

func (o *consoleObserver) RingTick(s call.Session, elapsed time.Duration) {
	o.log.Debugf("ringing %s for %s", s.PeerID, elapsed.Round(time.Second))
}

func (o *consoleObserver) QualityChanged(s call.Session, level string) {
	o.log.Debugf("quality with %s: %s", s.PeerID, level)
}
