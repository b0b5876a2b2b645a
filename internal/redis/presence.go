package redis

import (
	"context"
	"strings"
	"time"

	"github.com/mossy-p/telecall-signaling/internal/models"
	"github.com/pion/logging"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultPresenceTTL bounds how long a mirrored key outlives a crashed hub
	DefaultPresenceTTL = 2 * time.Hour

	mirrorQueueSize    = 1024
	mirrorWriteTimeout = 2 * time.Second
)

type mirrorOp func(ctx context.Context, pipe redis.Pipeliner)

// PresenceMirror copies hub presence and room state into Redis so other
// platform services can see who is online and in a call. It implements
// hub.Observer; writes are queued and applied by Run so the hub never waits
// on Redis.
type PresenceMirror struct {
	rdb   redis.Cmdable
	ttl   time.Duration
	ops   chan mirrorOp
	log   logging.LeveledLogger
	nowFn func() time.Time
}

// NewPresenceMirror creates a mirror writing to rdb. A zero ttl selects
// DefaultPresenceTTL.
func NewPresenceMirror(rdb redis.Cmdable, ttl time.Duration, loggerFactory logging.LoggerFactory) *PresenceMirror {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &PresenceMirror{
		rdb:   rdb,
		ttl:   ttl,
		ops:   make(chan mirrorOp, mirrorQueueSize),
		log:   loggerFactory.NewLogger("presence"),
		nowFn: time.Now,
	}
}

// Run applies queued writes until ctx is done
func (m *PresenceMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-m.ops:
			m.apply(ctx, op)
		}
	}
}

func (m *PresenceMirror) apply(ctx context.Context, op mirrorOp) {
	ctx, cancel := context.WithTimeout(ctx, mirrorWriteTimeout)
	defer cancel()

	if _, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		op(ctx, pipe)
		return nil
	}); err != nil {
		m.log.Warnf("presence write failed: %v", err)
	}
}

func (m *PresenceMirror) enqueue(op mirrorOp) bool {
	select {
	case m.ops <- op:
		return true
	default:
		m.log.Warn("presence queue full, dropping update")
		return false
	}
}

// ConnectionRegistered implements hub.Observer
func (m *PresenceMirror) ConnectionRegistered(p models.Profile) {
	fields := presenceFields(p, m.nowFn())
	m.enqueue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.SAdd(ctx, onlineSetKey, p.UserID)
		pipe.HSet(ctx, presenceUserKey(p.UserID), fields)
		pipe.Expire(ctx, presenceUserKey(p.UserID), m.ttl)
	})
}

// ConnectionRemoved implements hub.Observer
func (m *PresenceMirror) ConnectionRemoved(userID string) {
	m.enqueue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.SRem(ctx, onlineSetKey, userID)
		pipe.Del(ctx, presenceUserKey(userID))
	})
}

// RoomCreated implements hub.Observer
func (m *PresenceMirror) RoomCreated(r models.RoomInfo) {
	fields := roomFields(r)
	m.enqueue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HSet(ctx, roomKey(r.ID), fields)
		pipe.Expire(ctx, roomKey(r.ID), m.ttl)
		for _, userID := range r.Participants {
			pipe.HSet(ctx, presenceUserKey(userID), "roomId", r.ID)
		}
	})
}

// RoomDestroyed implements hub.Observer
func (m *PresenceMirror) RoomDestroyed(r models.RoomInfo) {
	m.enqueue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, roomKey(r.ID))
		for _, userID := range r.Participants {
			pipe.HDel(ctx, presenceUserKey(userID), "roomId")
		}
	})
}

func presenceFields(p models.Profile, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"name":        p.Name,
		"role":        string(p.Role),
		"connectedAt": now.UTC().Format(time.RFC3339),
	}
}

func roomFields(r models.RoomInfo) map[string]interface{} {
	return map[string]interface{}{
		"participants": strings.Join(r.Participants[:], ","),
		"createdAt":    r.CreatedAt.UTC().Format(time.RFC3339),
	}
}
