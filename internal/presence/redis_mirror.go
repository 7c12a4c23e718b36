package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-realtime/internal/models"
)

// RedisMirror keeps a last-seen snapshot per user so presence survives a restart
// for display purposes. It is a listener only; the Registry stays the source of
// truth for "is online".
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

type snapshotDoc struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"last_seen"`
}

func NewRedisMirror(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (m *RedisMirror) key(userID string) string {
	return fmt.Sprintf("%s:presence:%s", m.prefix, userID)
}

// PresenceChanged implements StatusListener.
func (m *RedisMirror) PresenceChanged(ctx context.Context, userID string, online bool) {
	body, err := json.Marshal(snapshotDoc{Online: online, LastSeen: time.Now().Unix()})
	if err != nil {
		return
	}
	// online entries expire so a crashed instance cannot pin users online forever
	ttl := time.Duration(0)
	if online {
		ttl = m.ttl
	}
	if err := m.client.Set(ctx, m.key(userID), body, ttl).Err(); err != nil {
		m.logger.Warn("presence mirror write failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Snapshot reads the mirrored state; unknown users are reported offline.
func (m *RedisMirror) Snapshot(ctx context.Context, userID string) (models.PresenceSnapshot, error) {
	snap := models.PresenceSnapshot{UserID: userID}
	raw, err := m.client.Get(ctx, m.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return snap, err
	}
	seen := time.Unix(doc.LastSeen, 0).UTC()
	snap.Online = doc.Online
	snap.LastSeen = &seen
	return snap, nil
}
