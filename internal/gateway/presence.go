package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"messenger/internal/models"
	"messenger/internal/presence"
	"messenger/internal/pubsub"
)

const (
	onlineKey = "presence:online"
	connsKey  = "presence:conns"
)

// PresenceRegistry keeps the cross-process set of online users in redis and
// emits join/leave events on the presence topic. A user with several open
// connections joins once and leaves when the last connection drops.
type PresenceRegistry struct {
	rdb    *redis.Client
	broker pubsub.Broker
	log    *slog.Logger
}

func NewPresenceRegistry(rdb *redis.Client, broker pubsub.Broker, log *slog.Logger) *PresenceRegistry {
	return &PresenceRegistry{rdb: rdb, broker: broker, log: log}
}

func (p *PresenceRegistry) Connected(ctx context.Context, userID string) {
	n, err := p.rdb.HIncrBy(ctx, connsKey, userID, 1).Result()
	if err != nil {
		p.log.Warn("presence: recording connection", "user", userID, "err", err)
		return
	}
	if n == 1 {
		if err := p.rdb.SAdd(ctx, onlineKey, userID).Err(); err != nil {
			p.log.Warn("presence: adding to online set", "user", userID, "err", err)
		}
		p.emit(ctx, presence.EventMemberJoined, userID)
	}
}

func (p *PresenceRegistry) Disconnected(ctx context.Context, userID string) {
	n, err := p.rdb.HIncrBy(ctx, connsKey, userID, -1).Result()
	if err != nil {
		p.log.Warn("presence: recording disconnection", "user", userID, "err", err)
		return
	}
	if n <= 0 {
		p.rdb.HDel(ctx, connsKey, userID)
		if err := p.rdb.SRem(ctx, onlineKey, userID).Err(); err != nil {
			p.log.Warn("presence: removing from online set", "user", userID, "err", err)
		}
		p.emit(ctx, presence.EventMemberLeft, userID)
	}
}

func (p *PresenceRegistry) emit(ctx context.Context, event, userID string) {
	payload, _ := json.Marshal(presence.Member{UserID: userID})
	if err := p.broker.Publish(ctx, models.PresenceTopic, event, payload); err != nil {
		p.log.Warn("presence: publishing membership event", "event", event, "user", userID, "err", err)
	}
}

// Snapshot returns the full online set; it is the SnapshotFunc trackers
// initialize from.
func (p *PresenceRegistry) Snapshot(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, onlineKey).Result()
}

// ServeSnapshot exposes the online set over HTTP. Clients load it once
// after watching the presence topic, then keep their tracker current from
// the live membership events.
func (p *PresenceRegistry) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	ids, err := p.Snapshot(r.Context())
	if err != nil {
		p.log.Warn("presence: reading online set", "err", err)
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"online": ids})
}
