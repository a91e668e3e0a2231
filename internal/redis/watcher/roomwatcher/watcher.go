package roomwatcher

import (
	"coderoomgo/internal/services/session"
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run listens to idle-timer key expiries and flushes the room's hot
// buffer back to Postgres. Run must be started once at service boot.
func Run(ctx context.Context, rdb *redis.Client, svc session.ISessionService) {
	_ = rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err()
	ps := rdb.PSubscribe(ctx, "__keyevent@*__:expired")
	defer ps.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-ps.Channel():
			if !strings.HasPrefix(m.Payload, "room_t:") {
				continue
			}
			id := strings.TrimPrefix(m.Payload, "room_t:")
			if err := svc.FlushRoom(ctx, id); err != nil {
				zap.L().Warn("roomwatcher.flush", zap.String("session_id", id), zap.Error(err))
			}
		}
	}
}
