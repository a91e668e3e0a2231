package syncdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	activeSet  = "rooms:active"
	hashPrefix = "room:"
)

// Every 10 s, mirror the active rooms' hot code buffers -> Postgres.
// The websocket edit path only touches Redis; this is the asynchronous
// half of code persistence.
func Run(ctx context.Context, rdc *redis.Client, db *sql.DB) {
	tk := time.NewTicker(10 * time.Second)
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				syncOnce(ctx, rdc, db)
			}
		}
	}()
}

func syncOnce(ctx context.Context, rdc *redis.Client, db *sql.DB) {
	keys, err := rdc.SMembers(ctx, activeSet).Result()
	if err != nil || len(keys) == 0 {
		return
	}

	// 1. fetch all hashes in one pipelined round-trip
	pipe := rdc.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}

	if _, err = pipe.Exec(ctx); err != nil {
		zap.L().Error("syncdb.pipeline", zap.Error(err))
		return
	}

	// 2. bulk-update the session rows
	const upd = `
	UPDATE code_sessions
	   SET code       = coalesce(nullif($2,''), code),
	       language   = coalesce(nullif($3,''), language),
	       output     = coalesce(nullif($4,''), output),
	       updated_at = now()
	 WHERE session_id = $1`

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		zap.L().Error("syncdb.tx_begin", zap.Error(err))
		return
	}
	defer tx.Rollback()

	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue // key disappeared between SMEMBERS and HGETALL
		}
		id := keys[i][len(hashPrefix):] // strip "room:"
		if _, err := tx.ExecContext(ctx, upd,
			id, data["code"], data["lang"], data["out"]); err != nil {
			zap.L().Error("syncdb.update", zap.String("id", id), zap.Error(err))
		}
	}

	err = tx.Commit()
	if err != nil {
		zap.L().Debug("syncdb_error", zap.Error(err))
	}
}
