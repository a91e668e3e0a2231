package syncexec

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const stream = "exec_stream"

// Run tails the Redis stream and persists every code execution into the
// audit table.
func Run(ctx context.Context, rdc *redis.Client, db *sql.DB) {
	go func() {
		lastID := "0-0"
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			// block up to 2 s for new entries
			res, err := rdc.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   100,
				Block:   2000 * time.Millisecond,
			}).Result()
			if err != nil && err != redis.Nil {
				zap.L().Warn("syncexec.xread", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			if len(res) == 0 {
				continue
			}
			entries := res[0].Messages
			if err := persist(ctx, db, entries); err != nil {
				zap.L().Warn("syncexec.persist", zap.Error(err))
			}
			lastID = entries[len(entries)-1].ID
		}
	}()
}

func persist(ctx context.Context, db *sql.DB, msgs []redis.XMessage) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	const ins = `INSERT INTO executions (session_id, language, timed_out, output, ran_at)
	             VALUES ($1, $2, $3, $4, to_timestamp($5))
	             ON CONFLICT DO NOTHING`
	for _, m := range msgs {
		sid, _ := m.Values["sid"].(string)
		lang, _ := m.Values["lang"].(string)
		out, _ := m.Values["out"].(string)
		timedOutRaw, _ := m.Values["timed_out"].(string)
		at, _ := m.Values["at"].(string)

		timedOut, _ := strconv.ParseBool(timedOutRaw)
		ts, _ := strconv.ParseInt(at, 10, 64)
		if _, err := tx.ExecContext(ctx, ins, sid, lang, timedOut, out, ts); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
