package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"coderoomgo/internal/executor"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type SessionDTO struct {
	SessionID        string    `json:"session_id"`
	RoomName         string    `json:"room_name"`
	Creator          string    `json:"creator_username"`
	Code             string    `json:"code"`
	Output           string    `json:"output"`
	Language         string    `json:"language"`
	ParticipantCount int       `json:"participant_count"`
	UpdatedAt        time.Time `json:"updated_at" example:"2025-07-27T16:05:05Z"`
}

const (
	redisRoomKeyPrefix      = "room:"
	redisRoomTimerKeyPrefix = "room_t:"
	redisActiveRoomsSet     = "rooms:active"
	redisExecStream         = "exec_stream"
)

var (
	ErrSessionNotFound = errors.New("session not found")
)

// ICodeRunner is the execution sandbox seen from the service.
type ICodeRunner interface {
	Run(ctx context.Context, code, language string) executor.Result
}

type ISessionService interface {
	CreateSession(ctx context.Context, roomName, creator string) (*SessionDTO, error)
	GetSession(ctx context.Context, id string) (*SessionDTO, error)
	ListSessions(ctx context.Context, limit, offset int) ([]SessionDTO, error)

	SaveCode(ctx context.Context, id, code, language string) error
	TouchCode(ctx context.Context, id, code, language string) error
	Execute(ctx context.Context, id, code, language string) (executor.Result, error)

	IsBanned(ctx context.Context, id, addr string) (bool, error)
	AddBannedAddress(ctx context.Context, id, addr string) error
	IsMuted(ctx context.Context, id, username string) (bool, error)
	AddMutedUser(ctx context.Context, id, username string) error
	RemoveMutedUser(ctx context.Context, id, username string) error

	SetParticipantCount(ctx context.Context, id string, count int) error
	DeleteSession(ctx context.Context, id string) error
	FlushRoom(ctx context.Context, id string) error
}

type sessionService struct {
	rdc     *redis.Client
	db      *sql.DB
	runner  ICodeRunner
	idleTTL time.Duration
}

func NewSessionService(rdc *redis.Client, db *sql.DB, runner ICodeRunner, idleTTL time.Duration) ISessionService {
	return &sessionService{
		rdc:     rdc,
		db:      db,
		runner:  runner,
		idleTTL: idleTTL,
	}
}

func (svc *sessionService) CreateSession(ctx context.Context, roomName, creator string) (*SessionDTO, error) {
	if roomName == "" {
		roomName = "Untitled Room"
	}
	id := uuid.NewString()

	const ins = `
	  INSERT INTO code_sessions (session_id, room_name, creator_username, code,
	                             output, language, participant_count,
	                             banned_ips, muted_users)
	       VALUES ($1, $2, $3, '', '', 'python', 1, '[]', '[]')`
	if _, err := svc.db.ExecContext(ctx, ins, id, roomName, creator); err != nil {
		return nil, err
	}
	zap.L().Info("session.created",
		zap.String("session_id", id),
		zap.String("room_name", roomName),
		zap.String("creator", creator),
	)
	return &SessionDTO{
		SessionID:        id,
		RoomName:         roomName,
		Creator:          creator,
		Language:         "python",
		ParticipantCount: 1,
	}, nil
}

func (svc *sessionService) GetSession(ctx context.Context, id string) (*SessionDTO, error) {
	const q = `SELECT session_id, room_name, creator_username, code, output,
	                  language, participant_count, updated_at
	             FROM code_sessions WHERE session_id = $1`
	dto := &SessionDTO{}
	row := svc.db.QueryRowContext(ctx, q, id)
	if err := row.Scan(&dto.SessionID, &dto.RoomName, &dto.Creator,
		&dto.Code, &dto.Output, &dto.Language,
		&dto.ParticipantCount, &dto.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	// Overlay the hot buffer when the room is live: the Redis hash is
	// fresher than the 10 s Postgres mirror.
	if hot, _ := svc.rdc.HGetAll(ctx, redisRoomKeyPrefix+id).Result(); len(hot) != 0 {
		if v, ok := hot["code"]; ok {
			dto.Code = v
		}
		if v, ok := hot["lang"]; ok {
			dto.Language = v
		}
		if v, ok := hot["out"]; ok {
			dto.Output = v
		}
	}
	return dto, nil
}

func (svc *sessionService) ListSessions(ctx context.Context, limit, offset int) ([]SessionDTO, error) {
	if limit == 0 {
		limit = 10
	}
	const q = `SELECT session_id, room_name, creator_username, code, output,
	                  language, participant_count, updated_at
	             FROM code_sessions
	         ORDER BY updated_at DESC LIMIT $1 OFFSET $2`
	rows, err := svc.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]SessionDTO, 0, limit)
	for rows.Next() {
		var s SessionDTO
		if err := rows.Scan(&s.SessionID, &s.RoomName, &s.Creator,
			&s.Code, &s.Output, &s.Language,
			&s.ParticipantCount, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// SaveCode persists code+language and keeps the hot buffer coherent.
func (svc *sessionService) SaveCode(ctx context.Context, id, code, language string) error {
	const upd = `UPDATE code_sessions
	                SET code = $2, language = $3, updated_at = now()
	              WHERE session_id = $1`
	res, err := svc.db.ExecContext(ctx, upd, id, code, language)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	svc.touchHot(ctx, id, "code", code, "lang", language)
	return nil
}

// TouchCode is the edit hot path: only the Redis hash is written here,
// the syncdb mirror carries it to Postgres.
func (svc *sessionService) TouchCode(ctx context.Context, id, code, language string) error {
	fieldVals := []any{"code", code}
	if language != "" {
		fieldVals = append(fieldVals, "lang", language)
	}
	svc.touchHot(ctx, id, fieldVals...)
	return nil
}

func (svc *sessionService) touchHot(ctx context.Context, id string, fieldVals ...any) {
	key := redisRoomKeyPrefix + id
	pipe := svc.rdc.Pipeline()
	pipe.HSet(ctx, key, fieldVals...)
	pipe.SAdd(ctx, redisActiveRoomsSet, key)
	pipe.Set(ctx, redisRoomTimerKeyPrefix+id, 1, svc.idleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Warn("session.touch_hot", zap.String("session_id", id), zap.Error(err))
	}
}

// Execute saves the submission, runs it in the sandbox, persists the
// output and appends an audit entry to the execution stream. The
// sandbox call blocks up to its timeout; no room lock is held here.
func (svc *sessionService) Execute(ctx context.Context, id, code, language string) (executor.Result, error) {
	if err := svc.SaveCode(ctx, id, code, language); err != nil {
		return executor.Result{}, err
	}

	res := svc.runner.Run(ctx, code, language)

	const upd = `UPDATE code_sessions SET output = $2, updated_at = now()
	              WHERE session_id = $1`
	if _, err := svc.db.ExecContext(ctx, upd, id, res.Output); err != nil {
		zap.L().Error("session.save_output", zap.String("session_id", id), zap.Error(err))
	}
	svc.touchHot(ctx, id, "out", res.Output)

	if err := svc.rdc.XAdd(ctx, &redis.XAddArgs{
		Stream: redisExecStream,
		Values: []any{
			"sid", id,
			"lang", language,
			"out", res.Output,
			"timed_out", strconv.FormatBool(res.TimedOut),
			"at", strconv.FormatInt(time.Now().Unix(), 10),
		},
	}).Err(); err != nil {
		zap.L().Warn("session.exec_stream", zap.String("session_id", id), zap.Error(err))
	}
	return res, nil
}

func (svc *sessionService) IsBanned(ctx context.Context, id, addr string) (bool, error) {
	list, err := svc.readSet(ctx, id, "banned_ips")
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	return slices.Contains(list, addr), nil
}

func (svc *sessionService) AddBannedAddress(ctx context.Context, id, addr string) error {
	return svc.mutateSet(ctx, id, "banned_ips", func(list []string) []string {
		if slices.Contains(list, addr) {
			return list
		}
		return append(list, addr)
	})
}

func (svc *sessionService) IsMuted(ctx context.Context, id, username string) (bool, error) {
	list, err := svc.readSet(ctx, id, "muted_users")
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	return slices.Contains(list, username), nil
}

func (svc *sessionService) AddMutedUser(ctx context.Context, id, username string) error {
	return svc.mutateSet(ctx, id, "muted_users", func(list []string) []string {
		if slices.Contains(list, username) {
			return list
		}
		return append(list, username)
	})
}

// RemoveMutedUser is a no-op when the user is not muted.
func (svc *sessionService) RemoveMutedUser(ctx context.Context, id, username string) error {
	return svc.mutateSet(ctx, id, "muted_users", func(list []string) []string {
		return slices.DeleteFunc(list, func(s string) bool { return s == username })
	})
}

func (svc *sessionService) readSet(ctx context.Context, id, column string) ([]string, error) {
	// column is one of two fixed names, never caller input
	q := fmt.Sprintf(`SELECT %s FROM code_sessions WHERE session_id = $1`, column)
	var raw []byte
	if err := svc.db.QueryRowContext(ctx, q, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", column, err)
	}
	return list, nil
}

// mutateSet serializes concurrent moderation writes to one record via a
// row lock, so two racing mutes cannot clobber each other.
func (svc *sessionService) mutateSet(ctx context.Context, id, column string, fn func([]string) []string) error {
	tx, err := svc.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`SELECT %s FROM code_sessions WHERE session_id = $1 FOR UPDATE`, column)
	var raw []byte
	if err := tx.QueryRowContext(ctx, q, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil // session gone: moderation on a dead room is a no-op
		}
		return err
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("decode %s: %w", column, err)
	}

	next, err := json.Marshal(fn(list))
	if err != nil {
		return err
	}
	upd := fmt.Sprintf(`UPDATE code_sessions SET %s = $2, updated_at = now()
	                     WHERE session_id = $1`, column)
	if _, err := tx.ExecContext(ctx, upd, id, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (svc *sessionService) SetParticipantCount(ctx context.Context, id string, count int) error {
	const upd = `UPDATE code_sessions SET participant_count = $2
	              WHERE session_id = $1`
	res, err := svc.db.ExecContext(ctx, upd, id, count)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		zap.L().Debug("session.count_for_missing_session", zap.String("session_id", id))
	}
	return nil
}

func (svc *sessionService) DeleteSession(ctx context.Context, id string) error {
	if _, err := svc.db.ExecContext(ctx,
		`DELETE FROM code_sessions WHERE session_id = $1`, id); err != nil {
		return err
	}
	svc.dropHot(ctx, id)
	zap.L().Info("session.deleted", zap.String("session_id", id))
	return nil
}

// FlushRoom mirrors the hot buffer back to Postgres and evicts it.
// Called by the idle-timer watcher; idempotent.
func (svc *sessionService) FlushRoom(ctx context.Context, id string) error {
	hot, err := svc.rdc.HGetAll(ctx, redisRoomKeyPrefix+id).Result()
	if err != nil {
		return err
	}
	if len(hot) != 0 {
		const upd = `UPDATE code_sessions
		                SET code     = coalesce(nullif($2,''), code),
		                    language = coalesce(nullif($3,''), language),
		                    output   = coalesce(nullif($4,''), output),
		                    updated_at = now()
		              WHERE session_id = $1`
		if _, err := svc.db.ExecContext(ctx, upd, id,
			hot["code"], hot["lang"], hot["out"]); err != nil {
			return err
		}
	}
	svc.dropHot(ctx, id)
	zap.L().Info("session.flushed", zap.String("session_id", id))
	return nil
}

func (svc *sessionService) dropHot(ctx context.Context, id string) {
	key := redisRoomKeyPrefix + id
	pipe := svc.rdc.Pipeline()
	pipe.Del(ctx, key)
	pipe.Del(ctx, redisRoomTimerKeyPrefix+id)
	pipe.SRem(ctx, redisActiveRoomsSet, key)
	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Warn("session.drop_hot", zap.String("session_id", id), zap.Error(err))
	}
}
