package main

import (
	"coderoomgo/internal/config"
	"coderoomgo/internal/database/db_client"
	"coderoomgo/internal/executor"
	"coderoomgo/internal/http/http_server"
	"coderoomgo/internal/redis/redis_client"
	"coderoomgo/internal/redis/watcher/roomwatcher"
	"coderoomgo/internal/services/session"
	"coderoomgo/internal/syncdb"
	"coderoomgo/internal/syncexec"
	"coderoomgo/internal/ws"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	Log, _ = zap.NewDevelopment()
)

func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	var err error
	var cfg *config.Config
	var redisClient *redis.Client
	var sessionService session.ISessionService

	// 1. Load configuration
	cfg, err = config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Redis
	redisClient, err = redis_client.NewRedisClient(cfg.RedisRoomsHost, int(cfg.RedisRoomsPort))
	if err != nil {
		Log.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()
	Log.Debug("Redis client created successfully")

	// 4. Postgres db client
	pgDb, err := db_client.Open(cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDb)
	if err != nil {
		Log.Fatal("pg-open", zap.Error(err))
	}
	defer pgDb.Close()

	// 5. Execution sandbox + session service
	runner := executor.New(time.Duration(cfg.ExecTimeoutSeconds) * time.Second)
	sessionService = session.NewSessionService(
		redisClient, pgDb, runner,
		time.Duration(cfg.RoomIdleMinutes)*time.Minute,
	)

	// 6. Background: idle-timer watcher ➜ flush hot buffers to DB
	go roomwatcher.Run(ctx, redisClient, sessionService)

	// 7. Background: 10 s code-buffer synchroniser + execution audit tail
	syncdb.Run(ctx, redisClient, pgDb)
	syncexec.Run(ctx, redisClient, pgDb)

	// 8. Room registry + WS server (Redis fan-out per room)
	registry := ws.NewRegistry(sessionService)
	wsSrv := ws.NewWsServer(registry, redisClient, sessionService)

	// 9. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv, sessionService)
	if err := httpServer.Start(); err != nil {
		Log.Fatal("Failed to start HTTP server", zap.Error(err))
	}
}
