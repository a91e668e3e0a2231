package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	RedisRoomsHost string `env:"REDIS_ROOMS_HOST" envDefault:"localhost"`
	RedisRoomsPort uint16 `env:"REDIS_ROOMS_PORT" envDefault:"6379"   validate:"min=1000,max=65535"`

	PostgresHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"     envDefault:"classroom_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"classroom_password"`
	PostgresDb       string `env:"POSTGRES_DB"       envDefault:"classroom_db"`

	// Hard wall-clock limit for one code execution; the compile step and
	// the run step each get the full budget.
	ExecTimeoutSeconds uint `env:"EXEC_TIMEOUT_SECONDS" envDefault:"10" validate:"min=1,max=120"`

	// A room with no save/edit activity for this long gets its hot Redis
	// state flushed back to Postgres and evicted.
	RoomIdleMinutes uint `env:"ROOM_IDLE_MINUTES" envDefault:"120" validate:"min=1"`

	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"8086" validate:"min=1000,max=65535"`
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}

	cfg := &Config{}
	// Parse config from environment variables
	if err = env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	// Validate the config
	validate := validator.New()
	err = validate.Struct(cfg)
	if err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
