package runlock

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/attribution/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("runlock",
	fx.Provide(NewLocker),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// NewLocker picks the redis lock when REDIS_ADDR is set and the process lock
// otherwise.
func NewLocker(p Params) Locker {
	log := p.Log.Named("runlock")
	addr := strings.TrimSpace(p.Config.RedisAddr)
	if addr == "" {
		log.Info("using in-process run lock")
		return NewLocalLocker()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: p.Config.RedisPassword,
		DB:       p.Config.RedisDB,
	})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(ctx context.Context) error {
			_ = ctx
			return client.Close()
		},
	})
	log.Info("using redis run lock", zap.String("addr", addr))
	return NewRedisLocker(client)
}
