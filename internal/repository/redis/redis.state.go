// FilePath: server/ingest/internal/repository/redis/redis.state.go
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/itsatony/vermihub/server/ingest/internal/config"
	"github.com/itsatony/vermihub/server/ingest/internal/errors"
	"github.com/itsatony/vermihub/server/ingest/internal/models"
	goredis "github.com/redis/go-redis/v9"
	nuts "github.com/vaudience/go-nuts"
)

// StateMirror keeps the live system state in a Redis hash for the web API.
type StateMirror struct {
	client *goredis.Client
	key    string
}

func NewStateMirror(cfg config.RedisConfig) *StateMirror {
	client := goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	nuts.L.Infof("[StateMirror] Mirroring state to redis %s:%d key %s", cfg.Host, cfg.Port, cfg.StateKey)
	return &StateMirror{client: client, key: cfg.StateKey}
}

// NewStateMirrorWithClient is used when the caller owns the client.
func NewStateMirrorWithClient(client *goredis.Client, key string) *StateMirror {
	return &StateMirror{client: client, key: key}
}

func (m *StateMirror) Publish(ctx context.Context, snapshot models.SystemSnapshot) error {
	if err := m.client.HSet(ctx, m.key, snapshotFields(snapshot)).Err(); err != nil {
		return errors.NewDatabaseError("failed to mirror system state", err)
	}
	return nil
}

func (m *StateMirror) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return errors.NewDatabaseError("failed to ping redis", err)
	}
	return nil
}

func (m *StateMirror) Close() error {
	return m.client.Close()
}

func snapshotFields(s models.SystemSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"mode":       string(s.Mode),
		"cycle_id":   strconv.FormatInt(s.CycleID, 10),
		"connected":  strconv.FormatBool(s.Connected),
		"updated_at": s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
