// FilePath: server/ingest/internal/repository/repository.go
package repository

import (
	"context"
	"time"

	"github.com/itsatony/vermihub/server/ingest/internal/models"
)

// SensorReadingRepository persists layer samples
type SensorReadingRepository interface {
	Insert(ctx context.Context, reading *models.SensorReading) error
	// LatestCreatedAt returns the zero time when the layer has no rows yet.
	LatestCreatedAt(ctx context.Context, layer models.Layer) (time.Time, error)
}

// WormActivityRepository persists thermal worm-activity samples
type WormActivityRepository interface {
	Insert(ctx context.Context, activity *models.WormActivity) error
	LatestCreatedAt(ctx context.Context) (time.Time, error)
}

// ReadingLogRepository persists device log lines
type ReadingLogRepository interface {
	Insert(ctx context.Context, record *models.LogRecord) error
}

// StateMirror publishes the live system state for out-of-process readers
type StateMirror interface {
	Publish(ctx context.Context, snapshot models.SystemSnapshot) error
}
