// FilePath: server/ingest/internal/repository/postgres/postgres.worm_activity.go
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/itsatony/vermihub/server/ingest/internal/database"
	"github.com/itsatony/vermihub/server/ingest/internal/errors"
	"github.com/itsatony/vermihub/server/ingest/internal/models"
)

type WormActivityRepo struct {
	PostgresBaseRepo
}

func NewWormActivityRepository(db database.DB) *WormActivityRepo {
	return &WormActivityRepo{PostgresBaseRepo: newBaseRepo(db, tableWormActivity)}
}

func (r *WormActivityRepo) Insert(ctx context.Context, activity *models.WormActivity) error {
	query := `
		INSERT INTO worm_activity (
			worm_schedule_id, avg_temp, min_temp, max_temp, thermal_spread,
			activity_level, hotspot, zones, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	id, err := r.insertResynced(ctx, query,
		activity.CycleID, activity.AvgTemp, activity.MinTemp, activity.MaxTemp, activity.ThermalSpread,
		activity.ActivityLevel, activity.Hotspot, activity.Zones, activity.CreatedAt,
	)
	if err != nil {
		return err
	}
	activity.ID = id
	return nil
}

func (r *WormActivityRepo) LatestCreatedAt(ctx context.Context) (time.Time, error) {
	var createdAt time.Time
	query := `
		SELECT created_at
		FROM worm_activity
		ORDER BY created_at DESC
		LIMIT 1`

	err := r.db.GetDB().GetContext(ctx, &createdAt, query)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, errors.NewDatabaseError("failed to get latest worm activity", err)
	}
	return createdAt, nil
}
