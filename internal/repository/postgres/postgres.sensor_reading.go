// FilePath: server/ingest/internal/repository/postgres/postgres.sensor_reading.go
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/itsatony/vermihub/server/ingest/internal/database"
	"github.com/itsatony/vermihub/server/ingest/internal/errors"
	"github.com/itsatony/vermihub/server/ingest/internal/models"
)

type SensorReadingRepo struct {
	PostgresBaseRepo
}

func NewSensorReadingRepository(db database.DB) *SensorReadingRepo {
	return &SensorReadingRepo{PostgresBaseRepo: newBaseRepo(db, tableSensorReadings)}
}

func (r *SensorReadingRepo) Insert(ctx context.Context, reading *models.SensorReading) error {
	query := `
		INSERT INTO sensor_readings (layer, readings, cycle_id, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	id, err := r.insertResynced(ctx, query, reading.Layer, reading.Readings, reading.CycleID, reading.CreatedAt)
	if err != nil {
		return err
	}
	reading.ID = id
	return nil
}

func (r *SensorReadingRepo) LatestCreatedAt(ctx context.Context, layer models.Layer) (time.Time, error) {
	var createdAt time.Time
	query := `
		SELECT created_at
		FROM sensor_readings
		WHERE layer = $1
		ORDER BY created_at DESC
		LIMIT 1`

	err := r.db.GetDB().GetContext(ctx, &createdAt, query, layer)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, errors.NewDatabaseError("failed to get latest sensor reading", err)
	}
	return createdAt, nil
}
