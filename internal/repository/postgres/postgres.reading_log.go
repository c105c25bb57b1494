// FilePath: server/ingest/internal/repository/postgres/postgres.reading_log.go
package postgres

import (
	"context"

	"github.com/itsatony/vermihub/server/ingest/internal/database"
	"github.com/itsatony/vermihub/server/ingest/internal/models"
)

type ReadingLogRepo struct {
	PostgresBaseRepo
}

func NewReadingLogRepository(db database.DB) *ReadingLogRepo {
	return &ReadingLogRepo{PostgresBaseRepo: newBaseRepo(db, tableReadingLog)}
}

func (r *ReadingLogRepo) Insert(ctx context.Context, record *models.LogRecord) error {
	query := `
		INSERT INTO reading_log (log_severity, event_message, created_at)
		VALUES ($1, $2, $3)
		RETURNING id`

	id, err := r.insertResynced(ctx, query, record.Severity, record.Message, record.CreatedAt)
	if err != nil {
		return err
	}
	record.ID = id
	return nil
}
