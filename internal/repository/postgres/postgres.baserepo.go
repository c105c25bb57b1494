// FilePath: server/ingest/internal/repository/postgres/postgres.baserepo.go
package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/itsatony/vermihub/server/ingest/internal/database"
	"github.com/itsatony/vermihub/server/ingest/internal/errors"
)

type table string

const (
	tableSensorReadings table = "sensor_readings"
	tableWormActivity   table = "worm_activity"
	tableReadingLog     table = "reading_log"
)

// PostgresBaseRepo owns one table. Construct exactly one repo per table so
// that its writer lock covers every insert into it.
type PostgresBaseRepo struct {
	db    database.DB
	table table
	mu    *sync.Mutex
}

func newBaseRepo(db database.DB, t table) PostgresBaseRepo {
	return PostgresBaseRepo{db: db, table: t, mu: &sync.Mutex{}}
}

func (r *PostgresBaseRepo) BeginTx(ctx context.Context) (database.Transaction, error) {
	tx, err := r.db.GetDB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.NewDatabaseError("failed to begin transaction", err)
	}
	return tx, nil
}

// resyncSequence moves the table's id sequence up to max(existing id, 1).
// Rows written out of band can leave the sequence behind the highest id.
func (r *PostgresBaseRepo) resyncSequence(ctx context.Context, tx database.Transaction) error {
	query := fmt.Sprintf(
		`SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), GREATEST(COALESCE(MAX(id), 0), 1)) FROM %[1]s`,
		r.table,
	)
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return errors.NewDatabaseError(fmt.Sprintf("failed to resync %s id sequence", r.table), err)
	}
	return nil
}

// insertResynced runs resync and insert as one transaction while holding the
// table's writer lock. The insert query must return the new id.
func (r *PostgresBaseRepo) insertResynced(ctx context.Context, query string, args ...interface{}) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() // Will be ignored if transaction is committed

	if err := r.resyncSequence(ctx, tx); err != nil {
		return 0, err
	}

	var id int64
	if err := tx.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, errors.NewDatabaseError(fmt.Sprintf("failed to insert into %s", r.table), err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.NewDatabaseError("failed to commit transaction", err)
	}
	return id, nil
}

func (r *PostgresBaseRepo) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return errors.NewDatabaseError("failed to ping database", err)
	}
	return nil
}
