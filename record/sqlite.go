package record

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore records rows into a SQLite database.  Every store is a run,
// identified by a random id, so one database can hold many scans.
type SQLiteStore struct {
	db    *sql.DB
	RunID uuid.UUID
}

// OpenSQLite opens or creates the database at path and starts a new run
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS measurements (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id            TEXT NOT NULL,
			recorded_at       TIMESTAMP NOT NULL,
			density_mean      DOUBLE,
			density_std       DOUBLE,
			temperature_mean  DOUBLE,
			temperature_std   DOUBLE,
			tag               TEXT
		);
		CREATE INDEX IF NOT EXISTS measurements_run ON measurements(run_id);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, RunID: uuid.New()}, nil
}

// Record inserts a row into the current run
func (s *SQLiteStore) Record(ctx context.Context, r Row) error {
	if err := r.validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO measurements
			(run_id, recorded_at, density_mean, density_std, temperature_mean, temperature_std, tag)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.RunID.String(), time.Now().UTC(), r.DensityMean, r.DensityStd, r.TemperatureMean, r.TemperatureStd, r.Tag)
	return err
}

// Rows returns the rows of a run in the order they were recorded
func (s *SQLiteStore) Rows(ctx context.Context, runID uuid.UUID) ([]Row, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT density_mean, density_std, temperature_mean, temperature_std, tag
		FROM measurements WHERE run_id = ? ORDER BY id`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	var out []Row
	for rs.Next() {
		var r Row
		if err := rs.Scan(&r.DensityMean, &r.DensityStd, &r.TemperatureMean, &r.TemperatureStd, &r.Tag); err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, rs.Err()
}

// Runs lists the run ids in the database, oldest first
func (s *SQLiteStore) Runs(ctx context.Context) ([]uuid.UUID, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM measurements GROUP BY run_id ORDER BY MIN(id)`)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	var out []uuid.UUID
	for rs.Next() {
		var str string
		if err := rs.Scan(&str); err != nil {
			return out, err
		}
		id, err := uuid.Parse(str)
		if err != nil {
			return out, err
		}
		out = append(out, id)
	}
	return out, rs.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
