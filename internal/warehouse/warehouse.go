// Package warehouse loads gold canonical tables into Postgres with COPY.
// It is optional: builds only use it when a database URL is configured.
package warehouse

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
)

// Table is the warehouse table that receives canonical rows.
const Table = "canonical_records"

// Pool is the subset of *pgxpool.Pool the loader needs.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Columns is the COPY column order.
var Columns = append([]string{"build_timestamp"}, canonical.Columns...)

// Loader writes canonical tables into <schema>.canonical_records.
type Loader struct {
	pool   Pool
	schema string
}

// NewLoader creates a Loader over pool.
func NewLoader(pool Pool, schema string) *Loader {
	if schema == "" {
		schema = "public"
	}
	return &Loader{pool: pool, schema: schema}
}

// Connect opens a pgx pool for databaseURL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "warehouse: ping")
	}
	return pool, nil
}

// QualifiedTable returns the sanitized schema-qualified table name.
func (l *Loader) QualifiedTable() string {
	return pgx.Identifier{l.schema, Table}.Sanitize()
}

// Migrate creates the schema and table if they do not exist.
func (l *Loader) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;
CREATE TABLE IF NOT EXISTS %s (
	build_timestamp         TEXT NOT NULL,
	record_id               TEXT NOT NULL,
	patient_id              TEXT NOT NULL,
	sex                     TEXT NOT NULL,
	age_years               BIGINT,
	condition_code          TEXT NOT NULL,
	condition_code_system   TEXT NOT NULL,
	observation_code        TEXT NOT NULL,
	observation_code_system TEXT NOT NULL,
	observation_value_num   DOUBLE PRECISION NOT NULL,
	observation_unit        TEXT NOT NULL,
	event_date              DATE NOT NULL,
	source_dataset          TEXT NOT NULL,
	source_url              TEXT NOT NULL,
	deidentified            BOOLEAN NOT NULL,
	PRIMARY KEY (source_dataset, build_timestamp, record_id)
);`, pgx.Identifier{l.schema}.Sanitize(), l.QualifiedTable())

	if _, err := l.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrap(err, "warehouse: migrate")
	}
	return nil
}

// Load replaces the rows of datasetID at timestamp with t in one transaction
// and returns the number of rows copied. Re-loading a build is idempotent.
func (l *Loader) Load(ctx context.Context, datasetID, timestamp string, t *canonical.Table) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	del := fmt.Sprintf(`DELETE FROM %s WHERE source_dataset = $1 AND build_timestamp = $2`, l.QualifiedTable())
	if _, err := tx.Exec(ctx, del, datasetID, timestamp); err != nil {
		return 0, eris.Wrapf(err, "warehouse: clear %s/%s", datasetID, timestamp)
	}

	var n int64
	if t.Len() > 0 {
		n, err = tx.CopyFrom(ctx, pgx.Identifier{l.schema, Table}, Columns, pgx.CopyFromRows(rows(timestamp, t)))
		if err != nil {
			return 0, eris.Wrapf(err, "warehouse: COPY INTO %s.%s", l.schema, Table)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "warehouse: commit")
	}
	zap.L().Info("warehouse load complete",
		zap.String("dataset_id", datasetID),
		zap.String("timestamp", timestamp),
		zap.Int64("rows", n),
	)
	return n, nil
}

func rows(timestamp string, t *canonical.Table) [][]any {
	out := make([][]any, len(t.Records))
	for i, r := range t.Records {
		out[i] = []any{
			timestamp,
			r.RecordID,
			r.PatientID,
			r.Sex,
			r.AgeYears,
			r.ConditionCode,
			r.ConditionCodeSystem,
			r.ObservationCode,
			r.ObservationCodeSystem,
			r.ObservationValueNum,
			r.ObservationUnit,
			r.EventDate,
			r.SourceDataset,
			r.SourceURL,
			r.Deidentified,
		}
	}
	return out
}
