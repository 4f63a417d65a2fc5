package warehouse

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
)

func sampleTable() *canonical.Table {
	return &canonical.Table{Records: []canonical.Record{
		{RecordID: "a", PatientID: "p", Sex: "unknown", ObservationCode: "x", ObservationValueNum: 1, ObservationUnit: "years", EventDate: canonical.YearStart(2000), SourceDataset: "demo"},
		{RecordID: "b", PatientID: "p", Sex: "unknown", ObservationCode: "x", ObservationValueNum: 2, ObservationUnit: "years", EventDate: canonical.YearStart(2001), SourceDataset: "demo"},
	}}
}

func TestLoad_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "health"."canonical_records"`).
		WithArgs("demo", "20260101T000000Z").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"health", Table}, Columns).WillReturnResult(2)
	mock.ExpectCommit()

	n, err := NewLoader(mock, "health").Load(context.Background(), "demo", "20260101T000000Z", sampleTable())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_EmptyTableSkipsCopy(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM`).WithArgs("demo", "ts").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit()

	n, err := NewLoader(mock, "health").Load(context.Background(), "demo", "ts", &canonical.Table{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_CopyErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM`).WithArgs("demo", "ts").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"health", Table}, Columns).WillReturnError(fmt.Errorf("copy failed"))
	mock.ExpectRollback()

	_, err = NewLoader(mock, "health").Load(context.Background(), "demo", "ts", sampleTable())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO health.canonical_records")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "health"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, NewLoader(mock, "health").Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRows_ColumnOrder(t *testing.T) {
	r := rows("ts", sampleTable())
	require.Len(t, r, 2)
	require.Len(t, r[0], len(Columns))
	assert.Equal(t, "ts", r[0][0])
	assert.Equal(t, "a", r[0][1])
	assert.Equal(t, "demo", r[0][len(Columns)-3])
}

func TestNewLoader_DefaultSchema(t *testing.T) {
	assert.Equal(t, `"public"."canonical_records"`, NewLoader(nil, "").QualifiedTable())
}
