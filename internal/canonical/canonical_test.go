package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestStableID_Deterministic(t *testing.T) {
	a := StableID("India", "2000", "life_expectancy")
	b := StableID("India", "2000", "life_expectancy")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, StableID("India", "2001", "life_expectancy"))
}

func TestStableID_MatchesTruncatedSHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("India|2000|life_expectancy"))
	assert.Equal(t, hex.EncodeToString(sum[:])[:16], StableID("India", "2000", "life_expectancy"))
	assert.Equal(t, StableID("a", "b"), StableID("a|b"))
}

func TestStableID_NormalizesUnicode(t *testing.T) {
	composed := "C\u00f4te d'Ivoire"
	decomposed := "Co\u0302te d'Ivoire"
	assert.NotEqual(t, composed, decomposed)
	assert.Equal(t, StableID(composed, "2000"), StableID(decomposed, "2000"))
}

func TestStableID_Property(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("same parts give same id", prop.ForAll(
		func(a, b string) bool {
			return StableID(a, b) == StableID(a, b)
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.Property("ids are 16 lowercase hex chars", prop.ForAll(
		func(a string) bool {
			id := StableID(a)
			if len(id) != 16 {
				return false
			}
			for _, r := range id {
				if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestTable_ColumnsAndTextValues(t *testing.T) {
	tbl := &Table{
		Records: []Record{
			{RecordID: "r1", PatientID: "p1", Sex: "unknown", ObservationUnit: "years"},
			{RecordID: "r2", PatientID: "p2", Sex: "unknown", ObservationUnit: "years"},
		},
		Extras: []ExtraColumn{{Name: "email_address", Values: []string{"a@b.org", ""}}},
	}

	assert.Equal(t, 2, tbl.Len())
	cols := tbl.Columns()
	assert.Equal(t, Columns, cols[:len(Columns)])
	assert.Equal(t, "email_address", cols[len(cols)-1])

	ids, ok := tbl.TextValues(ColRecordID)
	assert.True(t, ok)
	assert.Equal(t, []string{"r1", "r2"}, ids)

	extra, ok := tbl.TextValues("email_address")
	assert.True(t, ok)
	assert.Equal(t, []string{"a@b.org", ""}, extra)

	_, ok = tbl.TextValues(ColObservationValueNum)
	assert.False(t, ok)
	_, ok = tbl.TextValues(ColEventDate)
	assert.False(t, ok)
}

func TestYearStart(t *testing.T) {
	d := YearStart(2001)
	assert.Equal(t, "2001-01-01T00:00:00Z", d.Format("2006-01-02T15:04:05Z07:00"))
}
