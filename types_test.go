package commoncrawl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeSnapshotDate(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	d := DecodeSnapshotDate("CC-MAIN-2024-10", now)
	require.Equal(t, 2024, d.Year())
	// Week 10 lands 9 weeks after the start of the year.
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 63), d)

	d = DecodeSnapshotDate("CC-MAIN-2023", now)
	require.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), d)
}

func TestDecodeSnapshotDateFallsBackToNow(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for _, id := range []string{"", "garbage", "CC-MAIN", "CC-MAIN-notayear-10", "CC-MAIN-1234-10"} {
		require.Equal(t, now, DecodeSnapshotDate(id, now), "id=%q", id)
	}
}

func TestIndexRecordRangeEnd(t *testing.T) {
	rec := IndexRecord{Offset: 1000, Length: 250}
	require.Equal(t, int64(1249), rec.RangeEnd())
}
