package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trade-engine/series-archiver/internal/chunkfile"
	"github.com/trade-engine/series-archiver/pkg/schema"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	key := schema.SeriesKey{SeriesID: "AAPL.O", Frequency: schema.FreqDaily}
	return NewStore(t.TempDir(), key, chunkfile.NewCodec(zap.NewNop()), zap.NewNop())
}

func yearTask(year int) schema.Task {
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return schema.Task{
		SeriesID:  "AAPL.O",
		Frequency: schema.FreqDaily,
		Start:     start,
		End:       start.AddDate(1, 0, 0),
	}
}

func someRows(n int, base time.Time) schema.Rows {
	rows := schema.Rows{Columns: []string{"open", "close"}}
	for i := 0; i < n; i++ {
		rows.Rows = append(rows.Rows, schema.Row{
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
			Values:    []float64{float64(100 + i), float64(101 + i)},
		})
	}
	return rows
}

func TestStore_commitElapsedPeriodBecomesComplete(t *testing.T) {
	store := testStore(t)
	now := time.Date(2021, 10, 25, 0, 0, 0, 0, time.UTC)

	task := yearTask(2020)
	chunk, err := store.Commit(task, someRows(3, task.Start), now)
	require.NoError(t, err)
	require.Equal(t, schema.StatusComplete, chunk.Status)
	require.Equal(t, filepath.Join(store.Dir(), "2020.arrow"), chunk.Path)

	chunks, err := store.ListChunks()
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, schema.StatusComplete, chunks[0].Status)
	require.Equal(t, int64(3), chunks[0].Rows)
	require.Equal(t, task.Start, chunks[0].Start)
	require.Equal(t, task.End, chunks[0].End)
}

func TestStore_commitElapsedEmptyPeriodBecomesEmptyMarker(t *testing.T) {
	store := testStore(t)
	now := time.Date(2021, 10, 25, 0, 0, 0, 0, time.UTC)

	task := yearTask(2019)
	chunk, err := store.Commit(task, schema.Rows{}, now)
	require.NoError(t, err)
	require.Equal(t, schema.StatusEmpty, chunk.Status)

	chunks, err := store.ListChunks()
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, schema.StatusEmpty, chunks[0].Status)
	require.Equal(t, int64(0), chunks[0].Rows)
}

func TestStore_commitCurrentPeriodIsIncomplete(t *testing.T) {
	store := testStore(t)
	now := time.Date(2021, 10, 25, 0, 0, 0, 0, time.UTC)

	task := yearTask(2021)
	task.Current = true
	chunk, err := store.Commit(task, someRows(5, task.Start), now)
	require.NoError(t, err)
	require.Equal(t, schema.StatusIncomplete, chunk.Status)
	require.True(t, strings.HasSuffix(chunk.Path, "2021.arrow.incomplete"))

	chunks, err := store.ListChunks()
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, schema.StatusIncomplete, chunks[0].Status)
}

func TestStore_recommitCurrentPeriodBacksUpPreviousVersion(t *testing.T) {
	store := testStore(t)
	task := yearTask(2021)
	task.Current = true

	_, err := store.Commit(task, someRows(5, task.Start), time.Date(2021, 10, 25, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// A later run in the same year supersedes the incomplete file.
	_, err = store.Commit(task, someRows(8, task.Start), time.Date(2021, 11, 25, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	chunks, err := store.ListChunks()
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, schema.StatusIncomplete, chunks[0].Status)
	require.Equal(t, int64(8), chunks[0].Rows)

	// The old version survives under a hidden backup name.
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	var backups []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".2021.arrow.incomplete.") {
			backups = append(backups, entry.Name())
		}
	}
	require.Len(t, backups, 1)
}

func TestStore_finalizingElapsedIncompleteSupersedesIt(t *testing.T) {
	store := testStore(t)
	task := yearTask(2021)
	task.Current = true

	_, err := store.Commit(task, someRows(5, task.Start), time.Date(2021, 10, 25, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// Next year the window has elapsed; the finalizing refetch is planned
	// non-current, commits Complete, and the stale incomplete file is backed
	// up, not left beside it.
	task.Current = false
	chunk, err := store.Commit(task, someRows(12, task.Start), time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, schema.StatusComplete, chunk.Status)

	chunks, err := store.ListChunks()
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, schema.StatusComplete, chunks[0].Status)
	require.Equal(t, int64(12), chunks[0].Rows)
}

func TestStore_commitAfterBoundaryKeepsCurrentTaskIncomplete(t *testing.T) {
	key := schema.SeriesKey{SeriesID: "EUR=", Frequency: schema.FreqTick}
	store := NewStore(t.TempDir(), key, chunkfile.NewCodec(zap.NewNop()), zap.NewNop())

	// Planned while the 13:00-14:00 window was still open; the commit lands
	// just after the boundary. The rows cannot cover the window's tail, so the
	// chunk must stay incomplete for the next run to finalize.
	task := schema.Task{
		SeriesID:  "EUR=",
		Frequency: schema.FreqTick,
		Start:     time.Date(2021, 10, 25, 13, 0, 0, 0, time.UTC),
		End:       time.Date(2021, 10, 25, 14, 0, 0, 0, time.UTC),
		Current:   true,
	}
	commitAt := time.Date(2021, 10, 25, 14, 0, 1, 0, time.UTC)

	chunk, err := store.Commit(task, someRows(1, task.Start), commitAt)
	require.NoError(t, err)
	require.Equal(t, schema.StatusIncomplete, chunk.Status)
	require.True(t, strings.HasSuffix(chunk.Path, "2021-10-25T13.arrow.incomplete"))

	chunks, err := store.ListChunks()
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, schema.StatusIncomplete, chunks[0].Status)
}

func TestStore_listChunksOrderedWithoutOverlapsAndSingleIncompleteLast(t *testing.T) {
	store := testStore(t)
	now := time.Date(2021, 10, 25, 0, 0, 0, 0, time.UTC)

	for year := 2017; year <= 2020; year++ {
		task := yearTask(year)
		_, err := store.Commit(task, someRows(2, task.Start), now)
		require.NoError(t, err)
	}
	current := yearTask(2021)
	current.Current = true
	_, err := store.Commit(current, someRows(2, current.Start), now)
	require.NoError(t, err)

	chunks, err := store.ListChunks()
	require.NoError(t, err)
	require.Len(t, chunks, 5)

	incomplete := 0
	for i, chunk := range chunks {
		if i > 0 {
			require.False(t, chunk.Start.Before(chunks[i-1].End), "ranges must not overlap")
		}
		if chunk.Status == schema.StatusIncomplete {
			incomplete++
			require.Equal(t, len(chunks)-1, i, "incomplete chunk must be chronologically last")
		}
	}
	require.Equal(t, 1, incomplete)
}

func TestStore_listChunksEmptyForMissingDirectory(t *testing.T) {
	store := testStore(t)
	chunks, err := store.ListChunks()
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestIsPeriodElapsed(t *testing.T) {
	now := time.Date(2021, 10, 25, 0, 0, 0, 0, time.UTC)
	require.True(t, IsPeriodElapsed(now.Add(-time.Second), now))
	require.True(t, IsPeriodElapsed(now, now))
	require.False(t, IsPeriodElapsed(now.Add(time.Second), now))
}

func TestListSelectableSeries(t *testing.T) {
	root := t.TempDir()
	codec := chunkfile.NewCodec(zap.NewNop())
	now := time.Date(2021, 10, 25, 0, 0, 0, 0, time.UTC)

	daily := NewStore(root, schema.SeriesKey{SeriesID: "AAPL.O", Frequency: schema.FreqDaily}, codec, zap.NewNop())
	for year := 2019; year <= 2020; year++ {
		task := yearTask(year)
		_, err := daily.Commit(task, someRows(2, task.Start), now)
		require.NoError(t, err)
	}

	// A series whose only chunk is an empty marker reports no data.
	sparse := NewStore(root, schema.SeriesKey{SeriesID: "THIN.X", Frequency: schema.FreqDaily}, codec, zap.NewNop())
	sparseTask := yearTask(2020)
	sparseTask.SeriesID = "THIN.X"
	_, err := sparse.Commit(sparseTask, schema.Rows{}, now)
	require.NoError(t, err)

	infos, err := ListSelectableSeries(root, codec, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, infos, 2)

	require.Equal(t, "AAPL.O", infos[0].Key.SeriesID)
	require.True(t, infos[0].HasData)
	require.Equal(t, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), infos[0].First)
	require.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), infos[0].Last)

	require.Equal(t, "THIN.X", infos[1].Key.SeriesID)
	require.False(t, infos[1].HasData)
}
