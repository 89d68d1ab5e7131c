package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trade-engine/series-archiver/pkg/schema"
)

func dailyKey() schema.SeriesKey {
	return schema.SeriesKey{SeriesID: "AAPL.O", Frequency: schema.FreqDaily}
}

func yearChunk(year int, status schema.ChunkStatus) schema.Chunk {
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return schema.Chunk{
		SeriesID:  "AAPL.O",
		Frequency: schema.FreqDaily,
		Start:     start,
		End:       start.AddDate(1, 0, 0),
		Status:    status,
	}
}

func TestPlan_dailyArchiveUpToDate_proposesOnlyCurrentYear(t *testing.T) {
	now := time.Date(2021, 10, 25, 0, 0, 0, 0, time.UTC)

	var chunks []schema.Chunk
	for year := 1980; year <= 2020; year++ {
		chunks = append(chunks, yearChunk(year, schema.StatusComplete))
	}

	tasks := Plan(dailyKey(), chunks, now)
	require.Len(t, tasks, 1)
	require.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), tasks[0].Start)
	require.Equal(t, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), tasks[0].End)
	require.True(t, tasks[0].Current)
}

func TestPlan_emptyDailyArchive_walksFromEpoch(t *testing.T) {
	now := time.Date(2021, 10, 25, 0, 0, 0, 0, time.UTC)

	tasks := Plan(dailyKey(), nil, now)
	require.Len(t, tasks, 42) // 1980..2021 inclusive
	require.Equal(t, time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC), tasks[0].Start)
	for i := 1; i < len(tasks); i++ {
		require.True(t, tasks[i-1].End.Equal(tasks[i].Start), "tasks must be contiguous")
		require.False(t, tasks[i-1].Current)
	}
	require.True(t, tasks[len(tasks)-1].Current)
}

func TestPlan_completeAndEmptyChunksNeverReproposed(t *testing.T) {
	now := time.Date(2021, 10, 25, 0, 0, 0, 0, time.UTC)

	var chunks []schema.Chunk
	for year := 1980; year <= 2020; year++ {
		status := schema.StatusComplete
		if year%5 == 0 {
			status = schema.StatusEmpty
		}
		chunks = append(chunks, yearChunk(year, status))
	}
	chunks = append(chunks, yearChunk(2021, schema.StatusIncomplete))

	tasks := Plan(dailyKey(), chunks, now)
	require.Len(t, tasks, 1)
	require.Equal(t, 2021, tasks[0].Start.Year())
	require.True(t, tasks[0].Current)
}

func TestPlan_elapsedIncompleteRefetchedToFinalize(t *testing.T) {
	// The 2021 window was committed Incomplete during 2021; by 2022 it has
	// fully elapsed and must be proposed once more, as non-current.
	now := time.Date(2022, 3, 10, 0, 0, 0, 0, time.UTC)

	var chunks []schema.Chunk
	for year := 1980; year <= 2020; year++ {
		chunks = append(chunks, yearChunk(year, schema.StatusComplete))
	}
	chunks = append(chunks, yearChunk(2021, schema.StatusIncomplete))

	tasks := Plan(dailyKey(), chunks, now)
	require.Len(t, tasks, 2)

	require.Equal(t, 2021, tasks[0].Start.Year())
	require.False(t, tasks[0].Current)
	require.Equal(t, 2022, tasks[1].Start.Year())
	require.True(t, tasks[1].Current)
}

func TestPlan_nowOnWindowBoundary_currentWindowEndsAtNow(t *testing.T) {
	now := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

	var chunks []schema.Chunk
	for year := 1980; year <= 2020; year++ {
		chunks = append(chunks, yearChunk(year, schema.StatusComplete))
	}
	chunks = append(chunks, yearChunk(2021, schema.StatusIncomplete))

	tasks := Plan(dailyKey(), chunks, now)
	require.Len(t, tasks, 1)
	require.Equal(t, 2021, tasks[0].Start.Year())
	// The window ending exactly at now counts as elapsed.
	require.False(t, tasks[0].Current)
}

func TestPlan_horizonMidWindow_truncatesFirstTask(t *testing.T) {
	key := schema.SeriesKey{SeriesID: "EUR=", Frequency: schema.FreqMinute}
	now := time.Date(2021, 10, 25, 12, 30, 0, 0, time.UTC)

	tasks := Plan(key, nil, now)
	require.NotEmpty(t, tasks)

	horizon := now.AddDate(-1, 0, 0)
	require.Equal(t, horizon, tasks[0].Start)
	require.Equal(t, time.Date(2020, 10, 26, 0, 0, 0, 0, time.UTC), tasks[0].End)

	last := tasks[len(tasks)-1]
	require.Equal(t, time.Date(2021, 10, 25, 0, 0, 0, 0, time.UTC), last.Start)
	require.True(t, last.Current)
}

func TestPlan_tickGranularityIsHourly(t *testing.T) {
	key := schema.SeriesKey{SeriesID: "EUR=", Frequency: schema.FreqTick}
	now := time.Date(2021, 10, 25, 12, 30, 0, 0, time.UTC)

	tasks := Plan(key, nil, now)
	require.NotEmpty(t, tasks)
	require.Equal(t, now.AddDate(0, 0, -90), tasks[0].Start)

	last := tasks[len(tasks)-1]
	require.Equal(t, time.Date(2021, 10, 25, 12, 0, 0, 0, time.UTC), last.Start)
	require.Equal(t, time.Date(2021, 10, 25, 13, 0, 0, 0, time.UTC), last.End)
	require.True(t, last.Current)

	for i := 1; i < len(tasks); i++ {
		require.True(t, tasks[i-1].End.Equal(tasks[i].Start))
	}
}
