package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trade-engine/series-archiver/pkg/schema"
)

func TestLoad_missingFileYieldsEmptyHistory(t *testing.T) {
	h, err := Load(filepath.Join(t.TempDir(), "update_history.yaml"))
	require.NoError(t, err)
	require.Empty(t, h.Series)

	_, ok := h.Last(schema.SeriesKey{SeriesID: "AAPL.O", Frequency: schema.FreqDaily})
	require.False(t, ok)
}

func TestHistory_recordSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update_history.yaml")
	key := schema.SeriesKey{SeriesID: "AAPL.O", Frequency: schema.FreqDaily}

	h := &History{}
	h.Record(key, Outcome{
		RunID:     "run-1",
		LastRun:   time.Date(2021, 10, 25, 14, 30, 0, 0, time.UTC),
		Committed: 41,
		Skipped:   0,
		Failed:    1,
	})
	require.NoError(t, h.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	outcome, ok := loaded.Last(key)
	require.True(t, ok)
	require.Equal(t, "run-1", outcome.RunID)
	require.Equal(t, 41, outcome.Committed)
	require.Equal(t, 1, outcome.Failed)
	require.True(t, outcome.LastRun.Equal(time.Date(2021, 10, 25, 14, 30, 0, 0, time.UTC)))
}

func TestHistory_recordReplacesPreviousOutcome(t *testing.T) {
	key := schema.SeriesKey{SeriesID: "EUR=", Frequency: schema.FreqMinute}

	h := &History{}
	h.Record(key, Outcome{RunID: "run-1", Committed: 10})
	h.Record(key, Outcome{RunID: "run-2", Committed: 2})

	outcome, ok := h.Last(key)
	require.True(t, ok)
	require.Equal(t, "run-2", outcome.RunID)
	require.Equal(t, 2, outcome.Committed)
}
