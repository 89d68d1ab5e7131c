// Package planner decides which chunk-aligned time windows still need to be
// fetched for one series archive. Planning is a pure function over the chunk
// metadata read from the store, the frequency's granularity, and the current
// time; it performs no I/O of its own.
package planner

import (
	"time"

	"github.com/trade-engine/series-archiver/pkg/schema"
)

// Plan walks chunk windows ascending from the frequency's earliest
// retrievable boundary to the window containing now and returns the windows
// still to fetch:
//
//   - windows covered by a Complete or Empty chunk are satisfied forever;
//   - the Incomplete current window is re-proposed so it gets refreshed;
//   - an Incomplete window that has since fully elapsed is proposed one last
//     time to finalize it as Complete or Empty;
//   - absent windows are proposed.
//
// The first window is truncated to start at the horizon when the horizon
// falls mid-window. When now lies exactly on a window boundary the window
// ending at now is the last one considered and it counts as elapsed.
func Plan(key schema.SeriesKey, chunks []schema.Chunk, now time.Time) []schema.Task {
	freq := key.Frequency
	if !freq.Valid() {
		return nil
	}
	now = now.UTC()

	existing := make(map[time.Time]schema.Chunk, len(chunks))
	for _, chunk := range chunks {
		existing[freq.WindowStart(chunk.Start)] = chunk
	}

	horizon := freq.EarliestBoundary(now)

	var tasks []schema.Task
	for ws := freq.WindowStart(horizon); ws.Before(now); ws = freq.NextWindow(ws) {
		we := freq.NextWindow(ws)
		current := we.After(now)

		if chunk, ok := existing[ws]; ok {
			if chunk.Status != schema.StatusIncomplete {
				continue
			}
			// An incomplete chunk whose period has since elapsed is
			// re-fetched exactly once; committing it finalizes the window.
			tasks = append(tasks, schema.Task{
				SeriesID:  key.SeriesID,
				Frequency: freq,
				Start:     chunk.Start,
				End:       chunk.End,
				Current:   current,
			})
			continue
		}

		start := ws
		if start.Before(horizon) {
			start = horizon
		}
		tasks = append(tasks, schema.Task{
			SeriesID:  key.SeriesID,
			Frequency: freq,
			Start:     start,
			End:       we,
			Current:   current,
		})
	}

	return tasks
}
