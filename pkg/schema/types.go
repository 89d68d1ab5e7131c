package schema

import (
	"fmt"
	"time"
)

// Frequency identifies one sampling frequency of a series. Each frequency is
// an independent archive with its own chunk granularity and retrievable
// horizon.
type Frequency string

const (
	FreqTick   Frequency = "tick"
	FreqMinute Frequency = "minute"
	FreqHour   Frequency = "hour"
	FreqDaily  Frequency = "daily"
)

// Frequencies lists all supported frequencies in coarse-to-fine order.
var Frequencies = []Frequency{FreqDaily, FreqHour, FreqMinute, FreqTick}

// dailyEpoch is the fixed start of the vendor's daily history.
var dailyEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

func (f Frequency) Valid() bool {
	switch f {
	case FreqTick, FreqMinute, FreqHour, FreqDaily:
		return true
	}
	return false
}

// WindowStart aligns t down to the start of the chunk window containing it.
func (f Frequency) WindowStart(t time.Time) time.Time {
	t = t.UTC()
	switch f {
	case FreqTick:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case FreqMinute, FreqHour:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case FreqDaily:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// NextWindow returns the start of the window following the one starting at
// start. Calendar arithmetic, so daylight and leap irregularities are handled
// by the time package.
func (f Frequency) NextWindow(start time.Time) time.Time {
	switch f {
	case FreqTick:
		return start.Add(time.Hour)
	case FreqMinute, FreqHour:
		return start.AddDate(0, 0, 1)
	case FreqDaily:
		return start.AddDate(1, 0, 0)
	}
	return start
}

// EarliestBoundary returns the oldest instant the remote source still serves
// for this frequency. Daily history starts at a fixed vendor epoch; the
// other frequencies are limited to a trailing horizon.
func (f Frequency) EarliestBoundary(now time.Time) time.Time {
	now = now.UTC()
	switch f {
	case FreqTick:
		return now.AddDate(0, 0, -90)
	case FreqMinute:
		return now.AddDate(-1, 0, 0)
	case FreqHour:
		return now.AddDate(-2, 0, 0)
	case FreqDaily:
		return dailyEpoch
	}
	return now
}

// ChunkLabel returns the filename stem for the chunk window starting at
// start: year for daily, calendar date for minute/hour, date+hour for tick.
func (f Frequency) ChunkLabel(start time.Time) string {
	start = start.UTC()
	switch f {
	case FreqTick:
		return start.Format("2006-01-02T15")
	case FreqMinute, FreqHour:
		return start.Format("2006-01-02")
	case FreqDaily:
		return start.Format("2006")
	}
	return ""
}

// ParseChunkLabel is the inverse of ChunkLabel. The returned instant is the
// window start; note a truncated first window still carries the aligned label.
func (f Frequency) ParseChunkLabel(label string) (time.Time, error) {
	var layout string
	switch f {
	case FreqTick:
		layout = "2006-01-02T15"
	case FreqMinute, FreqHour:
		layout = "2006-01-02"
	case FreqDaily:
		layout = "2006"
	default:
		return time.Time{}, fmt.Errorf("unknown frequency %q", f)
	}
	t, err := time.ParseInLocation(layout, label, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse chunk label %q: %w", label, err)
	}
	return t, nil
}

// DefaultPayloadEstimate is the size class used by the rate limiter when the
// real payload size is unknown ahead of the fetch.
func (f Frequency) DefaultPayloadEstimate() int64 {
	switch f {
	case FreqTick:
		return 4 << 20
	case FreqMinute:
		return 1 << 20
	case FreqHour:
		return 256 << 10
	case FreqDaily:
		return 64 << 10
	}
	return 1 << 20
}

// ChunkStatus describes the persisted state of one chunk range.
type ChunkStatus string

const (
	// StatusComplete marks a fully elapsed period with data; immutable.
	StatusComplete ChunkStatus = "complete"
	// StatusIncomplete marks the still-accumulating current period.
	StatusIncomplete ChunkStatus = "incomplete"
	// StatusEmpty marks a fully elapsed period confirmed to hold zero rows.
	StatusEmpty ChunkStatus = "empty"
)

// Chunk is the metadata of one persisted chunk within a series archive.
// Start/End are the [start, end) range boundaries aligned to the frequency's
// granularity (Start may be truncated at the retrievable horizon).
type Chunk struct {
	SeriesID  string
	Frequency Frequency
	Start     time.Time
	End       time.Time
	Status    ChunkStatus
	Path      string
	Rows      int64
}

// Row is one observation: a timestamp plus one float per column.
type Row struct {
	Timestamp time.Time
	Values    []float64
}

// Rows is a fetched tabular result for one chunk range.
type Rows struct {
	Columns []string
	Rows    []Row
}

func (r Rows) Len() int      { return len(r.Rows) }
func (r Rows) IsEmpty() bool { return len(r.Rows) == 0 }

// Task is one planned fetch: a chunk-aligned window still missing from the
// archive. Current is true when the window is the not-yet-elapsed one and the
// commit is expected to land as Incomplete.
type Task struct {
	SeriesID  string
	Frequency Frequency
	Start     time.Time
	End       time.Time
	Current   bool
}

// SeriesKey identifies one independently tracked archive.
type SeriesKey struct {
	SeriesID  string
	Frequency Frequency
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s/%s", k.Frequency, k.SeriesID)
}

// RunState is the lifecycle of one orchestrated update run.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunCancelled RunState = "cancelled"
	RunFailed    RunState = "failed"
)

// ProgressPhase tags the progress callback invocations around each task.
type ProgressPhase string

const (
	PhaseFetching  ProgressPhase = "fetching"
	PhaseCommitted ProgressPhase = "committed"
	PhaseSkipped   ProgressPhase = "skipped"
	PhaseFailed    ProgressPhase = "failed"
)

// ProgressEvent is emitted before and after each fetch task.
type ProgressEvent struct {
	SeriesID  string        `json:"series_id"`
	Frequency Frequency     `json:"frequency"`
	Start     time.Time     `json:"range_start"`
	End       time.Time     `json:"range_end"`
	Phase     ProgressPhase `json:"phase"`
	Status    ChunkStatus   `json:"status,omitempty"`
	Rows      int64         `json:"rows,omitempty"`
	Error     string        `json:"error,omitempty"`
}
