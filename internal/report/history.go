// Package report keeps a small YAML run-history file at the archive root for
// operator visibility. It is never consulted for planning: chunk state on
// disk remains the single source of truth for resuming.
package report

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trade-engine/series-archiver/pkg/schema"
)

// Outcome tallies the per-task results of one run for a single series.
type Outcome struct {
	RunID     string    `yaml:"run_id"`
	LastRun   time.Time `yaml:"last_run"`
	Committed int       `yaml:"committed"`
	Skipped   int       `yaml:"skipped"`
	Failed    int       `yaml:"failed"`
}

// History tracks the last update outcome per series+frequency.
type History struct {
	mu     sync.RWMutex
	Series map[string]Outcome
}

type historyFileModel struct {
	Series map[string]outcomeFileModel `yaml:"series"`
}

type outcomeFileModel struct {
	RunID     string `yaml:"run_id"`
	LastRun   string `yaml:"last_run"`
	Committed int    `yaml:"committed"`
	Skipped   int    `yaml:"skipped"`
	Failed    int    `yaml:"failed"`
}

// Load reads the history from the given YAML file. A missing file yields an
// empty history without error.
func Load(path string) (*History, error) {
	h := &History{Series: make(map[string]Outcome)}
	if path == "" {
		return h, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return nil, err
	}

	var fileModel historyFileModel
	if err := yaml.Unmarshal(data, &fileModel); err != nil {
		return nil, err
	}

	for key, entry := range fileModel.Series {
		outcome := Outcome{
			RunID:     entry.RunID,
			Committed: entry.Committed,
			Skipped:   entry.Skipped,
			Failed:    entry.Failed,
		}
		if ts, err := time.Parse(time.RFC3339, entry.LastRun); err == nil {
			outcome.LastRun = ts
		}
		h.Series[key] = outcome
	}

	return h, nil
}

// Record replaces the stored outcome for the given series.
func (h *History) Record(key schema.SeriesKey, outcome Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Series == nil {
		h.Series = make(map[string]Outcome)
	}
	h.Series[key.String()] = outcome
}

// Last returns the stored outcome for the given series, if any.
func (h *History) Last(key schema.SeriesKey) (Outcome, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	outcome, ok := h.Series[key.String()]
	return outcome, ok
}

// Save writes the history to path in YAML format.
func (h *History) Save(path string) error {
	if path == "" {
		return errors.New("history path is empty")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	fileModel := historyFileModel{
		Series: make(map[string]outcomeFileModel, len(h.Series)),
	}
	for key, outcome := range h.Series {
		fileModel.Series[key] = outcomeFileModel{
			RunID:     outcome.RunID,
			LastRun:   outcome.LastRun.UTC().Format(time.RFC3339),
			Committed: outcome.Committed,
			Skipped:   outcome.Skipped,
			Failed:    outcome.Failed,
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(&fileModel)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
