package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trade-engine/series-archiver/internal/chunkfile"
	"github.com/trade-engine/series-archiver/pkg/schema"
)

// ErrStoreIO marks filesystem failures while reading or committing chunks.
// Callers treat these as local to one task: log, skip, retry on a later run.
var ErrStoreIO = errors.New("archive store I/O failure")

const (
	chunkExt         = ".arrow"
	incompleteSuffix = ".incomplete"
	tempSuffix       = ".tmp"
)

// Store owns the on-disk archive of one (series, frequency) pair:
// <root>/<frequency>/<seriesID>/ with one Arrow file per chunk. All mutation
// goes through Commit; disk state is the single source of truth, so nothing
// is cached between calls.
type Store struct {
	root   string
	key    schema.SeriesKey
	codec  *chunkfile.Codec
	logger *zap.Logger
}

func NewStore(root string, key schema.SeriesKey, codec *chunkfile.Codec, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		root:   root,
		key:    key,
		codec:  codec,
		logger: logger,
	}
}

func (s *Store) Key() schema.SeriesKey { return s.key }

// Dir returns the directory holding this archive's chunk files.
func (s *Store) Dir() string {
	return filepath.Join(s.root, string(s.key.Frequency), s.key.SeriesID)
}

// IsPeriodElapsed reports whether the chunk range ending at rangeEnd lies
// fully in the past and is therefore eligible to become Complete or Empty.
func IsPeriodElapsed(rangeEnd, now time.Time) bool {
	return !rangeEnd.After(now)
}

// ListChunks reads the archive directory fresh and returns chunk metadata in
// ascending range order. Backup files (leading dot) and stray temp files are
// ignored.
func (s *Store) ListChunks() ([]schema.Chunk, error) {
	entries, err := os.ReadDir(s.Dir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrStoreIO, s.Dir(), err)
	}

	var chunks []schema.Chunk
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, tempSuffix) {
			continue
		}

		chunk, ok := s.parseChunkName(name)
		if !ok {
			continue
		}

		info, err := s.codec.ReadInfo(chunk.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: inspect chunk %s: %w", ErrStoreIO, chunk.Path, err)
		}
		chunk.Rows = info.Rows
		// A truncated first window records its true start in file metadata.
		if !info.Meta.Start.IsZero() {
			chunk.Start = info.Meta.Start
		}
		if !info.Meta.End.IsZero() {
			chunk.End = info.Meta.End
		}
		if chunk.Status != schema.StatusIncomplete && info.Rows == 0 {
			chunk.Status = schema.StatusEmpty
		}

		chunks = append(chunks, chunk)
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Start.Before(chunks[j].Start)
	})

	return chunks, nil
}

func (s *Store) parseChunkName(name string) (schema.Chunk, bool) {
	chunk := schema.Chunk{
		SeriesID:  s.key.SeriesID,
		Frequency: s.key.Frequency,
		Status:    schema.StatusComplete,
		Path:      filepath.Join(s.Dir(), name),
	}

	stem := name
	if strings.HasSuffix(stem, incompleteSuffix) {
		chunk.Status = schema.StatusIncomplete
		stem = strings.TrimSuffix(stem, incompleteSuffix)
	}
	if !strings.HasSuffix(stem, chunkExt) {
		return schema.Chunk{}, false
	}
	stem = strings.TrimSuffix(stem, chunkExt)

	start, err := s.key.Frequency.ParseChunkLabel(stem)
	if err != nil {
		s.logger.Warn("Ignoring unrecognized file in archive",
			zap.String("file", name),
			zap.String("series", s.key.String()))
		return schema.Chunk{}, false
	}

	chunk.Start = start
	chunk.End = s.key.Frequency.NextWindow(start)
	return chunk, true
}

// Commit persists the fetched rows for one task's range. The status follows
// the task's fetch-time determination: a task planned against the
// still-accumulating current window lands under the .incomplete name even if
// the window boundary passed while the fetch was in flight, because the rows
// cannot cover the window's tail; elapsed periods land under the canonical
// name as Complete (or Empty when zero rows). Any prior incomplete version is
// renamed to a backup first so it survives an interrupted write. All writes
// are temp-file plus atomic rename; now timestamps backups.
func (s *Store) Commit(task schema.Task, rows schema.Rows, now time.Time) (schema.Chunk, error) {
	label := s.key.Frequency.ChunkLabel(s.key.Frequency.WindowStart(task.Start))
	canonical := filepath.Join(s.Dir(), label+chunkExt)
	elapsed := !task.Current

	chunk := schema.Chunk{
		SeriesID:  s.key.SeriesID,
		Frequency: s.key.Frequency,
		Start:     task.Start,
		End:       task.End,
		Rows:      int64(rows.Len()),
	}

	// A previous incomplete version of this window is backed up before the
	// replacement is written: the old data is never lost, whichever write
	// the process dies in.
	incompletePath := canonical + incompleteSuffix
	if err := s.backupIfExists(incompletePath, now); err != nil {
		return schema.Chunk{}, err
	}

	target := canonical
	switch {
	case !elapsed:
		chunk.Status = schema.StatusIncomplete
		target = incompletePath
		if IsPeriodElapsed(task.End, now) {
			// The boundary passed between fetch and commit; the next run
			// re-proposes this window and finalizes it.
			s.logger.Info("Window elapsed during fetch, committing incomplete",
				zap.String("series", s.key.String()),
				zap.Time("range_end", task.End))
		}
	case rows.IsEmpty():
		chunk.Status = schema.StatusEmpty
	default:
		chunk.Status = schema.StatusComplete
	}
	chunk.Path = target

	meta := chunkfile.Meta{
		SeriesID:  s.key.SeriesID,
		Frequency: s.key.Frequency,
		Start:     task.Start,
		End:       task.End,
	}
	if err := s.codec.WriteRows(target, meta, rows); err != nil {
		return schema.Chunk{}, fmt.Errorf("%w: commit %s: %w", ErrStoreIO, target, err)
	}

	s.logger.Info("Committed chunk",
		zap.String("series", s.key.String()),
		zap.Time("range_start", task.Start),
		zap.Time("range_end", task.End),
		zap.String("status", string(chunk.Status)),
		zap.Int("rows", rows.Len()))

	return chunk, nil
}

// backupIfExists renames path to a hidden backup name carrying a timestamp.
// Superseded files are renamed, never deleted.
func (s *Store) backupIfExists(path string, now time.Time) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrStoreIO, path, err)
	}

	backup := filepath.Join(filepath.Dir(path),
		"."+filepath.Base(path)+"."+now.UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("%w: back up %s: %w", ErrStoreIO, path, err)
	}

	s.logger.Debug("Backed up superseded incomplete chunk",
		zap.String("from", path),
		zap.String("to", backup))
	return nil
}
