package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/trade-engine/series-archiver/internal/chunkfile"
	"github.com/trade-engine/series-archiver/pkg/schema"
)

// SeriesInfo summarizes one discovered archive for display and selection.
// HasData is false when every committed chunk turned out empty.
type SeriesInfo struct {
	Key     schema.SeriesKey
	First   time.Time
	Last    time.Time
	Chunks  int
	HasData bool
}

// ListSelectableSeries walks the archive root and returns every
// (series, frequency) pair found on disk with its observed data range.
func ListSelectableSeries(root string, codec *chunkfile.Codec, logger *zap.Logger) ([]SeriesInfo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	freqDirs, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive root %s: %w", root, err)
	}

	var infos []SeriesInfo
	for _, freqDir := range freqDirs {
		if !freqDir.IsDir() {
			continue
		}
		freq := schema.Frequency(freqDir.Name())
		if !freq.Valid() {
			continue
		}

		seriesDirs, err := os.ReadDir(filepath.Join(root, freqDir.Name()))
		if err != nil {
			logger.Warn("Failed to read frequency directory",
				zap.String("frequency", freqDir.Name()),
				zap.Error(err))
			continue
		}

		for _, seriesDir := range seriesDirs {
			if !seriesDir.IsDir() {
				continue
			}
			key := schema.SeriesKey{SeriesID: seriesDir.Name(), Frequency: freq}
			store := NewStore(root, key, codec, logger)

			chunks, err := store.ListChunks()
			if err != nil {
				logger.Warn("Failed to list chunks for series",
					zap.String("series", key.String()),
					zap.Error(err))
				continue
			}

			info := SeriesInfo{Key: key, Chunks: len(chunks)}
			for _, chunk := range chunks {
				if chunk.Rows == 0 {
					continue
				}
				if !info.HasData || chunk.Start.Before(info.First) {
					info.First = chunk.Start
				}
				if chunk.End.After(info.Last) {
					info.Last = chunk.End
				}
				info.HasData = true
			}
			infos = append(infos, info)
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Key.Frequency != infos[j].Key.Frequency {
			return infos[i].Key.Frequency < infos[j].Key.Frequency
		}
		return infos[i].Key.SeriesID < infos[j].Key.SeriesID
	})

	return infos, nil
}
