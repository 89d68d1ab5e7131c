package chunkfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trade-engine/series-archiver/pkg/schema"
)

// Codec reads and writes chunk files in Arrow IPC format. One Codec is shared
// per process; all files it writes carry the same ingest id.
type Codec struct {
	logger   *zap.Logger
	mem      memory.Allocator
	ingestID string
}

// Meta is attached to every chunk file as Arrow schema metadata so a file is
// self-describing independently of its path.
type Meta struct {
	SeriesID  string
	Frequency schema.Frequency
	Start     time.Time
	End       time.Time
}

func NewCodec(logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{
		logger:   logger,
		mem:      memory.NewGoAllocator(),
		ingestID: uuid.New().String(),
	}
}

// WriteRows writes rows for one chunk range to path. The write goes to a
// temporary name first and is renamed into place, so a crash mid-write never
// leaves a partial file visible under path. Zero rows produce a valid
// schema-only file (an empty-period marker).
func (c *Codec) WriteRows(path string, meta Meta, rows schema.Rows) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create chunk directory: %w", err)
	}

	fields := []arrow.Field{
		{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_us},
	}
	for _, col := range rows.Columns {
		fields = append(fields, arrow.Field{Name: col, Type: arrow.PrimitiveTypes.Float64})
	}

	kv := arrow.NewMetadata(
		[]string{"series_id", "frequency", "range_start", "range_end", "ingest_id"},
		[]string{
			meta.SeriesID,
			string(meta.Frequency),
			meta.Start.UTC().Format(time.RFC3339),
			meta.End.UTC().Format(time.RFC3339),
			c.ingestID,
		},
	)
	arrowSchema := arrow.NewSchema(fields, &kv)

	tempPath := path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	writer, err := ipc.NewFileWriter(file, ipc.WithSchema(arrowSchema))
	if err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("create arrow file writer: %w", err)
	}

	if rows.Len() > 0 {
		record := c.buildRecord(arrowSchema, rows)
		err = writer.Write(record)
		record.Release()
		if err != nil {
			writer.Close()
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("write record: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("close arrow writer: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename into place: %w", err)
	}

	c.logger.Debug("Wrote chunk file",
		zap.String("path", path),
		zap.Int("rows", rows.Len()))

	return nil
}

func (c *Codec) buildRecord(arrowSchema *arrow.Schema, rows schema.Rows) arrow.Record {
	builder := array.NewRecordBuilder(c.mem, arrowSchema)
	defer builder.Release()

	tsBuilder := builder.Field(0).(*array.TimestampBuilder)
	for _, row := range rows.Rows {
		tsBuilder.Append(arrow.Timestamp(row.Timestamp.UTC().UnixMicro()))
		for i := range rows.Columns {
			fb := builder.Field(i + 1).(*array.Float64Builder)
			if i < len(row.Values) {
				fb.Append(row.Values[i])
			} else {
				fb.AppendNull()
			}
		}
	}

	return builder.NewRecord()
}
