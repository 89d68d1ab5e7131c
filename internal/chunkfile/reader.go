package chunkfile

import (
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"

	"github.com/trade-engine/series-archiver/pkg/schema"
)

// Info summarizes a chunk file without decoding its rows: the embedded range
// metadata plus the row count from the IPC footer.
type Info struct {
	Meta    Meta
	Rows    int64
	Columns []string
}

// ReadInfo reads the footer and schema metadata of the chunk file at path.
func (c *Codec) ReadInfo(path string) (Info, error) {
	file, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open chunk file: %w", err)
	}
	defer file.Close()

	reader, err := ipc.NewFileReader(file)
	if err != nil {
		return Info{}, fmt.Errorf("read arrow footer %s: %w", path, err)
	}
	defer reader.Close()

	info := Info{Meta: parseMeta(reader.Schema())}
	for i := 1; i < reader.Schema().NumFields(); i++ {
		info.Columns = append(info.Columns, reader.Schema().Field(i).Name)
	}
	for i := 0; i < reader.NumRecords(); i++ {
		record, err := reader.Record(i)
		if err != nil {
			return Info{}, fmt.Errorf("read record %d of %s: %w", i, path, err)
		}
		info.Rows += record.NumRows()
	}

	return info, nil
}

// ReadRows decodes the full contents of the chunk file at path.
func (c *Codec) ReadRows(path string) (schema.Rows, error) {
	file, err := os.Open(path)
	if err != nil {
		return schema.Rows{}, fmt.Errorf("open chunk file: %w", err)
	}
	defer file.Close()

	reader, err := ipc.NewFileReader(file)
	if err != nil {
		return schema.Rows{}, fmt.Errorf("read arrow footer %s: %w", path, err)
	}
	defer reader.Close()

	var rows schema.Rows
	for i := 1; i < reader.Schema().NumFields(); i++ {
		rows.Columns = append(rows.Columns, reader.Schema().Field(i).Name)
	}

	for i := 0; i < reader.NumRecords(); i++ {
		record, err := reader.Record(i)
		if err != nil {
			return schema.Rows{}, fmt.Errorf("read record %d of %s: %w", i, path, err)
		}

		tsCol, ok := record.Column(0).(*array.Timestamp)
		if !ok {
			return schema.Rows{}, fmt.Errorf("chunk file %s: first column is not a timestamp", path)
		}

		for row := 0; row < int(record.NumRows()); row++ {
			out := schema.Row{
				Timestamp: time.UnixMicro(int64(tsCol.Value(row))).UTC(),
				Values:    make([]float64, 0, len(rows.Columns)),
			}
			for col := 1; col < int(record.NumCols()); col++ {
				values, ok := record.Column(col).(*array.Float64)
				if !ok {
					return schema.Rows{}, fmt.Errorf("chunk file %s: column %d is not float64", path, col)
				}
				out.Values = append(out.Values, values.Value(row))
			}
			rows.Rows = append(rows.Rows, out)
		}
	}

	return rows, nil
}

func parseMeta(s *arrow.Schema) Meta {
	md := s.Metadata()
	meta := Meta{}
	if v, ok := lookupMeta(md, "series_id"); ok {
		meta.SeriesID = v
	}
	if v, ok := lookupMeta(md, "frequency"); ok {
		meta.Frequency = schema.Frequency(v)
	}
	if v, ok := lookupMeta(md, "range_start"); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			meta.Start = ts
		}
	}
	if v, ok := lookupMeta(md, "range_end"); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			meta.End = ts
		}
	}
	return meta
}

func lookupMeta(md arrow.Metadata, key string) (string, bool) {
	idx := md.FindKey(key)
	if idx < 0 {
		return "", false
	}
	return md.Values()[idx], true
}
