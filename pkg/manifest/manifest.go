// Package manifest writes a parquet listing of every exported object, so a dump
// tree can be audited or reconciled without a connection to the source.
package manifest

import (
	"bytes"
	"context"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	"github.com/block/lomig/pkg/checkpoint"
	"github.com/block/lomig/pkg/dump"
)

const defaultRowsPerGroup = 64 * 1024

// Source streams export checkpoints; *checkpoint.Store implements it.
type Source interface {
	EachExported(ctx context.Context, fn func(checkpoint.Exported) error) error
}

func Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "object_id", Type: arrow.PrimitiveTypes.Uint32},
		{Name: "pages", Type: arrow.PrimitiveTypes.Int32},
		{Name: "path", Type: arrow.BinaryTypes.String},
	}, nil)
}

// Build encodes every export checkpoint of src as a snappy compressed parquet
// file and returns it with its row count.
func Build(ctx context.Context, src Source, rowsPerGroup int) ([]byte, int, error) {
	if rowsPerGroup <= 0 {
		rowsPerGroup = defaultRowsPerGroup
	}
	schema := Schema()
	buffer := bytes.NewBuffer(nil)
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(schema, buffer, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, 0, err
	}

	recordBuilder := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer recordBuilder.Release()

	var rows, pending int
	flush := func() error {
		record := recordBuilder.NewRecord()
		defer record.Release()
		pending = 0

		return writer.Write(record)
	}

	err = src.EachExported(ctx, func(e checkpoint.Exported) error {
		recordBuilder.Field(0).(*array.Uint32Builder).Append(uint32(e.ID))
		recordBuilder.Field(1).(*array.Int32Builder).Append(int32(e.Pages))
		recordBuilder.Field(2).(*array.StringBuilder).Append(dump.Key(e.ID))
		rows++
		pending++
		if pending == rowsPerGroup {
			return flush()
		}

		return nil
	})
	if err == nil && pending > 0 {
		err = flush()
	}
	if closeErr := writer.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, 0, err
	}

	return buffer.Bytes(), rows, nil
}
