// Package storage persists canonical and export tables as Parquet files.
package storage

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/xitongsys/parquet-go-source/local"
	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

const parallelism = 4

// WriteRows writes rows to path as a snappy-compressed Parquet file. T must
// be a struct with parquet tags. The file is assembled in memory and renamed
// into place so readers never observe a partial file.
func WriteRows[T any](path string, rows []T) error {
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewParquetWriter(pfw, new(T), parallelism)
	if err != nil {
		return eris.Wrap(err, "storage: create parquet writer")
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return eris.Wrapf(err, "storage: write row %d", i)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return eris.Wrap(err, "storage: finish parquet")
	}
	_ = pfw.Close()

	return writeFileAtomic(path, buf.Bytes())
}

// ReadRows reads every row of a Parquet file written by WriteRows.
func ReadRows[T any](path string) ([]T, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, eris.Wrapf(err, "storage: open %s", path)
	}
	defer fr.Close() //nolint:errcheck

	pr, err := reader.NewParquetReader(fr, new(T), parallelism)
	if err != nil {
		return nil, eris.Wrapf(err, "storage: read parquet footer %s", path)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	rows := make([]T, n)
	if n == 0 {
		return rows, nil
	}
	if err := pr.Read(&rows); err != nil {
		return nil, eris.Wrapf(err, "storage: read rows %s", path)
	}
	return rows, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "storage: mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return eris.Wrap(err, "storage: create temp file")
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return eris.Wrap(err, "storage: chmod temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return eris.Wrap(err, "storage: write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return eris.Wrap(err, "storage: close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return eris.Wrapf(err, "storage: rename into %s", path)
	}
	return nil
}
