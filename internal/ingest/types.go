package ingest

import (
	"bytes"
	"fmt"
	"io"
)

// LineSource yields body lines, returning io.EOF when exhausted
type LineSource interface {
	Next() (string, error)
}

// Batch is one chunk of the source: the rewritten header followed by data rows.
// Its payload lives in the partitioner's staging file and is only readable
// while the emit callback runs.
type Batch struct {
	Seq   int64
	Rows  int
	Bytes int64

	staged io.ReaderAt
}

// NewBatch creates a batch over an in-memory payload
func NewBatch(seq int64, rows int, payload []byte) *Batch {
	return &Batch{Seq: seq, Rows: rows, Bytes: int64(len(payload)), staged: bytes.NewReader(payload)}
}

// Payload returns a reader over the staged CSV payload
func (b *Batch) Payload() io.Reader {
	return io.NewSectionReader(b.staged, 0, b.Bytes)
}

// ReadPayload reads the whole payload into memory
func (b *Batch) ReadPayload() ([]byte, error) {
	data := make([]byte, b.Bytes)
	if _, err := io.ReadFull(b.Payload(), data); err != nil {
		return nil, fmt.Errorf("failed to read batch %d payload: %w", b.Seq, err)
	}
	return data, nil
}

// Stats summarizes a partition run
type Stats struct {
	Rows    int64
	Batches int64
	Bytes   int64
}
