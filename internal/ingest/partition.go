package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/ryabkov82/crm-bulk-upsert/internal/runerr"
)

// Default batch ceilings
const (
	DefaultMaxBytesPerBatch = 10_000_000
	DefaultMaxRowsPerBatch  = 10_000
)

// PartitionOptions configures the partitioner
type PartitionOptions struct {
	MaxBytesPerBatch int64
	MaxRowsPerBatch  int
	// StagingDir holds the temporary batch file; empty means os.TempDir()
	StagingDir string
}

// Partitioner splits body lines into header-prefixed batches bounded by
// byte and row ceilings
type Partitioner struct {
	maxBytes   int64
	maxRows    int
	stagingDir string
}

// NewPartitioner creates a partitioner, filling zero options with defaults
func NewPartitioner(opts PartitionOptions) *Partitioner {
	p := &Partitioner{
		maxBytes:   opts.MaxBytesPerBatch,
		maxRows:    opts.MaxRowsPerBatch,
		stagingDir: opts.StagingDir,
	}
	if p.maxBytes <= 0 {
		p.maxBytes = DefaultMaxBytesPerBatch
	}
	if p.maxRows <= 0 {
		p.maxRows = DefaultMaxRowsPerBatch
	}
	return p
}

// Partition reads lines from src and calls emit for every batch, numbered from 1.
//
// Each batch starts with header, which counts toward its bytes and lines.
// Before a line is added the batch is flushed when it holds at least one data
// row and either the line would push it past the byte ceiling or its line
// count (header included) already exceeds the row ceiling. A batch therefore
// carries at most MaxRowsPerBatch data rows, and a single row larger than the
// byte ceiling travels alone. A trailing header-only batch is dropped.
//
// The staging file is reused between batches and removed before Partition returns.
func (p *Partitioner) Partition(ctx context.Context, header string, src LineSource, emit func(*Batch) error) (stats Stats, err error) {
	staged, err := os.CreateTemp(p.stagingDir, "bulk-batch-*.csv")
	if err != nil {
		return stats, runerr.New(runerr.PartitionFailure, "create staging file", err)
	}
	defer func() {
		var result *multierror.Error
		if cerr := staged.Close(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
		if rerr := os.Remove(staged.Name()); rerr != nil && !os.IsNotExist(rerr) {
			result = multierror.Append(result, rerr)
		}
		if cleanupErr := result.ErrorOrNil(); cleanupErr != nil && err == nil {
			err = runerr.New(runerr.PartitionFailure, "remove staging file", cleanupErr)
		}
	}()

	headerLine := header + "\n"
	w := bufio.NewWriterSize(staged, 256*1024)

	var (
		seq        int64
		batchBytes int64
		batchLines int
		batchRows  int
	)

	start := func() error {
		if err := staged.Truncate(0); err != nil {
			return err
		}
		if _, err := staged.Seek(0, io.SeekStart); err != nil {
			return err
		}
		w.Reset(staged)
		if _, err := w.WriteString(headerLine); err != nil {
			return err
		}
		batchBytes = int64(len(headerLine))
		batchLines = 1
		batchRows = 0
		return nil
	}

	flush := func() error {
		if err := w.Flush(); err != nil {
			return runerr.New(runerr.PartitionFailure, "stage batch", err)
		}
		if err := staged.Sync(); err != nil {
			return runerr.New(runerr.PartitionFailure, "stage batch", err)
		}

		seq++
		b := &Batch{Seq: seq, Rows: batchRows, Bytes: batchBytes, staged: staged}
		stats.Batches++
		stats.Bytes += batchBytes

		if err := emit(b); err != nil {
			if runerr.KindOf(err) != "" {
				return err
			}
			return runerr.New(runerr.PartitionFailure, fmt.Sprintf("emit batch %d", seq), err)
		}
		if err := start(); err != nil {
			return runerr.New(runerr.PartitionFailure, "stage batch", err)
		}
		return nil
	}

	if err := start(); err != nil {
		return stats, runerr.New(runerr.PartitionFailure, "stage batch", err)
	}

	for {
		select {
		case <-ctx.Done():
			return stats, runerr.New(runerr.PartitionFailure, "partition", ctx.Err())
		default:
		}

		line, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if runerr.KindOf(err) != "" {
				return stats, err
			}
			return stats, runerr.New(runerr.PartitionFailure, "read line", err)
		}

		lineBytes := int64(len(line)) + 1
		if batchRows > 0 && (batchBytes+lineBytes > p.maxBytes || batchLines > p.maxRows) {
			if err := flush(); err != nil {
				return stats, err
			}
		}

		if _, err := w.WriteString(line); err != nil {
			return stats, runerr.New(runerr.PartitionFailure, "stage batch", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return stats, runerr.New(runerr.PartitionFailure, "stage batch", err)
		}
		batchBytes += lineBytes
		batchLines++
		batchRows++
		stats.Rows++
	}

	if batchRows > 0 {
		if err := flush(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
