package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryabkov82/crm-bulk-upsert/internal/runerr"
)

// sliceSource is an in-memory LineSource
type sliceSource struct {
	lines []string
	pos   int
	err   error // returned once lines are exhausted, instead of io.EOF
}

func (s *sliceSource) Next() (string, error) {
	if s.pos >= len(s.lines) {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	line := s.lines[s.pos]
	s.pos++
	return line, nil
}

type emitted struct {
	seq     int64
	rows    int
	bytes   int64
	payload string
}

func collect(t *testing.T, batches *[]emitted) func(*Batch) error {
	return func(b *Batch) error {
		data, err := b.ReadPayload()
		require.NoError(t, err)
		*batches = append(*batches, emitted{seq: b.Seq, rows: b.Rows, bytes: b.Bytes, payload: string(data)})
		return nil
	}
}

func makeRows(n int) []string {
	rows := make([]string, n)
	for i := range rows {
		rows[i] = fmt.Sprintf("%d,Account %d", i+1, i+1)
	}
	return rows
}

func dataRows(t *testing.T, header, payload string) []string {
	t.Helper()
	require.True(t, strings.HasPrefix(payload, header+"\n"), "payload must start with the header")
	require.True(t, strings.HasSuffix(payload, "\n"), "payload must be newline-terminated")
	body := strings.TrimPrefix(payload, header+"\n")
	if body == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(body, "\n"), "\n")
}

func TestPartitionRowCeilingScenario(t *testing.T) {
	const header = "ACCOUNTNUMBER,Name"
	rows := makeRows(25000)

	var batches []emitted
	p := NewPartitioner(PartitionOptions{MaxRowsPerBatch: 10000, StagingDir: t.TempDir()})
	stats, err := p.Partition(context.Background(), header, &sliceSource{lines: rows}, collect(t, &batches))
	require.NoError(t, err)

	require.Len(t, batches, 3)
	assert.Equal(t, []int{10000, 10000, 5000}, []int{batches[0].rows, batches[1].rows, batches[2].rows})
	assert.Equal(t, int64(25000), stats.Rows)
	assert.Equal(t, int64(3), stats.Batches)

	var all []string
	for i, b := range batches {
		assert.Equal(t, int64(i+1), b.seq)
		assert.Equal(t, int64(len(b.payload)), b.bytes)
		got := dataRows(t, header, b.payload)
		assert.Len(t, got, b.rows)
		all = append(all, got...)
	}
	assert.Equal(t, rows, all, "rows must be preserved in order")
}

func TestPartitionExactMultiple(t *testing.T) {
	var batches []emitted
	p := NewPartitioner(PartitionOptions{MaxRowsPerBatch: 5, StagingDir: t.TempDir()})
	_, err := p.Partition(context.Background(), "H", &sliceSource{lines: makeRows(10)}, collect(t, &batches))
	require.NoError(t, err)

	require.Len(t, batches, 2, "no trailing header-only batch")
	assert.Equal(t, 5, batches[0].rows)
	assert.Equal(t, 5, batches[1].rows)
}

func TestPartitionHeaderOnlyYieldsNoBatches(t *testing.T) {
	var batches []emitted
	p := NewPartitioner(PartitionOptions{StagingDir: t.TempDir()})
	stats, err := p.Partition(context.Background(), "ACCOUNTNUMBER,Name", &sliceSource{}, collect(t, &batches))
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Zero(t, stats.Batches)
	assert.Zero(t, stats.Rows)
}

func TestPartitionByteCeiling(t *testing.T) {
	const header = "Id,Name" // 8 bytes with newline
	rows := []string{"1,aaaa", "2,bbbb", "3,cccc", "4,dddd", "5,eeee"} // 7 bytes each

	var batches []emitted
	p := NewPartitioner(PartitionOptions{MaxBytesPerBatch: 24, StagingDir: t.TempDir()})
	_, err := p.Partition(context.Background(), header, &sliceSource{lines: rows}, collect(t, &batches))
	require.NoError(t, err)

	// 8 + 7 + 7 = 22 fits, a third row would make 29
	require.Len(t, batches, 3)
	var all []string
	for _, b := range batches {
		assert.LessOrEqual(t, b.bytes, int64(24))
		all = append(all, dataRows(t, header, b.payload)...)
	}
	assert.Equal(t, []int{2, 2, 1}, []int{batches[0].rows, batches[1].rows, batches[2].rows})
	assert.Equal(t, rows, all)
}

func TestPartitionOversizeRowTravelsAlone(t *testing.T) {
	const header = "Id,Name"
	big := "2," + strings.Repeat("x", 100)
	rows := []string{"1,a", big, "3,c"}

	var batches []emitted
	p := NewPartitioner(PartitionOptions{MaxBytesPerBatch: 32, StagingDir: t.TempDir()})
	_, err := p.Partition(context.Background(), header, &sliceSource{lines: rows}, collect(t, &batches))
	require.NoError(t, err)

	require.Len(t, batches, 3)
	assert.Equal(t, []string{"1,a"}, dataRows(t, header, batches[0].payload))
	assert.Equal(t, []string{big}, dataRows(t, header, batches[1].payload))
	assert.Greater(t, batches[1].bytes, int64(32))
	assert.Equal(t, []string{"3,c"}, dataRows(t, header, batches[2].payload))
}

func TestPartitionPreservesEmptyLines(t *testing.T) {
	rows := []string{"1,a", "", "3,c"}

	var batches []emitted
	p := NewPartitioner(PartitionOptions{StagingDir: t.TempDir()})
	_, err := p.Partition(context.Background(), "H", &sliceSource{lines: rows}, collect(t, &batches))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "H\n1,a\n\n3,c\n", batches[0].payload)
	assert.Equal(t, 3, batches[0].rows)
}

func stagingFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPartitionRemovesStagingFile(t *testing.T) {
	dir := t.TempDir()
	p := NewPartitioner(PartitionOptions{MaxRowsPerBatch: 2, StagingDir: dir})

	var seen int
	_, err := p.Partition(context.Background(), "H", &sliceSource{lines: makeRows(5)}, func(b *Batch) error {
		seen++
		assert.Len(t, stagingFiles(t, dir), 1, "one staging file reused for every batch")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, seen)
	assert.Empty(t, stagingFiles(t, dir))
}

func TestPartitionReadFailure(t *testing.T) {
	dir := t.TempDir()
	src := &sliceSource{lines: makeRows(3), err: errors.New("disk gone")}

	p := NewPartitioner(PartitionOptions{StagingDir: dir})
	_, err := p.Partition(context.Background(), "H", src, func(*Batch) error { return nil })
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.PartitionFailure))
	assert.Contains(t, err.Error(), "disk gone")
	assert.Empty(t, stagingFiles(t, dir), "staging file removed on failure")
}

func TestPartitionEmitFailure(t *testing.T) {
	dir := t.TempDir()
	p := NewPartitioner(PartitionOptions{MaxRowsPerBatch: 1, StagingDir: dir})

	_, err := p.Partition(context.Background(), "H", &sliceSource{lines: makeRows(3)}, func(*Batch) error {
		return errors.New("upload refused")
	})
	assert.True(t, runerr.Is(err, runerr.PartitionFailure))

	kinded := runerr.New(runerr.JobCloseFailure, "close", nil)
	_, err = p.Partition(context.Background(), "H", &sliceSource{lines: makeRows(3)}, func(*Batch) error {
		return kinded
	})
	assert.True(t, runerr.Is(err, runerr.JobCloseFailure), "kinded emit errors pass through")
	assert.Empty(t, stagingFiles(t, dir))
}

func TestPartitionContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPartitioner(PartitionOptions{StagingDir: t.TempDir()})
	_, err := p.Partition(ctx, "H", &sliceSource{lines: makeRows(3)}, func(*Batch) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPartitionBadStagingDir(t *testing.T) {
	p := NewPartitioner(PartitionOptions{StagingDir: "/nonexistent/staging/dir"})
	_, err := p.Partition(context.Background(), "H", &sliceSource{lines: makeRows(1)}, func(*Batch) error { return nil })
	assert.True(t, runerr.Is(err, runerr.PartitionFailure))
}

func TestPartitionFromReader(t *testing.T) {
	rows := makeRows(7)
	content := "ACCOUNT_NO,Name\r\n" + strings.Join(rows, "\r\n") + "\r\n"

	r, err := OpenSource(writeSource(t, []byte(content)), SourceOptions{})
	require.NoError(t, err)
	defer r.Close()

	header, err := r.Header()
	require.NoError(t, err)
	header = NewHeaderRewrite([][2]string{{"ACCOUNT_NO", "ACCOUNTNUMBER"}}).Apply(header)

	var batches []emitted
	p := NewPartitioner(PartitionOptions{MaxRowsPerBatch: 3, StagingDir: t.TempDir()})
	_, err = p.Partition(context.Background(), header, r, collect(t, &batches))
	require.NoError(t, err)

	require.Len(t, batches, 3)
	var all []string
	for _, b := range batches {
		assert.NotContains(t, b.payload, "\r")
		all = append(all, dataRows(t, "ACCOUNTNUMBER,Name", b.payload)...)
	}
	assert.Equal(t, rows, all)
}
