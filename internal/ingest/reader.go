package ingest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ryabkov82/crm-bulk-upsert/internal/runerr"
)

// SourceOptions controls how the source file is opened
type SourceOptions struct {
	// Encoding of the source file; empty means UTF-8
	Encoding string
	// AllowedBaseDir restricts the source to a directory tree when set
	AllowedBaseDir string
}

// Reader streams a source file line by line. The first line is the header.
type Reader struct {
	path       string
	file       *os.File
	reader     *bufio.Reader
	header     string
	headerRead bool
	lineNo     int64
	eof        bool
}

// OpenSource validates the path and opens the file for sequential reading
func OpenSource(path string, opts SourceOptions) (*Reader, error) {
	resolvedPath := path
	if opts.AllowedBaseDir != "" {
		p, err := ValidatePath(path, opts.AllowedBaseDir)
		if err != nil {
			return nil, runerr.New(runerr.SourceUnavailable, "open source", err)
		}
		resolvedPath = p
	}

	if err := ValidatePathExists(resolvedPath); err != nil {
		return nil, runerr.New(runerr.SourceUnavailable, "open source", err)
	}

	enc, err := sourceEncoding(opts.Encoding)
	if err != nil {
		return nil, runerr.New(runerr.SourceUnavailable, "open source", err)
	}

	file, err := os.Open(resolvedPath)
	if err != nil {
		return nil, runerr.New(runerr.SourceUnavailable, "open source", fmt.Errorf("failed to open file: %w", err))
	}

	var r io.Reader
	if enc != nil {
		r = transform.NewReader(file, enc.NewDecoder())
	} else {
		// UTF-8 with an optional byte order mark
		r = transform.NewReader(file, unicode.BOMOverride(transform.Nop))
	}

	return &Reader{
		path:   resolvedPath,
		file:   file,
		reader: bufio.NewReaderSize(r, 64*1024),
	}, nil
}

// sourceEncoding maps an encoding name to its decoder. nil means UTF-8.
func sourceEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "shift_jis", "sjis":
		return japanese.ShiftJIS, nil
	case "euc-jp":
		return japanese.EUCJP, nil
	case "windows-1251":
		return charmap.Windows1251, nil
	case "windows-1252":
		return charmap.Windows1252, nil
	}
	return nil, fmt.Errorf("unsupported source encoding: %s", name)
}

// Path returns the resolved source path
func (r *Reader) Path() string {
	return r.path
}

// Header returns the first line without its terminator.
// A source without a header line is a partition failure.
func (r *Reader) Header() (string, error) {
	if r.headerRead {
		return r.header, nil
	}

	line, err := r.readLine()
	if err == io.EOF {
		return "", runerr.Errorf(runerr.PartitionFailure, "read header", "source %s has no header line", r.path)
	}
	if err != nil {
		return "", runerr.New(runerr.PartitionFailure, "read header", err)
	}

	r.header = line
	r.headerRead = true
	return line, nil
}

// Next returns the next body line, or io.EOF when the source is exhausted
func (r *Reader) Next() (string, error) {
	if !r.headerRead {
		if _, err := r.Header(); err != nil {
			return "", err
		}
	}

	line, err := r.readLine()
	if err == io.EOF {
		return "", io.EOF
	}
	if err != nil {
		return "", runerr.New(runerr.PartitionFailure, "read line", err)
	}
	return line, nil
}

// LineNo returns the number of lines read so far, header included
func (r *Reader) LineNo() int64 {
	return r.lineNo
}

// readLine reads one line and strips the \n or \r\n terminator.
// A final line without a terminator is still returned.
func (r *Reader) readLine() (string, error) {
	if r.eof {
		return "", io.EOF
	}

	line, err := r.reader.ReadString('\n')
	if err == io.EOF {
		r.eof = true
		if line == "" {
			return "", io.EOF
		}
	} else if err != nil {
		return "", fmt.Errorf("read error at line %d: %w", r.lineNo+1, err)
	}

	r.lineNo++
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// Close closes the source file
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
