package tracelog

import (
	"bufio"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const maxLineSize = 64 << 20

// Record is one decoded line. Line counts every physical line of the
// input, starting at zero.
type Record struct {
	Line  int
	PID   int
	Event Event
}

type Reader struct {
	sc   *bufio.Scanner
	line int
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &Reader{sc: sc, line: -1}
}

// Next returns the next line carrying a pid prefix, or io.EOF.
func (r *Reader) Next() (Record, error) {
	for r.sc.Scan() {
		r.line++
		pid, ev, ok := ParseLine(r.sc.Text())
		if !ok {
			continue
		}
		return Record{Line: r.line, PID: pid, Event: ev}, nil
	}
	if err := r.sc.Err(); err != nil {
		return Record{}, errors.Wrapf(err, "read line %d", r.line+1)
	}
	return Record{}, io.EOF
}

// ForEach calls fn for every record until the input ends or fn fails.
func (r *Reader) ForEach(fn func(Record) error) error {
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (rc readCloser) Close() error { return rc.close() }

// Open opens a log file, transparently decompressing gzip and zstd content.
// "-" reads standard input.
func Open(path string) (io.ReadCloser, error) {
	if path == "-" {
		return Decompress(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rc, err := Decompress(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return readCloser{Reader: rc, close: func() error {
		rc.Close()
		return f.Close()
	}}, nil
}

// Decompress inspects the first bytes of r and wraps it in a gzip or zstd
// decoder when they match the format's magic number.
func Decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(4)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, errors.Wrap(err, "peek header")
	}

	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "create gzip reader")
		}
		return gr, nil
	case len(header) >= 4 && header[0] == 0x28 && header[1] == 0xb5 && header[2] == 0x2f && header[3] == 0xfd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "create zstd reader")
		}
		return readCloser{Reader: zr, close: func() error {
			zr.Close()
			return nil
		}}, nil
	}
	return io.NopCloser(br), nil
}
