package device

import (
	"bytes"
	"errors"
	"io"
)

// maxLineLen bounds a telemetry line. A longer line is dropped whole, up to
// and including its newline.
const maxLineLen = 4096

var errLineTooLong = errors.New("device: telemetry line too long")

// lineReader splits a serial byte stream into newline-terminated lines.
type lineReader struct {
	r          io.Reader
	buf        []byte
	pending    []byte
	discarding bool // inside an over-long line, dropping until its newline
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: r, buf: make([]byte, 256)}
}

// Next performs one Read and returns every line it completed, terminator
// included, plus the number of bytes read. An idle read (timeout or io.EOF)
// returns n == 0 and no error. errLineTooLong is returned, alongside any
// good lines, once per over-long line.
func (lr *lineReader) Next() (lines []string, n int, err error) {
	n, err = lr.r.Read(lr.buf)
	if n > 0 {
		lr.pending = append(lr.pending, lr.buf[:n]...)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, n, err
	}

	tooLong := false
	for {
		idx := bytes.IndexByte(lr.pending, '\n')
		if idx < 0 {
			break
		}
		line := lr.pending[:idx+1]
		lr.pending = lr.pending[idx+1:]
		switch {
		case lr.discarding:
			lr.discarding = false
		case len(line) > maxLineLen:
			tooLong = true
		default:
			lines = append(lines, string(line))
		}
	}
	if lr.discarding || len(lr.pending) > maxLineLen {
		if !lr.discarding {
			tooLong = true
		}
		lr.discarding = true
		lr.pending = nil
	}
	if len(lr.pending) == 0 {
		lr.pending = nil
	}
	if tooLong {
		return lines, n, errLineTooLong
	}
	return lines, n, nil
}
