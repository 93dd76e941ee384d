package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/nekocode/agent-team/errors"
)

// MaxLineBytes caps a single framed message. Lines past the cap fail the
// read rather than growing without bound.
const MaxLineBytes = 1 << 20

// LineReader reads newline-delimited JSON messages from a byte stream.
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader wraps a stream. The reader owns its buffering; do not read
// from r elsewhere afterwards.
func NewLineReader(r io.Reader) *LineReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineBytes)
	return &LineReader{scanner: scanner}
}

// next returns the next non-empty line, or nil at EOF.
func (lr *LineReader) next() ([]byte, error) {
	for lr.scanner.Scan() {
		line := bytes.TrimSpace(lr.scanner.Bytes())
		if len(line) > 0 {
			return line, nil
		}
	}
	if err := lr.scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, errors.New("message exceeds %d byte limit", MaxLineBytes)
		}
		return nil, errors.Wrapf(err, "failed to read from socket")
	}
	return nil, nil
}

// Read decodes the next message from the stream. Returns (nil, nil) on a
// clean EOF.
func Read[T any](lr *LineReader) (*T, error) {
	line, err := lr.next()
	if err != nil || line == nil {
		return nil, err
	}
	var msg T
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode message")
	}
	return &msg, nil
}

// LineWriter writes newline-delimited JSON messages to a byte stream.
type LineWriter struct {
	w io.Writer
}

// NewLineWriter wraps a stream.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// Write encodes one message followed by a newline.
func Write[T any](lw *LineWriter, msg T) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "failed to encode message")
	}
	data = append(data, '\n')
	if _, err := lw.w.Write(data); err != nil {
		return errors.Wrapf(err, "failed to write to socket")
	}
	return nil
}
