package at

import (
	"bufio"
	"io"
	"strings"
)

// LineReader frames raw modem bytes into lines terminated by S3, or a
// single-byte data/SMS prompt token. It exposes the underlying
// *bufio.Reader so a registered Parser can perform a synchronous
// follow-up read for a length-framed binary payload (e.g. "+QIRD: 120"
// followed by 120 raw bytes) without losing its place in the stream.
type LineReader struct {
	br         *bufio.Reader
	S3         byte
	DataMarker byte
}

// NewLineReader wraps r with the default terminator ('\r') and data
// marker ('>'); vendor shims may override both via the exported fields.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{
		br:         bufio.NewReaderSize(r, 4096),
		S3:         DefaultS3,
		DataMarker: DefaultDataMarker,
	}
}

// Reader returns the underlying buffered reader for raw byte access.
func (lr *LineReader) Reader() *bufio.Reader { return lr.br }

// ReadToken reads the next line or prompt token. isPrompt is true when the
// token is the bare DataMarker byte; line is the terminated text otherwise,
// with any leading LF (left over from a preceding CRLF pair) absorbed.
func (lr *LineReader) ReadToken() (line string, isPrompt bool, err error) {
	if b, err := lr.br.Peek(1); err == nil && len(b) == 1 && b[0] == '\n' {
		lr.br.Discard(1)
	}

	if b, err := lr.br.Peek(1); err == nil && len(b) == 1 && b[0] == lr.DataMarker {
		lr.br.Discard(1)
		return "", true, nil
	}

	raw, err := lr.br.ReadString(lr.S3)
	if err != nil {
		return strings.TrimSuffix(raw, string(lr.S3)), false, err
	}
	return strings.TrimSuffix(raw, string(lr.S3)), false, nil
}

// ReadExact reads exactly n raw bytes, for use by Parsers handling framed
// binary payloads.
func (lr *LineReader) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(lr.br, buf)
	return buf, err
}
