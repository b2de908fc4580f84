// Package wire implements the framed byte stream the shim protocol runs on:
// a file descriptor plus a single 4 KiB scratch buffer used either for
// read-ahead or for write-back, never both at once.
//
// The discipline is enforced by convention, not by the type: the protocol is
// strictly request/response, so each side of a pipe is only ever read from or
// only ever written to. A flush is mandatory at every message boundary on the
// writing side; until then buffered bytes are not visible to the peer.
package wire

import (
	"fmt"
	"io"
	"os"
)

// bufferSize is the size of the scratch buffer shared by the read-ahead and
// write-back paths.
const bufferSize = 4096

// Stream wraps a file descriptor with exact-length read and write operations.
// It owns the descriptor and closes it on Close.
type Stream struct {
	f *os.File

	buf  [bufferSize]byte
	used int // reading: end of the valid window; writing: bytes pending flush
	pos  int // reading: cursor into the valid window
}

// NewStream takes ownership of f. The caller must not use f afterwards.
func NewStream(f *os.File) *Stream {
	return &Stream{f: f}
}

// ReadExact fills p entirely from the stream, refilling the scratch buffer
// from the descriptor whenever the read cursor catches the window end.
// EOF before len(p) bytes is an error: the protocol never has trailing
// partial records, so a short read means the peer died mid-message.
func (s *Stream) ReadExact(p []byte) error {
	total := 0
	for total < len(p) {
		if s.pos >= s.used {
			n, err := s.f.Read(s.buf[:])
			if n <= 0 {
				if err == nil || err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return fmt.Errorf("wire: read %s: %w", s.f.Name(), err)
			}
			s.used = n
			s.pos = 0
		}
		n := copy(p[total:], s.buf[s.pos:s.used])
		s.pos += n
		total += n
	}
	return nil
}

// WriteExact appends p to the scratch buffer, flushing to the descriptor
// whenever the buffer fills. It does not guarantee a syscall per call;
// callers must Flush at message boundaries.
func (s *Stream) WriteExact(p []byte) error {
	for len(p) > 0 {
		if s.used == bufferSize {
			if err := s.Flush(); err != nil {
				return err
			}
		}
		n := copy(s.buf[s.used:], p)
		s.used += n
		p = p[n:]
	}
	return nil
}

// Flush drains any buffered bytes to the descriptor. After a successful
// flush the buffer is empty and all prior writes are visible to the peer.
// Flushing an empty buffer is a no-op.
func (s *Stream) Flush() error {
	if s.used == 0 {
		return nil
	}
	if _, err := s.f.Write(s.buf[:s.used]); err != nil {
		return fmt.Errorf("wire: flush %s: %w", s.f.Name(), err)
	}
	s.used = 0
	s.pos = 0
	return nil
}

// Close closes the underlying descriptor. Buffered writes are discarded;
// flush first if they matter.
func (s *Stream) Close() error {
	return s.f.Close()
}
