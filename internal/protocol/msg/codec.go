package msg

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/pamshim/internal/protocol/wire"
)

// Decode-side sanity limits. The peer is a sibling process speaking the same
// protocol, so anything past these bounds is a desynchronized stream, not a
// legitimate message.
const (
	maxTextLen    = 1 << 20 // 1 MiB per text
	maxArrayCount = 1 << 16 // elements per array
)

var hostEndian = binary.NativeEndian

func writeInt32(s *wire.Stream, v int32) error {
	var b [4]byte
	hostEndian.PutUint32(b[:], uint32(v))
	return s.WriteExact(b[:])
}

func readInt32(s *wire.Stream, v *int32) error {
	var b [4]byte
	if err := s.ReadExact(b[:]); err != nil {
		return err
	}
	*v = int32(hostEndian.Uint32(b[:]))
	return nil
}

func writeUint32(s *wire.Stream, v uint32) error {
	var b [4]byte
	hostEndian.PutUint32(b[:], v)
	return s.WriteExact(b[:])
}

func readUint32(s *wire.Stream, v *uint32) error {
	var b [4]byte
	if err := s.ReadExact(b[:]); err != nil {
		return err
	}
	*v = hostEndian.Uint32(b[:])
	return nil
}

func writeUint64(s *wire.Stream, v uint64) error {
	var b [8]byte
	hostEndian.PutUint64(b[:], v)
	return s.WriteExact(b[:])
}

func readUint64(s *wire.Stream, v *uint64) error {
	var b [8]byte
	if err := s.ReadExact(b[:]); err != nil {
		return err
	}
	*v = hostEndian.Uint64(b[:])
	return nil
}

// writeText encodes a nullable text as (uint64 length, bytes including NUL).
// nil encodes as length 0; the empty string encodes as length 1.
func writeText(s *wire.Stream, str *string) error {
	if str == nil {
		return writeUint64(s, 0)
	}
	if err := writeUint64(s, uint64(len(*str))+1); err != nil {
		return err
	}
	if err := s.WriteExact([]byte(*str)); err != nil {
		return err
	}
	return s.WriteExact([]byte{0})
}

// readText decodes a nullable text. Length 0 yields nil; otherwise the
// trailing NUL is stripped from the returned string.
func readText(s *wire.Stream, str **string) error {
	var n uint64
	if err := readUint64(s, &n); err != nil {
		return err
	}
	if n == 0 {
		*str = nil
		return nil
	}
	if n > maxTextLen {
		return fmt.Errorf("msg: text of %d bytes: %w", n, ErrProtocol)
	}
	buf := make([]byte, n)
	if err := s.ReadExact(buf); err != nil {
		return err
	}
	if buf[n-1] == 0 {
		buf = buf[:n-1]
	}
	v := string(buf)
	*str = &v
	return nil
}

func readCount(s *wire.Stream) (uint64, error) {
	var n uint64
	if err := readUint64(s, &n); err != nil {
		return 0, err
	}
	if n > maxArrayCount {
		return 0, fmt.Errorf("msg: array of %d elements: %w", n, ErrProtocol)
	}
	return n, nil
}

// textOrNil adapts a plain string to the nullable wire shape, treating the
// value as always present. Used for fields the protocol requires.
func textOrNil(v string) *string {
	return &v
}
