package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/1ureka/nub/internal/nub"
)

// Reader is the payload reader handed to message handlers. Reads past the end
// return a CorruptedPacket error and leave the reader exhausted.
type Reader struct {
	data []byte
	off  int
}

// NewReader returns a Reader over payload.
func NewReader(payload []byte) *Reader {
	return &Reader{data: payload}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.data) - r.off }

// Bytes returns the unread bytes without consuming them.
func (r *Reader) Bytes() []byte { return r.data[r.off:] }

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 {
		return nil, nub.Wrap(nub.CorruptedPacket, nub.None, fmt.Errorf("read of negative length %d", n))
	}
	if r.Len() < n {
		r.off = len(r.data)
		return nil, nub.Wrap(nub.CorruptedPacket, nub.None, fmt.Errorf("read %d bytes: %w", n, io.ErrUnexpectedEOF))
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Uint8 reads one byte.
func (r *Reader) Uint8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a little-endian uint16.
func (r *Reader) Uint16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Next reads n raw bytes. The result aliases the payload.
func (r *Reader) Next(n int) ([]byte, error) {
	return r.next(n)
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.Len() == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}
