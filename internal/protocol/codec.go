package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/1ureka/nub/internal/nub"
)

// CheckPayload verifies that a payload of n bytes fits l.
func CheckPayload(l LengthClass, n int) error {
	if l.IsFixed() {
		if n != l.size {
			return nub.Wrap(nub.SizeMismatch, nub.None, fmt.Errorf("payload is %d bytes, %s", n, l))
		}
		return nil
	}
	if n > l.MaxPayload() {
		return nub.Wrap(nub.TooLarge, nub.None, fmt.Errorf("payload is %d bytes, %s carries at most %d", n, l, l.MaxPayload()))
	}
	return nil
}

// AppendHeader appends the frame header, and the reliable prefix when the
// reliable flag is set.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, h.InterfaceID, h.MessageID, h.Flags)
	if h.IsReliable() {
		dst = binary.LittleEndian.AppendUint32(dst, h.Epoch)
		dst = binary.LittleEndian.AppendUint32(dst, h.Base)
		dst = binary.LittleEndian.AppendUint32(dst, h.Seq)
	}
	return dst
}

// AppendBody appends the length prefix (Variable only) and the payload.
func AppendBody(dst []byte, l LengthClass, payload []byte) ([]byte, error) {
	if err := CheckPayload(l, len(payload)); err != nil {
		return dst, err
	}
	switch l.width {
	case 1:
		dst = append(dst, uint8(len(payload)))
	case 2:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	case 4:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	}
	return append(dst, payload...), nil
}

// AppendFrame appends a complete, unfragmented message.
func AppendFrame(dst []byte, h Header, l LengthClass, payload []byte) ([]byte, error) {
	h.Flags &^= FlagFragment
	start := len(dst)
	dst = AppendHeader(dst, h)
	out, err := AppendBody(dst, l, payload)
	if err != nil {
		return dst[:start], err
	}
	return out, nil
}

// AppendFragment appends one fragment: header, fragment header and slice.
func AppendFragment(dst []byte, h Header, fh FragmentHeader, slice []byte) []byte {
	h.Flags |= FlagFragment
	dst = AppendHeader(dst, h)
	dst = binary.LittleEndian.AppendUint32(dst, fh.Seq)
	dst = binary.LittleEndian.AppendUint16(dst, fh.Index)
	dst = binary.LittleEndian.AppendUint16(dst, fh.Count)
	return append(dst, slice...)
}

// DecodeBody decodes a reassembled body, which must be exactly one payload of
// class l with nothing left over.
func DecodeBody(l LengthClass, body []byte) ([]byte, error) {
	payload, n, err := readBody(l, body)
	if err != nil {
		return nil, err
	}
	if n != len(body) {
		return nil, nub.Wrap(nub.CorruptedPacket, nub.None,
			fmt.Errorf("%d trailing bytes after %s body", len(body)-n, l))
	}
	return payload, nil
}

// readBody reads one body of class l from the front of data and returns the
// payload and the number of bytes consumed.
func readBody(l LengthClass, data []byte) ([]byte, int, error) {
	if l.IsFixed() {
		if len(data) < l.size {
			return nil, 0, nub.Wrap(nub.CorruptedPacket, nub.None,
				fmt.Errorf("%s body truncated to %d bytes", l, len(data)))
		}
		return data[:l.size], l.size, nil
	}
	if len(data) < l.width {
		return nil, 0, nub.Wrap(nub.CorruptedPacket, nub.None, fmt.Errorf("length prefix truncated"))
	}
	var n int
	switch l.width {
	case 1:
		n = int(data[0])
	case 2:
		n = int(binary.LittleEndian.Uint16(data))
	case 4:
		n = int(binary.LittleEndian.Uint32(data))
	}
	end := l.width + n
	if end < l.width || end > len(data) {
		return nil, 0, nub.Wrap(nub.CorruptedPacket, nub.None,
			fmt.Errorf("declared length %d exceeds remaining %d bytes", n, len(data)-l.width))
	}
	return data[l.width:end], end, nil
}

// DecodeDatagram splits a datagram into frames. The whole datagram is
// rejected on the first framing error: an unknown (interface, message) pair
// stops parsing because the length of what follows cannot be known. A
// fragment frame consumes the rest of the datagram. Payloads alias data.
func DecodeDatagram(data []byte, res Resolver) ([]Frame, error) {
	if len(data) == 0 {
		return nil, nub.Wrap(nub.CorruptedPacket, nub.None, fmt.Errorf("empty datagram"))
	}

	var frames []Frame
	for off := 0; off < len(data); {
		if len(data)-off < HeaderSize {
			return nil, nub.Wrap(nub.CorruptedPacket, nub.None,
				fmt.Errorf("%d stray bytes at offset %d", len(data)-off, off))
		}
		h := Header{InterfaceID: data[off], MessageID: data[off+1], Flags: data[off+2]}
		off += HeaderSize

		if h.IsReliable() {
			if len(data)-off < ReliableSize {
				return nil, nub.Wrap(nub.CorruptedPacket, nub.None, fmt.Errorf("reliable prefix truncated"))
			}
			h.Epoch = binary.LittleEndian.Uint32(data[off:])
			h.Base = binary.LittleEndian.Uint32(data[off+EpochSize:])
			h.Seq = binary.LittleEndian.Uint32(data[off+EpochSize+SeqSize:])
			off += ReliableSize
		}

		l, err := res.LengthClass(h.InterfaceID, h.MessageID)
		if err != nil {
			return nil, err
		}

		if h.IsFragment() {
			if len(data)-off < FragmentHeaderSize {
				return nil, nub.Wrap(nub.CorruptedPacket, nub.None, fmt.Errorf("fragment header truncated"))
			}
			fh := FragmentHeader{
				Seq:   binary.LittleEndian.Uint32(data[off:]),
				Index: binary.LittleEndian.Uint16(data[off+4:]),
				Count: binary.LittleEndian.Uint16(data[off+6:]),
			}
			off += FragmentHeaderSize
			if fh.Count == 0 || fh.Index >= fh.Count {
				return nil, nub.Wrap(nub.CorruptedPacket, nub.None,
					fmt.Errorf("fragment %d of %d", fh.Index, fh.Count))
			}
			frames = append(frames, Frame{Header: h, Fragment: fh, Payload: data[off:]})
			break
		}

		payload, n, err := readBody(l, data[off:])
		if err != nil {
			return nil, err
		}
		off += n
		frames = append(frames, Frame{Header: h, Payload: payload})
	}
	return frames, nil
}
