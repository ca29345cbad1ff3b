package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrFrameTooLarge is returned when an inbound frame exceeds MaxFrameSize
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrMalformedFrame is returned when a frame body cannot be decoded
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownFrame is returned for an unrecognised frame type
	ErrUnknownFrame = errors.New("unknown frame type")
)

type frameType uint64

const (
	frameHandshake frameType = 1
	frameOpen      frameType = 2
	frameClose     frameType = 3
)

func (t frameType) String() string {
	switch t {
	case frameHandshake:
		return "handshake"
	case frameOpen:
		return "open"
	case frameClose:
		return "close"
	default:
		return fmt.Sprintf("frame(%d)", uint64(t))
	}
}

// Body field numbers
const (
	fieldType    protowire.Number = 1
	fieldKey     protowire.Number = 2
	fieldChannel protowire.Number = 3
)

type frame struct {
	typ     frameType
	key     []byte
	channel uint64
}

// encode returns the length-prefixed wire form of f
func (f frame) encode() []byte {
	var body []byte
	body = protowire.AppendTag(body, fieldType, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(f.typ))
	if len(f.key) > 0 {
		body = protowire.AppendTag(body, fieldKey, protowire.BytesType)
		body = protowire.AppendBytes(body, f.key)
	}
	if f.channel != 0 {
		body = protowire.AppendTag(body, fieldChannel, protowire.VarintType)
		body = protowire.AppendVarint(body, f.channel)
	}

	out := make([]byte, 0, binary.MaxVarintLen64+len(body))
	out = binary.AppendUvarint(out, uint64(len(body)))
	return append(out, body...)
}

func decodeFrame(body []byte) (frame, error) {
	var f frame
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		body = body[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.typ = frameType(v)
			body = body[n:]
		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.key = append([]byte(nil), v...)
			body = body[n:]
		case num == fieldChannel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.channel = v
			body = body[n:]
		default:
			// skip fields added by newer peers
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			body = body[n:]
		}
	}

	if f.typ == 0 {
		return frame{}, fmt.Errorf("%w: missing frame type", ErrMalformedFrame)
	}
	return f, nil
}

// readFrame reads one length-prefixed frame. A clean end of stream before
// the length prefix returns io.EOF.
func readFrame(r *bufio.Reader, maxSize int) (frame, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return frame{}, io.EOF
		}
		return frame{}, err
	}
	if size > uint64(maxSize) {
		return frame{}, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, size, maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return frame{}, err
	}
	return decodeFrame(body)
}
