// Package protocol implements the TLV message framing used on the real-time
// transport's binary channel, plus the JSON payloads carried inside frames.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/containerd/errdefs"
)

const (
	tagSize    = 4
	lengthSize = 4
	headerSize = tagSize + lengthSize
)

// Frame is a decoded TLV frame: a 4-byte ASCII tag and a UTF-8 payload.
type Frame struct {
	Tag  string
	Text string
}

// Encode builds a TLV frame: 4-byte tag (NUL padded when shorter), 4-byte
// big-endian payload length, then the UTF-8 payload bytes.
func Encode(tag, text string) ([]byte, error) {
	if len(tag) > tagSize {
		return nil, fmt.Errorf("encode frame: tag %q longer than %d bytes: %w", tag, tagSize, errdefs.ErrInvalidArgument)
	}
	buf := make([]byte, headerSize+len(text))
	copy(buf[:tagSize], tag)
	binary.BigEndian.PutUint32(buf[tagSize:headerSize], uint32(len(text)))
	copy(buf[headerSize:], text)
	return buf, nil
}

// Decode parses a TLV frame. The declared payload length is validated against
// the actual buffer size so a corrupt or truncated frame can never read out
// of bounds; such frames yield an error and nothing dispatchable.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < headerSize {
		return Frame{}, fmt.Errorf("decode frame: %d bytes is shorter than the %d byte header: %w", len(buf), headerSize, errdefs.ErrInvalidArgument)
	}
	tag := string(bytes.TrimRight(buf[:tagSize], "\x00"))
	length := binary.BigEndian.Uint32(buf[tagSize:headerSize])
	if uint64(length) > uint64(len(buf)-headerSize) {
		return Frame{}, fmt.Errorf("decode frame %q: declared length %d exceeds %d available bytes: %w", tag, length, len(buf)-headerSize, errdefs.ErrInvalidArgument)
	}
	return Frame{Tag: tag, Text: string(buf[headerSize : headerSize+int(length)])}, nil
}
