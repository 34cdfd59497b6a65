// Package frames implements AMQP 1.0 frame parsing and the performative
// bodies carried on connections, sessions, and links (§2.3, §2.7).
package frames

import (
	"fmt"

	"github.com/ootahi/amqpcore/internal/buffer"
)

// HeaderSize is the fixed 8-byte frame header length (§2.3.1): a 4-byte
// size, 1-byte data offset, 1-byte type, and 2-byte channel.
const HeaderSize = 8

// Header is the fixed frame header preceding every frame body.
type Header struct {
	Size       uint32
	DataOffset uint8
	FrameType  uint8
	Channel    uint16
}

// Type identifies the frame's protocol: AMQP or SASL.
type Type = uint8

const (
	TypeAMQP Type = 0x0
	TypeSASL Type = 0x1
)

// ParseHeader reads the 8-byte frame header from r.
func ParseHeader(r *buffer.Buffer) (Header, error) {
	buf, ok := r.Next(HeaderSize)
	if !ok {
		return Header{}, fmt.Errorf("frames: truncated frame header")
	}
	size := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	h := Header{
		Size:       size,
		DataOffset: buf[4],
		FrameType:  buf[5],
		Channel:    uint16(buf[6])<<8 | uint16(buf[7]),
	}
	if h.Size < HeaderSize {
		return Header{}, fmt.Errorf("frames: invalid frame size %d", h.Size)
	}
	if h.DataOffset < 2 {
		return Header{}, fmt.Errorf("frames: invalid data offset %d", h.DataOffset)
	}
	return h, nil
}

// Marshal writes the header in wire order.
func (h Header) Marshal(wr *buffer.Buffer) error {
	wr.AppendUint32(h.Size)
	wr.AppendByte(h.DataOffset)
	wr.AppendByte(h.FrameType)
	wr.AppendUint16(h.Channel)
	return nil
}

// FrameBody adds type safety to frame encoding: every performative and
// SASL body implements it as a marker.
type FrameBody interface {
	frameBody()
}
