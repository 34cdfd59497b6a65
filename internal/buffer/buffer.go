// Package buffer implements a growable byte buffer used by the codec and
// framing layers to build and consume wire bytes without extra copies.
package buffer

import (
	"encoding/binary"
	"errors"
)

// Buffer is a read/write cursor over a byte slice.
//
// Writes always append to the end. Reads always consume from the front,
// advancing an internal offset. The zero value is a valid, empty Buffer.
type Buffer struct {
	b   []byte
	off int
}

// New creates a Buffer that reads from (and can append to) b.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Reset discards any buffered content, retaining the underlying storage.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.off = 0
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.off
}

// Bytes returns the unread portion of the buffer. The slice is only valid
// until the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.b[b.off:]
}

// Detach returns the unread portion and resets the Buffer to empty.
// The caller takes ownership of the returned slice.
func (b *Buffer) Detach() []byte {
	out := b.Bytes()
	b.b = nil
	b.off = 0
	return out
}

// Append writes p to the end of the buffer.
func (b *Buffer) Append(p []byte) {
	b.b = append(b.b, p...)
}

// AppendByte writes a single byte to the end of the buffer.
func (b *Buffer) AppendByte(v byte) {
	b.b = append(b.b, v)
}

// AppendString writes s to the end of the buffer.
func (b *Buffer) AppendString(s string) {
	b.b = append(b.b, s...)
}

// AppendUint16 writes v big-endian.
func (b *Buffer) AppendUint16(v uint16) {
	b.b = append(b.b, byte(v>>8), byte(v))
}

// AppendUint32 writes v big-endian.
func (b *Buffer) AppendUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

// AppendUint64 writes v big-endian.
func (b *Buffer) AppendUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

// ReadByte consumes and returns the next byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, errors.New("buffer: read past end")
	}
	v := b.b[b.off]
	b.off++
	return v, nil
}

// PeekByte returns the next byte without consuming it.
func (b *Buffer) PeekByte() (byte, error) {
	if b.Len() < 1 {
		return 0, errors.New("buffer: peek past end")
	}
	return b.b[b.off], nil
}

// Skip advances the read offset by n bytes.
func (b *Buffer) Skip(n int) {
	b.off += n
}

// Next consumes and returns the next n bytes. ok is false if fewer than
// n bytes remain, in which case the buffer is left untouched.
func (b *Buffer) Next(n int64) (buf []byte, ok bool) {
	if n < 0 || int64(b.Len()) < n {
		return nil, false
	}
	buf = b.b[b.off : b.off+int(n)]
	b.off += int(n)
	return buf, true
}

// Dup returns an independent cursor over the same backing storage: reads
// through the copy never advance the original, and vice versa. Used to
// peek ahead (e.g. a composite's descriptor) without committing to having
// consumed it.
func (b *Buffer) Dup() *Buffer {
	dup := *b
	return &dup
}

// ReadUint16 consumes a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	buf, ok := b.Next(2)
	if !ok {
		return 0, errors.New("buffer: read past end")
	}
	return binary.BigEndian.Uint16(buf), nil
}

// ReadUint32 consumes a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	buf, ok := b.Next(4)
	if !ok {
		return 0, errors.New("buffer: read past end")
	}
	return binary.BigEndian.Uint32(buf), nil
}

// ReadUint64 consumes a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	buf, ok := b.Next(8)
	if !ok {
		return 0, errors.New("buffer: read past end")
	}
	return binary.BigEndian.Uint64(buf), nil
}
