// Package frame implements the dongle's outer wire framing: every
// message is [op u8][len u16 LE][payload]. Notifications arrive as
// arbitrary chunks, so the Assembler reassembles them into discrete
// frames, resyncing past garbage one byte at a time.
package frame

import (
	"encoding/binary"
	"fmt"
)

// MaxPayloadLen is the largest payload the dongle ever sends or
// accepts. Anything claiming more is treated as garbage and skipped.
const MaxPayloadLen = 1024

// HeaderLen is the fixed size of the op + length prefix.
const HeaderLen = 3

// Frame is a single reassembled message. Semantic interpretation of
// Op and Payload belongs to the layers above.
type Frame struct {
	Op      byte
	Payload []byte
}

// Encode serializes a frame to its wire form.
func Encode(op byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("frame: payload %d exceeds max %d", len(payload), MaxPayloadLen)
	}
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Assembler accumulates notification chunks and emits complete frames.
// It owns its buffer exclusively; Feed must be called from a single
// goroutine (the notification consumer).
type Assembler struct {
	buf []byte
}

// Feed appends a chunk and returns every frame that is now complete.
// A header whose length field is implausible (> MaxPayloadLen) cannot
// be trusted, so the assembler advances one byte and retries until a
// plausible header lines up. Trailing partial bytes are retained for
// the next chunk.
func (a *Assembler) Feed(chunk []byte) []Frame {
	a.buf = append(a.buf, chunk...)

	var frames []Frame
	for {
		if len(a.buf) < HeaderLen {
			break
		}
		plen := int(binary.LittleEndian.Uint16(a.buf[1:3]))
		if plen > MaxPayloadLen {
			// Resync: this offset cannot start a frame.
			a.buf = a.buf[1:]
			continue
		}
		if len(a.buf) < HeaderLen+plen {
			// Plausible header, payload still in flight.
			break
		}
		payload := make([]byte, plen)
		copy(payload, a.buf[HeaderLen:HeaderLen+plen])
		frames = append(frames, Frame{Op: a.buf[0], Payload: payload})
		a.buf = a.buf[HeaderLen+plen:]
	}

	// Drop the consumed prefix for real instead of aliasing it forever.
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return frames
}

// Pending returns the number of buffered bytes not yet part of a
// complete frame.
func (a *Assembler) Pending() int {
	return len(a.buf)
}

// Reset discards any partially buffered bytes. Called when the
// transport drops so stale bytes never prefix the next session.
func (a *Assembler) Reset() {
	a.buf = nil
}
