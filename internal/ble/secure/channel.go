package secure

import (
	"errors"
	"fmt"
	"time"

	"github.com/chaz8081/keylink/internal/ble/frame"
)

// Link is the slice of the transport the channel needs: raw writes out,
// notification chunks in. *ble.Transport satisfies it.
type Link interface {
	Write(payload []byte) error
	AwaitNotification(timeout time.Duration) ([]byte, bool)
}

// ErrTimeout is returned when the dongle does not answer in time.
var ErrTimeout = errors.New("secure: reply timed out")

// Channel runs application exchanges over a live session. Not safe for
// concurrent use; the bridge serializes operations.
type Channel struct {
	link Link
	sess *Session
	asm  frame.Assembler
}

// NewChannel binds a session to a link.
// Panics if either is nil (programmer error).
func NewChannel(link Link, sess *Session) *Channel {
	if link == nil || sess == nil {
		panic("secure: NewChannel called with nil link or session")
	}
	return &Channel{link: link, sess: sess}
}

// Session exposes the underlying session for state checks.
func (c *Channel) Session() *Session { return c.sess }

// AwaitFrame reassembles notification chunks until a complete outer
// frame arrives or the deadline passes.
func (c *Channel) AwaitFrame(timeout time.Duration) (frame.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return frame.Frame{}, ErrTimeout
		}
		chunk, ok := c.link.AwaitNotification(remain)
		if !ok {
			return frame.Frame{}, ErrTimeout
		}
		if frames := c.asm.Feed(chunk); len(frames) > 0 {
			// Operations are strictly request/reply; at most one frame
			// is in flight, so the first complete one is the answer.
			return frames[0], nil
		}
	}
}

// SendPlain writes an unencrypted outer frame. Used only for raw key
// taps (0xE0), which trade confidentiality of a single keycode for
// latency and expect no ack.
func (c *Channel) SendPlain(op byte, payload []byte) error {
	if c.sess.Dead() {
		return fmt.Errorf("secure: send on abandoned session")
	}
	wire, err := frame.Encode(op, payload)
	if err != nil {
		return err
	}
	return c.link.Write(wire)
}

// Exchange seals and sends one inner frame, then waits for the inner
// reply with the expected op. Replayed envelopes are dropped silently;
// a fresh B0 from the dongle, a MAC failure, or a malformed envelope
// abandons the session. An inner 0xFF is surfaced as an error carrying
// the device's reason text.
func (c *Channel) Exchange(innerOp byte, payload []byte, expectOp byte, timeout time.Duration) ([]byte, error) {
	wire, err := c.sess.Seal(innerOp, payload)
	if err != nil {
		return nil, err
	}
	if err := c.link.Write(wire); err != nil {
		return nil, fmt.Errorf("secure: write: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, ErrTimeout
		}
		f, err := c.AwaitFrame(remain)
		if err != nil {
			return nil, err
		}

		switch f.Op {
		case frame.OpEnvelope:
			inner, err := c.sess.Open(f.Payload)
			if errors.Is(err, ErrReplay) {
				continue // replayed frame: no side effect, keep waiting
			}
			if err != nil {
				return nil, err
			}
			if inner.Op == frame.OpError {
				return nil, fmt.Errorf("secure: device error: %s", string(inner.Payload))
			}
			if inner.Op != expectOp {
				return nil, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrUnexpectedOp, inner.Op, expectOp)
			}
			return inner.Payload, nil

		case frame.OpServerHello:
			// The dongle restarted its session state mid-flight.
			c.sess.Abandon()
			return nil, ErrRehandshake

		default:
			// Plaintext noise while expecting ciphertext; ignore.
			continue
		}
	}
}
