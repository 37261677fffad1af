// Package ops implements the high-level dongle verbs on top of the
// secure channel: typing a string with an MD5 echo check, layout
// get/set, factory reset, raw-fast mode, and single raw key taps.
package ops

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/chaz8081/keylink/internal/ble/frame"
)

// Channel is the secure-channel slice the verbs need. *secure.Channel
// satisfies it.
type Channel interface {
	Exchange(innerOp byte, payload []byte, expectOp byte, timeout time.Duration) ([]byte, error)
	SendPlain(op byte, payload []byte) error
}

// Protocol errors.
var (
	ErrHashMismatch = errors.New("ops: device echoed a different hash")
	ErrTypeRejected = errors.New("ops: device rejected the string")
	ErrEmptyInfo    = errors.New("ops: device info is empty")
	ErrNoLayout     = errors.New("ops: no layout field in device info")
	ErrBadRepeat    = errors.New("ops: repeat must be 1..255")
)

// typeTimeout bounds a full type-and-replay round trip; long strings
// replay at USB HID pace on the dongle before the D1 comes back.
const typeTimeout = 6 * time.Second

// ackTimeout bounds simple command acks.
const ackTimeout = 3 * time.Second

var layoutRE = regexp.MustCompile(`\bLAYOUT=([A-Z0-9_]+)`)

// Client exposes the dongle operations over one secure channel.
type Client struct {
	ch Channel
}

// NewClient wraps a live channel.
// Panics if ch is nil (programmer error).
func NewClient(ch Channel) *Client {
	if ch == nil {
		panic("ops: NewClient called with nil channel")
	}
	return &Client{ch: ch}
}

// TypeString sends text for the dongle to replay as keystrokes and
// verifies the integrity echo: the D1 reply carries a status byte and
// the MD5 of the bytes the dongle actually typed.
func (c *Client) TypeString(text string, appendNewline bool) error {
	payload := []byte(text)
	if appendNewline {
		payload = append(payload, '\n')
	}
	sum := md5.Sum(payload)

	reply, err := c.ch.Exchange(frame.OpTypeString, payload, frame.OpTypeResult, typeTimeout)
	if err != nil {
		return err
	}
	if len(reply) != 1+md5.Size {
		return fmt.Errorf("ops: malformed type result of %d bytes", len(reply))
	}
	if reply[0] != 0 {
		return fmt.Errorf("%w: status 0x%02x", ErrTypeRejected, reply[0])
	}
	if !bytes.Equal(reply[1:], sum[:]) {
		return ErrHashMismatch
	}
	return nil
}

// GetInfo fetches the dongle's full info string (layout, firmware
// fields) for the device sheet.
func (c *Client) GetInfo() (string, error) {
	reply, err := c.ch.Exchange(frame.OpGetInfo, nil, frame.OpInfo, ackTimeout)
	if err != nil {
		return "", err
	}
	if len(reply) == 0 {
		return "", ErrEmptyInfo
	}
	return string(reply), nil
}

// GetLayout extracts the active layout code from the info string.
func (c *Client) GetLayout() (string, error) {
	info, err := c.GetInfo()
	if err != nil {
		return "", err
	}
	m := layoutRE.FindStringSubmatch(info)
	if m == nil {
		return "", ErrNoLayout
	}
	return m[1], nil
}

// SetLayout switches the dongle's keyboard layout.
func (c *Client) SetLayout(code string) error {
	reply, err := c.ch.Exchange(frame.OpSetLayout, []byte(code), frame.OpAck, ackTimeout)
	if err != nil {
		return err
	}
	if len(reply) != 0 {
		return fmt.Errorf("ops: unexpected %d-byte payload in layout ack", len(reply))
	}
	return nil
}

// FactoryReset wipes the dongle's provisioning state. The stored
// APPKEY for the device is useless afterwards; the bridge clears it.
func (c *Client) FactoryReset() error {
	_, err := c.ch.Exchange(frame.OpFactoryReset, nil, frame.OpAck, ackTimeout)
	return err
}

// EnableFastKeys switches the dongle into raw-key mode, where 0xE0
// frames produce immediate HID reports.
func (c *Client) EnableFastKeys() error {
	_, err := c.ch.Exchange(frame.OpFastKeys, []byte{0x01}, frame.OpAck, ackTimeout)
	return err
}

// RawKeyTap sends a single modifier+usage tap. It is plain-framed (not
// wrapped in an envelope) to minimize latency, and expects no ack.
// Requires an established session with fast keys enabled; the bridge
// enforces that gate.
func (c *Client) RawKeyTap(mods, usage byte) error {
	return c.ch.SendPlain(frame.OpRawKey, []byte{mods, usage})
}

// RawKeyTapRepeat taps the key repeat times (1..255) in one frame.
func (c *Client) RawKeyTapRepeat(mods, usage, repeat byte) error {
	if repeat == 0 {
		return ErrBadRepeat
	}
	return c.ch.SendPlain(frame.OpRawKey, []byte{mods, usage, repeat})
}
