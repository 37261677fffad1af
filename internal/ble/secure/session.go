// Package secure implements the encrypted session layer: B3 envelopes
// carrying inner application frames under AES-CTR with deterministic
// per-sequence IVs and truncated-HMAC tags, plus the per-direction
// sequence counters that give the channel its replay protection.
package secure

import (
	"encoding/binary"
	"errors"
	"fmt"

	blecrypto "github.com/chaz8081/keylink/internal/ble/crypto"
	"github.com/chaz8081/keylink/internal/ble/frame"
)

// Sentinel errors. Any of them (except ErrReplay and ErrUnexpectedOp)
// means the session is dead and a fresh handshake is required.
var (
	ErrSeqExhausted = errors.New("secure: sequence counter exhausted")
	ErrReplay       = errors.New("secure: sequence mismatch, frame dropped")
	ErrMACMismatch  = errors.New("secure: envelope MAC mismatch")
	ErrRehandshake  = errors.New("secure: peer forced re-handshake")
	ErrMalformed    = errors.New("secure: malformed envelope")
	ErrUnexpectedOp = errors.New("secure: unexpected inner op")
)

// Direction bytes mixed into IV and MAC inputs, so client and server
// keystreams never collide even at equal sequence numbers.
const (
	dirClient = 'C'
	dirServer = 'S'
)

// SessionKeys are the subkeys of one MTLS session.
type SessionKeys struct {
	Enc []byte // 32 B; first 16 feed AES-128-CTR
	MAC []byte // 32 B
	IV  []byte // 32 B, keys the per-frame IV PRF
}

// DeriveSessionKeys expands the HKDF session key into its subkeys.
func DeriveSessionKeys(sessKey []byte) SessionKeys {
	return SessionKeys{
		Enc: blecrypto.HMAC(sessKey, []byte("ENC")),
		MAC: blecrypto.HMAC(sessKey, []byte("MAC")),
		IV:  blecrypto.HMAC(sessKey, []byte("IVK")),
	}
}

// Session is the state of one live secure channel. It is owned by the
// bridge; all mutation happens through Seal and Open.
type Session struct {
	SID    uint32
	SeqOut uint16
	SeqIn  uint16
	Keys   SessionKeys

	dead bool
}

// NewSession creates a live session with zeroed counters.
func NewSession(sid uint32, keys SessionKeys) *Session {
	return &Session{SID: sid, Keys: keys}
}

// Dead reports whether the session has been abandoned.
func (s *Session) Dead() bool { return s.dead }

// Abandon marks the session unusable and wipes its key material.
func (s *Session) Abandon() {
	s.dead = true
	blecrypto.Zero(s.Keys.Enc)
	blecrypto.Zero(s.Keys.MAC)
	blecrypto.Zero(s.Keys.IV)
}

func (s *Session) sidBE() []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], s.SID)
	return b[:]
}

func seqBE(seq uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], seq)
	return b[:]
}

// iv derives the deterministic 16-byte IV for one direction+sequence.
func (s *Session) iv(dir byte, seq uint16) []byte {
	return blecrypto.Tag(s.Keys.IV, []byte("IV1"), s.sidBE(), []byte{dir}, seqBE(seq))
}

// Seal wraps an inner application frame [op|len LE|payload] into an
// outer B3 frame ready for the wire, consuming one outbound sequence
// number. When SeqOut reaches 0xFFFF the session is abandoned instead:
// reusing a sequence would reuse an IV.
func (s *Session) Seal(innerOp byte, payload []byte) ([]byte, error) {
	if s.dead {
		return nil, fmt.Errorf("secure: seal on abandoned session")
	}
	if s.SeqOut == 0xFFFF {
		s.Abandon()
		return nil, ErrSeqExhausted
	}
	inner, err := frame.Encode(innerOp, payload)
	if err != nil {
		return nil, fmt.Errorf("secure: encode inner: %w", err)
	}

	seq := s.SeqOut
	cipher, err := blecrypto.CTRApply(s.Keys.Enc, s.iv(dirClient, seq), inner)
	if err != nil {
		return nil, fmt.Errorf("secure: encrypt: %w", err)
	}
	mac := blecrypto.Tag(s.Keys.MAC, []byte("ENCM"), s.sidBE(), []byte{dirClient}, seqBE(seq), cipher)

	outer := make([]byte, 0, 4+len(cipher)+len(mac))
	outer = append(outer, seqBE(seq)...)
	var clen [2]byte
	binary.BigEndian.PutUint16(clen[:], uint16(len(cipher)))
	outer = append(outer, clen[:]...)
	outer = append(outer, cipher...)
	outer = append(outer, mac...)

	wire, err := frame.Encode(frame.OpEnvelope, outer)
	if err != nil {
		return nil, fmt.Errorf("secure: encode outer: %w", err)
	}
	s.SeqOut++
	return wire, nil
}

// Open verifies and decrypts one received B3 envelope payload,
// returning the inner frame. Replayed or out-of-order envelopes are
// dropped without advancing SeqIn and without killing the session; a
// MAC failure or a malformed envelope abandons the session.
func (s *Session) Open(outer []byte) (frame.Frame, error) {
	if s.dead {
		return frame.Frame{}, fmt.Errorf("secure: open on abandoned session")
	}
	if len(outer) < 4+blecrypto.TagLen {
		s.Abandon()
		return frame.Frame{}, ErrMalformed
	}
	seq := binary.BigEndian.Uint16(outer[0:2])
	clen := int(binary.BigEndian.Uint16(outer[2:4]))
	if len(outer) != 4+clen+blecrypto.TagLen {
		s.Abandon()
		return frame.Frame{}, ErrMalformed
	}
	cipher := outer[4 : 4+clen]
	mac := outer[4+clen:]

	if seq != s.SeqIn {
		return frame.Frame{}, ErrReplay
	}

	expect := blecrypto.Tag(s.Keys.MAC, []byte("ENCM"), s.sidBE(), []byte{dirServer}, seqBE(seq), cipher)
	if !blecrypto.TagEqual(mac, expect) {
		s.Abandon()
		return frame.Frame{}, ErrMACMismatch
	}

	inner, err := blecrypto.CTRApply(s.Keys.Enc, s.iv(dirServer, seq), cipher)
	if err != nil {
		s.Abandon()
		return frame.Frame{}, fmt.Errorf("secure: decrypt: %w", err)
	}
	if len(inner) < frame.HeaderLen {
		s.Abandon()
		return frame.Frame{}, ErrMalformed
	}
	plen := int(binary.LittleEndian.Uint16(inner[1:3]))
	if len(inner) != frame.HeaderLen+plen {
		s.Abandon()
		return frame.Frame{}, ErrMalformed
	}
	s.SeqIn++
	return frame.Frame{Op: inner[0], Payload: inner[frame.HeaderLen:]}, nil
}

// SealServer produces the envelope the dongle would send for the given
// inner frame at sequence seq. The host never transmits in the server
// direction; this lives next to Seal so dongle simulators stay
// byte-exact with the channel.
func (s *Session) SealServer(seq uint16, innerOp byte, payload []byte) ([]byte, error) {
	inner, err := frame.Encode(innerOp, payload)
	if err != nil {
		return nil, err
	}
	cipher, err := blecrypto.CTRApply(s.Keys.Enc, s.iv(dirServer, seq), inner)
	if err != nil {
		return nil, err
	}
	mac := blecrypto.Tag(s.Keys.MAC, []byte("ENCM"), s.sidBE(), []byte{dirServer}, seqBE(seq), cipher)

	outer := make([]byte, 0, 4+len(cipher)+len(mac))
	outer = append(outer, seqBE(seq)...)
	var clen [2]byte
	binary.BigEndian.PutUint16(clen[:], uint16(len(cipher)))
	outer = append(outer, clen[:]...)
	outer = append(outer, cipher...)
	outer = append(outer, mac...)
	return frame.Encode(frame.OpEnvelope, outer)
}
