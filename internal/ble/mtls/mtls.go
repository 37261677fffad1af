// Package mtls implements the dongle's two handshake subprotocols over
// the shared outer framing: APPKEY provisioning (A-phase, password
// proof via PBKDF2 then key delivery, optionally AES-CTR wrapped) and
// session establishment (B-phase, ECDH P-256 authenticated with the
// APPKEY, finishing in the subkeys of a secure session).
package mtls

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/unicode/norm"

	blecrypto "github.com/chaz8081/keylink/internal/ble/crypto"
	"github.com/chaz8081/keylink/internal/ble/frame"
	"github.com/chaz8081/keylink/internal/ble/secure"
)

// Link is the transport slice the handshake needs.
type Link interface {
	Write(payload []byte) error
	AwaitNotification(timeout time.Duration) ([]byte, bool)
}

// PasswordPrompt supplies the provisioning password as a mutable
// buffer. The handshake zeroes it before returning, on every path.
type PasswordPrompt func() ([]byte, error)

// Handshake errors.
var (
	ErrNoServerHello  = errors.New("mtls: no B0 from device")
	ErrBadMAC         = errors.New("mtls: device rejected client MAC (BADMAC)")
	ErrDerive         = errors.New("mtls: device key derivation failed")
	ErrFinishMismatch = errors.New("mtls: SFIN mismatch")
	ErrNoAppKey       = errors.New("mtls: no APPKEY stored for device")
	ErrTimeout        = errors.New("mtls: handshake reply timed out")
)

// Provisioning errors, classified from the device's 0xFF payloads.
var (
	ErrBadPassword        = errors.New("mtls: device rejected the password proof")
	ErrAlreadyProvisioned = errors.New("mtls: device already has an app key")
	ErrLockedNeedReset    = errors.New("mtls: device is locked, factory reset required")
	ErrRateLimited        = errors.New("mtls: device is rate-limiting key requests")
	ErrKDFMissing         = errors.New("mtls: device has no key derivation configured")
	ErrNoPendingChallenge = errors.New("mtls: device has no pending challenge")
	ErrDeviceSendFail     = errors.New("mtls: device failed to send its reply")
)

// Options bounds the handshake waits.
type Options struct {
	ReplyTimeout time.Duration // per A/B reply
	HelloWait    time.Duration // window for the unsolicited B0
}

// DefaultOptions returns the production timeouts.
func DefaultOptions() Options {
	return Options{
		ReplyTimeout: 5 * time.Second,
		HelloWait:    4 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = 5 * time.Second
	}
	if o.HelloWait <= 0 {
		o.HelloWait = 4 * time.Second
	}
	return o
}

// awaitFrame reassembles notification chunks into one outer frame.
func awaitFrame(link Link, asm *frame.Assembler, timeout time.Duration) (frame.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return frame.Frame{}, ErrTimeout
		}
		chunk, ok := link.AwaitNotification(remain)
		if !ok {
			return frame.Frame{}, ErrTimeout
		}
		if frames := asm.Feed(chunk); len(frames) > 0 {
			return frames[0], nil
		}
	}
}

// ClassifyDeviceError maps a device 0xFF reason to a stable error. The
// raw text is preserved only when no class matches.
func ClassifyDeviceError(reason []byte) error {
	text := string(reason)
	switch {
	case bytes.Contains(reason, []byte("LOCKED_SINGLE_NEED_RESET")):
		return ErrLockedNeedReset
	case bytes.Contains(reason, []byte("already set")):
		return ErrAlreadyProvisioned
	case bytes.Contains(reason, []byte("KDF missing")):
		return ErrKDFMissing
	case bytes.Contains(reason, []byte("GET_APPKEY blocked")):
		return ErrRateLimited
	case bytes.Contains(reason, []byte("bad proof")), bytes.Contains(reason, []byte("HMAC fail")):
		return ErrBadPassword
	case bytes.Contains(reason, []byte("no pending chal")):
		return ErrNoPendingChallenge
	case bytes.Contains(reason, []byte("send fail")):
		return ErrDeviceSendFail
	case bytes.Contains(reason, []byte("BADMAC")):
		return ErrBadMAC
	case bytes.Contains(reason, []byte("DERIVE")):
		return ErrDerive
	default:
		return fmt.Errorf("mtls: device error: %s", text)
	}
}

// awaitReply waits for the handshake reply with the wanted op. Device
// 0xFF frames become classified errors. A stray B0 is skipped: the
// dongle emits its hello on every fresh session, even when the host is
// about to run the A-phase instead.
func awaitReply(link Link, asm *frame.Assembler, want byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, ErrTimeout
		}
		f, err := awaitFrame(link, asm, remain)
		if err != nil {
			return nil, err
		}
		switch f.Op {
		case want:
			return f.Payload, nil
		case frame.OpError:
			return nil, ClassifyDeviceError(f.Payload)
		case frame.OpServerHello:
			continue
		default:
			return nil, fmt.Errorf("mtls: unexpected op 0x%02x awaiting 0x%02x", f.Op, want)
		}
	}
}

// challenge is one parsed A2 payload.
type challenge struct {
	salt  []byte // 16
	iters int
	chal  []byte // 16
}

// requestChallenge sends A0 and parses the A2 reply.
func requestChallenge(link Link, asm *frame.Assembler, opts Options) (*challenge, error) {
	req, err := frame.Encode(frame.OpKeyRequest, nil)
	if err != nil {
		return nil, err
	}
	if err := link.Write(req); err != nil {
		return nil, fmt.Errorf("mtls: write A0: %w", err)
	}
	payload, err := awaitReply(link, asm, frame.OpKeyChallenge, opts.ReplyTimeout)
	if err != nil {
		return nil, err
	}
	if len(payload) != 16+4+16 {
		return nil, fmt.Errorf("mtls: malformed A2 payload of %d bytes", len(payload))
	}
	return &challenge{
		salt:  payload[0:16],
		iters: int(binary.LittleEndian.Uint32(payload[16:20])),
		chal:  payload[20:36],
	}, nil
}

// proveAndFetch derives the proof for one password attempt, sends A3,
// and recovers the delivered key from A1. The password buffer is not
// consumed here; the caller owns its lifetime.
func proveAndFetch(link Link, asm *frame.Assembler, ch *challenge, password []byte, opts Options) ([]byte, error) {
	verif := blecrypto.PBKDF2Key(password, ch.salt, ch.iters)
	defer blecrypto.Zero(verif)

	proof := blecrypto.HMAC(verif, []byte("APPKEY"), ch.chal)
	wire, err := frame.Encode(frame.OpKeyProof, proof)
	if err != nil {
		return nil, err
	}
	if err := link.Write(wire); err != nil {
		return nil, fmt.Errorf("mtls: write A3: %w", err)
	}

	payload, err := awaitReply(link, asm, frame.OpKeyDelivery, opts.ReplyTimeout)
	if err != nil {
		return nil, err
	}
	switch len(payload) {
	case 32:
		// Legacy raw delivery.
		key := make([]byte, 32)
		copy(key, payload)
		return key, nil
	case 32 + blecrypto.TagLen:
		return unwrapKey(verif, ch.chal, payload)
	default:
		return nil, fmt.Errorf("mtls: malformed A1 payload of %d bytes", len(payload))
	}
}

// unwrapKey recovers the APPKEY from the wrapped A1 form
// cipher(32) || mac(16).
func unwrapKey(verif, chal, payload []byte) ([]byte, error) {
	cipher := payload[:32]
	mac := payload[32:]

	wrapKey := blecrypto.HMAC(verif, []byte("AKWRAP"), chal)
	defer blecrypto.Zero(wrapKey)

	expect := blecrypto.Tag(wrapKey, []byte("AKMAC"), chal, cipher)
	if !blecrypto.TagEqual(mac, expect) {
		return nil, fmt.Errorf("mtls: wrapped key MAC mismatch")
	}
	iv := blecrypto.Tag(verif, []byte("AKIV"), chal)
	key, err := blecrypto.CTRApply(wrapKey, iv, cipher)
	if err != nil {
		return nil, fmt.Errorf("mtls: unwrap key: %w", err)
	}
	return key, nil
}

// normalizePassword returns the NFKC-normalized, whitespace-trimmed
// form of the password, or nil if normalization changes nothing.
func normalizePassword(password []byte) []byte {
	normalized := bytes.TrimSpace(norm.NFKC.Bytes(password))
	if bytes.Equal(normalized, password) {
		return nil
	}
	out := make([]byte, len(normalized))
	copy(out, normalized)
	return out
}

// Provision runs the A-phase against a connected dongle and returns the
// 32-byte APPKEY. On a rejected proof it retries once with the
// NFKC-normalized, trimmed password against a freshly issued
// challenge. Password material is zeroed before returning.
func Provision(link Link, prompt PasswordPrompt, opts Options) ([]byte, error) {
	if prompt == nil {
		return nil, fmt.Errorf("mtls: provisioning requires a password prompt")
	}
	opts = opts.withDefaults()
	var asm frame.Assembler

	ch, err := requestChallenge(link, &asm, opts)
	if err != nil {
		return nil, err
	}

	password, err := prompt()
	if err != nil {
		return nil, fmt.Errorf("mtls: password prompt: %w", err)
	}
	defer blecrypto.Zero(password)

	key, err := proveAndFetch(link, &asm, ch, password, opts)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrBadPassword) {
		return nil, err
	}

	// One retry with the normalized password. Phones love to smuggle
	// trailing newlines and compatibility forms into password fields.
	normalized := normalizePassword(password)
	if normalized == nil {
		return nil, err
	}
	defer blecrypto.Zero(normalized)
	slog.Info("[MTLS] proof rejected, retrying with normalized password")

	ch, err = requestChallenge(link, &asm, opts)
	if err != nil {
		return nil, err
	}
	return proveAndFetch(link, &asm, ch, normalized, opts)
}

// Establish runs the B-phase: waits for the dongle's unsolicited B0,
// answers with an authenticated ephemeral key, checks the dongle's
// finish MAC, and returns the installed session.
func Establish(link Link, appKey []byte, opts Options) (*secure.Session, error) {
	if len(appKey) != 32 {
		return nil, ErrNoAppKey
	}
	opts = opts.withDefaults()
	var asm frame.Assembler

	// B0: srvPub(65) || sid(4 BE), unsolicited after notify readiness.
	var srvPubRaw, sidBE []byte
	var sid uint32
	deadline := time.Now().Add(opts.HelloWait)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, ErrNoServerHello
		}
		f, err := awaitFrame(link, &asm, remain)
		if err != nil {
			return nil, ErrNoServerHello
		}
		if f.Op != frame.OpServerHello {
			continue // stray traffic before the hello
		}
		if len(f.Payload) != blecrypto.PublicKeyLen+4 {
			return nil, fmt.Errorf("mtls: malformed B0 payload of %d bytes", len(f.Payload))
		}
		srvPubRaw = f.Payload[:blecrypto.PublicKeyLen]
		sidBE = f.Payload[blecrypto.PublicKeyLen:]
		sid = binary.BigEndian.Uint32(sidBE)
		break
	}

	srvPub, err := blecrypto.ParsePublicKey(srvPubRaw)
	if err != nil {
		return nil, err
	}

	cliPriv, cliPubRaw, err := blecrypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	// B1: cliPub || HMAC(APPKEY, "KEYX" || sid || srvPub || cliPub)[:16]
	mac := blecrypto.Tag(appKey, []byte("KEYX"), sidBE, srvPubRaw, cliPubRaw)
	b1, err := frame.Encode(frame.OpClientHello, append(append([]byte{}, cliPubRaw...), mac...))
	if err != nil {
		return nil, err
	}
	if err := link.Write(b1); err != nil {
		return nil, fmt.Errorf("mtls: write B1: %w", err)
	}

	finishMAC, err := awaitReply(link, &asm, frame.OpServerFinish, opts.ReplyTimeout)
	if err != nil {
		return nil, err
	}
	if len(finishMAC) != blecrypto.TagLen {
		return nil, fmt.Errorf("mtls: malformed B2 payload of %d bytes", len(finishMAC))
	}

	shared, err := blecrypto.SharedSecret(cliPriv, srvPub)
	if err != nil {
		return nil, err
	}
	defer blecrypto.Zero(shared)

	info := append(append(append([]byte("MT1"), sidBE...), srvPubRaw...), cliPubRaw...)
	sessKey, err := blecrypto.HKDF(appKey, shared, info, 32)
	if err != nil {
		return nil, err
	}
	defer blecrypto.Zero(sessKey)

	keys := secure.DeriveSessionKeys(sessKey)
	finish := blecrypto.Tag(keys.MAC, []byte("SFIN"), sidBE, srvPubRaw, cliPubRaw)
	if !blecrypto.TagEqual(finishMAC, finish) {
		blecrypto.Zero(keys.Enc)
		blecrypto.Zero(keys.MAC)
		blecrypto.Zero(keys.IV)
		return nil, ErrFinishMismatch
	}

	slog.Info("[MTLS] session established", "sid", sid)
	return secure.NewSession(sid, keys), nil
}
