package mtls

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	blecrypto "github.com/chaz8081/keylink/internal/ble/crypto"
	"github.com/chaz8081/keylink/internal/ble/frame"
)

// testLink queues notifications and routes writes to a handler.
type testLink struct {
	mu      sync.Mutex
	pending [][]byte
	handler func(wire []byte)
	writes  [][]byte
}

func (l *testLink) Write(payload []byte) error {
	l.mu.Lock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.writes = append(l.writes, cp)
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(cp)
	}
	return nil
}

func (l *testLink) AwaitNotification(timeout time.Duration) ([]byte, bool) {
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		if len(l.pending) > 0 {
			data := l.pending[0]
			l.pending = l.pending[1:]
			l.mu.Unlock()
			return data, true
		}
		l.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(time.Millisecond)
	}
}

func (l *testLink) notify(t *testing.T, op byte, payload []byte) {
	t.Helper()
	wire, err := frame.Encode(op, payload)
	if err != nil {
		t.Fatalf("encode 0x%02x: %v", op, err)
	}
	l.mu.Lock()
	l.pending = append(l.pending, wire)
	l.mu.Unlock()
}

func testOpts() Options {
	return Options{ReplyTimeout: 500 * time.Millisecond, HelloWait: 500 * time.Millisecond}
}

// provDongle simulates the A-phase server side.
type provDongle struct {
	t        *testing.T
	link     *testLink
	password []byte
	appKey   []byte
	wrapped  bool
	salt     []byte
	iters    int
	chal     []byte
	chalN    byte // varies the challenge per issue
}

func newProvDongle(t *testing.T, link *testLink, password string, wrapped bool) *provDongle {
	d := &provDongle{
		t:        t,
		link:     link,
		password: []byte(password),
		appKey:   bytes.Repeat([]byte{0x5F}, 32),
		wrapped:  wrapped,
		salt:     bytes.Repeat([]byte{0x01}, 16),
		iters:    1000,
	}
	link.handler = d.handle
	return d
}

func (d *provDongle) handle(wire []byte) {
	var asm frame.Assembler
	frames := asm.Feed(wire)
	if len(frames) != 1 {
		d.t.Fatalf("dongle received %d frames in one write", len(frames))
	}
	f := frames[0]
	switch f.Op {
	case frame.OpKeyRequest:
		d.chalN++
		d.chal = bytes.Repeat([]byte{d.chalN}, 16)
		payload := make([]byte, 36)
		copy(payload[0:16], d.salt)
		binary.LittleEndian.PutUint32(payload[16:20], uint32(d.iters))
		copy(payload[20:36], d.chal)
		d.link.notify(d.t, frame.OpKeyChallenge, payload)

	case frame.OpKeyProof:
		verif := blecrypto.PBKDF2Key(d.password, d.salt, d.iters)
		expect := blecrypto.HMAC(verif, []byte("APPKEY"), d.chal)
		if !bytes.Equal(f.Payload, expect) {
			d.link.notify(d.t, frame.OpError, []byte("bad proof"))
			return
		}
		if !d.wrapped {
			d.link.notify(d.t, frame.OpKeyDelivery, d.appKey)
			return
		}
		wrapKey := blecrypto.HMAC(verif, []byte("AKWRAP"), d.chal)
		iv := blecrypto.Tag(verif, []byte("AKIV"), d.chal)
		cipher, err := blecrypto.CTRApply(wrapKey, iv, d.appKey)
		if err != nil {
			d.t.Fatalf("dongle wrap: %v", err)
		}
		mac := blecrypto.Tag(wrapKey, []byte("AKMAC"), d.chal, cipher)
		d.link.notify(d.t, frame.OpKeyDelivery, append(cipher, mac...))
	}
}

func promptWith(password string) PasswordPrompt {
	return func() ([]byte, error) {
		return []byte(password), nil
	}
}

func TestProvisionLegacyRaw(t *testing.T) {
	link := &testLink{}
	dongle := newProvDongle(t, link, "hunter2", false)

	key, err := Provision(link, promptWith("hunter2"), testOpts())
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if !bytes.Equal(key, dongle.appKey) {
		t.Errorf("key = %x, want %x", key, dongle.appKey)
	}
}

func TestProvisionWrapped(t *testing.T) {
	link := &testLink{}
	dongle := newProvDongle(t, link, "hunter2", true)

	key, err := Provision(link, promptWith("hunter2"), testOpts())
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if !bytes.Equal(key, dongle.appKey) {
		t.Errorf("key = %x, want %x", key, dongle.appKey)
	}
}

// Wrong password with only whitespace damage: the first proof is
// rejected, the normalized retry against a fresh challenge succeeds.
func TestProvisionNormalizedRetry(t *testing.T) {
	link := &testLink{}
	dongle := newProvDongle(t, link, "pw", true)

	key, err := Provision(link, promptWith(" pw\n"), testOpts())
	if err != nil {
		t.Fatalf("Provision() with padded password error = %v", err)
	}
	if !bytes.Equal(key, dongle.appKey) {
		t.Errorf("key = %x, want %x", key, dongle.appKey)
	}
	if dongle.chalN != 2 {
		t.Errorf("challenge issued %d times, want 2 (fresh challenge for retry)", dongle.chalN)
	}
}

// A genuinely wrong password fails and surfaces the classification, not
// raw device bytes. Normalization leaves "wrong" unchanged, so no retry
// is made.
func TestProvisionWrongPassword(t *testing.T) {
	link := &testLink{}
	newProvDongle(t, link, "right", true)

	_, err := Provision(link, promptWith("wrong"), testOpts())
	if !errors.Is(err, ErrBadPassword) {
		t.Fatalf("Provision() error = %v, want ErrBadPassword", err)
	}
}

func TestProvisionDeviceLocked(t *testing.T) {
	link := &testLink{}
	link.handler = func(wire []byte) {
		link.notify(t, frame.OpError, []byte("LOCKED_SINGLE_NEED_RESET"))
	}

	_, err := Provision(link, promptWith("pw"), testOpts())
	if !errors.Is(err, ErrLockedNeedReset) {
		t.Fatalf("Provision() error = %v, want ErrLockedNeedReset", err)
	}
}

func TestProvisionTimeout(t *testing.T) {
	link := &testLink{} // no handler: the dongle never answers
	_, err := Provision(link, promptWith("pw"), testOpts())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Provision() error = %v, want ErrTimeout", err)
	}
}

func TestClassifyDeviceError(t *testing.T) {
	cases := []struct {
		reason string
		want   error
	}{
		{"LOCKED_SINGLE_NEED_RESET", ErrLockedNeedReset},
		{"appkey already set", ErrAlreadyProvisioned},
		{"KDF missing", ErrKDFMissing},
		{"GET_APPKEY blocked", ErrRateLimited},
		{"bad proof", ErrBadPassword},
		{"HMAC fail", ErrBadPassword},
		{"no pending chal", ErrNoPendingChallenge},
		{"send fail", ErrDeviceSendFail},
		{"BADMAC", ErrBadMAC},
		{"DERIVE", ErrDerive},
	}
	for _, tc := range cases {
		if got := ClassifyDeviceError([]byte(tc.reason)); !errors.Is(got, tc.want) {
			t.Errorf("ClassifyDeviceError(%q) = %v, want %v", tc.reason, got, tc.want)
		}
	}
	// Unknown reasons keep the device text.
	got := ClassifyDeviceError([]byte("flux capacitor sad"))
	if got == nil || !bytes.Contains([]byte(got.Error()), []byte("flux capacitor sad")) {
		t.Errorf("unclassified error should carry device text, got %v", got)
	}
}

// sessionDongle simulates the B-phase server side.
type sessionDongle struct {
	t      *testing.T
	link   *testLink
	appKey []byte
	sid    uint32

	srvPubRaw []byte
	badFinish bool
	rejectMAC bool
}

func newSessionDongle(t *testing.T, link *testLink, appKey []byte, sid uint32) *sessionDongle {
	d := &sessionDongle{t: t, link: link, appKey: appKey, sid: sid}
	return d
}

// hello emits the unsolicited B0 and arms the B1 handler.
func (d *sessionDongle) hello() {
	priv, pubRaw, err := blecrypto.GenerateKeyPair()
	if err != nil {
		d.t.Fatalf("dongle keypair: %v", err)
	}
	d.srvPubRaw = pubRaw

	sidBE := make([]byte, 4)
	binary.BigEndian.PutUint32(sidBE, d.sid)
	d.link.notify(d.t, frame.OpServerHello, append(append([]byte{}, pubRaw...), sidBE...))

	d.link.mu.Lock()
	d.link.handler = func(wire []byte) {
		var asm frame.Assembler
		frames := asm.Feed(wire)
		if len(frames) != 1 || frames[0].Op != frame.OpClientHello {
			return
		}
		payload := frames[0].Payload
		if len(payload) != blecrypto.PublicKeyLen+blecrypto.TagLen {
			d.t.Fatalf("malformed B1 payload of %d bytes", len(payload))
		}
		cliPubRaw := payload[:blecrypto.PublicKeyLen]
		mac := payload[blecrypto.PublicKeyLen:]

		expect := blecrypto.Tag(d.appKey, []byte("KEYX"), sidBE, pubRaw, cliPubRaw)
		if d.rejectMAC || !blecrypto.TagEqual(mac, expect) {
			d.link.notify(d.t, frame.OpError, []byte("BADMAC"))
			return
		}

		cliPub, err := blecrypto.ParsePublicKey(cliPubRaw)
		if err != nil {
			d.link.notify(d.t, frame.OpError, []byte("DERIVE"))
			return
		}
		shared, err := blecrypto.SharedSecret(priv, cliPub)
		if err != nil {
			d.link.notify(d.t, frame.OpError, []byte("DERIVE"))
			return
		}
		info := append(append(append([]byte("MT1"), sidBE...), pubRaw...), cliPubRaw...)
		sessKey, err := blecrypto.HKDF(d.appKey, shared, info, 32)
		if err != nil {
			d.t.Fatalf("dongle HKDF: %v", err)
		}
		kMac := blecrypto.HMAC(sessKey, []byte("MAC"))
		finish := blecrypto.Tag(kMac, []byte("SFIN"), sidBE, pubRaw, cliPubRaw)
		if d.badFinish {
			finish[0] ^= 1
		}
		d.link.notify(d.t, frame.OpServerFinish, finish)
	}
	d.link.mu.Unlock()
}

func TestEstablishHappyPath(t *testing.T) {
	link := &testLink{}
	appKey := bytes.Repeat([]byte{0x33}, 32)
	dongle := newSessionDongle(t, link, appKey, 0xDEADBEEF)
	dongle.hello()

	sess, err := Establish(link, appKey, testOpts())
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	if sess.SID != 0xDEADBEEF {
		t.Errorf("SID = 0x%X, want 0xDEADBEEF", sess.SID)
	}
	if sess.SeqOut != 0 || sess.SeqIn != 0 {
		t.Errorf("counters = %d/%d, want 0/0", sess.SeqOut, sess.SeqIn)
	}
	if sess.Dead() {
		t.Error("fresh session should be live")
	}
}

func TestEstablishNoServerHello(t *testing.T) {
	link := &testLink{}
	_, err := Establish(link, bytes.Repeat([]byte{1}, 32), testOpts())
	if !errors.Is(err, ErrNoServerHello) {
		t.Fatalf("Establish() error = %v, want ErrNoServerHello", err)
	}
}

func TestEstablishBadMAC(t *testing.T) {
	link := &testLink{}
	appKey := bytes.Repeat([]byte{0x33}, 32)
	dongle := newSessionDongle(t, link, bytes.Repeat([]byte{0x44}, 32), 1)
	dongle.hello()

	// Host holds a stale APPKEY; the dongle's expectation differs.
	_, err := Establish(link, appKey, testOpts())
	if !errors.Is(err, ErrBadMAC) {
		t.Fatalf("Establish() error = %v, want ErrBadMAC", err)
	}
}

func TestEstablishFinishMismatch(t *testing.T) {
	link := &testLink{}
	appKey := bytes.Repeat([]byte{0x33}, 32)
	dongle := newSessionDongle(t, link, appKey, 1)
	dongle.badFinish = true
	dongle.hello()

	_, err := Establish(link, appKey, testOpts())
	if !errors.Is(err, ErrFinishMismatch) {
		t.Fatalf("Establish() error = %v, want ErrFinishMismatch", err)
	}
}

func TestEstablishRequiresAppKey(t *testing.T) {
	link := &testLink{}
	if _, err := Establish(link, nil, testOpts()); !errors.Is(err, ErrNoAppKey) {
		t.Errorf("Establish(nil key) error = %v, want ErrNoAppKey", err)
	}
}

func TestNormalizePassword(t *testing.T) {
	cases := []struct {
		in   string
		want string // "" means nil (no change)
	}{
		{"pw", ""},
		{" pw\n", "pw"},
		{"pw\t", "pw"},
		{" pw", "pw"}, // non-breaking space trims after NFKC
	}
	for _, tc := range cases {
		got := normalizePassword([]byte(tc.in))
		if tc.want == "" {
			if got != nil {
				t.Errorf("normalizePassword(%q) = %q, want nil", tc.in, got)
			}
			continue
		}
		if string(got) != tc.want {
			t.Errorf("normalizePassword(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
