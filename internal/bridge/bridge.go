// Package bridge is the session orchestrator: it owns the one live
// transport link and the one live secure session, runs handshakes and
// provisioning with recovery, gates concurrent connect attempts, and
// exposes the connection state the UI observes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/keylink/internal/ble/mtls"
	"github.com/chaz8081/keylink/internal/ble/secure"
	"github.com/chaz8081/keylink/internal/config"
	"github.com/chaz8081/keylink/internal/ops"
)

// Orchestrator errors.
var (
	ErrBusy        = errors.New("bridge: connect already in progress")
	ErrNoDevice    = errors.New("bridge: no dongle selected")
	ErrDisabled    = errors.New("bridge: auto-connect is off")
	ErrSuppressed  = errors.New("bridge: auto-connect suppressed")
	ErrNotSecure   = errors.New("bridge: no secure session")
	ErrFastKeysOff = errors.New("bridge: raw-key mode not enabled")
)

// Link is the transport capability handle the orchestrator drives.
// *ble.Transport satisfies it. The transport never calls back into
// session logic; it only reports link state through OnStateChange.
type Link interface {
	Connect(ctx context.Context, addr string) error
	Disconnect()
	AwaitDisconnected(timeout time.Duration) bool
	Write(payload []byte) error
	AwaitNotification(timeout time.Duration) ([]byte, bool)
	ScanForRSSI(ctx context.Context, targets []string, window time.Duration) map[string]int16
	Up() bool
	OnStateChange(fn func(up bool))
}

// KeyStore is the APPKEY storage slice the orchestrator needs.
// *keystore.Store satisfies it.
type KeyStore interface {
	Put(deviceID string, key []byte) error
	Get(deviceID string) ([]byte, bool)
	Has(deviceID string) bool
	Clear(deviceID string) error
}

// Phase is the connect state machine position, for observability.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseWaitingHello
	PhaseHandshaking
	PhaseSecure
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseWaitingHello:
		return "waiting-hello"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseSecure:
		return "secure"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnState is the snapshot the UI observes.
type ConnState struct {
	BLEUp    bool
	SecureUp bool
	Target   string
	FastKeys bool
}

// Options tunes the orchestrator.
type Options struct {
	ConnectTimeout  time.Duration // per connect attempt
	FastPathTimeout time.Duration // primary-candidate connect timeout
	ConnectRetries  int           // transport-level connect attempts per candidate (at least 1)
	RSSIWindow      time.Duration // candidate scan window
	Handshake       mtls.Options
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  10 * time.Second,
		FastPathTimeout: 3500 * time.Millisecond,
		ConnectRetries:  2,
		RSSIWindow:      800 * time.Millisecond,
		Handshake:       mtls.DefaultOptions(),
	}
}

// Bridge owns SessionState and the active transport handle. All
// protocol-state mutation funnels through its mutex; transport
// callbacks only flip the link observable.
type Bridge struct {
	link  Link
	keys  KeyStore
	prefs *config.Preferences
	save  func(*config.Preferences) error
	opts  Options

	connectInProgress atomic.Bool

	mu            sync.Mutex
	phase         Phase
	state         ConnState
	sess          *secure.Session
	client        *ops.Client
	prompt        mtls.PasswordPrompt
	promptBusy    bool
	suppressUntil time.Time
	onState       func(ConnState)
	onMessage     func(string)
}

// New wires an orchestrator. save persists preference changes made by
// the bridge (primary device, disabled-by-error); pass a no-op for
// read-only setups. Panics if link or keys is nil (programmer error).
func New(link Link, keys KeyStore, prefs *config.Preferences, save func(*config.Preferences) error, opts Options) *Bridge {
	if link == nil || keys == nil {
		panic("bridge: New called with nil link or key store")
	}
	if prefs == nil {
		prefs = config.Default()
	}
	if save == nil {
		save = func(*config.Preferences) error { return nil }
	}
	b := &Bridge{
		link:  link,
		keys:  keys,
		prefs: prefs,
		save:  save,
		opts:  opts,
	}
	link.OnStateChange(b.onLinkState)
	return b
}

// OnStateChange registers the UI's connection-state observer.
func (b *Bridge) OnStateChange(fn func(ConnState)) {
	b.mu.Lock()
	b.onState = fn
	b.mu.Unlock()
}

// OnMessage registers the user-visible message sink (toasts).
func (b *Bridge) OnMessage(fn func(string)) {
	b.mu.Lock()
	b.onMessage = fn
	b.mu.Unlock()
}

// SetPasswordPrompt installs the UI's password prompt. While unset,
// every path that would need a password fails instead of blocking.
func (b *Bridge) SetPasswordPrompt(p mtls.PasswordPrompt) {
	b.mu.Lock()
	b.prompt = p
	b.mu.Unlock()
}

// ClearPasswordPrompt removes the prompt, e.g. on UI teardown.
func (b *Bridge) ClearPasswordPrompt() {
	b.mu.Lock()
	b.prompt = nil
	b.mu.Unlock()
}

// State returns the current observable snapshot.
func (b *Bridge) State() ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Phase returns the connect state machine position.
func (b *Bridge) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

func (b *Bridge) setPhase(p Phase) {
	b.mu.Lock()
	b.phase = p
	b.mu.Unlock()
	slog.Debug("[BRIDGE] phase", "phase", p.String())
}

func (b *Bridge) publish() {
	b.mu.Lock()
	st := b.state
	fn := b.onState
	b.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (b *Bridge) message(text string) {
	b.mu.Lock()
	fn := b.onMessage
	b.mu.Unlock()
	slog.Info("[BRIDGE] " + text)
	if fn != nil {
		fn(text)
	}
}

// onLinkState marshals transport link flips into session state:
// BLE-down forces secure-down and fast-keys-off before any operation
// can observe the stale session.
func (b *Bridge) onLinkState(up bool) {
	b.mu.Lock()
	b.state.BLEUp = up
	if !up {
		if b.sess != nil {
			b.sess.Abandon()
			b.sess = nil
		}
		b.client = nil
		b.state.SecureUp = false
		b.state.FastKeys = false
		b.state.Target = ""
		b.phase = PhaseIdle
	}
	b.mu.Unlock()
	b.publish()
}

// teardownSession drops the secure session without touching the link.
func (b *Bridge) teardownSession() {
	b.mu.Lock()
	if b.sess != nil {
		b.sess.Abandon()
		b.sess = nil
	}
	b.client = nil
	b.state.SecureUp = false
	b.state.FastKeys = false
	b.mu.Unlock()
	b.publish()
}

// Connect establishes a full secure session to addr. allowPrompt
// permits password prompting for provisioning and BADMAC recovery;
// startup paths pass false, user-initiated paths true.
func (b *Bridge) Connect(ctx context.Context, addr string, allowPrompt bool) error {
	if addr == "" {
		return ErrNoDevice
	}
	if !b.connectInProgress.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer b.connectInProgress.Store(false)

	err := b.connectLocked(ctx, addr, allowPrompt, b.opts.ConnectTimeout)
	if err != nil {
		b.setPhase(PhaseFailed)
		return err
	}
	return nil
}

// connectLocked runs one full attempt. The caller holds the
// connectInProgress gate.
func (b *Bridge) connectLocked(ctx context.Context, addr string, allowPrompt bool, connectTimeout time.Duration) error {
	if err := b.bringUpTransport(ctx, addr, connectTimeout); err != nil {
		return err
	}

	key, ok := b.keys.Get(addr)
	if !ok {
		if !allowPrompt {
			return mtls.ErrNoAppKey
		}
		var err error
		if key, err = b.provision(ctx, addr, connectTimeout); err != nil {
			return err
		}
	}

	err := b.establish(addr, key)
	if errors.Is(err, mtls.ErrBadMAC) || errors.Is(err, mtls.ErrFinishMismatch) {
		// The stored APPKEY no longer matches the dongle. Recover by
		// re-provisioning, but only where a human can answer for it.
		if !allowPrompt {
			return err
		}
		b.message("stored key rejected, re-provisioning")
		if err := b.keys.Clear(addr); err != nil {
			return err
		}
		if key, err = b.provision(ctx, addr, connectTimeout); err != nil {
			return err
		}
		err = b.establish(addr, key)
	}
	return err
}

// bringUpTransport connects with retries.
func (b *Bridge) bringUpTransport(ctx context.Context, addr string, connectTimeout time.Duration) error {
	b.setPhase(PhaseConnecting)
	retries := b.opts.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	var err error
	for attempt := 0; attempt < retries; attempt++ {
		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = b.link.Connect(connCtx, addr)
		cancel()
		if err == nil {
			return nil
		}
		slog.Warn("[BRIDGE] connect attempt failed", "addr", addr, "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return err
}

// provision runs the A-phase, stores the key, and cycles the link so
// the dongle restarts its hello for the following handshake.
func (b *Bridge) provision(ctx context.Context, addr string, connectTimeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	prompt := b.prompt
	if prompt == nil || b.promptBusy {
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge: provisioning needs a password prompt")
	}
	b.promptBusy = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.promptBusy = false
		b.mu.Unlock()
	}()

	key, err := mtls.Provision(b.link, prompt, b.opts.Handshake)
	if err != nil {
		return nil, err
	}
	if err := b.keys.Put(addr, key); err != nil {
		return nil, err
	}
	b.message("dongle provisioned")

	// Full reconnect: the dongle only emits B0 on a fresh session.
	b.link.Disconnect()
	b.link.AwaitDisconnected(2 * time.Second)
	if err := b.bringUpTransport(ctx, addr, connectTimeout); err != nil {
		return nil, err
	}
	return key, nil
}

// establish runs the B-phase and installs the session.
func (b *Bridge) establish(addr string, key []byte) error {
	b.setPhase(PhaseWaitingHello)
	sess, err := mtls.Establish(b.link, key, b.opts.Handshake)
	if err != nil {
		return err
	}
	b.setPhase(PhaseSecure)

	b.mu.Lock()
	b.sess = sess
	b.client = ops.NewClient(secure.NewChannel(b.link, sess))
	b.state.SecureUp = true
	b.state.FastKeys = false
	b.state.Target = addr
	b.mu.Unlock()
	b.publish()

	// The winner becomes the persisted primary and clears the
	// auto-disable latch.
	if b.prefs.Device.Addr != addr || b.prefs.Connect.DisabledByError {
		b.prefs.Device.Addr = addr
		b.prefs.Connect.DisabledByError = false
		if err := b.save(b.prefs); err != nil {
			slog.Warn("[BRIDGE] failed to persist primary device", "error", err)
		}
	}
	return nil
}

// Disconnect tears everything down deliberately and suppresses
// auto-connect for the given window (zero for none). Credential
// injection flows use the window to release the radio without an
// immediate reconnect race.
func (b *Bridge) Disconnect(suppressFor time.Duration) {
	b.mu.Lock()
	if suppressFor > 0 {
		b.suppressUntil = time.Now().Add(suppressFor)
	}
	b.mu.Unlock()

	b.teardownSession()
	b.link.Disconnect()
	b.setPhase(PhaseIdle)
}

// ForgetDevice clears the stored APPKEY and, if the device is the
// primary, the selection.
func (b *Bridge) ForgetDevice(addr string) error {
	if err := b.keys.Clear(addr); err != nil {
		return err
	}
	if b.prefs.Device.Addr == addr {
		b.prefs.Device.Addr = ""
		b.prefs.Device.Name = ""
		return b.save(b.prefs)
	}
	return nil
}

// opsClient returns the live operation client or ErrNotSecure.
func (b *Bridge) opsClient() (*ops.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil || b.sess == nil || b.sess.Dead() {
		return nil, ErrNotSecure
	}
	return b.client, nil
}

// runOp executes one verb, translating session-fatal errors into a
// teardown so the next operation triggers a fresh handshake.
func (b *Bridge) runOp(fn func(c *ops.Client) error) error {
	c, err := b.opsClient()
	if err != nil {
		return err
	}
	err = fn(c)
	if err != nil && sessionFatal(err) {
		b.message("secure session lost: " + err.Error())
		b.teardownSession()
	}
	return err
}

// sessionFatal reports whether an operation error killed the session.
func sessionFatal(err error) bool {
	return errors.Is(err, secure.ErrMACMismatch) ||
		errors.Is(err, secure.ErrSeqExhausted) ||
		errors.Is(err, secure.ErrRehandshake) ||
		errors.Is(err, secure.ErrMalformed)
}

// TypeString types text on the dongle with the integrity echo check.
func (b *Bridge) TypeString(text string) error {
	return b.runOp(func(c *ops.Client) error {
		return c.TypeString(text, b.prefs.Typing.AppendNewline)
	})
}

// GetInfo returns the dongle's info string.
func (b *Bridge) GetInfo() (string, error) {
	var info string
	err := b.runOp(func(c *ops.Client) error {
		var err error
		info, err = c.GetInfo()
		return err
	})
	return info, err
}

// GetLayout returns the dongle's active layout code.
func (b *Bridge) GetLayout() (string, error) {
	var layout string
	err := b.runOp(func(c *ops.Client) error {
		var err error
		layout, err = c.GetLayout()
		return err
	})
	return layout, err
}

// SetLayout switches the dongle layout and records it in preferences.
func (b *Bridge) SetLayout(code string) error {
	err := b.runOp(func(c *ops.Client) error {
		return c.SetLayout(code)
	})
	if err == nil {
		b.prefs.Typing.Layout = code
		if err := b.save(b.prefs); err != nil {
			slog.Warn("[BRIDGE] failed to persist layout", "error", err)
		}
	}
	return err
}

// FactoryReset resets the dongle and forgets its APPKEY: the dongle
// wipes its own secret, so ours is dead weight.
func (b *Bridge) FactoryReset() error {
	b.mu.Lock()
	addr := b.state.Target
	b.mu.Unlock()

	err := b.runOp(func(c *ops.Client) error {
		return c.FactoryReset()
	})
	if err != nil {
		return err
	}
	b.teardownSession()
	if addr != "" {
		return b.keys.Clear(addr)
	}
	return nil
}

// EnableFastKeys switches the dongle into raw-key mode for this
// session. The flag does not survive a reconnect.
func (b *Bridge) EnableFastKeys() error {
	err := b.runOp(func(c *ops.Client) error {
		return c.EnableFastKeys()
	})
	if err == nil {
		b.mu.Lock()
		b.state.FastKeys = true
		b.mu.Unlock()
		b.publish()
	}
	return err
}

// RawKeyTap sends one immediate HID tap. Gated on an established
// session with fast keys enabled.
func (b *Bridge) RawKeyTap(mods, usage byte) error {
	return b.rawKey(func(c *ops.Client) error { return c.RawKeyTap(mods, usage) })
}

// RawKeyTapRepeat taps repeat times in one frame.
func (b *Bridge) RawKeyTapRepeat(mods, usage, repeat byte) error {
	return b.rawKey(func(c *ops.Client) error { return c.RawKeyTapRepeat(mods, usage, repeat) })
}

func (b *Bridge) rawKey(fn func(c *ops.Client) error) error {
	b.mu.Lock()
	fast := b.state.FastKeys
	b.mu.Unlock()
	if !fast {
		return ErrFastKeysOff
	}
	return b.runOp(fn)
}

// VolumeUp taps the preferred volume-up usage.
func (b *Bridge) VolumeUp() error {
	return b.RawKeyTap(0, b.prefs.Volume.UpUsage)
}

// VolumeDown taps the preferred volume-down usage.
func (b *Bridge) VolumeDown() error {
	return b.RawKeyTap(0, b.prefs.Volume.DownUsage)
}
