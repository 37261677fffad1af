package inject

// Typer is the slice of the bridge the injector needs.
type Typer interface {
	TypeString(text string) error
}

// BridgeInjector delivers text through the secure dongle session.
type BridgeInjector struct {
	typer Typer

	// Releaser, when set, runs after each successful injection so
	// credential fills can free the radio immediately.
	Releaser func()
}

// Compile-time interface satisfaction check.
var _ TextInjector = (*BridgeInjector)(nil)

// NewBridgeInjector creates an injector backed by the given typer.
// Panics if typer is nil (programmer error).
func NewBridgeInjector(typer Typer) *BridgeInjector {
	if typer == nil {
		panic("inject: NewBridgeInjector called with nil typer")
	}
	return &BridgeInjector{typer: typer}
}

// Inject types text on the dongle. Empty strings are a no-op.
func (b *BridgeInjector) Inject(text string) error {
	if text == "" {
		return nil
	}
	err := b.typer.TypeString(text)
	if err == nil && b.Releaser != nil {
		b.Releaser()
	}
	return err
}
