// Package inject routes text from outer sources (share sheets,
// credential fills, the CLI) into the dongle's typing pipeline. It is
// the seam UI layers program against; the bridge stays unaware of where
// a string came from.
package inject

// TextInjector is anything that can deliver a string as keystrokes.
type TextInjector interface {
	Inject(text string) error
}
