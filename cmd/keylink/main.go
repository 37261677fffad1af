// Command keylink drives a KeyLink keyboard dongle from the terminal:
// scan for dongles, pair and provision them, type text, switch
// layouts, tap raw keys, and factory reset. It is a thin shell over
// the bridge; graphical frontends embed the same packages.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/chaz8081/keylink/internal/ble"
	"github.com/chaz8081/keylink/internal/bridge"
	"github.com/chaz8081/keylink/internal/config"
	"github.com/chaz8081/keylink/internal/inject"
	"github.com/chaz8081/keylink/internal/keystore"
)

func main() {
	app := &cli.Command{
		Name:  "keylink",
		Usage: "Secure host bridge for the KeyLink keyboard dongle",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the preferences file",
			},
		},
		Commands: []*cli.Command{
			scanCommand(),
			connectCommand(),
			typeCommand(),
			layoutCommand(),
			infoCommand(),
			rawKeyCommand(),
			resetCommand(),
			forgetCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// env is everything a subcommand needs, wired once.
type env struct {
	prefs    *config.Preferences
	prefPath string
	bridge   *bridge.Bridge
	link     *ble.Transport
}

func setup(cmd *cli.Command) (*env, error) {
	prefPath := cmd.String("config")
	if prefPath == "" {
		prefPath = config.DefaultConfigPath()
	}
	prefs, err := config.LoadOrDefault(prefPath)
	if err != nil {
		return nil, err
	}
	if err := prefs.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	initLogging(prefs.LogLevel)

	wrapKey, err := keystore.LoadOrCreateWrapKey(config.DefaultKeyDir())
	if err != nil {
		return nil, err
	}
	keys, err := keystore.New(config.DefaultKeyDir(), wrapKey)
	if err != nil {
		return nil, err
	}

	link := ble.NewTransport(ble.NewBluetoothAdapter(), ble.DefaultTransportOptions())
	save := func(p *config.Preferences) error { return p.Save(prefPath) }
	b := bridge.New(link, keys, prefs, save, bridge.DefaultOptions())
	b.OnMessage(func(m string) { fmt.Fprintln(os.Stderr, m) })
	b.SetPasswordPrompt(promptPassword)

	return &env{prefs: prefs, prefPath: prefPath, bridge: b, link: link}, nil
}

func initLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// promptPassword reads the dongle password without echo.
func promptPassword() ([]byte, error) {
	fmt.Fprint(os.Stderr, "Dongle password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	return pw, err
}

// targetAddr resolves the device to operate on: --device flag first,
// then the configured primary.
func targetAddr(cmd *cli.Command, e *env) (string, error) {
	if addr := cmd.String("device"); addr != "" {
		return addr, nil
	}
	if e.prefs.Device.Addr != "" {
		return e.prefs.Device.Addr, nil
	}
	return "", fmt.Errorf("no dongle selected; pass --device or run 'keylink scan'")
}

func deviceFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "device",
		Usage: "dongle address (defaults to the configured primary)",
	}
}

// connectSecure brings up a secure session, prompting if allowed.
func connectSecure(ctx context.Context, cmd *cli.Command, e *env) error {
	addr, err := targetAddr(cmd, e)
	if err != nil {
		return err
	}
	return e.bridge.Connect(ctx, addr, true)
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Discover advertising dongles",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "scan duration",
				Value: 5 * time.Second,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			scanCtx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
			defer cancel()
			scanCtx, stop := signal.NotifyContext(scanCtx, os.Interrupt)
			defer stop()

			found := map[string]bool{}
			err = e.link.Scan(scanCtx, func(d ble.Device) {
				if !found[d.Addr] {
					fmt.Printf("%s  %q  RSSI %d\n", d.Addr, d.Name, d.RSSI)
				}
				found[d.Addr] = true
			})
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Println("no dongles found")
			}
			return nil
		},
	}
}

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Establish a secure session (provisions on first contact)",
		Flags: []cli.Flag{deviceFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := connectSecure(ctx, cmd, e); err != nil {
				return err
			}
			st := e.bridge.State()
			fmt.Printf("secure session up with %s\n", st.Target)
			return nil
		},
	}
}

func typeCommand() *cli.Command {
	return &cli.Command{
		Name:      "type",
		Usage:     "Type a string on the dongle's host",
		ArgsUsage: "<text>",
		Flags:     []cli.Flag{deviceFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			text := strings.Join(cmd.Args().Slice(), " ")
			if text == "" {
				return fmt.Errorf("nothing to type")
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := connectSecure(ctx, cmd, e); err != nil {
				return err
			}
			inj := inject.NewBridgeInjector(e.bridge)
			// Release the radio right after delivery, with a short
			// window so nothing reconnects underneath the host.
			inj.Releaser = func() { e.bridge.Disconnect(2 * time.Second) }
			if err := inj.Inject(text); err != nil {
				e.bridge.Disconnect(0)
				return err
			}
			fmt.Println("typed and verified")
			return nil
		},
	}
}

func layoutCommand() *cli.Command {
	return &cli.Command{
		Name:      "layout",
		Usage:     "Show or set the dongle's keyboard layout",
		ArgsUsage: "[code]",
		Flags:     []cli.Flag{deviceFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := connectSecure(ctx, cmd, e); err != nil {
				return err
			}
			defer e.bridge.Disconnect(0)

			if code := cmd.Args().First(); code != "" {
				if err := e.bridge.SetLayout(code); err != nil {
					return err
				}
				fmt.Printf("layout set to %s\n", code)
				return nil
			}
			layout, err := e.bridge.GetLayout()
			if err != nil {
				return err
			}
			fmt.Println(layout)
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Print the dongle's info string",
		Flags: []cli.Flag{deviceFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := connectSecure(ctx, cmd, e); err != nil {
				return err
			}
			defer e.bridge.Disconnect(0)
			info, err := e.bridge.GetInfo()
			if err != nil {
				return err
			}
			fmt.Println(info)
			return nil
		},
	}
}

func rawKeyCommand() *cli.Command {
	return &cli.Command{
		Name:      "rawkey",
		Usage:     "Tap a raw HID key (enables fast-key mode first)",
		ArgsUsage: "<mods> <usage> [repeat]",
		Flags:     []cli.Flag{deviceFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) < 2 || len(args) > 3 {
				return fmt.Errorf("usage: keylink rawkey <mods> <usage> [repeat]")
			}
			vals := make([]byte, len(args))
			for i, a := range args {
				v, err := strconv.ParseUint(a, 0, 8)
				if err != nil {
					return fmt.Errorf("argument %q: %w", a, err)
				}
				vals[i] = byte(v)
			}

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := connectSecure(ctx, cmd, e); err != nil {
				return err
			}
			defer e.bridge.Disconnect(0)
			if err := e.bridge.EnableFastKeys(); err != nil {
				return err
			}
			if len(vals) == 3 {
				return e.bridge.RawKeyTapRepeat(vals[0], vals[1], vals[2])
			}
			return e.bridge.RawKeyTap(vals[0], vals[1])
		},
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Factory reset the dongle and forget its key",
		Flags: []cli.Flag{deviceFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := connectSecure(ctx, cmd, e); err != nil {
				return err
			}
			defer e.bridge.Disconnect(0)
			if err := e.bridge.FactoryReset(); err != nil {
				return err
			}
			fmt.Println("dongle reset; it will need provisioning again")
			return nil
		},
	}
}

func forgetCommand() *cli.Command {
	return &cli.Command{
		Name:  "forget",
		Usage: "Forget a dongle's stored key and selection",
		Flags: []cli.Flag{deviceFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			addr, err := targetAddr(cmd, e)
			if err != nil {
				return err
			}
			if err := e.bridge.ForgetDevice(addr); err != nil {
				return err
			}
			fmt.Printf("forgot %s\n", addr)
			return nil
		},
	}
}
