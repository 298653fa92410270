// virtguest runs a guest-side virtio selftest against emulated virtio-mmio
// devices and exits with the code the test-exit device reports.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/c35s/virtguest/chrtestdev"
	"github.com/c35s/virtguest/guest"
	"github.com/c35s/virtguest/virtio"
	"golang.org/x/term"
)

const defaultDescription = `
devices:
  - type: block
    sectors: 2048
  - type: console
`

func main() {
	os.Exit(run())
}

func run() int {

	var (
		configPath = flag.String("config", "", "load the machine description from file or URL")
		exitCode   = flag.Int("exit", 0, "report this exit code through the test-exit device")
		timeout    = flag.Duration("timeout", 5*time.Second, "give up waiting for the devices after this long")
		verbose    = flag.Bool("v", false, "log debug messages")
	)

	flag.Parse()

	setupLogging(*verbose)

	desc := []byte(defaultDescription)
	if *configPath != "" {
		b, err := readURL(*configPath)
		if err != nil {
			slog.Error("load config failed", "err", err)
			return 2
		}

		desc = b
	}

	d, err := guest.LoadDescription(bytes.NewReader(desc))
	if err != nil {
		slog.Error("load config failed", "err", err)
		return 2
	}

	be := chrtestdev.NewBackend()
	cfg, err := d.Config(be)
	if err != nil {
		slog.Error("load config failed", "err", err)
		return 2
	}

	m, err := guest.New(cfg)
	if err != nil {
		slog.Error("create machine failed", "err", err)
		return 2
	}

	defer func() {
		if err := m.Close(); err != nil {
			slog.Error("close machine failed", "err", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	code, err := selftest(ctx, m, *exitCode, be)
	if err != nil {
		slog.Error("selftest failed", "err", err)
		return 2
	}

	return code
}

// selftest binds the devices, reports code and returns the code the host
// side decoded.
func selftest(ctx context.Context, m *guest.Machine, code int, be *chrtestdev.Backend) (int, error) {
	if blk, err := m.Bind(virtio.BlockDeviceID); err == nil {
		slog.Info("block device", "vendor", fmt.Sprintf("%#x", blk.ID.Vendor),
			"capacity", virtio.ReadConfig64(blk, 0))
	} else if !errors.Is(err, virtio.ErrNotFound) {
		return 0, err
	}

	dev, err := chrtestdev.Init(m, m.Mem())
	if err != nil {
		return 0, err
	}

	if !dev.Bound() {
		return code, nil
	}

	if err := dev.Exit(ctx, code); err != nil {
		return 0, err
	}

	return be.Wait(ctx)
}

func setupLogging(verbose bool) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	var h slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		h = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(h))
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("virtguest: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, 200)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
