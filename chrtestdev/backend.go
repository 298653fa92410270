package chrtestdev

import (
	"bytes"
	"context"
	"log/slog"
	"strconv"
	"sync"
)

// Backend is the host side of the test-exit device. Use it as the console's
// output.
type Backend struct {
	mu    sync.Mutex
	part  []byte
	codes chan int
}

// NewBackend returns a backend that remembers up to 8 undelivered codes.
func NewBackend() *Backend {
	return &Backend{codes: make(chan int, 8)}
}

// Write decodes exit records. Records may span writes.
// Malformed records are logged and dropped.
func (b *Backend) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.part = append(b.part, p...)

	for {
		i := bytes.IndexByte(b.part, 'q')
		if i < 0 {
			break
		}

		rec := string(b.part[:i])
		b.part = b.part[i+1:]

		code, err := strconv.Atoi(rec)
		if err != nil {
			slog.Error("chr-testdev: bad exit record", "record", rec, "err", err)
			continue
		}

		select {
		case b.codes <- code:
		default:
			slog.Error("chr-testdev: exit code dropped", "code", code)
		}
	}

	return len(p), nil
}

// Wait returns the next exit code.
func (b *Backend) Wait(ctx context.Context) (int, error) {
	select {
	case code := <-b.codes:
		return code, nil

	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
