//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/ashureev/termshare/internal/domain"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// watchSize reports the size of the terminal on fd now and after every
// SIGWINCH. The channel is closed when ctx is done.
func watchSize(ctx context.Context, fd int) <-chan domain.Geometry {
	sizes := make(chan domain.Geometry, 1)
	if !term.IsTerminal(fd) {
		close(sizes)
		return sizes
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)

	report := func() {
		cols, rows, err := term.GetSize(fd)
		if err != nil {
			return
		}
		g := domain.Geometry{Cols: uint16(cols), Rows: uint16(rows)}.Clamp()
		// Only the latest size matters.
		select {
		case <-sizes:
		default:
		}
		sizes <- g
	}
	report()

	go func() {
		defer close(sizes)
		defer signal.Stop(winch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-winch:
				report()
			}
		}
	}()
	return sizes
}
