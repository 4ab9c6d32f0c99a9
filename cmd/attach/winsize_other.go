//go:build windows

package main

import (
	"context"

	"github.com/ashureev/termshare/internal/domain"
	"golang.org/x/term"
)

// watchSize reports the terminal size once; Windows has no SIGWINCH.
func watchSize(_ context.Context, fd int) <-chan domain.Geometry {
	sizes := make(chan domain.Geometry, 1)
	if cols, rows, err := term.GetSize(fd); err == nil {
		sizes <- domain.Geometry{Cols: uint16(cols), Rows: uint16(rows)}.Clamp()
	}
	close(sizes)
	return sizes
}
