package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
)

// listen binds host:port, moving on to the following ports while the
// address is in use. attempts is how many extra ports to try.
func listen(host, port string, attempts int) (net.Listener, error) {
	base, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}
	// Port 0 asks the kernel for any free port; nothing to fall back from.
	if base == 0 {
		attempts = 0
	}

	var lastErr error
	for i := 0; i <= attempts && base+i <= 65535; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(base+i))
		lis, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				slog.Warn("Configured port busy, using fallback", "configured", base, "port", base+i)
			}
			return lis, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d-%d: %w", base, base+attempts, lastErr)
}

// boundPort returns the port lis is actually listening on.
func boundPort(lis net.Listener) int {
	if addr, ok := lis.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
