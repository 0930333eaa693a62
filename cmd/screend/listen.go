package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
)

// listenWithFallback binds addr, moving to the following port while the
// current one is in use, for at most attempts tries. Port 0 is never
// advanced.
func listenWithFallback(addr string, attempts int, logger *slog.Logger) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse listen port %q: %w", portStr, err)
	}
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; ; i++ {
		try := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", try)
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) || port == 0 || i+1 >= attempts {
			return nil, fmt.Errorf("listen %s: %w", try, err)
		}
		logger.Warn("port in use, trying next", "addr", try)
	}
}
