package main

import (
	"net"
	"strings"
)

// listenerURL renders the configured listen address as a reachable URL for
// the startup log, substituting localhost for wildcard hosts.
func listenerURL(address string) string {
	return "http://" + normaliseHostPort(address)
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	host = strings.TrimSpace(host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
