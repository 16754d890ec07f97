package util

import (
	"net"
	"strconv"
	"strings"
)

// NormalizeAddr returns addr trimmed, or fallback when addr is blank.
//
//	NormalizeAddr("",        "127.0.0.1") → "127.0.0.1"
//	NormalizeAddr("0.0.0.0", "127.0.0.1") → "0.0.0.0"
func NormalizeAddr(addr, fallback string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fallback
	}
	return addr
}

// HostPort joins an address (defaulting to fallback) and a port.
func HostPort(addr, fallback string, port int) string {
	return net.JoinHostPort(NormalizeAddr(addr, fallback), strconv.Itoa(port))
}
