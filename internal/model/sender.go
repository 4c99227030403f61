package model

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ErrInvalidSenderID is returned when a sender id is not of the form "ip:port".
var ErrInvalidSenderID = errors.New("invalid sender id")

// SenderID returns the canonical "ip:port" key for a datagram source.
// IPv4-mapped IPv6 sources are reported as plain IPv4.
func SenderID(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String()
}

// ParseSenderID validates operator input and returns the canonical id.
// IPv6 ids must use the bracketed form "[::1]:5000".
func ParseSenderID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSenderID)
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q should be IP:port", ErrInvalidSenderID, s)
	}
	if ap.Addr().Zone() != "" {
		return "", fmt.Errorf("%w: %q has an IPv6 zone", ErrInvalidSenderID, s)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String(), nil
}

// SanitizeID turns a sender id into a file-name-safe fragment. IPv6
// addresses are written out in full so the name never starts with a dot.
func SanitizeID(id string) string {
	if ap, err := netip.ParseAddrPort(id); err == nil && ap.Addr().Is6() {
		return strings.ReplaceAll(ap.Addr().StringExpanded(), ":", ".") + "." + strconv.Itoa(int(ap.Port()))
	}
	return strings.NewReplacer(":", ".", "[", "", "]", "").Replace(id)
}
