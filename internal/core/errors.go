// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by the engine packages.
var (
	// Packet decoding errors
	ErrPacketTooShort     = errors.New("ztun: packet too short")
	ErrLengthMismatch     = errors.New("ztun: declared length does not match buffer")
	ErrUnsupportedVersion = errors.New("ztun: unsupported ip version")
	ErrUnsupportedProto   = errors.New("ztun: unsupported protocol")
	ErrFragmented         = errors.New("ztun: fragmented datagram")

	// DNS errors
	ErrMalformedDNS     = errors.New("ztun: malformed dns message")
	ErrAddressExhausted = errors.New("ztun: no synthetic address available")

	// Routing and transport errors
	ErrNoRoute       = errors.New("ztun: no route to service")
	ErrTimeout       = errors.New("ztun: operation timed out")
	ErrSessionClosed = errors.New("ztun: session closed")

	// Configuration errors
	ErrConfigInvalid = errors.New("ztun: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("ztun: daemon not running")
)
