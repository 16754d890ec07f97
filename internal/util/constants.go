// Package util provides small helpers and constants shared across fwdctl.
// It imports no other internal package so that every layer can depend on it.
package util

import "time"

const (
	// DefaultSettleDelay is the pause between tearing down a listener and
	// binding its edited replacement. Transports close listeners
	// asynchronously, so an immediate rebind on the same port can fail with
	// "address in use".
	DefaultSettleDelay = 500 * time.Millisecond

	// MaxSettleDelay caps a configured settle delay.
	MaxSettleDelay = 5 * time.Second

	// TunnelProbeTimeout bounds a single TCP health probe against a local
	// listener in tunnel.Manager.Snapshot.
	TunnelProbeTimeout = 500 * time.Millisecond

	// DefaultConnectTimeout is used when dialling an SSH host.
	DefaultConnectTimeout = 10 * time.Second

	// PrivilegedPortMax is the highest port that needs elevated rights to bind
	// on most Unix systems.
	PrivilegedPortMax = 1023
)
