package peer

import (
	"errors"
	"fmt"

	"github.com/chronologos/rrepl/internal/protocol"
	"github.com/chronologos/rrepl/internal/transport"
	"github.com/chronologos/rrepl/internal/version"
)

var (
	ErrVersionIncompatible = errors.New("incompatible version")
	ErrSchemeMismatch      = errors.New("scheme mismatch")
	ErrNegotiationTimeout  = errors.New("negotiation timed out")
	ErrConnClosed          = errors.New("connection closed")
	ErrPendingContinuation = errors.New("a continuation is already pending on this connection")
	ErrNotDispatching      = errors.New("connection hand-off requested outside message dispatch")
)

// Role is which end of the connection this process is.
type Role int

const (
	// Accepting sides send the banner and enforce authentication.
	Accepting Role = iota
	// Connecting sides check the banner and answer auth challenges.
	Connecting
)

func (r Role) String() string {
	if r == Accepting {
		return "accepting"
	}
	return "connecting"
}

// State is a connection's negotiation state. TLS and auth states are
// skipped when not in use.
type State int

const (
	Connected State = iota
	BannerExchanged
	SchemeAgreed
	TLSNegotiating
	TLSEstablished
	AuthPending
	Authenticated
	Active
	Terminated
)

var stateNames = [...]string{
	"connected", "banner-exchanged", "scheme-agreed", "tls-negotiating",
	"tls-established", "auth-pending", "authenticated", "active", "terminated",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// LocalBanner returns this build's banner for the given scheme.
func LocalBanner(scheme string) *protocol.Banner {
	return &protocol.Banner{Product: version.Product, Version: version.VERSION, Scheme: scheme}
}

// CheckBanner decides whether a connecting side may proceed with the remote
// banner. upgrade reports that TLS must be negotiated next.
//
// Only the version and the scheme are compared; the product name is
// informational. The remote scheme wins when it asks for TLS and this side
// can do TLS. A remote plain scheme while this side insisted on TLS is a
// mismatch.
func CheckBanner(local, remote *protocol.Banner, tlsAvailable bool) (upgrade bool, err error) {
	if !version.Compatible(local.Version, remote.Version) {
		return false, fmt.Errorf("%w: local %s, remote %s", ErrVersionIncompatible, local.Version, remote.Version)
	}
	switch {
	case remote.Scheme == local.Scheme:
		return remote.Scheme == transport.SchemeSecure, nil
	case remote.Scheme == transport.SchemeSecure && local.Scheme == transport.SchemePlain:
		if tlsAvailable {
			return true, nil
		}
		return false, fmt.Errorf("%w: server requires TLS, which is unavailable", ErrSchemeMismatch)
	}
	return false, fmt.Errorf("%w: local %q, remote %q", ErrSchemeMismatch, local.Scheme, remote.Scheme)
}
