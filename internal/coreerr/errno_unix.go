//go:build unix

package coreerr

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsNoSpace reports whether err is a local out-of-space or quota error.
func IsNoSpace(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT)
}

// IsConnReset reports whether err comes from a connection torn down mid-stream.
func IsConnReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNABORTED)
}

// IsConnRefused reports whether the remote end refused the TCP connection.
func IsConnRefused(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED)
}

// IsUnreachable reports whether the network or host could not be reached.
func IsUnreachable(err error) bool {
	return errors.Is(err, unix.ENETUNREACH) ||
		errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.ENETDOWN) ||
		errors.Is(err, unix.EHOSTDOWN)
}
