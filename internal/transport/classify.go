package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/yzhelezko/thermic-core/internal/coreerr"
)

// ClassifyDial maps a dial or handshake failure to a ConnError.
func ClassifyDial(addr string, err error) error {
	if err == nil {
		return nil
	}
	var ce *coreerr.ConnError
	if errors.As(err, &ce) {
		return ce
	}
	return &coreerr.ConnError{Kind: dialKind(err), Addr: addr, Err: err}
}

func dialKind(err error) coreerr.ConnKind {
	var (
		keyErr     *knownhosts.KeyError
		revokedErr *knownhosts.RevokedError
		dnsErr     *net.DNSError
		netErr     net.Error
	)

	switch {
	case errors.As(err, &keyErr), errors.As(err, &revokedErr), isAuthMessage(err.Error()):
		return coreerr.ConnAuthFailed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return coreerr.ConnTimeout
	case coreerr.IsConnRefused(err):
		return coreerr.ConnRefused
	case errors.As(err, &dnsErr), coreerr.IsUnreachable(err):
		return coreerr.ConnNetworkUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		return coreerr.ConnTimeout
	default:
		return coreerr.ConnNetworkUnreachable
	}
}

func isAuthMessage(msg string) bool {
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "no authentication methods available")
}
