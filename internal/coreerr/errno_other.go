//go:build !unix

package coreerr

import "strings"

func containsAny(err error, needles ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

func IsNoSpace(err error) bool {
	return containsAny(err, "not enough space", "disk is full", "quota")
}

func IsConnReset(err error) bool {
	return containsAny(err, "connection reset", "broken pipe", "forcibly closed", "connection aborted")
}

func IsConnRefused(err error) bool {
	return containsAny(err, "connection refused", "actively refused")
}

func IsUnreachable(err error) bool {
	return containsAny(err, "unreachable", "no route to host")
}
