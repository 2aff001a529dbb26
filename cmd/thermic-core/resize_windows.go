//go:build windows

package main

import "os"

// Windows consoles have no resize signal; the size stays as opened.
func notifyResize() (<-chan os.Signal, func()) {
	return nil, func() {}
}
