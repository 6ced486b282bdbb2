//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlBroadcast enables broadcast and lets several peers on one host share
// the coordination port.
func controlBroadcast(network, address string, c syscall.RawConn) error {
	var optErr error
	if ctrlErr := c.Control(func(fd uintptr) {
		if optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); optErr != nil {
			return
		}
		optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); ctrlErr != nil {
		return ctrlErr
	}
	return optErr
}
