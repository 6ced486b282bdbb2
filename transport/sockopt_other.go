//go:build !unix

package transport

import "syscall"

func controlBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}
