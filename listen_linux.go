//go:build linux

package main

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// newListenConfig returns a listen config that, when transparent, accepts
// connections redirected by TPROXY so their local address is the original
// destination.
func newListenConfig(transparent bool) (*net.ListenConfig, error) {
	if !transparent {
		return &net.ListenConfig{}, nil
	}

	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var err error
			controlErr := c.Control(func(fd uintptr) {
				if network == "tcp6" {
					err = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
					return
				}
				err = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			})
			if controlErr != nil {
				return controlErr
			}
			return err
		},
	}, nil
}
