//go:build !linux

package main

import (
	"errors"
	"net"
)

var errTransparentUnsupported = errors.New("transparent listening needs linux")

func newListenConfig(transparent bool) (*net.ListenConfig, error) {
	if transparent {
		return nil, errTransparentUnsupported
	}
	return &net.ListenConfig{}, nil
}
