//go:build !linux && !darwin

package cs8900

import (
	"syscall"
)

func reuseAddr(network, address string, c syscall.RawConn) error { return nil }
