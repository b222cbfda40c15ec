//go:build darwin

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setSockOptReuseAddr(fd int) error {
	return syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}

func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2
	if err := syscall.SetsockoptInt(fd, syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
		return nil // may require elevated privileges on macOS, not fatal
	}
	_ = syscall.SetsockoptInt(fd, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}

func setSockOptLowLatency(fd int) {
	_ = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
	_ = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_TIMESTAMP, 1)
}
