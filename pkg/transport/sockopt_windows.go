//go:build windows

package transport

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func setSockOptReuseAddr(fd int) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}

func setSockOptDSCP(fd, dscp int) error {
	handle := syscall.Handle(fd)
	tos := dscp << 2
	if err := syscall.SetsockoptInt(handle, syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
		return nil // Windows commonly requires admin rights for TOS, not fatal
	}
	_ = syscall.SetsockoptInt(handle, syscall.IPPROTO_IPV6, windows.IPV6_TCLASS, tos)
	return nil
}

func setSockOptLowLatency(fd int) {
	handle := syscall.Handle(fd)
	_ = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_RCVBUF, 262144)
	_ = syscall.SetsockoptInt(handle, syscall.SOL_SOCKET, windows.SO_EXCLUSIVEADDRUSE, 1)
}
