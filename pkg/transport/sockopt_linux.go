//go:build linux

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOptReuseAddr marks the socket SO_REUSEADDR so the same local
// port can be bound again soon after this socket closes.
func setSockOptReuseAddr(fd int) error {
	return syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}

// setSockOptDSCP marks outgoing packets with the given DSCP class so
// QoS-aware routers along the path prioritize them.
func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2
	if err := syscall.SetsockoptInt(fd, syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
		return nil // some containers reject IP_TOS; not fatal
	}
	_ = syscall.SetsockoptInt(fd, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}

// setSockOptLowLatency trims kernel-side buffering that would add
// queuing delay ahead of the congestion controller's own view of the
// network, and timestamps arriving datagrams for jitter accounting.
func setSockOptLowLatency(fd int) {
	_ = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_BUSY_POLL, 50)
	_ = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_TIMESTAMP, 1)
}
