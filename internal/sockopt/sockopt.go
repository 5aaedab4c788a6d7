// Package sockopt pulls the raw file descriptor out of a net.Conn and
// tunes SO_RCVBUF the way the gateway protocol requires, following the
// same raw-fd idiom the rest of this lineage uses to reach past
// net.Conn for socket-level detail (see higebu/netfd and the
// getsockopt helpers it sits next to).
package sockopt

import (
	"fmt"
	"net"

	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/higebu/netfd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// TargetRecvBuffer is the receive-buffer size requested on every
// session socket. Gateway throughput at full subscription load
// requires a kernel-granted buffer at or above this size; a smaller
// effective value is treated as a fatal allocation failure by callers.
const TargetRecvBuffer = 64 * 1024 * 1024 // 64 MiB

// minWarnKernel is the kernel version below which net.core.rmem_max
// defaults are known to clamp SO_RCVBUF more aggressively than on
// modern distros; we only log a hint, we don't change behavior.
var minWarnKernel = kernel.VersionInfo{Kernel: 4, Major: 9, Minor: 0}

// SetRecvBuffer requests TargetRecvBuffer bytes of receive buffer on
// conn's underlying fd and returns the effective size the kernel
// actually granted (it halves or clamps the request against
// net.core.rmem_max). Returns an error if the fd can't be reached or
// the socket option calls fail outright; a too-small effective value
// is reported to the caller, who decides whether that's fatal.
func SetRecvBuffer(conn net.Conn) (effective int, err error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, fmt.Errorf("sockopt: conn is not a *net.TCPConn")
	}

	fd := netfd.GetFdFromConn(tcpConn)
	if fd < 0 {
		return 0, fmt.Errorf("sockopt: could not resolve fd from conn")
	}

	if v, verr := kernel.GetKernelVersion(); verr == nil {
		if kernel.CompareKernelVersion(*v, minWarnKernel) < 0 {
			logrus.Warnf("sockopt: kernel %d.%d.%d is older than %d.%d.%d; net.core.rmem_max defaults may clamp SO_RCVBUF below %d bytes",
				v.Kernel, v.Major, v.Minor, minWarnKernel.Kernel, minWarnKernel.Major, minWarnKernel.Minor, TargetRecvBuffer)
		}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, TargetRecvBuffer); err != nil {
		return 0, fmt.Errorf("sockopt: setsockopt SO_RCVBUF: %w", err)
	}

	effective, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil {
		return 0, fmt.Errorf("sockopt: getsockopt SO_RCVBUF: %w", err)
	}

	return effective, nil
}
