//go:build unix

package postoffice

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketError reads and clears SO_ERROR on the connection's socket.
func socketError(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var soErr int
	var getErr error
	if err := raw.Control(func(fd uintptr) {
		soErr, getErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
	}); err != nil {
		return err
	}
	if getErr != nil {
		return getErr
	}
	if soErr != 0 {
		return syscall.Errno(soErr)
	}
	return nil
}
