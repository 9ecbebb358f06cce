//go:build !unix

package postoffice

import "net"

// socketError is not available on this platform; I/O errors still surface
// through Read and Write.
func socketError(*net.TCPConn) error {
	return nil
}
