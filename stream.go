package postoffice

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// StreamKind is the transport a Stream runs over. It is chosen when the
// connection is set up and never changes.
type StreamKind uint8

const (
	// StreamTCP is a plain TCP connection.
	StreamTCP StreamKind = iota + 1
	// StreamQUIC is one bidirectional stream of a QUIC connection.
	StreamQUIC
)

func (k StreamKind) String() string {
	switch k {
	case StreamTCP:
		return "tcp"
	case StreamQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// Stream is a raw duplex byte stream. The implementations are the closed
// set returned by NewTCPStream, DialTCP, DialQUIC and PostOffice.AcceptNew.
//
// A Stream belongs to exactly one goroutine at a time: the handshake while
// negotiating, then the transport worker.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	Kind() StreamKind

	// pendingError reports an asynchronous error on the underlying
	// transport, or nil.
	pendingError() error
	// shutdown closes both directions and releases the stream.
	// With a positive linger the stream may wait up to that long for the
	// peer to acknowledge the close.
	shutdown(linger time.Duration) error
}

// isWouldBlock reports whether err is a deadline expiry, which the
// transport uses as its non-blocking "try again later" signal.
func isWouldBlock(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type tcpStream struct {
	*net.TCPConn
}

// NewTCPStream wraps an established TCP connection.
func NewTCPStream(conn *net.TCPConn) Stream {
	_ = conn.SetNoDelay(true)
	return tcpStream{TCPConn: conn}
}

func (s tcpStream) Kind() StreamKind { return StreamTCP }

func (s tcpStream) pendingError() error {
	return socketError(s.TCPConn)
}

func (s tcpStream) shutdown(linger time.Duration) error {
	// Errors from the half closes are expected when the peer went away first.
	_ = s.CloseWrite()
	if linger > 0 {
		s.drain(linger)
	}
	_ = s.CloseRead()
	return s.Close()
}

// drain discards inbound data until the peer closes its side or linger
// passes. Closing a socket with unread data makes the kernel send a reset,
// which can destroy output the peer has not read yet.
func (s tcpStream) drain(linger time.Duration) {
	if err := s.SetReadDeadline(time.Now().Add(linger)); err != nil {
		return
	}
	var buf [ChunkSize]byte
	for {
		if _, err := s.Read(buf[:]); err != nil {
			return
		}
	}
}
