package postoffice

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// ALPN is the TLS application protocol negotiated on QUIC connections.
const ALPN = "postoffice/0"

// QUIC application error codes used when closing.
const (
	quicCodeNoError quic.ApplicationErrorCode = 0
	quicCodeAborted quic.ApplicationErrorCode = 1
)

// quicStream carries the transport over the first bidirectional stream of
// a QUIC connection. The connection is owned by the stream and closed with it.
type quicStream struct {
	conn quic.Connection
	quic.Stream
}

func newQUICStream(conn quic.Connection, s quic.Stream) Stream {
	return &quicStream{conn: conn, Stream: s}
}

func (s *quicStream) Kind() StreamKind { return StreamQUIC }

func (s *quicStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *quicStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *quicStream) pendingError() error {
	ctx := s.conn.Context()
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

func (s *quicStream) shutdown(linger time.Duration) error {
	s.CancelRead(0)
	err := s.Stream.Close()

	code := quicCodeNoError
	if linger > 0 {
		// Closing the connection right away would discard stream data
		// still in flight; give the peer a chance to close first.
		select {
		case <-s.conn.Context().Done():
		case <-time.After(linger):
			code = quicCodeAborted
		}
	}
	if cerr := s.conn.CloseWithError(code, ""); err == nil {
		err = cerr
	}
	return err
}

// quicTLSConfig clones tlsConf and makes sure the package ALPN is offered.
func quicTLSConfig(tlsConf *tls.Config) *tls.Config {
	conf := tlsConf.Clone()
	for _, p := range conf.NextProtos {
		if p == ALPN {
			return conf
		}
	}
	conf.NextProtos = append(conf.NextProtos, ALPN)
	return conf
}

// DialQUIC opens a QUIC connection to addr and its transport stream.
//
// QUIC streams only become visible to the peer once data is sent, so the
// dialing side must be the handshake initiator.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (Stream, error) {
	conn, err := quic.DialAddr(ctx, addr, quicTLSConfig(tlsConf), quicConf)
	if err != nil {
		return nil, errors.Wrapf(err, "dial quic %s", addr)
	}
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quicCodeAborted, "open stream failed")
		return nil, errors.Wrap(err, "open quic stream")
	}
	return newQUICStream(conn, s), nil
}
