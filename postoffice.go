package postoffice

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// ErrListenerClosed is recorded once PostOffice.Close has been called.
var ErrListenerClosed = errors.New("listener closed")

const (
	defaultAcceptPollTimeout   = time.Millisecond
	defaultStreamAcceptTimeout = 5 * time.Second
	defaultAcceptBacklog       = 64
)

// PostOffice owns a listening socket and hands out the raw streams of
// inbound connections. Each stream must go through Handshake before it
// can back a Mailbox; see Accept for the combined operation.
//
// AcceptNew is meant to be polled from a single goroutine.
type PostOffice struct {
	kind   StreamKind
	logger Logger

	pollTimeout         time.Duration
	streamAcceptTimeout time.Duration
	backlog             int

	tcp *net.TCPListener

	quic      *quic.Listener
	accepted  chan Stream
	acceptErr chan error
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// err is sticky: once set, every AcceptNew returns it.
	err    error
	closed atomic.Bool
	connID atomic.Uint64
}

// ServerOption configures a PostOffice.
type ServerOption func(*PostOffice)

// ServerLoggerOption sets the logger for the post office.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(p *PostOffice) {
		p.logger = logger
	}
}

// ServerPollTimeoutOption sets how long one TCP accept attempt may wait
// before AcceptNew treats the listener as drained.
func ServerPollTimeoutOption(timeout time.Duration) ServerOption {
	return func(p *PostOffice) {
		p.pollTimeout = timeout
	}
}

// ServerStreamAcceptTimeoutOption bounds how long an accepted QUIC
// connection may take to open its transport stream.
func ServerStreamAcceptTimeoutOption(timeout time.Duration) ServerOption {
	return func(p *PostOffice) {
		p.streamAcceptTimeout = timeout
	}
}

// ServerBacklogOption sets how many accepted QUIC streams may wait for
// AcceptNew before the background acceptor stops accepting.
func ServerBacklogOption(n int) ServerOption {
	return func(p *PostOffice) {
		p.backlog = n
	}
}

func newPostOffice(kind StreamKind, opts []ServerOption) *PostOffice {
	p := &PostOffice{
		kind:                kind,
		logger:              slog.Default(),
		pollTimeout:         defaultAcceptPollTimeout,
		streamAcceptTimeout: defaultStreamAcceptTimeout,
		backlog:             defaultAcceptBacklog,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.pollTimeout <= 0 {
		p.pollTimeout = defaultAcceptPollTimeout
	}
	if p.backlog <= 0 {
		p.backlog = defaultAcceptBacklog
	}
	return p
}

// Listen opens a TCP post office bound to addr.
func Listen(addr string, opts ...ServerOption) (*PostOffice, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen tcp %s", addr)
	}

	p := newPostOffice(StreamTCP, opts)
	p.tcp = listener
	p.logger.Info("post office listening", "addr", listener.Addr(), "kind", p.kind)
	return p, nil
}

// ListenQUIC opens a QUIC post office bound to addr. The package ALPN is
// added to tlsConf's protocols.
func ListenQUIC(addr string, tlsConf *tls.Config, quicConf *quic.Config, opts ...ServerOption) (*PostOffice, error) {
	listener, err := quic.ListenAddr(addr, quicTLSConfig(tlsConf), quicConf)
	if err != nil {
		return nil, errors.Wrapf(err, "listen quic %s", addr)
	}

	p := newPostOffice(StreamQUIC, opts)
	p.quic = listener
	p.accepted = make(chan Stream, p.backlog)
	p.acceptErr = make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.acceptQUIC(ctx)

	p.logger.Info("post office listening", "addr", listener.Addr(), "kind", p.kind)
	return p, nil
}

// AcceptNew returns every inbound stream that is ready right now without
// blocking. An accept failure other than "nothing pending" is recorded on
// the post office and returned by this and every later call; the caller
// must listen again.
func (p *PostOffice) AcceptNew() ([]Stream, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.closed.Load() {
		p.err = ErrListenerClosed
		return nil, p.err
	}

	var streams []Stream
	var err error
	switch p.kind {
	case StreamTCP:
		streams, err = p.acceptTCP()
	case StreamQUIC:
		streams, err = p.drainQUIC()
	}
	if err != nil {
		if p.closed.Load() {
			err = ErrListenerClosed
		} else {
			p.logger.Error("accept error", "addr", p.Addr(), "error", err)
		}
		p.err = err
	}
	return streams, err
}

func (p *PostOffice) acceptTCP() ([]Stream, error) {
	var streams []Stream
	for {
		if err := p.tcp.SetDeadline(time.Now().Add(p.pollTimeout)); err != nil {
			return streams, errors.Wrap(err, "set accept deadline")
		}
		conn, err := p.tcp.AcceptTCP()
		if err != nil {
			if isWouldBlock(err) {
				return streams, nil
			}
			return streams, errors.Wrap(err, "accept tcp")
		}
		p.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		streams = append(streams, NewTCPStream(conn))
	}
}

func (p *PostOffice) drainQUIC() ([]Stream, error) {
	var streams []Stream
	for {
		select {
		case s := <-p.accepted:
			streams = append(streams, s)
		case err := <-p.acceptErr:
			return streams, err
		default:
			return streams, nil
		}
	}
}

// acceptQUIC runs for the life of a QUIC post office, because the QUIC
// API only offers blocking accepts.
func (p *PostOffice) acceptQUIC(ctx context.Context) {
	defer p.wg.Done()

	for {
		conn, err := p.quic.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.acceptErr <- errors.Wrap(err, "accept quic")
			}
			return
		}
		p.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.acceptQUICStream(ctx, conn)
		}()
	}
}

func (p *PostOffice) acceptQUICStream(ctx context.Context, conn quic.Connection) {
	sctx, cancel := context.WithTimeout(ctx, p.streamAcceptTimeout)
	defer cancel()

	s, err := conn.AcceptStream(sctx)
	if err != nil {
		p.logger.Debug("quic connection opened no stream", "remote_addr", conn.RemoteAddr(), "error", err)
		_ = conn.CloseWithError(quicCodeAborted, "no stream opened")
		return
	}

	select {
	case p.accepted <- newQUICStream(conn, s):
	case <-ctx.Done():
		_ = conn.CloseWithError(quicCodeAborted, "listener closed")
	}
}

// NextConnID returns a fresh connection id for a stream of this post office.
func (p *PostOffice) NextConnID() ConnID {
	return ConnID(p.connID.Add(1))
}

// Kind returns the stream kind the post office accepts.
func (p *PostOffice) Kind() StreamKind {
	return p.kind
}

// Addr returns the listener's network address.
func (p *PostOffice) Addr() net.Addr {
	if p.tcp != nil {
		return p.tcp.Addr()
	}
	return p.quic.Addr()
}

// Close stops accepting. Streams already returned by AcceptNew are not
// affected; streams accepted but not yet returned are closed.
func (p *PostOffice) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	if p.tcp != nil {
		p.logger.Info("post office closed", "addr", p.Addr())
		return p.tcp.Close()
	}

	p.cancel()
	err := p.quic.Close()
	p.wg.Wait()
	for {
		select {
		case s := <-p.accepted:
			_ = s.shutdown(0)
		default:
			p.logger.Info("post office closed", "addr", p.Addr())
			return err
		}
	}
}

// DialTCP connects to a TCP post office at addr.
func DialTCP(ctx context.Context, addr string) (Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial tcp %s", addr)
	}
	return NewTCPStream(conn.(*net.TCPConn)), nil
}
