// Package postoffice is the point-to-point message transport between a
// game client and server.
//
// A PostOffice accepts raw streams (TCP or QUIC), Handshake negotiates
// protocol compatibility and peer identities on each of them, and a Mailbox
// then carries typed messages over the stream. Each Mailbox runs one
// background worker that owns all socket I/O; the application only talks
// to it through channels, so a slow peer never blocks application code.
package postoffice

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
	"golang.org/x/time/rate"
)

// Errors returned by mailbox operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec")
	// ErrInvalidStream is returned when no stream is provided.
	ErrInvalidStream = errors.New("invalid stream")
)

// ErrConnectionClosed is returned when operating on a closed mailbox.
var ErrConnectionClosed = errors.New("connection closed")

// ErrBufferFull is returned when the outgoing channel cannot accept more
// messages. The worker has fallen behind, usually because the peer is not
// reading; the caller decides whether to drop the message, retry later or
// close the connection.
var ErrBufferFull = errors.New("send buffer full")

// Mailbox is the application side of one connection. All methods are safe
// for concurrent use.
type Mailbox[M any] struct {
	id     Identity
	kind   StreamKind
	addr   net.Addr
	logger Logger
	opts   options

	outgoing chan M
	incoming chan M
	stop     syncx.DoneChan
	w        *worker[M]
	stats    *stats

	closed atomic.Bool

	mu  sync.Mutex
	err error
}

// NewMailbox starts the transport worker for a negotiated stream and
// returns its handle. The mailbox owns the stream from now on.
func NewMailbox[M any](s Stream, id Identity, codec Codec[M], opt ...Option) (*Mailbox[M], error) {
	if s == nil {
		return nil, ErrInvalidStream
	}
	if codec == nil {
		return nil, ErrInvalidCodec
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	logger := withAttrs(opts.logger, "addr", s.RemoteAddr(), "conn", id.Conn, "peer", id.Remote)
	m := &Mailbox[M]{
		id:       id,
		kind:     s.Kind(),
		addr:     s.RemoteAddr(),
		logger:   logger,
		opts:     opts,
		outgoing: make(chan M, opts.bufferSize),
		incoming: make(chan M, opts.inboxSize),
		stop:     syncx.NewDoneChan(),
		stats:    new(stats),
	}

	m.w = &worker[M]{
		stream: s,
		codec:  codec,
		logger: logger,
		opts:   &m.opts,
		labels: FrameLabels{Peer: id.Remote, Conn: id.Conn},
		stats:  m.stats,

		outgoing: m.outgoing,
		incoming: m.incoming,
		stop:     m.stop.R(),
		done:     syncx.NewDoneChan(),

		readBuf: make([]byte, ChunkSize),
	}
	if opts.rateLimit > 0 {
		m.w.limiter = rate.NewLimiter(opts.rateLimit, opts.rateBurst)
	}

	logger.Info("connection established", "kind", m.kind)
	logger.Debug("connection options",
		"buffer_size", opts.bufferSize,
		"inbox_size", opts.inboxSize,
		"max_message_size", opts.maxMessageSize,
		"poll_interval", opts.pollInterval)

	go m.w.run()
	return m, nil
}

// Send queues a message for the worker without blocking (fire-and-forget).
//
// Returns:
//   - nil: message was queued, or the connection already failed and the
//     message was dropped; the receive side reports why
//   - ErrBufferFull: the outgoing channel is full, message was NOT queued
//   - ErrConnectionClosed: Close has been called
//
// A message that cannot be encoded ends the connection; the error is
// reported by Err and the receive methods.
func (m *Mailbox[M]) Send(msg M) error {
	if m.closed.Load() {
		return ErrConnectionClosed
	}
	if m.w.done.R().Done() {
		return nil
	}

	select {
	case m.outgoing <- msg:
		m.stats.outputCount.Add(1)
		return nil
	default:
		return ErrBufferFull
	}
}

// TryReceiveAll returns every message that has arrived, without blocking.
// Once the connection has ended the returned error is non-nil, and stays
// the same on every later call; no more messages follow it.
func (m *Mailbox[M]) TryReceiveAll() ([]M, error) {
	var msgs []M
	for {
		select {
		case msg, ok := <-m.incoming:
			if !ok {
				return msgs, m.terminate()
			}
			msgs = append(msgs, msg)
		default:
			return msgs, m.recorded()
		}
	}
}

// ReceiveBlocking waits for the next message, the end of the connection,
// or ctx. It returns ctx.Err() if ctx ends first.
func (m *Mailbox[M]) ReceiveBlocking(ctx context.Context) (M, error) {
	select {
	case msg, ok := <-m.incoming:
		if !ok {
			var zero M
			return zero, m.terminate()
		}
		return msg, nil
	case <-ctx.Done():
		var zero M
		return zero, ctx.Err()
	}
}

// terminate records the worker's error once the incoming channel is closed.
func (m *Mailbox[M]) terminate() error {
	m.setErr(m.w.err)
	return m.Err()
}

func (m *Mailbox[M]) setErr(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
}

// recorded returns the error set by terminate or Close. Unlike Err it
// never looks at the worker, so no message can be left behind it.
func (m *Mailbox[M]) recorded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Err returns why the connection ended, or nil while it is alive.
// A connection ended by Close reports ErrConnectionClosed.
func (m *Mailbox[M]) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err == nil && m.w.done.R().Done() {
		m.err = m.w.err
	}
	return m.err
}

// Close stops the worker and waits for it to exit. Messages already queued
// are flushed for up to the linger timeout, then the stream is shut down
// in both directions. Safe to call multiple times.
func (m *Mailbox[M]) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.stop.SetDone()
	<-m.w.done
	m.setErr(m.w.err)
	m.setErr(ErrConnectionClosed)
	return nil
}

// Identity returns the negotiated identity of the connection.
func (m *Mailbox[M]) Identity() Identity {
	return m.id
}

// Kind returns the stream kind the connection runs over.
func (m *Mailbox[M]) Kind() StreamKind {
	return m.kind
}

// RemoteAddr returns the remote address of the connection.
func (m *Mailbox[M]) RemoteAddr() net.Addr {
	return m.addr
}

// Statistics returns the traffic counters of the connection.
func (m *Mailbox[M]) Statistics() Statistics {
	return m.stats.snapshot()
}
