package postoffice

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
	"golang.org/x/time/rate"
)

// Errors that end a connection from inside the transport worker.
var (
	// ErrUnexpectedClose is returned when the stream ends without a Shutdown frame.
	ErrUnexpectedClose = errors.New("stream closed without shutdown frame")
	// ErrRateLimited is returned when the peer sends faster than RateLimitOption allows.
	ErrRateLimited = errors.New("peer exceeded message rate limit")
)

// Statistics counts the traffic of one mailbox.
type Statistics struct {
	// OutputCount is the number of messages accepted by Send.
	OutputCount int64

	// to the stream; a message counts once its last byte is written
	WrittenCount int64
	WrittenBytes int64

	// from the stream
	ReadCount int64
	ReadBytes int64
}

type stats struct {
	outputCount  atomic.Int64
	writtenCount atomic.Int64
	writtenBytes atomic.Int64
	readCount    atomic.Int64
	readBytes    atomic.Int64
}

func (s *stats) snapshot() Statistics {
	return Statistics{
		OutputCount:  s.outputCount.Load(),
		WrittenCount: s.writtenCount.Load(),
		WrittenBytes: s.writtenBytes.Load(),
		ReadCount:    s.readCount.Load(),
		ReadBytes:    s.readBytes.Load(),
	}
}

// worker owns the stream of one connection and everything buffered for it.
// Only the run goroutine touches the fields below the channels.
type worker[M any] struct {
	stream  Stream
	codec   Codec[M]
	logger  Logger
	opts    *options
	labels  FrameLabels
	limiter *rate.Limiter
	stats   *stats

	outgoing <-chan M
	incoming chan<- M
	stop     syncx.DoneChanR
	done     syncx.DoneChan

	writeQueue  []chunk
	queuedBytes int
	readBuf     []byte
	buffer      []byte
	pending     []M

	// err is written before done is set.
	err error
}

// chunk is one queued piece of output. ends is set on the last chunk of a
// frame and names the frame counted once that chunk is fully written.
type chunk struct {
	b    []byte
	ends FrameKind
}

func (w *worker[M]) run() {
	defer w.done.SetDone()

	err := w.loop()
	if err == nil {
		w.flush()
		if cerr := w.stream.shutdown(w.opts.linger); cerr != nil {
			w.logger.Debug("stream shutdown", "error", cerr)
		}
		w.logger.Info("connection closed")
		close(w.incoming)
		return
	}

	if cerr := w.stream.shutdown(0); cerr != nil {
		w.logger.Debug("stream shutdown", "error", cerr)
	}
	w.err = err
	if errors.Is(err, ErrPeerShutdown) {
		w.logger.Info("connection closed by peer")
	} else {
		w.logger.Info("connection closed with error", "error", err)
	}

	// Messages decoded before the failure still reach the application.
	for _, m := range w.pending {
		select {
		case w.incoming <- m:
		case <-w.stop:
			close(w.incoming)
			return
		}
	}
	w.pending = nil
	close(w.incoming)
}

// loop runs poll iterations until the stop signal (nil) or a fatal error.
func (w *worker[M]) loop() error {
	for {
		select {
		case <-w.stop:
			return nil
		default:
		}

		if err := w.stream.pendingError(); err != nil {
			return errors.Wrap(err, "stream error")
		}

		if err := w.encodeOutgoing(); err != nil {
			return err
		}

		if err := w.writeQueued(); err != nil {
			return err
		}

		// Whatever arrived before a read error is decoded first, so a
		// Shutdown frame followed by EOF reads as a clean shutdown.
		readErr := w.readAvailable()
		if err := w.decodeBuffered(); err != nil {
			return err
		}
		if readErr != nil {
			return readErr
		}

		w.deliver()
	}
}

// enqueue queues the chunks of one frame of the given kind.
func (w *worker[M]) enqueue(kind FrameKind, chunks [][]byte) {
	for i, c := range chunks {
		ch := chunk{b: c}
		if i == len(chunks)-1 {
			ch.ends = kind
		}
		w.writeQueue = append(w.writeQueue, ch)
		w.queuedBytes += len(c)
	}
}

// written accounts for n bytes of the front chunk reaching the stream.
func (w *worker[M]) written(n int) {
	w.queuedBytes -= n
	w.stats.writtenBytes.Add(int64(n))

	front := &w.writeQueue[0]
	if n < len(front.b) {
		front.b = front.b[n:]
		return
	}
	switch front.ends {
	case FramePayload:
		w.stats.writtenCount.Add(1)
		w.countFrame(FramePayload, Sent)
	case FrameShutdown:
		w.countFrame(FrameShutdown, Sent)
	}
	*front = chunk{}
	w.writeQueue = w.writeQueue[1:]
}

// encodeOutgoing moves a bounded number of messages from the outgoing
// channel into the write queue.
func (w *worker[M]) encodeOutgoing() error {
	for i := 0; i < w.opts.maxSendPerTick && w.queuedBytes < w.opts.writeHighWater; i++ {
		select {
		case m := <-w.outgoing:
			chunks, err := encode(w.codec, m, w.opts.maxMessageSize)
			if err != nil {
				return err
			}
			w.enqueue(FramePayload, chunks)
		default:
			return nil
		}
	}
	return nil
}

// writeQueued writes queued chunks until the queue is empty or the stream
// would block. A partially written chunk keeps its remainder at the front.
func (w *worker[M]) writeQueued() error {
	if len(w.writeQueue) == 0 {
		return nil
	}
	if err := w.stream.SetWriteDeadline(time.Now().Add(w.opts.pollInterval)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}

	for len(w.writeQueue) > 0 {
		n, err := w.stream.Write(w.writeQueue[0].b)
		w.written(n)
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			return errors.Wrap(err, "write")
		}
	}
	return nil
}

// readAvailable appends what the stream has to the incoming buffer. Its
// first read waits up to the poll interval, which is the loop's only sleep.
func (w *worker[M]) readAvailable() error {
	if len(w.pending) >= w.opts.inboxSize {
		// The application is behind. Leave the data in the transport.
		time.Sleep(w.opts.pollInterval)
		return nil
	}
	if err := w.stream.SetReadDeadline(time.Now().Add(w.opts.pollInterval)); err != nil {
		return errors.Wrap(err, "set read deadline")
	}

	for i := 0; i < w.opts.maxReadsPerTick; i++ {
		n, err := w.stream.Read(w.readBuf)
		if n > 0 {
			w.buffer = append(w.buffer, w.readBuf[:n]...)
			w.stats.readBytes.Add(int64(n))
		}
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrUnexpectedClose
			}
			return errors.Wrap(err, "read")
		}
	}
	return nil
}

// decodeBuffered turns every complete envelope in the incoming buffer into
// a pending message.
func (w *worker[M]) decodeBuffered() error {
	consumed := 0
	defer func() {
		if consumed > 0 {
			w.buffer = append(w.buffer[:0], w.buffer[consumed:]...)
		}
	}()

	for {
		m, n, err := tryDecode(w.codec, w.buffer[consumed:], w.opts.maxMessageSize)
		if err != nil {
			if errors.Is(err, ErrPeerShutdown) {
				w.countFrame(FrameShutdown, Received)
			}
			return err
		}
		if n == 0 {
			return nil
		}
		consumed += n

		w.stats.readCount.Add(1)
		w.countFrame(FramePayload, Received)

		if w.limiter != nil && !w.limiter.Allow() {
			return ErrRateLimited
		}
		w.pending = append(w.pending, m)
	}
}

// deliver forwards pending messages without blocking.
func (w *worker[M]) deliver() {
	sent := 0
loop:
	for _, m := range w.pending {
		select {
		case w.incoming <- m:
			sent++
		default:
			break loop
		}
	}
	if sent == 0 {
		return
	}
	n := copy(w.pending, w.pending[sent:])
	clear(w.pending[n:])
	w.pending = w.pending[:n]
}

// flush writes what is still queued plus a Shutdown frame, bounded by the
// linger timeout.
func (w *worker[M]) flush() {
	if w.opts.linger <= 0 {
		return
	}

	for drained := false; !drained; {
		select {
		case m := <-w.outgoing:
			chunks, err := encode(w.codec, m, w.opts.maxMessageSize)
			if err != nil {
				w.logger.Warn("dropping message on close", "error", err)
				continue
			}
			w.enqueue(FramePayload, chunks)
		default:
			drained = true
		}
	}
	w.enqueue(FrameShutdown, [][]byte{EncodeShutdown()})

	if err := w.stream.SetWriteDeadline(time.Now().Add(w.opts.linger)); err != nil {
		return
	}
	for len(w.writeQueue) > 0 {
		n, err := w.stream.Write(w.writeQueue[0].b)
		w.written(n)
		if err != nil {
			w.logger.Debug("flush incomplete", "queued_bytes", w.queuedBytes, "error", err)
			return
		}
	}
}

func (w *worker[M]) countFrame(kind FrameKind, dir Direction) {
	l := w.labels
	l.Kind = kind
	l.Direction = dir
	w.opts.metrics.CountFrame(l)
}
