package postoffice

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// DefaultHandshakeTimeout bounds a handshake whose context has no deadline.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrMagicMismatch is returned when the peer's Handshake frame does not
// start with MagicNumber.
var ErrMagicMismatch = errors.New("handshake magic number mismatch")

// VersionMismatchError is returned when the peer speaks another protocol version.
type VersionMismatchError struct {
	Local, Remote Version
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("protocol version mismatch: local %s, remote %s", e.Local, e.Remote)
}

// UnexpectedFrameError is returned when the peer sends a frame the current
// negotiation step does not allow.
type UnexpectedFrameError struct {
	Expected FrameKind
	Got      FrameKind

	// Diagnostic is the text of a Raw frame, if that is what arrived.
	Diagnostic string
}

func (e *UnexpectedFrameError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("expected %s frame, got %s: %q", e.Expected, e.Got, e.Diagnostic)
	}
	return fmt.Sprintf("expected %s frame, got %s", e.Expected, e.Got)
}

// HandshakeConfig describes the local side of a negotiation.
type HandshakeConfig struct {
	// Initiator sends the first Handshake frame. Exactly one side of a
	// connection must set it; the dialing side usually does.
	Initiator bool

	Local  PeerID
	Secret Secret

	// Conn labels metrics and logs; see PostOffice.NextConnID.
	Conn ConnID

	Metrics Metrics
	Logger  Logger

	// SilentReject closes a rejected connection without telling the peer why.
	SilentReject bool
}

// negotiator runs one handshake. The states only move forward:
// version exchange, identity exchange, complete.
type negotiator struct {
	s      Stream
	cfg    HandshakeConfig
	logger Logger
	remote PeerID
}

// Handshake negotiates protocol compatibility and identities over a fresh
// stream and returns the resulting Identity.
//
// The initiator sends Handshake; the responder checks it and answers with
// its own Handshake; the initiator checks that and sends Init; the
// responder answers with Init. Magic or version mismatches are reported to
// the peer with a Raw diagnostic before the error is returned. Any frame
// arriving out of order aborts the negotiation.
//
// The stream is only read and written; closing it on failure is up to the
// caller. Blocking I/O is bounded by ctx, or by DefaultHandshakeTimeout.
func Handshake(ctx context.Context, s Stream, cfg HandshakeConfig) (Identity, error) {
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHandshakeTimeout)
		defer cancel()
	}
	// The end of ctx, deadline or cancel, interrupts a blocked read or write.
	stop := context.AfterFunc(ctx, func() {
		_ = s.SetDeadline(time.Now())
	})

	n := &negotiator{
		s:      s,
		cfg:    cfg,
		logger: withAttrs(cfg.Logger, "addr", s.RemoteAddr(), "conn", cfg.Conn),
	}
	id, err := n.run()

	if !stop() {
		// ctx ended while negotiating; the failure is the context's.
		if err != nil {
			err = errors.Wrapf(ctx.Err(), "handshake interrupted: %v", err)
		}
	}
	if err != nil {
		n.logger.Info("handshake failed", "initiator", cfg.Initiator, "error", err)
		return Identity{}, err
	}
	if err := s.SetDeadline(time.Time{}); err != nil {
		return Identity{}, errors.Wrap(err, "clear handshake deadline")
	}

	n.logger.Debug("handshake complete", "peer", id.Remote, "initiator", id.Initiator, "stream_id_offset", uint64(id.StreamIDOffset))
	return id, nil
}

func (n *negotiator) run() (Identity, error) {
	local := HandshakeFrame{Magic: MagicNumber, Version: ProtocolVersion}

	// Exchange version.
	if n.cfg.Initiator {
		if err := n.send(local); err != nil {
			return Identity{}, err
		}
	}

	f, err := n.recv(FrameHandshake)
	if err != nil {
		return Identity{}, err
	}
	if err := n.checkHandshake(f.(HandshakeFrame)); err != nil {
		return Identity{}, err
	}

	if n.cfg.Initiator {
		if err := n.send(n.initFrame()); err != nil {
			return Identity{}, err
		}
	} else {
		if err := n.send(local); err != nil {
			return Identity{}, err
		}
	}

	// Exchange identity.
	f, err = n.recv(FrameInit)
	if err != nil {
		return Identity{}, err
	}
	remote := f.(InitFrame)
	n.remote = remote.Peer

	if !n.cfg.Initiator {
		if err := n.send(n.initFrame()); err != nil {
			return Identity{}, err
		}
	}

	// Complete. The two sides always take opposite halves of the id space.
	offset := StreamIDOffsetResponder
	if n.cfg.Initiator {
		offset = StreamIDOffsetInitiator
	}
	return Identity{
		Conn:           n.cfg.Conn,
		Local:          n.cfg.Local,
		Remote:         remote.Peer,
		Secret:         remote.Secret,
		StreamIDOffset: offset,
		Initiator:      n.cfg.Initiator,
	}, nil
}

func (n *negotiator) initFrame() InitFrame {
	return InitFrame{Peer: n.cfg.Local, Secret: n.cfg.Secret}
}

func (n *negotiator) checkHandshake(f HandshakeFrame) error {
	if f.Magic != MagicNumber {
		n.reject(fmt.Sprintf(
			"Handshake does not start with the expected magic number %q (got %q).\n"+
				"This is not a postoffice peer. Closing the connection.",
			MagicNumber[:], f.Magic[:]))
		return errors.Wrapf(ErrMagicMismatch, "got %x", f.Magic[:])
	}
	if f.Version != ProtocolVersion {
		n.reject(fmt.Sprintf(
			"Handshake has the right magic number but protocol version %s, we speak %s.\n"+
				"Closing the connection.",
			f.Version, ProtocolVersion))
		return &VersionMismatchError{Local: ProtocolVersion, Remote: f.Version}
	}
	return nil
}

// reject tells the peer why the connection is going away. Failures are
// ignored: the connection is lost either way.
func (n *negotiator) reject(reason string) {
	if n.cfg.SilentReject {
		return
	}
	if err := n.send(RawFrame{Data: []byte(reason)}); err != nil {
		n.logger.Debug("sending rejection failed", "error", err)
		return
	}
	_ = n.send(ShutdownFrame{})
}

func (n *negotiator) send(f Frame) error {
	if err := WriteFrame(n.s, f); err != nil {
		return err
	}
	n.count(f.Kind(), Sent)
	return nil
}

// recv reads the next frame and requires it to be of kind want.
func (n *negotiator) recv(want FrameKind) (Frame, error) {
	f, err := ReadFrame(n.s)
	if err != nil {
		return nil, errors.Wrapf(noEOF(err), "read %s frame", want)
	}
	n.count(f.Kind(), Received)

	if f.Kind() != want {
		ue := &UnexpectedFrameError{Expected: want, Got: f.Kind()}
		if raw, ok := f.(RawFrame); ok {
			ue.Diagnostic = string(raw.Data)
		}
		return nil, ue
	}
	return f, nil
}

func (n *negotiator) count(kind FrameKind, dir Direction) {
	n.cfg.Metrics.CountFrame(FrameLabels{
		Peer:      n.remote,
		Conn:      n.cfg.Conn,
		Kind:      kind,
		Direction: dir,
	})
}
