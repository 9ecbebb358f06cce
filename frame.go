package postoffice

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"
)

// FrameKind names one unit of the wire protocol.
type FrameKind uint8

// Frame kinds. The numeric values of the first four are the tag bytes used
// on the wire during negotiation.
const (
	FrameHandshake FrameKind = iota + 1
	FrameInit
	FrameShutdown
	FrameRaw
	// FramePayload is a length-prefixed application message. It only exists
	// after the handshake and never carries a tag byte.
	FramePayload
)

func (k FrameKind) String() string {
	switch k {
	case FrameHandshake:
		return "handshake"
	case FrameInit:
		return "init"
	case FrameShutdown:
		return "shutdown"
	case FrameRaw:
		return "raw"
	case FramePayload:
		return "payload"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ErrUnknownFrame is returned by ReadFrame for a tag byte it does not know.
var ErrUnknownFrame = errors.New("unknown frame kind")

// MagicNumber opens every Handshake frame.
var MagicNumber = [8]byte{'P', 'O', 'S', 'T', 'O', 'F', 'F', 0}

// Version is the protocol version carried in the Handshake frame.
type Version struct {
	Major, Minor, Patch uint32
}

// ProtocolVersion is the version spoken by this package.
var ProtocolVersion = Version{Major: 0, Minor: 1, Patch: 0}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Frame is one negotiation frame. The set of implementations is closed:
// HandshakeFrame, InitFrame, ShutdownFrame and RawFrame.
type Frame interface {
	Kind() FrameKind
	// appendBody appends the wire body, without the tag byte.
	appendBody(b []byte) []byte
}

// HandshakeFrame announces the protocol a peer speaks.
type HandshakeFrame struct {
	Magic   [8]byte
	Version Version
}

// InitFrame announces the logical identity of a peer.
type InitFrame struct {
	Peer   PeerID
	Secret Secret
}

// ShutdownFrame tells the remote side no more frames follow.
type ShutdownFrame struct{}

// RawFrame carries a human readable diagnostic, sent before a rejected
// connection is closed.
type RawFrame struct {
	Data []byte
}

func (HandshakeFrame) Kind() FrameKind { return FrameHandshake }
func (InitFrame) Kind() FrameKind      { return FrameInit }
func (ShutdownFrame) Kind() FrameKind  { return FrameShutdown }
func (RawFrame) Kind() FrameKind       { return FrameRaw }

const (
	handshakeBodySize = 8 + 3*4
	initBodySize      = 16 + 16
	maxRawSize        = math.MaxUint16
)

func (f HandshakeFrame) appendBody(b []byte) []byte {
	b = append(b, f.Magic[:]...)
	b = binary.LittleEndian.AppendUint32(b, f.Version.Major)
	b = binary.LittleEndian.AppendUint32(b, f.Version.Minor)
	return binary.LittleEndian.AppendUint32(b, f.Version.Patch)
}

func (f InitFrame) appendBody(b []byte) []byte {
	b = append(b, f.Peer[:]...)
	return append(b, f.Secret[:]...)
}

func (ShutdownFrame) appendBody(b []byte) []byte { return b }

func (f RawFrame) appendBody(b []byte) []byte {
	data := f.Data
	if len(data) > maxRawSize {
		data = data[:maxRawSize]
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(len(data)))
	return append(b, data...)
}

// AppendFrame appends the wire form of f to b.
//
// Layout:
//
//	[1 byte]  kind
//	Handshake: [8 bytes magic][u32 LE major][u32 LE minor][u32 LE patch]
//	Init:      [16 bytes peer id][16 bytes secret]
//	Shutdown:  no body
//	Raw:       [u16 LE length][length bytes]
func AppendFrame(b []byte, f Frame) []byte {
	b = append(b, byte(f.Kind()))
	return f.appendBody(b)
}

// WriteFrame writes a single negotiation frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	if _, err := w.Write(AppendFrame(nil, f)); err != nil {
		return errors.Wrapf(err, "write %s frame", f.Kind())
	}
	return nil
}

// ReadFrame reads a single negotiation frame from r.
// It returns io.EOF only if the stream ended before the tag byte.
func ReadFrame(r io.Reader) (Frame, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}

	kind := FrameKind(tag[0])
	switch kind {
	case FrameHandshake:
		var body [handshakeBodySize]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return nil, errors.Wrap(noEOF(err), "read handshake frame")
		}
		var f HandshakeFrame
		copy(f.Magic[:], body[:8])
		f.Version.Major = binary.LittleEndian.Uint32(body[8:12])
		f.Version.Minor = binary.LittleEndian.Uint32(body[12:16])
		f.Version.Patch = binary.LittleEndian.Uint32(body[16:20])
		return f, nil

	case FrameInit:
		var body [initBodySize]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return nil, errors.Wrap(noEOF(err), "read init frame")
		}
		var f InitFrame
		copy(f.Peer[:], body[:16])
		copy(f.Secret[:], body[16:])
		return f, nil

	case FrameShutdown:
		return ShutdownFrame{}, nil

	case FrameRaw:
		var l [2]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return nil, errors.Wrap(noEOF(err), "read raw frame length")
		}
		data := make([]byte, binary.LittleEndian.Uint16(l[:]))
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, errors.Wrap(noEOF(err), "read raw frame")
		}
		return RawFrame{Data: data}, nil

	default:
		return nil, errors.Wrapf(ErrUnknownFrame, "tag 0x%02x", tag[0])
	}
}

// noEOF turns a clean EOF inside a frame into io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
