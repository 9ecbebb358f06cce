package postoffice

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// After the handshake the stream carries envelopes only:
//
//	[8 bytes] payload length (little-endian uint64)
//	[N bytes] serialized application message
//
// A zero length envelope is the Shutdown frame.
const (
	// MaxMessageSize is the default upper bound of a serialized message (1MB).
	MaxMessageSize = 1024 * 1024
	// ChunkSize is the size of the pieces an encoded envelope is queued in.
	ChunkSize = 4096

	lengthPrefixSize = 8
)

// Errors returned by the envelope codec.
var (
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrEmptyMessage is returned when a codec serializes a message to zero bytes,
	// which would be indistinguishable from a Shutdown frame.
	ErrEmptyMessage = errors.New("message serialized to zero bytes")
	// ErrPeerShutdown is returned when the remote side closed the connection
	// with a Shutdown frame.
	ErrPeerShutdown = errors.New("peer shut down the connection")
)

// Encode serializes m, prefixes its length and splits the envelope into
// ChunkSize pieces ready to be queued for writing.
func Encode[M any](c Codec[M], m M) ([][]byte, error) {
	return encode(c, m, MaxMessageSize)
}

func encode[M any](c Codec[M], m M, maxSize int) ([][]byte, error) {
	body, err := c.Encode(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	if len(body) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(body) > maxSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "encoded %d bytes, limit %d", len(body), maxSize)
	}

	envelope := make([]byte, lengthPrefixSize+len(body))
	binary.LittleEndian.PutUint64(envelope, uint64(len(body)))
	copy(envelope[lengthPrefixSize:], body)

	chunks := make([][]byte, 0, (len(envelope)+ChunkSize-1)/ChunkSize)
	for len(envelope) > ChunkSize {
		chunks = append(chunks, envelope[:ChunkSize:ChunkSize])
		envelope = envelope[ChunkSize:]
	}
	return append(chunks, envelope), nil
}

// EncodeShutdown returns the Shutdown frame in envelope form.
func EncodeShutdown() []byte {
	return make([]byte, lengthPrefixSize)
}

// TryDecode inspects the front of buf.
//
// It returns n == 0 and a nil error when buf does not yet hold a complete
// envelope. A declared length above MaxMessageSize returns
// ErrMessageTooLarge; this is a protocol violation, not a request for more
// data. A Shutdown frame returns ErrPeerShutdown with n set to the bytes it
// occupies. Otherwise the decoded message is returned with the number of
// bytes to drop from buf.
func TryDecode[M any](c Codec[M], buf []byte) (m M, n int, err error) {
	return tryDecode(c, buf, MaxMessageSize)
}

func tryDecode[M any](c Codec[M], buf []byte, maxSize int) (m M, n int, err error) {
	body, n, err := nextEnvelope(buf, maxSize)
	if err != nil || n == 0 {
		return m, n, err
	}
	if len(body) == 0 {
		return m, n, ErrPeerShutdown
	}
	m, err = c.Decode(body)
	if err != nil {
		return m, 0, errors.Wrap(err, "decode message")
	}
	return m, n, nil
}

// nextEnvelope returns the body of the first complete envelope in buf.
func nextEnvelope(buf []byte, maxSize int) (body []byte, n int, err error) {
	if len(buf) < lengthPrefixSize {
		return nil, 0, nil
	}
	length := binary.LittleEndian.Uint64(buf)
	if length > uint64(maxSize) {
		return nil, 0, errors.Wrapf(ErrMessageTooLarge, "declared %d bytes, limit %d", length, maxSize)
	}
	end := lengthPrefixSize + int(length)
	if len(buf) < end {
		return nil, 0, nil
	}
	return buf[lengthPrefixSize:end], end, nil
}
