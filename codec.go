package postoffice

import (
	"bytes"
	"encoding/gob"
)

// Codec is the interface for application message serialization.
// Applications implement it to plug in their own binary format; the
// transport only sees the bytes it produces.
//
// Decode receives exactly the bytes one Encode call produced. The slice
// belongs to the transport's read buffer and must not be retained.
type Codec[M any] interface {
	// Encode serializes a message. An error is fatal to the connection.
	Encode(M) ([]byte, error)
	// Decode deserializes one message. An error is fatal to the connection.
	Decode([]byte) (M, error)
}

// GobCodec encodes each message as a standalone gob stream.
// It works for any gob-encodable M, including plain integers and slices.
type GobCodec[M any] struct{}

// Encode implements Codec.
func (GobCodec[M]) Encode(m M) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (GobCodec[M]) Decode(b []byte) (M, error) {
	var m M
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m)
	return m, err
}
