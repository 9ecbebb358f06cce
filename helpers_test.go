package postoffice

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		t.Cleanup(func() {
			serverConn.Close()
			clientConn.Close()
		})
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// createTestStreamPair is createTestTCPPair wrapped as streams.
func createTestStreamPair(t *testing.T) (server, client Stream) {
	t.Helper()
	s, c := createTestTCPPair(t)
	return NewTCPStream(s), NewTCPStream(c)
}

func testHandshakeConfig(t *testing.T, initiator bool) HandshakeConfig {
	t.Helper()
	secret, err := NewSecret()
	require.NoError(t, err)
	return HandshakeConfig{
		Initiator: initiator,
		Local:     NewPeerID(),
		Secret:    secret,
		Logger:    slogt.New(t),
	}
}

type handshakeResult struct {
	id  Identity
	err error
}

// runHandshakes negotiates both ends of a stream pair concurrently.
func runHandshakes(t *testing.T, server, client Stream, serverCfg, clientCfg HandshakeConfig) (handshakeResult, handshakeResult) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverCh := make(chan handshakeResult, 1)
	go func() {
		id, err := Handshake(ctx, server, serverCfg)
		serverCh <- handshakeResult{id, err}
	}()

	id, err := Handshake(ctx, client, clientCfg)
	clientRes := handshakeResult{id, err}

	select {
	case serverRes := <-serverCh:
		return serverRes, clientRes
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server handshake")
		return handshakeResult{}, handshakeResult{}
	}
}

// newMailboxPair negotiates a loopback TCP connection and returns both mailboxes.
func newMailboxPair[M any](t *testing.T, codec Codec[M], serverOpts, clientOpts []Option) (server, client *Mailbox[M]) {
	t.Helper()

	ss, cs := createTestStreamPair(t)
	serverRes, clientRes := runHandshakes(t, ss, cs, testHandshakeConfig(t, false), testHandshakeConfig(t, true))
	require.NoError(t, serverRes.err)
	require.NoError(t, clientRes.err)

	server, err := NewMailbox(ss, serverRes.id, codec, append([]Option{LoggerOption(slogt.New(t))}, serverOpts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	client, err = NewMailbox(cs, clientRes.id, codec, append([]Option{LoggerOption(slogt.New(t))}, clientOpts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return server, client
}

// receiveN drains m until it holds n messages or timeout passes.
func receiveN[M any](t *testing.T, m *Mailbox[M], n int, timeout time.Duration) []M {
	t.Helper()

	var got []M
	deadline := time.Now().Add(timeout)
	for len(got) < n && time.Now().Before(deadline) {
		msgs, err := m.TryReceiveAll()
		got = append(got, msgs...)
		require.NoError(t, err)
		if len(msgs) == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	return got
}

// waitErr polls m until its connection has ended.
func waitErr[M any](t *testing.T, m *Mailbox[M], timeout time.Duration) ([]M, error) {
	t.Helper()

	var got []M
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msgs, err := m.TryReceiveAll()
		got = append(got, msgs...)
		if err != nil {
			return got, err
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timeout waiting for connection to end")
	return nil, nil
}

// int32Codec is a fixed-width codec, so tests can craft envelopes by hand.
type int32Codec struct{}

func (int32Codec) Encode(v int32) ([]byte, error) {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}, nil
}

func (int32Codec) Decode(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, errors.Errorf("int32 needs 4 bytes, got %d", len(b))
	}
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24), nil
}

// funcCodec delegates to optional functions, falling back to int32Codec.
type funcCodec struct {
	encodeFunc func(int32) ([]byte, error)
	decodeFunc func([]byte) (int32, error)
}

func (c funcCodec) Encode(v int32) ([]byte, error) {
	if c.encodeFunc != nil {
		return c.encodeFunc(v)
	}
	return int32Codec{}.Encode(v)
}

func (c funcCodec) Decode(b []byte) (int32, error) {
	if c.decodeFunc != nil {
		return c.decodeFunc(b)
	}
	return int32Codec{}.Decode(b)
}
