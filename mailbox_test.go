package postoffice

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
	"github.com/stretchr/testify/require"
)

// newRawMailbox returns a mailbox whose peer is a plain TCP connection, for
// tests that need to put arbitrary bytes on the wire.
func newRawMailbox(t *testing.T, opt ...Option) (*Mailbox[int32], *net.TCPConn) {
	t.Helper()

	server, raw := createTestTCPPair(t)
	m, err := NewMailbox[int32](NewTCPStream(server), Identity{Conn: 1}, int32Codec{}, append([]Option{LoggerOption(slogt.New(t))}, opt...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, raw
}

func writeEnvelopes(t *testing.T, w io.Writer, values ...int32) {
	t.Helper()
	var buf []byte
	for _, v := range values {
		chunks, err := Encode(int32Codec{}, v)
		require.NoError(t, err)
		buf = append(buf, bytes.Join(chunks, nil)...)
	}
	_, err := w.Write(buf)
	require.NoError(t, err)
}

func TestNewMailbox_InvalidArguments(t *testing.T) {
	server, _ := createTestStreamPair(t)

	_, err := NewMailbox[int32](nil, Identity{}, int32Codec{})
	require.ErrorIs(t, err, ErrInvalidStream)

	_, err = NewMailbox[int32](server, Identity{}, nil)
	require.ErrorIs(t, err, ErrInvalidCodec)

	_, err = NewMailbox[int32](server, Identity{}, int32Codec{}, RateLimitOption(10, 0))
	require.ErrorIs(t, err, ErrInvalidRateLimit)
}

func TestMailbox_Integers(t *testing.T) {
	server, client := newMailboxPair[int32](t, GobCodec[int32]{}, nil, nil)

	values := []int32{1, 1337, 42, -48}
	for _, v := range values {
		require.NoError(t, client.Send(v))
	}

	got := receiveN(t, server, len(values), 250*time.Millisecond)
	require.Equal(t, values, got)
}

func TestMailbox_LargeVector(t *testing.T) {
	server, client := newMailboxPair[[]int32](t, GobCodec[[]int32]{}, nil, nil)

	vec := make([]int32, 100000)
	for i := range vec {
		vec[i] = int32(i) - 50000
	}
	require.NoError(t, client.Send(vec))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := server.ReceiveBlocking(ctx)
	require.NoError(t, err)
	require.Equal(t, vec, got)
}

func TestMailbox_OrderBothDirections(t *testing.T) {
	server, client := newMailboxPair[int32](t, int32Codec{}, nil, nil)

	const n = 1000
	want := make([]int32, n)
	for i := range want {
		want[i] = int32(i)
		require.NoError(t, client.Send(int32(i)))
		require.NoError(t, server.Send(int32(-i)))
	}

	require.Equal(t, want, receiveN(t, server, n, 5*time.Second))

	got := receiveN(t, client, n, 5*time.Second)
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, int32(-i), v)
	}
}

func TestMailbox_Identity(t *testing.T) {
	server, client := newMailboxPair[int32](t, int32Codec{}, nil, nil)

	require.Equal(t, server.Identity().Local, client.Identity().Remote)
	require.Equal(t, client.Identity().Local, server.Identity().Remote)
	require.Equal(t, StreamTCP, server.Kind())
	require.NotNil(t, client.RemoteAddr())
}

func TestMailbox_CloseNotifiesPeer(t *testing.T) {
	server, client := newMailboxPair[int32](t, int32Codec{}, nil, nil)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.ErrorIs(t, client.Err(), ErrConnectionClosed)
	require.ErrorIs(t, client.Send(1), ErrConnectionClosed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := server.ReceiveBlocking(ctx)
	require.ErrorIs(t, err, ErrPeerShutdown)

	// The error is sticky.
	msgs, err := server.TryReceiveAll()
	require.Empty(t, msgs)
	require.ErrorIs(t, err, ErrPeerShutdown)
	require.ErrorIs(t, server.Err(), ErrPeerShutdown)
}

func TestMailbox_CloseFlushesQueued(t *testing.T) {
	server, client := newMailboxPair[int32](t, int32Codec{}, nil, nil)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, client.Send(int32(i)))
	}
	require.NoError(t, client.Close())

	got, err := waitErr(t, server, 2*time.Second)
	require.ErrorIs(t, err, ErrPeerShutdown)
	require.Len(t, got, n)
}

func TestMailbox_CloseWhilePeerSending(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"default inbox", nil},
		{"small inbox", []Option{InboxSizeOption(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := newMailboxPair[int32](t, int32Codec{}, nil, tt.opts)

			// The server keeps sending, so unread data is waiting at the
			// client when it closes.
			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := int32(0); ; i++ {
					select {
					case <-stop:
						return
					default:
					}
					if server.Send(i) == ErrBufferFull {
						time.Sleep(time.Millisecond)
					}
				}
			}()
			time.Sleep(20 * time.Millisecond)

			const n = 100
			for i := 0; i < n; i++ {
				require.NoError(t, client.Send(int32(i)))
			}
			require.NoError(t, client.Close())

			got, err := waitErr(t, server, 2*time.Second)
			close(stop)
			wg.Wait()

			require.ErrorIs(t, err, ErrPeerShutdown)
			require.Len(t, got, n)
			for i, v := range got {
				require.Equal(t, int32(i), v)
			}
		})
	}
}

func TestMailbox_CloseWithoutLinger(t *testing.T) {
	server, client := newMailboxPair[int32](t, int32Codec{}, nil, []Option{LingerOption(-1)})

	require.NoError(t, client.Close())

	_, err := waitErr(t, server, 2*time.Second)
	require.ErrorIs(t, err, ErrUnexpectedClose)
}

func TestMailbox_CloseReleasesStream(t *testing.T) {
	m, raw := newRawMailbox(t)

	require.NoError(t, m.Close())
	require.True(t, m.w.done.R().Done(), "worker still running after Close")

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
	rest, err := io.ReadAll(raw)
	require.NoError(t, err)
	require.Equal(t, EncodeShutdown(), rest)
}

func TestMailbox_PeerShutdownAfterMessages(t *testing.T) {
	m, raw := newRawMailbox(t)

	writeEnvelopes(t, raw, 5, 6)
	_, err := raw.Write(EncodeShutdown())
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	got, err := waitErr(t, m, 2*time.Second)
	require.ErrorIs(t, err, ErrPeerShutdown)
	require.Equal(t, []int32{5, 6}, got)
}

func TestMailbox_UnexpectedClose(t *testing.T) {
	m, raw := newRawMailbox(t)

	writeEnvelopes(t, raw, 7)
	require.NoError(t, raw.Close())

	got, err := waitErr(t, m, 2*time.Second)
	require.ErrorIs(t, err, ErrUnexpectedClose)
	require.Equal(t, []int32{7}, got)
}

func TestMailbox_OversizeIsFatal(t *testing.T) {
	m, raw := newRawMailbox(t)

	writeEnvelopes(t, raw, 7)
	_, err := raw.Write(binary.LittleEndian.AppendUint64(nil, MaxMessageSize+1))
	require.NoError(t, err)

	got, err := waitErr(t, m, 2*time.Second)
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.Equal(t, []int32{7}, got)

	// The stream is shut down without a Shutdown frame.
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
	rest, _ := io.ReadAll(raw)
	require.Empty(t, rest)
}

func TestMailbox_MessageMaxSize(t *testing.T) {
	server, client := newMailboxPair[[]byte](t, GobCodec[[]byte]{}, []Option{MessageMaxSize(64)}, nil)

	require.NoError(t, client.Send(make([]byte, 256)))

	_, err := waitErr(t, server, 2*time.Second)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestMailbox_EncodeFailureIsFatal(t *testing.T) {
	boom := errors.New("boom")
	codec := funcCodec{encodeFunc: func(v int32) ([]byte, error) {
		if v == 13 {
			return nil, boom
		}
		return int32Codec{}.Encode(v)
	}}
	server, client := newMailboxPair[int32](t, codec, nil, nil)

	require.NoError(t, client.Send(12))
	require.Equal(t, []int32{12}, receiveN(t, server, 1, time.Second))
	require.NoError(t, client.Send(13))

	_, err := waitErr(t, client, 2*time.Second)
	require.ErrorIs(t, err, boom)

	// Messages for a failed connection are dropped silently.
	require.NoError(t, client.Send(14))

	got, err := waitErr(t, server, 2*time.Second)
	require.ErrorIs(t, err, ErrUnexpectedClose)
	require.Empty(t, got)
}

func TestMailbox_DecodeFailureIsFatal(t *testing.T) {
	m, raw := newRawMailbox(t)

	buf := binary.LittleEndian.AppendUint64(nil, 3)
	_, err := raw.Write(append(buf, 1, 2, 3))
	require.NoError(t, err)

	_, err = waitErr(t, m, 2*time.Second)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnexpectedClose)
}

func TestMailbox_SendBufferFull(t *testing.T) {
	// A mailbox whose worker never runs, so nothing drains the channel.
	m := &Mailbox[int32]{
		outgoing: make(chan int32, 1),
		stats:    new(stats),
		w:        &worker[int32]{done: syncx.NewDoneChan()},
	}

	require.NoError(t, m.Send(1))
	require.ErrorIs(t, m.Send(2), ErrBufferFull)
	require.Equal(t, int64(1), m.Statistics().OutputCount)
}

func TestMailbox_RateLimited(t *testing.T) {
	server, client := newMailboxPair[int32](t, int32Codec{}, []Option{RateLimitOption(1, 2)}, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, client.Send(int32(i)))
	}

	got, err := waitErr(t, server, 2*time.Second)
	require.ErrorIs(t, err, ErrRateLimited)
	require.LessOrEqual(t, len(got), 3)
	require.GreaterOrEqual(t, len(got), 2)
}

func TestMailbox_InboxBackpressure(t *testing.T) {
	server, client := newMailboxPair[[]byte](t, GobCodec[[]byte]{}, []Option{InboxSizeOption(4)}, nil)

	const n = 64
	for i := 0; i < n; i++ {
		require.NoError(t, client.Send(bytes.Repeat([]byte{byte(i)}, 64*1024)))
	}

	time.Sleep(200 * time.Millisecond)
	require.Less(t, server.Statistics().ReadCount, int64(n), "reading should pause while the inbox is full")

	got := receiveN(t, server, n, 5*time.Second)
	require.Len(t, got, n)
	for i, msg := range got {
		require.Equal(t, byte(i), msg[0])
	}
}

func TestMailbox_ReceiveBlockingContext(t *testing.T) {
	server, _ := newMailboxPair[int32](t, int32Codec{}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := server.ReceiveBlocking(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, server.Err())
}

func TestMailbox_Statistics(t *testing.T) {
	server, client := newMailboxPair[int32](t, int32Codec{}, nil, nil)

	for i := 0; i < 4; i++ {
		require.NoError(t, client.Send(int32(i)))
	}
	require.Len(t, receiveN(t, server, 4, time.Second), 4)

	cs, ss := client.Statistics(), server.Statistics()
	require.Equal(t, int64(4), cs.OutputCount)
	require.Equal(t, int64(4), cs.WrittenCount)
	require.Equal(t, int64(4*12), cs.WrittenBytes)
	require.Equal(t, int64(4), ss.ReadCount)
	require.Equal(t, int64(4*12), ss.ReadBytes)
}

func TestMailbox_Metrics(t *testing.T) {
	serverMetrics, clientMetrics := NewCounters(), NewCounters()
	server, client := newMailboxPair[int32](t, int32Codec{},
		[]Option{MetricsOption(serverMetrics)},
		[]Option{MetricsOption(clientMetrics)})

	for i := 0; i < 3; i++ {
		require.NoError(t, client.Send(int32(i)))
	}
	require.NoError(t, client.Close())
	_, err := waitErr(t, server, 2*time.Second)
	require.ErrorIs(t, err, ErrPeerShutdown)

	clientPeer := client.Identity().Local
	serverPeer := server.Identity().Local

	require.Equal(t, uint64(3), clientMetrics.Get(FrameLabels{Peer: serverPeer, Kind: FramePayload, Direction: Sent}))
	require.Equal(t, uint64(1), clientMetrics.Get(FrameLabels{Peer: serverPeer, Kind: FrameShutdown, Direction: Sent}))
	require.Equal(t, uint64(3), serverMetrics.Get(FrameLabels{Peer: clientPeer, Kind: FramePayload, Direction: Received}))
	require.Equal(t, uint64(1), serverMetrics.Get(FrameLabels{Peer: clientPeer, Kind: FrameShutdown, Direction: Received}))
}
