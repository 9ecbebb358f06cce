package postoffice

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultHandshakeConcurrency bounds the handshakes Accept runs at once.
const DefaultHandshakeConcurrency = 16

// Accept drains the streams pending on p, negotiates each of them as the
// handshake responder and returns a mailbox for every one that succeeded.
//
// Streams failing their handshake are logged and shut down; they never
// reach the caller. cfg.Initiator and cfg.Conn are ignored: each stream is
// numbered with p.NextConnID. The returned error is the post office's own
// accept error, which the caller handles by listening again.
func Accept[M any](ctx context.Context, p *PostOffice, cfg HandshakeConfig, codec Codec[M], opt ...Option) ([]*Mailbox[M], error) {
	streams, acceptErr := p.AcceptNew()
	if len(streams) == 0 {
		return nil, acceptErr
	}

	var (
		mu        sync.Mutex
		mailboxes []*Mailbox[M]
	)

	var g errgroup.Group
	g.SetLimit(DefaultHandshakeConcurrency)
	for _, s := range streams {
		s := s
		hs := cfg
		hs.Initiator = false
		hs.Conn = p.NextConnID()

		g.Go(func() error {
			m, err := negotiate(ctx, s, hs, codec, opt)
			if err != nil {
				p.logger.Info("rejected connection", "remote_addr", s.RemoteAddr(), "conn", hs.Conn, "error", err)
				return nil
			}
			mu.Lock()
			mailboxes = append(mailboxes, m)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return mailboxes, acceptErr
}

// Connect negotiates a freshly dialed stream as the handshake initiator and
// returns its mailbox. The stream is shut down if the handshake fails.
func Connect[M any](ctx context.Context, s Stream, cfg HandshakeConfig, codec Codec[M], opt ...Option) (*Mailbox[M], error) {
	cfg.Initiator = true
	return negotiate(ctx, s, cfg, codec, opt)
}

func negotiate[M any](ctx context.Context, s Stream, cfg HandshakeConfig, codec Codec[M], opt []Option) (*Mailbox[M], error) {
	id, err := Handshake(ctx, s, cfg)
	if err != nil {
		_ = s.shutdown(0)
		return nil, err
	}

	if cfg.Logger != nil {
		opt = append([]Option{LoggerOption(cfg.Logger)}, opt...)
	}
	m, err := NewMailbox(s, id, codec, opt...)
	if err != nil {
		_ = s.shutdown(0)
		return nil, err
	}
	return m, nil
}
