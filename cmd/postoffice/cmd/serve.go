package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/postoffice"
	"github.com/Zereker/postoffice/internal/selfsigned"
)

var serveTick time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept connections and echo every message back",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		po, err := listen()
		if err != nil {
			return err
		}
		defer po.Close()

		hs, err := handshakeConfig()
		if err != nil {
			return err
		}
		logger.Info("serving", "addr", po.Addr(), "transport", po.Kind(), "peer", hs.Local)

		return serve(ctx, po, hs)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&serveTick, "tick", 10*time.Millisecond, "poll interval of the accept and echo loop")
}

func listen() (*postoffice.PostOffice, error) {
	opts := []postoffice.ServerOption{postoffice.ServerLoggerOption(logger)}
	if cfg.Transport == "quic" {
		cert, err := selfsigned.Generate(selfsigned.DefaultConfig())
		if err != nil {
			return nil, err
		}
		return postoffice.ListenQUIC(cfg.Addr, cert.ServerConfig(), nil, opts...)
	}
	return postoffice.Listen(cfg.Addr, opts...)
}

// serve accepts connections and echoes messages until ctx ends. Accepting
// runs beside the echo loop, so a peer stuck in its handshake never delays
// traffic on established connections.
func serve(ctx context.Context, po *postoffice.PostOffice, hs postoffice.HandshakeConfig) error {
	accepted := make(chan *postoffice.Mailbox[string])

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return acceptLoop(ctx, po, hs, accepted)
	})
	g.Go(func() error {
		echoLoop(ctx, accepted)
		return nil
	})
	return g.Wait()
}

func acceptLoop(ctx context.Context, po *postoffice.PostOffice, hs postoffice.HandshakeConfig, out chan<- *postoffice.Mailbox[string]) error {
	ticker := time.NewTicker(serveTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		mailboxes, err := postoffice.Accept(hctx, po, hs, postoffice.GobCodec[string]{}, cfg.Options()...)
		cancel()
		for _, m := range mailboxes {
			select {
			case out <- m:
			case <-ctx.Done():
				_ = m.Close()
			}
		}
		if err != nil {
			return err
		}
	}
}

func echoLoop(ctx context.Context, accepted <-chan *postoffice.Mailbox[string]) {
	ticker := time.NewTicker(serveTick)
	defer ticker.Stop()

	var mailboxes []*postoffice.Mailbox[string]
	defer func() {
		for _, m := range mailboxes {
			_ = m.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", "connections", len(mailboxes))
			return
		case m := <-accepted:
			mailboxes = append(mailboxes, m)
			continue
		case <-ticker.C:
		}

		alive := mailboxes[:0]
		for _, m := range mailboxes {
			msgs, err := m.TryReceiveAll()
			for _, msg := range msgs {
				if serr := m.Send(msg); serr != nil {
					logger.Warn("echo failed", "peer", m.Identity().Remote, "error", serr)
				}
			}
			if err != nil {
				logger.Info("connection ended", "peer", m.Identity().Remote, "error", err)
				_ = m.Close()
				continue
			}
			alive = append(alive, m)
		}
		mailboxes = alive
	}
}
