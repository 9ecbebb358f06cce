package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zereker/postoffice"
	"github.com/Zereker/postoffice/internal/selfsigned"
)

var sendTimeout time.Duration

var sendCmd = &cobra.Command{
	Use:   "send MESSAGE...",
	Short: "Dial a post office, send messages and print the echoes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()

		s, err := dial(ctx)
		if err != nil {
			return err
		}

		hs, err := handshakeConfig()
		if err != nil {
			return err
		}
		hctx, hcancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		m, err := postoffice.Connect(hctx, s, hs, postoffice.GobCodec[string]{}, cfg.Options()...)
		hcancel()
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
		}
		defer m.Close()

		for _, msg := range args {
			if err := m.Send(msg); err != nil {
				return fmt.Errorf("failed to send %q: %w", msg, err)
			}
		}

		for range args {
			echo, err := m.ReceiveBlocking(ctx)
			if err != nil {
				return fmt.Errorf("failed to receive echo: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), echo)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 5*time.Second, "overall time limit")
}

func dial(ctx context.Context) (postoffice.Stream, error) {
	if cfg.Transport == "quic" {
		return postoffice.DialQUIC(ctx, cfg.Addr, selfsigned.InsecureClientConfig(), nil)
	}
	return postoffice.DialTCP(ctx, cfg.Addr)
}
