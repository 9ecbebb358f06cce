package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zereker/postoffice"
	"github.com/Zereker/postoffice/internal/config"
)

var (
	// Global flags
	cfgFile       string
	addrFlag      string
	transportFlag string
	logLevelFlag  string

	// Shared state set during PersistentPreRun
	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd is the base command for postoffice.
var rootCmd = &cobra.Command{
	Use:   "postoffice",
	Short: "Point-to-point game message transport: echo server and client",
	Long: `postoffice exercises the transport end to end. "serve" accepts
connections, negotiates them and echoes every message back; "send" dials a
server, sends its arguments as messages and prints the echoes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if addrFlag != "" {
			cfg.Addr = addrFlag
		}
		if transportFlag != "" {
			cfg.Transport = transportFlag
		}
		if logLevelFlag != "" {
			cfg.LogLevel = logLevelFlag
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "postoffice.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "listen or dial address")
	rootCmd.PersistentFlags().StringVar(&transportFlag, "transport", "", "transport: tcp or quic")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd, sendCmd)
}

// handshakeConfig builds the local side of a negotiation with a fresh identity.
func handshakeConfig() (postoffice.HandshakeConfig, error) {
	secret, err := postoffice.NewSecret()
	if err != nil {
		return postoffice.HandshakeConfig{}, err
	}
	return postoffice.HandshakeConfig{
		Local:  postoffice.NewPeerID(),
		Secret: secret,
		Logger: logger,
	}, nil
}
