package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/raidwatch/relay/config"
	"github.com/raidwatch/relay/server"
)

var (
	configFile   = envDefault("RELAY_CONFIG", "config.yaml")
	localBackend bool

	Cmd = &cobra.Command{
		Use:   "run",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}
)

func init() {
	Cmd.Flags().StringVarP(&configFile, "config", "c", configFile, "path of config file")
	Cmd.Flags().BoolVar(&localBackend, "local", false, "use the in-memory challenge backend")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "run-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadConfig[config.Server](configFile)
	if err != nil {
		return err
	}
	if localBackend {
		cfg.ChallengeServer.Local = true
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, err := server.New(*cfg, server.Deps{}, log.Logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	return srv.Run(ctx)
}

func envDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
