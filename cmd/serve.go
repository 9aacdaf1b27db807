package cmd

import (
	"os/signal"
	"syscall"

	"github.com/fzft/go-sft/log"
	"github.com/fzft/go-sft/node"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server in the foreground",
	Long: `Run the server in the foreground until SIGINT or SIGTERM.

Examples:
  # Serve with ./sft.json (or defaults when it is absent)
  sft serve

  # Override settings from the environment
  SFT_LISTENPORT=9100 SFT_LOGLEVEL=debug sft serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := node.NewServer(cfg)
	if err != nil {
		log.Logger.Error("Failed to start server", zap.Error(err))
		return err
	}
	return srv.Run(ctx)
}
