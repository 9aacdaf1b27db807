// Package cmd implements the sft command line.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fzft/go-sft/config"
	"github.com/fzft/go-sft/log"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile    string
	serverAddr string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "sft",
	Short: "sft - single port file transfer server",
	Long: `sft serves file uploads, file downloads, one line messages and static
HTTP pages on a single TCP port from one event loop.

Use "sft [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigFile, "settings file")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "addr", "a", "", "server address for client commands (default: from settings)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "client I/O timeout, 0 disables it")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(msgCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig reads the settings file and initialises the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := log.InitLogger(cfg.LogLevel, cfg.LogDevelopment); err != nil {
		return nil, err
	}
	return cfg, nil
}

// targetAddr resolves the server address used by client commands.
func targetAddr() (string, error) {
	if serverAddr != "" {
		return serverAddr, nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", err
	}
	host := cfg.ListenAddr
	if host == config.DefaultListenAddr || host == "::" {
		host = "127.0.0.1"
	}
	c := *cfg
	c.ListenAddr = host
	return c.ListenAddress(), nil
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
