package cmd

import (
	"fmt"
	"os"
	"strings"

	"QFetch/config"
	"QFetch/logger"

	"github.com/spf13/cobra"
)

var (
	envFiles []string
	logLevel string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "qfetch",
	Short: "QFetch downloads tracks, albums and playlists from streaming links.",
	Long: `QFetch resolves streaming links into track lists and downloads every track
through the configured service backends, with retries, pause/resume/stop and
progress reporting. It runs as a one-shot CLI, an inbox watcher or an HTTP API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load(envFiles...)
		interactive := cmd.Name() == bulkCmd.Name()
		switch {
		case logLevel != "":
			cfg.LogLevel = logLevel
		case interactive && cfg.LogPath == "":
			// 进度条模式下控制台只显示警告
			cfg.LogLevel = string(logger.WarnLevel)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return logger.InitLogger(logger.Config{
			Level:      logger.LogLevel(strings.ToLower(cfg.LogLevel)),
			OutputPath: cfg.LogPath,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			Console:    !interactive,
			Stderr:     interactive,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", nil, "env files to load (default .env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
