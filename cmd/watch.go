package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"QFetch/core/bulk"
	"QFetch/logger"
	"QFetch/model"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Start a run for every batch file dropped into the inbox",
	Long: `Watches INBOX_DIR for new .txt batch files. Each file starts a run once it
stops changing; handled files are renamed to .accepted or .rejected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		logSink := bulk.FuncSink{
			Complete: func(runID string, ev model.CompletionEvent) {
				logger.Info("[CLI] 运行结束",
					logger.Run(runID),
					logger.Int("downloaded", ev.DownloadedTracks),
					logger.Int("failed", ev.FailedTracks),
					logger.Bool("stopped", ev.Stopped))
			},
		}
		runs := bulk.NewManager(a.provider, a.adapter, a.cache, a.bulkOptions(), a.sinks(logSink))

		logger.Info("[CLI] 开始监听收件目录", logger.String("dir", cfg.InboxDir))
		watchInbox(ctx, runs)

		runs.StopAll()
		runs.Wait()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
