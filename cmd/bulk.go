package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"QFetch/core/bulk"
	"QFetch/logger"

	"github.com/spf13/cobra"
)

var (
	bulkOutput      string
	bulkConcurrency int
	bulkService     string
)

var bulkCmd = &cobra.Command{
	Use:   "bulk <file|->",
	Short: "Download every link listed in a batch file",
	Long: `Reads one streaming link per line (blank lines and lines starting with # are
ignored) and downloads every track. Ctrl-C stops after the current step; a
second Ctrl-C exits immediately. Re-running the same file skips tracks that
already exist.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bulkOutput != "" {
			cfg.OutputDir = bulkOutput
		}
		if bulkConcurrency > 0 {
			cfg.MaxConcurrent = bulkConcurrency
		}
		if bulkService != "" {
			cfg.Service = bulkService
		}

		var in io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		items, err := bulk.ParseBatch(in, cfg.SourceMarker)
		if err != nil {
			return err
		}

		ctx := context.Background()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		rep := newReporter(cmd.OutOrStdout())
		o := bulk.New("", a.provider, a.adapter, a.cache, a.bulkOptions(), a.sinks(rep))

		sig := make(chan os.Signal, 2)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		go func() {
			select {
			case <-sig:
				fmt.Fprintln(cmd.ErrOrStderr(), "\nstopping, press Ctrl-C again to abort")
				o.Stop()
			case <-o.Done():
				return
			}
			select {
			case <-sig:
				os.Exit(130)
			case <-o.Done():
			}
		}()

		logger.Info("[CLI] 开始批量下载", logger.Run(o.ID()), logger.Int("items", len(items)))
		ev, err := o.Run(ctx, items)
		if err != nil {
			return err
		}
		if ev.FailedURLs > 0 || ev.FailedTracks > 0 {
			return fmt.Errorf("%d links and %d tracks failed", ev.FailedURLs, ev.FailedTracks)
		}
		return nil
	},
}

func init() {
	bulkCmd.Flags().StringVarP(&bulkOutput, "output", "o", "", "output directory (default OUTPUT_DIR)")
	bulkCmd.Flags().IntVarP(&bulkConcurrency, "concurrency", "c", 0, "links processed in parallel (default MAX_CONCURRENT)")
	bulkCmd.Flags().StringVarP(&bulkService, "service", "s", "", "preferred download service (default SERVICE)")
	rootCmd.AddCommand(bulkCmd)
}
