package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"QFetch/cache"
	"QFetch/core/bulk"
	"QFetch/core/prefetch"
	"QFetch/logger"
	"QFetch/model"
	"QFetch/server"

	"github.com/spf13/cobra"
)

var (
	serveAddr  string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP/WebSocket API",
	Long: `Serves the run API (create, list, pause, resume, stop, live events over
WebSocket), download history and the playback prefetch player. With --watch the
inbox directory is watched as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		hub := server.NewHub()
		go hub.Run()
		defer hub.Stop()

		// 播放器预取的文件和批量运行共用 a.cache，运行中命中的曲目直接复制
		player := prefetch.New(a.adapter, a.cache, prefetch.Config{
			Policy:              cfg.PrefetchPolicy(),
			AutoPlayInterval:    cfg.AutoPlayInterval,
			AutoPlayMaxAttempts: cfg.AutoPlayMaxAttempts,
			OnNotice:            server.PlayerNotifier(hub),
		})
		player.Start(ctx)
		defer player.Close()

		// 先于播放器关闭，运行结束前缓存目录不会被删除
		runs := bulk.NewManager(a.provider, a.adapter, a.cache, a.bulkOptions(), a.sinks(server.NewHubSink(hub)))
		defer func() {
			runs.StopAll()
			runs.Wait()
		}()

		deps := server.Deps{
			Config:      cfg,
			Runs:        runs,
			Hub:         hub,
			Provider:    a.provider,
			History:     a.history,
			RunCache:    a.runs,
			Player:      player,
			Checks:      a.healthChecks(),
			BaseContext: ctx,
		}
		if a.redis != nil {
			deps.Playlists = cache.NewPlaylistStore(a.redis, cfg.RunTTL)
			restorePlayer(ctx, deps)
		}

		if serveWatch {
			go watchInbox(ctx, runs)
		}

		addr := serveAddr
		if addr == "" {
			addr = ":" + cfg.ServerPort
		}
		return server.New(deps).ListenAndServe(ctx, addr)
	},
}

// restorePlayer 从 Redis 恢复上次的播放队列
func restorePlayer(ctx context.Context, deps server.Deps) {
	tracks, current, err := deps.Playlists.Load(ctx, "default")
	if err != nil {
		logger.Warn("[CLI] 恢复播放队列失败", logger.ErrorField(err))
		return
	}
	if len(tracks) > 0 {
		deps.Player.Load(tracks, current)
		logger.Info("[CLI] 已恢复播放队列", logger.Int("tracks", len(tracks)), logger.Int("current", current))
	}
}

// watchInbox 收件目录中的批量文件交给运行管理器
func watchInbox(ctx context.Context, runs *bulk.Manager) {
	w, err := bulk.NewWatcher(cfg.InboxDir, cfg.SourceMarker, func(ctx context.Context, name string, items []*model.SourceItem) error {
		_, err := runs.Start(ctx, filepath.Base(name), items)
		return err
	})
	if err != nil {
		logger.Error("[CLI] 无法监听收件目录", logger.String("dir", cfg.InboxDir), logger.ErrorField(err))
		return
	}
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("[CLI] 收件目录监听退出", logger.ErrorField(err))
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default :SERVER_PORT)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "also start runs from files dropped into INBOX_DIR")
	rootCmd.AddCommand(serveCmd)
}
