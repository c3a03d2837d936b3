package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"QFetch/cache"
	"QFetch/config"
	"QFetch/core/bulk"
	"QFetch/core/plugin"
	"QFetch/core/prefetch"
	"QFetch/logger"
	"QFetch/repository"

	"github.com/gorilla/mux"
)

// HealthCheck 依赖检查，如 Redis/数据库/MinIO 的 Ping
type HealthCheck func(ctx context.Context) error

// Deps 服务依赖。History/RunCache/Player/Playlists 可为 nil，对应接口返回503或跳过。
type Deps struct {
	Config    *config.Config
	Runs      *bulk.Manager
	Hub       *Hub
	Provider  plugin.MetadataProvider
	History   repository.HistoryRepository
	RunCache  *cache.RunCache
	Player    *prefetch.Cache
	Playlists *cache.PlaylistStore
	Checks    map[string]HealthCheck
	// BaseContext 运行的生命周期，默认 context.Background
	BaseContext context.Context
}

// Server HTTP/WebSocket 接口
type Server struct {
	Deps
	router *mux.Router
}

// New 创建服务并注册路由
func New(deps Deps) *Server {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	s := &Server{Deps: deps, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	router := s.router

	// 添加 CORS 中间件
	router.Use(corsMiddleware)
	router.Use(s.authMiddleware)

	router.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)

	// 批量运行
	router.HandleFunc("/api/runs", s.CreateRunHandler).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/runs", s.ListRunsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/runs/{id}", s.GetRunHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/runs/{id}/{action:pause|resume|stop}", s.ControlRunHandler).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/runs/{id}/ws", s.RunSocketHandler).Methods(http.MethodGet)

	// 下载历史
	router.HandleFunc("/api/history", s.HistoryHandler).Methods(http.MethodGet)

	// 播放器预取
	router.HandleFunc("/api/player/load", s.PlayerLoadHandler).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/player/select", s.PlayerSelectHandler).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/player/{dir:next|previous}", s.PlayerStepHandler).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/player/play", s.PlayerPlayHandler).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/player/state", s.PlayerStateHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/player/ws", s.PlayerSocketHandler).Methods(http.MethodGet)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ListenAndServe 阻塞直到ctx取消，然后优雅关闭
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("[Server] 服务启动", logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("[Server] 正在关闭服务")
	// 创建一个5秒超时的上下文
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("[Server] 服务已停止")
	return nil
}
