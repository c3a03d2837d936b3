package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"QFetch/core/bulk"
	"QFetch/logger"
	"QFetch/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("[Server] 响应写入失败", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HealthHandler 依赖检查全部通过时返回200
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.Checks))
	status := http.StatusOK
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": checks,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// CreateRunRequest 创建运行。text 为按行分隔的链接，uris 会追加在其后。
type CreateRunRequest struct {
	Name string   `json:"name"`
	Text string   `json:"text"`
	URIs []string `json:"uris"`
}

// CreateRunHandler 解析批量输入并在后台启动运行
func (s *Server) CreateRunHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := req.Text
	if len(req.URIs) > 0 {
		text = strings.TrimRight(text, "\n") + "\n" + strings.Join(req.URIs, "\n")
	}

	items, err := bulk.ParseBatchString(text, s.Config.SourceMarker)
	if err != nil {
		if errors.Is(err, model.ErrNoValidSources) {
			writeError(w, http.StatusBadRequest, "no valid source links found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.Runs.Start(s.BaseContext, req.Name, items)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("[Server] 创建运行",
		logger.Run(run.ID()),
		logger.Int("items", len(items)),
		logger.String("by", SubjectFromContext(r.Context())))
	writeJSON(w, http.StatusAccepted, run.Info(true))
}

// ListRunsHandler 进程内的所有运行
func (s *Server) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Runs.List())
}

// GetRunHandler 进程内找不到时尝试从 Redis 读取
func (s *Server) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if run, ok := s.Runs.Get(id); ok {
		writeJSON(w, http.StatusOK, run.Info(true))
		return
	}
	if s.RunCache != nil {
		if info, err := s.cachedRun(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, info)
			return
		} else if !errors.Is(err, model.ErrNotFound) {
			logger.Warn("[Server] 读取运行缓存失败", logger.Run(id), logger.ErrorField(err))
		}
	}
	writeError(w, http.StatusNotFound, "run not found")
}

func (s *Server) cachedRun(ctx context.Context, id string) (*bulk.RunInfo, error) {
	progress, err := s.RunCache.Progress(ctx, id)
	if err != nil {
		return nil, err
	}
	info := &bulk.RunInfo{ID: id, State: bulk.StateRunning, Progress: *progress}
	if res, err := s.RunCache.Completion(ctx, id); err == nil {
		info.Result = res
		info.State = bulk.StateFinished
		if res.Stopped {
			info.State = bulk.StateStopped
		}
	}
	if items, err := s.RunCache.Items(ctx, id); err == nil {
		info.Items = items
	}
	return info, nil
}

// ControlRunHandler 暂停/恢复/停止
func (s *Server) ControlRunHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	run, ok := s.Runs.Get(vars["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	applyControl(run, MessageType(vars["action"]))
	writeJSON(w, http.StatusOK, run.Info(false))
}

func applyControl(run *bulk.Run, action MessageType) bool {
	switch action {
	case MsgTypePause:
		run.Pause()
	case MsgTypeResume:
		run.Resume()
	case MsgTypeStop:
		run.Stop()
	default:
		return false
	}
	logger.Info("[Server] 运行控制", logger.Run(run.ID()), logger.String("action", string(action)))
	return true
}

// RunSocketHandler 订阅运行事件。连接后先收到一次 snapshot，也可发送 pause/resume/stop。
func (s *Server) RunSocketHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, ok := s.Runs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("[Server] websocket升级失败", logger.ErrorField(err))
		return
	}

	client := NewClient(s.Hub, conn, id)
	s.Hub.Register(client)
	client.Send(MsgTypeSnapshot, run.Info(true))

	go client.WritePump()
	client.ReadPump(s.BaseContext, func(ctx context.Context, c *Client, msg *WSMessage) {
		if !applyControl(run, msg.Type) {
			c.Send(MsgTypeError, map[string]string{"error": "unsupported message type"})
			return
		}
		c.Send(MsgTypeSnapshot, run.Info(false))
	})
}

// HistoryHandler 下载历史，支持 run、isrc、limit 参数
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not configured")
		return
	}
	q := r.URL.Query()
	ctx := r.Context()

	if isrc := q.Get("isrc"); isrc != "" {
		rec, err := s.History.FindByISRC(ctx, isrc)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, "no download for isrc")
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	var (
		recs []*model.DownloadRecord
		err  error
	)
	if runID := q.Get("run"); runID != "" {
		recs, err = s.History.ListByRun(ctx, runID)
	} else {
		limit, _ := strconv.Atoi(q.Get("limit"))
		recs, err = s.History.ListRecent(ctx, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []*model.DownloadRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
