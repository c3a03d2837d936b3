package server

import (
	"encoding/json"
	"net/http"

	"QFetch/core/prefetch"
	"QFetch/logger"

	"github.com/gorilla/mux"
)

// playerSession 播放队列在 Redis 中的会话名，目前只有一个播放器
const playerSession = "default"

// PlayerState 播放器状态
type PlayerState struct {
	Current int                   `json:"current"`
	Tracks  []prefetch.TrackState `json:"tracks"`
}

type playerLoadRequest struct {
	URI   string `json:"uri"`
	Index int    `json:"index"`
}

type playerSelectRequest struct {
	Index int `json:"index"`
}

func (s *Server) playerAvailable(w http.ResponseWriter) bool {
	if s.Player == nil {
		writeError(w, http.StatusServiceUnavailable, "player is not configured")
		return false
	}
	return true
}

func (s *Server) playerState() PlayerState {
	return PlayerState{Current: s.Player.Current(), Tracks: s.Player.States()}
}

func (s *Server) saveCurrent(r *http.Request) {
	if s.Playlists == nil {
		return
	}
	if err := s.Playlists.SetCurrent(r.Context(), playerSession, s.Player.Current()); err != nil {
		logger.Warn("[Player] 保存当前位置失败", logger.ErrorField(err))
	}
}

// PlayerLoadHandler 解析链接并载入播放队列
func (s *Server) PlayerLoadHandler(w http.ResponseWriter, r *http.Request) {
	if !s.playerAvailable(w) {
		return
	}
	var req playerLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URI == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}

	res, err := s.Provider.Resolve(r.Context(), req.URI)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if len(res.Tracks) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "no tracks found")
		return
	}
	s.Player.Load(res.Tracks, req.Index)
	if s.Playlists != nil {
		if err := s.Playlists.Save(r.Context(), playerSession, res.Tracks, s.Player.Current()); err != nil {
			logger.Warn("[Player] 保存播放队列失败", logger.ErrorField(err))
		}
	}
	logger.Info("[Player] 播放队列已载入", logger.String("title", res.Title), logger.Int("tracks", len(res.Tracks)))
	writeJSON(w, http.StatusOK, s.playerState())
}

// PlayerSelectHandler 跳转到任意曲目
func (s *Server) PlayerSelectHandler(w http.ResponseWriter, r *http.Request) {
	if !s.playerAvailable(w) {
		return
	}
	var req playerSelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Index < 0 || req.Index >= len(s.Player.States()) {
		writeError(w, http.StatusBadRequest, "index out of range")
		return
	}
	s.Player.Select(req.Index)
	s.saveCurrent(r)
	writeJSON(w, http.StatusOK, s.playerState())
}

// PlayerStepHandler 上一首/下一首
func (s *Server) PlayerStepHandler(w http.ResponseWriter, r *http.Request) {
	if !s.playerAvailable(w) {
		return
	}
	if mux.Vars(r)["dir"] == "next" {
		s.Player.Next()
	} else {
		s.Player.Previous()
	}
	s.saveCurrent(r)
	writeJSON(w, http.StatusOK, s.playerState())
}

// PlayerPlayHandler 请求播放当前曲目，结果通过 /api/player/ws 通知
func (s *Server) PlayerPlayHandler(w http.ResponseWriter, r *http.Request) {
	if !s.playerAvailable(w) {
		return
	}
	s.Player.RequestPlay()
	writeJSON(w, http.StatusAccepted, s.playerState())
}

// PlayerStateHandler 当前队列和缓存状态
func (s *Server) PlayerStateHandler(w http.ResponseWriter, r *http.Request) {
	if !s.playerAvailable(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.playerState())
}

// PlayerSocketHandler 订阅播放器通知
func (s *Server) PlayerSocketHandler(w http.ResponseWriter, r *http.Request) {
	if !s.playerAvailable(w) {
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("[Server] websocket升级失败", logger.ErrorField(err))
		return
	}
	client := NewClient(s.Hub, conn, PlayerTopic)
	s.Hub.Register(client)
	client.Send(MsgTypeSnapshot, s.playerState())

	go client.WritePump()
	client.ReadPump(s.BaseContext, nil)
}

// PlayerNotifier 把预取通知推送给播放器订阅者，作为 prefetch.Config.OnNotice
func PlayerNotifier(hub *Hub) func(prefetch.Notice) {
	return func(n prefetch.Notice) {
		hub.Publish(PlayerTopic, MsgTypeNotice, n)
	}
}
