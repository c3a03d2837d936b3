package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"QFetch/cache"
	"QFetch/config"
	"QFetch/core/auth"
	"QFetch/core/bulk"
	"QFetch/core/filecache"
	"QFetch/core/plugin"
	"QFetch/core/prefetch"
	"QFetch/core/retry"
	"QFetch/db"
	"QFetch/model"
	"QFetch/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func testAlbum(title string, n int) *model.Resolution {
	res := &model.Resolution{Type: model.ItemAlbum, Title: title}
	for i := 1; i <= n; i++ {
		res.Tracks = append(res.Tracks, model.Track{
			ID: fmt.Sprintf("%s-%d", title, i), Title: fmt.Sprintf("Song %d", i), Artist: "Band",
			Album: title, Position: i, ISRC: fmt.Sprintf("%s%d", title, i),
		})
	}
	return res
}

func testProvider() plugin.MetadataProvider {
	return plugin.ProviderFunc(func(ctx context.Context, uri string) (*model.Resolution, error) {
		if strings.Contains(uri, "/album/") {
			return testAlbum("Alpha", 2), nil
		}
		return nil, model.ErrNotFound
	})
}

func testAdapter(delay time.Duration, calls *atomic.Int32) plugin.ServiceAdapter {
	return plugin.AdapterFunc{ServiceName: "fake", Fn: func(ctx context.Context, t model.Track, dir string, sig plugin.Signals) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		time.Sleep(delay)
		p := filepath.Join(dir, "tmp.flac")
		return p, os.WriteFile(p, []byte(t.Title), 0644)
	}}
}

func fastOptions(dir string) bulk.Options {
	p := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, RetryNotFound: true}
	opts := bulk.DefaultOptions(dir)
	opts.TrackPolicy, opts.MetadataPolicy = p, p
	return opts
}

type testEnv struct {
	srv *Server
	ts  *httptest.Server
	hub *Hub
}

func newTestEnv(t *testing.T, deps Deps, adapter plugin.ServiceAdapter, extra ...bulk.Sink) *testEnv {
	t.Helper()
	if deps.Hub == nil {
		deps.Hub = NewHub()
		go deps.Hub.Run()
		t.Cleanup(deps.Hub.Stop)
	}
	if deps.Config == nil {
		deps.Config = &config.Config{SourceMarker: "spotify.com"}
	}
	if deps.Provider == nil {
		deps.Provider = testProvider()
	}
	if adapter == nil {
		adapter = testAdapter(0, nil)
	}
	sinks := append(bulk.MultiSink{NewHubSink(deps.Hub)}, extra...)
	deps.Runs = bulk.NewManager(deps.Provider, adapter, nil, fastOptions(t.TempDir()), sinks)
	t.Cleanup(func() {
		deps.Runs.StopAll()
		deps.Runs.Wait()
	})

	srv := New(deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, hub: deps.Hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func (e *testEnv) waitRun(t *testing.T, id string) bulk.RunInfo {
	t.Helper()
	var info bulk.RunInfo
	require.Eventually(t, func() bool {
		_, body := e.do(t, http.MethodGet, "/api/runs/"+id, nil)
		if json.Unmarshal(body, &info) != nil {
			return false
		}
		return info.State == bulk.StateFinished || info.State == bulk.StateStopped
	}, 5*time.Second, 10*time.Millisecond)
	return info
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Deps{Checks: map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	}}, nil)
	resp, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"redis":"ok"`)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	env = newTestEnv(t, Deps{Checks: map[string]HealthCheck{
		"db": func(context.Context) error { return errors.New("connection refused") },
	}}, nil)
	resp, body = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "connection refused")
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Deps{}, nil)
	resp, _ := env.do(t, http.MethodOptions, "/api/runs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestAPIToken(t *testing.T) {
	env := newTestEnv(t, Deps{Config: &config.Config{SourceMarker: "spotify.com", APISecret: "s3cret"}}, nil)

	resp, _ := env.do(t, http.MethodGet, "/api/runs", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is public")

	resp, _ = env.do(t, http.MethodGet, "/api/runs?token=garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.GenerateToken("s3cret", "ci", time.Hour)
	require.NoError(t, err)

	resp, _ = env.do(t, http.MethodGet, "/api/runs?token="+token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)

	req.Header.Set("Authorization", "Token "+token)
	r, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)
}

func TestCreateRunRejectsEmptyBatch(t *testing.T) {
	env := newTestEnv(t, Deps{}, nil)

	resp, body := env.do(t, http.MethodPost, "/api/runs", CreateRunRequest{Text: "# nothing\nhttps://example.com/x\n"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "no valid source links")

	resp, _ = env.do(t, http.MethodPost, "/api/runs", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t, Deps{}, nil)

	resp, body := env.do(t, http.MethodPost, "/api/runs", CreateRunRequest{
		Name: "weekly",
		Text: "https://open.spotify.com/album/a",
		URIs: []string{"https://open.spotify.com/track/missing"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created bulk.RunInfo
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "weekly", created.Name)
	require.Len(t, created.Items, 2)
	assert.Equal(t, 2, created.Items[1].Line)
	assert.Equal(t, 2, created.Progress.TotalURLs)

	info := env.waitRun(t, created.ID)
	assert.Equal(t, bulk.StateFinished, info.State)
	require.NotNil(t, info.Result)
	assert.Equal(t, 1, info.Result.SuccessfulURLs)
	assert.Equal(t, 1, info.Result.FailedURLs)
	assert.Equal(t, 2, info.Result.DownloadedTracks)

	resp, body = env.do(t, http.MethodGet, "/api/runs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list []bulk.RunInfo
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	resp, _ = env.do(t, http.MethodGet, "/api/runs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/runs/unknown/stop", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunControlEndpoints(t *testing.T) {
	env := newTestEnv(t, Deps{}, testAdapter(50*time.Millisecond, nil))

	_, body := env.do(t, http.MethodPost, "/api/runs", CreateRunRequest{Text: "spotify.com/album/a"})
	var created bulk.RunInfo
	require.NoError(t, json.Unmarshal(body, &created))

	resp, body := env.do(t, http.MethodPost, "/api/runs/"+created.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info bulk.RunInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, bulk.StatePaused, info.State)

	resp, _ = env.do(t, http.MethodPost, "/api/runs/"+created.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info = env.waitRun(t, created.ID)
	assert.Equal(t, bulk.StateStopped, info.State)
	assert.True(t, info.Result.Stopped)
}

func dialWS(t *testing.T, env *testEnv, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestRunSocketStreamsEvents(t *testing.T) {
	release := make(chan struct{})
	adapter := plugin.AdapterFunc{ServiceName: "fake", Fn: func(ctx context.Context, tr model.Track, dir string, sig plugin.Signals) (string, error) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		p := filepath.Join(dir, "tmp.flac")
		return p, os.WriteFile(p, []byte("x"), 0644)
	}}
	env := newTestEnv(t, Deps{}, adapter)

	_, body := env.do(t, http.MethodPost, "/api/runs", CreateRunRequest{Text: "spotify.com/album/a"})
	var created bulk.RunInfo
	require.NoError(t, json.Unmarshal(body, &created))

	conn := dialWS(t, env, "/api/runs/"+created.ID+"/ws")
	first := readMessage(t, conn)
	assert.Equal(t, MsgTypeSnapshot, first.Type)
	assert.Equal(t, created.ID, first.Topic)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypePing}))
	close(release)

	seen := map[MessageType]bool{}
	for !seen[MsgTypeComplete] || !seen[MsgTypePong] {
		msg := readMessage(t, conn)
		seen[msg.Type] = true
		if msg.Type == MsgTypeComplete {
			var ev model.CompletionEvent
			require.NoError(t, json.Unmarshal(msg.Data, &ev))
			assert.Equal(t, 2, ev.DownloadedTracks)
		}
	}
	assert.True(t, seen[MsgTypePong])
	assert.True(t, seen[MsgTypeTrack])
	assert.True(t, seen[MsgTypeProgress])
}

func TestRunSocketControl(t *testing.T) {
	env := newTestEnv(t, Deps{}, testAdapter(50*time.Millisecond, nil))

	_, body := env.do(t, http.MethodPost, "/api/runs", CreateRunRequest{Text: "spotify.com/album/a"})
	var created bulk.RunInfo
	require.NoError(t, json.Unmarshal(body, &created))

	conn := dialWS(t, env, "/api/runs/"+created.ID+"/ws")
	readMessage(t, conn)
	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypeStop}))

	info := env.waitRun(t, created.ID)
	assert.Equal(t, bulk.StateStopped, info.State)
}

func newHistoryRepo(t *testing.T) repository.HistoryRepository {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "h.db")), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() { db.Close(gdb) })
	return repository.NewGormHistoryRepository(gdb)
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, Deps{}, nil)
	resp, _ := env.do(t, http.MethodGet, "/api/history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	repo := newHistoryRepo(t)
	env = newTestEnv(t, Deps{History: repo}, nil, repository.NewHistorySink(repo))

	_, body := env.do(t, http.MethodPost, "/api/runs", CreateRunRequest{Text: "spotify.com/album/a"})
	var created bulk.RunInfo
	require.NoError(t, json.Unmarshal(body, &created))
	env.waitRun(t, created.ID)

	resp, body = env.do(t, http.MethodGet, "/api/history?run="+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []model.DownloadRecord
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "fake", recs[0].Service)
	assert.Equal(t, "Alpha1", recs[0].ISRC)

	resp, _ = env.do(t, http.MethodGet, "/api/history?isrc=Alpha2", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/history?isrc=none", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, body = env.do(t, http.MethodGet, "/api/history?limit=1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &recs))
	assert.Len(t, recs, 1)
}

func TestGetRunFallsBackToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc := cache.NewRunCache(client, time.Hour)

	rc.OnItem("old", model.SourceItem{Line: 1, RawURI: "spotify.com/album/a", Status: model.ItemCompleted})
	rc.OnProgress("old", model.ProgressEvent{TotalURLs: 1, ProcessedURLs: 1})
	rc.OnComplete("old", model.CompletionEvent{TotalURLs: 1, SuccessfulURLs: 1})

	env := newTestEnv(t, Deps{RunCache: rc}, nil)
	resp, body := env.do(t, http.MethodGet, "/api/runs/old", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info bulk.RunInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, bulk.StateFinished, info.State)
	assert.Equal(t, 1, info.Progress.ProcessedURLs)
	require.Len(t, info.Items, 1)

	resp, _ = env.do(t, http.MethodGet, "/api/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlayerEndpoints(t *testing.T) {
	env := newTestEnv(t, Deps{}, nil)
	resp, _ := env.do(t, http.MethodGet, "/api/player/state", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	playlists := cache.NewPlaylistStore(client, time.Hour)

	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)
	player := prefetch.New(testAdapter(0, nil), filecache.New(t.TempDir(), ".flac"), prefetch.Config{
		IdleWait:         5 * time.Millisecond,
		AutoPlayInterval: 10 * time.Millisecond,
		OnNotice:         PlayerNotifier(hub),
	})
	player.Start(context.Background())
	t.Cleanup(func() { player.Close() })

	env = newTestEnv(t, Deps{Hub: hub, Player: player, Playlists: playlists}, nil)

	resp, _ = env.do(t, http.MethodPost, "/api/player/load", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/player/load", map[string]string{"uri": "spotify:track:none"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/player/load", map[string]interface{}{"uri": "https://open.spotify.com/album/a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state PlayerState
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Len(t, state.Tracks, 2)

	tracks, _, err := playlists.Load(context.Background(), playerSession)
	require.NoError(t, err)
	assert.Len(t, tracks, 2)

	conn := dialWS(t, env, "/api/player/ws")
	assert.Equal(t, MsgTypeSnapshot, readMessage(t, conn).Type)

	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/api/player/state", nil)
		if json.Unmarshal(body, &state) != nil {
			return false
		}
		return state.Tracks[0].State == prefetch.StateCached && state.Tracks[1].State == prefetch.StateCached
	}, 5*time.Second, 10*time.Millisecond)

	resp, _ = env.do(t, http.MethodPost, "/api/player/play", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	for {
		msg := readMessage(t, conn)
		if msg.Type != MsgTypeNotice {
			continue
		}
		var n prefetch.Notice
		require.NoError(t, json.Unmarshal(msg.Data, &n))
		if n.Kind == prefetch.PlayReady {
			assert.Equal(t, 0, n.Index)
			break
		}
	}

	resp, _ = env.do(t, http.MethodPost, "/api/player/select", map[string]int{"index": 5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body = env.do(t, http.MethodPost, "/api/player/next", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, 1, state.Current)

	_, current, err := playlists.Load(context.Background(), playerSession)
	require.NoError(t, err)
	assert.Equal(t, 1, current)
}
