package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"QFetch/logger"
	"QFetch/model"

	"github.com/gorilla/websocket"
)

// MessageType 消息类型
type MessageType string

const (
	// 系统消息
	MsgTypePing     MessageType = "ping"     // 心跳
	MsgTypePong     MessageType = "pong"     // 心跳响应
	MsgTypeError    MessageType = "error"    // 错误消息
	MsgTypeSnapshot MessageType = "snapshot" // 连接时的完整状态

	// 运行事件
	MsgTypeItem     MessageType = "item"
	MsgTypeTrack    MessageType = "track"
	MsgTypeProgress MessageType = "progress"
	MsgTypeComplete MessageType = "complete"

	// 运行控制（客户端 -> 服务端）
	MsgTypePause  MessageType = "pause"
	MsgTypeResume MessageType = "resume"
	MsgTypeStop   MessageType = "stop"

	// 播放器通知
	MsgTypeNotice MessageType = "notice"
)

// PlayerTopic 播放器通知的订阅主题，运行事件的主题是运行ID
const PlayerTopic = "player"

const (
	sendBuffer   = 64
	readLimit    = 4096
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage 序列化data并加上时间戳
func NewMessage(typ MessageType, topic string, data interface{}) ([]byte, error) {
	msg := WSMessage{Type: typ, Topic: topic, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// Client WebSocket 客户端，订阅一个主题
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	topic string
}

// NewClient 创建客户端，需要再 Register
func NewClient(hub *Hub, conn *websocket.Conn, topic string) *Client {
	return &Client{hub: hub, conn: conn, send: make(chan []byte, sendBuffer), topic: topic}
}

type broadcastMessage struct {
	topic   string
	message []byte
}

// Hub WebSocket 管理中心，按主题分发消息
type Hub struct {
	// 主题 -> 客户端集合
	topics map[string]map[*Client]bool

	// 注销通道
	unregister chan *Client

	// 广播通道
	broadcast chan *broadcastMessage

	mu   sync.RWMutex
	done chan struct{}
	once sync.Once
}

// NewHub 创建 Hub，需要 go hub.Run()
func NewHub() *Hub {
	return &Hub{
		topics:     make(map[string]map[*Client]bool),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.unregister:
			h.mu.Lock()
			h.removeClient(client)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.broadcastToTopic(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub，可重复调用
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		// Hub 已停止
		close(client.send)
		return
	default:
	}

	if h.topics[client.topic] == nil {
		h.topics[client.topic] = make(map[*Client]bool)
	}
	h.topics[client.topic][client] = true
	logger.Debug("[Hub] 客户端已连接", logger.String("topic", client.topic))
}

// removeClient 移除客户端（需要持有锁）
func (h *Hub) removeClient(client *Client) {
	clients, ok := h.topics[client.topic]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.topics, client.topic)
	}
	logger.Debug("[Hub] 客户端已断开", logger.String("topic", client.topic))
}

func (h *Hub) broadcastToTopic(msg *broadcastMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.topics[msg.topic] {
		select {
		case client.send <- msg.message:
		default:
			// 发送缓冲区满，移除客户端
			h.removeClient(client)
		}
	}
}

// cleanup 清理所有连接
func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.topics {
		for client := range clients {
			close(client.send)
		}
	}
	h.topics = make(map[string]map[*Client]bool)
}

// Register 同步注册客户端，返回后即可向其发送
func (h *Hub) Register(client *Client) {
	h.registerClient(client)
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish 向主题广播一条消息
func (h *Hub) Publish(topic string, typ MessageType, data interface{}) {
	message, err := NewMessage(typ, topic, data)
	if err != nil {
		logger.Warn("[Hub] 消息序列化失败", logger.String("topic", topic), logger.ErrorField(err))
		return
	}
	select {
	case h.broadcast <- &broadcastMessage{topic: topic, message: message}:
	case <-h.done:
	}
}

// ClientCount 主题下的客户端数量
func (h *Hub) ClientCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Send 直接发给该客户端，缓冲区满或已注销时丢弃
func (c *Client) Send(typ MessageType, data interface{}) {
	message, err := NewMessage(typ, c.topic, data)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.topics[c.topic][c] {
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

// ReadPump 读取消息循环，处理心跳，其余交给handler
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, c *Client, msg *WSMessage)) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("[Hub] websocket读取失败", logger.String("topic", c.topic), logger.ErrorField(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.Send(MsgTypeError, map[string]string{"error": "invalid message format"})
			continue
		}
		if msg.Type == MsgTypePing {
			c.Send(MsgTypePong, nil)
			continue
		}
		if handler != nil {
			handler(ctx, c, &msg)
		}
	}
}

// WritePump 写入消息循环，每条消息一帧
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HubSink 把运行事件推送给订阅该运行的客户端，满足 bulk.Sink
type HubSink struct {
	hub *Hub
}

// NewHubSink 创建Sink
func NewHubSink(hub *Hub) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) OnItem(runID string, item model.SourceItem) {
	s.hub.Publish(runID, MsgTypeItem, item)
}

func (s *HubSink) OnTrack(runID string, ev model.TrackEvent) {
	s.hub.Publish(runID, MsgTypeTrack, ev)
}

func (s *HubSink) OnProgress(runID string, ev model.ProgressEvent) {
	s.hub.Publish(runID, MsgTypeProgress, ev)
}

func (s *HubSink) OnComplete(runID string, ev model.CompletionEvent) {
	s.hub.Publish(runID, MsgTypeComplete, ev)
}
