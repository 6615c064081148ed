package notify

import (
	"context"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// WebSocketSubscriber 通过 WebSocket 文本帧转发消息
type WebSocketSubscriber struct {
	id     string
	conn   *websocket.Conn
	closed atomic.Bool
}

// NewWebSocketSubscriber 包装一个已建立的连接
func NewWebSocketSubscriber(conn *websocket.Conn) *WebSocketSubscriber {
	return &WebSocketSubscriber{
		id:   "ws-" + uuid.NewString(),
		conn: conn,
	}
}

func (s *WebSocketSubscriber) ID() string { return s.id }

func (s *WebSocketSubscriber) Closed() bool { return s.closed.Load() }

// MarkClosed 连接断开后调用，之后的扇出会跳过该订阅者
func (s *WebSocketSubscriber) MarkClosed() { s.closed.Store(true) }

func (s *WebSocketSubscriber) Send(ctx context.Context, msg string) error {
	err := s.conn.Write(ctx, websocket.MessageText, []byte(msg))
	if err != nil {
		s.MarkClosed()
	}
	return err
}
