package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	ws "github.com/wfunc/pinball-machine/internal/websocket"
	"go.uber.org/zap"
)

// upgrader WebSocket升级器
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 诊断口仅在内网使用
		return true
	},
}

// WebSocketHandler 事件推送处理器
type WebSocketHandler struct {
	hub *ws.Hub
	log *zap.Logger
}

// NewWebSocketHandler 创建事件推送处理器
func NewWebSocketHandler(hub *ws.Hub, log *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, log: log}
}

// EventWebSocket 升级连接并接入事件广播
func (h *WebSocketHandler) EventWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("WebSocket升级失败",
			zap.String("ip", c.ClientIP()),
			zap.Error(err))
		return
	}

	client := ws.NewClient(h.hub, conn)
	h.hub.Register(client)

	h.log.Info("WebSocket客户端已连接",
		zap.String("client_id", client.ID),
		zap.String("ip", c.ClientIP()))

	go client.WritePump()
	go client.ReadPump()
}
