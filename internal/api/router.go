package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/pinball-machine/internal/config"
	apperrors "github.com/wfunc/pinball-machine/internal/errors"
	"github.com/wfunc/pinball-machine/internal/machine"
	"github.com/wfunc/pinball-machine/internal/middleware"
	ws "github.com/wfunc/pinball-machine/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Router 诊断API路由器
type Router struct {
	engine  *gin.Engine
	machine *machine.Machine
	db      *gorm.DB
	hub     *ws.Hub
	log     *zap.Logger
	auth    *middleware.AuthMiddleware

	machineHandler *MachineHandler
	historyHandler *HistoryHandler
	wsHandler      *WebSocketHandler
}

// NewRouter 创建路由器
func NewRouter(m *machine.Machine, db *gorm.DB, hub *ws.Hub, cfg *config.APIConfig, log *zap.Logger) *Router {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())

	router := &Router{
		engine:         engine,
		machine:        m,
		db:             db,
		hub:            hub,
		log:            log,
		auth:           middleware.NewAuthMiddleware(cfg.AuthToken),
		machineHandler: NewMachineHandler(m, log),
		historyHandler: NewHistoryHandler(db, log),
		wsHandler:      NewWebSocketHandler(hub, log),
	}

	router.setupRoutes()
	return router
}

// Engine 返回Gin引擎
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	// 事件流
	r.engine.GET("/ws", r.auth.RequireToken(), r.wsHandler.EventWebSocket)

	v1 := r.engine.Group("/api/v1")
	v1.Use(r.auth.RequireToken())
	{
		// 整机状态
		v1.GET("/status", r.machineHandler.GetStatus)
		v1.GET("/faults", r.machineHandler.GetFaults)
		v1.POST("/reset", r.machineHandler.Reset)

		// 球路操作
		balls := v1.Group("/balls")
		{
			balls.POST("/add", r.machineHandler.AddBallToPlay)
			balls.POST("/route", r.machineHandler.RouteBall)
		}

		// 存球设备
		devices := v1.Group("/devices")
		{
			devices.GET("", r.machineHandler.GetDevices)
			devices.POST("/:name/eject", r.machineHandler.RequestEject)
		}

		// 线圈诊断
		coils := v1.Group("/coils")
		{
			coils.POST("/:name/pulse", r.machineHandler.PulseCoil)
			coils.POST("/:name/enable", r.machineHandler.EnableCoil)
			coils.POST("/:name/disable", r.machineHandler.DisableCoil)
		}

		// 开关
		v1.GET("/switches/:name", r.machineHandler.GetSwitch)

		// 审计历史
		history := v1.Group("/history")
		{
			history.GET("/ejects", r.historyHandler.GetEjects)
			history.GET("/searches", r.historyHandler.GetSearches)
			history.GET("/faults", r.historyHandler.GetFaults)
			history.GET("/events", r.historyHandler.GetEvents)
		}
	}
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": r.hub.ClientCount(),
	})
}

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// respondOK 成功响应
func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// respondError 错误响应
func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, Response{
		Code:    int(apperrors.GetCode(err)),
		Message: err.Error(),
	})
}
