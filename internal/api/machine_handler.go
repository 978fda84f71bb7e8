package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/pinball-machine/internal/errors"
	"github.com/wfunc/pinball-machine/internal/machine"
	"go.uber.org/zap"
)

// MachineHandler 整机操作处理器
type MachineHandler struct {
	machine *machine.Machine
	log     *zap.Logger
}

// NewMachineHandler 创建整机处理器
func NewMachineHandler(m *machine.Machine, log *zap.Logger) *MachineHandler {
	return &MachineHandler{machine: m, log: log}
}

// GetStatus 整机状态快照
func (h *MachineHandler) GetStatus(c *gin.Context) {
	respondOK(c, h.machine.Status())
}

// GetDevices 设备列表
func (h *MachineHandler) GetDevices(c *gin.Context) {
	respondOK(c, h.machine.Status().Devices)
}

// GetFaults 故障记录
func (h *MachineHandler) GetFaults(c *gin.Context) {
	respondOK(c, h.machine.Faults())
}

// Reset 整机复位
func (h *MachineHandler) Reset(c *gin.Context) {
	if err := h.machine.Reset(); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	h.log.Warn("诊断API触发整机复位", zap.String("ip", c.ClientIP()))
	respondOK(c, nil)
}

// AddBallToPlay 向台面投放一颗球
func (h *MachineHandler) AddBallToPlay(c *gin.Context) {
	if err := h.machine.AddBallToPlay(); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respondOK(c, gin.H{"balls_in_play": h.machine.BallsInPlay()})
}

// RouteBallRequest 球路请求
type RouteBallRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
}

// RouteBall 把一颗球从源设备送到目标设备
func (h *MachineHandler) RouteBall(c *gin.Context) {
	var req RouteBallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, apperrors.Wrap(err, apperrors.ErrInvalidParam))
		return
	}
	if err := h.machine.RouteBall(req.From, req.To); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respondOK(c, nil)
}

// EjectRequest 弹射请求
type EjectRequest struct {
	Target string `json:"target"`
}

// RequestEject 请求设备弹射
func (h *MachineHandler) RequestEject(c *gin.Context) {
	var req EjectRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, http.StatusBadRequest, apperrors.Wrap(err, apperrors.ErrInvalidParam))
		return
	}
	if err := h.machine.RequestEject(c.Param("name"), req.Target); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respondOK(c, nil)
}

// PulseRequest 脉冲请求
type PulseRequest struct {
	PulseMs int     `json:"pulse_ms"`
	Power   float64 `json:"power"`
}

// PulseCoil 诊断脉冲
func (h *MachineHandler) PulseCoil(c *gin.Context) {
	var req PulseRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, http.StatusBadRequest, apperrors.Wrap(err, apperrors.ErrInvalidParam))
		return
	}
	name := c.Param("name")
	if err := h.machine.PulseCoil(name, time.Duration(req.PulseMs)*time.Millisecond, req.Power); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	h.log.Info("诊断API脉冲线圈",
		zap.String("coil", name),
		zap.Int("pulse_ms", req.PulseMs),
		zap.String("ip", c.ClientIP()))
	respondOK(c, nil)
}

// EnableCoil 诊断持续通电
func (h *MachineHandler) EnableCoil(c *gin.Context) {
	if err := h.machine.EnableCoil(c.Param("name")); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respondOK(c, nil)
}

// DisableCoil 诊断断电
func (h *MachineHandler) DisableCoil(c *gin.Context) {
	if err := h.machine.DisableCoil(c.Param("name")); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respondOK(c, nil)
}

// GetSwitch 查询开关状态
func (h *MachineHandler) GetSwitch(c *gin.Context) {
	name := c.Param("name")
	active, err := h.machine.SwitchActive(name)
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	respondOK(c, gin.H{"name": name, "active": active})
}

// statusFor 按错误码归类HTTP状态
func statusFor(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.ErrNotFound, apperrors.ErrUnknownCoil, apperrors.ErrUnknownSwitch:
		return http.StatusNotFound
	case apperrors.ErrDeviceEmpty, apperrors.ErrEjectInProgress,
		apperrors.ErrDeviceStalled, apperrors.ErrCoilEnableForbidden,
		apperrors.ErrNoRoute, apperrors.ErrNoBallsAvailable:
		return http.StatusConflict
	case apperrors.ErrInvalidParam:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
