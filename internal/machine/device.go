package machine

import (
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/pinball-machine/internal/config"
	apperrors "github.com/wfunc/pinball-machine/internal/errors"
	"go.uber.org/zap"
)

// DeviceState 存球设备状态
type DeviceState string

const (
	DeviceIdle            DeviceState = "idle"             // 球数已知，无未完成弹射
	DeviceEjecting        DeviceState = "ejecting"         // 线圈已点火，等待球离开
	DeviceAwaitingConfirm DeviceState = "awaiting_confirm" // 球已离开，等待目标侧确认
	DeviceBroken          DeviceState = "eject_broken"     // 弹射机构无法出球，设备停用
)

// 计数抖动的沉降窗口：存球开关变化后等这么久再重新点数，
// 避免球滚动过程中的中间状态
const countSettleDelay = 100 * time.Millisecond

// 弹射时松开保持线圈的时长
const holdReleaseTime = 250 * time.Millisecond

// 来球登记在源侧超时之外额外等待的宽限
const incomingGrace = 5 * time.Second

// Transfer 一次在途的球转移
//
// 弹射请求时创建，确认或终局失败时销毁。同一设备同时只有一个。
type Transfer struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
	Attempts  int       `json:"attempts"`

	resolved bool
}

// incomingBall 目标侧登记的在途来球
type incomingBall struct {
	source *BallDevice
	id     string
}

// BallDevice 存球设备状态机
//
// 每个物理存球位置一个实例，持有自己的开关，通过驱动控制器
// 点火，自行维护球数估计。球数只通过开关驱动的迁移或球路控制器
// 的显式增减变化。
type BallDevice struct {
	m      *Machine
	Name   string
	cfg    config.DeviceConfig
	logger *zap.Logger

	isPlayfield bool
	capacity    int

	ballCount int
	state     DeviceState
	transfer  *Transfer
	stalled   bool

	// 点火时刻混入球数估计之前的抖动保护
	jamAtEject bool

	ejectCoil *Driver
	holdCoil  *Driver

	incoming []*incomingBall
	handles  []*SwitchHandle
}

// newBallDevice 根据配置构建设备
func newBallDevice(m *Machine, name string, cfg config.DeviceConfig, logger *zap.Logger) *BallDevice {
	d := &BallDevice{
		m:           m,
		Name:        name,
		cfg:         cfg,
		logger:      logger.With(zap.String("device", name)),
		isPlayfield: name == m.cfg.Machine.Playfield,
		capacity:    cfg.Capacity(),
		state:       DeviceIdle,
	}
	if cfg.EjectCoil != "" {
		d.ejectCoil = m.coils[cfg.EjectCoil]
	}
	if cfg.HoldCoil != "" {
		d.holdCoil = m.coils[cfg.HoldCoil]
	}
	if d.isPlayfield && d.capacity == 0 {
		d.capacity = m.cfg.Machine.BallsInstalled
	}
	return d
}

// wire 注册设备的开关处理器
func (d *BallDevice) wire() error {
	for _, swName := range d.cfg.BallSwitches {
		for _, state := range []bool{true, false} {
			h, err := d.m.switchController.Register(swName, state, 0, d.scheduleRecount)
			if err != nil {
				return err
			}
			d.handles = append(d.handles, h)
		}
	}

	if d.cfg.EntranceSwitch != "" {
		h, err := d.m.switchController.Register(d.cfg.EntranceSwitch, true, 0, d.onEntranceSwitch)
		if err != nil {
			return err
		}
		d.handles = append(d.handles, h)

		// 入口开关持续闭合说明设备已被填满
		if d.cfg.EntranceSwitchFullTimeout > 0 {
			h, err := d.m.switchController.Register(
				d.cfg.EntranceSwitch, true, d.cfg.EntranceSwitchFullTimeout, d.onEntranceFull)
			if err != nil {
				return err
			}
			d.handles = append(d.handles, h)
		}
	}

	return nil
}

// seedFromSwitches 开机对账：以存球开关的初始状态为准
func (d *BallDevice) seedFromSwitches() {
	if len(d.cfg.BallSwitches) > 0 {
		d.ballCount = d.countActiveSwitches()
	}
	if d.holdCoil != nil && d.ballCount > 0 {
		if err := d.m.driverController.Enable(d.holdCoil, 0); err != nil {
			d.logger.Error("开机启用保持线圈失败", zap.Error(err))
		}
	}
	d.logger.Info("设备开机对账",
		zap.Int("balls", d.ballCount),
		zap.Int("capacity", d.capacity))
}

// State 返回当前状态
func (d *BallDevice) State() DeviceState {
	return d.state
}

// BallCount 返回当前球数估计
func (d *BallDevice) BallCount() int {
	return d.ballCount
}

// Capacity 返回设备容量
func (d *BallDevice) Capacity() int {
	return d.capacity
}

// IsPlayfield 返回是否为台面设备
func (d *BallDevice) IsPlayfield() bool {
	return d.isPlayfield
}

// Stalled 返回设备是否已停用
func (d *BallDevice) Stalled() bool {
	return d.stalled || d.state == DeviceBroken
}

// OutstandingTransfer 返回在途转移的副本
func (d *BallDevice) OutstandingTransfer() *Transfer {
	if d.transfer == nil {
		return nil
	}
	t := *d.transfer
	return &t
}

// canReceive 判断设备当前能否接球
func (d *BallDevice) canReceive() bool {
	if d.Stalled() {
		return false
	}
	if d.isPlayfield {
		return true
	}
	return d.ballCount+len(d.incoming) < d.capacity
}

// RequestEject 请求向目标弹射一颗球
//
// target为空时依次尝试配置的弹射目标，都不可用时退回台面。
// 点火即乐观减一并登记Transfer，确认或终局失败时销毁。
func (d *BallDevice) RequestEject(target string) error {
	if d.Stalled() {
		return apperrors.New(apperrors.ErrDeviceStalled, d.Name)
	}
	if d.isPlayfield || d.ejectCoil == nil {
		return apperrors.New(apperrors.ErrInvalidParam, d.Name+" cannot eject")
	}
	if d.ballCount <= 0 {
		return apperrors.New(apperrors.ErrDeviceEmpty, d.Name)
	}
	if d.transfer != nil {
		return apperrors.New(apperrors.ErrEjectInProgress, d.Name)
	}

	targetDev, err := d.resolveTarget(target)
	if err != nil {
		return err
	}

	now := d.m.clock.Now()
	timeout := d.cfg.EjectTimeoutFor(targetDev.Name)
	d.transfer = &Transfer{
		ID:        uuid.NewString(),
		Source:    d.Name,
		Target:    targetDev.Name,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		Attempts:  0,
	}

	// 目标侧登记来球，先于点火，避免极快到达的球被当作意外来球
	targetDev.addIncoming(d, d.transfer.ID)

	// 乐观减一：在途窗口内球不属于任何设备
	d.setCount(d.ballCount - 1)
	d.state = DeviceEjecting

	if err := d.fireEject(); err != nil {
		// 首次点火就被硬件拒绝，球没离开过：撤销登记，回补计数
		targetDev.removeIncoming(d.transfer.ID)
		d.transfer = nil
		d.setCount(d.ballCount + 1)
		d.state = DeviceIdle
		return err
	}

	d.m.delays.Add(d.timerName(), timeout, d.onEjectTimeout)

	d.logger.Info("弹射请求",
		zap.String("target", targetDev.Name),
		zap.String("transfer", d.transfer.ID),
		zap.Duration("timeout", timeout))
	return nil
}

// resolveTarget 选择弹射目标
func (d *BallDevice) resolveTarget(target string) (*BallDevice, error) {
	if target != "" {
		t, ok := d.m.devices[target]
		if !ok {
			return nil, apperrors.New(apperrors.ErrNotFound, "target device "+target)
		}
		return t, nil
	}

	for _, name := range d.cfg.EjectTargets {
		if t := d.m.devices[name]; t != nil && t.canReceive() {
			return t, nil
		}
	}

	// 机台默认去向：台面
	if pf := d.m.playfield(); pf != nil {
		return pf, nil
	}
	return nil, apperrors.New(apperrors.ErrNoRoute, d.Name)
}

// fireEject 点火，按卡球和重试情况选择脉冲强度
func (d *BallDevice) fireEject() error {
	d.transfer.Attempts++
	d.jamAtEject = d.jamActive()

	var pulse time.Duration
	switch {
	case d.transfer.Attempts <= 2 && d.jamAtEject && d.cfg.EjectCoilJamPulse > 0:
		// 卡球时用较弱/不同时长的脉冲先把上面的球顶开
		pulse = d.cfg.EjectCoilJamPulse
	case d.transfer.Attempts >= 4 && d.cfg.EjectCoilRetryPulse > 0:
		// 多次失败后加大力度硬推
		pulse = d.cfg.EjectCoilRetryPulse
	}

	if d.holdCoil != nil {
		if err := d.m.driverController.Disable(d.holdCoil); err != nil {
			d.logger.Error("松开保持线圈失败", zap.Error(err))
		}
		d.m.delays.Add("hold_release:"+d.Name, holdReleaseTime, d.restoreHold)
	}

	if err := d.m.driverController.Pulse(d.ejectCoil, pulse, 0); err != nil {
		// 硬件拒绝视为设备故障，不再接受弹射
		d.markStalled(err)
		return err
	}
	return nil
}

// restoreHold 弹射放行后重新扣住剩余的球
func (d *BallDevice) restoreHold() {
	if d.holdCoil == nil || d.ballCount <= 0 {
		return
	}
	if err := d.m.driverController.Enable(d.holdCoil, 0); err != nil {
		d.logger.Error("恢复保持线圈失败", zap.Error(err))
	}
}

// jamActive 卡球开关是否稳定闭合
func (d *BallDevice) jamActive() bool {
	if d.cfg.JamSwitch == "" {
		return false
	}
	return d.m.switchController.IsActiveFor(d.cfg.JamSwitch, countSettleDelay)
}

// scheduleRecount 存球开关变化后安排一次沉降点数
func (d *BallDevice) scheduleRecount() {
	d.m.delays.Reset("count:"+d.Name, countSettleDelay, d.recount)
}

// countActiveSwitches 点数闭合的存球开关
func (d *BallDevice) countActiveSwitches() int {
	n := 0
	for _, swName := range d.cfg.BallSwitches {
		if d.m.switchController.IsActive(swName) {
			n++
		}
	}
	return n
}

// recount 沉降后的真实点数与估计值对账
func (d *BallDevice) recount() {
	counted := d.countActiveSwitches()

	switch d.state {
	case DeviceEjecting:
		// 估计值已在点火时减一
		switch {
		case counted == d.ballCount:
			d.ballLeft()
		case counted > d.ballCount:
			d.ballReturned(counted)
		default:
			// 又少了球，等待确认超时统一处理
			d.logger.Warn("弹射期间球数继续下降",
				zap.Int("counted", counted),
				zap.Int("estimated", d.ballCount))
		}
	case DeviceAwaitingConfirm:
		if counted > d.ballCount {
			d.ballReturned(counted)
		}
	default:
		switch {
		case counted > d.ballCount:
			arrivals := counted - d.ballCount
			d.setCount(counted)
			for i := 0; i < arrivals; i++ {
				d.handleArrival()
			}
		case counted < d.ballCount:
			missing := d.ballCount - counted
			d.setCount(counted)
			d.m.ballController.ballsMissing(d, missing)
		}
	}
}

// ballLeft 球确实离开了设备
func (d *BallDevice) ballLeft() {
	if d.transfer == nil {
		return
	}

	if d.cfg.ConfirmEjectType == "" || d.cfg.ConfirmEjectType == "switch" {
		// 自身开关反映球已离开即为确认
		d.confirmTransfer()
		return
	}

	// confirm_eject_type == target：等目标侧入口事件
	d.state = DeviceAwaitingConfirm
	d.logger.Debug("球已离开，等待目标确认",
		zap.String("target", d.transfer.Target))
}

// ballReturned 弹出的球掉了回来，按失败重试
func (d *BallDevice) ballReturned(counted int) {
	d.setCount(counted)
	d.logger.Warn("球掉回设备",
		zap.Int("attempts", d.transfer.Attempts))
	d.m.notify(EventEjectFailed, d.Name, map[string]interface{}{
		"transfer": d.transfer.ID,
		"target":   d.transfer.Target,
		"attempts": d.transfer.Attempts,
		"reason":   "ball_returned",
	})
	// 重新点火前再做一次乐观减一
	d.setCount(d.ballCount - 1)
	d.retryEject()
}

// onEjectTimeout 确认超时
func (d *BallDevice) onEjectTimeout() {
	if d.transfer == nil || d.transfer.resolved {
		return
	}

	d.logger.Warn("弹射确认超时",
		zap.String("transfer", d.transfer.ID),
		zap.Int("attempts", d.transfer.Attempts))
	d.m.notify(EventEjectFailed, d.Name, map[string]interface{}{
		"transfer": d.transfer.ID,
		"target":   d.transfer.Target,
		"attempts": d.transfer.Attempts,
		"reason":   "timeout",
	})
	d.retryEject()
}

// retryEject 有界重试，耗尽后移交
func (d *BallDevice) retryEject() {
	maxAttempts := d.cfg.MaxEjectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if d.transfer.Attempts >= maxAttempts {
		d.loseBall()
		return
	}

	// RETRY是瞬态：立即按卡球情况重新点火
	d.state = DeviceEjecting
	timeout := d.cfg.EjectTimeoutFor(d.transfer.Target)
	d.transfer.Deadline = d.m.clock.Now().Add(timeout)

	if err := d.fireEject(); err != nil {
		// 设备已停用，重试打不出去：按丢球终局，别让转移悬着
		d.logger.Error("重试点火失败", zap.Error(err))
		d.loseBall()
		return
	}
	d.m.delays.Reset(d.timerName(), timeout, d.onEjectTimeout)
}

// loseBall 重试耗尽，球标记为丢失并移交球路控制器
//
// 乐观减一不回补：球不在本设备里，它在台面或某个卡死的角落，
// 找回它是找球流程的职责。
func (d *BallDevice) loseBall() {
	t := d.transfer
	t.resolved = true
	d.transfer = nil
	d.m.delays.Remove(d.timerName())

	if target := d.m.devices[t.Target]; target != nil {
		target.removeIncoming(t.ID)
	}

	// 球根本没离开过：机构打不动，停用设备而不是判丢球
	if len(d.cfg.BallSwitches) > 0 && d.countActiveSwitches() > d.ballCount {
		d.setCount(d.countActiveSwitches())
		d.state = DeviceBroken
		d.logger.Error("弹射机构无法出球，设备停用",
			zap.String("transfer", t.ID),
			zap.Int("attempts", t.Attempts))
		d.m.notify(EventDeviceBroken, d.Name, map[string]interface{}{
			"transfer": t.ID,
			"attempts": t.Attempts,
		})
		return
	}

	d.state = DeviceIdle
	d.logger.Error("弹射重试耗尽，球已丢失",
		zap.String("transfer", t.ID),
		zap.Int("attempts", t.Attempts))

	d.m.notify(EventBallLost, d.Name, map[string]interface{}{
		"transfer": t.ID,
		"target":   t.Target,
		"attempts": t.Attempts,
	})
	d.m.ballController.handleBallLost(d, t)
}

// confirmTransfer 确认在途转移完成
//
// 对已解决的转移重复调用是无操作。
func (d *BallDevice) confirmTransfer() {
	if d.transfer == nil || d.transfer.resolved {
		return
	}

	t := d.transfer
	t.resolved = true
	d.transfer = nil
	d.m.delays.Remove(d.timerName())
	d.state = DeviceIdle

	d.logger.Info("弹射确认成功",
		zap.String("transfer", t.ID),
		zap.String("target", t.Target),
		zap.Int("attempts", t.Attempts))
	d.m.notify(EventEjectSuccess, d.Name, map[string]interface{}{
		"transfer": t.ID,
		"target":   t.Target,
		"attempts": t.Attempts,
	})
	d.m.ballController.onEjectConfirmed(d, t)
}

// onEntranceSwitch 入口开关闭合，一颗球进入
func (d *BallDevice) onEntranceSwitch() {
	if len(d.cfg.BallSwitches) > 0 {
		// 有存球开关的设备以点数为准，入口开关只作提示
		return
	}
	if d.ballCount >= d.capacity && d.capacity > 0 {
		d.logger.Warn("设备已满仍有球进入")
	}
	d.setCount(d.ballCount + 1)
	d.handleArrival()
}

// onEntranceFull 入口开关持续闭合，设备已被填满
func (d *BallDevice) onEntranceFull() {
	if d.ballCount >= d.capacity {
		return
	}
	d.logger.Warn("入口开关持续闭合，按满仓处理",
		zap.Int("capacity", d.capacity))
	d.setCount(d.capacity)
	d.m.ballController.recheckInvariant()
}

// handleArrival 处理一颗球的到达（计数已更新）
//
// 判定顺序是固定的：在途来球的解释永远优先于意外来球。
func (d *BallDevice) handleArrival() {
	if !d.isPlayfield && d.holdCoil != nil {
		d.restoreHold()
	}
	if inc := d.popIncoming(); inc != nil {
		// 在途转移的到达
		if inc.source.transfer != nil && !inc.source.transfer.resolved &&
			inc.source.transfer.Target == d.Name {
			inc.source.confirmTransfer()
		}
		d.m.notify(EventBallEntered, d.Name, map[string]interface{}{
			"from": inc.source.Name,
		})
		d.m.ballController.onBallEntered(d, inc.source)
		return
	}

	if d.isPlayfield {
		// 台面开关平时一直在响，没有登记来球就不算到达
		d.setCount(d.ballCount - 1)
		return
	}

	// 意外来球
	d.m.notify(EventBallEntered, d.Name, map[string]interface{}{
		"from": "unknown",
	})
	d.m.ballController.handleUnexpectedBall(d)

	if d.cfg.AutoFireOnUnexpectedBall {
		// 立即视为捕获并向默认目标再弹出
		if err := d.RequestEject(""); err != nil {
			d.logger.Error("意外来球自动弹射失败", zap.Error(err))
		}
	}
}

// addIncoming 登记一颗在途来球，超时未到达按途中丢失处理
func (d *BallDevice) addIncoming(source *BallDevice, id string) {
	d.incoming = append(d.incoming, &incomingBall{source: source, id: id})
	timeout := source.cfg.EjectTimeoutFor(d.Name) + incomingGrace
	d.m.delays.Add(d.incomingTimerName(id), timeout, func() {
		d.onIncomingTimeout(id)
	})
}

// onIncomingTimeout 登记的来球迟迟未到
func (d *BallDevice) onIncomingTimeout(id string) {
	found := false
	for _, inc := range d.incoming {
		if inc.id == id {
			found = true
			// 源侧还在重试，继续等
			if inc.source.transfer != nil && inc.source.transfer.ID == id {
				timeout := inc.source.cfg.EjectTimeoutFor(d.Name) + incomingGrace
				d.m.delays.Add(d.incomingTimerName(id), timeout, func() {
					d.onIncomingTimeout(id)
				})
				return
			}
			break
		}
	}
	if !found {
		return
	}

	d.removeIncoming(id)
	d.logger.Warn("登记的来球未到达", zap.String("transfer", id))
	d.m.ballController.creditLooseBall(d.Name)
}

// popIncoming 取出最早登记的来球
func (d *BallDevice) popIncoming() *incomingBall {
	if len(d.incoming) == 0 {
		return nil
	}
	inc := d.incoming[0]
	d.incoming = d.incoming[1:]
	d.m.delays.Remove(d.incomingTimerName(inc.id))
	return inc
}

// removeIncoming 撤销登记（源设备放弃该转移时）
func (d *BallDevice) removeIncoming(id string) {
	for i, inc := range d.incoming {
		if inc.id == id {
			d.incoming = append(d.incoming[:i], d.incoming[i+1:]...)
			d.m.delays.Remove(d.incomingTimerName(id))
			return
		}
	}
}

func (d *BallDevice) incomingTimerName(id string) string {
	return "incoming:" + d.Name + ":" + id
}

// setCount 更新球数估计并触发不变式复查
func (d *BallDevice) setCount(n int) {
	if n < 0 {
		n = 0
	}
	d.ballCount = n
	d.m.ballController.recheckInvariant()
}

// addBall 球路控制器显式增加球数（找球找回、丢球入账）
func (d *BallDevice) addBall(n int) {
	d.setCount(d.ballCount + n)
}

// markStalled 硬件故障，设备停用但不影响其他设备
func (d *BallDevice) markStalled(cause error) {
	if d.stalled {
		return
	}
	d.stalled = true
	d.logger.Error("设备因硬件故障停用", zap.Error(cause))
	d.m.notify(EventDeviceStalled, d.Name, map[string]interface{}{
		"error": cause.Error(),
	})
}

// clearStalled 故障恢复
func (d *BallDevice) clearStalled() {
	d.stalled = false
}

// reset 整机复位：取消全部定时器，丢弃在途转移，重新点数
func (d *BallDevice) reset() {
	d.m.delays.Remove(d.timerName())
	d.m.delays.Remove("count:" + d.Name)
	d.m.delays.Remove("hold_release:" + d.Name)
	d.m.delays.RemovePrefix("incoming:" + d.Name + ":")

	d.transfer = nil
	d.incoming = nil
	if d.state != DeviceBroken {
		d.state = DeviceIdle
	}
	if len(d.cfg.BallSwitches) > 0 {
		d.ballCount = d.countActiveSwitches()
	}
}

func (d *BallDevice) timerName() string {
	return "eject:" + d.Name
}
