package machine

import (
	"fmt"
	"time"

	"github.com/wfunc/pinball-machine/internal/config"
	apperrors "github.com/wfunc/pinball-machine/internal/errors"
	"github.com/wfunc/pinball-machine/internal/hardware"
	"go.uber.org/zap"
)

// appliedConfig 线圈在板上生效的参数缓存
type appliedConfig struct {
	pulse     time.Duration
	power     float64
	holdPower float64
	recycle   time.Duration
}

// Driver 逻辑线圈
type Driver struct {
	Name string
	Num  uint8

	cfg config.CoilConfig

	// 板上参数缓存，nil表示从未下发过
	applied *appliedConfig

	// 上一次（或已排期的下一次）脉冲时刻，用于recycle间隔
	lastFire time.Time

	enabled bool
	stalled bool
}

// newDriver 根据配置构建线圈
func newDriver(name string, num uint8, cfg config.CoilConfig) *Driver {
	if cfg.DefaultPower <= 0 {
		cfg.DefaultPower = 1.0
	}
	return &Driver{Name: name, Num: num, cfg: cfg}
}

// Stalled 返回线圈是否因硬件故障停用
func (d *Driver) Stalled() bool {
	return d.stalled
}

// DriverController 驱动控制器
//
// 把逻辑动作转换成最小化的硬件命令：参数与板上缓存一致时只发
// 触发命令，否则先重新下发参数。recycle 间隔内的触发被推迟到
// 窗口边界，不会被丢弃。
type DriverController struct {
	m      *Machine
	logger *zap.Logger
	seq    uint64
}

// newDriverController 创建驱动控制器
func newDriverController(m *Machine, logger *zap.Logger) *DriverController {
	return &DriverController{m: m, logger: logger}
}

// Pulse 触发一次脉冲
//
// pulse/power 为零值时使用线圈的默认参数。
func (c *DriverController) Pulse(d *Driver, pulse time.Duration, power float64) error {
	if d.stalled {
		return apperrors.New(apperrors.ErrCoilStalled, d.Name)
	}

	if pulse <= 0 {
		pulse = d.cfg.DefaultPulse
	}
	if power <= 0 {
		power = d.cfg.DefaultPower
	}

	want := appliedConfig{
		pulse:     pulse,
		power:     power,
		holdPower: d.cfg.HoldPower,
		recycle:   d.cfg.Recycle,
	}

	now := c.m.clock.Now()
	earliest := d.lastFire.Add(d.cfg.Recycle)
	if d.cfg.Recycle > 0 && earliest.After(now) {
		// recycle窗口内，推迟到边界再打，保护线圈不是错误
		wait := earliest.Sub(now)
		d.lastFire = earliest
		c.seq++
		c.logger.Debug("脉冲落在recycle窗口内，推迟",
			zap.String("coil", d.Name),
			zap.Duration("wait", wait))
		// 名字带序号，连续推迟的脉冲各自排期，不互相顶掉
		c.m.delays.Add(fmt.Sprintf("recycle:%s:%d", d.Name, c.seq), wait, func() {
			if err := c.fire(d, want); err != nil {
				c.logger.Error("推迟的脉冲下发失败", zap.String("coil", d.Name), zap.Error(err))
			}
		})
		return nil
	}

	d.lastFire = now
	return c.fire(d, want)
}

// fire 按需重新配置后触发
func (c *DriverController) fire(d *Driver, want appliedConfig) error {
	if d.applied == nil || *d.applied != want {
		cmd := &hardware.DriverCommand{
			Coil:      d.Num,
			Action:    hardware.ActionConfigure,
			Pulse:     want.pulse,
			Power:     want.power,
			HoldPower: want.holdPower,
			Recycle:   want.recycle,
		}
		if err := c.m.platform.SendDriverCommand(cmd); err != nil {
			return err
		}
		cached := want
		d.applied = &cached
	}

	err := c.m.platform.SendDriverCommand(&hardware.DriverCommand{
		Coil:   d.Num,
		Action: hardware.ActionTrigger,
	})
	if err != nil {
		return err
	}

	c.logger.Debug("线圈脉冲",
		zap.String("coil", d.Name),
		zap.Duration("pulse", want.pulse),
		zap.Float64("power", want.power))
	return nil
}

// Enable 持续通电
//
// 只有配置了 allow_enable 的线圈才允许，违反属于配置错误，
// 在校验阶段就应当被拒绝，这里是最后一道防线。
func (c *DriverController) Enable(d *Driver, holdPower float64) error {
	if !d.cfg.AllowEnable {
		return apperrors.New(apperrors.ErrCoilEnableForbidden, d.Name)
	}
	if d.stalled {
		return apperrors.New(apperrors.ErrCoilStalled, d.Name)
	}

	if holdPower <= 0 {
		holdPower = d.cfg.HoldPower
	}

	err := c.m.platform.SendDriverCommand(&hardware.DriverCommand{
		Coil:      d.Num,
		Action:    hardware.ActionEnable,
		HoldPower: holdPower,
	})
	if err != nil {
		return err
	}

	d.enabled = true
	c.logger.Debug("线圈通电", zap.String("coil", d.Name), zap.Float64("hold_power", holdPower))
	return nil
}

// Disable 断电
func (c *DriverController) Disable(d *Driver) error {
	c.m.delays.Remove("timed_enable:" + d.Name)

	err := c.m.platform.SendDriverCommand(&hardware.DriverCommand{
		Coil:   d.Num,
		Action: hardware.ActionDisable,
	})
	if err != nil {
		return err
	}

	d.enabled = false
	c.logger.Debug("线圈断电", zap.String("coil", d.Name))
	return nil
}

// TimedEnable 通电指定时长后自动断电
func (c *DriverController) TimedEnable(d *Driver, duration time.Duration) error {
	if err := c.Enable(d, 0); err != nil {
		return err
	}
	c.m.delays.Reset("timed_enable:"+d.Name, duration, func() {
		if err := c.Disable(d); err != nil {
			c.logger.Error("定时断电失败", zap.String("coil", d.Name), zap.Error(err))
		}
	})
	return nil
}

// markStalled 硬件故障时停用线圈
func (c *DriverController) markStalled(d *Driver) {
	d.stalled = true
	d.applied = nil
}

// clearStalled 恢复线圈
func (c *DriverController) clearStalled(d *Driver) {
	d.stalled = false
}
