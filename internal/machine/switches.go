package machine

import (
	"fmt"
	"time"

	"github.com/wfunc/pinball-machine/internal/config"
	apperrors "github.com/wfunc/pinball-machine/internal/errors"
	"go.uber.org/zap"
)

// 消抖默认窗口
//
// auto 模式闭合与断开不对称：闭合要快（得分判定），断开偏保守
// （球离开的判定）。quick 用于需要两个方向都尽快响应的开关。
const (
	autoDebounceClose  = 10 * time.Millisecond
	autoDebounceOpen   = 30 * time.Millisecond
	quickDebounceClose = 2 * time.Millisecond
	quickDebounceOpen  = 2 * time.Millisecond
)

// Switch 逻辑开关
type Switch struct {
	Name string
	Num  uint8

	cfg    config.SwitchConfig
	invert bool // NC 常闭开关，物理状态与逻辑状态相反

	state      bool
	lastChange time.Time

	// 消抖窗口内等待提交的逻辑状态
	pending *bool

	debounceOpen  time.Duration
	debounceClose time.Duration
}

// State 返回当前逻辑状态
func (s *Switch) State() bool {
	return s.state
}

// HasTag 判断开关是否带有指定标签
func (s *Switch) HasTag(tag string) bool {
	return s.cfg.HasTag(tag)
}

// newSwitch 根据配置构建开关
func newSwitch(name string, num uint8, cfg config.SwitchConfig) *Switch {
	sw := &Switch{
		Name:   name,
		Num:    num,
		cfg:    cfg,
		invert: cfg.Type == "NC",
	}

	switch cfg.Debounce {
	case "quick":
		sw.debounceOpen = quickDebounceOpen
		sw.debounceClose = quickDebounceClose
	default: // auto
		sw.debounceOpen = autoDebounceOpen
		sw.debounceClose = autoDebounceClose
	}
	// 显式配置覆盖模式默认值
	if cfg.DebounceOpen > 0 {
		sw.debounceOpen = cfg.DebounceOpen
	}
	if cfg.DebounceClose > 0 {
		sw.debounceClose = cfg.DebounceClose
	}

	return sw
}

// SwitchHandle 开关处理器句柄，用于显式注销
type SwitchHandle struct {
	sw       *Switch
	state    bool
	sustain  time.Duration
	callback func()
	canceled bool
	seq      uint64
}

// SwitchMonitor 开关监视器，在所有处理器之后收到每次逻辑跳变
type SwitchMonitor func(sw *Switch, state bool)

// SwitchController 开关控制器
//
// 把平台上报的原始跳变消抖、去重成逻辑状态变化，再按注册顺序
// 分发给处理器。纯转发，不写硬件。
type SwitchController struct {
	m        *Machine
	handlers map[string][]*SwitchHandle // "<开关>:<状态>" -> 处理器列表
	monitors []SwitchMonitor
	seq      uint64
	logger   *zap.Logger
}

// newSwitchController 创建开关控制器
func newSwitchController(m *Machine, logger *zap.Logger) *SwitchController {
	return &SwitchController{
		m:        m,
		handlers: make(map[string][]*SwitchHandle),
		logger:   logger,
	}
}

func handlerKey(name string, state bool) string {
	return fmt.Sprintf("%s:%t", name, state)
}

// Register 注册开关处理器
//
// state 是触发的目标逻辑状态；sustain 大于0时，只有消抖后的状态
// 持续保持 sustain 之久才会触发，期间状态翻转则重新计时。
func (c *SwitchController) Register(switchName string, state bool, sustain time.Duration, callback func()) (*SwitchHandle, error) {
	sw, ok := c.m.switches[switchName]
	if !ok {
		return nil, apperrors.New(apperrors.ErrUnknownSwitch, switchName)
	}

	c.seq++
	h := &SwitchHandle{
		sw:       sw,
		state:    state,
		sustain:  sustain,
		callback: callback,
		seq:      c.seq,
	}
	key := handlerKey(switchName, state)
	c.handlers[key] = append(c.handlers[key], h)

	// 开关已经处于目标状态时，为sustain处理器补挂定时器
	if sustain > 0 && sw.state == state {
		elapsed := c.m.clock.Now().Sub(sw.lastChange)
		if elapsed < sustain {
			c.armSustain(h, sustain-elapsed)
		}
	}

	return h, nil
}

// Unregister 注销开关处理器
func (c *SwitchController) Unregister(h *SwitchHandle) {
	if h == nil || h.canceled {
		return
	}
	h.canceled = true
	c.m.delays.Remove(c.sustainName(h))

	key := handlerKey(h.sw.Name, h.state)
	list := c.handlers[key]
	for i, entry := range list {
		if entry == h {
			c.handlers[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// AddMonitor 注册开关监视器
func (c *SwitchController) AddMonitor(monitor SwitchMonitor) {
	c.monitors = append(c.monitors, monitor)
}

// processRaw 处理一次原始跳变，锁内调用
func (c *SwitchController) processRaw(sw *Switch, rawState bool) {
	logical := rawState != sw.invert

	if sw.pending != nil {
		if *sw.pending == logical {
			// 与挂起的变化同向，重复上报，丢弃
			return
		}
		// 窗口内反转，取消挂起的变化，不产生任何逻辑事件
		sw.pending = nil
		c.m.delays.Remove(c.debounceName(sw))
		return
	}

	if sw.state == logical {
		// 已经处于该逻辑状态，重复上报，丢弃
		return
	}

	window := sw.debounceClose
	if !logical {
		window = sw.debounceOpen
	}
	if window <= 0 {
		c.commit(sw, logical)
		return
	}

	pending := logical
	sw.pending = &pending
	c.m.delays.Add(c.debounceName(sw), window, func() {
		if sw.pending == nil || *sw.pending != pending {
			return
		}
		sw.pending = nil
		c.commit(sw, pending)
	})
}

// commit 提交一次真实的逻辑状态变化
func (c *SwitchController) commit(sw *Switch, state bool) {
	sw.state = state
	sw.lastChange = c.m.clock.Now()

	if state {
		c.logger.Debug("开关闭合", zap.String("switch", sw.Name))
	} else {
		c.logger.Debug("开关断开", zap.String("switch", sw.Name))
	}

	// 真实翻转，取消该开关上所有挂起的sustain定时器并重新计时
	c.m.delays.RemovePrefix("sustain:" + sw.Name + ":")

	for _, h := range append([]*SwitchHandle(nil), c.handlers[handlerKey(sw.Name, state)]...) {
		if h.canceled {
			continue
		}
		if h.sustain > 0 {
			c.armSustain(h, h.sustain)
		} else {
			h.callback()
		}
	}

	for _, monitor := range c.monitors {
		monitor(sw, state)
	}
}

// armSustain 为sustain处理器挂定时器
func (c *SwitchController) armSustain(h *SwitchHandle, wait time.Duration) {
	c.m.delays.Add(c.sustainName(h), wait, func() {
		if h.canceled || h.sw.state != h.state {
			return
		}
		h.callback()
	})
}

// setInitialState 开机对账时静默设置逻辑状态，不触发处理器
func (c *SwitchController) setInitialState(sw *Switch, rawState bool) {
	sw.state = rawState != sw.invert
	// 时长类查询按"早已如此"处理
	sw.lastChange = c.m.clock.Now().Add(-time.Hour)
}

// armInitialSustains 对账之后为已经压在目标状态上的开关补挂sustain定时器
//
// 瞬时处理器不补触发，但sustain语义是"持续保持"，开机就压着的
// 开关同样要从现在起计时，否则要等下一次翻转才会被注意到。
func (c *SwitchController) armInitialSustains() {
	for _, list := range c.handlers {
		for _, h := range list {
			if h.canceled || h.sustain <= 0 || h.sw.state != h.state {
				continue
			}
			c.armSustain(h, h.sustain)
		}
	}
}

// IsActive 查询开关是否闭合
func (c *SwitchController) IsActive(switchName string) bool {
	sw, ok := c.m.switches[switchName]
	return ok && sw.state
}

// IsActiveFor 查询开关是否已闭合至少指定时长
func (c *SwitchController) IsActiveFor(switchName string, d time.Duration) bool {
	sw, ok := c.m.switches[switchName]
	return ok && sw.state && c.m.clock.Now().Sub(sw.lastChange) >= d
}

func (c *SwitchController) debounceName(sw *Switch) string {
	return "debounce:" + sw.Name
}

func (c *SwitchController) sustainName(h *SwitchHandle) string {
	return fmt.Sprintf("sustain:%s:%t:%d", h.sw.Name, h.state, h.seq)
}
