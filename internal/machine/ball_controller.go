package machine

import (
	"sort"
	"time"

	"github.com/wfunc/pinball-machine/internal/config"
	apperrors "github.com/wfunc/pinball-machine/internal/errors"
	"go.uber.org/zap"
)

// 球数不变式允许的瞬时失衡宽限
const invariantGrace = 1 * time.Second

// BallController 全机球数账本与球路调度
//
// 不变式：各设备球数之和（含台面）加在途球数等于装机球数。
// 瞬时失衡（球滚动、开关沉降）给一个宽限窗口，窗口过后仍不平
// 才升级为机台故障。
type BallController struct {
	m      *Machine
	logger *zap.Logger

	// transferID -> 确认后剩余的路径
	routes map[string][]string

	invariantArmed  bool
	invariantBroken bool
}

func newBallController(m *Machine, logger *zap.Logger) *BallController {
	return &BallController{
		m:      m,
		logger: logger.With(zap.String("module", "ball_controller")),
		routes: make(map[string][]string),
	}
}

// BallsInPlay 台面上的球数
func (c *BallController) BallsInPlay() int {
	if pf := c.m.playfield(); pf != nil {
		return pf.ballCount
	}
	return 0
}

// BallsInstalled 装机球数
func (c *BallController) BallsInstalled() int {
	return c.m.cfg.Machine.BallsInstalled
}

// AddBallToPlay 从存球设备向台面投放一颗球
//
// 选择有球的蓄球设备（优先trough/home标签），按弹射目标图逐跳
// 推进到台面，每一跳确认后再打下一跳。
func (c *BallController) AddBallToPlay() error {
	source := c.pickSource()
	if source == nil {
		return apperrors.New(apperrors.ErrNoBallsAvailable, "no device holds a ball")
	}
	return c.RouteBall(source.Name, c.m.cfg.Machine.Playfield)
}

// RouteBall 把一颗球从源设备一路送到目标设备
func (c *BallController) RouteBall(from, to string) error {
	source, ok := c.m.devices[from]
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, "device "+from)
	}
	if _, ok := c.m.devices[to]; !ok {
		return apperrors.New(apperrors.ErrNotFound, "device "+to)
	}

	path := c.findPath(from, to)
	if path == nil {
		return apperrors.New(apperrors.ErrNoRoute, from+" -> "+to)
	}

	if err := source.RequestEject(path[0]); err != nil {
		return err
	}
	if len(path) > 1 {
		c.routes[source.transfer.ID] = path[1:]
	}
	c.logger.Info("球路已规划",
		zap.String("from", from),
		zap.String("to", to),
		zap.Strings("path", path))
	return nil
}

// pickSource 选一个能出球的设备
func (c *BallController) pickSource() *BallDevice {
	names := make([]string, 0, len(c.m.devices))
	for name := range c.m.devices {
		names = append(names, name)
	}
	sort.Strings(names)

	// 先找蓄球设备
	for _, name := range names {
		d := c.m.devices[name]
		if d.isPlayfield || d.Stalled() || d.ejectCoil == nil {
			continue
		}
		if d.ballCount > 0 && d.transfer == nil &&
			(d.cfg.HasTag(config.TagTrough) || d.cfg.HasTag(config.TagHome)) {
			return d
		}
	}
	for _, name := range names {
		d := c.m.devices[name]
		if d.isPlayfield || d.Stalled() || d.ejectCoil == nil {
			continue
		}
		if d.ballCount > 0 && d.transfer == nil {
			return d
		}
	}
	return nil
}

// findPath 沿弹射目标图做广度优先搜索，返回from之后的每一跳
func (c *BallController) findPath(from, to string) []string {
	if from == to {
		return []string{}
	}
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d := c.m.devices[cur]
		targets := append([]string{}, d.cfg.EjectTargets...)
		// 没配目标的弹射设备默认指向台面
		if len(targets) == 0 && d.ejectCoil != nil {
			targets = []string{c.m.cfg.Machine.Playfield}
		}
		for _, next := range targets {
			if _, seen := prev[next]; seen {
				continue
			}
			if nd := c.m.devices[next]; nd == nil || nd.Stalled() {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []string
				for at := to; at != from; at = prev[at] {
					path = append([]string{at}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// onEjectConfirmed 一跳确认完成，若还有后续路径则推进下一跳
func (c *BallController) onEjectConfirmed(source *BallDevice, t *Transfer) {
	hops, ok := c.routes[t.ID]
	delete(c.routes, t.ID)
	if !ok || len(hops) == 0 {
		return
	}

	target := c.m.devices[t.Target]
	if target == nil || target.isPlayfield {
		return
	}
	if err := target.RequestEject(hops[0]); err != nil {
		c.logger.Error("球路推进失败",
			zap.String("device", target.Name),
			zap.Error(err))
		return
	}
	if len(hops) > 1 {
		c.routes[target.transfer.ID] = hops[1:]
	}
}

// onBallEntered 登记过的来球到达
func (c *BallController) onBallEntered(target, source *BallDevice) {
	c.m.ballSearch.sync()
}

// handleUnexpectedBall 未登记的来球：默认解释为从台面捕获
func (c *BallController) handleUnexpectedBall(d *BallDevice) {
	pf := c.m.playfield()
	if pf != nil && pf.ballCount > 0 {
		pf.setCount(pf.ballCount - 1)
		c.logger.Info("从台面捕获一颗球", zap.String("device", d.Name))
	} else {
		c.logger.Warn("意外来球且台面无球可扣",
			zap.String("device", d.Name))
	}
	c.m.ballSearch.sync()
}

// handleBallLost 源设备重试耗尽：球记在台面上，交给找球流程
func (c *BallController) handleBallLost(d *BallDevice, t *Transfer) {
	delete(c.routes, t.ID)
	c.creditLooseBall(d.Name)
}

// ballsMissing 设备里无弹射却少了球，按被顶上台面入账
func (c *BallController) ballsMissing(d *BallDevice, n int) {
	c.logger.Warn("设备球数凭空减少",
		zap.String("device", d.Name),
		zap.Int("missing", n))
	c.m.notify(EventBallLost, d.Name, map[string]interface{}{
		"missing": n,
		"reason":  "vanished",
	})
	for i := 0; i < n; i++ {
		c.creditLooseBall(d.Name)
	}
}

// creditLooseBall 把一颗下落不明的球记到台面并同步找球
//
// 记到台面保持总账平衡；球真在台面上会被台面活动证实，
// 不在则由找球流程把它从卡住的机构里赶出来。
func (c *BallController) creditLooseBall(from string) {
	if pf := c.m.playfield(); pf != nil {
		pf.addBall(1)
	}
	c.m.ballSearch.sync()
}

// onPlayfieldActivity 台面开关活动：有登记的来球则视为到达
func (c *BallController) onPlayfieldActivity() {
	pf := c.m.playfield()
	if pf == nil || len(pf.incoming) == 0 {
		return
	}
	pf.setCount(pf.ballCount + 1)
	pf.handleArrival()
}

// recheckInvariant 球数总账复核
//
// 每次球数变动后调用。失衡先挂宽限定时器，宽限后仍不平升级
// 为机台故障，平了则撤销。
func (c *BallController) recheckInvariant() {
	if c.accounted() == c.BallsInstalled() {
		if c.invariantArmed {
			c.m.delays.Remove("invariant")
			c.invariantArmed = false
		}
		c.invariantBroken = false
		return
	}
	if !c.invariantArmed {
		grace := c.m.cfg.Machine.InvariantGrace
		if grace <= 0 {
			grace = invariantGrace
		}
		c.invariantArmed = true
		c.m.delays.Add("invariant", grace, c.verifyInvariant)
	}
}

// accounted 当前账面球数：各设备 + 在途
func (c *BallController) accounted() int {
	total := 0
	inFlight := 0
	for _, d := range c.m.devices {
		total += d.ballCount
		if d.transfer != nil && !d.transfer.resolved {
			inFlight++
		}
		// 源侧已确认但球还在路上的来球
		for _, inc := range d.incoming {
			if inc.source.transfer == nil || inc.source.transfer.ID != inc.id {
				inFlight++
			}
		}
	}
	return total + inFlight
}

// verifyInvariant 宽限到期后的终局判定
func (c *BallController) verifyInvariant() {
	c.invariantArmed = false
	got := c.accounted()
	want := c.BallsInstalled()
	if got == want {
		c.invariantBroken = false
		return
	}
	if c.invariantBroken {
		return
	}
	c.invariantBroken = true

	err := apperrors.Newf(apperrors.ErrInvariantBroken,
		"accounted %d installed %d", got, want)
	c.logger.Error("球数总账失衡",
		zap.Int("accounted", got),
		zap.Int("installed", want))
	c.m.addFault(apperrors.NewFaultRecord(err, "ball_controller"))
	c.m.notify(EventMachineFault, "ball_controller", map[string]interface{}{
		"accounted": got,
		"installed": want,
	})
}

// reset 整机复位时清空路由与失衡状态
func (c *BallController) reset() {
	c.routes = make(map[string][]string)
	c.m.delays.Remove("invariant")
	c.invariantArmed = false
	c.invariantBroken = false
}
