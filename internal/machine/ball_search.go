package machine

import (
	"sort"
	"time"

	"github.com/wfunc/pinball-machine/internal/config"
	apperrors "github.com/wfunc/pinball-machine/internal/errors"
	"go.uber.org/zap"
)

// SearchState 找球流程状态
type SearchState string

const (
	SearchDisabled  SearchState = "disabled"  // 台面无球，不监视
	SearchArmed     SearchState = "armed"     // 台面有球，静默计时中
	SearchSearching SearchState = "searching" // 逐设备脉冲找球
	SearchExhausted SearchState = "exhausted" // 轮数耗尽，等待人工介入
)

// 找球中断后重新扣住球用的保持线圈恢复延迟
const searchHoldRestore = 100 * time.Millisecond

// BallSearch 找球流程协调器
//
// 台面有球却持续静默时，按配置顺序逐个脉冲设备线圈把卡住的球
// 赶出来。任何台面活动立即中止找球并重新计时。
type BallSearch struct {
	m      *Machine
	logger *zap.Logger

	state     SearchState
	iteration int
	position  int // 当前轮内的下一个目标下标
	order     []*BallDevice

	cfg config.BallSearchConfig
}

func newBallSearch(m *Machine, logger *zap.Logger) *BallSearch {
	s := &BallSearch{
		m:      m,
		logger: logger.With(zap.String("module", "ball_search")),
		state:  SearchDisabled,
		cfg:    m.cfg.BallSearch,
	}
	s.buildOrder()
	return s
}

// buildOrder 参与找球的设备，按ball_search_order升序
func (s *BallSearch) buildOrder() {
	s.order = s.order[:0]
	for _, d := range s.m.devices {
		if d.isPlayfield || d.cfg.BallSearchOrder <= 0 {
			continue
		}
		if d.cfg.HasTag(config.TagNoSearchFire) {
			continue
		}
		if d.ejectCoil == nil && d.holdCoil == nil {
			continue
		}
		s.order = append(s.order, d)
	}
	sort.Slice(s.order, func(i, j int) bool {
		if s.order[i].cfg.BallSearchOrder != s.order[j].cfg.BallSearchOrder {
			return s.order[i].cfg.BallSearchOrder < s.order[j].cfg.BallSearchOrder
		}
		return s.order[i].Name < s.order[j].Name
	})
}

// State 当前状态
func (s *BallSearch) State() SearchState {
	return s.state
}

// Iteration 当前轮次（从1开始，未在找球时为0）
func (s *BallSearch) Iteration() int {
	return s.iteration
}

// sync 按台面球数调整监视状态
//
// 球数每次变动后由球路控制器调用。台面有球则布防，无球则撤防。
func (s *BallSearch) sync() {
	inPlay := s.m.ballController.BallsInPlay()
	switch s.state {
	case SearchDisabled:
		if inPlay > 0 {
			s.arm()
		}
	case SearchArmed, SearchSearching:
		if inPlay == 0 {
			s.disable()
		}
	case SearchExhausted:
		// 留在耗尽状态，等复位或台面活动
	}
}

// arm 布防：起一只静默定时器
func (s *BallSearch) arm() {
	s.state = SearchArmed
	s.iteration = 0
	s.m.delays.Reset("search:start", s.timeout(), s.begin)
	s.logger.Debug("找球布防", zap.Duration("timeout", s.timeout()))
}

// disable 撤防
func (s *BallSearch) disable() {
	if s.state == SearchSearching {
		s.restoreHolds()
	}
	s.state = SearchDisabled
	s.iteration = 0
	s.m.delays.Remove("search:start")
	s.m.delays.Remove("search:step")
}

// onPlayfieldActivity 台面开关活动
//
// 布防中重置静默计时；找球中视为找到，回到布防。
func (s *BallSearch) onPlayfieldActivity() {
	switch s.state {
	case SearchArmed:
		s.m.delays.Reset("search:start", s.timeout(), s.begin)
	case SearchSearching, SearchExhausted:
		s.logger.Info("台面恢复活动，找球结束",
			zap.Int("iteration", s.iteration))
		s.m.notify(EventSearchStopped, "ball_search", map[string]interface{}{
			"iteration": s.iteration,
			"resolved":  true,
		})
		s.disable()
		if s.m.ballController.BallsInPlay() > 0 {
			s.arm()
		}
	}
}

// begin 静默超时，开始找球
func (s *BallSearch) begin() {
	if s.state != SearchArmed {
		return
	}
	if len(s.order) == 0 {
		s.logger.Warn("没有可参与找球的设备")
		s.m.delays.Reset("search:start", s.timeout(), s.begin)
		return
	}
	s.state = SearchSearching
	s.iteration = 1
	s.position = 0
	s.logger.Warn("台面静默超时，开始找球",
		zap.Int("balls_in_play", s.m.ballController.BallsInPlay()))
	s.m.notify(EventSearchStarted, "ball_search", map[string]interface{}{
		"balls_in_play": s.m.ballController.BallsInPlay(),
	})
	s.step()
}

// step 脉冲下一个设备，走完一轮后休整或判耗尽
func (s *BallSearch) step() {
	if s.state != SearchSearching {
		return
	}

	if s.position >= len(s.order) {
		// 一轮结束
		maxIter := s.cfg.MaxIterations
		if maxIter <= 0 {
			maxIter = 3
		}
		if s.iteration >= maxIter {
			s.exhaust()
			return
		}
		s.iteration++
		s.position = 0
		wait := s.cfg.WaitAfterIteration
		if wait <= 0 {
			wait = 10 * time.Second
		}
		s.logger.Info("找球一轮未果，休整后重来",
			zap.Int("next_iteration", s.iteration))
		s.m.delays.Add("search:step", wait, s.step)
		return
	}

	d := s.order[s.position]
	s.position++
	s.fireDevice(d)

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	s.m.delays.Add("search:step", interval, s.step)
}

// fireDevice 对单个设备做一次找球动作
//
// 第一轮只动空闲且没存球的设备，全力脉冲；第二轮起回球槽不再参与，
// 先用卡球脉冲轻推，第三轮全力。保持线圈松一下再扣回去，让压住的球
// 有机会滚出来。
func (s *BallSearch) fireDevice(d *BallDevice) {
	if d.Stalled() {
		return
	}
	if d.transfer != nil {
		// 设备自己还在弹射流程里，不打扰
		return
	}
	if s.iteration == 1 {
		if d.state != DeviceIdle || d.ballCount != 0 {
			return
		}
	} else if d.cfg.HasTag(config.TagTrough) {
		// 回球槽里的球本来就算找到了
		return
	}

	if d.ejectCoil != nil {
		pulse := time.Duration(0)
		if s.iteration == 2 && d.cfg.EjectCoilJamPulse > 0 {
			pulse = d.cfg.EjectCoilJamPulse
		}
		if err := s.m.driverController.Pulse(d.ejectCoil, pulse, 0); err != nil {
			s.logger.Error("找球脉冲失败",
				zap.String("device", d.Name),
				zap.Error(err))
		}
	}

	if d.holdCoil != nil && d.holdCoil.enabled {
		if err := s.m.driverController.Disable(d.holdCoil); err != nil {
			s.logger.Error("找球松开保持线圈失败",
				zap.String("device", d.Name),
				zap.Error(err))
			return
		}
		s.m.delays.Add("search:hold:"+d.Name, searchHoldRestore, d.restoreHold)
	}
}

// exhaust 轮数耗尽
func (s *BallSearch) exhaust() {
	s.state = SearchExhausted
	s.restoreHolds()
	s.logger.Error("找球轮数耗尽", zap.Int("iterations", s.iteration))

	err := apperrors.Newf(apperrors.ErrSearchExhausted,
		"%d iterations, %d balls unaccounted",
		s.iteration, s.m.ballController.BallsInPlay())
	s.m.addFault(apperrors.NewFaultRecord(err, "ball_search"))
	s.m.notify(EventSearchExhausted, "ball_search", map[string]interface{}{
		"iterations":    s.iteration,
		"balls_in_play": s.m.ballController.BallsInPlay(),
	})
}

// restoreHolds 找球结束后把所有保持线圈恢复原状
func (s *BallSearch) restoreHolds() {
	for _, d := range s.m.devices {
		if d.holdCoil != nil && d.ballCount > 0 {
			d.restoreHold()
		}
		s.m.delays.Remove("search:hold:" + d.Name)
	}
}

// reset 整机复位
func (s *BallSearch) reset() {
	s.disable()
	s.state = SearchDisabled
	if s.m.ballController.BallsInPlay() > 0 {
		s.arm()
	}
}

func (s *BallSearch) timeout() time.Duration {
	if s.cfg.Timeout > 0 {
		return s.cfg.Timeout
	}
	return 20 * time.Second
}
