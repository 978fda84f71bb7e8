package machine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wfunc/pinball-machine/internal/config"
	apperrors "github.com/wfunc/pinball-machine/internal/errors"
	"github.com/wfunc/pinball-machine/internal/hardware"
)

// 测试机台拓扑：三颗球，trough -> launcher -> playfield，
// 另有一个带保持线圈的lock
const (
	numTrough1   = 0
	numTrough2   = 1
	numTrough3   = 2
	numTroughJam = 3
	numLauncher  = 4
	numSlingshot = 5
	numLock      = 6

	numTroughCoil   = 0
	numLauncherCoil = 1
	numLockCoil     = 2
	numLockHold     = 3
)

func testConfig() *config.Config {
	return &config.Config{
		Machine: config.MachineConfig{
			Name:           "test",
			BallsInstalled: 3,
			Playfield:      "playfield",
		},
		Switches: map[string]config.SwitchConfig{
			"s_trough_1":   {Number: "0"},
			"s_trough_2":   {Number: "1"},
			"s_trough_3":   {Number: "2"},
			"s_trough_jam": {Number: "3", Debounce: "quick"},
			"s_launcher":   {Number: "4", Debounce: "quick"},
			"s_slingshot":  {Number: "5", Debounce: "quick", Tags: []string{"playfield_active"}},
			"s_lock":       {Number: "6"},
		},
		Coils: map[string]config.CoilConfig{
			"c_trough_eject":   {Number: "0", DefaultPulse: 20 * time.Millisecond, DefaultPower: 1.0, Recycle: 50 * time.Millisecond},
			"c_launcher_eject": {Number: "1", DefaultPulse: 15 * time.Millisecond, DefaultPower: 1.0},
			"c_lock_eject":     {Number: "2", DefaultPulse: 20 * time.Millisecond, DefaultPower: 1.0},
			"c_lock_hold":      {Number: "3", DefaultPulse: 10 * time.Millisecond, DefaultPower: 1.0, HoldPower: 0.25, AllowEnable: true},
		},
		Devices: map[string]config.DeviceConfig{
			"trough": {
				BallSwitches:        []string{"s_trough_1", "s_trough_2", "s_trough_3"},
				JamSwitch:           "s_trough_jam",
				EjectCoil:           "c_trough_eject",
				EjectTargets:        []string{"launcher"},
				EjectTimeouts:       map[string]time.Duration{"launcher": 2 * time.Second},
				ConfirmEjectType:    "target",
				EjectCoilJamPulse:   15 * time.Millisecond,
				EjectCoilRetryPulse: 30 * time.Millisecond,
				MaxEjectAttempts:    3,
				BallSearchOrder:     1,
				Tags:                []string{"trough"},
			},
			"launcher": {
				EntranceSwitch:   "s_launcher",
				EjectCoil:        "c_launcher_eject",
				EjectTargets:     []string{"playfield"},
				EjectTimeouts:    map[string]time.Duration{"playfield": 3 * time.Second},
				ConfirmEjectType: "target",
				BallCapacity:     1,
				BallSearchOrder:  2,
			},
			"lock": {
				BallSwitches:     []string{"s_lock"},
				EjectCoil:        "c_lock_eject",
				HoldCoil:         "c_lock_hold",
				EjectTargets:     []string{"playfield"},
				ConfirmEjectType: "target",
				BallSearchOrder:  3,
			},
			"playfield": {},
		},
		BallSearch: config.BallSearchConfig{
			Timeout:            20 * time.Second,
			WaitAfterIteration: 10 * time.Second,
			Interval:           250 * time.Millisecond,
			MaxIterations:      3,
		},
	}
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) Notify(ev Event) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(t EventType) int {
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// newTestMachine 开机时三颗球都在trough
func newTestMachine(t *testing.T, cfg *config.Config) (*Machine, *hardware.MockPlatform, *TestClock, *eventRecorder) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	platform := hardware.NewMockPlatform()
	platform.SetSwitchState(numTrough1, true)
	platform.SetSwitchState(numTrough2, true)
	platform.SetSwitchState(numTrough3, true)

	clk := NewTestClock()
	m, err := NewMachine(cfg, platform, clk, zap.NewNop())
	require.NoError(t, err)

	rec := &eventRecorder{}
	m.Subscribe(rec)
	require.NoError(t, m.Start())
	platform.ClearCommands()
	return m, platform, clk, rec
}

// flip 模拟一次开关跳变并走完消抖窗口
func flip(platform *hardware.MockPlatform, clk *TestClock, num uint8, state bool, settle time.Duration) {
	platform.SimulateSwitch(num, state, clk.Now())
	clk.Advance(settle)
}

func deviceStatus(t *testing.T, m *Machine, name string) DeviceStatus {
	t.Helper()
	for _, d := range m.Status().Devices {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("device %s not in status", name)
	return DeviceStatus{}
}

func TestStartupReconciliation(t *testing.T) {
	m, _, _, _ := newTestMachine(t, nil)

	assert.Equal(t, 3, deviceStatus(t, m, "trough").BallCount)
	assert.Equal(t, 0, deviceStatus(t, m, "launcher").BallCount)
	assert.Equal(t, 0, m.BallsInPlay())
	assert.Equal(t, SearchDisabled, m.SearchState())
}

// 弹射、离开、目标确认的完整闭环
func TestTroughEjectConfirmedByTarget(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)

	require.NoError(t, m.RequestEject("trough", "launcher"))
	assert.Equal(t, DeviceEjecting, deviceStatus(t, m, "trough").State)
	assert.Equal(t, 2, deviceStatus(t, m, "trough").BallCount)

	// 点火应当是configure+trigger两条命令
	cmds := platform.CommandsFor(numTroughCoil)
	require.Len(t, cmds, 2)
	assert.Equal(t, hardware.ActionConfigure, cmds[0].Action)
	assert.Equal(t, 20*time.Millisecond, cmds[0].Pulse)
	assert.Equal(t, hardware.ActionTrigger, cmds[1].Action)

	// 球离开trough：3号位断开，消抖30ms+沉降100ms
	flip(platform, clk, numTrough3, false, 150*time.Millisecond)
	assert.Equal(t, DeviceAwaitingConfirm, deviceStatus(t, m, "trough").State)

	// 球到达launcher入口
	flip(platform, clk, numLauncher, true, 10*time.Millisecond)

	assert.Equal(t, DeviceIdle, deviceStatus(t, m, "trough").State)
	assert.Equal(t, 2, deviceStatus(t, m, "trough").BallCount)
	assert.Equal(t, 1, deviceStatus(t, m, "launcher").BallCount)
	assert.Equal(t, 1, rec.count(EventEjectSuccess))
	assert.Equal(t, 1, rec.count(EventBallEntered))
	assert.Equal(t, 0, rec.count(EventEjectFailed))
}

// 确认本身是幂等的：迟到的重复确认不产生第二次成功
func TestConfirmIsIdempotent(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)

	require.NoError(t, m.RequestEject("trough", "launcher"))
	flip(platform, clk, numTrough3, false, 150*time.Millisecond)
	flip(platform, clk, numLauncher, true, 10*time.Millisecond)
	require.Equal(t, 1, rec.count(EventEjectSuccess))

	m.runLocked(func() {
		m.devices["trough"].confirmTransfer()
		m.devices["trough"].confirmTransfer()
	})
	assert.Equal(t, 1, rec.count(EventEjectSuccess))
}

// 球离开后迟迟无确认：超时重试一次且只有一次
func TestEjectRetryAfterTimeout(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)

	require.NoError(t, m.RequestEject("trough", "launcher"))
	flip(platform, clk, numTrough3, false, 150*time.Millisecond)
	require.Equal(t, DeviceAwaitingConfirm, deviceStatus(t, m, "trough").State)
	platform.ClearCommands()

	// 超时边界之前不得有任何重试
	clk.Advance(1800 * time.Millisecond)
	assert.Equal(t, 0, rec.count(EventEjectFailed))
	assert.Empty(t, platform.CommandsFor(numTroughCoil))

	// 越过边界恰好一次重试
	clk.Advance(300 * time.Millisecond)
	assert.Equal(t, 1, rec.count(EventEjectFailed))
	triggers := 0
	for _, cmd := range platform.CommandsFor(numTroughCoil) {
		if cmd.Action == hardware.ActionTrigger {
			triggers++
		}
	}
	assert.Equal(t, 1, triggers)
	assert.Equal(t, DeviceEjecting, deviceStatus(t, m, "trough").State)
}

// 重试耗尽后球按丢失入账：记到台面交给找球流程
func TestEjectExhaustionMarksBallLost(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)

	require.NoError(t, m.RequestEject("trough", "launcher"))
	flip(platform, clk, numTrough3, false, 150*time.Millisecond)

	// 三次机会全部超时
	clk.Advance(7 * time.Second)

	assert.Equal(t, 1, rec.count(EventBallLost))
	assert.Equal(t, DeviceIdle, deviceStatus(t, m, "trough").State)
	assert.Equal(t, 2, deviceStatus(t, m, "trough").BallCount)
	// 丢失的球记到台面，总账保持平衡
	assert.Equal(t, 1, m.BallsInPlay())
	assert.Equal(t, SearchArmed, m.SearchState())

	clk.Advance(2 * time.Second)
	assert.Equal(t, 0, rec.count(EventMachineFault))
}

// 球根本弹不出去：机构判废而不是判丢球
func TestEjectBrokenWhenBallNeverLeaves(t *testing.T) {
	m, _, clk, rec := newTestMachine(t, nil)

	require.NoError(t, m.RequestEject("trough", "launcher"))
	// 存球开关纹丝不动，三次尝试全部超时
	clk.Advance(7 * time.Second)

	assert.Equal(t, DeviceBroken, deviceStatus(t, m, "trough").State)
	assert.Equal(t, 3, deviceStatus(t, m, "trough").BallCount)
	assert.Equal(t, 1, rec.count(EventDeviceBroken))
	assert.Equal(t, 0, rec.count(EventBallLost))
	assert.Equal(t, 0, m.BallsInPlay())

	// 判废的设备拒绝新的弹射
	err := m.RequestEject("trough", "launcher")
	assert.Equal(t, apperrors.ErrDeviceStalled, apperrors.GetCode(err))

	clk.Advance(2 * time.Second)
	assert.Equal(t, 0, rec.count(EventMachineFault))
}

// 弹出的球掉回设备：按失败立即重试
func TestBallReturnedTriggersRetry(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)

	require.NoError(t, m.RequestEject("trough", "launcher"))
	flip(platform, clk, numTrough3, false, 150*time.Millisecond)
	require.Equal(t, DeviceAwaitingConfirm, deviceStatus(t, m, "trough").State)

	// 球滚了回来
	flip(platform, clk, numTrough3, true, 150*time.Millisecond)

	assert.Equal(t, 1, rec.count(EventEjectFailed))
	assert.Equal(t, DeviceEjecting, deviceStatus(t, m, "trough").State)
	assert.Equal(t, 2, deviceStatus(t, m, "trough").BallCount)
}

// 卡球时前两次尝试使用卡球脉冲
func TestJamPulseOnEject(t *testing.T) {
	cfg := testConfig()
	platform := hardware.NewMockPlatform()
	platform.SetSwitchState(numTrough1, true)
	platform.SetSwitchState(numTrough2, true)
	platform.SetSwitchState(numTrough3, true)
	platform.SetSwitchState(numTroughJam, true) // 开机即卡球

	clk := NewTestClock()
	m, err := NewMachine(cfg, platform, clk, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	platform.ClearCommands()

	require.NoError(t, m.RequestEject("trough", "launcher"))

	cmds := platform.CommandsFor(numTroughCoil)
	require.NotEmpty(t, cmds)
	assert.Equal(t, hardware.ActionConfigure, cmds[0].Action)
	assert.Equal(t, 15*time.Millisecond, cmds[0].Pulse) // 卡球脉冲而非默认20ms
}

// 多次失败后改用加力重试脉冲
func TestRetryPulseAfterRepeatedFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Devices["trough"] = func() config.DeviceConfig {
		d := cfg.Devices["trough"]
		d.MaxEjectAttempts = 5
		return d
	}()
	m, platform, clk, _ := newTestMachine(t, cfg)

	require.NoError(t, m.RequestEject("trough", "launcher"))
	flip(platform, clk, numTrough3, false, 150*time.Millisecond)

	// 走到第四次尝试
	clk.Advance(2 * time.Second) // 尝试2
	clk.Advance(2 * time.Second) // 尝试3
	platform.ClearCommands()
	clk.Advance(2 * time.Second) // 尝试4：加力脉冲

	cmds := platform.CommandsFor(numTroughCoil)
	require.NotEmpty(t, cmds)
	assert.Equal(t, hardware.ActionConfigure, cmds[0].Action)
	assert.Equal(t, 30*time.Millisecond, cmds[0].Pulse)

	m.runLocked(func() {
		tr := m.devices["trough"].transfer
		require.NotNil(t, tr)
		assert.Equal(t, 4, tr.Attempts)
	})
}

// 意外来球且台面有球：解释为从台面捕获
func TestUnexpectedBallCapturedFromPlayfield(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)

	// 先把一颗球送上台面（第二跳由球路自动推进）
	require.NoError(t, m.AddBallToPlay())
	flip(platform, clk, numTrough3, false, 150*time.Millisecond)
	flip(platform, clk, numLauncher, true, 10*time.Millisecond)
	flip(platform, clk, numLauncher, false, 10*time.Millisecond)
	flip(platform, clk, numSlingshot, true, 10*time.Millisecond)
	flip(platform, clk, numSlingshot, false, 10*time.Millisecond)
	require.Equal(t, 1, m.BallsInPlay())

	// 球滚进lock
	flip(platform, clk, numLock, true, 150*time.Millisecond)

	assert.Equal(t, 0, m.BallsInPlay())
	assert.Equal(t, 1, deviceStatus(t, m, "lock").BallCount)
	assert.Equal(t, SearchDisabled, m.SearchState())

	clk.Advance(2 * time.Second)
	assert.Equal(t, 0, rec.count(EventMachineFault))
}

// 意外来球且台面无球：宽限后升级为机台故障
func TestUnexpectedBallWithoutPlayfieldBallFaults(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)

	flip(platform, clk, numLock, true, 150*time.Millisecond)

	assert.Equal(t, 1, deviceStatus(t, m, "lock").BallCount)
	assert.Equal(t, 0, rec.count(EventMachineFault))

	clk.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1, rec.count(EventMachineFault))
	require.NotEmpty(t, m.Faults())
	assert.Equal(t, apperrors.ErrInvariantBroken, m.Faults()[0].Code)
}

// 球从设备里凭空消失：按被顶上台面入账，总账保持平衡
func TestVanishedBallCreditedToPlayfield(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)

	flip(platform, clk, numTrough3, false, 150*time.Millisecond)

	assert.Equal(t, 2, deviceStatus(t, m, "trough").BallCount)
	assert.Equal(t, 1, m.BallsInPlay())
	assert.Equal(t, 1, rec.count(EventBallLost))
	assert.Equal(t, SearchArmed, m.SearchState())

	clk.Advance(2 * time.Second)
	assert.Equal(t, 0, rec.count(EventMachineFault))
}

// 多跳球路：trough经launcher送到台面，每一跳确认后推进
func TestAddBallToPlayRoutesHopByHop(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)

	require.NoError(t, m.AddBallToPlay())
	assert.Equal(t, DeviceEjecting, deviceStatus(t, m, "trough").State)

	// 第一跳：trough -> launcher
	flip(platform, clk, numTrough3, false, 150*time.Millisecond)
	flip(platform, clk, numLauncher, true, 10*time.Millisecond)
	require.Equal(t, 1, rec.count(EventEjectSuccess))

	// 确认后自动打第二跳
	assert.Equal(t, DeviceEjecting, deviceStatus(t, m, "launcher").State)
	assert.NotEmpty(t, platform.CommandsFor(numLauncherCoil))

	// 球上台面：入口开关松开，台面活动确认
	flip(platform, clk, numLauncher, false, 10*time.Millisecond)
	flip(platform, clk, numSlingshot, true, 10*time.Millisecond)

	assert.Equal(t, 2, rec.count(EventEjectSuccess))
	assert.Equal(t, 1, m.BallsInPlay())
	assert.Equal(t, SearchArmed, m.SearchState())

	clk.Advance(2 * time.Second)
	assert.Equal(t, 0, rec.count(EventMachineFault))
}

// 设备空或弹射中时拒绝新请求
func TestRequestEjectGuards(t *testing.T) {
	m, _, _, _ := newTestMachine(t, nil)

	err := m.RequestEject("launcher", "playfield")
	assert.Equal(t, apperrors.ErrDeviceEmpty, apperrors.GetCode(err))

	require.NoError(t, m.RequestEject("trough", "launcher"))
	err = m.RequestEject("trough", "launcher")
	assert.Equal(t, apperrors.ErrEjectInProgress, apperrors.GetCode(err))

	err = m.RequestEject("nope", "")
	assert.Equal(t, apperrors.ErrNotFound, apperrors.GetCode(err))
}

// 平台故障：全部设备停用并记录故障
func TestPlatformFaultStallsDevices(t *testing.T) {
	m, platform, _, rec := newTestMachine(t, nil)

	platform.SimulateFault(apperrors.New(apperrors.ErrDeviceOffline, "heartbeat lost"))

	assert.Equal(t, 1, rec.count(EventMachineFault))
	assert.True(t, deviceStatus(t, m, "trough").Stalled)

	err := m.RequestEject("trough", "launcher")
	assert.Equal(t, apperrors.ErrDeviceStalled, apperrors.GetCode(err))
}

// 整机复位：丢弃在途转移，重新对账，设备恢复可用
func TestMachineReset(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)

	require.NoError(t, m.RequestEject("trough", "launcher"))
	platform.SimulateFault(apperrors.New(apperrors.ErrDeviceOffline, "heartbeat lost"))
	require.True(t, deviceStatus(t, m, "trough").Stalled)

	require.NoError(t, m.Reset())

	assert.Equal(t, 1, rec.count(EventMachineReset))
	st := deviceStatus(t, m, "trough")
	assert.False(t, st.Stalled)
	assert.Equal(t, DeviceIdle, st.State)
	assert.Nil(t, st.Transfer)
	assert.Equal(t, 3, st.BallCount)

	clk.Advance(2 * time.Second)
	assert.Equal(t, 0, rec.count(EventMachineFault))
}

// confirm为switch：球一离开就算成功，不等目标确认
func TestEjectConfirmedBySwitchDeparture(t *testing.T) {
	cfg := testConfig()
	trough := cfg.Devices["trough"]
	trough.ConfirmEjectType = "switch"
	cfg.Devices["trough"] = trough
	m, platform, clk, rec := newTestMachine(t, cfg)

	require.NoError(t, m.RequestEject("trough", "launcher"))
	flip(platform, clk, numTrough3, false, 150*time.Millisecond)

	assert.Equal(t, DeviceIdle, deviceStatus(t, m, "trough").State)
	assert.Equal(t, 2, deviceStatus(t, m, "trough").BallCount)
	assert.Equal(t, 1, rec.count(EventEjectSuccess))

	// 来球登记仍然生效：到达launcher不算意外来球
	flip(platform, clk, numLauncher, true, 10*time.Millisecond)
	assert.Equal(t, 1, deviceStatus(t, m, "launcher").BallCount)

	clk.Advance(5 * time.Second)
	assert.Equal(t, 0, rec.count(EventMachineFault))
}

// 带auto_fire的设备收到意外来球立即弹回台面
func TestAutoFireOnUnexpectedBall(t *testing.T) {
	cfg := testConfig()
	lock := cfg.Devices["lock"]
	lock.AutoFireOnUnexpectedBall = true
	cfg.Devices["lock"] = lock
	m, platform, clk, rec := newTestMachine(t, cfg)

	// 先送一颗球上台面
	require.NoError(t, m.AddBallToPlay())
	flip(platform, clk, numTrough3, false, 150*time.Millisecond)
	flip(platform, clk, numLauncher, true, 10*time.Millisecond)
	flip(platform, clk, numLauncher, false, 10*time.Millisecond)
	flip(platform, clk, numSlingshot, true, 10*time.Millisecond)
	flip(platform, clk, numSlingshot, false, 10*time.Millisecond)
	require.Equal(t, 1, m.BallsInPlay())
	platform.ClearCommands()

	// 球滚进lock：捕获后立刻开始往回弹
	flip(platform, clk, numLock, true, 150*time.Millisecond)
	assert.Equal(t, DeviceEjecting, deviceStatus(t, m, "lock").State)
	assert.NotEmpty(t, platform.CommandsFor(numLockCoil))

	// 球回到台面，总账保持平衡
	flip(platform, clk, numLock, false, 150*time.Millisecond)
	flip(platform, clk, numSlingshot, true, 10*time.Millisecond)
	assert.Equal(t, 1, m.BallsInPlay())

	clk.Advance(2 * time.Second)
	assert.Equal(t, 0, rec.count(EventMachineFault))
}

// 开机就压在入口开关上的球：满仓超时照样生效，总账在宽限内摆平
func TestEntranceSwitchHeldAtBoot(t *testing.T) {
	cfg := testConfig()
	launcher := cfg.Devices["launcher"]
	launcher.EntranceSwitchFullTimeout = 500 * time.Millisecond
	cfg.Devices["launcher"] = launcher

	platform := hardware.NewMockPlatform()
	platform.SetSwitchState(numTrough1, true)
	platform.SetSwitchState(numTrough2, true)
	platform.SetSwitchState(numLauncher, true)

	clk := NewTestClock()
	m, err := NewMachine(cfg, platform, clk, zap.NewNop())
	require.NoError(t, err)
	rec := &eventRecorder{}
	m.Subscribe(rec)
	require.NoError(t, m.Start())
	require.Equal(t, 0, deviceStatus(t, m, "launcher").BallCount)

	clk.Advance(600 * time.Millisecond)
	assert.Equal(t, 1, deviceStatus(t, m, "launcher").BallCount)

	clk.Advance(2 * time.Second)
	assert.Equal(t, 0, rec.count(EventMachineFault))
}

// 首次点火就被硬件拒绝：撤销转移，计数回补，总账不破
func TestEjectRolledBackWhenInitialFireFails(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)

	platform.FailCommands = true
	err := m.RequestEject("trough", "launcher")
	require.Error(t, err)

	st := deviceStatus(t, m, "trough")
	assert.Equal(t, 3, st.BallCount)
	assert.Nil(t, st.Transfer)
	assert.True(t, st.Stalled)

	// 目标侧的来球登记一并撤销，也没有悬着的超时定时器
	m.runLocked(func() {
		assert.Empty(t, m.devices["launcher"].incoming)
	})
	assert.False(t, m.delays.IsPending("eject:trough"))

	clk.Advance(5 * time.Second)
	assert.Equal(t, 0, rec.count(EventMachineFault))
}
