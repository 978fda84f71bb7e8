package machine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wfunc/pinball-machine/internal/errors"
	"github.com/wfunc/pinball-machine/internal/hardware"
)

func triggerCount(platform *hardware.MockPlatform, coil uint8) int {
	n := 0
	for _, cmd := range platform.CommandsFor(coil) {
		if cmd.Action == hardware.ActionTrigger {
			n++
		}
	}
	return n
}

// 参数与板上缓存一致时只发触发命令
func TestPulseReusesCachedConfig(t *testing.T) {
	m, platform, clk, _ := newTestMachine(t, nil)

	require.NoError(t, m.PulseCoil("c_launcher_eject", 0, 0))
	cmds := platform.CommandsFor(numLauncherCoil)
	require.Len(t, cmds, 2)
	assert.Equal(t, hardware.ActionConfigure, cmds[0].Action)
	assert.Equal(t, hardware.ActionTrigger, cmds[1].Action)

	platform.ClearCommands()
	clk.Advance(100 * time.Millisecond)
	require.NoError(t, m.PulseCoil("c_launcher_eject", 0, 0))
	cmds = platform.CommandsFor(numLauncherCoil)
	require.Len(t, cmds, 1)
	assert.Equal(t, hardware.ActionTrigger, cmds[0].Action)

	// 参数变化才重新下发
	platform.ClearCommands()
	clk.Advance(100 * time.Millisecond)
	require.NoError(t, m.PulseCoil("c_launcher_eject", 25*time.Millisecond, 0))
	cmds = platform.CommandsFor(numLauncherCoil)
	require.Len(t, cmds, 2)
	assert.Equal(t, hardware.ActionConfigure, cmds[0].Action)
	assert.Equal(t, 25*time.Millisecond, cmds[0].Pulse)
}

// recycle窗口内的脉冲被推迟到边界，不会被丢弃
func TestRecycleDefersPulse(t *testing.T) {
	m, platform, clk, _ := newTestMachine(t, nil)

	require.NoError(t, m.PulseCoil("c_trough_eject", 0, 0))
	require.Equal(t, 1, triggerCount(platform, numTroughCoil))

	// 窗口内第二次：立即返回但不触发
	clk.Advance(10 * time.Millisecond)
	require.NoError(t, m.PulseCoil("c_trough_eject", 0, 0))
	assert.Equal(t, 1, triggerCount(platform, numTroughCoil))

	// 边界一到补发
	clk.Advance(40 * time.Millisecond)
	assert.Equal(t, 2, triggerCount(platform, numTroughCoil))
}

// 连续推迟的脉冲各自排期
func TestRecycleQueuesBackToBackPulses(t *testing.T) {
	m, platform, clk, _ := newTestMachine(t, nil)

	require.NoError(t, m.PulseCoil("c_trough_eject", 0, 0))
	require.NoError(t, m.PulseCoil("c_trough_eject", 0, 0))
	require.NoError(t, m.PulseCoil("c_trough_eject", 0, 0))
	assert.Equal(t, 1, triggerCount(platform, numTroughCoil))

	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, 2, triggerCount(platform, numTroughCoil))

	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, 3, triggerCount(platform, numTroughCoil))
}

// 未声明allow_enable的线圈拒绝持续通电
func TestEnableForbiddenWithoutAllowEnable(t *testing.T) {
	m, platform, _, _ := newTestMachine(t, nil)

	err := m.EnableCoil("c_trough_eject")
	assert.Equal(t, apperrors.ErrCoilEnableForbidden, apperrors.GetCode(err))
	assert.Empty(t, platform.CommandsFor(numTroughCoil))

	require.NoError(t, m.EnableCoil("c_lock_hold"))
	cmds := platform.CommandsFor(numLockHold)
	require.NotEmpty(t, cmds)
	assert.Equal(t, hardware.ActionEnable, cmds[len(cmds)-1].Action)

	require.NoError(t, m.DisableCoil("c_lock_hold"))
	cmds = platform.CommandsFor(numLockHold)
	assert.Equal(t, hardware.ActionDisable, cmds[len(cmds)-1].Action)
}

// 限时通电：到点自动断开
func TestTimedEnable(t *testing.T) {
	m, platform, clk, _ := newTestMachine(t, nil)

	m.runLocked(func() {
		require.NoError(t, m.driverController.TimedEnable(m.coils["c_lock_hold"], 1*time.Second))
	})
	cmds := platform.CommandsFor(numLockHold)
	require.NotEmpty(t, cmds)
	assert.Equal(t, hardware.ActionEnable, cmds[len(cmds)-1].Action)

	clk.Advance(999 * time.Millisecond)
	cmds = platform.CommandsFor(numLockHold)
	assert.Equal(t, hardware.ActionEnable, cmds[len(cmds)-1].Action)

	clk.Advance(1 * time.Millisecond)
	cmds = platform.CommandsFor(numLockHold)
	assert.Equal(t, hardware.ActionDisable, cmds[len(cmds)-1].Action)
}

// 带保持线圈的设备：弹射时先松开，放行后重新扣住
func TestHoldCoilReleasedAroundEject(t *testing.T) {
	cfg := testConfig()
	m, platform, clk, _ := newTestMachine(t, cfg)

	// 把一颗球弄进lock（从台面捕获路径）
	flip(platform, clk, numTrough3, false, 150*time.Millisecond) // 凭空消失 -> 台面+1
	flip(platform, clk, numLock, true, 150*time.Millisecond)     // 台面捕获
	require.Equal(t, 1, deviceStatus(t, m, "lock").BallCount)
	platform.ClearCommands()

	require.NoError(t, m.RequestEject("lock", "playfield"))

	var sawDisable bool
	for _, cmd := range platform.CommandsFor(numLockHold) {
		if cmd.Action == hardware.ActionDisable {
			sawDisable = true
		}
	}
	assert.True(t, sawDisable)
	assert.Equal(t, 1, triggerCount(platform, numLockCoil))

	// 球离开lock，放行延迟后保持线圈不再重新通电（设备已空）
	flip(platform, clk, numLock, false, 150*time.Millisecond)
	platform.ClearCommands()
	clk.Advance(1 * time.Second)
	for _, cmd := range platform.CommandsFor(numLockHold) {
		assert.NotEqual(t, hardware.ActionEnable, cmd.Action)
	}
}
