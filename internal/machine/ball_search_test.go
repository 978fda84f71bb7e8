package machine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wfunc/pinball-machine/internal/errors"
	"github.com/wfunc/pinball-machine/internal/hardware"
)

// armSearch 通过一颗凭空消失的球把找球布防起来
func armSearch(t *testing.T, m *Machine, platform *hardware.MockPlatform, clk *TestClock) {
	t.Helper()
	flip(platform, clk, numTrough3, false, 150*time.Millisecond)
	require.Equal(t, 1, m.BallsInPlay())
	require.Equal(t, SearchArmed, m.SearchState())
	platform.ClearCommands()
}

// 台面静默20秒后开始找球，按ball_search_order依次脉冲
func TestSearchStartsAfterSilenceTimeout(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)
	armSearch(t, m, platform, clk)

	// 超时前毫无动作
	clk.Advance(19 * time.Second)
	assert.Equal(t, SearchArmed, m.SearchState())
	assert.Empty(t, platform.Commands())

	clk.Advance(1 * time.Second)
	assert.Equal(t, SearchSearching, m.SearchState())
	assert.Equal(t, 1, rec.count(EventSearchStarted))

	// order最小的trough排第一，但它存着球，第一轮只动空着的设备
	assert.Empty(t, platform.CommandsFor(numTroughCoil))

	// 间隔250ms后轮到launcher，第一轮全力脉冲
	clk.Advance(250 * time.Millisecond)
	cmds := platform.CommandsFor(numLauncherCoil)
	require.NotEmpty(t, cmds)
	assert.Equal(t, hardware.ActionConfigure, cmds[0].Action)
	assert.Equal(t, 15*time.Millisecond, cmds[0].Pulse)

	clk.Advance(250 * time.Millisecond)
	assert.NotEmpty(t, platform.CommandsFor(numLockCoil))
}

// 台面活动立即中止找球并重新布防
func TestSearchStoppedByPlayfieldActivity(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)
	armSearch(t, m, platform, clk)

	clk.Advance(20 * time.Second)
	require.Equal(t, SearchSearching, m.SearchState())

	flip(platform, clk, numSlingshot, true, 10*time.Millisecond)

	assert.Equal(t, SearchArmed, m.SearchState())
	assert.Equal(t, 1, rec.count(EventSearchStopped))
}

// 布防期间的台面活动重置静默计时
func TestSearchTimerResetByActivity(t *testing.T) {
	m, platform, clk, _ := newTestMachine(t, nil)
	armSearch(t, m, platform, clk)

	clk.Advance(15 * time.Second)
	flip(platform, clk, numSlingshot, true, 10*time.Millisecond)
	flip(platform, clk, numSlingshot, false, 10*time.Millisecond)

	// 原定的20秒点早已过去，但计时已被重置
	clk.Advance(10 * time.Second)
	assert.Equal(t, SearchArmed, m.SearchState())

	clk.Advance(10 * time.Second)
	assert.Equal(t, SearchSearching, m.SearchState())
}

// 找满轮数仍无动静：进入耗尽状态并记录机台故障
func TestSearchExhaustsAfterMaxIterations(t *testing.T) {
	m, platform, clk, rec := newTestMachine(t, nil)
	armSearch(t, m, platform, clk)

	clk.Advance(20 * time.Second)
	require.Equal(t, SearchSearching, m.SearchState())

	// 3轮 x 3个设备 x 250ms，轮间休整10s
	clk.Advance(30 * time.Second)

	assert.Equal(t, SearchExhausted, m.SearchState())
	assert.Equal(t, 1, rec.count(EventSearchExhausted))

	found := false
	for _, f := range m.Faults() {
		if f.Code == apperrors.ErrSearchExhausted {
			found = true
		}
	}
	assert.True(t, found)
}

// 台面清空后撤防
func TestSearchDisarmsWhenPlayfieldEmpty(t *testing.T) {
	m, platform, clk, _ := newTestMachine(t, nil)
	armSearch(t, m, platform, clk)

	// 球滚进lock，台面清空
	flip(platform, clk, numLock, true, 150*time.Millisecond)

	assert.Equal(t, 0, m.BallsInPlay())
	assert.Equal(t, SearchDisabled, m.SearchState())

	// 撤防后不再有任何找球动作
	platform.ClearCommands()
	clk.Advance(60 * time.Second)
	assert.Empty(t, platform.Commands())
}

// 正在弹射的设备不参与找球脉冲
func TestSearchSkipsDeviceWithActiveTransfer(t *testing.T) {
	m, platform, clk, _ := newTestMachine(t, nil)
	armSearch(t, m, platform, clk)

	// 把一颗球送进launcher，再让它向台面弹射，转移一直悬着
	require.NoError(t, m.RequestEject("trough", "launcher"))
	flip(platform, clk, numTrough2, false, 150*time.Millisecond)
	flip(platform, clk, numLauncher, true, 50*time.Millisecond)
	require.NoError(t, m.RequestEject("launcher", "playfield"))
	platform.ClearCommands()

	m.runLocked(func() {
		m.ballSearch.begin()
		// 第二轮起空设备也会挨脉冲，正好检验在途弹射的豁免
		m.ballSearch.iteration = 2
		m.ballSearch.position = 0
	})
	require.Equal(t, SearchSearching, m.SearchState())

	// trough是回球槽、launcher在弹射中，这一轮只有lock挨脉冲
	clk.Advance(800 * time.Millisecond)
	assert.Empty(t, platform.CommandsFor(numTroughCoil))
	assert.Empty(t, platform.CommandsFor(numLauncherCoil))
	assert.NotEmpty(t, platform.CommandsFor(numLockCoil))
}

// 存着球的回球槽任何一轮都不该挨找球脉冲
func TestSearchNeverFiresLoadedTrough(t *testing.T) {
	m, platform, clk, _ := newTestMachine(t, nil)
	armSearch(t, m, platform, clk)

	clk.Advance(20 * time.Second)
	require.Equal(t, SearchSearching, m.SearchState())

	// 跑满三轮直到耗尽
	clk.Advance(30 * time.Second)
	require.Equal(t, SearchExhausted, m.SearchState())

	assert.Empty(t, platform.CommandsFor(numTroughCoil))
	assert.NotEmpty(t, platform.CommandsFor(numLauncherCoil))
}

// 第一轮全力，第二轮换卡球脉冲轻推，第三轮回到全力
func TestSearchPulseScheduleAcrossIterations(t *testing.T) {
	cfg := testConfig()
	launcher := cfg.Devices["launcher"]
	launcher.EjectCoilJamPulse = 5 * time.Millisecond
	cfg.Devices["launcher"] = launcher

	m, platform, clk, _ := newTestMachine(t, cfg)
	armSearch(t, m, platform, clk)

	clk.Advance(20 * time.Second)
	require.Equal(t, SearchSearching, m.SearchState())
	clk.Advance(30 * time.Second)
	require.Equal(t, SearchExhausted, m.SearchState())

	var pulses []time.Duration
	for _, cmd := range platform.CommandsFor(numLauncherCoil) {
		if cmd.Action == hardware.ActionConfigure {
			pulses = append(pulses, cmd.Pulse)
		}
	}
	require.Len(t, pulses, 3)
	assert.Equal(t, 15*time.Millisecond, pulses[0])
	assert.Equal(t, 5*time.Millisecond, pulses[1])
	assert.Equal(t, 15*time.Millisecond, pulses[2])
}

// 没有可参与找球的设备时重新计时，不卡死在布防态
func TestSearchRearmsWhenNothingToFire(t *testing.T) {
	cfg := testConfig()
	for name, dev := range cfg.Devices {
		dev.BallSearchOrder = 0
		cfg.Devices[name] = dev
	}
	m, platform, clk, _ := newTestMachine(t, cfg)
	armSearch(t, m, platform, clk)

	clk.Advance(20 * time.Second)
	assert.Equal(t, SearchArmed, m.SearchState())
	assert.True(t, m.delays.IsPending("search:start"))

	// 下一个周期照样安然度过
	clk.Advance(20 * time.Second)
	assert.Equal(t, SearchArmed, m.SearchState())
	assert.True(t, m.delays.IsPending("search:start"))
	assert.Empty(t, platform.Commands())
}
