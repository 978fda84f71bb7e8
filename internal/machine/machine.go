package machine

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wfunc/pinball-machine/internal/config"
	apperrors "github.com/wfunc/pinball-machine/internal/errors"
	"github.com/wfunc/pinball-machine/internal/hardware"
	"go.uber.org/zap"
)

// 故障记录保留上限
const maxFaultRecords = 200

// Machine 整机上下文
//
// 持有硬件平台、全部开关线圈设备和各控制器。所有状态由单一机台
// 锁保护：平台回调、延时回调和对外API在入口处取锁，内部调用链
// 不再加锁，因此任意两个处理器不会并发执行。
type Machine struct {
	cfg      *config.Config
	logger   *zap.Logger
	platform hardware.Platform
	clock    Clock

	mu     sync.Mutex
	delays *DelayManager

	switches      map[string]*Switch
	switchesByNum map[uint8]*Switch
	coils         map[string]*Driver
	devices       map[string]*BallDevice

	switchController *SwitchController
	driverController *DriverController
	ballController   *BallController
	ballSearch       *BallSearch

	notifiers []Notifier
	faults    []*apperrors.FaultRecord

	started bool
}

// NewMachine 按配置组装整机
func NewMachine(cfg *config.Config, platform hardware.Platform, clock Clock, logger *zap.Logger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = NewClock()
	}

	m := &Machine{
		cfg:           cfg,
		logger:        logger,
		platform:      platform,
		clock:         clock,
		switches:      make(map[string]*Switch),
		switchesByNum: make(map[uint8]*Switch),
		coils:         make(map[string]*Driver),
		devices:       make(map[string]*BallDevice),
	}
	m.delays = NewDelayManager(clock, m.runLocked)

	if err := m.buildSwitches(); err != nil {
		return nil, err
	}
	if err := m.buildCoils(); err != nil {
		return nil, err
	}

	m.switchController = newSwitchController(m, logger)
	m.driverController = newDriverController(m, logger)

	for _, name := range sortedKeys(cfg.Devices) {
		m.devices[name] = newBallDevice(m, name, cfg.Devices[name], logger)
	}

	m.ballController = newBallController(m, logger)
	m.ballSearch = newBallSearch(m, logger)

	for _, name := range sortedKeys(cfg.Devices) {
		if err := m.devices[name].wire(); err != nil {
			return nil, err
		}
	}
	if err := m.wirePlayfieldActivity(); err != nil {
		return nil, err
	}

	return m, nil
}

// buildSwitches 分配硬件编号并实例化开关
//
// 配置里给了number就用给的，没给的按名称字典序补占空位。
func (m *Machine) buildSwitches() error {
	names := sortedKeys(m.cfg.Switches)
	used := make(map[uint8]bool)

	for _, name := range names {
		sc := m.cfg.Switches[name]
		if sc.Number == "" {
			continue
		}
		n, err := strconv.ParseUint(sc.Number, 0, 8)
		if err != nil {
			return apperrors.Newf(apperrors.ErrConfigValidate,
				"switch %s: bad number %q", name, sc.Number)
		}
		num := uint8(n)
		if used[num] {
			return apperrors.Newf(apperrors.ErrConfigValidate,
				"switch %s: number %d already taken", name, num)
		}
		used[num] = true
		sw := newSwitch(name, num, sc)
		m.switches[name] = sw
		m.switchesByNum[num] = sw
	}

	next := uint8(0)
	for _, name := range names {
		if _, ok := m.switches[name]; ok {
			continue
		}
		for used[next] {
			next++
		}
		used[next] = true
		sw := newSwitch(name, next, m.cfg.Switches[name])
		m.switches[name] = sw
		m.switchesByNum[next] = sw
	}
	return nil
}

// buildCoils 分配硬件编号并实例化线圈
func (m *Machine) buildCoils() error {
	names := sortedKeys(m.cfg.Coils)
	used := make(map[uint8]bool)

	for _, name := range names {
		cc := m.cfg.Coils[name]
		if cc.Number == "" {
			continue
		}
		n, err := strconv.ParseUint(cc.Number, 0, 8)
		if err != nil {
			return apperrors.Newf(apperrors.ErrConfigValidate,
				"coil %s: bad number %q", name, cc.Number)
		}
		num := uint8(n)
		if used[num] {
			return apperrors.Newf(apperrors.ErrConfigValidate,
				"coil %s: number %d already taken", name, num)
		}
		used[num] = true
		m.coils[name] = newDriver(name, num, cc)
	}

	next := uint8(0)
	for _, name := range names {
		if _, ok := m.coils[name]; ok {
			continue
		}
		for used[next] {
			next++
		}
		used[next] = true
		m.coils[name] = newDriver(name, next, m.cfg.Coils[name])
	}
	return nil
}

// wirePlayfieldActivity 台面活动开关统一接到球账与找球
func (m *Machine) wirePlayfieldActivity() error {
	for _, name := range sortedKeys(m.cfg.Switches) {
		sc := m.cfg.Switches[name]
		if !sc.HasTag(config.TagPlayfieldActive) {
			continue
		}
		// 先结算来球，再重置找球计时
		_, err := m.switchController.Register(name, true, 0, func() {
			m.ballController.onPlayfieldActivity()
			m.ballSearch.onPlayfieldActivity()
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Start 连接硬件并做开机对账
func (m *Machine) Start() error {
	m.platform.SetSwitchCallback(m.onSwitchEvent)
	m.platform.SetFaultCallback(m.onPlatformFault)

	if err := m.platform.Connect(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	states, err := m.platform.ReadSwitchStates()
	if err != nil {
		return err
	}
	for num, raw := range states {
		if sw, ok := m.switchesByNum[num]; ok {
			m.switchController.setInitialState(sw, raw)
		}
	}
	m.switchController.armInitialSustains()

	for _, name := range sortedKeys(m.cfg.Devices) {
		m.devices[name].seedFromSwitches()
	}
	m.ballController.recheckInvariant()
	m.ballSearch.sync()
	m.started = true

	m.logger.Info("机台启动完成",
		zap.String("machine", m.cfg.Machine.Name),
		zap.Int("balls_installed", m.cfg.Machine.BallsInstalled),
		zap.Int("switches", len(m.switches)),
		zap.Int("coils", len(m.coils)),
		zap.Int("devices", len(m.devices)))
	return nil
}

// Stop 断开硬件并取消全部定时器
func (m *Machine) Stop() error {
	m.mu.Lock()
	m.started = false
	m.delays.RemoveAll()
	m.mu.Unlock()
	return m.platform.Disconnect()
}

// runLocked 延时回调的执行包装：进机台锁
func (m *Machine) runLocked(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f()
}

// onSwitchEvent 平台开关事件入口
func (m *Machine) onSwitchEvent(ev hardware.SwitchEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sw, ok := m.switchesByNum[ev.Num]
	if !ok {
		m.logger.Warn("未知开关编号", zap.Uint8("num", ev.Num))
		return
	}
	m.switchController.processRaw(sw, ev.State)
}

// onPlatformFault 平台故障入口：全部设备停用，等人工复位
func (m *Machine) onPlatformFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Error("硬件平台故障", zap.Error(err))
	appErr := apperrors.Wrap(err, apperrors.ErrDeviceOffline)
	m.addFault(apperrors.NewFaultRecord(appErr, "platform"))
	m.notify(EventMachineFault, "platform", map[string]interface{}{
		"error": err.Error(),
	})

	for _, d := range m.devices {
		if !d.isPlayfield {
			d.markStalled(err)
		}
	}
}

// Reset 整机复位：取消定时器、丢弃在途转移、重新对账
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Warn("整机复位")

	m.ballController.reset()

	states, err := m.platform.ReadSwitchStates()
	if err == nil {
		for num, raw := range states {
			if sw, ok := m.switchesByNum[num]; ok {
				m.switchController.setInitialState(sw, raw)
			}
		}
		m.switchController.armInitialSustains()
	}

	for _, name := range sortedKeys(m.cfg.Devices) {
		d := m.devices[name]
		if err == nil {
			d.clearStalled()
			if d.state == DeviceBroken {
				d.state = DeviceIdle
			}
		}
		d.reset()
	}

	m.ballController.recheckInvariant()
	m.ballSearch.reset()
	m.notify(EventMachineReset, "machine", nil)
	return err
}

// RequestEject 请求指定设备弹射，target为空走默认目标
func (m *Machine) RequestEject(device, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[device]
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, "device "+device)
	}
	return d.RequestEject(target)
}

// AddBallToPlay 从蓄球设备向台面投放一颗球
func (m *Machine) AddBallToPlay() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ballController.AddBallToPlay()
}

// RouteBall 把一颗球从源设备送到目标设备
func (m *Machine) RouteBall(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ballController.RouteBall(from, to)
}

// PulseCoil 诊断用：直接脉冲线圈
func (m *Machine) PulseCoil(name string, pulse time.Duration, power float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.coils[name]
	if !ok {
		return apperrors.New(apperrors.ErrUnknownCoil, name)
	}
	return m.driverController.Pulse(d, pulse, power)
}

// EnableCoil 诊断用：线圈持续通电（受allow_enable约束）
func (m *Machine) EnableCoil(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.coils[name]
	if !ok {
		return apperrors.New(apperrors.ErrUnknownCoil, name)
	}
	return m.driverController.Enable(d, 0)
}

// DisableCoil 诊断用：断开线圈
func (m *Machine) DisableCoil(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.coils[name]
	if !ok {
		return apperrors.New(apperrors.ErrUnknownCoil, name)
	}
	return m.driverController.Disable(d)
}

// BallsInPlay 台面上的球数
func (m *Machine) BallsInPlay() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ballController.BallsInPlay()
}

// SearchState 找球流程状态
func (m *Machine) SearchState() SearchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ballSearch.State()
}

// Faults 故障记录副本
func (m *Machine) Faults() []*apperrors.FaultRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*apperrors.FaultRecord, len(m.faults))
	copy(out, m.faults)
	return out
}

// addFault 追加故障记录，锁内调用
func (m *Machine) addFault(rec *apperrors.FaultRecord) {
	m.faults = append(m.faults, rec)
	if len(m.faults) > maxFaultRecords {
		m.faults = m.faults[len(m.faults)-maxFaultRecords:]
	}
}

// playfield 台面设备，锁内调用
func (m *Machine) playfield() *BallDevice {
	return m.devices[m.cfg.Machine.Playfield]
}

// DeviceStatus 设备状态快照
type DeviceStatus struct {
	Name      string      `json:"name"`
	State     DeviceState `json:"state"`
	BallCount int         `json:"ball_count"`
	Capacity  int         `json:"capacity"`
	Stalled   bool        `json:"stalled"`
	Transfer  *Transfer   `json:"transfer,omitempty"`
}

// MachineStatus 整机状态快照
type MachineStatus struct {
	Name           string                   `json:"name"`
	Started        bool                     `json:"started"`
	BallsInstalled int                      `json:"balls_installed"`
	BallsInPlay    int                      `json:"balls_in_play"`
	SearchState    SearchState              `json:"search_state"`
	Devices        []DeviceStatus           `json:"devices"`
	Platform       *hardware.PlatformStatus `json:"platform"`
	Faults         []*apperrors.FaultRecord `json:"faults"`
}

// Status 整机状态快照
func (m *Machine) Status() *MachineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &MachineStatus{
		Name:           m.cfg.Machine.Name,
		Started:        m.started,
		BallsInstalled: m.cfg.Machine.BallsInstalled,
		BallsInPlay:    m.ballController.BallsInPlay(),
		SearchState:    m.ballSearch.State(),
		Platform:       m.platform.GetStatus(),
	}
	for _, name := range sortedKeys(m.cfg.Devices) {
		d := m.devices[name]
		st.Devices = append(st.Devices, DeviceStatus{
			Name:      d.Name,
			State:     d.state,
			BallCount: d.ballCount,
			Capacity:  d.capacity,
			Stalled:   d.Stalled(),
			Transfer:  d.OutstandingTransfer(),
		})
	}
	st.Faults = make([]*apperrors.FaultRecord, len(m.faults))
	copy(st.Faults, m.faults)
	return st
}

// SwitchActive 查询开关逻辑状态
func (m *Machine) SwitchActive(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.switches[name]; !ok {
		return false, apperrors.New(apperrors.ErrUnknownSwitch, name)
	}
	return m.switchController.IsActive(name), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
