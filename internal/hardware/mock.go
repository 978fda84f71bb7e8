package hardware

import (
	"sync"
	"time"

	apperrors "github.com/wfunc/pinball-machine/internal/errors"
)

// MockPlatform 模拟平台（用于测试和无硬件调试）
type MockPlatform struct {
	mu        sync.RWMutex
	connected bool
	states    map[uint8]bool
	commands  []DriverCommand
	switchCb  SwitchCallback
	faultCb   FaultCallback

	// FailCommands 为true时所有驱动命令返回错误
	FailCommands bool
}

// NewMockPlatform 创建模拟平台
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		states: make(map[uint8]bool),
	}
}

// Connect 连接
func (m *MockPlatform) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect 断开
func (m *MockPlatform) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected 检查连接状态
func (m *MockPlatform) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// ReadSwitchStates 返回预置的开关状态
func (m *MockPlatform) ReadSwitchStates() (map[uint8]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, apperrors.New(apperrors.ErrDeviceOffline)
	}
	states := make(map[uint8]bool, len(m.states))
	for num, state := range m.states {
		states[num] = state
	}
	return states, nil
}

// SendDriverCommand 记录驱动命令
func (m *MockPlatform) SendDriverCommand(cmd *DriverCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return apperrors.New(apperrors.ErrDeviceOffline)
	}
	if m.FailCommands {
		return apperrors.New(apperrors.ErrCommandFailed, "mock failure")
	}
	m.commands = append(m.commands, *cmd)
	return nil
}

// SetSwitchCallback 设置开关事件回调
func (m *MockPlatform) SetSwitchCallback(cb SwitchCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switchCb = cb
}

// SetFaultCallback 设置平台故障回调
func (m *MockPlatform) SetFaultCallback(cb FaultCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultCb = cb
}

// GetStatus 获取平台状态
func (m *MockPlatform) GetStatus() *PlatformStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &PlatformStatus{
		Connected:    m.connected,
		Port:         "mock",
		CommandCount: uint64(len(m.commands)),
	}
}

// SetSwitchState 预置开机时的开关状态（不触发回调）
func (m *MockPlatform) SetSwitchState(num uint8, state bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[num] = state
}

// SimulateSwitch 模拟一次开关跳变
func (m *MockPlatform) SimulateSwitch(num uint8, state bool, at time.Time) {
	m.mu.Lock()
	m.states[num] = state
	cb := m.switchCb
	m.mu.Unlock()

	if cb != nil {
		cb(SwitchEvent{Num: num, State: state, Timestamp: at})
	}
}

// SimulateFault 模拟一次平台故障
func (m *MockPlatform) SimulateFault(err error) {
	m.mu.RLock()
	cb := m.faultCb
	m.mu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// Commands 返回已记录的命令副本
func (m *MockPlatform) Commands() []DriverCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DriverCommand, len(m.commands))
	copy(out, m.commands)
	return out
}

// CommandsFor 返回指定线圈的命令
func (m *MockPlatform) CommandsFor(coil uint8) []DriverCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DriverCommand
	for _, cmd := range m.commands {
		if cmd.Coil == coil {
			out = append(out, cmd)
		}
	}
	return out
}

// ClearCommands 清空已记录的命令
func (m *MockPlatform) ClearCommands() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = nil
}
