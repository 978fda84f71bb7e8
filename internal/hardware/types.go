package hardware

import "time"

// DriverAction 驱动板动作类型
type DriverAction byte

const (
	ActionConfigure DriverAction = 0x01 // 下发线圈参数
	ActionTrigger   DriverAction = 0x02 // 按已下发参数触发一次脉冲
	ActionEnable    DriverAction = 0x03 // 持续通电（按保持功率）
	ActionDisable   DriverAction = 0x04 // 断电
)

// DriverCommand 驱动命令
//
// Configure 携带完整参数；Trigger 只带线圈编号，复用板上缓存的参数。
type DriverCommand struct {
	Coil      uint8         `json:"coil"`
	Action    DriverAction  `json:"action"`
	Pulse     time.Duration `json:"pulse,omitempty"`
	Power     float64       `json:"power,omitempty"`      // 0.0~1.0
	HoldPower float64       `json:"hold_power,omitempty"` // 0.0~1.0
	Recycle   time.Duration `json:"recycle,omitempty"`
}

// SwitchEvent 开关跳变事件（板上原始状态，未消抖）
type SwitchEvent struct {
	Num       uint8     `json:"num"`
	State     bool      `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// SwitchCallback 开关事件回调
type SwitchCallback func(event SwitchEvent)

// FaultCallback 平台故障回调（串口断开、命令NAK）
type FaultCallback func(err error)

// PlatformStatus 平台状态
type PlatformStatus struct {
	Connected       bool      `json:"connected"`
	Port            string    `json:"port"`
	CommandCount    uint64    `json:"command_count"`
	ErrorCount      uint64    `json:"error_count"`
	LastCommandTime time.Time `json:"last_command_time"`
}

// Platform 硬件平台接口
//
// 向上提供开关事件流与驱动命令下发，屏蔽具体控制板的线路协议。
type Platform interface {
	Connect() error
	Disconnect() error
	IsConnected() bool

	// ReadSwitchStates 读取全部开关的当前状态（仅开机对账用）
	ReadSwitchStates() (map[uint8]bool, error)

	// SendDriverCommand 下发驱动命令，发完即返回，效果由后续开关事件体现
	SendDriverCommand(cmd *DriverCommand) error

	// SetSwitchCallback 设置开关事件回调
	SetSwitchCallback(cb SwitchCallback)

	// SetFaultCallback 设置平台故障回调
	SetFaultCallback(cb FaultCallback)

	GetStatus() *PlatformStatus
}
