package machine

import "time"

// EventType 机台事件类型
type EventType string

const (
	EventEjectSuccess    EventType = "eject_success"    // 弹射确认成功
	EventEjectFailed     EventType = "eject_failed"     // 单次弹射失败（将重试）
	EventBallEntered     EventType = "ball_entered"     // 球进入设备
	EventBallLost        EventType = "ball_lost"        // 重试耗尽，球移交找球流程
	EventDeviceStalled   EventType = "device_stalled"   // 设备因硬件故障停用
	EventDeviceBroken    EventType = "device_broken"    // 弹射机构无法出球
	EventSearchStarted   EventType = "search_started"   // 找球开始
	EventSearchStopped   EventType = "search_stopped"   // 找球停止（球已出现）
	EventSearchExhausted EventType = "search_exhausted" // 找球耗尽
	EventMachineFault    EventType = "machine_fault"    // 球数不一致等持续故障
	EventMachineReset    EventType = "machine_reset"    // 整机复位
)

// Event 机台事件，携带设备标识和结果数据
type Event struct {
	Type      EventType              `json:"type"`
	Device    string                 `json:"device,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notifier 事件订阅接口（模式系统、诊断API、审计库实现）
type Notifier interface {
	Notify(event Event)
}

// NotifierFunc 函数适配器
type NotifierFunc func(event Event)

// Notify 实现Notifier接口
func (f NotifierFunc) Notify(event Event) {
	f(event)
}

// notify 向所有订阅者分发事件，锁内调用
func (m *Machine) notify(eventType EventType, device string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Device:    device,
		Data:      data,
		Timestamp: m.clock.Now(),
	}
	for _, n := range m.notifiers {
		n.Notify(event)
	}
}

// Subscribe 订阅机台事件
//
// 订阅者在机台锁内被调用，回调必须快速返回且不得回调机台写接口。
func (m *Machine) Subscribe(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}
