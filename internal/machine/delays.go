package machine

import (
	"sync"
	"time"
)

// DelayManager 命名的可取消延时任务
//
// 同名任务互斥：重复Add会先取消旧任务。回调通过run包装投递，
// 保证与其他机台事件串行执行。
type DelayManager struct {
	clock Clock
	run   func(f func())

	mu      sync.Mutex
	entries map[string]*delayEntry
}

type delayEntry struct {
	name     string
	timer    Timer
	deadline time.Time
}

// NewDelayManager 创建延时管理器
func NewDelayManager(clock Clock, run func(f func())) *DelayManager {
	return &DelayManager{
		clock:   clock,
		run:     run,
		entries: make(map[string]*delayEntry),
	}
}

// Add 注册延时任务，同名任务会被替换
func (d *DelayManager) Add(name string, delay time.Duration, callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.entries[name]; ok {
		old.timer.Stop()
	}

	entry := &delayEntry{
		name:     name,
		deadline: d.clock.Now().Add(delay),
	}
	entry.timer = d.clock.AfterFunc(delay, func() {
		d.run(func() {
			// 任务可能在触发与执行之间被取消或替换
			d.mu.Lock()
			current, ok := d.entries[name]
			if !ok || current != entry {
				d.mu.Unlock()
				return
			}
			delete(d.entries, name)
			d.mu.Unlock()

			callback()
		})
	})
	d.entries[name] = entry
}

// Reset 与Add相同，语义上强调重新计时
func (d *DelayManager) Reset(name string, delay time.Duration, callback func()) {
	d.Add(name, delay, callback)
}

// Remove 取消延时任务
func (d *DelayManager) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.entries[name]; ok {
		entry.timer.Stop()
		delete(d.entries, name)
	}
}

// RemoveAll 取消全部延时任务
func (d *DelayManager) RemoveAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, entry := range d.entries {
		entry.timer.Stop()
		delete(d.entries, name)
	}
}

// RemovePrefix 取消指定前缀的延时任务（整机复位时按设备清理）
func (d *DelayManager) RemovePrefix(prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, entry := range d.entries {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			entry.timer.Stop()
			delete(d.entries, name)
		}
	}
}

// IsPending 查询任务是否在等待触发
func (d *DelayManager) IsPending(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[name]
	return ok
}
