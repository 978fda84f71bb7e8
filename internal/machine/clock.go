package machine

import (
	"sort"
	"sync"
	"time"
)

// Timer 可取消的定时任务
type Timer interface {
	Stop() bool
}

// Clock 单调时钟接口
//
// 所有超时和消抖窗口都基于这个时钟度量，与墙钟调整无关。
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// realClock 系统时钟实现
type realClock struct{}

// NewClock 创建系统时钟
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// TestClock 手动推进的测试时钟
type TestClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*testTimer
}

type testTimer struct {
	clock    *TestClock
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

// NewTestClock 创建测试时钟
func NewTestClock() *TestClock {
	return &TestClock{now: time.Unix(1000, 0)}
}

// Now 返回当前虚拟时间
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc 注册定时任务
func (c *TestClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &testTimer{
		clock:    c,
		deadline: c.now.Add(d),
		f:        f,
	}
	c.timers = append(c.timers, t)
	return t
}

// Stop 取消定时任务
func (t *testTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance 推进虚拟时间并按到期顺序触发任务
//
// 任务回调中新注册的任务如果也在推进区间内到期，同样会被触发。
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *testTimer
		for _, t := range c.timers {
			if t.stopped || t.fired {
				continue
			}
			if t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.compact()
			c.mu.Unlock()
			return
		}
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		next.fired = true
		f := next.f
		c.mu.Unlock()

		// 在不持锁的情况下执行，允许回调注册新任务
		f()
	}
}

// compact 清理已结束的任务
func (c *TestClock) compact() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
}

// PendingTimers 返回未触发的任务数（测试断言用）
func (c *TestClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// NextDeadlines 返回未触发任务的到期时间（升序，测试断言用）
func (c *TestClock) NextDeadlines() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Time
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.deadline)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
