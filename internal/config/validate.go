package config

import (
	"fmt"
	"sort"

	apperrors "github.com/wfunc/pinball-machine/internal/errors"
)

// 设备标签约定
const (
	TagTrough       = "trough"         // 回球槽（源设备）
	TagHome         = "home"           // 开机时球应当所在的设备
	TagNoSearchFire = "no_search_fire" // 找球时不允许点火，只能被邻近机构震动
)

// 开关标签约定
const (
	TagPlayfieldActive = "playfield_active" // 台面活动开关，重置找球计时
)

// Validate 校验整机配置
//
// 任何引用缺失、不可达的弹射目标或非法的持续通电声明都在这里失败，
// 不会进入硬件控制阶段。
func (c *Config) Validate() error {
	if c.Machine.BallsInstalled <= 0 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "balls_installed must be positive, got %d", c.Machine.BallsInstalled)
	}

	if c.Machine.Playfield == "" {
		return apperrors.New(apperrors.ErrConfigMissing, "machine.playfield is required")
	}
	if _, ok := c.Devices[c.Machine.Playfield]; !ok {
		return apperrors.Newf(apperrors.ErrConfigValidate, "playfield device %q is not declared in ball_devices", c.Machine.Playfield)
	}

	for name, dev := range c.Devices {
		if err := c.validateDevice(name, &dev); err != nil {
			return err
		}
	}

	return c.validateReachability()
}

// validateDevice 校验单个设备的引用和取值
func (c *Config) validateDevice(name string, dev *DeviceConfig) error {
	isPlayfield := name == c.Machine.Playfield

	for _, sw := range dev.BallSwitches {
		if _, ok := c.Switches[sw]; !ok {
			return apperrors.Newf(apperrors.ErrConfigValidate, "device %q references unknown ball switch %q", name, sw)
		}
	}
	if dev.EntranceSwitch != "" {
		if _, ok := c.Switches[dev.EntranceSwitch]; !ok {
			return apperrors.Newf(apperrors.ErrConfigValidate, "device %q references unknown entrance switch %q", name, dev.EntranceSwitch)
		}
	}
	if dev.JamSwitch != "" {
		if _, ok := c.Switches[dev.JamSwitch]; !ok {
			return apperrors.Newf(apperrors.ErrConfigValidate, "device %q references unknown jam switch %q", name, dev.JamSwitch)
		}
	}

	if isPlayfield {
		// 台面没有弹射线圈，球通过排水与入口开关离开/进入
		return nil
	}

	if len(dev.BallSwitches) == 0 && dev.EntranceSwitch == "" {
		return apperrors.Newf(apperrors.ErrConfigMissing, "device %q needs ball_switches or an entrance_switch to count balls", name)
	}

	if dev.EjectCoil == "" {
		return apperrors.Newf(apperrors.ErrConfigMissing, "device %q has no eject_coil", name)
	}
	if _, ok := c.Coils[dev.EjectCoil]; !ok {
		return apperrors.Newf(apperrors.ErrConfigValidate, "device %q references unknown eject coil %q", name, dev.EjectCoil)
	}

	if dev.HoldCoil != "" {
		coil, ok := c.Coils[dev.HoldCoil]
		if !ok {
			return apperrors.Newf(apperrors.ErrConfigValidate, "device %q references unknown hold coil %q", name, dev.HoldCoil)
		}
		// 持续通电必须显式声明，避免烧线圈
		if !coil.AllowEnable {
			return apperrors.Newf(apperrors.ErrCoilEnableForbidden, "device %q uses coil %q as hold coil but allow_enable is false", name, dev.HoldCoil)
		}
	}

	switch dev.ConfirmEjectType {
	case "", "switch":
	case "target":
		for _, target := range dev.EjectTargets {
			t, ok := c.Devices[target]
			if !ok {
				continue // 下面的可达性检查会报告未知目标
			}
			if target != c.Machine.Playfield && len(t.BallSwitches) == 0 && t.EntranceSwitch == "" {
				return apperrors.Newf(apperrors.ErrConfigValidate,
					"device %q confirms by target, but target %q has no switches to report an entrance", name, target)
			}
		}
	default:
		return apperrors.Newf(apperrors.ErrConfigValidate, "device %q has invalid confirm_eject_type %q", name, dev.ConfirmEjectType)
	}

	for _, target := range dev.EjectTargets {
		if _, ok := c.Devices[target]; !ok {
			return apperrors.Newf(apperrors.ErrConfigValidate, "device %q ejects to unknown device %q", name, target)
		}
	}
	for target := range dev.EjectTimeouts {
		if _, ok := c.Devices[target]; !ok {
			return apperrors.Newf(apperrors.ErrConfigValidate, "device %q has an eject timeout for unknown device %q", name, target)
		}
	}

	if dev.BallCapacity <= 0 && len(dev.BallSwitches) == 0 {
		return apperrors.Newf(apperrors.ErrConfigMissing, "device %q needs ball_capacity when it has no ball switches", name)
	}

	return nil
}

// validateReachability 校验每个源设备到台面的弹射链路可达
func (c *Config) validateReachability() error {
	var sources []string
	for name, dev := range c.Devices {
		if dev.HasTag(TagTrough) || dev.HasTag(TagHome) {
			sources = append(sources, name)
		}
	}
	sort.Strings(sources)

	for _, source := range sources {
		if !c.reachable(source, c.Machine.Playfield) {
			return apperrors.Newf(apperrors.ErrTargetUnreachable,
				"no eject path from %q to playfield %q", source, c.Machine.Playfield)
		}
	}
	return nil
}

// reachable 广度优先遍历弹射目标图
func (c *Config) reachable(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range c.Devices[cur].EjectTargets {
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Capacity 返回设备容量，未配置时取存球开关数量
func (d *DeviceConfig) Capacity() int {
	if d.BallCapacity > 0 {
		return d.BallCapacity
	}
	return len(d.BallSwitches)
}

// String 便于日志打印
func (c *MachineConfig) String() string {
	return fmt.Sprintf("%s (balls=%d playfield=%s)", c.Name, c.BallsInstalled, c.Playfield)
}
