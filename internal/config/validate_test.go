package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/pinball-machine/internal/errors"
)

// validConfig 构造一份最小的合法配置：回球槽→发射器→台面
func validConfig() *Config {
	return &Config{
		Machine: MachineConfig{
			Name:           "test",
			BallsInstalled: 3,
			Playfield:      "playfield",
		},
		Switches: map[string]SwitchConfig{
			"s_trough_1": {},
			"s_trough_2": {},
			"s_trough_3": {},
			"s_launcher": {Debounce: "quick"},
		},
		Coils: map[string]CoilConfig{
			"c_trough_eject":   {},
			"c_launcher_eject": {},
		},
		Devices: map[string]DeviceConfig{
			"trough": {
				BallSwitches: []string{"s_trough_1", "s_trough_2", "s_trough_3"},
				EjectCoil:    "c_trough_eject",
				EjectTargets: []string{"launcher"},
				Tags:         []string{TagTrough},
			},
			"launcher": {
				EntranceSwitch: "s_launcher",
				EjectCoil:      "c_launcher_eject",
				EjectTargets:   []string{"playfield"},
				BallCapacity:   1,
			},
			"playfield": {},
		},
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadReferences(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   apperrors.ErrorCode
	}{
		{
			name:   "no balls installed",
			mutate: func(c *Config) { c.Machine.BallsInstalled = 0 },
			code:   apperrors.ErrConfigValidate,
		},
		{
			name:   "playfield not declared",
			mutate: func(c *Config) { c.Machine.Playfield = "upper_playfield" },
			code:   apperrors.ErrConfigValidate,
		},
		{
			name: "unknown ball switch",
			mutate: func(c *Config) {
				dev := c.Devices["trough"]
				dev.BallSwitches = append(dev.BallSwitches, "s_missing")
				c.Devices["trough"] = dev
			},
			code: apperrors.ErrConfigValidate,
		},
		{
			name: "unknown eject coil",
			mutate: func(c *Config) {
				dev := c.Devices["trough"]
				dev.EjectCoil = "c_missing"
				c.Devices["trough"] = dev
			},
			code: apperrors.ErrConfigValidate,
		},
		{
			name: "missing eject coil",
			mutate: func(c *Config) {
				dev := c.Devices["launcher"]
				dev.EjectCoil = ""
				c.Devices["launcher"] = dev
			},
			code: apperrors.ErrConfigMissing,
		},
		{
			name: "eject to unknown device",
			mutate: func(c *Config) {
				dev := c.Devices["launcher"]
				dev.EjectTargets = []string{"lock"}
				c.Devices["launcher"] = dev
			},
			code: apperrors.ErrConfigValidate,
		},
		{
			name: "invalid confirm type",
			mutate: func(c *Config) {
				dev := c.Devices["trough"]
				dev.ConfirmEjectType = "magic"
				c.Devices["trough"] = dev
			},
			code: apperrors.ErrConfigValidate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, tt.code), "got %v", err)
		})
	}
}

func TestValidateHoldCoilRequiresAllowEnable(t *testing.T) {
	cfg := validConfig()
	cfg.Coils["c_hold"] = CoilConfig{AllowEnable: false}
	dev := cfg.Devices["launcher"]
	dev.HoldCoil = "c_hold"
	cfg.Devices["launcher"] = dev

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCoilEnableForbidden))

	// 显式声明后放行
	cfg.Coils["c_hold"] = CoilConfig{AllowEnable: true, HoldPower: 0.25}
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnreachablePlayfield(t *testing.T) {
	cfg := validConfig()
	// 回球槽只能打到发射器，发射器却打不到台面
	dev := cfg.Devices["launcher"]
	dev.EjectTargets = nil
	cfg.Devices["launcher"] = dev

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTargetUnreachable))
}

func TestValidateRejectsDeviceWithoutSwitches(t *testing.T) {
	cfg := validConfig()
	cfg.Coils["c_lock_eject"] = CoilConfig{}
	// 既没有存球开关也没有入口开关，无法点数
	cfg.Devices["lock"] = DeviceConfig{
		EjectCoil:    "c_lock_eject",
		EjectTargets: []string{"playfield"},
		BallCapacity: 1,
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigMissing), "got %v", err)
}

func TestDeviceCapacityFallsBackToSwitchCount(t *testing.T) {
	dev := &DeviceConfig{BallSwitches: []string{"a", "b", "c"}}
	assert.Equal(t, 3, dev.Capacity())

	dev.BallCapacity = 6
	assert.Equal(t, 6, dev.Capacity())
}
