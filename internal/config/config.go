package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Machine    MachineConfig           `mapstructure:"machine"`
	Serial     SerialConfig            `mapstructure:"serial"`
	Switches   map[string]SwitchConfig `mapstructure:"switches"`
	Coils      map[string]CoilConfig   `mapstructure:"coils"`
	Devices    map[string]DeviceConfig `mapstructure:"ball_devices"`
	BallSearch BallSearchConfig        `mapstructure:"ball_search"`
	Database   DatabaseConfig          `mapstructure:"database"`
	API        APIConfig               `mapstructure:"api"`
	Log        LogConfig               `mapstructure:"log"`
}

// MachineConfig 整机配置
type MachineConfig struct {
	Name           string        `mapstructure:"name"`
	BallsInstalled int           `mapstructure:"balls_installed"` // 装机球数（静态）
	Playfield      string        `mapstructure:"playfield"`       // 台面设备名
	InvariantGrace time.Duration `mapstructure:"invariant_grace"` // 球数不一致的宽限期
}

// SerialConfig 串口配置
type SerialConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MockMode      bool          `mapstructure:"mock_mode"` // 调试模式（使用模拟控制器）
	Port          string        `mapstructure:"port"`
	BaudRate      int           `mapstructure:"baud_rate"`
	DataBits      int           `mapstructure:"data_bits"`
	StopBits      int           `mapstructure:"stop_bits"`
	Parity        string        `mapstructure:"parity"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	RetryTimes    int           `mapstructure:"retry_times"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// SwitchConfig 开关配置
type SwitchConfig struct {
	Number        string        `mapstructure:"number"`         // 硬件编号（默认与名称相同）
	Type          string        `mapstructure:"type"`           // NO 常开 / NC 常闭
	Debounce      string        `mapstructure:"debounce"`       // auto / quick
	DebounceOpen  time.Duration `mapstructure:"debounce_open"`  // 显式覆盖断开消抖窗口
	DebounceClose time.Duration `mapstructure:"debounce_close"` // 显式覆盖闭合消抖窗口
	Tags          []string      `mapstructure:"tags"`           // playfield_active 等
}

// CoilConfig 线圈配置
type CoilConfig struct {
	Number       string        `mapstructure:"number"`
	DefaultPulse time.Duration `mapstructure:"default_pulse"` // 默认脉冲时长
	DefaultPower float64       `mapstructure:"default_power"` // 默认脉冲功率 0.0~1.0
	HoldPower    float64       `mapstructure:"hold_power"`    // 保持功率
	Recycle      time.Duration `mapstructure:"recycle"`       // 两次脉冲的最小间隔
	AllowEnable  bool          `mapstructure:"allow_enable"`  // 是否允许持续通电
}

// DeviceConfig 存球设备配置
type DeviceConfig struct {
	BallSwitches              []string                 `mapstructure:"ball_switches"`
	EntranceSwitch            string                   `mapstructure:"entrance_switch"`
	JamSwitch                 string                   `mapstructure:"jam_switch"`
	EjectCoil                 string                   `mapstructure:"eject_coil"`
	HoldCoil                  string                   `mapstructure:"hold_coil"`
	EjectTargets              []string                 `mapstructure:"eject_targets"`
	EjectTimeouts             map[string]time.Duration `mapstructure:"eject_timeouts"`     // 按目标设备区分
	ConfirmEjectType          string                   `mapstructure:"confirm_eject_type"` // switch / target
	BallCapacity              int                      `mapstructure:"ball_capacity"`
	BallSearchOrder           int                      `mapstructure:"ball_search_order"` // 0 表示不参与找球
	AutoFireOnUnexpectedBall  bool                     `mapstructure:"auto_fire_on_unexpected_ball"`
	EntranceSwitchFullTimeout time.Duration            `mapstructure:"entrance_switch_full_timeout"`
	EjectCoilJamPulse         time.Duration            `mapstructure:"eject_coil_jam_pulse"`
	EjectCoilRetryPulse       time.Duration            `mapstructure:"eject_coil_retry_pulse"`
	MaxEjectAttempts          int                      `mapstructure:"max_eject_attempts"`
	Tags                      []string                 `mapstructure:"tags"` // trough / home / no_search_fire 等
}

// BallSearchConfig 找球流程配置
type BallSearchConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`              // 台面静默多久后开始找球
	WaitAfterIteration time.Duration `mapstructure:"wait_after_iteration"` // 两轮之间的等待
	Interval           time.Duration `mapstructure:"interval"`             // 同一轮内两次脉冲的间隔
	MaxIterations      int           `mapstructure:"max_iterations"`       // 最大轮数，超过进入耗尽状态
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"` // silent/error/warn/info
}

// APIConfig 诊断API配置
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	AuthToken       string        `mapstructure:"auth_token"` // 为空时不校验
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultEjectTimeout 目标未单独配置超时时的默认确认超时
const DefaultEjectTimeout = 10 * time.Second

// EjectTimeoutFor 返回弹射到指定目标的确认超时
func (d *DeviceConfig) EjectTimeoutFor(target string) time.Duration {
	if t, ok := d.EjectTimeouts[target]; ok && t > 0 {
		return t
	}
	return DefaultEjectTimeout
}

// HasTag 判断设备是否带有指定标签
func (d *DeviceConfig) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasTag 判断开关是否带有指定标签
func (s *SwitchConfig) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("PINBALL")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		// 解析配置到结构体
		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			return
		}
	})

	return err
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 整机默认配置
	v.SetDefault("machine.name", "pinball")
	v.SetDefault("machine.balls_installed", 3)
	v.SetDefault("machine.playfield", "playfield")
	v.SetDefault("machine.invariant_grace", "5s")

	// 串口默认配置
	v.SetDefault("serial.enabled", true)
	v.SetDefault("serial.mock_mode", false)
	v.SetDefault("serial.port", "/dev/ttyACM0")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.read_timeout", "100ms")
	v.SetDefault("serial.write_timeout", "100ms")
	v.SetDefault("serial.retry_times", 3)
	v.SetDefault("serial.retry_interval", "50ms")

	// 找球默认配置
	v.SetDefault("ball_search.timeout", "20s")
	v.SetDefault("ball_search.wait_after_iteration", "10s")
	v.SetDefault("ball_search.interval", "250ms")
	v.SetDefault("ball_search.max_iterations", 3)

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/pinball.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	// 诊断API默认配置
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.mode", "release")
	v.SetDefault("api.read_timeout", "30s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "10s")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "pinball.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		cfg = newCfg

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}
