package hardware

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
	apperrors "github.com/wfunc/pinball-machine/internal/errors"
	"github.com/wfunc/pinball-machine/internal/logger"
	"go.uber.org/zap"
)

// 帧命令字
const (
	cmdConfigureDriver byte = 0x01
	cmdTriggerDriver   byte = 0x02
	cmdEnableDriver    byte = 0x03
	cmdDisableDriver   byte = 0x04
	cmdReadSwitches    byte = 0x10
	cmdHeartbeat       byte = 0x40

	respSwitchStates byte = 0x11
	respNAK          byte = 0x42
	evtSwitchChange  byte = 0x80
)

// 帧边界
const (
	frameStart byte = 0xAA
	frameEnd   byte = 0x55
)

// SerialConfig 串口参数
type SerialConfig struct {
	Port          string
	BaudRate      int
	DataBits      int
	StopBits      int
	Parity        string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	RetryTimes    int
	RetryInterval time.Duration
}

// SerialPlatform 串口驱动板平台
//
// 协议格式: [起始符(0xAA)] [命令] [数据长度] [数据...] [校验和] [结束符(0x55)]
type SerialPlatform struct {
	config    *SerialConfig
	port      *serial.Port
	connected bool
	mu        sync.RWMutex

	switchCb SwitchCallback
	faultCb  FaultCallback

	// 读开关状态的挂起应答
	pendingStates chan []byte

	stopChan chan struct{}
	logger   *zap.Logger

	commandCount uint64
	errorCount   uint64
	lastCommand  atomic.Value // time.Time
}

// NewSerialPlatform 创建串口平台
func NewSerialPlatform(config *SerialConfig) *SerialPlatform {
	return &SerialPlatform{
		config:        config,
		pendingStates: make(chan []byte, 1),
		logger:        logger.GetModuleLogger("hardware"),
	}
}

// Connect 连接驱动板
func (s *SerialPlatform) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	// 解析校验位
	parity := serial.ParityNone
	switch s.config.Parity {
	case "O", "odd":
		parity = serial.ParityOdd
	case "E", "even":
		parity = serial.ParityEven
	}

	// 配置串口
	cfg := &serial.Config{
		Name:        s.config.Port,
		Baud:        s.config.BaudRate,
		Size:        byte(s.config.DataBits),
		Parity:      parity,
		StopBits:    serial.StopBits(s.config.StopBits),
		ReadTimeout: s.config.ReadTimeout,
	}

	port, err := serial.OpenPort(cfg)
	if err != nil {
		s.logger.Error("打开串口失败",
			zap.String("port", s.config.Port),
			zap.Error(err))
		return apperrors.Wrap(err, apperrors.ErrSerialPortOpen, s.config.Port)
	}

	s.port = port
	s.connected = true
	s.stopChan = make(chan struct{})

	// 启动读取和心跳
	go s.readLoop()
	go s.heartbeatLoop()

	s.logger.Info("串口连接成功",
		zap.String("port", s.config.Port),
		zap.Int("baud_rate", s.config.BaudRate))

	return nil
}

// Disconnect 断开连接
func (s *SerialPlatform) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	close(s.stopChan)

	if s.port != nil {
		if err := s.port.Close(); err != nil {
			s.logger.Error("关闭串口失败", zap.Error(err))
			return err
		}
	}

	s.connected = false
	s.port = nil

	s.logger.Info("串口已断开")

	return nil
}

// IsConnected 检查连接状态
func (s *SerialPlatform) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetSwitchCallback 设置开关事件回调
func (s *SerialPlatform) SetSwitchCallback(cb SwitchCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switchCb = cb
}

// SetFaultCallback 设置平台故障回调
func (s *SerialPlatform) SetFaultCallback(cb FaultCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultCb = cb
}

// SendDriverCommand 下发驱动命令
//
// 命令发完即返回，不等待物理动作完成；板上拒绝时通过故障回调上报。
func (s *SerialPlatform) SendDriverCommand(cmd *DriverCommand) error {
	if !s.IsConnected() {
		return apperrors.New(apperrors.ErrDeviceOffline)
	}

	var frame []byte
	switch cmd.Action {
	case ActionConfigure:
		data := make([]byte, 8)
		data[0] = cmd.Coil
		binary.BigEndian.PutUint16(data[1:3], uint16(cmd.Pulse.Milliseconds()))
		data[3] = powerByte(cmd.Power)
		data[4] = powerByte(cmd.HoldPower)
		binary.BigEndian.PutUint16(data[5:7], uint16(cmd.Recycle.Milliseconds()))
		frame = buildFrame(cmdConfigureDriver, data)
	case ActionTrigger:
		frame = buildFrame(cmdTriggerDriver, []byte{cmd.Coil})
	case ActionEnable:
		frame = buildFrame(cmdEnableDriver, []byte{cmd.Coil, powerByte(cmd.HoldPower)})
	case ActionDisable:
		frame = buildFrame(cmdDisableDriver, []byte{cmd.Coil})
	default:
		return apperrors.Newf(apperrors.ErrInvalidParam, "unknown driver action 0x%02x", byte(cmd.Action))
	}

	if err := s.write(frame); err != nil {
		return fmt.Errorf("send driver command: %w", err)
	}

	atomic.AddUint64(&s.commandCount, 1)
	s.lastCommand.Store(time.Now())
	return nil
}

// ReadSwitchStates 读取全部开关状态（开机对账用）
func (s *SerialPlatform) ReadSwitchStates() (map[uint8]bool, error) {
	if !s.IsConnected() {
		return nil, apperrors.New(apperrors.ErrDeviceOffline)
	}

	// 清掉旧的挂起应答
	select {
	case <-s.pendingStates:
	default:
	}

	if err := s.write(buildFrame(cmdReadSwitches, nil)); err != nil {
		return nil, fmt.Errorf("request switch states: %w", err)
	}

	select {
	case data := <-s.pendingStates:
		// data: [开关总数] [位图...]
		if len(data) < 1 {
			return nil, apperrors.New(apperrors.ErrInvalidResponse, "empty switch state payload")
		}
		count := int(data[0])
		bitmap := data[1:]
		if len(bitmap)*8 < count {
			return nil, apperrors.Newf(apperrors.ErrInvalidResponse, "bitmap too short for %d switches", count)
		}
		states := make(map[uint8]bool, count)
		for i := 0; i < count; i++ {
			states[uint8(i)] = bitmap[i/8]&(1<<(uint(i)%8)) != 0
		}
		return states, nil
	case <-time.After(s.config.ReadTimeout + time.Second):
		return nil, apperrors.New(apperrors.ErrSerialTimeout, "switch state read")
	}
}

// GetStatus 获取平台状态
func (s *SerialPlatform) GetStatus() *PlatformStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &PlatformStatus{
		Connected:    s.connected,
		Port:         s.config.Port,
		CommandCount: atomic.LoadUint64(&s.commandCount),
		ErrorCount:   atomic.LoadUint64(&s.errorCount),
	}
	if t, ok := s.lastCommand.Load().(time.Time); ok {
		status.LastCommandTime = t
	}
	return status
}

// write 带重试地写入一帧
func (s *SerialPlatform) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return apperrors.New(apperrors.ErrDeviceOffline, "port not open")
	}

	var lastErr error
	for i := 0; i < s.config.RetryTimes; i++ {
		_, err := s.port.Write(frame)
		if err == nil {
			return nil
		}
		lastErr = err

		if i < s.config.RetryTimes-1 {
			time.Sleep(s.config.RetryInterval)
		}
	}

	atomic.AddUint64(&s.errorCount, 1)
	return apperrors.Wrap(lastErr, apperrors.ErrSerialPortWrite)
}

// readLoop 读取循环，解析帧并分发
func (s *SerialPlatform) readLoop() {
	buf := make([]byte, 256)
	var pending []byte

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.mu.RLock()
		port := s.port
		s.mu.RUnlock()
		if port == nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			// tarm/serial 在超时时返回 EOF，区分不了真断开，靠心跳兜底
			continue
		}
		if n == 0 {
			continue
		}

		pending = append(pending, buf[:n]...)
		pending = s.consumeFrames(pending)
	}
}

// consumeFrames 从缓冲中拆出完整帧并处理，返回剩余字节
func (s *SerialPlatform) consumeFrames(pending []byte) []byte {
	for {
		// 找帧头
		start := -1
		for i, b := range pending {
			if b == frameStart {
				start = i
				break
			}
		}
		if start < 0 {
			return nil
		}
		pending = pending[start:]

		// [AA][cmd][len][data...][sum][55]
		if len(pending) < 5 {
			return pending
		}
		dataLen := int(pending[2])
		frameLen := dataLen + 5
		if len(pending) < frameLen {
			return pending
		}

		frame := pending[:frameLen]
		pending = pending[frameLen:]

		if frame[frameLen-1] != frameEnd || !verifyChecksum(frame) {
			atomic.AddUint64(&s.errorCount, 1)
			s.logger.Warn("收到非法帧", zap.Binary("frame", frame))
			continue
		}

		s.dispatchFrame(frame[1], frame[3:3+dataLen])
	}
}

// dispatchFrame 按命令字分发一帧
func (s *SerialPlatform) dispatchFrame(cmd byte, data []byte) {
	switch cmd {
	case evtSwitchChange:
		// data: [编号] [状态] [板上毫秒计时(4B)]
		if len(data) < 2 {
			return
		}
		s.mu.RLock()
		cb := s.switchCb
		s.mu.RUnlock()
		if cb != nil {
			cb(SwitchEvent{
				Num:       data[0],
				State:     data[1] != 0,
				Timestamp: time.Now(),
			})
		}
	case respSwitchStates:
		select {
		case s.pendingStates <- data:
		default:
		}
	case respNAK:
		atomic.AddUint64(&s.errorCount, 1)
		err := apperrors.Newf(apperrors.ErrCommandNAK, "command 0x%02x", firstByte(data))
		s.logger.Error("控制板拒绝命令", zap.Error(err))
		s.mu.RLock()
		cb := s.faultCb
		s.mu.RUnlock()
		if cb != nil {
			cb(err)
		}
	default:
		s.logger.Debug("忽略未知帧", zap.Uint8("cmd", cmd))
	}
}

// heartbeatLoop 心跳循环
func (s *SerialPlatform) heartbeatLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if !s.IsConnected() {
				return
			}
			if err := s.write(buildFrame(cmdHeartbeat, nil)); err != nil {
				failures++
				s.logger.Warn("心跳发送失败", zap.Error(err), zap.Int("failures", failures))
				if failures >= 3 {
					// 连续失败视为串口断开
					s.mu.RLock()
					cb := s.faultCb
					s.mu.RUnlock()
					if cb != nil {
						cb(apperrors.New(apperrors.ErrDeviceOffline, "heartbeat lost"))
					}
					failures = 0
				}
			} else {
				failures = 0
			}
		}
	}
}

// buildFrame 构建命令帧
func buildFrame(cmd byte, data []byte) []byte {
	frame := []byte{frameStart, cmd, byte(len(data))}
	frame = append(frame, data...)

	// 校验和为帧头之后所有字节的异或
	checksum := byte(0)
	for _, b := range frame[1:] {
		checksum ^= b
	}

	frame = append(frame, checksum, frameEnd)
	return frame
}

// verifyChecksum 校验一帧（含帧头帧尾）
func verifyChecksum(frame []byte) bool {
	if len(frame) < 5 {
		return false
	}
	sum := byte(0)
	for _, b := range frame[1 : len(frame)-2] {
		sum ^= b
	}
	return sum == frame[len(frame)-2]
}

// powerByte 把0.0~1.0的功率转成0~255
func powerByte(power float64) byte {
	if power <= 0 {
		return 0
	}
	if power >= 1 {
		return 255
	}
	return byte(power * 255)
}

func firstByte(data []byte) byte {
	if len(data) == 0 {
		return 0
	}
	return data[0]
}
