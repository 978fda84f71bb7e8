package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wfunc/pinball-machine/internal/api"
	"github.com/wfunc/pinball-machine/internal/config"
	"github.com/wfunc/pinball-machine/internal/database"
	"github.com/wfunc/pinball-machine/internal/hardware"
	"github.com/wfunc/pinball-machine/internal/logger"
	"github.com/wfunc/pinball-machine/internal/machine"
	"github.com/wfunc/pinball-machine/internal/repository"
	ws "github.com/wfunc/pinball-machine/internal/websocket"
	"go.uber.org/zap"
)

const (
	// Version 版本号
	Version = "1.0.0"
	// AppName 应用名称
	AppName = "pinball-machine"
)

var (
	configPath  = flag.String("config", "configs/config.yaml", "配置文件路径")
	showVersion = flag.Bool("version", false, "显示版本信息")
	showHelp    = flag.Bool("help", false, "显示帮助信息")
)

// Server 整机服务
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	platform hardware.Platform
	machine  *machine.Machine
	recorder *repository.AuditRecorder
	hub      *ws.Hub
	httpSrv  *http.Server

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", AppName, Version)
		os.Exit(0)
	}

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	// 初始化配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("初始化配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	// 初始化日志
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	log := logger.GetLogger()
	log.Info("整机服务启动中",
		zap.String("app", AppName),
		zap.String("version", Version),
		zap.String("config", *configPath))

	server := NewServer(cfg, log)
	if err := server.Start(); err != nil {
		log.Fatal("服务启动失败", zap.Error(err))
	}

	// 监听配置变更
	config.Watch(func(newCfg *config.Config) {
		log.Info("配置已更新，部分配置需重启生效")
	})

	server.WaitForShutdown()
}

// NewServer 创建整机服务
func NewServer(cfg *config.Config, log *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		log:        log,
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动所有组件
func (s *Server) Start() error {
	if err := s.initDatabase(); err != nil {
		return err
	}
	if err := s.initMachine(); err != nil {
		return err
	}
	if err := s.startAPI(); err != nil {
		return err
	}
	return nil
}

// initDatabase 初始化数据库与审计落盘
func (s *Server) initDatabase() error {
	if err := database.Init(&s.cfg.Database); err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}

	if s.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(); err != nil {
			return fmt.Errorf("数据库迁移失败: %w", err)
		}
		s.log.Info("数据库迁移完成")
	}

	return nil
}

// initMachine 初始化硬件平台和球路控制
func (s *Server) initMachine() error {
	// 选择硬件平台
	if s.cfg.Serial.MockMode || !s.cfg.Serial.Enabled {
		s.log.Warn("使用模拟驱动板，线圈命令不会下发到硬件")
		s.platform = hardware.NewMockPlatform()
	} else {
		s.platform = hardware.NewSerialPlatform(&hardware.SerialConfig{
			Port:          s.cfg.Serial.Port,
			BaudRate:      s.cfg.Serial.BaudRate,
			DataBits:      s.cfg.Serial.DataBits,
			StopBits:      s.cfg.Serial.StopBits,
			Parity:        s.cfg.Serial.Parity,
			ReadTimeout:   s.cfg.Serial.ReadTimeout,
			WriteTimeout:  s.cfg.Serial.WriteTimeout,
			RetryTimes:    s.cfg.Serial.RetryTimes,
			RetryInterval: s.cfg.Serial.RetryInterval,
		})
	}

	m, err := machine.NewMachine(s.cfg, s.platform, nil, s.log)
	if err != nil {
		return fmt.Errorf("创建整机失败: %w", err)
	}
	s.machine = m

	// 事件订阅：审计落盘 + WebSocket推送
	s.recorder = repository.NewAuditRecorder(database.GetDB(), s.log)
	s.machine.Subscribe(s.recorder)

	s.hub = ws.NewHub(s.log)
	s.machine.Subscribe(s.hub)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	if err := s.machine.Start(); err != nil {
		return fmt.Errorf("启动整机失败: %w", err)
	}

	s.log.Info("整机已启动",
		zap.String("machine", s.cfg.Machine.Name),
		zap.Int("balls_installed", s.cfg.Machine.BallsInstalled))
	return nil
}

// startAPI 启动诊断API
func (s *Server) startAPI() error {
	if !s.cfg.API.Enabled {
		s.log.Info("诊断API未启用")
		return nil
	}

	router := api.NewRouter(s.machine, database.GetDB(), s.hub, &s.cfg.API, s.log)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port),
		Handler:      router.Engine(),
		ReadTimeout:  s.cfg.API.ReadTimeout,
		WriteTimeout: s.cfg.API.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("诊断API已启动", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("诊断API异常退出", zap.Error(err))
		}
	}()

	return nil
}

// WaitForShutdown 等待退出信号并优雅关闭
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		s.log.Info("收到退出信号", zap.String("signal", sig.String()))
	case <-s.shutdownCh:
		s.log.Info("收到内部关闭请求")
	}

	s.Shutdown()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown() {
	s.log.Info("服务关闭中")

	timeout := s.cfg.API.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 先停外部入口
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Error("诊断API关闭失败", zap.Error(err))
		}
	}

	// 再停整机（断开驱动板）
	if s.machine != nil {
		if err := s.machine.Stop(); err != nil {
			s.log.Error("整机停止失败", zap.Error(err))
		}
	}

	// 排空审计队列后关闭
	if s.recorder != nil {
		s.recorder.Close()
	}
	if s.hub != nil {
		s.hub.Stop()
	}

	s.cancel()
	s.wg.Wait()

	if err := database.Close(); err != nil {
		s.log.Error("数据库关闭失败", zap.Error(err))
	}

	s.log.Info("服务已退出")
}
