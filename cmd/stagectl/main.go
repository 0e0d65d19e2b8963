package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/stage-motors/internal/api"
	"github.com/wfunc/stage-motors/internal/config"
	"github.com/wfunc/stage-motors/internal/discovery"
	"github.com/wfunc/stage-motors/internal/errors"
	"github.com/wfunc/stage-motors/internal/hardware"
	"github.com/wfunc/stage-motors/internal/logger"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 服务实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	hub  *hardware.MotorHub
	http *http.Server

	wg sync.WaitGroup
}

func main() {
	os.Exit(run())
}

// run 返回退出码，所有返回路径都会执行延迟调用
func run() int {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		skipInit    = flag.Bool("skip-init", false, "启动时不执行电机初始化")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		return 0
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		return 1
	}
	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		return 1
	}
	defer logger.Cleanup()

	server := NewServer(cfg)
	if err := server.Setup(); err != nil {
		logger.Error("服务启动失败", zap.Error(err))
		return 1
	}

	// 初始化之前就监听信号，回原点期间退出也要停止电机并恢复串口
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	started := make(chan struct{})
	go func() {
		defer close(started)
		server.Start(!*skipInit)
	}()

	select {
	case sig := <-sigCh:
		logger.Warn("启动期间收到退出信号，中止初始化", zap.String("signal", sig.String()))
		if err := server.Abort(); err != nil {
			logger.Error("中止失败", zap.Error(err))
		}
		return 1
	case <-started:
	}

	server.WaitForShutdown(sigCh)

	if err := server.Shutdown(); err != nil {
		logger.Error("服务关闭失败", zap.Error(err))
		return 1
	}
	logger.Info("服务已安全关闭")
	return 0
}

// NewServer 创建服务实例
func NewServer(cfg *config.Config) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
	}
}

// Setup 发现设备并创建集线器，不访问串口
func (s *Server) Setup() error {
	s.logger.Info("正在启动电机控制服务...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode))

	devices, err := discovery.New(s.cfg.Discovery).Discover()
	if err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "设备发现失败")
	}
	s.hub = hardware.NewMotorHub(s.cfg, devices)
	return nil
}

// Start 初始化电机并启动控制API
func (s *Server) Start(initialize bool) {
	if initialize {
		s.hub.Initialize()
		s.logger.Info("电机初始化状态",
			zap.Bool("devices_found", s.hub.DevicesFound()),
			zap.Bool("initialized", s.hub.Initialized()))
	}

	if s.cfg.Server.Enabled {
		s.startHTTP()
	}

	// 监听配置变化，只有日志级别可以热更新
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新", zap.String("log_level", newCfg.Log.Level))
		logger.SetLevel(newCfg.Log.Level)
	})
}

// Abort 启动未完成时退出：停止电机并立即关闭串口
func (s *Server) Abort() error {
	if err := s.hub.Abort(); err != nil {
		return errors.Wrap(err, errors.ErrTransport, "中止电机失败")
	}
	return nil
}

func (s *Server) startHTTP() {
	gin.SetMode(s.cfg.Server.Mode)
	router := api.NewRouter(s.hub, logger.WithModule("api"))

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("控制API已启动", zap.String("address", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("控制API异常退出", zap.Error(err))
		}
	}()
}

// WaitForShutdown 等待退出信号
func (s *Server) WaitForShutdown(sigCh <-chan os.Signal) {
	sig := <-sigCh
	s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
}

// Shutdown 停止电机并关闭串口
func (s *Server) Shutdown() error {
	s.logger.Info("正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Warn("控制API关闭超时", zap.Error(err))
		}
	}
	s.wg.Wait()

	if err := s.hub.StopAll(); err != nil {
		s.logger.Warn("停止电机失败", zap.Error(err))
	}
	if err := s.hub.Close(); err != nil {
		return errors.Wrap(err, errors.ErrTransport, "关闭串口失败")
	}

	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}
	return nil
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("电机控制服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
