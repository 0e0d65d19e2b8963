package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wfunc/stage-motors/internal/config"
	"github.com/wfunc/stage-motors/internal/discovery"
	"github.com/wfunc/stage-motors/internal/hardware"
	"github.com/wfunc/stage-motors/internal/logger"
)

var (
	configPath = flag.String("config", "", "配置文件路径")
	orientalX  = flag.Float64("x", 500, "Oriental X轴目标位置")
	orientalY  = flag.Float64("y", 500, "Oriental Y轴目标位置")
	polluxX    = flag.Float64("px", 2.5, "Pollux轴1目标位置")
	polluxY    = flag.Float64("py", 2.5, "Pollux轴2目标位置")
	stop       = flag.Bool("stop", false, "只发送停止命令")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

// run 返回退出码，保证所有返回路径都会执行延迟的Close
func run() int {
	fmt.Println("========================================")
	fmt.Println("       电机台测试工具")
	fmt.Println("========================================")
	fmt.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		return 1
	}
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		return 1
	}
	defer logger.Cleanup()

	devices, err := discovery.New(cfg.Discovery).Discover()
	if err != nil {
		fmt.Printf("设备发现失败: %v\n", err)
		return 1
	}
	for _, d := range devices {
		fmt.Printf("  %-16s serial=%-10s role=%s\n", d.Path, d.Serial, d.Role)
	}

	hub := hardware.NewMotorHub(cfg, devices)
	defer hub.Close()
	fmt.Printf("设备发现状态: %v\n", hub.DevicesFound())

	// 初始化和移动期间收到信号时停止电机并恢复串口设置
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		fmt.Printf("\n收到信号 %s，停止所有电机\n", sig)
		if err := hub.Abort(); err != nil {
			fmt.Printf("停止失败: %v\n", err)
		}
		logger.Cleanup()
		os.Exit(130)
	}()

	if *stop {
		if err := hub.StopAll(); err != nil {
			fmt.Printf("停止失败: %v\n", err)
			return 1
		}
		fmt.Println("已停止所有电机")
		return 0
	}

	hub.Initialize()
	fmt.Printf("初始化状态: %v\n", hub.Initialized())

	moves := []struct {
		name   string
		axis   int
		target float64
	}{
		{"Oriental X", 0, *orientalX},
		{"Oriental Y", 1, *orientalY},
		{"Pollux 1", 2, *polluxX},
		{"Pollux 2", 3, *polluxY},
	}

	failed := false
	for _, m := range moves {
		fmt.Printf("移动 %s 到 %g ... ", m.name, m.target)
		pos, err := hub.MoveAbsolute(m.axis, m.target)
		switch {
		case err != nil:
			fmt.Printf("❌ %v\n", err)
			failed = true
		case pos == hardware.Sentinel:
			fmt.Println("❌ 轴不可用")
			failed = true
		default:
			fmt.Printf("✓ 最终位置 %g\n", pos)
		}
	}
	if failed {
		return 1
	}
	return 0
}
