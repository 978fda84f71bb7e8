// mockbench 在模拟驱动板上跑一次完整的球路流程，
// 用于没有整机硬件时验证配置文件和弹射参数。
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/wfunc/pinball-machine/internal/config"
	"github.com/wfunc/pinball-machine/internal/hardware"
	"github.com/wfunc/pinball-machine/internal/machine"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	watchFor   = flag.Duration("watch", 5*time.Second, "观察时长")
)

// consolePrinter 把整机事件打到控制台
type consolePrinter struct{}

func (consolePrinter) Notify(e machine.Event) {
	fmt.Printf("[event] %-20s device=%-12s %v\n", e.Type, e.Device, e.Data)
}

func main() {
	flag.Parse()

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("初始化配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	log, _ := zap.NewDevelopment()
	defer log.Sync()

	platform := hardware.NewMockPlatform()

	m, err := machine.NewMachine(cfg, platform, nil, log)
	if err != nil {
		fmt.Printf("创建整机失败: %v\n", err)
		os.Exit(1)
	}
	m.Subscribe(consolePrinter{})

	if err := m.Start(); err != nil {
		fmt.Printf("启动整机失败: %v\n", err)
		os.Exit(1)
	}
	defer m.Stop()

	status := m.Status()
	fmt.Printf("整机 %s 已启动，装机球数 %d\n", status.Name, status.BallsInstalled)
	for _, d := range status.Devices {
		fmt.Printf("  %-12s state=%-16s balls=%d\n", d.Name, d.State, d.BallCount)
	}

	// 请求投放一颗球；模拟板不会真的让球移动，
	// 可以观察到弹射命令、超时重试直到放弃的完整链路。
	if err := m.AddBallToPlay(); err != nil {
		fmt.Printf("投放失败: %v\n", err)
	}

	time.Sleep(*watchFor)

	fmt.Println("驱动板收到的命令:")
	for i, cmd := range platform.Commands() {
		fmt.Printf("  %2d. %s coil=%d pulse=%s power=%.2f\n",
			i+1, cmd.Action, cmd.Coil, cmd.Pulse, cmd.Power)
	}

	status = m.Status()
	fmt.Printf("结束状态: balls_in_play=%d search=%s faults=%d\n",
		status.BallsInPlay, status.SearchState, len(status.Faults))
}
