package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RecoveryAshes/WebSentinel/internal/scheduler"
	"github.com/RecoveryAshes/WebSentinel/internal/store"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "前台运行调度器,按频率持续检查全部监控项",
	Long: `启动常驻调度器:每分钟扫描一次到期的监控项,带随机抖动派发进
固定大小的worker池执行检查。Ctrl+C或SIGTERM触发优雅关闭,
在途的检查会跑完再退出。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(appConfig.Storage.Path)
		if err != nil {
			return fmt.Errorf("打开数据库失败: %w", err)
		}
		defer st.Close()

		// 遥测异步落库,关闭时排空缓冲
		telemetry := store.NewAsyncTelemetry(st)
		defer telemetry.Close()

		engine, renderClient, err := buildEngine(appConfig, st, telemetry)
		if err != nil {
			return err
		}
		defer renderClient.Close()

		sched, err := scheduler.New(scheduler.Options{
			Store:      st,
			Runner:     engine,
			Tick:       appConfig.TickInterval(),
			JitterMax:  appConfig.JitterMax(),
			MaxWorkers: appConfig.Scheduler.MaxConcurrent,
			Retention:  appConfig.TelemetryRetention(),
		})
		if err != nil {
			return fmt.Errorf("创建调度器失败: %w", err)
		}

		// 信号处理(Ctrl+C优雅退出)
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			utils.Warnf("收到中断信号: %v, 正在优雅关闭...", sig)
			cancel()
		}()

		sched.Run(ctx)

		utils.Info("✨ 调度器已退出")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
